package leaselock

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalRelease the caller tried to release a lock it does not own.
	ErrIllegalRelease = errors.New("lock is not held by the caller")
	// ErrUnsupported the operation is not part of the lock's contract.
	ErrUnsupported = fmt.Errorf("leaselock: %w", errors.ErrUnsupported)
	// ErrInterrupted lock acquisition was abandoned because the context ended.
	ErrInterrupted = errors.New("lock acquisition interrupted")
	// ErrBackendUnavailable communication with the backend failed.
	ErrBackendUnavailable = errors.New("lock backend unavailable")
	// ErrNoOwner the context does not carry an Owner.
	ErrNoOwner = errors.New("context carries no lock owner")
	// ErrClosed the client has been shut down.
	ErrClosed = errors.New("lock client is closed")
	// ErrInvalidConfig the lock configuration is inconsistent.
	ErrInvalidConfig = errors.New("invalid lock configuration")
)
