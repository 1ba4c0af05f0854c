package leaselock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Mutex is a reentrant lock on one backend key. Callers identify themselves
// with an Owner carried in the context:
//
//	ctx = leaselock.WithOwner(ctx, leaselock.NewOwner())
//	if err := m.Lock(ctx); err != nil {
//		return err
//	}
//	defer m.Unlock(ctx)
//
// Local ownership is a cache in front of the backend: it answers reentrant and
// locally contended attempts without a network call, while the backend decides
// between processes.
type Mutex struct {
	client *Client
	key    string

	// mu serialises every write of owner and token, including the backend call
	// that decides whether they change.
	mu    sync.Mutex
	owner Owner
	token string

	// holder mirrors owner so Held does not wait behind an acquisition in flight.
	holder atomic.Value
}

// Key returns the backend key of the lock.
func (m *Mutex) Key() string {
	return m.key
}

// Held reports whether the Owner in ctx holds the lock. It never waits for
// another caller's acquisition or release to finish.
func (m *Mutex) Held(ctx context.Context) bool {
	caller, ok := OwnerFromContext(ctx)
	if !ok {
		return false
	}

	holder, _ := m.holder.Load().(Owner)

	return holder == caller
}

// setOwner must be called with m.mu held.
func (m *Mutex) setOwner(owner Owner, token string) {
	m.owner = owner
	m.token = token
	m.holder.Store(owner)
}

// TryLock acquires the lock without waiting and reports whether it is held by
// the caller afterwards. A holder trying again succeeds at once; a lock held by
// another local Owner fails at once. Backend failures are logged and reported
// as false. The error is reserved for misuse: ErrNoOwner or ErrClosed.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	caller, ok := OwnerFromContext(ctx)
	if !ok {
		return false, ErrNoOwner
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.owner {
	case caller:
		return true, nil
	case "":
	default:
		return false, nil
	}

	if m.client.closed.Load() {
		return false, ErrClosed
	}

	return m.acquire(ctx, caller), nil
}

// acquire must be called with m.mu held and no local owner.
func (m *Mutex) acquire(ctx context.Context, caller Owner) bool {
	c := m.client
	startTime := time.Now()
	issued := c.config.Clock.Now()

	opCtx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()

	opCtx, span := c.tel.recordStart(opCtx, ActionAcquire, m.key)
	defer span.End()

	token := uuid.NewString()
	ok, err := c.backend.SetIfAbsent(opCtx, m.key, token, c.config.LeaseDuration)
	if err != nil {
		_ = c.tel.handleError(opCtx, span, err, ActionAcquire, "failed to acquire lock", m.key)

		return false
	}

	if !ok {
		c.tel.recordFailure(opCtx, span, ActionAcquire, "lock is already held by another process", m.key, 1)

		return false
	}

	m.setOwner(caller, token)
	if !c.watchdog.track(ctx, m.key, token, issued) {
		c.tel.logger.Info("watchdog is stopped, lease will not be renewed", "lockID", m.key)
	}

	c.tel.recordSuccess(opCtx, span, startTime, ActionAcquiredSuccessfully, m.key)

	return true
}

// Lock blocks until the lock is acquired or ctx ends. Attempts are retried every
// RetryInterval; backends implementing Notifier also wake the caller when the
// current holder releases. When ctx ends first the returned error matches both
// ErrInterrupted and ctx.Err(), and nothing is held.
func (m *Mutex) Lock(ctx context.Context) error {
	if _, ok := OwnerFromContext(ctx); !ok {
		return ErrNoOwner
	}

	var released <-chan struct{}
	watching := false
	clock := m.client.config.Clock
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}

		ok, err := m.TryLock(ctx)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}

		if !watching {
			watching = true
			if ch, stop, err := m.watchRelease(ctx); err == nil && ch != nil {
				defer stop()
				released = ch
			}
		}

		m.client.tel.logger.V(1).Info("lock is busy, waiting",
			"lockID", m.key,
			"attempt", attempt,
			"retryInterval", m.client.config.RetryInterval)

		timer := clock.NewTimer(m.client.config.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()

			return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		case <-timer.Chan():
		case <-released:
		}
		timer.Stop()
	}
}

func (m *Mutex) watchRelease(ctx context.Context) (<-chan struct{}, func(), error) {
	n, ok := m.client.backend.(Notifier)
	if !ok {
		return nil, nil, nil
	}

	ch, stop, err := n.WatchRelease(ctx, m.key)
	if err != nil {
		m.client.tel.logger.Error(err, "release notifications unavailable, polling only", "lockID", m.key)

		return nil, nil, err
	}

	return ch, stop, nil
}

// TryLockFor is not supported; use TryLock or Lock with a deadline on ctx.
func (m *Mutex) TryLockFor(_ context.Context, _ time.Duration) (bool, error) {
	return false, fmt.Errorf("%w: timed acquisition", ErrUnsupported)
}

// NewCond is not supported: a distributed lock cannot park waiters on a local
// condition variable.
func (m *Mutex) NewCond() (*sync.Cond, error) {
	return nil, fmt.Errorf("%w: condition variables", ErrUnsupported)
}

// Unlock releases the lock held by the Owner in ctx. Releasing a lock the
// caller does not hold returns ErrIllegalRelease and changes nothing. The
// backend call is bounded by OperationTimeout only, so Unlock with a ctx whose
// deadline passed during the critical section still frees the key.
//
// Local ownership is always cleared, even when the backend call fails; such a
// failure is returned wrapped in ErrBackendUnavailable and the backend key is
// left to expire. A backend that no longer stores the caller's token (the lease
// lapsed and the key may belong to someone else) is logged, not reported.
func (m *Mutex) Unlock(ctx context.Context) error {
	caller, ok := OwnerFromContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ok || m.owner == "" || m.owner != caller {
		return fmt.Errorf("%w: %s", ErrIllegalRelease, m.key)
	}

	token := m.token
	defer m.setOwner("", "")

	m.client.watchdog.forget(ctx, token)

	return m.release(ctx, token)
}

func (m *Mutex) release(ctx context.Context, token string) error {
	c := m.client
	startTime := time.Now()

	// The key is deleted even when ctx has ended: the lease is no longer
	// renewed, so leaving it would block other processes until it expires.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.OperationTimeout)
	defer cancel()

	opCtx, span := c.tel.recordStart(opCtx, ActionRelease, m.key)
	defer span.End()

	ok, err := c.backend.CompareAndDelete(opCtx, m.key, token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable,
			c.tel.handleError(opCtx, span, err, ActionRelease, "failed to release lock", m.key))
	}

	if !ok {
		c.tel.recordFailure(opCtx, span, ActionRelease, "lock was not held on the backend or already expired", m.key, 0)

		return nil
	}

	c.tel.recordSuccess(opCtx, span, startTime, ActionReleasedSuccessfully, m.key)

	return nil
}

// currentToken returns the token of the current acquisition, if any.
func (m *Mutex) currentToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.token
}
