// Package hazelcaststore implements leaselock.Backend on a Hazelcast map.
//
// A lock is a map entry from the lock key to the token, written with a
// per-entry TTL. Acquisition and release are single atomic map operations.
// Hazelcast offers no conditional TTL update, so renewal holds the map's key
// lock while it checks the token and resets the TTL; puts and removes from
// other clients wait for that lock.
package hazelcaststore

import (
	"context"
	"sync"
	"time"

	"github.com/hazelcast/hazelcast-go-client"

	"github.com/companyinfo/leaselock"
)

// DefaultMap is the map holding the locks.
const DefaultMap string = "distributed_lock"

// renewLease bounds how long a renewal may keep the key lock if this client
// goes away mid-call.
const renewLease = 10 * time.Second

// Option configures a Store.
type Option func(*Store)

// WithMapName sets the map holding the locks.
func WithMapName(name string) Option {
	return func(s *Store) {
		s.mapName = name
	}
}

// Store is a leaselock.Backend on a Hazelcast cluster.
type Store struct {
	client  *hazelcast.Client
	mapName string
}

// New creates a new Store using client.
func New(client *hazelcast.Client, opts ...Option) *Store {
	s := &Store{
		client:  client,
		mapName: DefaultMap,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns leaselock.BackendHazelcast.
func (s *Store) Name() string {
	return leaselock.BackendHazelcast
}

// SetIfAbsent puts token under key with ttl unless key is present.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	locks, err := s.client.GetMap(ctx, s.mapName)
	if err != nil {
		return false, err
	}

	previous, err := locks.PutIfAbsentWithTTL(ctx, key, token, ttl)
	if err != nil {
		return false, err
	}

	return previous == nil, nil
}

// CompareAndDelete removes key if it maps to token.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	locks, err := s.client.GetMap(ctx, s.mapName)
	if err != nil {
		return false, err
	}

	return locks.RemoveIfSame(ctx, key, token)
}

// CompareAndExtend resets the TTL of key to ttl if it maps to token.
func (s *Store) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	locks, err := s.client.GetMap(ctx, s.mapName)
	if err != nil {
		return false, err
	}

	lockCtx := locks.NewLockContext(ctx)
	if err := locks.LockWithLease(lockCtx, key, renewLease); err != nil {
		return false, err
	}

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(lockCtx), 5*time.Second)
		defer cancel()

		_ = locks.Unlock(unlockCtx, key)
	}()

	current, err := locks.Get(lockCtx, key)
	if err != nil || current != token {
		return false, err
	}

	if err := locks.SetTTL(lockCtx, key, ttl); err != nil {
		return false, err
	}

	// SetTTL is a no-op on an entry that expired after the Get.
	current, err = locks.Get(lockCtx, key)
	if err != nil {
		return false, err
	}

	return current == token, nil
}

// WatchRelease listens for removal and expiry of key.
func (s *Store) WatchRelease(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	locks, err := s.client.GetMap(ctx, s.mapName)
	if err != nil {
		return nil, nil, err
	}

	released := make(chan struct{}, 1)
	config := hazelcast.MapEntryListenerConfig{Key: key}
	config.NotifyEntryRemoved(true)
	config.NotifyEntryExpired(true)

	subscription, err := locks.AddEntryListener(ctx, config, func(*hazelcast.EntryNotified) {
		select {
		case released <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = locks.RemoveEntryListener(ctx, subscription)
		})
	}

	return released, stop, nil
}
