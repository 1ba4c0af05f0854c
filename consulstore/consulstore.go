// Package consulstore implements leaselock.Backend on Consul.
//
// Each acquisition creates a Consul session with the delete behaviour and
// acquires the lock key with it, storing the token as the value. Renewal renews
// the session bound to the key holding the caller's token, release deletes the
// key with a check-and-set on its modify index.
//
// Consul enforces a 10s minimum session TTL and may keep a session up to twice
// its TTL, so a lease that is not renewed lapses between max(ttl, 10s) and
// twice that.
package consulstore

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/companyinfo/leaselock"
)

// MinSessionTTL is the shortest session TTL Consul accepts.
const MinSessionTTL = 10 * time.Second

// Store is a leaselock.Backend on a Consul cluster.
type Store struct {
	client *api.Client
}

// New creates a new Store using client.
func New(client *api.Client) *Store {
	return &Store{client: client}
}

// Name returns leaselock.BackendConsul.
func (s *Store) Name() string {
	return leaselock.BackendConsul
}

// SetIfAbsent acquires key with a new session holding token.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	wo := (&api.WriteOptions{}).WithContext(ctx)

	sessionID, _, err := s.client.Session().Create(&api.SessionEntry{
		Name:      key,
		TTL:       sessionTTL(ttl),
		LockDelay: 0,
		Behavior:  api.SessionBehaviorDelete, // Delete the key when the session is invalidated.
	}, wo)
	if err != nil {
		return false, fmt.Errorf("failed to create consul session: %w", err)
	}

	acquired, _, err := s.client.KV().Acquire(&api.KVPair{
		Key:     key,
		Value:   []byte(token),
		Session: sessionID,
	}, wo)
	if err != nil || !acquired {
		s.destroy(sessionID)

		return false, err
	}

	return true, nil
}

// CompareAndDelete deletes key if it holds token and destroys its session.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	pair, err := s.owned(ctx, key, token)
	if err != nil || pair == nil {
		return false, err
	}

	deleted, _, err := s.client.KV().DeleteCAS(&api.KVPair{
		Key:         key,
		ModifyIndex: pair.ModifyIndex,
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil || !deleted {
		return false, err
	}

	s.destroy(pair.Session)

	return true, nil
}

// CompareAndExtend renews the session bound to key if key holds token. The
// session keeps the TTL it was created with.
func (s *Store) CompareAndExtend(ctx context.Context, key, token string, _ time.Duration) (bool, error) {
	pair, err := s.owned(ctx, key, token)
	if err != nil || pair == nil {
		return false, err
	}

	entry, _, err := s.client.Session().Renew(pair.Session, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, err
	}

	// A nil entry means the session expired meanwhile.
	return entry != nil, nil
}

// WatchRelease runs a blocking query on key and signals whenever it disappears.
func (s *Store) WatchRelease(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)

	_, meta, err := s.client.KV().Get(key, (&api.QueryOptions{}).WithContext(watchCtx))
	if err != nil {
		cancel()

		return nil, nil, err
	}

	released := make(chan struct{}, 1)
	go func() {
		index := meta.LastIndex
		for watchCtx.Err() == nil {
			pair, meta, err := s.client.KV().Get(key, (&api.QueryOptions{
				WaitIndex: index,
				WaitTime:  time.Minute,
			}).WithContext(watchCtx))
			if err != nil {
				select {
				case <-watchCtx.Done():
				case <-time.After(time.Second):
				}

				continue
			}

			if meta.LastIndex == index {
				continue
			}
			index = meta.LastIndex

			if pair == nil {
				select {
				case released <- struct{}{}:
				default:
				}
			}
		}
	}()

	return released, cancel, nil
}

// owned returns the pair of key if it holds token and is bound to a session.
func (s *Store) owned(ctx context.Context, key, token string) (*api.KVPair, error) {
	pair, _, err := s.client.KV().Get(key, (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return nil, err
	}

	if pair == nil || pair.Session == "" || string(pair.Value) != token {
		return nil, nil
	}

	return pair, nil
}

// destroy drops a session that no longer guards a lock. A failure leaves the
// session to expire on its own.
func (s *Store) destroy(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _ = s.client.Session().Destroy(sessionID, (&api.WriteOptions{}).WithContext(ctx))
}

// sessionTTL formats ttl as a Consul duration, raised to MinSessionTTL.
func sessionTTL(ttl time.Duration) string {
	if ttl < MinSessionTTL {
		ttl = MinSessionTTL
	}

	return ttl.Round(time.Second).String()
}
