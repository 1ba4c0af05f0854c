// Package redisstore implements leaselock.Backend on Redis.
//
// A lock is a plain string key holding the acquisition token, written with
// SET NX PX. Release and renewal run as Lua scripts so the token check and the
// DEL or PEXPIRE happen atomically on the server. Every successful release is
// published on "<key>:released", which lets waiters retry without polling.
package redisstore

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/companyinfo/leaselock"
)

// ReleasedSuffix is appended to a lock key to form its release channel.
const ReleasedSuffix = ":released"

var deleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Store is a leaselock.Backend on a Redis server or cluster.
type Store struct {
	client redis.UniversalClient
}

// New creates a new Store using client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Name returns leaselock.BackendRedis.
func (s *Store) Name() string {
	return leaselock.BackendRedis
}

// SetIfAbsent stores token under key with SET NX PX.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, token, ttl).Result()
}

// CompareAndDelete deletes key if it stores token and announces the release.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := deleteScript.Run(ctx, s.client, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}

	if n == 0 {
		return false, nil
	}

	// Waiters fall back to polling, so a lost announcement only costs latency.
	_ = s.client.Publish(ctx, key+ReleasedSuffix, token).Err()

	return true, nil
}

// CompareAndExtend sets the expiry of key to ttl if it stores token.
func (s *Store) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// WatchRelease subscribes to the release channel of key. The subscription holds
// a dedicated connection until stop is called.
func (s *Store) WatchRelease(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	pubsub := s.client.Subscribe(ctx, key+ReleasedSuffix)

	// Wait for the confirmation so that no release after this call is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return nil, nil, err
	}

	released := make(chan struct{}, 1)
	messages := pubsub.Channel()
	go func() {
		for range messages {
			select {
			case released <- struct{}{}:
			default:
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}

	return released, stop, nil
}
