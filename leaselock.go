// Package leaselock provides a reentrant distributed mutex coordinated through a
// shared key-value backend such as Redis, etcd, PostgreSQL or DynamoDB.
//
// A Mutex acquires a lease on its key with a freshly generated token. While the
// lock is held, a watchdog owned by the Client keeps extending the lease shortly
// before it expires, so long critical sections are not preempted by their own
// timeout. Release and renewal only take effect when the backend still stores the
// caller's token.
package leaselock

import (
	"context"
	"time"
)

const (
	// ActionAcquire represents the action of attempting to acquire a lock.
	ActionAcquire = "acquire"
	// ActionRelease represents the action of releasing a previously acquired lock.
	ActionRelease = "release"
	// ActionRenew represents the action of extending the expiration time of a lock.
	ActionRenew = "renew"
	// ActionAcquiredSuccessfully indicates that a lock was successfully acquired.
	ActionAcquiredSuccessfully = "acquired"
	// ActionReleasedSuccessfully indicates that a lock was successfully released.
	ActionReleasedSuccessfully = "released"
	// ActionRenewedSuccessfully indicates that a lock was successfully renewed.
	ActionRenewedSuccessfully = "renewed"
)

const (
	// BackendConsul represents Consul as a distributed locking backend.
	BackendConsul = "consul"
	// BackendEtcd represents etcd as a distributed locking backend.
	BackendEtcd = "etcd"
	// BackendDynamoDB represents AWS DynamoDB as a distributed locking backend.
	BackendDynamoDB = "dynamodb"
	// BackendHazelcast represents Hazelcast as a distributed locking backend.
	BackendHazelcast = "hazelcast"
	// BackendMemory represents the in-process backend.
	BackendMemory = "memory"
	// BackendMongoDB represents MongoDB as a distributed locking backend.
	BackendMongoDB = "mongodb"
	// BackendRedis represents Redis as a distributed locking backend.
	BackendRedis = "redis"
	// BackendZooKeeper represents Apache ZooKeeper as a distributed locking backend.
	BackendZooKeeper = "zookeeper"
	// BackendPostgres represents PostgreSQL as a distributed locking backend.
	BackendPostgres = "postgres"
)

// Backend is the key-value store a Mutex coordinates through.
// All three operations must be atomic on the backend side.
type Backend interface {
	// SetIfAbsent stores token under key with the given ttl. It reports true
	// only if key had no live value before the call.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key if it currently stores token.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)

	// CompareAndExtend resets the ttl of key to ttl from now if it currently
	// stores token. The value is left unchanged.
	CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Notifier is implemented by backends that can announce releases. Waiters use it
// to retry early; polling still runs underneath, so a missed notification only
// costs latency.
type Notifier interface {
	// WatchRelease returns a channel that receives a value whenever key is
	// released, and a function that stops the watch.
	WatchRelease(ctx context.Context, key string) (<-chan struct{}, func(), error)
}

// backendName returns the telemetry label of b.
func backendName(b Backend) string {
	if n, ok := b.(interface{ Name() string }); ok {
		return n.Name()
	}

	return "custom"
}
