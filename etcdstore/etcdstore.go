// Package etcdstore implements leaselock.Backend on etcd.
//
// The token is stored under the lock key, attached to an etcd lease whose TTL is
// the lock lease. Renewal swaps in a fresh lease inside a transaction guarded by
// the token, so etcd decides atomically whether the caller still owns the key.
// etcd lease TTLs are whole seconds; shorter durations are rounded up.
package etcdstore

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/companyinfo/leaselock"
)

// Store is a leaselock.Backend on an etcd cluster.
type Store struct {
	client *clientv3.Client
}

// New creates a new Store using client.
func New(client *clientv3.Client) *Store {
	return &Store{client: client}
}

// Name returns leaselock.BackendEtcd.
func (s *Store) Name() string {
	return leaselock.BackendEtcd
}

// SetIfAbsent creates key with token under a new lease, unless key exists.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, err
	}

	// Only succeed if the key does not exist.
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil || !resp.Succeeded {
		s.revoke(lease.ID)

		return false, err
	}

	return true, nil
}

// CompareAndDelete deletes key if it stores token and revokes its lease.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpGet(key), clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}

	if !resp.Succeeded {
		return false, nil
	}

	s.revoke(previousLease(resp))

	return true, nil
}

// CompareAndExtend moves key onto a new lease of ttl if it stores token.
func (s *Store) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	lease, err := s.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, err
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpGet(key), clientv3.OpPut(key, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil || !resp.Succeeded {
		s.revoke(lease.ID)

		return false, err
	}

	s.revoke(previousLease(resp))

	return true, nil
}

// WatchRelease watches key for deletions, which covers both releases and
// expired leases.
func (s *Store) WatchRelease(ctx context.Context, key string) (<-chan struct{}, func(), error) {
	// Start right after the current revision so no deletion after this call is missed.
	current, err := s.client.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return nil, nil, err
	}

	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	events := s.client.Watch(watchCtx, key,
		clientv3.WithFilterPut(),
		clientv3.WithRev(current.Header.Revision+1))

	released := make(chan struct{}, 1)
	go func() {
		for resp := range events {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypeDelete {
					continue
				}

				select {
				case released <- struct{}{}:
				default:
				}
			}
		}
	}()

	return released, cancel, nil
}

// revoke drops a lease that no longer guards a lock. A failure leaves the lease
// to expire on its own.
func (s *Store) revoke(id clientv3.LeaseID) {
	if id == clientv3.NoLease {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _ = s.client.Revoke(ctx, id)
}

// previousLease returns the lease the key was attached to when the transaction
// read it.
func previousLease(resp *clientv3.TxnResponse) clientv3.LeaseID {
	if len(resp.Responses) == 0 {
		return clientv3.NoLease
	}

	get := resp.Responses[0].GetResponseRange()
	if get == nil || len(get.Kvs) == 0 {
		return clientv3.NoLease
	}

	return clientv3.LeaseID(get.Kvs[0].Lease)
}

// leaseSeconds rounds ttl up to whole seconds, as etcd leases require.
func leaseSeconds(ttl time.Duration) int64 {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}

	return seconds
}
