// Package zookeeperstore implements leaselock.Backend on ZooKeeper.
//
// A lock is a persistent znode whose data is "<token>\n<expiry in epoch ms>";
// release empties the data instead of deleting the node. Writes are conditioned
// on the znode version read just before, so a concurrent change makes them fail
// instead of overwriting. Since the node is never recreated its version only
// grows, and a version read once can never match a later holder's node. Expiry
// is judged by the caller's clock.
package zookeeperstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/jonboulle/clockwork"

	"github.com/companyinfo/leaselock"
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used to compute expiries.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// Conn is the part of *zk.Conn the Store uses.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
}

// Store is a leaselock.Backend on a ZooKeeper ensemble.
type Store struct {
	client Conn
	clock  clockwork.Clock
}

// New creates a new Store using client, usually a *zk.Conn.
func New(client Conn, opts ...Option) *Store {
	s := &Store{
		client: client,
		clock:  clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns leaselock.BackendZooKeeper.
func (s *Store) Name() string {
	return leaselock.BackendZooKeeper
}

// SetIfAbsent creates the lock znode, or takes over one that is released or
// whose lease expired.
func (s *Store) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	path, err := lockPath(key)
	if err != nil {
		return false, err
	}

	if err := ctx.Err(); err != nil {
		return false, err
	}

	now := s.clock.Now()
	data := encode(token, now.Add(ttl))

	_, err = s.client.Create(path, data, 0, zk.WorldACL(zk.PermAll))
	if err == nil {
		return true, nil
	}

	if !errors.Is(err, zk.ErrNodeExists) {
		return false, err
	}

	current, stat, err := s.client.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if held, expiry, err := decode(current); err == nil && held != "" && now.Before(expiry) {
		return false, nil
	}

	return versioned(s.client.Set(path, data, stat.Version))
}

// CompareAndDelete releases the lock znode if it holds token and has not
// expired. The znode is kept with empty data so its version keeps increasing.
func (s *Store) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	path, stat, err := s.owned(ctx, key, token)
	if err != nil || stat == nil {
		return false, err
	}

	return versioned(s.client.Set(path, nil, stat.Version))
}

// CompareAndExtend rewrites the expiry of the lock znode to ttl from now if it
// holds token and has not expired.
func (s *Store) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	path, stat, err := s.owned(ctx, key, token)
	if err != nil || stat == nil {
		return false, err
	}

	return versioned(s.client.Set(path, encode(token, s.clock.Now().Add(ttl)), stat.Version))
}

// WatchRelease watches the lock znode and signals whenever it is released or
// deleted.
func (s *Store) WatchRelease(_ context.Context, key string) (<-chan struct{}, func(), error) {
	path, err := lockPath(key)
	if err != nil {
		return nil, nil, err
	}

	_, _, events, err := s.client.ExistsW(path)
	if err != nil {
		return nil, nil, err
	}

	released := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-events:
				if s.isRelease(ev) {
					select {
					case released <- struct{}{}:
					default:
					}
				}
			}

			// Watches fire once; set the next one.
			var err error
			for {
				_, _, events, err = s.client.ExistsW(path)
				if err == nil {
					break
				}

				select {
				case <-done:
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
		})
	}

	return released, stop, nil
}

func (s *Store) isRelease(ev zk.Event) bool {
	switch ev.Type {
	case zk.EventNodeDeleted:
		return true
	case zk.EventNodeDataChanged:
		data, _, err := s.client.Get(ev.Path)

		return err == nil && len(data) == 0
	default:
		return false
	}
}

// owned returns the path and stat of the lock znode if it holds token and has
// not expired. A nil stat means it does not.
func (s *Store) owned(ctx context.Context, key, token string) (string, *zk.Stat, error) {
	path, err := lockPath(key)
	if err != nil {
		return "", nil, err
	}

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	data, stat, err := s.client.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return path, nil, nil
	}

	if err != nil {
		return "", nil, err
	}

	current, expiry, err := decode(data)
	if err != nil || current == "" || current != token || !s.clock.Now().Before(expiry) {
		return path, nil, nil
	}

	return path, stat, nil
}

// versioned maps a lost versioned write to false.
func versioned(_ *zk.Stat, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, zk.ErrBadVersion), errors.Is(err, zk.ErrNoNode):
		return false, nil
	default:
		return false, err
	}
}

func encode(token string, expiry time.Time) []byte {
	return []byte(token + "\n" + strconv.FormatInt(expiry.UnixMilli(), 10))
}

func decode(data []byte) (string, time.Time, error) {
	token, expiry, ok := strings.Cut(string(data), "\n")
	if !ok {
		return "", time.Time{}, fmt.Errorf("invalid lock data %q", data)
	}

	ms, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid lock expiry %q: %w", expiry, err)
	}

	return token, time.UnixMilli(ms), nil
}

// lockPath turns a lock key into a top-level znode path.
func lockPath(key string) (string, error) {
	path := key
	if !strings.HasPrefix(path, "/") {
		path = "/" + path // Ensure it starts with "/"
	}

	if err := validateZooKeeperPath(path); err != nil {
		return "", err
	}

	return path, nil
}

// validateZooKeeperPath checks if the path is valid for ZooKeeper.
func validateZooKeeperPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return errors.New("ZooKeeper path must start with '/'")
	}

	if len(path) == 1 || strings.HasSuffix(path, "/") {
		return errors.New("ZooKeeper path must not end with '/'")
	}

	if strings.ContainsAny(path, " \t\n\r\000") { // No spaces or null characters allowed
		return errors.New("ZooKeeper path contains invalid characters")
	}

	return nil
}
