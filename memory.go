package leaselock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend. Separate Clients sharing one
// MemoryBackend behave like separate processes sharing a store, which makes it
// the backend of choice for tests and single-process deployments.
type MemoryBackend struct {
	clock clockwork.Clock

	mutex    sync.Mutex
	entries  map[string]memoryEntry
	watchers map[string]map[chan struct{}]struct{}
}

// NewMemoryBackend creates a new MemoryBackend measuring expiry with clock.
// A nil clock means the wall clock.
func NewMemoryBackend(clock clockwork.Clock) *MemoryBackend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &MemoryBackend{
		clock:    clock,
		entries:  make(map[string]memoryEntry),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

// Name returns BackendMemory.
func (m *MemoryBackend) Name() string {
	return BackendMemory
}

// live returns the unexpired entry of key. Expired entries are evicted.
// The caller must hold m.mutex.
func (m *MemoryBackend) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}

	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)

		return memoryEntry{}, false
	}

	return e, true
}

// SetIfAbsent stores token under key unless a live entry exists.
func (m *MemoryBackend) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}

	m.entries[key] = memoryEntry{token: token, expiresAt: m.clock.Now().Add(ttl)}

	return true, nil
}

// CompareAndDelete deletes key if it stores token and notifies release watchers.
func (m *MemoryBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.live(key)
	if !ok || e.token != token {
		return false, nil
	}

	delete(m.entries, key)
	for ch := range m.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	return true, nil
}

// CompareAndExtend resets the expiry of key if it stores token.
func (m *MemoryBackend) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.live(key)
	if !ok || e.token != token {
		return false, nil
	}

	e.expiresAt = m.clock.Now().Add(ttl)
	m.entries[key] = e

	return true, nil
}

// WatchRelease subscribes to releases of key. Expiry is not announced.
func (m *MemoryBackend) WatchRelease(_ context.Context, key string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	m.mutex.Lock()
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[chan struct{}]struct{})
	}
	m.watchers[key][ch] = struct{}{}
	m.mutex.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mutex.Lock()
			defer m.mutex.Unlock()

			delete(m.watchers[key], ch)
			if len(m.watchers[key]) == 0 {
				delete(m.watchers, key)
			}
		})
	}

	return ch, stop, nil
}

// Get returns the token stored under key and its remaining ttl.
func (m *MemoryBackend) Get(key string) (string, time.Duration, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", 0, false
	}

	return e.token, e.expiresAt.Sub(m.clock.Now()), true
}
