package leaselock

import (
	"context"
	"sync"
	"sync/atomic"
)

// Client hands out Mutexes backed by one Backend and keeps their leases alive.
// A Client is safe for concurrent use and is meant to live as long as the
// process; call Close on shutdown to stop the watchdog.
type Client struct {
	backend  Backend
	config   *LockConfig
	tel      *telemetry
	watchdog *watchdog

	mu      sync.Mutex
	mutexes map[string]*Mutex
	closed  atomic.Bool
}

// New creates a new Client using backend.
func New(backend Backend, opts ...OptionFunc) (*Client, error) {
	// Default configuration
	config := DefaultConfig()

	// Apply all user-provided options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	tel := newTelemetry(config, backendName(backend))

	return &Client{
		backend:  backend,
		config:   config,
		tel:      tel,
		watchdog: newWatchdog(backend, config, tel),
		mutexes:  make(map[string]*Mutex),
	}, nil
}

// Mutex returns the lock guarding name. Every call with the same name returns
// the same Mutex, so local ownership is tracked once per key in this process.
func (c *Client) Mutex(name string) *Mutex {
	if name == "" {
		name = DefaultLockName
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.mutexes[name]
	if !ok {
		m = &Mutex{client: c, key: c.config.Prefix + name}
		c.mutexes[name] = m
	}

	return m
}

// Close stops the watchdog and waits for it to exit, or for ctx to end.
// Leases held at that point are no longer renewed and lapse on the backend.
// Mutexes of a closed Client refuse new acquisitions but can still be unlocked.
func (c *Client) Close(ctx context.Context) error {
	c.closed.Store(true)

	return c.watchdog.stop(ctx)
}
