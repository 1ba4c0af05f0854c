package leaselock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("connection refused")

// countingBackend wraps a Backend, counting calls and optionally failing them.
type countingBackend struct {
	Backend

	sets    atomic.Int64
	deletes atomic.Int64
	extends atomic.Int64
	failing atomic.Bool
}

func (b *countingBackend) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.sets.Add(1)
	if b.failing.Load() {
		return false, errBackendDown
	}

	return b.Backend.SetIfAbsent(ctx, key, token, ttl)
}

func (b *countingBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	b.deletes.Add(1)
	if b.failing.Load() {
		return false, errBackendDown
	}

	return b.Backend.CompareAndDelete(ctx, key, token)
}

func (b *countingBackend) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.extends.Add(1)
	if b.failing.Load() {
		return false, errBackendDown
	}

	return b.Backend.CompareAndExtend(ctx, key, token, ttl)
}

func (b *countingBackend) Name() string {
	return backendName(b.Backend)
}

// blockingBackend holds every SetIfAbsent until proceed is closed, signalling
// entered on the first one.
type blockingBackend struct {
	Backend

	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (b *blockingBackend) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.proceed

	return b.Backend.SetIfAbsent(ctx, key, token, ttl)
}

// newTestClient creates a Client that is closed when the test ends.
func newTestClient(t *testing.T, backend Backend, opts ...OptionFunc) *Client {
	t.Helper()

	opts = append([]OptionFunc{WithLogger(testr.New(t))}, opts...)
	client, err := New(backend, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, client.Close(ctx))
	})

	return client
}

// fakeLease is the timing of the simulated-time tests: a 1000ms lease renewed
// 100ms before it expires.
func fakeLease(clock clockwork.Clock) []OptionFunc {
	return []OptionFunc{
		WithClock(clock),
		WithLeaseDuration(time.Second),
		WithSafetyMargin(100 * time.Millisecond),
	}
}

// ownerCtx returns a context carrying a new Owner.
func ownerCtx() context.Context {
	return WithOwner(context.Background(), NewOwner())
}

// advance moves clock forward by total in steps, letting the watchdog settle on
// its next timer before every step and after the last one. It must only be used
// while the watchdog has at least one lease queued.
func advance(t *testing.T, clock *clockwork.FakeClock, total, step time.Duration) {
	t.Helper()

	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		settle(t, clock)
		clock.Advance(step)
	}
	settle(t, clock)
}

func settle(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "watchdog did not wait on a timer")
}
