package leaselock

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// watchdog renews the leases of one Client. It runs a single goroutine, started
// when the first lease is tracked, that sleeps until the earliest renewal is due.
type watchdog struct {
	backend  Backend
	config   *LockConfig
	tel      *telemetry
	registry *leaseRegistry

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func newWatchdog(backend Backend, config *LockConfig, tel *telemetry) *watchdog {
	return &watchdog{
		backend:  backend,
		config:   config,
		tel:      tel,
		registry: newLeaseRegistry(),
	}
}

// track queues the lease of token for renewal. issued is when the acquisition
// request was sent; the backend expiry is at least LeaseDuration after it.
// track reports false once the watchdog has been stopped.
func (w *watchdog) track(ctx context.Context, key, token string, issued time.Time) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()

		return false
	}

	if !w.started {
		w.start()
	}
	w.mu.Unlock()

	w.registry.insert(&leaseEntry{
		key:      key,
		token:    token,
		deadline: issued.Add(w.config.renewAfter()),
	})
	w.tel.leaseTracked(ctx, 1)

	return true
}

// forget stops renewing the lease of token.
func (w *watchdog) forget(ctx context.Context, token string) {
	if w.registry.remove(token) {
		w.tel.leaseTracked(ctx, -1)
	}
}

// start must be called with w.mu held.
func (w *watchdog) start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return w.run(gctx)
	})

	w.started = true
	w.cancel = cancel
	w.group = group
	w.tel.logger.V(1).Info("lease watchdog started")
}

// stop cancels the renewal loop and waits for it to exit, or for ctx to end.
// Queued leases are not renewed again and lapse on the backend.
func (w *watchdog) stop(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()

		return nil
	}

	w.closed = true
	cancel, group := w.cancel, w.group
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- group.Wait()
	}()

	select {
	case err := <-done:
		w.tel.logger.V(1).Info("lease watchdog stopped", "abandonedLeases", w.registry.len())

		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *watchdog) run(ctx context.Context) error {
	clock := w.config.Clock
	for {
		if ctx.Err() != nil {
			return nil
		}

		if e, ok := w.registry.popDue(clock.Now()); ok {
			w.renew(ctx, e)

			continue
		}

		deadline, ok := w.registry.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-w.registry.wake:
			}

			continue
		}

		timer := clock.NewTimer(deadline.Sub(clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-w.registry.wake:
		case <-timer.Chan():
		}
		timer.Stop()
	}
}

// renew extends the lease of e once. A lease that cannot be extended, because
// the token no longer matches or the backend failed, is dropped for good.
func (w *watchdog) renew(ctx context.Context, e *leaseEntry) {
	startTime := time.Now()
	issued := w.config.Clock.Now()

	opCtx, cancel := context.WithTimeout(ctx, w.config.OperationTimeout)
	defer cancel()

	opCtx, span := w.tel.recordStart(opCtx, ActionRenew, e.key)
	defer span.End()

	ok, err := w.backend.CompareAndExtend(opCtx, e.key, e.token, w.config.LeaseDuration)
	if err != nil {
		if w.registry.drop(e.token) {
			w.tel.leaseTracked(ctx, -1)
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}

		_ = w.tel.handleError(opCtx, span, err, ActionRenew, "failed to renew lock, lease dropped", e.key)

		return
	}

	if !ok {
		if w.registry.drop(e.token) {
			w.tel.leaseTracked(ctx, -1)
		}
		w.tel.recordFailure(opCtx, span, ActionRenew, "lock was not held or already released, lease dropped", e.key, 0)

		return
	}

	w.tel.recordSuccess(opCtx, span, startTime, ActionRenewedSuccessfully, e.key)

	e.deadline = issued.Add(w.config.renewAfter())
	if !w.registry.requeue(e) {
		w.tel.logger.V(1).Info("lease released during renewal", "lockID", e.key)
	}
}
