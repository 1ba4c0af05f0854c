package leaselock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// telemetry bundles the logger, tracer and metrics of one Client.
type telemetry struct {
	backend string
	logger  logr.Logger
	tracer  trace.Tracer
	metrics *lockMetrics
}

func newTelemetry(cfg *LockConfig, backend string) *telemetry {
	return &telemetry{
		backend: backend,
		logger:  cfg.Logger,
		tracer:  cfg.TracerProvider.Tracer(Name),
		metrics: newLockMetrics(cfg.MeterProvider),
	}
}

// recordStart starts a new tracing span for a given operation.
func (t *telemetry) recordStart(ctx context.Context, action, lockID string) (context.Context, trace.Span) {
	t.logger.V(1).Info(fmt.Sprintf("attempting to %s lock", action), "lockID", lockID)

	return t.tracer.Start(
		ctx,
		fmt.Sprintf("%s_lock.%s", t.backend, action),
		trace.WithAttributes(
			attribute.String("lock.id", lockID),
			attribute.String("backend", t.backend),
		),
	)
}

// handleError logs, records metrics, and returns a formatted error.
func (t *telemetry) handleError(
	ctx context.Context,
	span trace.Span,
	err error,
	action, msg, lockID string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	t.logger.Error(err, msg, "lockID", lockID)
	t.count(ctx, action, false)

	return fmt.Errorf("%s: %w", msg, err)
}

// recordFailure closes an operation that reached the backend but was refused,
// such as a contested acquisition or a renewal of a lost lease. It is not an error.
func (t *telemetry) recordFailure(ctx context.Context, span trace.Span, action, msg, lockID string, level int) {
	span.SetStatus(codes.Ok, msg)
	span.SetAttributes(attribute.Bool("lock.granted", false))
	t.logger.V(level).Info(msg, "lockID", lockID)
	t.count(ctx, action, false)
}

// recordSuccess logs and records success metrics.
func (t *telemetry) recordSuccess(
	ctx context.Context,
	span trace.Span,
	startTime time.Time,
	action, lockID string) {
	t.logger.Info(fmt.Sprintf("lock %s successfully", action), "lockID", lockID)
	duration := time.Since(startTime).Seconds()
	span.SetStatus(codes.Ok, fmt.Sprintf("lock %s", action))
	span.SetAttributes(attribute.Bool("lock.granted", true))
	backend := metric.WithAttributes(attribute.String("backend", t.backend))
	switch action {
	case ActionAcquiredSuccessfully:
		t.count(ctx, ActionAcquire, true)
		t.metrics.lockAcquireLatency.Record(ctx, duration, backend)
	case ActionReleasedSuccessfully:
		t.count(ctx, ActionRelease, true)
		t.metrics.lockReleaseLatency.Record(ctx, duration, backend)
	case ActionRenewedSuccessfully:
		t.count(ctx, ActionRenew, true)
		t.metrics.lockRenewLatency.Record(ctx, duration, backend)
	}
}

func (t *telemetry) count(ctx context.Context, action string, success bool) {
	attrs := metric.WithAttributes(attribute.Bool("success", success), attribute.String("backend", t.backend))
	switch action {
	case ActionAcquire:
		t.metrics.lockAcquiredCounter.Add(ctx, 1, attrs)
	case ActionRelease:
		t.metrics.lockReleaseCounter.Add(ctx, 1, attrs)
	case ActionRenew:
		t.metrics.lockRenewCounter.Add(ctx, 1, attrs)
	}
}

func (t *telemetry) leaseTracked(ctx context.Context, delta int64) {
	t.metrics.leasesActive.Add(ctx, delta, metric.WithAttributes(attribute.String("backend", t.backend)))
}
