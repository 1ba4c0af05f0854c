package leaselock

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	Name                    string        = "distributed_lock"
	DefaultLoggerName       string        = "distributed_lock"
	DefaultPrefix           string        = "tdln:"
	DefaultLockName         string        = "lock"
	DefaultLeaseDuration    time.Duration = 5 * time.Second
	DefaultRetryInterval    time.Duration = 100 * time.Millisecond
	DefaultSafetyMargin     time.Duration = 100 * time.Millisecond
	DefaultOperationTimeout time.Duration = 3 * time.Second
)

// OptionFunc A function type used to apply custom configurations to LockConfig.
type OptionFunc func(*LockConfig)

// LockConfig A struct holding lease timings, the key namespace, and the
// logger, clock and OpenTelemetry providers used by a Client.
type LockConfig struct {
	// Prefix is prepended to every lock name to form the backend key.
	Prefix string
	// LeaseDuration is the backend-side expiry of an acquired lock. The
	// watchdog extends it by the same amount on every renewal.
	LeaseDuration time.Duration
	// RetryInterval is the pause between attempts of a blocking Lock.
	RetryInterval time.Duration
	// SafetyMargin is how long before the backend expiry a renewal is due.
	SafetyMargin time.Duration
	// OperationTimeout bounds every single backend call.
	OperationTimeout time.Duration

	Logger         logr.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Clock          clockwork.Clock
}

// DefaultConfig returns a LockConfig with default values, including:
// - A discarding logger named after the library.
// - The global OpenTelemetry tracer and meter providers.
// - The wall clock.
func DefaultConfig() *LockConfig {
	return &LockConfig{
		Prefix:           DefaultPrefix,
		LeaseDuration:    DefaultLeaseDuration,
		RetryInterval:    DefaultRetryInterval,
		SafetyMargin:     DefaultSafetyMargin,
		OperationTimeout: DefaultOperationTimeout,
		Logger:           logr.Discard().WithName(DefaultLoggerName),
		TracerProvider:   otel.GetTracerProvider(),
		MeterProvider:    otel.GetMeterProvider(),
		Clock:            clockwork.NewRealClock(),
	}
}

func (c *LockConfig) validate() error {
	switch {
	case c.LeaseDuration <= 0:
		return fmt.Errorf("%w: lease duration must be positive", ErrInvalidConfig)
	case c.SafetyMargin < 0 || c.SafetyMargin >= c.LeaseDuration:
		return fmt.Errorf("%w: safety margin must be in [0, lease duration)", ErrInvalidConfig)
	case c.RetryInterval <= 0:
		return fmt.Errorf("%w: retry interval must be positive", ErrInvalidConfig)
	case c.OperationTimeout <= 0:
		return fmt.Errorf("%w: operation timeout must be positive", ErrInvalidConfig)
	case c.Clock == nil:
		return fmt.Errorf("%w: clock is required", ErrInvalidConfig)
	}

	return nil
}

// renewAfter is the delay between a successful acquisition or renewal and the
// next renewal.
func (c *LockConfig) renewAfter() time.Duration {
	return c.LeaseDuration - c.SafetyMargin
}

// WithPrefix sets the namespace prepended to every lock name.
func WithPrefix(prefix string) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.Prefix = prefix
	}
}

// WithLeaseDuration sets the backend-side expiry of a lock.
func WithLeaseDuration(d time.Duration) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.LeaseDuration = d
	}
}

// WithRetryInterval sets the pause between attempts of a blocking Lock.
func WithRetryInterval(d time.Duration) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.RetryInterval = d
	}
}

// WithSafetyMargin sets how long before expiry the watchdog renews a lease.
func WithSafetyMargin(d time.Duration) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.SafetyMargin = d
	}
}

// WithOperationTimeout bounds every backend call. A call that cannot borrow a
// pooled connection in time fails instead of hanging.
func WithOperationTimeout(d time.Duration) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.OperationTimeout = d
	}
}

// WithLogger sets a custom logger in LockConfig.
// This allows users to integrate their own logging implementation.
func WithLogger(logger logr.Logger) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.Logger = logger
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider for distributed tracing.
// If not set, the default OpenTelemetry tracer is used.
func WithTracerProvider(tp trace.TracerProvider) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider for capturing metrics.
// If not set, the default OpenTelemetry meter is used.
func WithMeterProvider(mp metric.MeterProvider) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.MeterProvider = mp
	}
}

// WithClock replaces the wall clock, mainly for tests driving simulated time.
func WithClock(clock clockwork.Clock) OptionFunc {
	return func(cfg *LockConfig) {
		cfg.Clock = clock
	}
}
