package leaselock

import "go.opentelemetry.io/otel/metric"

// lockMetrics holds common lock-related metrics.
type lockMetrics struct {
	lockAcquiredCounter metric.Int64Counter
	lockAcquireLatency  metric.Float64Histogram
	lockReleaseCounter  metric.Int64Counter
	lockReleaseLatency  metric.Float64Histogram
	lockRenewCounter    metric.Int64Counter
	lockRenewLatency    metric.Float64Histogram
	leasesActive        metric.Int64UpDownCounter
}

func newLockMetrics(mp metric.MeterProvider) *lockMetrics {
	m := mp.Meter(Name)

	// lockAcquiredCounter tracks the total number of lock acquisition attempts.
	lockAcquiredCounter, _ := m.Int64Counter(
		"lock_acquire_total",
		metric.WithDescription("Total number of lock acquire attempts"),
	)

	// lockAcquireLatency measures the latency (in seconds) of lock acquisition operations.
	lockAcquireLatency, _ := m.Float64Histogram(
		"lock_acquire_latency_seconds",
		metric.WithDescription("Latency of lock acquire operations"),
	)

	// lockReleaseCounter tracks the total number of lock release attempts.
	lockReleaseCounter, _ := m.Int64Counter(
		"lock_release_total",
		metric.WithDescription("Total number of lock release attempts"),
	)

	// lockReleaseLatency measures the latency (in seconds) of lock release operations.
	lockReleaseLatency, _ := m.Float64Histogram(
		"lock_release_latency_seconds",
		metric.WithDescription("Latency of lock release operations"),
	)

	// lockRenewCounter tracks the total number of lease renewal attempts made by the watchdog.
	lockRenewCounter, _ := m.Int64Counter(
		"lock_renew_total",
		metric.WithDescription("Total number of lock renewal attempts"),
	)

	// lockRenewLatency measures the latency (in seconds) of lock renewal operations.
	lockRenewLatency, _ := m.Float64Histogram(
		"lock_renew_latency_seconds",
		metric.WithDescription("Latency of lock renewal operations"),
	)

	leasesActive, _ := m.Int64UpDownCounter(
		"lock_leases_active",
		metric.WithDescription("Number of leases currently kept alive by the watchdog"),
	)

	return &lockMetrics{
		lockAcquiredCounter: lockAcquiredCounter,
		lockAcquireLatency:  lockAcquireLatency,
		lockReleaseCounter:  lockReleaseCounter,
		lockReleaseLatency:  lockReleaseLatency,
		lockRenewCounter:    lockRenewCounter,
		lockRenewLatency:    lockRenewLatency,
		leasesActive:        leasesActive,
	}
}
