package leaselock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTelemetry(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	backend := &countingBackend{Backend: NewMemoryBackend(nil)}
	client := newTestClient(t, backend, WithTracerProvider(tp), WithMeterProvider(mp))
	m := client.Mutex("res")
	holder, other := ownerCtx(), ownerCtx()

	ok, err := m.TryLock(holder)
	require.NoError(t, err)
	require.True(t, ok)

	// Contended on the backend, not locally.
	ok, err = newTestClient(t, backend, WithTracerProvider(tp), WithMeterProvider(mp)).Mutex("res").TryLock(other)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Unlock(holder))

	backend.failing.Store(true)
	ok, err = m.TryLock(holder)
	require.NoError(t, err)
	require.False(t, ok)

	spans := recorder.Ended()
	require.Len(t, spans, 4)

	assert.Equal(t, "memory_lock.acquire", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("lock.id", "tdln:res"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("backend", BackendMemory))
	assert.Contains(t, spans[0].Attributes(), attribute.Bool("lock.granted", true))

	assert.Equal(t, "memory_lock.acquire", spans[1].Name())
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.Bool("lock.granted", false))

	assert.Equal(t, "memory_lock.release", spans[2].Name())
	assert.Equal(t, codes.Ok, spans[2].Status().Code)

	assert.Equal(t, "memory_lock.acquire", spans[3].Name())
	assert.Equal(t, codes.Error, spans[3].Status().Code)
	require.Len(t, spans[3].Events(), 1, "the error is recorded on the span")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	acquires := sumByAttr(t, rm, "lock_acquire_total", "success")
	assert.Equal(t, int64(1), acquires[true])
	assert.Equal(t, int64(2), acquires[false])

	releases := sumByAttr(t, rm, "lock_release_total", "success")
	assert.Equal(t, int64(1), releases[true])

	active := sumByAttr(t, rm, "lock_leases_active", "success")
	assert.Zero(t, active[false], "no lease is left under watchdog care")
}

// sumByAttr sums the int64 data points of the named metric, keyed by the boolean
// attribute key. Points without a boolean key count as false.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[bool]int64 {
	t.Helper()

	out := make(map[bool]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}

			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(key))
				out[v.AsBool()] += dp.Value
			}

			return out
		}
	}

	t.Fatalf("metric %s not recorded", name)

	return nil
}
