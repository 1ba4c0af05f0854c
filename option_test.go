package leaselock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "tdln:", cfg.Prefix)
	assert.Equal(t, 5*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.SafetyMargin)
	assert.Equal(t, 4900*time.Millisecond, cfg.renewAfter())
	require.NoError(t, cfg.validate())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		opt  OptionFunc
	}{
		{"zero lease", WithLeaseDuration(0)},
		{"negative lease", WithLeaseDuration(-time.Second)},
		{"negative margin", WithSafetyMargin(-time.Millisecond)},
		{"margin equals lease", WithSafetyMargin(DefaultLeaseDuration)},
		{"zero retry interval", WithRetryInterval(0)},
		{"zero operation timeout", WithOperationTimeout(0)},
		{"no clock", WithClock(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(NewMemoryBackend(nil), tt.opt)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, client)
		})
	}
}

func TestOptionsApply(t *testing.T) {
	client := newTestClient(t, NewMemoryBackend(nil),
		WithPrefix("svc:"),
		WithLeaseDuration(2*time.Second),
		WithSafetyMargin(0),
		WithRetryInterval(time.Second),
		WithOperationTimeout(time.Second),
	)

	assert.Equal(t, "svc:", client.config.Prefix)
	assert.Equal(t, 2*time.Second, client.config.renewAfter())
	assert.Equal(t, time.Second, client.config.RetryInterval)
	assert.Equal(t, time.Second, client.config.OperationTimeout)
	assert.Equal(t, BackendMemory, client.tel.backend)
}

func TestBackendName(t *testing.T) {
	assert.Equal(t, BackendMemory, backendName(NewMemoryBackend(nil)))
	assert.Equal(t, BackendMemory, backendName(&countingBackend{Backend: NewMemoryBackend(nil)}))

	var anonymous struct{ Backend }
	assert.Equal(t, "custom", backendName(anonymous))
}
