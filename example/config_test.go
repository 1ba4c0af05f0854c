package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/leaselock"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
backends: [memory, redis]
lock:
  name: orders
  lease: 10s
  retry_interval: 250ms
demo:
  workers: 3
  hold: 500ms
redis:
  host: redis.internal
  port: 6380
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"memory", "redis"}, cfg.Backends)
	assert.Equal(t, "orders", cfg.Lock.Name)
	assert.Equal(t, 10*time.Second, cfg.Lock.Lease)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock.RetryInterval)
	assert.Equal(t, leaselock.DefaultPrefix, cfg.Lock.Prefix)
	assert.Equal(t, leaselock.DefaultSafetyMargin, cfg.Lock.SafetyMargin)
	assert.Equal(t, 3, cfg.Demo.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Demo.Hold)
	assert.Equal(t, time.Minute, cfg.Demo.Timeout)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{leaselock.BackendMemory}, cfg.Backends)
	assert.Equal(t, leaselock.DefaultLockName, cfg.Lock.Name)
	assert.Equal(t, leaselock.DefaultLeaseDuration, cfg.Lock.Lease)
	assert.Equal(t, 5, cfg.Demo.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"localhost:2181"}, cfg.ZooKeeper.Servers)

	client, err := leaselock.New(leaselock.NewMemoryBackend(nil), cfg.Lock.options()...)
	require.NoError(t, err)
	assert.Equal(t, leaselock.DefaultPrefix+"lock", client.Mutex(cfg.Lock.Name).Key())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown backend",
			content: "backends: [memcached]\n",
			wantErr: `unknown backend "memcached"`,
		},
		{
			name:    "margin not shorter than lease",
			content: "lock:\n  lease: 1s\n  safety_margin: 1s\n",
			wantErr: "lock.safety_margin",
		},
		{
			name:    "postgres without dsn",
			content: "backends: [postgres]\n",
			wantErr: "postgres.dsn is required",
		},
		{
			name:    "redis idle above active",
			content: "backends: [redis]\nredis:\n  max_active: 2\n  max_idle: 4\n",
			wantErr: "invalid redis config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, _, err := newLogger(LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	logger, flush, err := newLogger(LoggingConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	defer flush()
	assert.True(t, logger.V(1).Enabled())
}
