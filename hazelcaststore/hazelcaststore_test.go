package hazelcaststore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hazelcast/hazelcast-go-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/leaselock/hazelcaststore"
	"github.com/companyinfo/leaselock/leaselocktest"
)

// Set LEASELOCK_HAZELCAST_ADDR to run against a live cluster.
func TestStore(t *testing.T) {
	addr := os.Getenv("LEASELOCK_HAZELCAST_ADDR")
	if addr == "" {
		t.Skip("LEASELOCK_HAZELCAST_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := hazelcast.NewConfig()
	cfg.Cluster.Network.SetAddresses(addr)
	client, err := hazelcast.StartNewClientWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Shutdown(context.Background())
	})

	store := hazelcaststore.New(client, hazelcaststore.WithMapName("leaselock_test"))
	leaselocktest.RunBackendTests(t, store)

	t.Run("release is announced", func(t *testing.T) {
		key := leaselocktest.Key(t)

		released, stop, err := store.WatchRelease(ctx, key)
		require.NoError(t, err)
		defer stop()

		ok, err := store.SetIfAbsent(ctx, key, "t1", leaselocktest.TTL)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.CompareAndDelete(ctx, key, "t1")
		require.NoError(t, err)
		require.True(t, ok)

		select {
		case <-released:
		case <-time.After(5 * time.Second):
			t.Fatal("release was not announced")
		}
	})

	t.Run("renewal does not revive an expired lease", func(t *testing.T) {
		key := leaselocktest.Key(t)

		ok, err := store.SetIfAbsent(ctx, key, "t1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.CompareAndExtend(ctx, key, "t1", 3*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(3500 * time.Millisecond)

		ok, err = store.CompareAndExtend(ctx, key, "t1", leaselocktest.TTL)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.SetIfAbsent(ctx, key, "t2", leaselocktest.TTL)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.CompareAndDelete(ctx, key, "t2")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
