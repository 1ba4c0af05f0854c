package consulstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/leaselock/consulstore"
	"github.com/companyinfo/leaselock/leaselocktest"
)

// Set LEASELOCK_CONSUL_ADDR to run against a live agent.
func TestStore(t *testing.T) {
	addr := os.Getenv("LEASELOCK_CONSUL_ADDR")
	if addr == "" {
		t.Skip("LEASELOCK_CONSUL_ADDR not set")
	}

	cfg := api.DefaultConfig()
	cfg.Address = addr
	client, err := api.NewClient(cfg)
	require.NoError(t, err)

	store := consulstore.New(client)
	leaselocktest.RunBackendTests(t, store)

	t.Run("release is announced", func(t *testing.T) {
		ctx := context.Background()
		key := leaselocktest.Key(t)

		ok, err := store.SetIfAbsent(ctx, key, "t1", leaselocktest.TTL)
		require.NoError(t, err)
		require.True(t, ok)

		released, stop, err := store.WatchRelease(ctx, key)
		require.NoError(t, err)
		defer stop()

		ok, err = store.CompareAndDelete(ctx, key, "t1")
		require.NoError(t, err)
		require.True(t, ok)

		select {
		case <-released:
		case <-time.After(5 * time.Second):
			t.Fatal("release was not announced")
		}
	})
}
