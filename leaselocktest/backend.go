// Package leaselocktest checks that a leaselock.Backend honours the token
// contract the lock relies on.
package leaselocktest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companyinfo/leaselock"
)

// TTL is the lease used by the conformance checks. It is long enough that no
// key expires while a check runs.
const TTL = 30 * time.Second

// RunBackendTests runs the conformance checks against b. Every check uses its
// own key, so b may be shared with other tests.
func RunBackendTests(t *testing.T, b leaselock.Backend) {
	t.Helper()

	t.Run("set if absent", func(t *testing.T) {
		ctx := context.Background()
		key := Key(t)

		ok, err := b.SetIfAbsent(ctx, key, "t1", TTL)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.SetIfAbsent(ctx, key, "t2", TTL)
		require.NoError(t, err)
		assert.False(t, ok, "second acquisition must be refused")

		cleanup(t, b, key, "t1")
	})

	t.Run("compare and delete rejects stale token", func(t *testing.T) {
		ctx := context.Background()
		key := Key(t)

		ok, err := b.SetIfAbsent(ctx, key, "current", TTL)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.CompareAndDelete(ctx, key, "stale")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.SetIfAbsent(ctx, key, "intruder", TTL)
		require.NoError(t, err)
		assert.False(t, ok, "stale delete must not remove the current owner's key")

		ok, err = b.CompareAndDelete(ctx, key, "current")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.CompareAndDelete(ctx, key, "current")
		require.NoError(t, err)
		assert.False(t, ok, "key is already gone")
	})

	t.Run("compare and extend", func(t *testing.T) {
		ctx := context.Background()
		key := Key(t)

		ok, err := b.CompareAndExtend(ctx, key, "t1", TTL)
		require.NoError(t, err)
		assert.False(t, ok, "missing key cannot be extended")

		ok, err = b.SetIfAbsent(ctx, key, "t1", TTL)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.CompareAndExtend(ctx, key, "t2", TTL)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = b.CompareAndExtend(ctx, key, "t1", TTL)
		require.NoError(t, err)
		assert.True(t, ok)

		cleanup(t, b, key, "t1")
	})

	t.Run("reacquire after release", func(t *testing.T) {
		ctx := context.Background()
		key := Key(t)

		for _, token := range []string{"t1", "t2"} {
			ok, err := b.SetIfAbsent(ctx, key, token, TTL)
			require.NoError(t, err)
			require.True(t, ok, token)

			ok, err = b.CompareAndDelete(ctx, key, token)
			require.NoError(t, err)
			require.True(t, ok, token)
		}
	})

	t.Run("concurrent set if absent has one winner", func(t *testing.T) {
		ctx := context.Background()
		key := Key(t)

		const contenders = 8
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			winner  atomic.Value
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(token string) {
				defer wg.Done()
				ok, err := b.SetIfAbsent(ctx, key, token, TTL)
				if err == nil && ok {
					winners.Add(1)
					winner.Store(token)
				}
			}(fmt.Sprintf("t%d", i))
		}
		wg.Wait()

		require.Equal(t, int32(1), winners.Load())
		cleanup(t, b, key, winner.Load().(string))
	})
}

// Key returns a key unique to t.
func Key(t *testing.T) string {
	t.Helper()

	return "leaselocktest:" + uuid.NewString()
}

func cleanup(t *testing.T, b leaselock.Backend, key, token string) {
	t.Helper()

	ok, err := b.CompareAndDelete(context.Background(), key, token)
	require.NoError(t, err)
	require.True(t, ok)
}
