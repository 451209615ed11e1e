package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/grantledger/pkg/ledger"
)

func snapshot(customerID string, balance int64) *ledger.FullCustomer {
	return &ledger.FullCustomer{
		Customer: ledger.Customer{ID: customerID},
		Products: []*ledger.CustomerProduct{
			{
				ID: "cp1", ProductID: "pro", CustomerID: customerID,
				CusEnts: []*ledger.CustomerEntitlement{
					{
						ID: "ce1", FeatureID: "credits",
						Entitlement:  &ledger.Entitlement{ID: "ent1", FeatureID: "credits", Allowance: 100},
						Balance:      balance,
						CacheVersion: 1,
					},
				},
			},
		},
	}
}

func TestCache_GetSet(t *testing.T) {
	c := New(0, 0)
	ctx := context.Background()

	t.Run("miss on empty cache", func(t *testing.T) {
		fc, ok, err := c.Get(ctx, "cus1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, fc)
	})

	t.Run("hit after set", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "cus1", snapshot("cus1", 100)))

		fc, ok, err := c.Get(ctx, "cus1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(100), fc.CusEnts()[0].Balance)
	})

	t.Run("stats", func(t *testing.T) {
		stats := c.Stats()
		assert.Equal(t, int64(1), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
		assert.Equal(t, 1, stats.Size)
	})
}

func TestCache_CloneIsolation(t *testing.T) {
	c := New(0, 0)
	ctx := context.Background()

	// Mutating the caller's snapshot after Set must not reach the cache.
	fc := snapshot("cus1", 100)
	require.NoError(t, c.Set(ctx, "cus1", fc))
	fc.CusEnts()[0].Balance = 0

	got, ok, err := c.Get(ctx, "cus1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), got.CusEnts()[0].Balance)

	// And mutating a Get result must not reach the cache either.
	got.CusEnts()[0].Balance = 0
	again, ok, err := c.Get(ctx, "cus1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), again.CusEnts()[0].Balance)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(0, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "cus1", snapshot("cus1", 100)))

	_, ok, err := c.Get(ctx, "cus1")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok, err = c.Get(ctx, "cus1")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must be a miss")
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(2, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "cus1", snapshot("cus1", 1)))
	require.NoError(t, c.Set(ctx, "cus2", snapshot("cus2", 2)))

	// Touch cus1 so cus2 becomes the LRU victim.
	_, ok, err := c.Get(ctx, "cus1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Set(ctx, "cus3", snapshot("cus3", 3)))

	_, ok, _ = c.Get(ctx, "cus2")
	assert.False(t, ok, "expected cus2 evicted")
	_, ok, _ = c.Get(ctx, "cus1")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "cus3")
	assert.True(t, ok)

	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCache_Invalidate(t *testing.T) {
	c := New(0, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "cus1", snapshot("cus1", 100)))
	require.NoError(t, c.Invalidate(ctx, "cus1"))

	_, ok, err := c.Get(ctx, "cus1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Invalidating an absent key is a no-op.
	assert.NoError(t, c.Invalidate(ctx, "ghost"))
}

func TestCache_Clear(t *testing.T) {
	c := New(0, 0)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "cus1", snapshot("cus1", 1)))
	require.NoError(t, c.Set(ctx, "cus2", snapshot("cus2", 2)))

	c.Clear()

	assert.Equal(t, 0, c.Stats().Size)
	_, ok, _ := c.Get(ctx, "cus1")
	assert.False(t, ok)
}
