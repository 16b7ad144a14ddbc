package lots

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCacheFetchAndBump(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewSnapshotCache(client, time.Minute)
	ctx := context.Background()

	loads := 0
	loader := func(ctx context.Context) (any, error) {
		loads++
		return decimal.NewFromInt(42), nil
	}

	key, err := cache.BuildKey(ctx, "stock", "visible", "1", "7")
	require.NoError(t, err)
	require.Equal(t, "stock:visible:1:7:1", key)

	var qty decimal.Decimal
	require.NoError(t, cache.FetchJSON(ctx, key, &qty, loader))
	require.True(t, qty.Equal(decimal.NewFromInt(42)))
	require.Equal(t, 1, loads)

	// Warm read comes from redis.
	require.NoError(t, cache.FetchJSON(ctx, key, &qty, loader))
	require.Equal(t, 1, loads)

	// A bump orphans the old key, forcing a reload under the new one.
	require.NoError(t, cache.Bump(ctx))
	key2, err := cache.BuildKey(ctx, "stock", "visible", "1", "7")
	require.NoError(t, err)
	require.NotEqual(t, key, key2)
	require.NoError(t, cache.FetchJSON(ctx, key2, &qty, loader))
	require.Equal(t, 2, loads)
}

func TestSnapshotCacheNilClient(t *testing.T) {
	var cache *SnapshotCache
	ctx := context.Background()

	key, err := cache.BuildKey(ctx, "stock", "visible", "1", "7")
	require.NoError(t, err)
	require.Equal(t, "stock:visible:1:7", key)

	var qty decimal.Decimal
	err = cache.FetchJSON(ctx, key, &qty, func(ctx context.Context) (any, error) {
		return decimal.NewFromInt(5), nil
	})
	require.NoError(t, err)
	require.True(t, qty.Equal(decimal.NewFromInt(5)))
}
