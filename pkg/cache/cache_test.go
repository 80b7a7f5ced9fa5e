package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReceiptCacheHitMissAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewCacheService(client, zap.NewNop())
	ctx := context.Background()

	data, err := c.GetReceipt(ctx, "R1")
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, c.SetReceipt(ctx, "R1", []byte(`{"reference":"R1"}`), time.Minute))
	data, err = c.GetReceipt(ctx, "R1")
	require.NoError(t, err)
	require.JSONEq(t, `{"reference":"R1"}`, string(data))

	hits, misses := c.Stats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)

	mr.FastForward(2 * time.Minute)
	data, err = c.GetReceipt(ctx, "R1")
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, c.SetReceipt(ctx, "R2", []byte("x"), time.Minute))
	require.NoError(t, c.DeleteReceipt(ctx, "R2"))
	require.False(t, mr.Exists(CacheKey("R2")))
}
