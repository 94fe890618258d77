package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestPriceFeedPrefersLocationPrice(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	feed := NewRedisPriceFeed(client)
	ctx := context.Background()

	require.NoError(t, feed.PublishPrice(ctx, "SKU-1", "", decimal.RequireFromString("9.99"), time.Hour))
	require.NoError(t, feed.PublishPrice(ctx, "SKU-1", "WH-A", decimal.RequireFromString("10.50"), time.Hour))

	price, ok, err := feed.SalePrice(ctx, "SKU-1", "WH-A", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.50", price.StringFixed(2))

	price, ok, err = feed.SalePrice(ctx, "SKU-1", "WH-B", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "9.99", price.StringFixed(2))
}

func TestPriceFeedMissingSKUIsNotAnError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	feed := NewRedisPriceFeed(client)

	_, ok, err := feed.SalePrice(context.Background(), "SKU-404", "WH-A", time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}
