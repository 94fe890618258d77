package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisPriceFeed reads sale prices the sales feed publishes into Redis. A
// location-specific price wins over the SKU-wide one; a SKU with neither is
// simply skipped by the margin detector.
type RedisPriceFeed struct {
	client *redis.Client
}

// NewRedisPriceFeed builds the feed around an existing client.
func NewRedisPriceFeed(client *redis.Client) *RedisPriceFeed {
	return &RedisPriceFeed{client: client}
}

func priceKey(sku, location string) string {
	if location == "" {
		return fmt.Sprintf("price:%s", sku)
	}
	return fmt.Sprintf("price:%s:%s", sku, location)
}

// SalePrice resolves the current sale price for a SKU at a location.
func (f *RedisPriceFeed) SalePrice(ctx context.Context, sku, location string, _ time.Time) (decimal.Decimal, bool, error) {
	for _, key := range []string{priceKey(sku, location), priceKey(sku, "")} {
		raw, err := f.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("anomaly: read price %s: %w", key, err)
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("anomaly: price %s is not a decimal: %q", key, raw)
		}
		return price, true, nil
	}
	return decimal.Decimal{}, false, nil
}

// PublishPrice stores a sale price. Used by the test seam and by operators
// backfilling prices by hand; the sales feed normally writes these keys.
func (f *RedisPriceFeed) PublishPrice(ctx context.Context, sku, location string, price decimal.Decimal, ttl time.Duration) error {
	return f.client.Set(ctx, priceKey(sku, location), price.String(), ttl).Err()
}
