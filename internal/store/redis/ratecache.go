package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const defaultRateTTL = 48 * time.Hour

// RateCache stores exchange rates per pair and 5-minute bucket.
type RateCache struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewRateCache binds a cache to client. ttl <= 0 selects a 48h default,
// long enough to serve the daily price-change window.
func NewRateCache(client *goredis.Client, ttl time.Duration) *RateCache {
	if ttl <= 0 {
		ttl = defaultRateTTL
	}
	return &RateCache{client: client, ttl: ttl}
}

func rateKey(pair string, bucket time.Time) string {
	return "rate:" + pair + ":" + strconv.FormatInt(bucket.Unix(), 10)
}

// Get returns the cached rate for the bucket. ok is false on a miss.
func (c *RateCache) Get(ctx context.Context, pair string, bucket time.Time) (rate float64, ok bool, err error) {
	val, err := c.client.Get(ctx, rateKey(pair, bucket)).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("rate cache get %s: %w", pair, err)
	}
	rate, err = strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("rate cache parse %s=%q: %w", pair, val, err)
	}
	return rate, true, nil
}

// Set stores a rate for the bucket.
func (c *RateCache) Set(ctx context.Context, pair string, bucket time.Time, rate float64) error {
	val := strconv.FormatFloat(rate, 'f', -1, 64)
	if err := c.client.Set(ctx, rateKey(pair, bucket), val, c.ttl).Err(); err != nil {
		return fmt.Errorf("rate cache set %s: %w", pair, err)
	}
	return nil
}
