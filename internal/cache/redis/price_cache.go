package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// PriceCache implements domain.PriceCache on Redis hashes. Each (market,
// outcome) pair stores its latest price together with the observation time,
// because downstream coverage decisions need the age of the number, not just
// the number.
//
// Key schema: price:{marketID}:{outcomeIndex} with fields "price" and "ts"
// (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. Entries expire after ttl so a dead
// feed degrades to missing prices instead of permanently stale ones; zero
// means no expiry.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

var _ domain.PriceCache = (*PriceCache)(nil)

func priceKey(marketID string, outcomeIndex int) string {
	return fmt.Sprintf("price:%s:%d", marketID, outcomeIndex)
}

// SetPrice stores the latest observed price for one outcome.
func (pc *PriceCache) SetPrice(ctx context.Context, marketID string, outcomeIndex int, price float64, asOf time.Time) error {
	key := priceKey(marketID, outcomeIndex)

	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(asOf.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s/%d: %w", marketID, outcomeIndex, err)
	}
	return nil
}

// GetPrice returns the latest price and its observation time, or
// domain.ErrNotFound when no price is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, marketID string, outcomeIndex int) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(marketID, outcomeIndex)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s/%d: %w", marketID, outcomeIndex, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s/%d: %w", marketID, outcomeIndex, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price ts %s/%d: %w", marketID, outcomeIndex, err)
	}

	return price, time.Unix(0, tsNano), nil
}
