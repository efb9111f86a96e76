package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const marketTTL = 30 * time.Minute

// MarketCache implements domain.MarketCache with JSON-serialized catalog
// metadata. Outcome labels change essentially never, so a generous TTL keeps
// resolution passes off the catalog API.
//
// Key schema: market:{canonicalID} with field "data" containing JSON.
type MarketCache struct {
	rdb *redis.Client
}

func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

var _ domain.MarketCache = (*MarketCache)(nil)

func marketKey(id string) string { return "market:" + id }

// SetMarket stores catalog metadata for a market.
func (mc *MarketCache) SetMarket(ctx context.Context, m domain.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", m.ID, err)
	}

	key := marketKey(m.ID)
	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, marketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", m.ID, err)
	}
	return nil
}

// GetMarket returns cached catalog metadata, or domain.ErrNotFound on a
// cache miss.
func (mc *MarketCache) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	data, err := mc.rdb.HGet(ctx, marketKey(marketID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", marketID, err)
	}

	var m domain.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", marketID, err)
	}
	return m, nil
}
