package domain

import (
	"context"
	"io"
	"time"
)

// PriceCache stores the freshest known price per (market, outcome) together
// with its observation time. Freshness drives unrealized-PnL coverage: a
// stale price downgrades coverage, a missing price yields no number at all.
type PriceCache interface {
	SetPrice(ctx context.Context, marketID string, outcomeIndex int, price float64, asOf time.Time) error
	GetPrice(ctx context.Context, marketID string, outcomeIndex int) (price float64, asOf time.Time, err error)
}

// MarketCache caches catalog metadata (outcome labels) so the resolution
// aggregator does not hammer the catalog service on every pass.
type MarketCache interface {
	SetMarket(ctx context.Context, m Market) error
	GetMarket(ctx context.Context, marketID string) (Market, error)
}

// MarketCatalog resolves a market id to its metadata, used by the resolution
// aggregator's text-label-to-vector step.
type MarketCatalog interface {
	GetMarket(ctx context.Context, marketID string) (Market, error)
}

// LockManager provides distributed mutual exclusion. The snapshot publish
// swap is the only code path that requires it.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed client-side rate limiting for the outer
// catalog and price APIs.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// SignalBus carries ephemeral notifications between processes, such as the
// announcement that a new snapshot generation went live.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads objects to blob storage (snapshot exports).
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
