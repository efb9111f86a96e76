package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/feed"
)

// PriceSource serves current prices for outcome tokens.
type PriceSource interface {
	GetMidpoint(ctx context.Context, tokenID string) (float64, error)
	GetLastTradePrice(ctx context.Context, tokenID string) (float64, error)
}

// PriceRefresher polls REST prices for a fixed token set into the price
// cache. It backstops the websocket feed: thinly traded tokens emit few live
// messages but still need a recent mark for coverage.
type PriceRefresher struct {
	source PriceSource
	tokens map[string]feed.TokenRef
	cache  domain.PriceCache
	logger *slog.Logger
	now    func() time.Time
}

func NewPriceRefresher(source PriceSource, tokens map[string]feed.TokenRef, cache domain.PriceCache, logger *slog.Logger) *PriceRefresher {
	return &PriceRefresher{
		source: source,
		tokens: tokens,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Refresh fetches one price per token, preferring the midpoint and falling
// back to the last trade. Tokens with no price at all are skipped; a missing
// price must stay missing, not become zero.
func (r *PriceRefresher) Refresh(ctx context.Context) (int, error) {
	refreshed := 0
	for tokenID, ref := range r.tokens {
		if err := ctx.Err(); err != nil {
			return refreshed, fmt.Errorf("pipeline: price refresh cancelled: %w", err)
		}

		price, err := r.source.GetMidpoint(ctx, tokenID)
		if errors.Is(err, domain.ErrNotFound) {
			price, err = r.source.GetLastTradePrice(ctx, tokenID)
		}
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				r.logger.Warn("price fetch failed",
					slog.String("token_id", tokenID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if err := r.cache.SetPrice(ctx, ref.MarketID, ref.OutcomeIndex, price, r.now()); err != nil {
			return refreshed, fmt.Errorf("pipeline: cache price for %s/%d: %w", ref.MarketID, ref.OutcomeIndex, err)
		}
		refreshed++
	}
	return refreshed, nil
}

// RunLoop refreshes on a fixed interval until ctx is cancelled.
func (r *PriceRefresher) RunLoop(ctx context.Context, interval time.Duration) error {
	if len(r.tokens) == 0 {
		r.logger.Info("no tokens to refresh, price refresher idle")
		<-ctx.Done()
		return ctx.Err()
	}

	run := func() {
		n, err := r.Refresh(ctx)
		if err != nil {
			r.logger.Error("price refresh failed", slog.String("error", err.Error()))
			return
		}
		r.logger.Debug("price refresh complete", slog.Int("refreshed", n))
	}

	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("price refresher loop stopped")
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}
