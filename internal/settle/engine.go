package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Engine applies payout vectors (resolved markets) or live prices
// (unresolved markets) to net positions.
//
// Payout vectors and outcome indexes are zero-based throughout this package;
// any source that counts outcomes from 1 is converted before it gets here,
// so this is the only place payout indexing happens and it happens exactly
// one way.
type Engine struct {
	prices        domain.PriceCache
	goodFreshness time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewEngine creates an Engine. goodFreshness is the maximum price age that
// still counts as good coverage; older prices downgrade to limited.
func NewEngine(prices domain.PriceCache, goodFreshness time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		prices:        prices,
		goodFreshness: goodFreshness,
		logger:        logger,
		now:           time.Now,
	}
}

// Settle produces one PnL record per position. Resolutions are keyed by
// canonical market id; a position whose market is absent from the map is
// unresolved and marked to market if a live price exists. When neither a
// resolution nor a price exists the PnL stays nil — coalescing missing data
// to zero manufactures fake losses.
func (e *Engine) Settle(ctx context.Context, positions []domain.WalletPosition, resolutions map[string]domain.MarketResolution) ([]domain.PnLRecord, error) {
	records := make([]domain.PnLRecord, 0, len(positions))
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("settle: cancelled: %w", err)
		}

		rec := domain.PnLRecord{
			Wallet:       pos.Wallet,
			MarketID:     pos.MarketID,
			OutcomeIndex: pos.OutcomeIndex,
			Coverage:     domain.CoverageNone,
		}

		if res, resolved := resolutions[pos.MarketID]; resolved {
			payout, err := PayoutAt(res, pos.OutcomeIndex)
			if err != nil {
				e.logger.Warn("settlement skipped: payout index out of range",
					slog.String("market_id", pos.MarketID),
					slog.Int("outcome_index", pos.OutcomeIndex),
					slog.Int("vector_len", len(res.PayoutNumerators)),
				)
				records = append(records, rec)
				continue
			}
			realized := pos.NetShares*payout + pos.CostBasis
			rec.RealizedPnL = &realized
			rec.Coverage = domain.CoverageExcellent
			records = append(records, rec)
			continue
		}

		price, asOf, err := e.prices.GetPrice(ctx, pos.MarketID, pos.OutcomeIndex)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("settle: price lookup for %s/%d: %w", pos.MarketID, pos.OutcomeIndex, err)
			}
			// Unresolved and unpriced: PnL stays nil.
			records = append(records, rec)
			continue
		}

		unrealized := pos.NetShares*price + pos.CostBasis
		rec.UnrealizedPnL = &unrealized
		if e.now().Sub(asOf) <= e.goodFreshness {
			rec.Coverage = domain.CoverageGood
		} else {
			rec.Coverage = domain.CoverageLimited
		}
		records = append(records, rec)
	}
	return records, nil
}

// PayoutAt returns the fractional payout per share for one outcome of a
// resolved market: numerators[index] / denominator, zero-based and
// bounds-checked.
func PayoutAt(res domain.MarketResolution, outcomeIndex int) (float64, error) {
	if outcomeIndex < 0 || outcomeIndex >= len(res.PayoutNumerators) {
		return 0, fmt.Errorf("settle: outcome index %d out of range [0,%d) for market %s: %w",
			outcomeIndex, len(res.PayoutNumerators), res.MarketID, domain.ErrMalformedEvent)
	}
	if res.PayoutDenominator == 0 {
		return 0, fmt.Errorf("settle: zero payout denominator for market %s: %w", res.MarketID, domain.ErrMalformedEvent)
	}
	return float64(res.PayoutNumerators[outcomeIndex]) / float64(res.PayoutDenominator), nil
}
