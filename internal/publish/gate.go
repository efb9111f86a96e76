// Package publish validates a freshly built snapshot generation and swaps it
// in as the current one. Validation never auto-corrects: a failed check
// blocks publication and surfaces to the operator.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// GateConfig holds the tolerances for the pre-publication checks.
type GateConfig struct {
	// CashToleranceUSD bounds the absolute realized-PnL residual per
	// fully-closed market.
	CashToleranceUSD float64
	// FanoutTolerance bounds the allowed deviation of the join fanout
	// ratio from 1.0.
	FanoutTolerance float64
	// SpotCheckTolerance bounds the relative deviation of a reference
	// wallet's total PnL from its known ground truth.
	SpotCheckTolerance float64
	// ReferenceWallets maps wallet address to its ground-truth total PnL.
	ReferenceWallets map[string]float64
}

// Gate runs the consistency checks that stand between a built generation and
// publication.
type Gate struct {
	cfg    GateConfig
	logger *slog.Logger
}

func NewGate(cfg GateConfig, logger *slog.Logger) *Gate {
	return &Gate{cfg: cfg, logger: logger}
}

// GateInput is the full derived state of one build, checked as a unit.
// Resolutions carries the raw resolution rows, duplicates included, so the
// fanout check exercises the same join the pipeline runs.
type GateInput struct {
	Trades      []domain.CanonicalTrade
	Records     []domain.PnLRecord
	Resolutions []domain.MarketResolution
}

// Check runs every gate and returns a single error aggregating all
// violations, wrapping domain.ErrGateFailed. Checks keep running after a
// failure so the operator sees the complete picture at once.
func (g *Gate) Check(ctx context.Context, in GateInput) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish: gate cancelled: %w", err)
	}

	resolved := IndexResolutions(in.Resolutions)

	var violations []error
	violations = append(violations, g.checkCashNeutrality(in.Records, resolved)...)
	violations = append(violations, g.checkFanout(in.Trades, in.Resolutions)...)
	violations = append(violations, g.checkReferenceWallets(in.Records)...)

	if len(violations) == 0 {
		return nil
	}
	for _, v := range violations {
		g.logger.Error("consistency gate violation", slog.String("violation", v.Error()))
	}
	return fmt.Errorf("publish: %d gate violation(s): %w: %w",
		len(violations), domain.ErrGateFailed, errors.Join(violations...))
}

// IndexResolutions builds the first-match-only lookup used for every join
// from trades or positions into resolutions. Later rows for an already-seen
// market are ignored, so a trade can never join more than one row.
func IndexResolutions(rows []domain.MarketResolution) map[string]domain.MarketResolution {
	idx := make(map[string]domain.MarketResolution, len(rows))
	for _, r := range rows {
		if _, seen := idx[r.MarketID]; !seen {
			idx[r.MarketID] = r
		}
	}
	return idx
}

// checkCashNeutrality verifies that realized PnL across all wallets of each
// fully-closed market nets to approximately zero. Shares only change hands
// between wallets, so any residual beyond tolerance means double counting or
// a dropped leg.
func (g *Gate) checkCashNeutrality(records []domain.PnLRecord, resolved map[string]domain.MarketResolution) []error {
	sums := make(map[string]float64)
	for _, r := range records {
		if r.RealizedPnL == nil {
			continue
		}
		if _, ok := resolved[r.MarketID]; !ok {
			continue
		}
		sums[r.MarketID] += *r.RealizedPnL
	}

	var out []error
	for marketID, sum := range sums {
		if math.Abs(sum) > g.cfg.CashToleranceUSD {
			out = append(out, fmt.Errorf("cash neutrality: market %s realized residual %.4f exceeds %.4f",
				marketID, sum, g.cfg.CashToleranceUSD))
		}
	}
	return out
}

// checkFanout measures the row count a plain left join from trades into the
// resolution rows would produce. In-process code goes through
// IndexResolutions and cannot fan out, but a resolution table carrying more
// than one row per market would still multiply rows in any downstream SQL
// join, so the measured ratio over the raw rows must hold at 1.0 within
// tolerance.
func (g *Gate) checkFanout(trades []domain.CanonicalTrade, rows []domain.MarketResolution) []error {
	if len(trades) == 0 {
		return nil
	}
	perMarket := make(map[string]int, len(rows))
	for _, r := range rows {
		perMarket[r.MarketID]++
	}
	joined := 0
	for _, t := range trades {
		n := perMarket[t.MarketID]
		if n == 0 {
			// Unresolved markets keep their single left row.
			n = 1
		}
		joined += n
	}
	ratio := float64(joined) / float64(len(trades))
	if math.Abs(ratio-1.0) > g.cfg.FanoutTolerance {
		return []error{fmt.Errorf("fanout: join produced %d rows from %d trades (ratio %.5f)",
			joined, len(trades), ratio)}
	}
	return nil
}

// checkReferenceWallets compares the total PnL of each configured reference
// wallet against its known ground truth.
func (g *Gate) checkReferenceWallets(records []domain.PnLRecord) []error {
	if len(g.cfg.ReferenceWallets) == 0 {
		return nil
	}

	totals := make(map[string]float64, len(g.cfg.ReferenceWallets))
	covered := make(map[string]bool, len(g.cfg.ReferenceWallets))
	for _, r := range records {
		if _, tracked := g.cfg.ReferenceWallets[r.Wallet]; !tracked {
			continue
		}
		if v, known := r.TotalPnL(); known {
			totals[r.Wallet] += v
			covered[r.Wallet] = true
		}
	}

	var out []error
	for wallet, expected := range g.cfg.ReferenceWallets {
		if !covered[wallet] {
			out = append(out, fmt.Errorf("spot check: reference wallet %s has no computable PnL", wallet))
			continue
		}
		actual := totals[wallet]
		limit := g.cfg.SpotCheckTolerance * math.Abs(expected)
		if limit == 0 {
			limit = g.cfg.CashToleranceUSD
		}
		if math.Abs(actual-expected) > limit {
			out = append(out, fmt.Errorf("spot check: wallet %s PnL %.4f deviates from ground truth %.4f beyond %.4f",
				wallet, actual, expected, limit))
		}
	}
	return out
}
