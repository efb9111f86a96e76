// Package resolution merges resolution rows from independent sources into at
// most one authoritative payout vector per market.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/polyledger/internal/canon"
	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Stats counts what the aggregator discarded and why. Rejections are never
// silent: a market that loses all of its candidates stays unresolved.
type Stats struct {
	Markets    int
	Resolved   int
	Rejected   int
	Conflicted int
}

// Aggregator reduces raw resolution candidates to one MarketResolution per
// market by source priority. Markets with no valid candidate are simply
// absent from the output — unresolved, never zero-payout.
type Aggregator struct {
	catalog domain.MarketCatalog
	logger  *slog.Logger
}

// NewAggregator creates an Aggregator. The catalog is only consulted for
// text-only candidates that need their winner label mapped to an outcome
// index.
func NewAggregator(catalog domain.MarketCatalog, logger *slog.Logger) *Aggregator {
	return &Aggregator{catalog: catalog, logger: logger}
}

// Aggregate validates every candidate, groups them by canonical market id,
// and keeps exactly one winner per market by source priority. Equal-priority
// candidates that disagree on the payout vector are a conflict: the market
// is held unresolved and flagged for manual review.
func (a *Aggregator) Aggregate(ctx context.Context, candidates []domain.ResolutionCandidate) ([]domain.MarketResolution, Stats, error) {
	var stats Stats
	byMarket := make(map[string][]domain.MarketResolution)

	for _, cand := range candidates {
		res, err := a.validate(ctx, cand)
		if err != nil {
			stats.Rejected++
			a.logger.Warn("resolution candidate rejected",
				slog.String("market_id", cand.MarketID),
				slog.String("source", string(cand.Source)),
				slog.String("error", err.Error()),
			)
			continue
		}
		byMarket[res.MarketID] = append(byMarket[res.MarketID], res)
	}

	stats.Markets = len(byMarket)
	out := make([]domain.MarketResolution, 0, len(byMarket))
	for marketID, cands := range byMarket {
		winner, err := pickWinner(cands)
		if err != nil {
			stats.Conflicted++
			a.logger.Warn("market held unresolved: equal-priority sources disagree",
				slog.String("market_id", marketID),
				slog.Int("candidates", len(cands)),
			)
			continue
		}
		out = append(out, winner)
	}
	stats.Resolved = len(out)

	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, stats, nil
}

// validate canonicalizes the candidate's market id, resolves text-only
// winner labels into one-hot payout vectors, normalizes the index base, and
// checks the payout-vector invariants.
func (a *Aggregator) validate(ctx context.Context, cand domain.ResolutionCandidate) (domain.MarketResolution, error) {
	marketID, err := canon.MarketID(cand.MarketID)
	if err != nil {
		return domain.MarketResolution{}, err
	}

	numerators := cand.PayoutNumerators
	denominator := cand.PayoutDenominator
	winning := cand.WinningIndex
	if cand.OneBasedIndex {
		winning--
	}

	if len(numerators) == 0 {
		if cand.WinnerLabel == "" {
			return domain.MarketResolution{}, fmt.Errorf("resolution: candidate has neither payout vector nor winner label: %w", domain.ErrMalformedEvent)
		}
		numerators, denominator, winning, err = a.labelToVector(ctx, marketID, cand.WinnerLabel)
		if err != nil {
			return domain.MarketResolution{}, err
		}
	}

	if denominator <= 0 {
		return domain.MarketResolution{}, fmt.Errorf("resolution: market %s: non-positive denominator %d: %w", marketID, denominator, domain.ErrMalformedEvent)
	}
	var sum int64
	for _, n := range numerators {
		if n < 0 {
			return domain.MarketResolution{}, fmt.Errorf("resolution: market %s: negative numerator: %w", marketID, domain.ErrMalformedEvent)
		}
		sum += n
	}
	if sum != denominator {
		return domain.MarketResolution{}, fmt.Errorf("resolution: market %s: numerators sum %d != denominator %d: %w", marketID, sum, denominator, domain.ErrMalformedEvent)
	}
	if winning < 0 || winning >= len(numerators) {
		return domain.MarketResolution{}, fmt.Errorf("resolution: market %s: winning index %d out of range [0,%d): %w", marketID, winning, len(numerators), domain.ErrMalformedEvent)
	}

	return domain.MarketResolution{
		MarketID:          marketID,
		PayoutNumerators:  numerators,
		PayoutDenominator: denominator,
		WinningIndex:      winning,
		ResolvedAt:        cand.ResolvedAt,
		Source:            cand.Source,
	}, nil
}

// labelToVector maps a text winner label onto the market's ordered outcome
// list and builds the corresponding one-hot payout vector. An absent label
// is a rejection, not a guess.
func (a *Aggregator) labelToVector(ctx context.Context, marketID, label string) ([]int64, int64, int, error) {
	market, err := a.catalog.GetMarket(ctx, marketID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("resolution: market %s: catalog lookup: %w", marketID, err)
	}
	if len(market.OutcomeLabels) == 0 {
		return nil, 0, 0, fmt.Errorf("resolution: market %s has no outcome labels: %w", marketID, domain.ErrMalformedEvent)
	}

	want := strings.ToLower(strings.TrimSpace(label))
	winning := -1
	for i, l := range market.OutcomeLabels {
		if strings.ToLower(strings.TrimSpace(l)) == want {
			winning = i
			break
		}
	}
	if winning < 0 {
		return nil, 0, 0, fmt.Errorf("resolution: market %s: winner label %q not in outcome list: %w", marketID, label, domain.ErrMalformedEvent)
	}

	numerators := make([]int64, len(market.OutcomeLabels))
	numerators[winning] = 1
	return numerators, 1, winning, nil
}

// pickWinner keeps the highest-priority candidate. If the top priority is
// shared by candidates with differing vectors the market is in conflict.
func pickWinner(cands []domain.MarketResolution) (domain.MarketResolution, error) {
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Source.Priority() > best.Source.Priority() {
			best = c
		}
	}
	for _, c := range cands {
		if c.Source.Priority() == best.Source.Priority() && !sameVector(c, best) {
			return domain.MarketResolution{}, domain.ErrResolutionConflict
		}
	}
	return best, nil
}

func sameVector(a, b domain.MarketResolution) bool {
	if a.PayoutDenominator != b.PayoutDenominator || a.WinningIndex != b.WinningIndex || len(a.PayoutNumerators) != len(b.PayoutNumerators) {
		return false
	}
	for i := range a.PayoutNumerators {
		if a.PayoutNumerators[i] != b.PayoutNumerators[i] {
			return false
		}
	}
	return true
}
