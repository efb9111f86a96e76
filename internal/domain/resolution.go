package domain

import "time"

// ResolutionSource identifies where a resolution row came from. Sources have a
// strict priority order; when multiple sources report a resolution for the
// same market the highest-priority valid candidate wins.
type ResolutionSource string

const (
	SourceOnchain ResolutionSource = "onchain"
	SourceCurated ResolutionSource = "curated"
	SourceText    ResolutionSource = "text"
)

// Priority returns the source's rank. Higher wins.
func (s ResolutionSource) Priority() int {
	switch s {
	case SourceOnchain:
		return 3
	case SourceCurated:
		return 2
	case SourceText:
		return 1
	default:
		return 0
	}
}

// ResolutionCandidate is one raw resolution row from a single source, before
// aggregation. Text-only sources carry a WinnerLabel and no payout vector;
// the aggregator resolves the label against the market's outcome list.
// OneBasedIndex marks feeds that report winning_index starting at 1.
type ResolutionCandidate struct {
	MarketID          string // raw, not yet canonicalized
	Source            ResolutionSource
	PayoutNumerators  []int64
	PayoutDenominator int64
	WinningIndex      int
	OneBasedIndex     bool
	WinnerLabel       string
	ResolvedAt        time.Time
}

// MarketResolution is the single authoritative payout vector for a resolved
// market after aggregation. Invariants: sum(PayoutNumerators) ==
// PayoutDenominator and 0 <= WinningIndex < len(PayoutNumerators).
type MarketResolution struct {
	MarketID          string // canonical form
	PayoutNumerators  []int64
	PayoutDenominator int64
	WinningIndex      int
	ResolvedAt        time.Time
	Source            ResolutionSource
}
