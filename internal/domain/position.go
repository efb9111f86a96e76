package domain

// WalletPosition is the net position of one wallet in one market outcome,
// fully derived from CanonicalTrade rows and recomputed on every rebuild.
// NetShares sums signed shares (buys positive, sells negative); CostBasis
// sums signed cash (buys negative, sells positive), so a profitable closed
// position has positive CostBasis.
type WalletPosition struct {
	Wallet       string
	MarketID     string
	OutcomeIndex int
	NetShares    float64
	CostBasis    float64
}

// CoverageQuality labels how much of a PnL figure is backed by real data.
// It exists so that missing prices or resolutions surface as a label instead
// of being coalesced into a confident-looking zero.
type CoverageQuality string

const (
	CoverageNone      CoverageQuality = "none"
	CoverageLimited   CoverageQuality = "limited"
	CoverageGood      CoverageQuality = "good"
	CoverageExcellent CoverageQuality = "excellent"
)

// PnLRecord is the settled view of one position. RealizedPnL is set only for
// resolved markets; UnrealizedPnL only when a live price exists. A nil value
// means "unknown", never zero.
type PnLRecord struct {
	Wallet        string
	MarketID      string
	OutcomeIndex  int
	RealizedPnL   *float64
	UnrealizedPnL *float64
	Coverage      CoverageQuality
}

// TotalPnL returns the nil-safe sum of realized and unrealized PnL. The bool
// is false when neither component is known.
func (r PnLRecord) TotalPnL() (float64, bool) {
	if r.RealizedPnL == nil && r.UnrealizedPnL == nil {
		return 0, false
	}
	var total float64
	if r.RealizedPnL != nil {
		total += *r.RealizedPnL
	}
	if r.UnrealizedPnL != nil {
		total += *r.UnrealizedPnL
	}
	return total, true
}
