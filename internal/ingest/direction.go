package ingest

import "github.com/alanyoungcy/polyledger/internal/domain"

// InferDirection classifies a wallet's side of a transaction from its net
// token flow and net cash flow. A buy receives tokens and pays cash; a sell
// is the reverse. Anything else is unknown — guessing here was historically
// the largest source of PnL sign errors, so a flow that only shows one side
// stays unknown rather than being rounded to the nearest plausible answer.
//
// Confidence is high when both flows are present and consistent, medium when
// exactly one side of the flow is visible, low otherwise.
func InferDirection(netShares, netCash float64) (domain.Direction, domain.Confidence) {
	switch {
	case netShares > 0 && netCash < 0:
		return domain.DirectionBuy, domain.ConfidenceHigh
	case netShares < 0 && netCash > 0:
		return domain.DirectionSell, domain.ConfidenceHigh
	case (netShares != 0) != (netCash != 0):
		return domain.DirectionUnknown, domain.ConfidenceMedium
	default:
		// No flow at all, or token and cash flowing the same way.
		return domain.DirectionUnknown, domain.ConfidenceLow
	}
}
