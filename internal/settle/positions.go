// Package settle aggregates canonical trades into net positions and applies
// payout vectors or live prices to produce PnL records.
package settle

import (
	"sort"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// BuildPositions is a pure GROUP BY over canonical trades: per (wallet,
// market, outcome) it sums signed shares (buys positive, sells negative) and
// signed cash (buys negative, sells positive). The output is fully derived
// and recomputed on every rebuild; it is never patched in place.
//
// Trades with unknown direction carry no usable sign and are excluded rather
// than guessed into one side.
func BuildPositions(trades []domain.CanonicalTrade) []domain.WalletPosition {
	type posKey struct {
		wallet  string
		market  string
		outcome int
	}

	acc := make(map[posKey]*domain.WalletPosition)
	for _, t := range trades {
		var shareSign, cashSign float64
		switch t.Direction {
		case domain.DirectionBuy:
			shareSign, cashSign = +1, -1
		case domain.DirectionSell:
			shareSign, cashSign = -1, +1
		default:
			continue
		}

		k := posKey{wallet: t.Wallet, market: t.MarketID, outcome: t.OutcomeIndex}
		p, ok := acc[k]
		if !ok {
			p = &domain.WalletPosition{
				Wallet:       t.Wallet,
				MarketID:     t.MarketID,
				OutcomeIndex: t.OutcomeIndex,
			}
			acc[k] = p
		}
		p.NetShares += shareSign * t.Shares
		p.CostBasis += cashSign * t.USDValue
	}

	out := make([]domain.WalletPosition, 0, len(acc))
	for _, p := range acc {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Wallet != out[j].Wallet {
			return out[i].Wallet < out[j].Wallet
		}
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].OutcomeIndex < out[j].OutcomeIndex
	})
	return out
}
