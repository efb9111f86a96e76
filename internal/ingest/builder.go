package ingest

import (
	"math"
	"sort"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// txWalletKey groups legs belonging to one wallet inside one transaction.
type txWalletKey struct {
	txHash string
	wallet string
}

// marketKey identifies one traded (market, outcome) inside a transaction.
type marketKey struct {
	marketID     string
	outcomeIndex int
}

// BuildTrades folds trade legs into canonical trades: one trade per
// (transaction, wallet, market, outcome). Cash legs carry no market, so cash
// is attributed at the (transaction, wallet) level; when a wallet touches
// exactly one outcome in a transaction all of its cash flow belongs to that
// outcome, otherwise the cash stays unattributed and direction inference
// sees only the token side.
func BuildTrades(legs []domain.TradeLeg) []domain.CanonicalTrade {
	groups := make(map[txWalletKey][]domain.TradeLeg)
	for _, leg := range legs {
		k := txWalletKey{txHash: leg.TxHash, wallet: leg.Wallet}
		groups[k] = append(groups[k], leg)
	}

	var trades []domain.CanonicalTrade
	for k, group := range groups {
		var netCash float64
		tokenFlows := make(map[marketKey]float64)
		meta := make(map[marketKey]domain.TradeLeg)
		for _, leg := range group {
			if leg.MarketID == "" {
				netCash += leg.Cash
				continue
			}
			mk := marketKey{marketID: leg.MarketID, outcomeIndex: leg.OutcomeIndex}
			tokenFlows[mk] += leg.Shares
			meta[mk] = leg
		}
		if len(tokenFlows) == 0 {
			// Pure cash movement, not a trade.
			continue
		}

		cashPerOutcome := 0.0
		if len(tokenFlows) == 1 {
			cashPerOutcome = netCash
		}

		for mk, netShares := range tokenFlows {
			if netShares == 0 {
				// Wash within one tx, nets out.
				continue
			}
			direction, confidence := InferDirection(netShares, cashPerOutcome)

			shares := math.Abs(netShares)
			usd := math.Abs(cashPerOutcome)
			var price float64
			if shares > 0 && usd > 0 {
				price = usd / shares
			}

			leg := meta[mk]
			trade := domain.CanonicalTrade{
				Wallet:       k.wallet,
				MarketID:     mk.marketID,
				OutcomeIndex: mk.outcomeIndex,
				Direction:    direction,
				Shares:       shares,
				Price:        price,
				USDValue:     usd,
				BlockTime:    leg.BlockTime,
				Confidence:   confidence,
				IngestedAt:   leg.IngestedAt,
			}
			trade.TradeKey = NaturalKey(trade, k.txHash)
			trades = append(trades, trade)
		}
	}

	sort.Slice(trades, func(i, j int) bool { return trades[i].TradeKey < trades[j].TradeKey })
	return trades
}
