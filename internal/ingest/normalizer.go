// Package ingest turns raw chain events into canonical trades: decoding into
// trade legs, per-transaction direction inference, and natural-key
// deduplication.
package ingest

import (
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/polyledger/internal/canon"
	"github.com/alanyoungcy/polyledger/internal/domain"
)

// outcomeBits is the number of low bits of a conditional-token id that encode
// the outcome index; the remaining high bits are the market id.
const outcomeBits = 8

// Token amounts and collateral amounts are both 6-decimal fixed point on
// chain.
const amountScale = 1e6

// zeroAddress is the mint/burn counterparty; it never owns a position.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// Normalizer decodes raw transfer events into trade legs. Undecodable events
// are reported as domain.ErrMalformedEvent and counted by the caller, never
// silently dropped.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize decodes one raw event into zero, one, or two trade legs — one per
// non-mint counterparty. Token-transfer events yield market id + outcome
// index (outcome in the low bits of the token id, market id in the rest);
// cash-transfer events yield signed collateral flow.
func (n *Normalizer) Normalize(ev domain.RawEvent) ([]domain.TradeLeg, error) {
	amount, ok := parseAmount(ev.Amount)
	if !ok {
		return nil, fmt.Errorf("ingest: event %s/%d has unparseable amount %q: %w",
			ev.TxHash, ev.LogIndex, ev.Amount, domain.ErrMalformedEvent)
	}

	var marketID string
	var outcomeIndex int
	switch ev.Kind {
	case domain.EventKindTokenTransfer:
		var err error
		marketID, outcomeIndex, err = SplitTokenID(ev.TokenID)
		if err != nil {
			return nil, fmt.Errorf("ingest: event %s/%d: %w", ev.TxHash, ev.LogIndex, err)
		}
	case domain.EventKindCashTransfer:
		// Cash legs carry no market; attribution happens per transaction.
	default:
		return nil, fmt.Errorf("ingest: event %s/%d has unknown kind %q: %w",
			ev.TxHash, ev.LogIndex, ev.Kind, domain.ErrMalformedEvent)
	}

	ingested := n.now().UTC()
	legs := make([]domain.TradeLeg, 0, 2)
	for _, side := range []struct {
		wallet string
		sign   float64
	}{
		{ev.From, -1},
		{ev.To, +1},
	} {
		if side.wallet == "" || side.wallet == zeroAddress {
			continue
		}
		leg := domain.TradeLeg{
			TxHash:     ev.TxHash,
			LogIndex:   ev.LogIndex,
			Wallet:     side.wallet,
			BlockTime:  ev.BlockTime,
			IngestedAt: ingested,
		}
		if ev.Kind == domain.EventKindTokenTransfer {
			leg.MarketID = marketID
			leg.OutcomeIndex = outcomeIndex
			leg.Shares = side.sign * amount
		} else {
			leg.Cash = side.sign * amount
		}
		legs = append(legs, leg)
	}
	return legs, nil
}

// SplitTokenID decomposes a decimal uint256 token id into its canonical
// market id and outcome index.
func SplitTokenID(tokenID string) (string, int, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok || id.Sign() < 0 {
		return "", 0, fmt.Errorf("ingest: unparseable token id %q: %w", tokenID, domain.ErrMalformedEvent)
	}

	outcome := new(big.Int).And(id, big.NewInt((1<<outcomeBits)-1))
	market := new(big.Int).Rsh(id, outcomeBits)
	if market.Sign() == 0 {
		return "", 0, fmt.Errorf("ingest: token id %q has empty market component: %w", tokenID, domain.ErrMalformedEvent)
	}

	marketID, err := canon.MarketID(market.Text(16))
	if err != nil {
		return "", 0, fmt.Errorf("ingest: token id %q: %w", tokenID, err)
	}
	return marketID, int(outcome.Int64()), nil
}

// parseAmount converts a decimal fixed-point chain amount into float shares
// or dollars. Amounts beyond float precision are out of scope for this venue
// (6-decimal USDC sizing).
func parseAmount(raw string) (float64, bool) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return 0, false
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / amountScale, true
}
