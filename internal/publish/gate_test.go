package publish

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

var testMarketID = strings.Repeat("0", 60) + "beef"

func testGate() *Gate {
	return NewGate(GateConfig{
		CashToleranceUSD:   0.01,
		FanoutTolerance:    0.001,
		SpotCheckTolerance: 0.05,
	}, slog.New(slog.DiscardHandler))
}

func ptr(v float64) *float64 { return &v }

func resolvedMarket() domain.MarketResolution {
	return domain.MarketResolution{
		MarketID:          testMarketID,
		PayoutNumerators:  []int64{1, 0},
		PayoutDenominator: 1,
		Source:            domain.SourceOnchain,
	}
}

func TestGateCashNeutralityPasses(t *testing.T) {
	in := GateInput{
		Records: []domain.PnLRecord{
			{Wallet: "0xalice", MarketID: testMarketID, RealizedPnL: ptr(60)},
			{Wallet: "0xbob", MarketID: testMarketID, RealizedPnL: ptr(-60)},
		},
		Resolutions: []domain.MarketResolution{resolvedMarket()},
	}
	assert.NoError(t, testGate().Check(context.Background(), in))
}

func TestGateCashNeutralityResidualBlocks(t *testing.T) {
	in := GateInput{
		Records: []domain.PnLRecord{
			{Wallet: "0xalice", MarketID: testMarketID, RealizedPnL: ptr(60)},
			{Wallet: "0xbob", MarketID: testMarketID, RealizedPnL: ptr(-40)},
		},
		Resolutions: []domain.MarketResolution{resolvedMarket()},
	}
	err := testGate().Check(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGateFailed)
}

func TestGateFanoutDetectsDuplicateResolutionRows(t *testing.T) {
	in := GateInput{
		Trades: []domain.CanonicalTrade{
			{TradeKey: "k1", MarketID: testMarketID},
			{TradeKey: "k2", MarketID: testMarketID},
		},
		// Two authoritative rows for the same market would double every
		// downstream join.
		Resolutions: []domain.MarketResolution{resolvedMarket(), resolvedMarket()},
	}
	err := testGate().Check(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGateFailed)
	assert.Contains(t, err.Error(), "fanout")
}

func TestGateFanoutUnresolvedMarketsKeepRatio(t *testing.T) {
	in := GateInput{
		Trades: []domain.CanonicalTrade{
			{TradeKey: "k1", MarketID: testMarketID},
			{TradeKey: "k2", MarketID: strings.Repeat("0", 60) + "cafe"},
		},
		Resolutions: []domain.MarketResolution{resolvedMarket()},
	}
	assert.NoError(t, testGate().Check(context.Background(), in))
}

func TestGateReferenceWalletSpotCheck(t *testing.T) {
	gate := NewGate(GateConfig{
		CashToleranceUSD:   0.01,
		FanoutTolerance:    0.001,
		SpotCheckTolerance: 0.05,
		ReferenceWallets:   map[string]float64{"0xref": 100},
	}, slog.New(slog.DiscardHandler))

	t.Run("within five percent", func(t *testing.T) {
		in := GateInput{Records: []domain.PnLRecord{
			{Wallet: "0xref", MarketID: testMarketID, RealizedPnL: ptr(97)},
		}}
		assert.NoError(t, gate.Check(context.Background(), in))
	})

	t.Run("beyond five percent blocks", func(t *testing.T) {
		in := GateInput{Records: []domain.PnLRecord{
			{Wallet: "0xref", MarketID: testMarketID, RealizedPnL: ptr(80)},
		}}
		err := gate.Check(context.Background(), in)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrGateFailed)
	})

	t.Run("unknown pnl counts as uncovered", func(t *testing.T) {
		in := GateInput{Records: []domain.PnLRecord{
			{Wallet: "0xref", MarketID: testMarketID, Coverage: domain.CoverageNone},
		}}
		err := gate.Check(context.Background(), in)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no computable")
	})
}

func TestGateReportsAllViolationsAtOnce(t *testing.T) {
	gate := NewGate(GateConfig{
		CashToleranceUSD:   0.01,
		FanoutTolerance:    0.001,
		SpotCheckTolerance: 0.05,
		ReferenceWallets:   map[string]float64{"0xref": 100},
	}, slog.New(slog.DiscardHandler))

	in := GateInput{
		Trades:      []domain.CanonicalTrade{{TradeKey: "k1", MarketID: testMarketID}},
		Resolutions: []domain.MarketResolution{resolvedMarket(), resolvedMarket()},
		Records: []domain.PnLRecord{
			{Wallet: "0xalice", MarketID: testMarketID, RealizedPnL: ptr(5)},
		},
	}
	err := gate.Check(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cash neutrality")
	assert.Contains(t, err.Error(), "fanout")
	assert.Contains(t, err.Error(), "spot check")
}

func TestIndexResolutionsFirstMatchOnly(t *testing.T) {
	first := resolvedMarket()
	second := resolvedMarket()
	second.PayoutNumerators = []int64{0, 1}

	idx := IndexResolutions([]domain.MarketResolution{first, second})
	require.Len(t, idx, 1)
	assert.Equal(t, first.PayoutNumerators, idx[testMarketID].PayoutNumerators)
}
