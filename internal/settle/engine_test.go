package settle

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

type fakePrices struct {
	price float64
	asOf  time.Time
	has   bool
}

func (f *fakePrices) SetPrice(context.Context, string, int, float64, time.Time) error { return nil }

func (f *fakePrices) GetPrice(context.Context, string, int) (float64, time.Time, error) {
	if !f.has {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return f.price, f.asOf, nil
}

func newEngine(prices *fakePrices) *Engine {
	return NewEngine(prices, 15*time.Minute, slog.New(slog.DiscardHandler))
}

func binaryResolution(winning int) domain.MarketResolution {
	numerators := []int64{0, 0}
	numerators[winning] = 1
	return domain.MarketResolution{
		MarketID:          testMarketID,
		PayoutNumerators:  numerators,
		PayoutDenominator: 1,
		WinningIndex:      winning,
		Source:            domain.SourceOnchain,
	}
}

// Known-vector settlement example: payouts [1,0]/1, 100 shares of outcome 0
// bought for $50 must realize exactly +50. The whole payout-indexing chain
// hangs on this staying zero-based.
func TestSettleKnownVector(t *testing.T) {
	engine := newEngine(&fakePrices{})

	positions := []domain.WalletPosition{
		{Wallet: "0xw", MarketID: testMarketID, OutcomeIndex: 0, NetShares: 100, CostBasis: -50},
	}
	resolutions := map[string]domain.MarketResolution{testMarketID: binaryResolution(0)}

	records, err := engine.Settle(context.Background(), positions, resolutions)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NotNil(t, records[0].RealizedPnL)
	assert.Equal(t, 50.0, *records[0].RealizedPnL)
	assert.Nil(t, records[0].UnrealizedPnL)
	assert.Equal(t, domain.CoverageExcellent, records[0].Coverage)
}

func TestSettleLosingOutcome(t *testing.T) {
	engine := newEngine(&fakePrices{})

	positions := []domain.WalletPosition{
		{Wallet: "0xw", MarketID: testMarketID, OutcomeIndex: 1, NetShares: 100, CostBasis: -50},
	}
	resolutions := map[string]domain.MarketResolution{testMarketID: binaryResolution(0)}

	records, err := engine.Settle(context.Background(), positions, resolutions)
	require.NoError(t, err)
	require.NotNil(t, records[0].RealizedPnL)
	assert.Equal(t, -50.0, *records[0].RealizedPnL)
}

// A position in an unresolved market with no price must yield nil PnL, not
// zero and not a loss equal to the cost basis.
func TestSettleUnresolvedWithoutPriceIsNil(t *testing.T) {
	engine := newEngine(&fakePrices{has: false})

	positions := []domain.WalletPosition{
		{Wallet: "0xw", MarketID: testMarketID, OutcomeIndex: 0, NetShares: 100, CostBasis: -50},
	}

	records, err := engine.Settle(context.Background(), positions, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Nil(t, records[0].RealizedPnL)
	assert.Nil(t, records[0].UnrealizedPnL)
	assert.Equal(t, domain.CoverageNone, records[0].Coverage)

	_, known := records[0].TotalPnL()
	assert.False(t, known)
}

func TestSettleUnresolvedMarkToMarket(t *testing.T) {
	now := time.Now()

	t.Run("fresh price is good coverage", func(t *testing.T) {
		engine := newEngine(&fakePrices{price: 0.6, asOf: now.Add(-time.Minute), has: true})
		records, err := engine.Settle(context.Background(), []domain.WalletPosition{
			{Wallet: "0xw", MarketID: testMarketID, OutcomeIndex: 0, NetShares: 100, CostBasis: -50},
		}, nil)
		require.NoError(t, err)
		require.NotNil(t, records[0].UnrealizedPnL)
		assert.InDelta(t, 10.0, *records[0].UnrealizedPnL, 1e-9) // 100*0.6 - 50
		assert.Equal(t, domain.CoverageGood, records[0].Coverage)
	})

	t.Run("stale price downgrades to limited", func(t *testing.T) {
		engine := newEngine(&fakePrices{price: 0.6, asOf: now.Add(-2 * time.Hour), has: true})
		records, err := engine.Settle(context.Background(), []domain.WalletPosition{
			{Wallet: "0xw", MarketID: testMarketID, OutcomeIndex: 0, NetShares: 100, CostBasis: -50},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.CoverageLimited, records[0].Coverage)
	})
}

func TestPayoutAtBounds(t *testing.T) {
	res := binaryResolution(0)

	payout, err := PayoutAt(res, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, payout)

	payout, err = PayoutAt(res, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, payout)

	_, err = PayoutAt(res, 2)
	assert.Error(t, err)
	_, err = PayoutAt(res, -1)
	assert.Error(t, err)
}

// For a fully-closed synthetic market every share bought was sold by another
// tracked wallet, so realized PnL across wallets must net to ~0.
func TestSettleCashNeutralClosedMarket(t *testing.T) {
	engine := newEngine(&fakePrices{})

	positions := []domain.WalletPosition{
		{Wallet: "0xalice", MarketID: testMarketID, OutcomeIndex: 0, NetShares: 100, CostBasis: -40},
		{Wallet: "0xbob", MarketID: testMarketID, OutcomeIndex: 0, NetShares: -100, CostBasis: 40},
	}
	resolutions := map[string]domain.MarketResolution{testMarketID: binaryResolution(0)}

	records, err := engine.Settle(context.Background(), positions, resolutions)
	require.NoError(t, err)

	var total float64
	for _, r := range records {
		require.NotNil(t, r.RealizedPnL)
		total += *r.RealizedPnL
	}
	assert.InDelta(t, 0.0, total, 1e-9)
}
