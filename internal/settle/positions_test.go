package settle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

var testMarketID = strings.Repeat("0", 60) + "beef"

func trade(wallet string, outcome int, dir domain.Direction, shares, usd float64) domain.CanonicalTrade {
	return domain.CanonicalTrade{
		Wallet:       wallet,
		MarketID:     testMarketID,
		OutcomeIndex: outcome,
		Direction:    dir,
		Shares:       shares,
		USDValue:     usd,
	}
}

func TestBuildPositionsSignsFlows(t *testing.T) {
	trades := []domain.CanonicalTrade{
		trade("0xalice", 0, domain.DirectionBuy, 100, 40),
		trade("0xalice", 0, domain.DirectionBuy, 50, 25),
		trade("0xalice", 0, domain.DirectionSell, 30, 20),
	}

	positions := BuildPositions(trades)
	require.Len(t, positions, 1)

	p := positions[0]
	assert.Equal(t, 120.0, p.NetShares)   // +100 +50 -30
	assert.Equal(t, -45.0, p.CostBasis)   // -40 -25 +20
}

func TestBuildPositionsGroupsByWalletMarketOutcome(t *testing.T) {
	trades := []domain.CanonicalTrade{
		trade("0xalice", 0, domain.DirectionBuy, 10, 5),
		trade("0xalice", 1, domain.DirectionBuy, 10, 5),
		trade("0xbob", 0, domain.DirectionBuy, 10, 5),
	}

	positions := BuildPositions(trades)
	assert.Len(t, positions, 3)
}

func TestBuildPositionsSkipsUnknownDirection(t *testing.T) {
	trades := []domain.CanonicalTrade{
		trade("0xalice", 0, domain.DirectionUnknown, 10, 5),
	}
	assert.Empty(t, BuildPositions(trades))
}

func TestBuildPositionsDeterministicOrder(t *testing.T) {
	trades := []domain.CanonicalTrade{
		trade("0xbob", 1, domain.DirectionBuy, 1, 1),
		trade("0xalice", 1, domain.DirectionBuy, 1, 1),
		trade("0xalice", 0, domain.DirectionBuy, 1, 1),
	}

	positions := BuildPositions(trades)
	require.Len(t, positions, 3)
	assert.Equal(t, "0xalice", positions[0].Wallet)
	assert.Equal(t, 0, positions[0].OutcomeIndex)
	assert.Equal(t, "0xbob", positions[2].Wallet)
}
