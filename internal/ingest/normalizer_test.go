package ingest

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// tokenIDFor packs a market id and outcome index the way the chain encodes
// conditional-token ids: outcome in the low bits, market in the rest.
func tokenIDFor(t *testing.T, marketHex string, outcome int64) string {
	t.Helper()
	market, ok := new(big.Int).SetString(marketHex, 16)
	require.True(t, ok)
	id := new(big.Int).Lsh(market, outcomeBits)
	id.Or(id, big.NewInt(outcome))
	return id.Text(10)
}

func TestSplitTokenID(t *testing.T) {
	marketHex := "1f9840a85d5af5bf1d1762f925bdaddc4201f984"
	tokenID := tokenIDFor(t, marketHex, 1)

	gotMarket, gotOutcome, err := SplitTokenID(tokenID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotOutcome)
	// Canonical form is the market component left-padded to 64 hex chars.
	assert.Len(t, gotMarket, 64)
	assert.Contains(t, gotMarket, marketHex)
}

func TestSplitTokenIDRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "not-a-number", "-5", "12.5"} {
		_, _, err := SplitTokenID(in)
		require.Error(t, err, "input %q", in)
		assert.True(t, errors.Is(err, domain.ErrMalformedEvent))
	}
}

func TestNormalizeTokenTransfer(t *testing.T) {
	n := NewNormalizer()
	blockTime := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ev := domain.RawEvent{
		TxHash:      "0x" + repeatHex("ab", 32),
		LogIndex:    3,
		BlockNumber: 1000,
		BlockTime:   blockTime,
		Kind:        domain.EventKindTokenTransfer,
		From:        "0xseller",
		To:          "0xbuyer",
		TokenID:     tokenIDFor(t, "beef", 0),
		Amount:      "25000000", // 25 shares at 6 decimals
	}

	legs, err := n.Normalize(ev)
	require.NoError(t, err)
	require.Len(t, legs, 2)

	assert.Equal(t, "0xseller", legs[0].Wallet)
	assert.Equal(t, -25.0, legs[0].Shares)
	assert.Equal(t, "0xbuyer", legs[1].Wallet)
	assert.Equal(t, 25.0, legs[1].Shares)
	for _, leg := range legs {
		assert.Equal(t, 0.0, leg.Cash)
		assert.NotEmpty(t, leg.MarketID)
		assert.Equal(t, blockTime, leg.BlockTime)
	}
}

func TestNormalizeCashTransfer(t *testing.T) {
	n := NewNormalizer()

	ev := domain.RawEvent{
		TxHash:   "0x" + repeatHex("cd", 32),
		LogIndex: 7,
		Kind:     domain.EventKindCashTransfer,
		From:     "0xbuyer",
		To:       "0xexchange",
		Amount:   "12500000", // $12.50
	}

	legs, err := n.Normalize(ev)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, -12.5, legs[0].Cash)
	assert.Equal(t, 12.5, legs[1].Cash)
	assert.Empty(t, legs[0].MarketID)
}

func TestNormalizeSkipsMintCounterparty(t *testing.T) {
	n := NewNormalizer()

	ev := domain.RawEvent{
		TxHash:  "0x" + repeatHex("ef", 32),
		Kind:    domain.EventKindTokenTransfer,
		From:    zeroAddress,
		To:      "0xbuyer",
		TokenID: tokenIDFor(t, "beef", 1),
		Amount:  "1000000",
	}

	legs, err := n.Normalize(ev)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, "0xbuyer", legs[0].Wallet)
}

func TestNormalizeMalformed(t *testing.T) {
	n := NewNormalizer()

	cases := []domain.RawEvent{
		{Kind: domain.EventKindTokenTransfer, TokenID: "junk", Amount: "1"},
		{Kind: domain.EventKindTokenTransfer, TokenID: "1", Amount: "not-a-number"},
		{Kind: "mystery_kind", Amount: "1"},
	}
	for _, ev := range cases {
		_, err := n.Normalize(ev)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrMalformedEvent), "event %+v", ev)
	}
}

func repeatHex(pair string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += pair
	}
	return out
}
