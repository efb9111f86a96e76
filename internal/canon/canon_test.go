package canon

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const wantID = "00aabbccddeeff00112233445566778899aabbccddeeff001122334455667788"

func TestMarketIDCollapsesObservedVariants(t *testing.T) {
	// Every format variant seen in the wild for the same logical id must map
	// to one output.
	variants := []string{
		wantID,
		"0x" + wantID,
		"0X" + wantID,
		strings.ToUpper(wantID),
		"0x" + strings.ToUpper(wantID),
		"  0x" + wantID + "  ",
		// Leading zeros dropped by a numeric-minded feed.
		strings.TrimLeft(wantID, "0"),
		"0x" + strings.TrimLeft(wantID, "0"),
	}

	for _, v := range variants {
		got, err := MarketID(v)
		require.NoError(t, err, "variant %q", v)
		assert.Equal(t, wantID, got, "variant %q", v)
	}
}

func TestMarketIDIdempotent(t *testing.T) {
	inputs := []string{
		wantID,
		"0xABCDEF",
		"ff",
		"0x0",
	}
	for _, in := range inputs {
		once, err := MarketID(in)
		require.NoError(t, err)
		twice, err := MarketID(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "canonicalizing twice must be a no-op for %q", in)
	}
}

func TestMarketIDRejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"bare prefix", "0x"},
		{"non-hex", "0xzz11"},
		{"embedded space", "0xaa bb"},
		{"too long", strings.Repeat("a", HexLen+1)},
		{"decimal with sign", "-123"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := MarketID(tc.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrBadIdentifier), "want ErrBadIdentifier, got %v", err)
		})
	}
}

func TestMarketIDPadsShortHex(t *testing.T) {
	got, err := MarketID("0xff")
	require.NoError(t, err)
	assert.Len(t, got, HexLen)
	assert.Equal(t, strings.Repeat("0", HexLen-2)+"ff", got)
}
