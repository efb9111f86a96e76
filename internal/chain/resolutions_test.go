package chain

import (
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

func resolutionLog(conditionID common.Hash, numerators []*big.Int) types.Log {
	data := word(big.NewInt(int64(len(numerators)))) // outcomeSlotCount
	data = append(data, word(big.NewInt(0x40))...)   // offset of payoutNumerators
	data = append(data, word(big.NewInt(int64(len(numerators))))...)
	for _, n := range numerators {
		data = append(data, word(n)...)
	}
	return types.Log{
		Address: common.HexToAddress(CTFAddress),
		Topics: []common.Hash{
			conditionResolutionTopic,
			conditionID,
			addressTopic(testFrom), // oracle
			common.HexToHash("0xfeed"),
		},
		Data:        data,
		BlockNumber: 200,
		TxHash:      common.HexToHash("0xabc3"),
		Index:       1,
	}
}

func TestDecodeResolutionOneHot(t *testing.T) {
	conditionID := common.HexToHash("0xAB")
	cand, err := DecodeResolution(resolutionLog(conditionID, []*big.Int{big.NewInt(0), big.NewInt(1)}))
	require.NoError(t, err)

	assert.Equal(t, domain.SourceOnchain, cand.Source)
	assert.Equal(t, "00000000000000000000000000000000000000000000000000000000000000ab", cand.MarketID)
	assert.Equal(t, []int64{0, 1}, cand.PayoutNumerators)
	assert.Equal(t, int64(1), cand.PayoutDenominator)
	assert.Equal(t, 1, cand.WinningIndex)
	assert.False(t, cand.OneBasedIndex)
}

func TestDecodeResolutionPartialPayout(t *testing.T) {
	cand, err := DecodeResolution(resolutionLog(common.HexToHash("0x01"), []*big.Int{big.NewInt(1), big.NewInt(3)}))
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3}, cand.PayoutNumerators)
	assert.Equal(t, int64(4), cand.PayoutDenominator)
	assert.Equal(t, 1, cand.WinningIndex)
}

func TestDecodeResolutionRejectsAllZero(t *testing.T) {
	_, err := DecodeResolution(resolutionLog(common.HexToHash("0x01"), []*big.Int{big.NewInt(0), big.NewInt(0)}))
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)
}

func TestDecodeResolutionRejectsWrongTopic(t *testing.T) {
	lg := resolutionLog(common.HexToHash("0x01"), []*big.Int{big.NewInt(1)})
	lg.Topics[0] = transferSingleTopic

	_, err := DecodeResolution(lg)
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)
}

func TestResolutionFetcherSkipsBadLogs(t *testing.T) {
	good := resolutionLog(common.HexToHash("0x02"), []*big.Int{big.NewInt(1), big.NewInt(0)})
	bad := resolutionLog(common.HexToHash("0x03"), []*big.Int{big.NewInt(0)})

	rpc := &fakeRPC{logs: []types.Log{good, bad}}
	fetcher := NewResolutionFetcher(rpc, slog.New(slog.DiscardHandler))

	cands, err := fetcher.FetchRange(context.Background(), 100, 300)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, int64(1), cands[0].PayoutNumerators[0])
}
