package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

var conditionResolutionTopic = ethcrypto.Keccak256Hash(
	[]byte("ConditionResolution(bytes32,address,bytes32,uint256,uint256[])"))

var conditionResolutionABI abi.ABI

func init() {
	var err error
	conditionResolutionABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "ConditionResolution",
			"type": "event",
			"inputs": [
				{"name": "conditionId", "type": "bytes32", "indexed": true},
				{"name": "oracle", "type": "address", "indexed": true},
				{"name": "questionId", "type": "bytes32", "indexed": true},
				{"name": "outcomeSlotCount", "type": "uint256"},
				{"name": "payoutNumerators", "type": "uint256[]"}
			]
		}
	]`))
	if err != nil {
		panic("chain: condition resolution abi parse: " + err.Error())
	}
}

// ResolutionFetcher reads ConditionResolution events from the conditional
// token contract. These carry the oracle-reported payout vector and are the
// highest-priority resolution source.
type ResolutionFetcher struct {
	rpc      RPC
	contract common.Address
	logger   *slog.Logger
}

func NewResolutionFetcher(rpc RPC, logger *slog.Logger) *ResolutionFetcher {
	return &ResolutionFetcher{
		rpc:      rpc,
		contract: common.HexToAddress(CTFAddress),
		logger:   logger,
	}
}

// FetchRange returns the resolution candidates reported on chain within the
// block range, in block order. Undecodable logs are skipped with a warning;
// one bad log must not stall resolution sync.
func (f *ResolutionFetcher) FetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]domain.ResolutionCandidate, error) {
	logs, err := f.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{f.contract},
		Topics:    [][]common.Hash{{conditionResolutionTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter resolutions [%d, %d]: %w", fromBlock, toBlock, err)
	}

	candidates := make([]domain.ResolutionCandidate, 0, len(logs))
	for _, lg := range logs {
		cand, err := DecodeResolution(lg)
		if err != nil {
			f.logger.Warn("skipping undecodable resolution log",
				slog.String("tx_hash", lg.TxHash.Hex()),
				slog.Uint64("block", lg.BlockNumber),
				slog.String("error", err.Error()))
			continue
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// DecodeResolution converts one ConditionResolution log into a resolution
// candidate. The payout denominator is the numerator sum; the winning index
// is the largest numerator. ResolvedAt is left zero because log timestamps
// require a separate header fetch the aggregator does not need.
func DecodeResolution(lg types.Log) (domain.ResolutionCandidate, error) {
	if len(lg.Topics) < 4 || lg.Topics[0] != conditionResolutionTopic {
		return domain.ResolutionCandidate{}, fmt.Errorf("chain: not a condition resolution log: %w", domain.ErrMalformedEvent)
	}

	vals, err := conditionResolutionABI.Unpack("ConditionResolution", lg.Data)
	if err != nil {
		return domain.ResolutionCandidate{}, fmt.Errorf("chain: decode resolution data: %w: %w", err, domain.ErrMalformedEvent)
	}
	rawNumerators := vals[1].([]*big.Int)
	if len(rawNumerators) == 0 {
		return domain.ResolutionCandidate{}, fmt.Errorf("chain: empty payout vector: %w", domain.ErrMalformedEvent)
	}

	numerators := make([]int64, len(rawNumerators))
	var denominator int64
	winning := 0
	for i, n := range rawNumerators {
		if !n.IsInt64() || n.Sign() < 0 {
			return domain.ResolutionCandidate{}, fmt.Errorf("chain: payout numerator %s out of range: %w", n, domain.ErrMalformedEvent)
		}
		numerators[i] = n.Int64()
		denominator += numerators[i]
		if numerators[i] > numerators[winning] {
			winning = i
		}
	}
	if denominator == 0 {
		return domain.ResolutionCandidate{}, fmt.Errorf("chain: all-zero payout vector: %w", domain.ErrMalformedEvent)
	}

	// The indexed condition id is already a 32-byte value; render it without
	// the 0x prefix to match the canonical form.
	conditionID := strings.ToLower(strings.TrimPrefix(lg.Topics[1].Hex(), "0x"))

	return domain.ResolutionCandidate{
		MarketID:          conditionID,
		Source:            domain.SourceOnchain,
		PayoutNumerators:  numerators,
		PayoutDenominator: denominator,
		WinningIndex:      winning,
	}, nil
}
