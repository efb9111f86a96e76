package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Polygon mainnet contracts. The CTF holds the conditional (share) tokens as
// ERC1155; USDC.e is the collateral every market settles in.
const (
	CTFAddress   = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	USDCeAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
)

var (
	transferSingleTopic = ethcrypto.Keccak256Hash(
		[]byte("TransferSingle(address,address,address,uint256,uint256)"))
	transferBatchTopic = ethcrypto.Keccak256Hash(
		[]byte("TransferBatch(address,address,address,uint256[],uint256[])"))
	erc20TransferTopic = ethcrypto.Keccak256Hash(
		[]byte("Transfer(address,address,uint256)"))
)

var erc1155DataABI abi.ABI

func init() {
	// Only the non-indexed data words need ABI decoding; the addresses ride
	// in the topics.
	var err error
	erc1155DataABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "TransferSingle",
			"type": "event",
			"inputs": [
				{"name": "operator", "type": "address", "indexed": true},
				{"name": "from", "type": "address", "indexed": true},
				{"name": "to", "type": "address", "indexed": true},
				{"name": "id", "type": "uint256"},
				{"name": "value", "type": "uint256"}
			]
		},
		{
			"name": "TransferBatch",
			"type": "event",
			"inputs": [
				{"name": "operator", "type": "address", "indexed": true},
				{"name": "from", "type": "address", "indexed": true},
				{"name": "to", "type": "address", "indexed": true},
				{"name": "ids", "type": "uint256[]"},
				{"name": "values", "type": "uint256[]"}
			]
		}
	]`))
	if err != nil {
		panic("chain: erc1155 abi parse: " + err.Error())
	}
}

// WatchedTopics returns the event signatures the adapter filters on.
func WatchedTopics() []common.Hash {
	return []common.Hash{transferSingleTopic, transferBatchTopic, erc20TransferTopic}
}

// DecodeLog converts one chain log into raw events. TransferBatch logs fan
// into one event per token id; their LogIndex packs the element ordinal into
// the top byte (real log indexes stay far below 2^24) so the
// (tx_hash, log_index) key stays unique and deterministic across re-ingests.
// Logs that are not share or cash transfers decode to nil, nil.
func DecodeLog(lg types.Log, blockTime time.Time) ([]domain.RawEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}

	base := domain.RawEvent{
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		LogIndex:    uint32(lg.Index),
		BlockNumber: lg.BlockNumber,
		BlockTime:   blockTime,
		Contract:    strings.ToLower(lg.Address.Hex()),
	}

	switch lg.Topics[0] {
	case transferSingleTopic:
		if len(lg.Topics) < 4 {
			return nil, fmt.Errorf("chain: transfer single with %d topics: %w", len(lg.Topics), domain.ErrMalformedEvent)
		}
		vals, err := erc1155DataABI.Unpack("TransferSingle", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: decode transfer single data: %w: %w", err, domain.ErrMalformedEvent)
		}
		id, value := vals[0].(*big.Int), vals[1].(*big.Int)
		ev := base
		ev.Kind = domain.EventKindTokenTransfer
		ev.From = topicAddress(lg.Topics[2])
		ev.To = topicAddress(lg.Topics[3])
		ev.TokenID = id.String()
		ev.Amount = value.String()
		return []domain.RawEvent{ev}, nil

	case transferBatchTopic:
		if len(lg.Topics) < 4 {
			return nil, fmt.Errorf("chain: transfer batch with %d topics: %w", len(lg.Topics), domain.ErrMalformedEvent)
		}
		vals, err := erc1155DataABI.Unpack("TransferBatch", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: decode transfer batch data: %w: %w", err, domain.ErrMalformedEvent)
		}
		ids, values := vals[0].([]*big.Int), vals[1].([]*big.Int)
		if len(ids) != len(values) {
			return nil, fmt.Errorf("chain: transfer batch ids/values length mismatch: %w", domain.ErrMalformedEvent)
		}
		events := make([]domain.RawEvent, 0, len(ids))
		for i := range ids {
			ev := base
			ev.LogIndex = uint32(lg.Index) | uint32(i)<<24
			ev.Kind = domain.EventKindTokenTransfer
			ev.From = topicAddress(lg.Topics[2])
			ev.To = topicAddress(lg.Topics[3])
			ev.TokenID = ids[i].String()
			ev.Amount = values[i].String()
			events = append(events, ev)
		}
		return events, nil

	case erc20TransferTopic:
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("chain: erc20 transfer with %d topics: %w", len(lg.Topics), domain.ErrMalformedEvent)
		}
		ev := base
		ev.Kind = domain.EventKindCashTransfer
		ev.From = topicAddress(lg.Topics[1])
		ev.To = topicAddress(lg.Topics[2])
		ev.Amount = new(big.Int).SetBytes(lg.Data).String()
		return []domain.RawEvent{ev}, nil
	}

	return nil, nil
}

func topicAddress(h common.Hash) string {
	return strings.ToLower(common.BytesToAddress(h.Bytes()).Hex())
}
