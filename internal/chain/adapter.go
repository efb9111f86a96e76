package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// AdapterConfig tunes shard sizing and retry behaviour for log fetching.
type AdapterConfig struct {
	Contracts    []string
	ShardSize    uint64
	MinShardSize uint64
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// Adapter fetches transfer logs in block shards. Providers cap response
// sizes, so an oversized shard is halved and retried; the discovered safe
// size sticks for the rest of the run. Rate limits back off exponentially.
type Adapter struct {
	rpc       RPC
	addresses []common.Address
	topics    [][]common.Hash
	cfg       AdapterConfig
	logger    *slog.Logger

	mu        sync.Mutex
	safeShard uint64

	timeMu     sync.Mutex
	blockTimes map[uint64]time.Time
}

func NewAdapter(rpc RPC, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if cfg.ShardSize == 0 {
		cfg.ShardSize = 2000
	}
	if cfg.MinShardSize == 0 {
		cfg.MinShardSize = 10
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 8
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 10 * time.Minute
	}

	addresses := make([]common.Address, 0, len(cfg.Contracts))
	for _, c := range cfg.Contracts {
		addresses = append(addresses, common.HexToAddress(c))
	}

	return &Adapter{
		rpc:        rpc,
		addresses:  addresses,
		topics:     [][]common.Hash{WatchedTopics()},
		cfg:        cfg,
		logger:     logger,
		safeShard:  cfg.ShardSize,
		blockTimes: make(map[uint64]time.Time),
	}
}

// Head returns the latest chain block number.
func (a *Adapter) Head(ctx context.Context) (uint64, error) {
	head, err := a.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: head: %w", err)
	}
	return head, nil
}

// SafeShardSize reports the largest shard the provider has accepted so far,
// for checkpoint telemetry.
func (a *Adapter) SafeShardSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.safeShard
}

// FetchRange returns every watched event in [fromBlock, toBlock], ordered by
// (block_number, log_index), with block timestamps resolved.
func (a *Adapter) FetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]domain.RawEvent, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("chain: inverted range [%d, %d]", fromBlock, toBlock)
	}

	var events []domain.RawEvent
	cur := fromBlock
	for cur <= toBlock {
		shard := a.shardSize()
		end := cur + shard - 1
		if end > toBlock {
			end = toBlock
		}

		logs, err := a.fetchShard(ctx, cur, end)
		if err != nil {
			if errors.Is(err, domain.ErrResponseTooLarge) && shard > a.cfg.MinShardSize {
				a.shrinkShard(shard)
				continue
			}
			return nil, err
		}

		for _, lg := range logs {
			bt, err := a.blockTime(ctx, lg.BlockNumber)
			if err != nil {
				return nil, err
			}
			decoded, err := DecodeLog(lg, bt)
			if err != nil {
				a.logger.Warn("skipping undecodable log",
					slog.String("tx_hash", lg.TxHash.Hex()),
					slog.Uint64("block", lg.BlockNumber),
					slog.String("error", err.Error()),
				)
				continue
			}
			events = append(events, decoded...)
		}
		cur = end + 1
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

// fetchShard runs one FilterLogs call with exponential backoff on rate
// limits. Oversized responses surface immediately so the caller can halve
// the shard instead of burning retries.
func (a *Adapter) fetchShard(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: a.addresses,
		Topics:    a.topics,
	}

	backoff := a.cfg.BackoffBase
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		logs, err := a.rpc.FilterLogs(ctx, q)
		if err == nil {
			return logs, nil
		}
		lastErr = classifyRPCError(err)
		if errors.Is(lastErr, domain.ErrResponseTooLarge) {
			return nil, fmt.Errorf("chain: shard [%d, %d]: %w", fromBlock, toBlock, lastErr)
		}
		if !errors.Is(lastErr, domain.ErrRateLimited) {
			return nil, fmt.Errorf("chain: filter logs [%d, %d]: %w", fromBlock, toBlock, lastErr)
		}

		a.logger.Warn("rate limited, backing off",
			slog.Uint64("from_block", fromBlock),
			slog.Uint64("to_block", toBlock),
			slog.Duration("backoff", backoff),
			slog.Int("attempt", attempt+1),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: backoff interrupted: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.cfg.BackoffCap {
			backoff = a.cfg.BackoffCap
		}
	}
	return nil, fmt.Errorf("chain: filter logs [%d, %d] after %d retries: %w",
		fromBlock, toBlock, a.cfg.MaxRetries, lastErr)
}

func (a *Adapter) shardSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.safeShard
}

func (a *Adapter) shrinkShard(failed uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := failed / 2
	if next < a.cfg.MinShardSize {
		next = a.cfg.MinShardSize
	}
	if next < a.safeShard {
		a.safeShard = next
		a.logger.Info("shard size reduced after oversized response",
			slog.Uint64("shard_size", next))
	}
}

func (a *Adapter) blockTime(ctx context.Context, blockNumber uint64) (time.Time, error) {
	a.timeMu.Lock()
	if t, ok := a.blockTimes[blockNumber]; ok {
		a.timeMu.Unlock()
		return t, nil
	}
	a.timeMu.Unlock()

	header, err := a.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: header %d: %w", blockNumber, err)
	}
	t := time.Unix(int64(header.Time), 0).UTC()

	a.timeMu.Lock()
	a.blockTimes[blockNumber] = t
	a.timeMu.Unlock()
	return t, nil
}

// classifyRPCError maps provider error strings onto the sentinel errors the
// retry logic keys on. Providers do not agree on wording, so this matches
// the common phrasings.
func classifyRPCError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "query returned more than"),
		strings.Contains(msg, "response size exceeded"),
		strings.Contains(msg, "log response size"),
		strings.Contains(msg, "block range"):
		return fmt.Errorf("%w: %s", domain.ErrResponseTooLarge, err)
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "capacity exceeded"):
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, err)
	default:
		return err
	}
}
