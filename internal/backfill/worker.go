// Package backfill drives the historical replay: a fixed set of workers, each
// owning a disjoint block partition, fetching shards, normalizing them into
// canonical trades, and committing each shard atomically with its checkpoint
// advance.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/ingest"
)

// Fetcher yields the raw events of one block range, ordered by
// (block_number, log_index).
type Fetcher interface {
	FetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]domain.RawEvent, error)
}

// Worker processes one block partition shard by shard. A shard either
// commits completely (events, trades, checkpoint advance in one transaction)
// or not at all, so a crash mid-shard replays it without gaps or duplicates.
type Worker struct {
	id          int
	fetcher     Fetcher
	normalizer  *ingest.Normalizer
	committer   domain.ShardCommitter
	checkpoints domain.CheckpointStore
	shardSize   uint64
	logger      *slog.Logger
	now         func() time.Time
}

func NewWorker(id int, fetcher Fetcher, committer domain.ShardCommitter, checkpoints domain.CheckpointStore, shardSize uint64, logger *slog.Logger) *Worker {
	if shardSize == 0 {
		shardSize = 2000
	}
	return &Worker{
		id:          id,
		fetcher:     fetcher,
		normalizer:  ingest.NewNormalizer(),
		committer:   committer,
		checkpoints: checkpoints,
		shardSize:   shardSize,
		logger:      logger.With(slog.Int("worker_id", id)),
		now:         time.Now,
	}
}

// Run processes [fromBlock, toBlock]. If a checkpoint for the same partition
// exists the worker resumes at LastProcessedBlock+1; a checkpoint for a
// different partition is replaced. A shard that exhausts its retries is
// recorded on the checkpoint and skipped rather than aborting the partition.
func (w *Worker) Run(ctx context.Context, fromBlock, toBlock uint64) error {
	if fromBlock == 0 {
		// Keeps LastProcessedBlock = FromBlock-1 well defined; nothing of
		// interest lives in the genesis block anyway.
		fromBlock = 1
	}
	cp, err := w.loadOrInit(ctx, fromBlock, toBlock)
	if err != nil {
		return err
	}
	if cp.Done() {
		w.logger.Info("partition already complete",
			slog.Uint64("from_block", fromBlock),
			slog.Uint64("to_block", toBlock),
		)
		return nil
	}

	cur := fromBlock
	if cp.LastProcessedBlock >= fromBlock {
		cur = cp.LastProcessedBlock + 1
		w.logger.Info("resuming from checkpoint", slog.Uint64("next_block", cur))
	}

	for cur <= toBlock {
		if ctx.Err() != nil {
			return nil
		}
		end := cur + w.shardSize - 1
		if end > toBlock {
			end = toBlock
		}

		if err := w.processShard(ctx, cur, end); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			w.logger.Error("shard failed, recording and moving on",
				slog.Uint64("from_block", cur),
				slog.Uint64("to_block", end),
				slog.String("error", err.Error()),
			)
			if recErr := w.recordShardError(ctx, cur, end, err); recErr != nil {
				return recErr
			}
		}
		cur = end + 1
	}

	w.logger.Info("partition complete")
	return nil
}

// ProcessShard fetches, normalizes, and commits exactly one shard. The
// coordinator uses it directly to re-run recorded error shards.
func (w *Worker) ProcessShard(ctx context.Context, fromBlock, toBlock uint64) error {
	return w.processShard(ctx, fromBlock, toBlock)
}

func (w *Worker) processShard(ctx context.Context, fromBlock, toBlock uint64) error {
	events, err := w.fetcher.FetchRange(ctx, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("backfill: fetch shard [%d, %d]: %w", fromBlock, toBlock, err)
	}

	var legs []domain.TradeLeg
	for _, ev := range events {
		evLegs, err := w.normalizer.Normalize(ev)
		if err != nil {
			// Malformed events are quarantined in the log, never fatal.
			w.logger.Warn("skipping malformed event",
				slog.String("tx_hash", ev.TxHash),
				slog.Uint64("block", ev.BlockNumber),
				slog.String("error", err.Error()),
			)
			continue
		}
		legs = append(legs, evLegs...)
	}

	trades := ingest.Dedupe(ingest.BuildTrades(legs))

	if err := w.committer.CommitShard(ctx, domain.ShardResult{
		WorkerID:  w.id,
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Events:    events,
		Trades:    trades,
	}); err != nil {
		return fmt.Errorf("backfill: commit shard [%d, %d]: %w", fromBlock, toBlock, err)
	}

	w.logger.Debug("shard committed",
		slog.Uint64("from_block", fromBlock),
		slog.Uint64("to_block", toBlock),
		slog.Int("events", len(events)),
		slog.Int("trades", len(trades)),
	)
	return nil
}

func (w *Worker) loadOrInit(ctx context.Context, fromBlock, toBlock uint64) (domain.Checkpoint, error) {
	cp, err := w.checkpoints.Get(ctx, w.id)
	switch {
	case err == nil && cp.FromBlock == fromBlock && cp.ToBlock == toBlock:
		return cp, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return domain.Checkpoint{}, fmt.Errorf("backfill: load checkpoint: %w", err)
	}

	cp = domain.Checkpoint{
		WorkerID:  w.id,
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		// LastProcessedBlock below FromBlock means nothing is done yet.
		LastProcessedBlock: fromBlock - 1,
		StartedAt:          w.now(),
		UpdatedAt:          w.now(),
	}
	if err := w.checkpoints.Upsert(ctx, cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("backfill: init checkpoint: %w", err)
	}
	return cp, nil
}

func (w *Worker) recordShardError(ctx context.Context, fromBlock, toBlock uint64, cause error) error {
	cp, err := w.checkpoints.Get(ctx, w.id)
	if err != nil {
		return fmt.Errorf("backfill: load checkpoint for error record: %w", err)
	}
	cp.Errors = append(cp.Errors, domain.ShardError{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Reason:    cause.Error(),
		At:        w.now(),
	})
	cp.UpdatedAt = w.now()
	if err := w.checkpoints.Upsert(ctx, cp); err != nil {
		return fmt.Errorf("backfill: persist shard error: %w", err)
	}
	return nil
}
