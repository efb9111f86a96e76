package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Coordinator statically partitions a block range across a fixed worker
// count. Partitions are contiguous and disjoint, and each worker owns its
// checkpoint row outright, so workers share no mutable state and need no
// work-stealing.
type Coordinator struct {
	workers     []*Worker
	checkpoints domain.CheckpointStore
	logger      *slog.Logger
}

func NewCoordinator(fetcher Fetcher, committer domain.ShardCommitter, checkpoints domain.CheckpointStore, workerCount int, shardSize uint64, logger *slog.Logger) *Coordinator {
	if workerCount <= 0 {
		workerCount = 1
	}
	workers := make([]*Worker, workerCount)
	for i := range workers {
		workers[i] = NewWorker(i, fetcher, committer, checkpoints, shardSize, logger)
	}
	return &Coordinator{
		workers:     workers,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// Partition splits [fromBlock, toBlock] into count contiguous ranges. The
// last partition absorbs the remainder.
func Partition(fromBlock, toBlock uint64, count int) [][2]uint64 {
	if fromBlock > toBlock || count <= 0 {
		return nil
	}
	total := toBlock - fromBlock + 1
	span := total / uint64(count)
	if span == 0 {
		span = 1
	}

	var parts [][2]uint64
	cur := fromBlock
	for i := 0; i < count && cur <= toBlock; i++ {
		end := cur + span - 1
		if i == count-1 || end > toBlock {
			end = toBlock
		}
		parts = append(parts, [2]uint64{cur, end})
		cur = end + 1
	}
	return parts
}

// Run backfills [fromBlock, toBlock] with every worker on its own partition.
// One failing worker cancels the rest; workers finishing on context
// cancellation return clean so shutdown is not an error.
func (c *Coordinator) Run(ctx context.Context, fromBlock, toBlock uint64) error {
	parts := Partition(fromBlock, toBlock, len(c.workers))
	if len(parts) == 0 {
		return fmt.Errorf("backfill: empty block range [%d, %d]", fromBlock, toBlock)
	}

	c.logger.Info("backfill starting",
		slog.Uint64("from_block", fromBlock),
		slog.Uint64("to_block", toBlock),
		slog.Int("workers", len(parts)),
	)

	g, ctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		worker, span := c.workers[i], part
		g.Go(func() error {
			return worker.Run(ctx, span[0], span[1])
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	c.logger.Info("backfill finished")
	return nil
}

// Status returns every worker checkpoint for progress reporting.
func (c *Coordinator) Status(ctx context.Context) ([]domain.Checkpoint, error) {
	cps, err := c.checkpoints.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("backfill: list checkpoints: %w", err)
	}
	return cps, nil
}

// RetryErrors re-runs every recorded error shard. A shard that now commits
// is removed from its checkpoint's error list; one that fails again stays.
func (c *Coordinator) RetryErrors(ctx context.Context) error {
	cps, err := c.checkpoints.List(ctx)
	if err != nil {
		return fmt.Errorf("backfill: list checkpoints: %w", err)
	}

	for _, cp := range cps {
		if len(cp.Errors) == 0 {
			continue
		}
		if cp.WorkerID < 0 || cp.WorkerID >= len(c.workers) {
			c.logger.Warn("checkpoint for unknown worker", slog.Int("worker_id", cp.WorkerID))
			continue
		}
		worker := c.workers[cp.WorkerID]

		var remaining []domain.ShardError
		for _, se := range cp.Errors {
			if ctx.Err() != nil {
				return nil
			}
			if err := worker.ProcessShard(ctx, se.FromBlock, se.ToBlock); err != nil {
				c.logger.Error("error shard failed again",
					slog.Int("worker_id", cp.WorkerID),
					slog.Uint64("from_block", se.FromBlock),
					slog.Uint64("to_block", se.ToBlock),
					slog.String("error", err.Error()),
				)
				remaining = append(remaining, se)
				continue
			}
			c.logger.Info("error shard recovered",
				slog.Int("worker_id", cp.WorkerID),
				slog.Uint64("from_block", se.FromBlock),
				slog.Uint64("to_block", se.ToBlock),
			)
		}

		if len(remaining) != len(cp.Errors) {
			// Re-read: ProcessShard commits moved the checkpoint forward.
			fresh, err := c.checkpoints.Get(ctx, cp.WorkerID)
			if err != nil {
				return fmt.Errorf("backfill: reload checkpoint %d: %w", cp.WorkerID, err)
			}
			fresh.Errors = remaining
			if err := c.checkpoints.Upsert(ctx, fresh); err != nil {
				return fmt.Errorf("backfill: persist checkpoint %d: %w", cp.WorkerID, err)
			}
		}
	}
	return nil
}
