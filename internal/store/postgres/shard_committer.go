package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// ShardCommitter implements domain.ShardCommitter: raw events, canonical
// trades, and the checkpoint advance land in one transaction, so a crash
// between any two of them cannot leave a shard half applied.
type ShardCommitter struct {
	pool *pgxpool.Pool
}

func NewShardCommitter(pool *pgxpool.Pool) *ShardCommitter {
	return &ShardCommitter{pool: pool}
}

var _ domain.ShardCommitter = (*ShardCommitter)(nil)

// CommitShard applies one fully-processed shard. The checkpoint advance
// uses GREATEST so an error-shard re-run committing an older range never
// moves the watermark backwards.
func (c *ShardCommitter) CommitShard(ctx context.Context, res domain.ShardResult) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin shard tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, ev := range res.Events {
		queueRawEvent(batch, ev)
	}
	for _, t := range res.Trades {
		queueTrade(batch, t)
	}

	const advance = `
		UPDATE checkpoints SET
			last_processed_block = GREATEST(last_processed_block, $2),
			events_seen = events_seen + $3,
			trades_written = trades_written + $4,
			updated_at = NOW()
		WHERE worker_id = $1`
	batch.Queue(advance,
		res.WorkerID, int64(res.ToBlock), int64(len(res.Events)), int64(len(res.Trades)))

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: commit shard [%d, %d] item %d: %w",
				res.FromBlock, res.ToBlock, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close shard batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit shard [%d, %d]: %w", res.FromBlock, res.ToBlock, err)
	}
	return nil
}
