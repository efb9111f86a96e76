package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore, one row per worker.
// Shard errors serialize as a JSONB array on the row.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

var _ domain.CheckpointStore = (*CheckpointStore)(nil)

const checkpointSelectCols = `worker_id, from_block, to_block, last_processed_block,
	events_seen, trades_written, errors, started_at, updated_at`

// Get returns one worker's checkpoint.
func (s *CheckpointStore) Get(ctx context.Context, workerID int) (domain.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+checkpointSelectCols+` FROM checkpoints WHERE worker_id = $1`, workerID)

	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Checkpoint{}, fmt.Errorf("postgres: checkpoint %d: %w", workerID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("postgres: get checkpoint %d: %w", workerID, err)
	}
	return cp, nil
}

// Upsert writes the full checkpoint row.
func (s *CheckpointStore) Upsert(ctx context.Context, cp domain.Checkpoint) error {
	errorsJSON, err := json.Marshal(cp.Errors)
	if err != nil {
		return fmt.Errorf("postgres: marshal shard errors: %w", err)
	}
	if cp.Errors == nil {
		errorsJSON = []byte("[]")
	}

	const query = `
		INSERT INTO checkpoints (
			worker_id, from_block, to_block, last_processed_block,
			events_seen, trades_written, errors, started_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (worker_id) DO UPDATE SET
			from_block = EXCLUDED.from_block,
			to_block = EXCLUDED.to_block,
			last_processed_block = EXCLUDED.last_processed_block,
			events_seen = EXCLUDED.events_seen,
			trades_written = EXCLUDED.trades_written,
			errors = EXCLUDED.errors,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		cp.WorkerID, int64(cp.FromBlock), int64(cp.ToBlock), int64(cp.LastProcessedBlock),
		cp.EventsSeen, cp.TradesWritten, errorsJSON, cp.StartedAt, cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert checkpoint %d: %w", cp.WorkerID, err)
	}
	return nil
}

// List returns every worker checkpoint ordered by worker id.
func (s *CheckpointStore) List(ctx context.Context) ([]domain.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkpointSelectCols+` FROM checkpoints ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate checkpoints: %w", err)
	}
	return out, nil
}

func scanCheckpoint(row pgx.Row) (domain.Checkpoint, error) {
	var (
		cp         domain.Checkpoint
		fromBlock  int64
		toBlock    int64
		lastBlock  int64
		errorsJSON []byte
	)
	if err := row.Scan(
		&cp.WorkerID, &fromBlock, &toBlock, &lastBlock,
		&cp.EventsSeen, &cp.TradesWritten, &errorsJSON, &cp.StartedAt, &cp.UpdatedAt,
	); err != nil {
		return domain.Checkpoint{}, err
	}
	cp.FromBlock = uint64(fromBlock)
	cp.ToBlock = uint64(toBlock)
	cp.LastProcessedBlock = uint64(lastBlock)
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &cp.Errors); err != nil {
			return domain.Checkpoint{}, fmt.Errorf("unmarshal shard errors: %w", err)
		}
	}
	return cp, nil
}
