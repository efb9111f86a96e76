package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// RawEventStore implements domain.RawEventStore on the append-only
// raw_events table.
type RawEventStore struct {
	pool *pgxpool.Pool
}

func NewRawEventStore(pool *pgxpool.Pool) *RawEventStore {
	return &RawEventStore{pool: pool}
}

var _ domain.RawEventStore = (*RawEventStore)(nil)

const rawEventInsert = `
	INSERT INTO raw_events (
		tx_hash, log_index, block_number, block_time,
		contract, event_kind, from_addr, to_addr, token_id, amount
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (tx_hash, log_index) DO NOTHING`

const rawEventSelectCols = `tx_hash, log_index, block_number, block_time,
	contract, event_kind, from_addr, to_addr, token_id, amount`

// InsertBatch appends events via pgx.Batch. Re-inserting an existing
// (tx_hash, log_index) is a no-op, which is what makes shard replays safe.
func (s *RawEventStore) InsertBatch(ctx context.Context, events []domain.RawEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		queueRawEvent(batch, ev)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert raw event batch item %d: %w", i, err)
		}
	}
	return nil
}

func queueRawEvent(batch *pgx.Batch, ev domain.RawEvent) {
	batch.Queue(rawEventInsert,
		ev.TxHash, int64(ev.LogIndex), int64(ev.BlockNumber), ev.BlockTime,
		ev.Contract, string(ev.Kind), ev.From, ev.To, ev.TokenID, ev.Amount,
	)
}

// Count returns the total number of stored raw events.
func (s *RawEventStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM raw_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count raw events: %w", err)
	}
	return n, nil
}

// ListRange returns events in [fromBlock, toBlock] in chain order.
func (s *RawEventStore) ListRange(ctx context.Context, fromBlock, toBlock uint64) ([]domain.RawEvent, error) {
	query := `SELECT ` + rawEventSelectCols + `
		FROM raw_events
		WHERE block_number >= $1 AND block_number <= $2
		ORDER BY block_number, log_index`

	rows, err := s.pool.Query(ctx, query, int64(fromBlock), int64(toBlock))
	if err != nil {
		return nil, fmt.Errorf("postgres: list raw events: %w", err)
	}
	defer rows.Close()

	events, err := scanRawEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan raw events: %w", err)
	}
	return events, nil
}

func scanRawEvents(rows pgx.Rows) ([]domain.RawEvent, error) {
	var events []domain.RawEvent
	for rows.Next() {
		var (
			ev        domain.RawEvent
			logIndex  int64
			blockNum  int64
			eventKind string
		)
		if err := rows.Scan(
			&ev.TxHash, &logIndex, &blockNum, &ev.BlockTime,
			&ev.Contract, &eventKind, &ev.From, &ev.To, &ev.TokenID, &ev.Amount,
		); err != nil {
			return nil, err
		}
		ev.LogIndex = uint32(logIndex)
		ev.BlockNumber = uint64(blockNum)
		ev.Kind = domain.EventKind(eventKind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
