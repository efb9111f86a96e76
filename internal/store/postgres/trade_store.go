package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// TradeStore implements domain.TradeStore on the canonical_trades table.
type TradeStore struct {
	pool *pgxpool.Pool
}

func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

var _ domain.TradeStore = (*TradeStore)(nil)

// Conflicting writes to the same trade key resolve last-write-wins on
// ingestion time, matching the in-memory dedup.
const tradeUpsert = `
	INSERT INTO canonical_trades (
		trade_key, wallet, market_id, outcome_index, direction,
		shares, price, usd_value, block_time, confidence, ingested_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (trade_key) DO UPDATE SET
		wallet = EXCLUDED.wallet,
		market_id = EXCLUDED.market_id,
		outcome_index = EXCLUDED.outcome_index,
		direction = EXCLUDED.direction,
		shares = EXCLUDED.shares,
		price = EXCLUDED.price,
		usd_value = EXCLUDED.usd_value,
		block_time = EXCLUDED.block_time,
		confidence = EXCLUDED.confidence,
		ingested_at = EXCLUDED.ingested_at
	WHERE EXCLUDED.ingested_at >= canonical_trades.ingested_at`

const tradeSelectCols = `trade_key, wallet, market_id, outcome_index, direction,
	shares, price, usd_value, block_time, confidence, ingested_at`

// UpsertBatch writes trades via pgx.Batch with last-write-wins semantics.
func (s *TradeStore) UpsertBatch(ctx context.Context, trades []domain.CanonicalTrade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		queueTrade(batch, t)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range trades {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert trade batch item %d: %w", i, err)
		}
	}
	return nil
}

func queueTrade(batch *pgx.Batch, t domain.CanonicalTrade) {
	batch.Queue(tradeUpsert,
		t.TradeKey, t.Wallet, t.MarketID, t.OutcomeIndex, string(t.Direction),
		t.Shares, t.Price, t.USDValue, t.BlockTime, string(t.Confidence), t.IngestedAt,
	)
}

// ListAll returns every canonical trade ordered by trade key, the order the
// rebuild consumes them in.
func (s *TradeStore) ListAll(ctx context.Context) ([]domain.CanonicalTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM canonical_trades ORDER BY trade_key`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// ListByWallet returns one wallet's trades in block-time order.
func (s *TradeStore) ListByWallet(ctx context.Context, wallet string) ([]domain.CanonicalTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM canonical_trades
		WHERE wallet = $1 ORDER BY block_time, trade_key`, wallet)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by wallet: %w", err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by wallet: %w", err)
	}
	return trades, nil
}

// Count returns the total number of canonical trades.
func (s *TradeStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM canonical_trades").Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count trades: %w", err)
	}
	return n, nil
}

func scanTrades(rows pgx.Rows) ([]domain.CanonicalTrade, error) {
	var trades []domain.CanonicalTrade
	for rows.Next() {
		var (
			t          domain.CanonicalTrade
			direction  string
			confidence string
		)
		if err := rows.Scan(
			&t.TradeKey, &t.Wallet, &t.MarketID, &t.OutcomeIndex, &direction,
			&t.Shares, &t.Price, &t.USDValue, &t.BlockTime, &confidence, &t.IngestedAt,
		); err != nil {
			return nil, err
		}
		t.Direction = domain.Direction(direction)
		t.Confidence = domain.Confidence(confidence)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
