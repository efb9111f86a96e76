package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore. Derived rows are tagged
// with their build id; only the registry row in snapshots changes status, so
// making a generation current is a metadata flip, not a data copy.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// CreateBuild registers a new generation in building state.
func (s *SnapshotStore) CreateBuild(ctx context.Context, buildID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (build_id, status) VALUES ($1, $2)`,
		buildID, string(domain.SnapshotBuilding))
	if err != nil {
		return fmt.Errorf("postgres: create snapshot build %s: %w", buildID, err)
	}
	return nil
}

// WritePositions bulk-writes the position rows of one building generation.
func (s *SnapshotStore) WritePositions(ctx context.Context, buildID string, positions []domain.WalletPosition) error {
	if len(positions) == 0 {
		return s.setCount(ctx, buildID, "positions", 0)
	}

	rows := make([][]any, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, []any{buildID, p.Wallet, p.MarketID, p.OutcomeIndex, p.NetShares, p.CostBasis})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"snapshot_positions"},
		[]string{"build_id", "wallet", "market_id", "outcome_index", "net_shares", "cost_basis"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: write snapshot positions %s: %w", buildID, err)
	}
	return s.setCount(ctx, buildID, "positions", int64(len(positions)))
}

// WritePnL bulk-writes the PnL rows of one building generation. Nil PnL
// stays NULL in the table; readers must see missing data as missing.
func (s *SnapshotStore) WritePnL(ctx context.Context, buildID string, records []domain.PnLRecord) error {
	if len(records) == 0 {
		return s.setCount(ctx, buildID, "pnl_records", 0)
	}

	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			buildID, r.Wallet, r.MarketID, r.OutcomeIndex,
			r.RealizedPnL, r.UnrealizedPnL, string(r.Coverage),
		})
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"snapshot_pnl"},
		[]string{"build_id", "wallet", "market_id", "outcome_index", "realized_pnl", "unrealized_pnl", "coverage"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: write snapshot pnl %s: %w", buildID, err)
	}
	return s.setCount(ctx, buildID, "pnl_records", int64(len(records)))
}

func (s *SnapshotStore) setCount(ctx context.Context, buildID, column string, n int64) error {
	// column is one of two literals chosen by the caller, never user input.
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE snapshots SET %s = $2 WHERE build_id = $1`, column),
		buildID, n)
	if err != nil {
		return fmt.Errorf("postgres: set snapshot %s count %s: %w", column, buildID, err)
	}
	return nil
}

// Publish retires the current generation and makes buildID current, in one
// transaction. The partial unique index on status guarantees readers never
// observe two current generations.
func (s *SnapshotStore) Publish(ctx context.Context, buildID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE snapshots SET status = $1, retired_at = NOW() WHERE status = $2`,
		string(domain.SnapshotRetired), string(domain.SnapshotCurrent)); err != nil {
		return fmt.Errorf("postgres: retire current snapshot: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE snapshots SET status = $1, published_at = NOW()
		WHERE build_id = $2 AND status = $3`,
		string(domain.SnapshotCurrent), buildID, string(domain.SnapshotBuilding))
	if err != nil {
		return fmt.Errorf("postgres: publish snapshot %s: %w", buildID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: snapshot %s not in building state: %w", buildID, domain.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit publish %s: %w", buildID, err)
	}
	return nil
}

// MarkFailed flags a building generation that did not pass the gate.
func (s *SnapshotStore) MarkFailed(ctx context.Context, buildID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE snapshots SET status = $1 WHERE build_id = $2`,
		string(domain.SnapshotFailed), buildID)
	if err != nil {
		return fmt.Errorf("postgres: mark snapshot failed %s: %w", buildID, err)
	}
	return nil
}

// Rollback re-activates the most recently retired generation and retires the
// current one, in one transaction.
func (s *SnapshotStore) Rollback(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin rollback tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prior string
	err = tx.QueryRow(ctx,
		`SELECT build_id FROM snapshots WHERE status = $1
		ORDER BY retired_at DESC NULLS LAST LIMIT 1`,
		string(domain.SnapshotRetired)).Scan(&prior)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: no retired snapshot to roll back to: %w", domain.ErrNoCurrentSnapshot)
	}
	if err != nil {
		return fmt.Errorf("postgres: find retired snapshot: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE snapshots SET status = $1, retired_at = NOW() WHERE status = $2`,
		string(domain.SnapshotRetired), string(domain.SnapshotCurrent)); err != nil {
		return fmt.Errorf("postgres: retire current snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE snapshots SET status = $1 WHERE build_id = $2`,
		string(domain.SnapshotCurrent), prior); err != nil {
		return fmt.Errorf("postgres: reactivate snapshot %s: %w", prior, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit rollback: %w", err)
	}
	return nil
}

// Current returns the currently published generation.
func (s *SnapshotStore) Current(ctx context.Context) (domain.Snapshot, error) {
	var (
		snap   domain.Snapshot
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT build_id, status, created_at, published_at, positions, pnl_records
		FROM snapshots WHERE status = $1`,
		string(domain.SnapshotCurrent)).Scan(
		&snap.BuildID, &status, &snap.CreatedAt, &snap.PublishedAt,
		&snap.Positions, &snap.PnLRecords)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Snapshot{}, domain.ErrNoCurrentSnapshot
	}
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("postgres: current snapshot: %w", err)
	}
	snap.Status = domain.SnapshotStatus(status)
	return snap, nil
}

// PnLByWallet returns one wallet's PnL rows from the named generation.
func (s *SnapshotStore) PnLByWallet(ctx context.Context, buildID, wallet string) ([]domain.PnLRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wallet, market_id, outcome_index, realized_pnl, unrealized_pnl, coverage
		FROM snapshot_pnl
		WHERE build_id = $1 AND wallet = $2
		ORDER BY market_id, outcome_index`, buildID, wallet)
	if err != nil {
		return nil, fmt.Errorf("postgres: pnl by wallet: %w", err)
	}
	defer rows.Close()

	var out []domain.PnLRecord
	for rows.Next() {
		var (
			r        domain.PnLRecord
			coverage string
		)
		if err := rows.Scan(
			&r.Wallet, &r.MarketID, &r.OutcomeIndex,
			&r.RealizedPnL, &r.UnrealizedPnL, &coverage,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan pnl record: %w", err)
		}
		r.Coverage = domain.CoverageQuality(coverage)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate pnl records: %w", err)
	}
	return out, nil
}

// PruneRetired deletes all but the newest keep retired generations; their
// derived rows cascade. Failed generations older than the newest retired one
// go with them.
func (s *SnapshotStore) PruneRetired(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM snapshots WHERE build_id IN (
			SELECT build_id FROM snapshots
			WHERE status IN ($1, $2)
			ORDER BY COALESCE(retired_at, created_at) DESC
			OFFSET $3
		)`,
		string(domain.SnapshotRetired), string(domain.SnapshotFailed), keep)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune retired snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
