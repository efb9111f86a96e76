package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// ResolutionStore implements domain.ResolutionStore. The primary key on
// market_id is what guarantees one authoritative row per market.
type ResolutionStore struct {
	pool *pgxpool.Pool
}

func NewResolutionStore(pool *pgxpool.Pool) *ResolutionStore {
	return &ResolutionStore{pool: pool}
}

var _ domain.ResolutionStore = (*ResolutionStore)(nil)

// Upsert writes the aggregated resolution for a market, replacing any prior
// row. The aggregator already applied source priority, so the newest write
// is the authoritative one.
func (s *ResolutionStore) Upsert(ctx context.Context, res domain.MarketResolution) error {
	const query = `
		INSERT INTO market_resolutions (
			market_id, payout_numerators, payout_denominator,
			winning_index, resolved_at, source
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id) DO UPDATE SET
			payout_numerators = EXCLUDED.payout_numerators,
			payout_denominator = EXCLUDED.payout_denominator,
			winning_index = EXCLUDED.winning_index,
			resolved_at = EXCLUDED.resolved_at,
			source = EXCLUDED.source`

	_, err := s.pool.Exec(ctx, query,
		res.MarketID, res.PayoutNumerators, res.PayoutDenominator,
		res.WinningIndex, res.ResolvedAt, string(res.Source),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert resolution %s: %w", res.MarketID, err)
	}
	return nil
}

// GetByMarket returns the resolution for one canonical market id.
func (s *ResolutionStore) GetByMarket(ctx context.Context, marketID string) (domain.MarketResolution, error) {
	const query = `
		SELECT market_id, payout_numerators, payout_denominator,
			winning_index, resolved_at, source
		FROM market_resolutions WHERE market_id = $1`

	var (
		res    domain.MarketResolution
		source string
	)
	err := s.pool.QueryRow(ctx, query, marketID).Scan(
		&res.MarketID, &res.PayoutNumerators, &res.PayoutDenominator,
		&res.WinningIndex, &res.ResolvedAt, &source,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MarketResolution{}, fmt.Errorf("postgres: resolution %s: %w", marketID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.MarketResolution{}, fmt.Errorf("postgres: get resolution %s: %w", marketID, err)
	}
	res.Source = domain.ResolutionSource(source)
	return res, nil
}

// ListAll returns every resolution ordered by market id.
func (s *ResolutionStore) ListAll(ctx context.Context) ([]domain.MarketResolution, error) {
	const query = `
		SELECT market_id, payout_numerators, payout_denominator,
			winning_index, resolved_at, source
		FROM market_resolutions ORDER BY market_id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolutions: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketResolution
	for rows.Next() {
		var (
			res    domain.MarketResolution
			source string
		)
		if err := rows.Scan(
			&res.MarketID, &res.PayoutNumerators, &res.PayoutDenominator,
			&res.WinningIndex, &res.ResolvedAt, &source,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan resolution: %w", err)
		}
		res.Source = domain.ResolutionSource(source)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate resolutions: %w", err)
	}
	return out, nil
}
