// Package pipeline wires the long-running loops together: backfill,
// resolution sync, live price refresh, and the periodic rebuild that ends in
// an atomic snapshot publish.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/resolution"
)

// OnchainResolutionSource fetches oracle resolution events from a block range.
type OnchainResolutionSource interface {
	FetchRange(ctx context.Context, fromBlock, toBlock uint64) ([]domain.ResolutionCandidate, error)
}

// CuratedResolutionSource pages resolved markets out of the catalog API.
type CuratedResolutionSource interface {
	ListResolvedCandidates(ctx context.Context, limit, offset int) ([]domain.ResolutionCandidate, error)
}

// ResolutionSyncer gathers resolution candidates from every source, runs them
// through the aggregator, and persists the surviving resolutions. The store
// only ever holds aggregated rows; raw candidates never touch it.
type ResolutionSyncer struct {
	onchain    OnchainResolutionSource
	curated    CuratedResolutionSource
	aggregator *resolution.Aggregator
	store      domain.ResolutionStore
	logger     *slog.Logger
}

func NewResolutionSyncer(
	onchain OnchainResolutionSource,
	curated CuratedResolutionSource,
	aggregator *resolution.Aggregator,
	store domain.ResolutionStore,
	logger *slog.Logger,
) *ResolutionSyncer {
	return &ResolutionSyncer{
		onchain:    onchain,
		curated:    curated,
		aggregator: aggregator,
		store:      store,
		logger:     logger,
	}
}

// Sync runs one full pass: onchain candidates from the block range, every
// curated page, aggregation, upsert. Returns the number of markets resolved
// in this pass.
func (s *ResolutionSyncer) Sync(ctx context.Context, fromBlock, toBlock uint64) (int, error) {
	var candidates []domain.ResolutionCandidate

	if s.onchain != nil {
		onchain, err := s.onchain.FetchRange(ctx, fromBlock, toBlock)
		if err != nil {
			return 0, fmt.Errorf("pipeline: onchain resolutions [%d, %d]: %w", fromBlock, toBlock, err)
		}
		candidates = append(candidates, onchain...)
	}

	if s.curated != nil {
		curated, err := s.fetchCurated(ctx)
		if err != nil {
			return 0, fmt.Errorf("pipeline: curated resolutions: %w", err)
		}
		candidates = append(candidates, curated...)
	}

	resolutions, stats, err := s.aggregator.Aggregate(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("pipeline: aggregate resolutions: %w", err)
	}
	s.logger.Info("resolution sync aggregated",
		slog.Int("candidates", len(candidates)),
		slog.Int("resolved", stats.Resolved),
		slog.Int("rejected", stats.Rejected),
		slog.Int("conflicted", stats.Conflicted),
	)

	for _, res := range resolutions {
		if err := s.store.Upsert(ctx, res); err != nil {
			return 0, fmt.Errorf("pipeline: store resolution %s: %w", res.MarketID, err)
		}
	}
	return len(resolutions), nil
}

func (s *ResolutionSyncer) fetchCurated(ctx context.Context) ([]domain.ResolutionCandidate, error) {
	const pageSize = 100
	var out []domain.ResolutionCandidate

	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.curated.ListResolvedCandidates(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("page at offset %d: %w", offset, err)
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}

// RunLoop re-syncs on a fixed interval until ctx is cancelled. A failing pass
// is logged and retried on the next tick, never fatal.
func (s *ResolutionSyncer) RunLoop(ctx context.Context, interval time.Duration, blockRange func(context.Context) (uint64, uint64, error)) error {
	sync := func() {
		from, to, err := blockRange(ctx)
		if err != nil {
			s.logger.Error("resolution sync block range failed", slog.String("error", err.Error()))
			return
		}
		if _, err := s.Sync(ctx, from, to); err != nil {
			s.logger.Error("resolution sync failed", slog.String("error", err.Error()))
		}
	}

	sync()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("resolution sync loop stopped")
			return ctx.Err()
		case <-ticker.C:
			sync()
		}
	}
}
