package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const publishLockKey = "polyledger:snapshot:publish"

// keepRetired is how many retired generations stay around for rollback.
const keepRetired = 3

// Publisher builds snapshot generations out-of-place and makes them current
// with a single atomic swap. Readers only ever see a fully-built generation.
type Publisher struct {
	snapshots domain.SnapshotStore
	gate      *Gate
	locks     domain.LockManager
	lockTTL   time.Duration
	logger    *slog.Logger
	newID     func() string
}

func NewPublisher(snapshots domain.SnapshotStore, gate *Gate, locks domain.LockManager, lockTTL time.Duration, logger *slog.Logger) *Publisher {
	return &Publisher{
		snapshots: snapshots,
		gate:      gate,
		locks:     locks,
		lockTTL:   lockTTL,
		logger:    logger,
		newID:     uuid.NewString,
	}
}

// BuildInput is everything a rebuild produced for the next generation.
type BuildInput struct {
	Trades      []domain.CanonicalTrade
	Positions   []domain.WalletPosition
	Records     []domain.PnLRecord
	Resolutions []domain.MarketResolution
}

// Publish writes the derived state into a fresh generation, runs the
// consistency gate against it, and if every check passes swaps it in as
// current under the publish lock. A gate failure marks the generation failed
// and leaves the previously current one serving; nothing partially built is
// ever visible.
func (p *Publisher) Publish(ctx context.Context, in BuildInput) (string, error) {
	buildID := p.newID()
	log := p.logger.With(slog.String("build_id", buildID))

	if err := p.snapshots.CreateBuild(ctx, buildID); err != nil {
		return "", fmt.Errorf("publish: create build: %w", err)
	}
	log.Info("snapshot build started",
		slog.Int("positions", len(in.Positions)),
		slog.Int("pnl_records", len(in.Records)),
	)

	if err := p.snapshots.WritePositions(ctx, buildID, in.Positions); err != nil {
		p.markFailed(ctx, buildID)
		return "", fmt.Errorf("publish: write positions: %w", err)
	}
	if err := p.snapshots.WritePnL(ctx, buildID, in.Records); err != nil {
		p.markFailed(ctx, buildID)
		return "", fmt.Errorf("publish: write pnl records: %w", err)
	}

	if err := p.gate.Check(ctx, GateInput{
		Trades:      in.Trades,
		Records:     in.Records,
		Resolutions: in.Resolutions,
	}); err != nil {
		p.markFailed(ctx, buildID)
		log.Error("snapshot build blocked by consistency gate", slog.String("error", err.Error()))
		return "", err
	}

	unlock, err := p.locks.Acquire(ctx, publishLockKey, p.lockTTL)
	if err != nil {
		p.markFailed(ctx, buildID)
		return "", fmt.Errorf("publish: acquire publish lock: %w", err)
	}
	defer unlock()

	if err := p.snapshots.Publish(ctx, buildID); err != nil {
		p.markFailed(ctx, buildID)
		return "", fmt.Errorf("publish: swap generation: %w", err)
	}

	// Old generations beyond the rollback window are dead weight; pruning
	// them is housekeeping and never blocks a successful publish.
	if pruned, err := p.snapshots.PruneRetired(ctx, keepRetired); err != nil {
		log.Warn("retired generation prune failed", slog.String("error", err.Error()))
	} else if pruned > 0 {
		log.Info("retired generations pruned", slog.Int64("pruned", pruned))
	}

	log.Info("snapshot published")
	return buildID, nil
}

// Rollback re-activates the most recently retired generation in a single
// step, under the same lock as the forward swap.
func (p *Publisher) Rollback(ctx context.Context) error {
	unlock, err := p.locks.Acquire(ctx, publishLockKey, p.lockTTL)
	if err != nil {
		return fmt.Errorf("publish: acquire publish lock: %w", err)
	}
	defer unlock()

	if err := p.snapshots.Rollback(ctx); err != nil {
		return fmt.Errorf("publish: rollback: %w", err)
	}
	p.logger.Info("snapshot rolled back to prior generation")
	return nil
}

func (p *Publisher) markFailed(ctx context.Context, buildID string) {
	if err := p.snapshots.MarkFailed(ctx, buildID); err != nil {
		p.logger.Warn("could not mark snapshot build failed",
			slog.String("build_id", buildID),
			slog.String("error", err.Error()),
		)
	}
}
