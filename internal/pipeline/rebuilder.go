package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/publish"
	"github.com/alanyoungcy/polyledger/internal/settle"
)

// snapshotChannel carries published-build announcements to other processes.
const snapshotChannel = "polyledger:snapshots"

// SnapshotExporter uploads CSV extracts of a published generation.
type SnapshotExporter interface {
	ExportPositions(ctx context.Context, buildID string, positions []domain.WalletPosition) (int64, error)
	ExportPnL(ctx context.Context, buildID string, records []domain.PnLRecord) (int64, error)
}

// Rebuilder recomputes all derived state from the canonical trade log and
// publishes it as a new snapshot generation. Positions and PnL are always
// rebuilt from scratch; nothing derived is ever patched in place.
type Rebuilder struct {
	trades      domain.TradeStore
	resolutions domain.ResolutionStore
	engine      *settle.Engine
	publisher   *publish.Publisher
	bus         domain.SignalBus
	exporter    SnapshotExporter
	logger      *slog.Logger
}

func NewRebuilder(
	trades domain.TradeStore,
	resolutions domain.ResolutionStore,
	engine *settle.Engine,
	publisher *publish.Publisher,
	bus domain.SignalBus,
	exporter SnapshotExporter,
	logger *slog.Logger,
) *Rebuilder {
	return &Rebuilder{
		trades:      trades,
		resolutions: resolutions,
		engine:      engine,
		publisher:   publisher,
		bus:         bus,
		exporter:    exporter,
		logger:      logger,
	}
}

// Rebuild runs one full derive-and-publish cycle and returns the published
// build id. A gate failure surfaces as an error with the prior generation
// still serving.
func (r *Rebuilder) Rebuild(ctx context.Context) (string, error) {
	started := time.Now()

	trades, err := r.trades.ListAll(ctx)
	if err != nil {
		return "", fmt.Errorf("pipeline: list trades: %w", err)
	}
	resolved, err := r.resolutions.ListAll(ctx)
	if err != nil {
		return "", fmt.Errorf("pipeline: list resolutions: %w", err)
	}
	resolutionsByMarket := make(map[string]domain.MarketResolution, len(resolved))
	for _, res := range resolved {
		resolutionsByMarket[res.MarketID] = res
	}

	positions := settle.BuildPositions(trades)
	records, err := r.engine.Settle(ctx, positions, resolutionsByMarket)
	if err != nil {
		return "", fmt.Errorf("pipeline: settle: %w", err)
	}

	buildID, err := r.publisher.Publish(ctx, publish.BuildInput{
		Trades:      trades,
		Positions:   positions,
		Records:     records,
		Resolutions: resolved,
	})
	if err != nil {
		return "", err
	}

	r.logger.Info("rebuild published",
		slog.String("build_id", buildID),
		slog.Int("trades", len(trades)),
		slog.Int("positions", len(positions)),
		slog.Int("pnl_records", len(records)),
		slog.Duration("took", time.Since(started)),
	)

	r.announce(ctx, buildID)
	r.export(ctx, buildID, positions, records)
	return buildID, nil
}

// announce publishes the new build id on the signal bus. The snapshot is
// already current, so failures here only degrade freshness of listeners.
func (r *Rebuilder) announce(ctx context.Context, buildID string) {
	if r.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"build_id":     buildID,
		"published_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := r.bus.Publish(ctx, snapshotChannel, payload); err != nil {
		r.logger.Warn("snapshot announcement failed",
			slog.String("build_id", buildID),
			slog.String("error", err.Error()),
		)
	}
}

// export uploads CSV extracts of the published generation. Also non-fatal:
// the database copy is the source of truth.
func (r *Rebuilder) export(ctx context.Context, buildID string, positions []domain.WalletPosition, records []domain.PnLRecord) {
	if r.exporter == nil {
		return
	}
	if _, err := r.exporter.ExportPositions(ctx, buildID, positions); err != nil {
		r.logger.Warn("positions export failed",
			slog.String("build_id", buildID),
			slog.String("error", err.Error()),
		)
	}
	if _, err := r.exporter.ExportPnL(ctx, buildID, records); err != nil {
		r.logger.Warn("pnl export failed",
			slog.String("build_id", buildID),
			slog.String("error", err.Error()),
		)
	}
}

// RunLoop rebuilds on a fixed interval until ctx is cancelled. Gate failures
// are logged and retried next tick; the prior generation keeps serving.
func (r *Rebuilder) RunLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("rebuild loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Rebuild(ctx); err != nil {
				r.logger.Error("rebuild failed", slog.String("error", err.Error()))
			}
		}
	}
}
