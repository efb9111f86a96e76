package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Backfiller drives the checkpointed historical ingest.
type Backfiller interface {
	Run(ctx context.Context, fromBlock, toBlock uint64) error
	RetryErrors(ctx context.Context) error
}

// HeadSource reports the current chain head.
type HeadSource interface {
	Head(ctx context.Context) (uint64, error)
}

// Runner is a long-running loop, such as the websocket price feed.
type Runner interface {
	Run(ctx context.Context) error
}

// OrchestratorConfig sets the block window and loop cadence.
type OrchestratorConfig struct {
	StartBlock      uint64
	Confirmations   uint64
	SyncInterval    time.Duration
	RebuildInterval time.Duration
	PriceInterval   time.Duration
}

// Orchestrator sequences the whole pipeline: one historical backfill up to
// the confirmed head, then the recurring loops (resolution sync, price
// refresh, rebuild) plus the live price feed, all under one errgroup.
type Orchestrator struct {
	cfg        OrchestratorConfig
	head       HeadSource
	backfiller Backfiller
	syncer     *ResolutionSyncer
	refresher  *PriceRefresher
	rebuilder  *Rebuilder
	priceFeed  Runner
	logger     *slog.Logger
}

func NewOrchestrator(
	cfg OrchestratorConfig,
	head HeadSource,
	backfiller Backfiller,
	syncer *ResolutionSyncer,
	refresher *PriceRefresher,
	rebuilder *Rebuilder,
	priceFeed Runner,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		head:       head,
		backfiller: backfiller,
		syncer:     syncer,
		refresher:  refresher,
		rebuilder:  rebuilder,
		priceFeed:  priceFeed,
		logger:     logger,
	}
}

// confirmedHead returns the newest block considered final.
func (o *Orchestrator) confirmedHead(ctx context.Context) (uint64, error) {
	head, err := o.head.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipeline: chain head: %w", err)
	}
	if head <= o.cfg.Confirmations {
		return 0, fmt.Errorf("pipeline: head %d below confirmation depth %d", head, o.cfg.Confirmations)
	}
	return head - o.cfg.Confirmations, nil
}

// Run executes the startup sequence and then the recurring loops. It blocks
// until ctx is cancelled or a loop fails fatally.
func (o *Orchestrator) Run(ctx context.Context) error {
	target, err := o.confirmedHead(ctx)
	if err != nil {
		return err
	}

	o.logger.Info("pipeline starting",
		slog.Uint64("start_block", o.cfg.StartBlock),
		slog.Uint64("target_block", target),
	)

	if err := o.backfiller.Run(ctx, o.cfg.StartBlock, target); err != nil {
		return fmt.Errorf("pipeline: backfill: %w", err)
	}
	if err := o.backfiller.RetryErrors(ctx); err != nil {
		o.logger.Error("error-shard retry pass failed", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return nil
	}

	// First resolution pass and rebuild before the loops take over, so a
	// fresh deployment serves a snapshot as soon as Run settles.
	if _, err := o.syncer.Sync(ctx, o.cfg.StartBlock, target); err != nil {
		o.logger.Error("initial resolution sync failed", slog.String("error", err.Error()))
	}
	if _, err := o.rebuilder.Rebuild(ctx); err != nil {
		o.logger.Error("initial rebuild failed", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.logger.Info("starting resolution sync loop")
		err := o.syncer.RunLoop(ctx, o.cfg.SyncInterval, func(ctx context.Context) (uint64, uint64, error) {
			to, err := o.confirmedHead(ctx)
			return o.cfg.StartBlock, to, err
		})
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("resolution sync: %w", err)
	})

	g.Go(func() error {
		o.logger.Info("starting rebuild loop")
		err := o.rebuilder.RunLoop(ctx, o.cfg.RebuildInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("rebuild: %w", err)
	})

	if o.refresher != nil {
		g.Go(func() error {
			o.logger.Info("starting price refresher loop")
			err := o.refresher.RunLoop(ctx, o.cfg.PriceInterval)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("price refresher: %w", err)
		})
	}

	if o.priceFeed != nil {
		g.Go(func() error {
			o.logger.Info("starting price feed")
			err := o.priceFeed.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("price feed: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline stopped cleanly")
	return nil
}
