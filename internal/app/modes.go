package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyledger/internal/backfill"
	"github.com/alanyoungcy/polyledger/internal/chain"
	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/feed"
	"github.com/alanyoungcy/polyledger/internal/pipeline"
	"github.com/alanyoungcy/polyledger/internal/platform/clob"
	"github.com/alanyoungcy/polyledger/internal/platform/gamma"
	"github.com/alanyoungcy/polyledger/internal/publish"
	"github.com/alanyoungcy/polyledger/internal/resolution"
	"github.com/alanyoungcy/polyledger/internal/server"
	"github.com/alanyoungcy/polyledger/internal/server/handler"
	"github.com/alanyoungcy/polyledger/internal/server/ws"
	"github.com/alanyoungcy/polyledger/internal/settle"
)

// publishLockTTL bounds how long a crashed rebuild can hold the publish lock.
const publishLockTTL = 5 * time.Minute

// shutdownTimeout is how long in-flight HTTP requests get to finish.
const shutdownTimeout = 10 * time.Second

// BackfillMode runs the historical ingest once, up to the confirmed head,
// retries any recorded error shards, and exits.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies) error {
	rpc, err := chain.Dial(ctx, a.cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer rpc.Close()

	adapter := a.newAdapter(rpc)
	coordinator := a.newCoordinator(adapter, deps)

	target, err := a.confirmedHead(ctx, adapter)
	if err != nil {
		return err
	}

	a.logger.Info("backfill starting",
		slog.Uint64("start_block", a.cfg.Chain.StartBlock),
		slog.Uint64("target_block", target),
	)
	if err := coordinator.Run(ctx, a.cfg.Chain.StartBlock, target); err != nil {
		return fmt.Errorf("app: backfill: %w", err)
	}
	if err := coordinator.RetryErrors(ctx); err != nil {
		a.logger.Error("error-shard retry pass failed", slog.String("error", err.Error()))
	}
	a.logger.Info("backfill complete")
	return nil
}

// RebuildMode runs one derive-and-publish cycle against the existing trade
// log and exits. Useful after tolerance changes or manual data repair.
func (a *App) RebuildMode(ctx context.Context, deps *Dependencies) error {
	rebuilder := a.newRebuilder(deps)
	buildID, err := rebuilder.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("app: rebuild: %w", err)
	}
	a.logger.Info("rebuild complete", slog.String("build_id", buildID))
	return nil
}

// ServeMode runs only the read API over the published snapshot state. No
// chain connection is made; the rebuild endpoint still works against the
// existing trade log.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	rebuilder := a.newRebuilder(deps)

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, rebuilder, nil)
	return g.Wait()
}

// FullMode runs everything: backfill to the confirmed head, the recurring
// sync and rebuild loops, live prices, and the HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	rpc, err := chain.Dial(ctx, a.cfg.Chain.RPCURL)
	if err != nil {
		return err
	}
	defer rpc.Close()

	adapter := a.newAdapter(rpc)
	coordinator := a.newCoordinator(adapter, deps)
	rebuilder := a.newRebuilder(deps)

	gammaClient := gamma.NewClient(a.cfg.Platform.GammaHost, deps.MarketCache, deps.RateLimiter)
	clobClient := clob.NewClient(a.cfg.Platform.ClobHost, deps.RateLimiter)

	aggregator := resolution.NewAggregator(gammaClient, a.logger)
	fetcher := chain.NewResolutionFetcher(rpc, a.logger)
	syncer := pipeline.NewResolutionSyncer(fetcher, gammaClient, aggregator, deps.ResolutionStore, a.logger)

	// The tracked token set is fixed at startup: every market in the trade
	// log that has not resolved yet. New markets are picked up on restart.
	tokens, err := a.buildTokenMap(ctx, deps, gammaClient)
	if err != nil {
		a.logger.Warn("token map build failed, live prices disabled", slog.String("error", err.Error()))
		tokens = map[string]feed.TokenRef{}
	}

	refresher := pipeline.NewPriceRefresher(clobClient, tokens, deps.PriceCache, a.logger)

	var priceFeed pipeline.Runner
	if a.cfg.Pipeline.PriceFeed && len(tokens) > 0 {
		priceFeed = feed.NewPriceFeed(a.cfg.Platform.WsHost+"/ws/market", tokens, deps.PriceCache, a.logger)
	}

	orchestrator := pipeline.NewOrchestrator(
		pipeline.OrchestratorConfig{
			StartBlock:      a.cfg.Chain.StartBlock,
			Confirmations:   a.cfg.Chain.Confirmations,
			SyncInterval:    a.cfg.Pipeline.SyncInterval.Duration,
			RebuildInterval: a.cfg.Pipeline.RebuildInterval.Duration,
			PriceInterval:   a.cfg.Pipeline.PriceInterval.Duration,
		},
		adapter,
		coordinator,
		syncer,
		refresher,
		rebuilder,
		priceFeed,
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := orchestrator.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return err
	})

	a.startServer(ctx, g, deps, rebuilder, coordinator)
	return g.Wait()
}

// newAdapter builds the shard-sizing log fetcher over the dialed RPC client.
func (a *App) newAdapter(rpc chain.RPC) *chain.Adapter {
	return chain.NewAdapter(rpc, chain.AdapterConfig{
		Contracts:    []string{chain.CTFAddress, chain.USDCeAddress},
		ShardSize:    a.cfg.Chain.ShardSize,
		MinShardSize: a.cfg.Chain.MinShardSize,
		MaxRetries:   a.cfg.Chain.MaxRetries,
		BackoffBase:  a.cfg.Chain.BackoffBase.Duration,
		BackoffCap:   a.cfg.Chain.BackoffCap.Duration,
	}, a.logger)
}

func (a *App) newCoordinator(adapter *chain.Adapter, deps *Dependencies) *backfill.Coordinator {
	return backfill.NewCoordinator(
		adapter,
		deps.ShardCommitter,
		deps.CheckpointStore,
		a.cfg.Backfill.Workers,
		a.cfg.Backfill.ShardSize,
		a.logger,
	)
}

// newRebuilder assembles the derive-and-publish stack: settlement engine,
// consistency gate, publisher, and the rebuilder that drives them.
func (a *App) newRebuilder(deps *Dependencies) *pipeline.Rebuilder {
	engine := settle.NewEngine(deps.PriceCache, a.cfg.Settle.GoodFreshness.Duration, a.logger)
	gate := publish.NewGate(publish.GateConfig{
		CashToleranceUSD:   a.cfg.Gate.CashToleranceUSD,
		FanoutTolerance:    a.cfg.Gate.FanoutTolerance,
		SpotCheckTolerance: a.cfg.Gate.SpotCheckTolerance,
		ReferenceWallets:   a.cfg.Gate.ReferenceWallets,
	}, a.logger)
	publisher := publish.NewPublisher(deps.SnapshotStore, gate, deps.LockManager, publishLockTTL, a.logger)

	var exporter pipeline.SnapshotExporter
	if deps.Exporter != nil {
		exporter = deps.Exporter
	}
	return pipeline.NewRebuilder(
		deps.TradeStore,
		deps.ResolutionStore,
		engine,
		publisher,
		deps.SignalBus,
		exporter,
		a.logger,
	)
}

// buildTokenMap resolves the unresolved markets in the trade log to their
// outcome tokens via the catalog.
func (a *App) buildTokenMap(ctx context.Context, deps *Dependencies, catalog domain.MarketCatalog) (map[string]feed.TokenRef, error) {
	trades, err := deps.TradeStore.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: list trades: %w", err)
	}
	resolutions, err := deps.ResolutionStore.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: list resolutions: %w", err)
	}

	resolved := make(map[string]bool, len(resolutions))
	for _, r := range resolutions {
		resolved[r.MarketID] = true
	}

	seen := make(map[string]bool)
	var markets []domain.Market
	for _, t := range trades {
		if seen[t.MarketID] || resolved[t.MarketID] {
			continue
		}
		seen[t.MarketID] = true
		m, err := catalog.GetMarket(ctx, t.MarketID)
		if err != nil {
			a.logger.Warn("market lookup failed, skipping tokens",
				slog.String("market_id", t.MarketID),
				slog.String("error", err.Error()),
			)
			continue
		}
		markets = append(markets, m)
	}
	return feed.TokenMapFromMarkets(markets), nil
}

// startServer registers the HTTP API and websocket hub on the errgroup when
// the server is enabled. A nil coordinator leaves the backfill endpoints off.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, rebuilder *pipeline.Rebuilder, coordinator *backfill.Coordinator) {
	if !a.cfg.Server.Enabled {
		return
	}

	pingers := map[string]handler.Pinger{
		"postgres": deps.Postgres.Pool(),
		"redis":    deps.Redis,
	}

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(pingers, a.logger),
		Snapshot:    handler.NewSnapshotHandler(deps.SnapshotStore, rebuilder, deps.SnapshotStore, a.logger),
		Trades:      handler.NewTradeHandler(deps.TradeStore, a.logger),
		Resolutions: handler.NewResolutionHandler(deps.ResolutionStore, a.logger),
	}
	if coordinator != nil {
		handlers.Backfill = handler.NewBackfillHandler(coordinator, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, a.logger)
	srv := server.New(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return err
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// confirmedHead returns the newest block considered final for one-shot
// backfill runs.
func (a *App) confirmedHead(ctx context.Context, head pipeline.HeadSource) (uint64, error) {
	h, err := head.Head(ctx)
	if err != nil {
		return 0, err
	}
	if h <= a.cfg.Chain.Confirmations {
		return 0, fmt.Errorf("app: head %d below confirmation depth %d", h, a.cfg.Chain.Confirmations)
	}
	return h - a.cfg.Chain.Confirmations, nil
}
