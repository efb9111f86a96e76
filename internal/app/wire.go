package app

import (
	"context"
	"fmt"

	s3blob "github.com/alanyoungcy/polyledger/internal/blob/s3"
	"github.com/alanyoungcy/polyledger/internal/cache/redis"
	"github.com/alanyoungcy/polyledger/internal/config"
	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	RawEventStore   domain.RawEventStore
	TradeStore      domain.TradeStore
	ResolutionStore domain.ResolutionStore
	CheckpointStore domain.CheckpointStore
	SnapshotStore   domain.SnapshotStore
	ShardCommitter  domain.ShardCommitter

	// Caches
	PriceCache  domain.PriceCache
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage; nil when S3 exports are disabled.
	Exporter *s3blob.Exporter

	// Raw clients, kept for health checks.
	Postgres *postgres.Client
	Redis    *redis.Client
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.RawEventStore = postgres.NewRawEventStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.ResolutionStore = postgres.NewResolutionStore(pool)
	deps.CheckpointStore = postgres.NewCheckpointStore(pool)
	deps.SnapshotStore = postgres.NewSnapshotStore(pool)
	deps.ShardCommitter = postgres.NewShardCommitter(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.PriceCache = redis.NewPriceCache(redisClient, 0)
	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- S3 exports (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Exporter = s3blob.NewExporter(s3blob.NewWriter(s3Client))
	}

	return deps, cleanup, nil
}
