package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYLEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POLYLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYLEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYLEDGER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "POLYLEDGER_S3_FORCE_PATH_STYLE")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "POLYLEDGER_CHAIN_RPC_URL")
	setUint64(&cfg.Chain.StartBlock, "POLYLEDGER_CHAIN_START_BLOCK")
	setUint64(&cfg.Chain.Confirmations, "POLYLEDGER_CHAIN_CONFIRMATIONS")
	setUint64(&cfg.Chain.ShardSize, "POLYLEDGER_CHAIN_SHARD_SIZE")
	setUint64(&cfg.Chain.MinShardSize, "POLYLEDGER_CHAIN_MIN_SHARD_SIZE")
	setInt(&cfg.Chain.MaxRetries, "POLYLEDGER_CHAIN_MAX_RETRIES")
	setDuration(&cfg.Chain.BackoffBase, "POLYLEDGER_CHAIN_BACKOFF_BASE")
	setDuration(&cfg.Chain.BackoffCap, "POLYLEDGER_CHAIN_BACKOFF_CAP")

	// ── Backfill ──
	setInt(&cfg.Backfill.Workers, "POLYLEDGER_BACKFILL_WORKERS")
	setUint64(&cfg.Backfill.ShardSize, "POLYLEDGER_BACKFILL_SHARD_SIZE")

	// ── Platform ──
	setStr(&cfg.Platform.GammaHost, "POLYLEDGER_PLATFORM_GAMMA_HOST")
	setStr(&cfg.Platform.ClobHost, "POLYLEDGER_PLATFORM_CLOB_HOST")
	setStr(&cfg.Platform.WsHost, "POLYLEDGER_PLATFORM_WS_HOST")

	// ── Pipeline ──
	setDuration(&cfg.Pipeline.SyncInterval, "POLYLEDGER_PIPELINE_SYNC_INTERVAL")
	setDuration(&cfg.Pipeline.RebuildInterval, "POLYLEDGER_PIPELINE_REBUILD_INTERVAL")
	setDuration(&cfg.Pipeline.PriceInterval, "POLYLEDGER_PIPELINE_PRICE_INTERVAL")
	setBool(&cfg.Pipeline.PriceFeed, "POLYLEDGER_PIPELINE_PRICE_FEED")

	// ── Gate ──
	setFloat64(&cfg.Gate.CashToleranceUSD, "POLYLEDGER_GATE_CASH_TOLERANCE_USD")
	setFloat64(&cfg.Gate.FanoutTolerance, "POLYLEDGER_GATE_FANOUT_TOLERANCE")
	setFloat64(&cfg.Gate.SpotCheckTolerance, "POLYLEDGER_GATE_SPOT_CHECK_TOLERANCE")

	// ── Settle ──
	setDuration(&cfg.Settle.GoodFreshness, "POLYLEDGER_SETTLE_GOOD_FRESHNESS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYLEDGER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYLEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYLEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYLEDGER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "POLYLEDGER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POLYLEDGER_SERVER_RATE_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYLEDGER_MODE")
	setStr(&cfg.LogLevel, "POLYLEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
