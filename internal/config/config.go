// Package config defines the top-level configuration for the polyledger
// settlement engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYLEDGER_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Chain    ChainConfig    `toml:"chain"`
	Backfill BackfillConfig `toml:"backfill"`
	Platform PlatformConfig `toml:"platform"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Gate     GateConfig     `toml:"gate"`
	Settle   SettleConfig   `toml:"settle"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for snapshot
// exports.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ChainConfig holds the Polygon RPC endpoint and log-fetch tuning.
type ChainConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	StartBlock    uint64   `toml:"start_block"`
	Confirmations uint64   `toml:"confirmations"`
	ShardSize     uint64   `toml:"shard_size"`
	MinShardSize  uint64   `toml:"min_shard_size"`
	MaxRetries    int      `toml:"max_retries"`
	BackoffBase   duration `toml:"backoff_base"`
	BackoffCap    duration `toml:"backoff_cap"`
}

// BackfillConfig holds the parallel backfill parameters.
type BackfillConfig struct {
	Workers   int    `toml:"workers"`
	ShardSize uint64 `toml:"shard_size"`
}

// PlatformConfig holds Polymarket API endpoints.
type PlatformConfig struct {
	GammaHost string `toml:"gamma_host"`
	ClobHost  string `toml:"clob_host"`
	WsHost    string `toml:"ws_host"`
}

// PipelineConfig holds the periodic loop intervals.
type PipelineConfig struct {
	SyncInterval    duration `toml:"sync_interval"`
	RebuildInterval duration `toml:"rebuild_interval"`
	PriceInterval   duration `toml:"price_interval"`
	PriceFeed       bool     `toml:"price_feed"`
}

// GateConfig holds the consistency-gate tolerances that guard snapshot
// publication.
type GateConfig struct {
	CashToleranceUSD   float64            `toml:"cash_tolerance_usd"`
	FanoutTolerance    float64            `toml:"fanout_tolerance"`
	SpotCheckTolerance float64            `toml:"spot_check_tolerance"`
	ReferenceWallets   map[string]float64 `toml:"reference_wallets"`
}

// SettleConfig holds settlement engine parameters.
type SettleConfig struct {
	// GoodFreshness is the maximum price age for "good" unrealized-PnL
	// coverage.
	GoodFreshness duration `toml:"good_freshness"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "polyledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyledger-snapshots",
			ForcePathStyle: true,
		},
		Chain: ChainConfig{
			RPCURL:        "https://polygon-rpc.com",
			StartBlock:    4023686, // CTF contract deployment block
			Confirmations: 30,
			ShardSize:     2000,
			MinShardSize:  10,
			MaxRetries:    8,
			BackoffBase:   duration{500 * time.Millisecond},
			BackoffCap:    duration{30 * time.Second},
		},
		Backfill: BackfillConfig{
			Workers:   8,
			ShardSize: 2000,
		},
		Platform: PlatformConfig{
			GammaHost: "https://gamma-api.polymarket.com",
			ClobHost:  "https://clob.polymarket.com",
			WsHost:    "wss://ws-subscriptions-clob.polymarket.com",
		},
		Pipeline: PipelineConfig{
			SyncInterval:    duration{5 * time.Minute},
			RebuildInterval: duration{15 * time.Minute},
			PriceInterval:   duration{1 * time.Minute},
			PriceFeed:       false,
		},
		Gate: GateConfig{
			CashToleranceUSD:   0.01,
			FanoutTolerance:    0.001,
			SpotCheckTolerance: 0.05,
			ReferenceWallets:   map[string]float64{},
		},
		Settle: SettleConfig{
			GoodFreshness: duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{1 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"backfill": true,
	"rebuild":  true,
	"serve":    true,
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: backfill, rebuild, serve, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only when exports are enabled.
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Chain — needed for every mode that touches logs.
	needsChain := c.Mode == "backfill" || c.Mode == "full"
	if needsChain {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url is required for mode "+c.Mode)
		}
	}
	if c.Chain.ShardSize < 1 {
		errs = append(errs, "chain: shard_size must be >= 1")
	}
	if c.Chain.MinShardSize < 1 {
		errs = append(errs, "chain: min_shard_size must be >= 1")
	}
	if c.Chain.MinShardSize > c.Chain.ShardSize {
		errs = append(errs, "chain: min_shard_size must not exceed shard_size")
	}
	if c.Chain.MaxRetries < 1 {
		errs = append(errs, "chain: max_retries must be >= 1")
	}

	// Backfill
	if c.Backfill.Workers < 1 {
		errs = append(errs, "backfill: workers must be >= 1")
	}
	if c.Backfill.ShardSize < 1 {
		errs = append(errs, "backfill: shard_size must be >= 1")
	}

	// Platform endpoints
	if c.Platform.GammaHost == "" {
		errs = append(errs, "platform: gamma_host must not be empty")
	}
	if c.Platform.ClobHost == "" {
		errs = append(errs, "platform: clob_host must not be empty")
	}
	if c.Pipeline.PriceFeed && c.Platform.WsHost == "" {
		errs = append(errs, "platform: ws_host must not be empty when pipeline.price_feed is enabled")
	}

	// Pipeline intervals
	if c.Pipeline.SyncInterval.Duration <= 0 {
		errs = append(errs, "pipeline: sync_interval must be > 0")
	}
	if c.Pipeline.RebuildInterval.Duration <= 0 {
		errs = append(errs, "pipeline: rebuild_interval must be > 0")
	}

	// Gate
	if c.Gate.CashToleranceUSD <= 0 {
		errs = append(errs, "gate: cash_tolerance_usd must be > 0")
	}
	if c.Gate.FanoutTolerance <= 0 {
		errs = append(errs, "gate: fanout_tolerance must be > 0")
	}
	if c.Gate.SpotCheckTolerance < 0 {
		errs = append(errs, "gate: spot_check_tolerance must be >= 0")
	}

	// Settle
	if c.Settle.GoodFreshness.Duration <= 0 {
		errs = append(errs, "settle: good_freshness must be > 0")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
