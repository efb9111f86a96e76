package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Chain — RPC URLs often embed provider API keys.
	out.Chain = cfg.Chain
	redact(&out.Chain.RPCURL)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.APIKey)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Gate.ReferenceWallets != nil {
		out.Gate.ReferenceWallets = make(map[string]float64, len(cfg.Gate.ReferenceWallets))
		for k, v := range cfg.Gate.ReferenceWallets {
			out.Gate.ReferenceWallets[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
