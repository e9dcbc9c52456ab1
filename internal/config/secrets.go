package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Keystore
	out.Keystore = cfg.Keystore
	redact(&out.Keystore.RawPrivateKey)
	redact(&out.Keystore.KeyPassword)

	// Server
	out.Server = cfg.Server
	redact(&out.Server.APIKey)
	redact(&out.Server.AdminSecret)

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

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Swap.Coins != nil {
		out.Swap.Coins = make([]string, len(cfg.Swap.Coins))
		copy(out.Swap.Coins, cfg.Swap.Coins)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	out.Engine.StrikeSteps = copyMap(cfg.Engine.StrikeSteps)
	out.AMM.ImpliedVols = copyMap(cfg.AMM.ImpliedVols)
	out.Vault.AllocationLimits = copyMap(cfg.Vault.AllocationLimits)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func copyMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
