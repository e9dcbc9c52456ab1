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
// built-in defaults, applies KESTREL_* environment variable overrides, and
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

// applyEnvOverrides reads well-known KESTREL_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Owner, "KESTREL_ENGINE_OWNER")
	setStr(&cfg.Engine.CustodyAddress, "KESTREL_ENGINE_CUSTODY_ADDRESS")
	setStr(&cfg.Engine.FeeAddress, "KESTREL_ENGINE_FEE_ADDRESS")
	setStr(&cfg.Engine.CollateralSymbol, "KESTREL_ENGINE_COLLATERAL_SYMBOL")
	setDuration(&cfg.Engine.MaxTimeToMaturity, "KESTREL_ENGINE_MAX_TIME_TO_MATURITY")
	setDuration(&cfg.Engine.ExpiryDuration, "KESTREL_ENGINE_EXPIRY_DURATION")
	setFloat64(&cfg.Engine.CreatorCapitalRequirement, "KESTREL_ENGINE_CREATOR_CAPITAL_REQUIREMENT")
	setFloat64(&cfg.Engine.PoolFee, "KESTREL_ENGINE_POOL_FEE")
	setFloat64(&cfg.Engine.CreatorFee, "KESTREL_ENGINE_CREATOR_FEE")
	setBool(&cfg.Engine.WhitelistEnabled, "KESTREL_ENGINE_WHITELIST_ENABLED")

	// ── Oracle ──
	setDuration(&cfg.Oracle.MaxRateAge, "KESTREL_ORACLE_MAX_RATE_AGE")
	setStr(&cfg.Oracle.SignerAddress, "KESTREL_ORACLE_SIGNER_ADDRESS")

	// ── AMM ──
	setStr(&cfg.AMM.Address, "KESTREL_AMM_ADDRESS")
	setStr(&cfg.AMM.SafeBox, "KESTREL_AMM_SAFE_BOX")
	setFloat64(&cfg.AMM.SafeBoxFee, "KESTREL_AMM_SAFE_BOX_FEE")
	setFloat64(&cfg.AMM.ReferrerFee, "KESTREL_AMM_REFERRER_FEE")
	setFloat64(&cfg.AMM.MinSupportedPrice, "KESTREL_AMM_MIN_SUPPORTED_PRICE")
	setFloat64(&cfg.AMM.MaxSupportedPrice, "KESTREL_AMM_MAX_SUPPORTED_PRICE")
	setFloat64(&cfg.AMM.MaxPriceImpact, "KESTREL_AMM_MAX_PRICE_IMPACT")
	setFloat64(&cfg.AMM.CapPerMarket, "KESTREL_AMM_CAP_PER_MARKET")
	setDuration(&cfg.AMM.MinMaturityLeft, "KESTREL_AMM_MIN_MATURITY_LEFT")
	setFloat64(&cfg.AMM.MaxAllowedPegSlippage, "KESTREL_AMM_MAX_ALLOWED_PEG_SLIPPAGE")
	setFloat64(&cfg.AMM.InitialCapital, "KESTREL_AMM_INITIAL_CAPITAL")
	setFloat64(&cfg.AMM.DefaultVol, "KESTREL_AMM_DEFAULT_VOL")

	// ── Swap ──
	setBool(&cfg.Swap.Enabled, "KESTREL_SWAP_ENABLED")
	setStr(&cfg.Swap.Address, "KESTREL_SWAP_ADDRESS")
	setFloat64(&cfg.Swap.Fee, "KESTREL_SWAP_FEE")
	setFloat64(&cfg.Swap.Slope, "KESTREL_SWAP_SLOPE")
	setStringSlice(&cfg.Swap.Coins, "KESTREL_SWAP_COINS")
	setFloat64(&cfg.Swap.SeedLiquidity, "KESTREL_SWAP_SEED_LIQUIDITY")

	// ── Pool ──
	setStr(&cfg.Pool.Address, "KESTREL_POOL_ADDRESS")
	setDuration(&cfg.Pool.RoundLength, "KESTREL_POOL_ROUND_LENGTH")
	setInt(&cfg.Pool.MaxUsers, "KESTREL_POOL_MAX_USERS")
	setFloat64(&cfg.Pool.MinDepositAmount, "KESTREL_POOL_MIN_DEPOSIT_AMOUNT")
	setFloat64(&cfg.Pool.MaxAllowedDeposit, "KESTREL_POOL_MAX_ALLOWED_DEPOSIT")

	// ── Vault ──
	setFloat64(&cfg.Vault.PriceLowerLimit, "KESTREL_VAULT_PRICE_LOWER_LIMIT")
	setFloat64(&cfg.Vault.PriceUpperLimit, "KESTREL_VAULT_PRICE_UPPER_LIMIT")
	setFloat64(&cfg.Vault.SkewImpactLimit, "KESTREL_VAULT_SKEW_IMPACT_LIMIT")
	setFloat64(&cfg.Vault.MaxSlippage, "KESTREL_VAULT_MAX_SLIPPAGE")
	setFloat64(&cfg.Vault.DefaultAllocationLimit, "KESTREL_VAULT_DEFAULT_ALLOCATION_LIMIT")

	// ── Keystore ──
	setStr(&cfg.Keystore.RawPrivateKey, "KESTREL_KEYSTORE_RAW_PRIVATE_KEY")
	setStr(&cfg.Keystore.EncryptedKeyPath, "KESTREL_KEYSTORE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Keystore.KeyPassword, "KESTREL_KEYSTORE_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "KESTREL_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "KESTREL_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "KESTREL_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "KESTREL_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "KESTREL_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "KESTREL_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "KESTREL_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "KESTREL_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "KESTREL_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "KESTREL_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "KESTREL_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KESTREL_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "KESTREL_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "KESTREL_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "KESTREL_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "KESTREL_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "KESTREL_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KESTREL_S3_REGION")
	setStr(&cfg.S3.Bucket, "KESTREL_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "KESTREL_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KESTREL_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "KESTREL_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "KESTREL_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.ArchiveRetentionDays, "KESTREL_S3_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "KESTREL_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "KESTREL_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "KESTREL_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "KESTREL_SERVER_API_KEY")
	setStr(&cfg.Server.AdminKey, "KESTREL_SERVER_ADMIN_KEY")
	setStr(&cfg.Server.AdminSecret, "KESTREL_SERVER_ADMIN_SECRET")
	setInt(&cfg.Server.RateLimit, "KESTREL_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "KESTREL_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "KESTREL_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "KESTREL_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "KESTREL_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "KESTREL_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "KESTREL_MODE")
	setStr(&cfg.LogLevel, "KESTREL_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

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
