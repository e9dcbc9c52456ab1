// Package config defines the top-level configuration for the kestrel engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by KESTREL_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Oracle   OracleConfig   `toml:"oracle"`
	AMM      AMMConfig      `toml:"amm"`
	Swap     SwapConfig     `toml:"swap"`
	Pool     PoolConfig     `toml:"pool"`
	Vault    VaultConfig    `toml:"vault"`
	Keystore KeystoreConfig `toml:"keystore"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the market manager's parameters.
type EngineConfig struct {
	// Owner is the hex address holding administrative rights.
	Owner string `toml:"owner"`
	// CustodyAddress is the account holding deposited collateral.
	CustodyAddress string `toml:"custody_address"`
	// FeeAddress receives the pool share of resolution fees.
	FeeAddress string `toml:"fee_address"`
	// CollateralSymbol names the base collateral ledger, e.g. "sUSD".
	CollateralSymbol string `toml:"collateral_symbol"`

	MaxTimeToMaturity         duration `toml:"max_time_to_maturity"`
	ExpiryDuration            duration `toml:"expiry_duration"`
	CreatorCapitalRequirement float64  `toml:"creator_capital_requirement"`
	PoolFee                   float64  `toml:"pool_fee"`
	CreatorFee                float64  `toml:"creator_fee"`
	WhitelistEnabled          bool     `toml:"whitelist_enabled"`
	// StrikeSteps maps oracle keys to their strike quantization step.
	StrikeSteps map[string]float64 `toml:"strike_steps"`
}

// OracleConfig holds rate feed parameters.
type OracleConfig struct {
	// MaxRateAge is how old a rate may be before it is considered stale.
	MaxRateAge duration `toml:"max_rate_age"`
	// SignerAddress, when set, is the only address whose signed rate
	// attestations the API accepts.
	SignerAddress string `toml:"signer_address"`
}

// AMMConfig holds the market maker's account, fees, and risk limits.
type AMMConfig struct {
	Address string `toml:"address"`
	SafeBox string `toml:"safe_box"`

	SafeBoxFee  float64 `toml:"safe_box_fee"`
	ReferrerFee float64 `toml:"referrer_fee"`

	MinSupportedPrice float64 `toml:"min_supported_price"`
	MaxSupportedPrice float64 `toml:"max_supported_price"`
	MaxPriceImpact    float64 `toml:"max_price_impact"`

	CapPerMarket          float64  `toml:"cap_per_market"`
	MinMaturityLeft       duration `toml:"min_maturity_left"`
	MaxAllowedPegSlippage float64  `toml:"max_allowed_peg_slippage"`

	// InitialCapital is issued to the AMM account at startup so it can
	// cover option minting before any fee income accrues.
	InitialCapital float64 `toml:"initial_capital"`

	// ImpliedVols maps oracle keys to annualized implied volatility.
	ImpliedVols map[string]float64 `toml:"implied_vols"`
	DefaultVol  float64            `toml:"default_vol"`
}

// SwapConfig holds the multi-collateral stable pool parameters.
type SwapConfig struct {
	Enabled bool    `toml:"enabled"`
	Address string  `toml:"address"`
	Fee     float64 `toml:"fee"`
	Slope   float64 `toml:"slope"`
	// Coins lists the alternate collateral symbols to register.
	Coins []string `toml:"coins"`
	// SeedLiquidity is the per-coin balance issued to the pool account at
	// startup.
	SeedLiquidity float64 `toml:"seed_liquidity"`
}

// PoolConfig holds the liquidity pool round parameters.
type PoolConfig struct {
	Address           string   `toml:"address"`
	RoundLength       duration `toml:"round_length"`
	MaxUsers          int      `toml:"max_users"`
	MinDepositAmount  float64  `toml:"min_deposit_amount"`
	MaxAllowedDeposit float64  `toml:"max_allowed_deposit"`
}

// VaultConfig holds the strategy layer's trading bounds.
type VaultConfig struct {
	PriceLowerLimit        float64            `toml:"price_lower_limit"`
	PriceUpperLimit        float64            `toml:"price_upper_limit"`
	SkewImpactLimit        float64            `toml:"skew_impact_limit"`
	MaxSlippage            float64            `toml:"max_slippage"`
	AllocationLimits       map[string]float64 `toml:"allocation_limits"`
	DefaultAllocationLimit float64            `toml:"default_allocation_limit"`
}

// KeystoreConfig holds the encrypted owner-key custody parameters.
// RawPrivateKey takes precedence when set; it is meant for env-only use in
// development and never belongs in a config file.
type KeystoreConfig struct {
	RawPrivateKey    string `toml:"raw_private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
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

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// ArchiveRetentionDays is how long fills and settlements stay in the
	// database before the archiver pages them out.
	ArchiveRetentionDays int `toml:"archive_retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey gates all endpoints when set; empty disables authentication.
	APIKey string `toml:"api_key"`
	// AdminKey/AdminSecret are the HMAC credentials for /api/admin requests.
	AdminKey    string `toml:"admin_key"`
	AdminSecret string `toml:"admin_secret"`
	// RateLimit caps requests per client per window; 0 disables.
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
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
		Engine: EngineConfig{
			CollateralSymbol:          "sUSD",
			MaxTimeToMaturity:         duration{100 * 24 * time.Hour},
			ExpiryDuration:            duration{26 * 7 * 24 * time.Hour},
			CreatorCapitalRequirement: 1000,
			PoolFee:                   0.005,
			CreatorFee:                0.002,
			WhitelistEnabled:          false,
			StrikeSteps:               map[string]float64{},
		},
		Oracle: OracleConfig{
			MaxRateAge: duration{time.Hour},
		},
		AMM: AMMConfig{
			SafeBoxFee:            0.01,
			ReferrerFee:           0.005,
			MinSupportedPrice:     0.05,
			MaxSupportedPrice:     0.95,
			MaxPriceImpact:        0.05,
			CapPerMarket:          1000,
			MinMaturityLeft:       duration{time.Hour},
			MaxAllowedPegSlippage: 0.02,
			InitialCapital:        100_000,
			ImpliedVols:           map[string]float64{},
			DefaultVol:            1.2,
		},
		Swap: SwapConfig{
			Enabled:       false,
			Fee:           0.0004,
			Slope:         0.05,
			SeedLiquidity: 100_000,
		},
		Pool: PoolConfig{
			RoundLength:       duration{7 * 24 * time.Hour},
			MaxUsers:          100,
			MinDepositAmount:  20,
			MaxAllowedDeposit: 1_000_000,
		},
		Vault: VaultConfig{
			PriceLowerLimit:        0.10,
			PriceUpperLimit:        0.90,
			SkewImpactLimit:        0.03,
			MaxSlippage:            0.005,
			AllocationLimits:       map[string]float64{},
			DefaultAllocationLimit: 0.05,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "kestrel",
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
			Endpoint:             "http://localhost:9000",
			Region:               "us-east-1",
			Bucket:               "kestrel-data",
			UseSSL:               false,
			ForcePathStyle:       true,
			ArchiveRetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       0,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_created", "market_resolved", "round_closed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine": true,
	"server": true,
	"full":   true,
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

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.Owner == "" {
		errs = append(errs, "engine: owner must not be empty")
	}
	if c.Engine.CustodyAddress == "" {
		errs = append(errs, "engine: custody_address must not be empty")
	}
	if c.Engine.FeeAddress == "" {
		errs = append(errs, "engine: fee_address must not be empty")
	}
	if c.Engine.MaxTimeToMaturity.Duration <= 0 {
		errs = append(errs, "engine: max_time_to_maturity must be positive")
	}
	if c.Engine.PoolFee < 0 || c.Engine.CreatorFee < 0 {
		errs = append(errs, "engine: fees must not be negative")
	}
	if c.Engine.PoolFee+c.Engine.CreatorFee >= 1 {
		errs = append(errs, "engine: pool_fee + creator_fee must be below 1")
	}

	// Oracle
	if c.Oracle.MaxRateAge.Duration <= 0 {
		errs = append(errs, "oracle: max_rate_age must be positive")
	}

	// AMM
	if c.AMM.Address == "" {
		errs = append(errs, "amm: address must not be empty")
	}
	if c.AMM.SafeBox == "" {
		errs = append(errs, "amm: safe_box must not be empty")
	}
	if c.AMM.MinSupportedPrice <= 0 || c.AMM.MaxSupportedPrice >= 1 ||
		c.AMM.MinSupportedPrice >= c.AMM.MaxSupportedPrice {
		errs = append(errs, "amm: supported price band must satisfy 0 < min < max < 1")
	}
	if c.AMM.MaxPriceImpact <= 0 || c.AMM.MaxPriceImpact >= 1 {
		errs = append(errs, "amm: max_price_impact must be in (0, 1)")
	}
	if c.AMM.CapPerMarket <= 0 {
		errs = append(errs, "amm: cap_per_market must be positive")
	}
	if c.AMM.DefaultVol <= 0 {
		errs = append(errs, "amm: default_vol must be positive")
	}
	if c.AMM.InitialCapital < 0 {
		errs = append(errs, "amm: initial_capital must not be negative")
	}

	// Swap
	if c.Swap.Enabled {
		if c.Swap.Address == "" {
			errs = append(errs, "swap: address must not be empty when enabled")
		}
		if len(c.Swap.Coins) == 0 {
			errs = append(errs, "swap: at least one coin is required when enabled")
		}
		if c.Swap.SeedLiquidity <= 0 {
			errs = append(errs, "swap: seed_liquidity must be positive when enabled")
		}
	}

	// Pool
	if c.Pool.Address == "" {
		errs = append(errs, "pool: address must not be empty")
	}
	if c.Pool.RoundLength.Duration <= 0 {
		errs = append(errs, "pool: round_length must be positive")
	}
	if c.Pool.MinDepositAmount <= 0 {
		errs = append(errs, "pool: min_deposit_amount must be positive")
	}

	// Vault
	if c.Vault.PriceLowerLimit <= 0 || c.Vault.PriceUpperLimit >= 1 ||
		c.Vault.PriceLowerLimit >= c.Vault.PriceUpperLimit {
		errs = append(errs, "vault: price limits must satisfy 0 < lower < upper < 1")
	}

	// Keystore: password required when an encrypted key is configured.
	if c.Keystore.EncryptedKeyPath != "" && c.Keystore.KeyPassword == "" {
		errs = append(errs, "keystore: key_password is required when encrypted_key_path is set")
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

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if (c.Server.AdminKey == "") != (c.Server.AdminSecret == "") {
			errs = append(errs, "server: admin_key and admin_secret must be set together")
		}
		if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
			errs = append(errs, "server: rate_limit_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
