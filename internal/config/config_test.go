package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// validConfig returns defaults with the required addresses filled in.
func validConfig() Config {
	cfg := Defaults()
	cfg.Engine.Owner = "0x1000000000000000000000000000000000000001"
	cfg.Engine.CustodyAddress = "0x1000000000000000000000000000000000000002"
	cfg.Engine.FeeAddress = "0x1000000000000000000000000000000000000003"
	cfg.AMM.Address = "0x1000000000000000000000000000000000000004"
	cfg.AMM.SafeBox = "0x1000000000000000000000000000000000000005"
	cfg.Pool.Address = "0x1000000000000000000000000000000000000006"
	return cfg
}

func TestValidConfigPasses(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestDefaultsMissAddresses(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "engine: owner must not be empty")
	require.Contains(t, err.Error(), "amm: address must not be empty")
	require.Contains(t, err.Error(), "pool: address must not be empty")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "turbo"
	cfg.Engine.PoolFee = 0.6
	cfg.Engine.CreatorFee = 0.5
	cfg.AMM.MinSupportedPrice = 0.9
	cfg.AMM.MaxSupportedPrice = 0.1
	cfg.Server.AdminKey = "ops"
	cfg.Server.AdminSecret = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, `unknown mode "turbo"`)
	require.Contains(t, msg, "pool_fee + creator_fee must be below 1")
	require.Contains(t, msg, "supported price band")
	require.Contains(t, msg, "admin_key and admin_secret must be set together")
	require.GreaterOrEqual(t, strings.Count(msg, "\n"), 3)
}

func TestSwapValidationOnlyWhenEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Swap.Enabled = false
	cfg.Swap.Address = ""
	cfg.Swap.Coins = nil
	require.NoError(t, cfg.Validate())

	cfg.Swap.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "swap: address must not be empty when enabled")
	require.Contains(t, err.Error(), "swap: at least one coin is required when enabled")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
mode = "server"
log_level = "debug"

[engine]
collateral_symbol = "USDx"
max_time_to_maturity = "48h"

[pool]
round_length = "72h"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "server", cfg.Mode)
	require.Equal(t, "USDx", cfg.Engine.CollateralSymbol)
	require.Equal(t, 48*time.Hour, cfg.Engine.MaxTimeToMaturity.Duration)
	require.Equal(t, 72*time.Hour, cfg.Pool.RoundLength.Duration)

	// Untouched fields keep their defaults.
	require.Equal(t, 8000, cfg.Server.Port)
	require.InEpsilon(t, 0.01, cfg.AMM.SafeBoxFee, 1e-12)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = \"engine\"\n"), 0o600))

	t.Setenv("KESTREL_MODE", "full")
	t.Setenv("KESTREL_SERVER_PORT", "9100")
	t.Setenv("KESTREL_SERVER_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("KESTREL_SWAP_COINS", "USDC, DAI")
	t.Setenv("KESTREL_REDIS_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "full", cfg.Mode)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.Server.RateLimitWindow.Duration)
	require.Equal(t, []string{"USDC", "DAI"}, cfg.Swap.Coins)
	require.Equal(t, "hunter2", cfg.Redis.Password)
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Server.APIKey = "api-key"
	cfg.Server.AdminSecret = "admin-secret"
	cfg.Postgres.Password = "pg-pass"
	cfg.Redis.Password = "redis-pass"
	cfg.Keystore.KeyPassword = "key-pass"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)
	require.Equal(t, "***", red.Server.APIKey)
	require.Equal(t, "***", red.Server.AdminSecret)
	require.Equal(t, "***", red.Postgres.Password)
	require.Equal(t, "***", red.Redis.Password)
	require.Equal(t, "***", red.Keystore.KeyPassword)
	require.Equal(t, "***", red.Notify.TelegramToken)

	// Non-secret fields pass through, and the original is untouched.
	require.Equal(t, cfg.Engine.Owner, red.Engine.Owner)
	require.Equal(t, "api-key", cfg.Server.APIKey)
}
