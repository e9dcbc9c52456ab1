package app

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/amm"
	"github.com/kestrel-labs/kestrel/internal/config"
	"github.com/kestrel-labs/kestrel/internal/crypto"
	"github.com/kestrel-labs/kestrel/internal/ledger"
	"github.com/kestrel-labs/kestrel/internal/manager"
	"github.com/kestrel-labs/kestrel/internal/market"
	"github.com/kestrel-labs/kestrel/internal/oracle"
	"github.com/kestrel-labs/kestrel/internal/pool"
	"github.com/kestrel-labs/kestrel/internal/swap"
	"github.com/kestrel-labs/kestrel/internal/vault"
)

// Engine bundles the in-memory trading core: the collateral ledger, the
// oracle feed, the market manager, the AMM, the optional swap pool, the
// liquidity pool, and the vault. All components share the same ledger and
// feed instances; the persistence sinks are attached during construction.
type Engine struct {
	Collateral *ledger.Ledger
	Feed       *oracle.Feed
	Manager    *manager.Manager
	AMM        *amm.AMM
	Swaps      *swap.Pool
	Pool       *pool.Pool
	Vault      *vault.Vault

	// OwnerKey is the decrypted engine owner credential, nil when no
	// keystore is configured. AdminAuth and OracleSigner gate the admin
	// API; both may be zero in local setups.
	OwnerKey     *crypto.OwnerKey
	AdminAuth    *crypto.AdminAuth
	OracleSigner common.Address
}

// buildEngine constructs the whole trading core from configuration and wires
// the store and event-bus sinks from deps.
func buildEngine(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Engine, error) {
	collateral := ledger.New(cfg.Engine.CollateralSymbol)
	feed := oracle.NewFeed(cfg.Oracle.MaxRateAge.Duration, deps.RateCache, logger)
	factory := market.NewFactory()

	mgr := manager.New(manager.Config{
		Address:                   common.HexToAddress(cfg.Engine.CustodyAddress),
		Owner:                     common.HexToAddress(cfg.Engine.Owner),
		FeeAddress:                common.HexToAddress(cfg.Engine.FeeAddress),
		MaxTimeToMaturity:         cfg.Engine.MaxTimeToMaturity.Duration,
		ExpiryDuration:            cfg.Engine.ExpiryDuration.Duration,
		CreatorCapitalRequirement: decimal.NewFromFloat(cfg.Engine.CreatorCapitalRequirement),
		PoolFee:                   decimal.NewFromFloat(cfg.Engine.PoolFee),
		CreatorFee:                decimal.NewFromFloat(cfg.Engine.CreatorFee),
		StrikeSteps:               decimalMap(cfg.Engine.StrikeSteps),
		WhitelistEnabled:          cfg.Engine.WhitelistEnabled,
	}, collateral, factory, feed, logger)
	mgr.AttachSinks(deps.MarketStore, deps.SettlementStore, deps.EventBus)

	ammAddr := common.HexToAddress(cfg.AMM.Address)

	var swaps *swap.Pool
	if cfg.Swap.Enabled {
		swaps = buildSwapPool(cfg, collateral)
	}

	pricer := amm.NewPricer(decimalMap(cfg.AMM.ImpliedVols), decimal.NewFromFloat(cfg.AMM.DefaultVol))
	engine := amm.New(amm.Config{
		Address:               ammAddr,
		SafeBox:               common.HexToAddress(cfg.AMM.SafeBox),
		SafeBoxFee:            decimal.NewFromFloat(cfg.AMM.SafeBoxFee),
		ReferrerFee:           decimal.NewFromFloat(cfg.AMM.ReferrerFee),
		MinSupportedPrice:     decimal.NewFromFloat(cfg.AMM.MinSupportedPrice),
		MaxSupportedPrice:     decimal.NewFromFloat(cfg.AMM.MaxSupportedPrice),
		MaxPriceImpact:        decimal.NewFromFloat(cfg.AMM.MaxPriceImpact),
		CapPerMarket:          decimal.NewFromFloat(cfg.AMM.CapPerMarket),
		MinMaturityLeft:       cfg.AMM.MinMaturityLeft.Duration,
		MaxAllowedPegSlippage: decimal.NewFromFloat(cfg.AMM.MaxAllowedPegSlippage),
	}, pricer, mgr, feed, collateral, swaps, logger)
	engine.AttachSinks(deps.FillStore, deps.EventBus)

	// Working capital so the AMM can cover minting before fee income
	// accrues. Issue is the faucet of the in-process ledger.
	if cfg.AMM.InitialCapital > 0 {
		if err := collateral.Issue(ammAddr, ammAddr, decimal.NewFromFloat(cfg.AMM.InitialCapital)); err != nil {
			return nil, fmt.Errorf("app: fund amm: %w", err)
		}
	}

	liqPool := pool.New(pool.Config{
		Address:           common.HexToAddress(cfg.Pool.Address),
		RoundLength:       cfg.Pool.RoundLength.Duration,
		MaxUsers:          cfg.Pool.MaxUsers,
		MinDepositAmount:  decimal.NewFromFloat(cfg.Pool.MinDepositAmount),
		MaxAllowedDeposit: decimal.NewFromFloat(cfg.Pool.MaxAllowedDeposit),
	}, collateral, logger)
	liqPool.AttachSinks(deps.RoundStore, deps.EventBus)

	vlt := vault.New(vault.Config{
		PriceLowerLimit:        decimal.NewFromFloat(cfg.Vault.PriceLowerLimit),
		PriceUpperLimit:        decimal.NewFromFloat(cfg.Vault.PriceUpperLimit),
		SkewImpactLimit:        decimal.NewFromFloat(cfg.Vault.SkewImpactLimit),
		MaxSlippage:            decimal.NewFromFloat(cfg.Vault.MaxSlippage),
		AllocationLimits:       decimalMap(cfg.Vault.AllocationLimits),
		DefaultAllocationLimit: decimal.NewFromFloat(cfg.Vault.DefaultAllocationLimit),
	}, engine, mgr, liqPool, logger)

	eng := &Engine{
		Collateral: collateral,
		Feed:       feed,
		Manager:    mgr,
		AMM:        engine,
		Swaps:      swaps,
		Pool:       liqPool,
		Vault:      vlt,
	}

	if cfg.Keystore.RawPrivateKey != "" || cfg.Keystore.EncryptedKeyPath != "" {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Keystore.RawPrivateKey,
			EncryptedKeyPath: cfg.Keystore.EncryptedKeyPath,
			KeyPassword:      cfg.Keystore.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: load owner key: %w", err)
		}
		ownerKey, err := crypto.NewOwnerKey(keyHex)
		if err != nil {
			return nil, fmt.Errorf("app: parse owner key: %w", err)
		}
		if ownerKey.Address() != mgr.Owner() {
			logger.Warn("keystore address does not match configured engine owner",
				slog.String("keystore", ownerKey.Address().Hex()),
				slog.String("owner", mgr.Owner().Hex()),
			)
		}
		eng.OwnerKey = ownerKey
	}

	if cfg.Server.AdminKey != "" {
		eng.AdminAuth = &crypto.AdminAuth{
			Key:    cfg.Server.AdminKey,
			Secret: cfg.Server.AdminSecret,
		}
	}
	if cfg.Oracle.SignerAddress != "" {
		eng.OracleSigner = common.HexToAddress(cfg.Oracle.SignerAddress)
	}

	return eng, nil
}

// buildSwapPool constructs the stable swap pool with the base collateral and
// every configured alternate coin registered, each side seeded so quotes work
// from the first trade.
func buildSwapPool(cfg *config.Config, collateral *ledger.Ledger) *swap.Pool {
	addr := common.HexToAddress(cfg.Swap.Address)
	seed := decimal.NewFromFloat(cfg.Swap.SeedLiquidity)
	swaps := swap.New(addr, decimal.NewFromFloat(cfg.Swap.Fee), decimal.NewFromFloat(cfg.Swap.Slope))

	seedCoin := func(l *ledger.Ledger) {
		_ = l.Issue(addr, addr, seed)
		swaps.RegisterCoin(swap.Coin{Symbol: l.Symbol(), Ledger: l}, seed)
	}

	seedCoin(collateral)
	for _, symbol := range cfg.Swap.Coins {
		if symbol == collateral.Symbol() {
			continue
		}
		seedCoin(ledger.New(symbol))
	}
	return swaps
}

// decimalMap converts a config float map into the decimal map the engine
// components take.
func decimalMap(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = decimal.NewFromFloat(v)
	}
	return out
}
