// Package vault is the strategy layer that puts the liquidity pool's capital
// to work: it screens markets against configured price and maturity bounds,
// enforces per-asset allocation limits, and executes buys through the AMM on
// the pool's behalf.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/amm"
	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/manager"
	"github.com/kestrel-labs/kestrel/internal/pool"
)

// Config sets the vault's trading bounds.
type Config struct {
	PriceLowerLimit        decimal.Decimal            // e.g. 0.10
	PriceUpperLimit        decimal.Decimal            // e.g. 0.90
	SkewImpactLimit        decimal.Decimal            // max acceptable price impact on entry
	MaxSlippage            decimal.Decimal            // tolerance between screen and fill
	AllocationLimits       map[string]decimal.Decimal // per-oracle-key fraction of round capital
	DefaultAllocationLimit decimal.Decimal
	Clock                  func() time.Time
}

// Vault trades pooled capital through the AMM within configured limits.
type Vault struct {
	cfg    Config
	engine *amm.AMM
	mgr    *manager.Manager
	pool   *pool.Pool
	logger *slog.Logger

	mu     sync.Mutex
	spent  map[string]decimal.Decimal // collateral committed per oracle key this round
	traded map[domain.Address]struct{}
}

// New builds the vault over the AMM and the pool whose capital it trades.
func New(cfg Config, engine *amm.AMM, mgr *manager.Manager, p *pool.Pool, logger *slog.Logger) *Vault {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Vault{
		cfg:    cfg,
		engine: engine,
		mgr:    mgr,
		pool:   p,
		logger: logger.With(slog.String("component", "vault")),
		spent:  make(map[string]decimal.Decimal),
		traded: make(map[domain.Address]struct{}),
	}
}

// SpentOnAsset returns the collateral committed to an oracle key this round.
func (v *Vault) SpentOnAsset(oracleKey string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spent[oracleKey]
}

// TradedMarkets returns how many distinct markets the vault entered this
// round.
func (v *Vault) TradedMarkets() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.traded)
}

func (v *Vault) allocationLimit(oracleKey string) decimal.Decimal {
	frac, ok := v.cfg.AllocationLimits[oracleKey]
	if !ok {
		frac = v.cfg.DefaultAllocationLimit
	}
	return frac.Mul(v.pool.RoundAllocation())
}

// Trade buys amount of a side on a market with pooled capital. The market
// must be tradeable, mature within the current round, and priced inside the
// vault's band with acceptable entry impact; the buy must fit the asset's
// round allocation.
func (v *Vault) Trade(ctx context.Context, addr domain.Address, side domain.OptionSide, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	mkt, ok := v.mgr.Market(addr)
	if !ok {
		return decimal.Zero, domain.ErrMarketNotValid
	}
	if !v.engine.IsMarketTradeable(addr) {
		return decimal.Zero, domain.ErrMarketNotValid
	}
	if mkt.MaturityDate().After(v.pool.RoundEnd()) {
		return decimal.Zero, domain.ErrMarketNotValid
	}
	price, err := v.engine.Price(addr, side)
	if err != nil {
		return decimal.Zero, domain.ErrMarketNotValid
	}
	if price.LessThan(v.cfg.PriceLowerLimit) || price.GreaterThan(v.cfg.PriceUpperLimit) {
		return decimal.Zero, domain.ErrMarketNotValid
	}
	if v.engine.BuyPriceImpact(addr, side, amount).GreaterThan(v.cfg.SkewImpactLimit) {
		return decimal.Zero, domain.ErrMarketNotValid
	}

	quote, err := v.engine.BuyQuote(addr, side, amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault: quote: %w", err)
	}
	key := mkt.OracleKey()
	if v.spent[key].Add(quote).GreaterThan(v.allocationLimit(key)) {
		return decimal.Zero, domain.ErrAllocationExceeded
	}

	paid, err := v.engine.BuyFromAMM(ctx, v.pool.Address(), addr, side, amount, quote, v.cfg.MaxSlippage)
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault: execute: %w", err)
	}
	v.spent[key] = v.spent[key].Add(paid)
	if _, seen := v.traded[addr]; !seen {
		v.traded[addr] = struct{}{}
		v.pool.NoteTrade()
	}

	v.logger.InfoContext(ctx, "vault trade",
		slog.String("market", addr.Hex()),
		slog.String("side", side.String()),
		slog.String("amount", amount.String()),
		slog.String("paid", paid.String()))
	return paid, nil
}

// CloseRound settles the pool's round: every market the vault traded must be
// resolved, the vault's positions are exercised back into pool custody, and
// the pool applies P&L and rolls deposits.
func (v *Vault) CloseRound(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.pool.CloseRound(ctx, func() error {
		for addr := range v.traded {
			mkt, ok := v.mgr.Market(addr)
			if !ok {
				continue // already expired and settled
			}
			if mkt.Result() == domain.Unresolved {
				return domain.ErrMarketsUnresolved
			}
		}
		for addr := range v.traded {
			// Redeem the pool's positions, then clear the AMM's own book
			// and inventory for the market.
			if mkt, ok := v.mgr.Market(addr); ok {
				if _, err := mkt.Exercise(v.pool.Address(), v.cfg.Clock()); err != nil &&
					!errors.Is(err, domain.ErrNothingToPay) {
					return fmt.Errorf("vault: exercise %s: %w", addr.Hex(), err)
				}
			}
			if _, err := v.engine.ExerciseMaturedMarket(ctx, addr); err != nil &&
				!errors.Is(err, domain.ErrMarketUnknown) {
				return fmt.Errorf("vault: exercise amm book %s: %w", addr.Hex(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	v.spent = make(map[string]decimal.Decimal)
	v.traded = make(map[domain.Address]struct{})
	return nil
}
