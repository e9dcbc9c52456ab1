// Package amm is the automated market maker. It quotes both sides of every
// active market off the oracle rate, sells and buys back options against its
// own collateral, and keeps per-market risk inside a configured cap.
package amm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
	"github.com/kestrel-labs/kestrel/internal/manager"
	"github.com/kestrel-labs/kestrel/internal/oracle"
	"github.com/kestrel-labs/kestrel/internal/swap"
)

// Config carries the AMM's account, fee routing and risk limits.
type Config struct {
	Address domain.Address // the AMM's collateral account
	SafeBox domain.Address // fee sink

	SafeBoxFee  decimal.Decimal // fraction of the base quote, e.g. 0.01
	ReferrerFee decimal.Decimal // referrer's share of the safe-box fee

	MinSupportedPrice decimal.Decimal // e.g. 0.05
	MaxSupportedPrice decimal.Decimal // e.g. 0.95
	MaxPriceImpact    decimal.Decimal // impact clamp, e.g. 0.05

	CapPerMarket          decimal.Decimal // max collateral at risk per market
	MinMaturityLeft       time.Duration   // stop quoting this close to maturity
	MaxAllowedPegSlippage decimal.Decimal

	Clock func() time.Time
}

type exposure struct {
	long  decimal.Decimal
	short decimal.Decimal
}

func (e exposure) side(s domain.OptionSide) decimal.Decimal {
	if s == domain.Long {
		return e.long
	}
	return e.short
}

// AMM prices and executes option trades against pooled capital.
//
// The mutex guards the per-market risk books (spent, exposure) and makes
// quote and execution of a single trade atomic with respect to other AMM
// trades. Market and ledger locks nest inside it, never the other way.
type AMM struct {
	cfg        Config
	pricer     *Pricer
	mgr        *manager.Manager
	feed       *oracle.Feed
	collateral *ledger.Ledger
	swaps      *swap.Pool
	logger     *slog.Logger

	fills domain.FillStore
	bus   domain.EventBus

	mu       sync.Mutex
	spent    map[domain.Address]decimal.Decimal
	exposure map[domain.Address]exposure
}

// New builds the AMM. The swap pool may be nil; multi-collateral buys are
// then refused as unsupported.
func New(cfg Config, pricer *Pricer, mgr *manager.Manager, feed *oracle.Feed, collateral *ledger.Ledger, swaps *swap.Pool, logger *slog.Logger) *AMM {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &AMM{
		cfg:        cfg,
		pricer:     pricer,
		mgr:        mgr,
		feed:       feed,
		collateral: collateral,
		swaps:      swaps,
		logger:     logger.With(slog.String("component", "amm")),
		spent:      make(map[domain.Address]decimal.Decimal),
		exposure:   make(map[domain.Address]exposure),
	}
}

// AttachSinks wires optional persistence and event publishing.
func (a *AMM) AttachSinks(fills domain.FillStore, bus domain.EventBus) {
	a.fills = fills
	a.bus = bus
}

// Address returns the AMM's collateral account.
func (a *AMM) Address() domain.Address { return a.cfg.Address }

// SpentOnMarket returns the collateral currently at risk on a market.
func (a *AMM) SpentOnMarket(addr domain.Address) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spent[addr]
}

// Price returns the unit price of one side of an active market.
func (a *AMM) Price(addr domain.Address, side domain.OptionSide) (decimal.Decimal, error) {
	mkt, ok := a.mgr.Market(addr)
	if !ok {
		return decimal.Zero, domain.ErrMarketUnknown
	}
	rate := a.feed.RateForCurrency(mkt.OracleKey())
	return a.pricer.Price(mkt.OracleKey(), rate.Rate, mkt.StrikePrice(), mkt.MaturityDate(), a.cfg.Clock(), side), nil
}

// IsMarketTradeable reports whether the AMM will quote a market at all:
// active, in the trading phase, rate fresh, and not within the maturity
// cutoff.
func (a *AMM) IsMarketTradeable(addr domain.Address) bool {
	mkt, ok := a.mgr.Market(addr)
	if !ok || !a.mgr.IsActiveMarket(addr) {
		return false
	}
	now := a.cfg.Clock()
	if mkt.Phase(now) != domain.Trading {
		return false
	}
	if mkt.MaturityDate().Sub(now) < a.cfg.MinMaturityLeft {
		return false
	}
	return !a.feed.RateIsStale(mkt.OracleKey(), now)
}

// AvailableToBuy returns the quantity of a side the AMM is willing to sell.
// Zero when the market is not tradeable, the price sits outside the
// supported band, or the per-market cap is used up.
func (a *AMM) AvailableToBuy(addr domain.Address, side domain.OptionSide) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.availableLocked(addr, side, domain.DirectionBuy)
}

// AvailableToSell returns the quantity of a side the AMM is willing to buy
// back, bounded the same way.
func (a *AMM) AvailableToSell(addr domain.Address, side domain.OptionSide) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.availableLocked(addr, side, domain.DirectionSell)
}

func (a *AMM) availableLocked(addr domain.Address, side domain.OptionSide, dir domain.TradeDirection) decimal.Decimal {
	if !a.IsMarketTradeable(addr) {
		return decimal.Zero
	}
	p, err := a.Price(addr, side)
	if err != nil {
		return decimal.Zero
	}
	if p.LessThan(a.cfg.MinSupportedPrice) || p.GreaterThan(a.cfg.MaxSupportedPrice) {
		return decimal.Zero
	}
	remaining := a.cfg.CapPerMarket.Sub(a.spent[addr])
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	// Selling options exposes the AMM to 1−p per unit; buying them back
	// costs p per unit.
	unit := decimal.NewFromInt(1).Sub(p)
	if dir == domain.DirectionSell {
		unit = p
	}
	return remaining.DivRound(unit, 18).Truncate(18)
}

// BuyPriceImpact returns the signed price impact fraction of buying amount
// of a side. The impact is linear in the AMM's inventory imbalance evaluated
// at the fill midpoint, so it is monotone in amount, negative when the
// opposite side's exposure dominates, and clamped to the configured maximum.
func (a *AMM) BuyPriceImpact(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buyImpactLocked(addr, side, amount)
}

func (a *AMM) buyImpactLocked(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) decimal.Decimal {
	exp := a.exposure[addr]
	mid := exp.side(side).Add(amount.Div(decimal.NewFromInt(2)))
	skew := mid.Sub(exp.side(side.Other())).Div(a.cfg.CapPerMarket)
	return clampUnit(skew).Mul(a.cfg.MaxPriceImpact)
}

func (a *AMM) sellImpactLocked(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) decimal.Decimal {
	exp := a.exposure[addr]
	mid := exp.side(side).Sub(amount.Div(decimal.NewFromInt(2)))
	skew := exp.side(side.Other()).Sub(mid).Div(a.cfg.CapPerMarket)
	return clampUnit(skew).Mul(a.cfg.MaxPriceImpact)
}

func clampUnit(d decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if d.GreaterThan(one) {
		return one
	}
	if d.LessThan(one.Neg()) {
		return one.Neg()
	}
	return d
}

// BuyQuote returns the total collateral cost of buying amount of a side,
// safe-box fee included.
func (a *AMM) BuyQuote(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, _, _, err := a.buyQuoteLocked(addr, side, amount)
	return q, err
}

func (a *AMM) buyQuoteLocked(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) (quote, base, fee decimal.Decimal, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, decimal.Zero, domain.ErrInvalidAmount
	}
	if amount.GreaterThan(a.availableLocked(addr, side, domain.DirectionBuy)) {
		return decimal.Zero, decimal.Zero, decimal.Zero, domain.ErrNotEnoughLiquidity
	}
	p, err := a.Price(addr, side)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	eff := a.clampPrice(p.Mul(decimal.NewFromInt(1).Add(a.buyImpactLocked(addr, side, amount))))
	base = eff.Mul(amount).Truncate(18)
	fee = base.Mul(a.cfg.SafeBoxFee).Truncate(18)
	return base.Add(fee), base, fee, nil
}

// SellQuote returns the collateral proceeds of selling amount of a side to
// the AMM, net of the safe-box fee.
func (a *AMM) SellQuote(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, _, _, err := a.sellQuoteLocked(addr, side, amount)
	return q, err
}

func (a *AMM) sellQuoteLocked(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) (proceeds, base, fee decimal.Decimal, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, decimal.Zero, domain.ErrInvalidAmount
	}
	if amount.GreaterThan(a.availableLocked(addr, side, domain.DirectionSell)) {
		return decimal.Zero, decimal.Zero, decimal.Zero, domain.ErrNotEnoughLiquidity
	}
	p, err := a.Price(addr, side)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	eff := a.clampPrice(p.Mul(decimal.NewFromInt(1).Sub(a.sellImpactLocked(addr, side, amount))))
	base = eff.Mul(amount).Truncate(18)
	fee = base.Mul(a.cfg.SafeBoxFee).Truncate(18)
	return base.Sub(fee), base, fee, nil
}

func (a *AMM) clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(a.cfg.MinSupportedPrice) {
		return a.cfg.MinSupportedPrice
	}
	if p.GreaterThan(a.cfg.MaxSupportedPrice) {
		return a.cfg.MaxSupportedPrice
	}
	return p
}

// BuyFromAMM sells amount of a side to the caller at the current quote.
// expectedCost is the caller's quoted price; the trade is refused when the
// actual cost exceeds expectedCost·(1+maxSlippage).
func (a *AMM) BuyFromAMM(ctx context.Context, caller domain.Address, addr domain.Address, side domain.OptionSide, amount, expectedCost, maxSlippage decimal.Decimal) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buyLocked(ctx, caller, addr, side, amount, expectedCost, maxSlippage, a.collateral.Symbol(), nil)
}

func (a *AMM) buyLocked(ctx context.Context, caller domain.Address, addr domain.Address, side domain.OptionSide, amount, expectedCost, maxSlippage decimal.Decimal, collateralSymbol string, referrer *domain.Address) (decimal.Decimal, error) {
	mkt, ok := a.mgr.Market(addr)
	if !ok {
		return decimal.Zero, domain.ErrMarketUnknown
	}
	quote, base, fee, err := a.buyQuoteLocked(addr, side, amount)
	if err != nil {
		return decimal.Zero, err
	}
	if quote.GreaterThan(expectedCost.Mul(decimal.NewFromInt(1).Add(maxSlippage))) {
		return decimal.Zero, domain.ErrSlippage
	}
	now := a.cfg.Clock()

	if err := a.collateral.Transfer(caller, a.cfg.Address, quote); err != nil {
		return decimal.Zero, fmt.Errorf("amm: collect premium: %w", err)
	}

	// Mint whatever the AMM's inventory cannot cover. The mint draws on the
	// AMM's own capital; an underfunded AMM refuses the trade here.
	long, short := mkt.Balances(a.cfg.Address)
	inv := long
	if side == domain.Short {
		inv = short
	}
	minted := decimal.Zero
	if need := amount.Sub(inv); need.IsPositive() {
		if err := mkt.Mint(a.cfg.Address, need, now); err != nil {
			_ = a.collateral.Transfer(a.cfg.Address, caller, quote)
			return decimal.Zero, fmt.Errorf("amm: mint inventory: %w", errors.Join(domain.ErrInsufficientCapital, err))
		}
		minted = need
	}
	if err := mkt.TransferOptions(side, a.cfg.Address, caller, amount); err != nil {
		return decimal.Zero, fmt.Errorf("amm: deliver options: %w", err)
	}
	a.routeFee(fee, referrer)

	exp := a.exposure[addr]
	if side == domain.Long {
		exp.long = exp.long.Add(amount)
	} else {
		exp.short = exp.short.Add(amount)
	}
	a.exposure[addr] = exp
	a.spent[addr] = floorZero(a.spent[addr].Add(minted).Sub(base))

	a.record(ctx, domain.TradeFill{
		ID:         uuid.NewString(),
		Market:     addr,
		Trader:     caller,
		Side:       side,
		Direction:  domain.DirectionBuy,
		Amount:     amount,
		Price:      base.DivRound(amount, 18),
		Paid:       quote,
		SafeBoxFee: fee,
		Collateral: collateralSymbol,
		Referrer:   referrer,
		CreatedAt:  now,
	})
	return quote, nil
}

// SellToAMM buys amount of a side back from the caller. The trade is refused
// when the proceeds fall below expectedPayout·(1−maxSlippage).
func (a *AMM) SellToAMM(ctx context.Context, caller domain.Address, addr domain.Address, side domain.OptionSide, amount, expectedPayout, maxSlippage decimal.Decimal) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mkt, ok := a.mgr.Market(addr)
	if !ok {
		return decimal.Zero, domain.ErrMarketUnknown
	}
	proceeds, _, fee, err := a.sellQuoteLocked(addr, side, amount)
	if err != nil {
		return decimal.Zero, err
	}
	if proceeds.LessThan(expectedPayout.Mul(decimal.NewFromInt(1).Sub(maxSlippage))) {
		return decimal.Zero, domain.ErrSlippage
	}
	now := a.cfg.Clock()

	if err := mkt.TransferOptions(side, caller, a.cfg.Address, amount); err != nil {
		return decimal.Zero, fmt.Errorf("amm: collect options: %w", err)
	}

	// Matched pairs in AMM inventory are dead risk; burn them back into
	// collateral before paying the seller.
	recovered := decimal.Zero
	if burnable := mkt.MaximumBurnable(a.cfg.Address); burnable.IsPositive() {
		if err := mkt.BurnOptions(a.cfg.Address, burnable, now); err == nil {
			recovered = burnable
		}
	}

	if err := a.collateral.Transfer(a.cfg.Address, caller, proceeds); err != nil {
		_ = mkt.TransferOptions(side, a.cfg.Address, caller, amount)
		return decimal.Zero, fmt.Errorf("amm: pay proceeds: %w", errors.Join(domain.ErrInsufficientCapital, err))
	}
	a.routeFee(fee, nil)

	exp := a.exposure[addr]
	if side == domain.Long {
		exp.long = floorZero(exp.long.Sub(amount))
	} else {
		exp.short = floorZero(exp.short.Sub(amount))
	}
	a.exposure[addr] = exp
	a.spent[addr] = floorZero(a.spent[addr].Add(proceeds).Add(fee).Sub(recovered))

	a.record(ctx, domain.TradeFill{
		ID:         uuid.NewString(),
		Market:     addr,
		Trader:     caller,
		Side:       side,
		Direction:  domain.DirectionSell,
		Amount:     amount,
		Price:      proceeds.Add(fee).DivRound(amount, 18),
		Paid:       proceeds,
		SafeBoxFee: fee,
		Collateral: a.collateral.Symbol(),
		CreatedAt:  now,
	})
	return proceeds, nil
}

// BuyWithDifferentCollateral buys with an alternate stablecoin: the coin is
// swapped to base collateral through the stable pool, then the buy proceeds
// normally. A referrer, when given, earns a share of the safe-box fee.
func (a *AMM) BuyWithDifferentCollateral(ctx context.Context, caller domain.Address, addr domain.Address, side domain.OptionSide, amount, expectedCost, maxSlippage decimal.Decimal, collateralSymbol string, referrer *domain.Address) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.swaps == nil {
		return decimal.Zero, domain.ErrUnsupportedCollateral
	}
	in, ok := a.swaps.IndexOf(collateralSymbol)
	if !ok {
		return decimal.Zero, domain.ErrUnsupportedCollateral
	}
	out, ok := a.swaps.IndexOf(a.collateral.Symbol())
	if !ok {
		return decimal.Zero, domain.ErrUnsupportedCollateral
	}

	quote, _, _, err := a.buyQuoteLocked(addr, side, amount)
	if err != nil {
		return decimal.Zero, err
	}

	// Size the input leg off the pool's current rate for this trade size,
	// then require the swap to deliver at least the full base quote.
	probe, err := a.swaps.GetDy(in, out, quote)
	if err != nil {
		return decimal.Zero, err
	}
	if !probe.IsPositive() {
		return decimal.Zero, domain.ErrNotEnoughLiquidity
	}
	// A hair over the rate-implied input absorbs the marginal rate decay
	// between the probe size and the actual leg.
	dx := quote.Mul(quote).DivRound(probe, 18).Mul(decimal.NewFromFloat(1.001)).Truncate(18)

	dev, err := a.swaps.PegDeviation(in, out, dx)
	if err != nil {
		return decimal.Zero, err
	}
	if dev.GreaterThan(a.cfg.MaxAllowedPegSlippage) {
		return decimal.Zero, domain.ErrPegSlippage
	}
	if _, err := a.swaps.Exchange(caller, in, out, dx, quote); err != nil {
		return decimal.Zero, fmt.Errorf("amm: swap collateral: %w", err)
	}
	return a.buyLocked(ctx, caller, addr, side, amount, expectedCost, maxSlippage, collateralSymbol, referrer)
}

// ExerciseMaturedMarket redeems the AMM's options on a resolved market and
// clears its risk book for that market.
func (a *AMM) ExerciseMaturedMarket(ctx context.Context, addr domain.Address) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mkt, ok := a.mgr.Market(addr)
	if !ok {
		return decimal.Zero, domain.ErrMarketUnknown
	}
	payout, err := mkt.Exercise(a.cfg.Address, a.cfg.Clock())
	if err != nil && !errors.Is(err, domain.ErrNothingToPay) {
		return decimal.Zero, fmt.Errorf("amm: exercise: %w", err)
	}
	delete(a.spent, addr)
	delete(a.exposure, addr)
	a.logger.InfoContext(ctx, "exercised matured market",
		slog.String("market", addr.Hex()),
		slog.String("payout", payout.String()))
	return payout, nil
}

// routeFee moves the safe-box fee out of the AMM account, carving out the
// referrer's share when one is attached.
func (a *AMM) routeFee(fee decimal.Decimal, referrer *domain.Address) {
	if !fee.IsPositive() {
		return
	}
	cut := decimal.Zero
	if referrer != nil {
		cut = fee.Mul(a.cfg.ReferrerFee).Truncate(18)
		if cut.IsPositive() {
			_ = a.collateral.Transfer(a.cfg.Address, *referrer, cut)
		}
	}
	_ = a.collateral.Transfer(a.cfg.Address, a.cfg.SafeBox, fee.Sub(cut))
}

func (a *AMM) record(ctx context.Context, fill domain.TradeFill) {
	if a.fills != nil {
		if err := a.fills.Insert(ctx, fill); err != nil {
			a.logger.WarnContext(ctx, "persist fill failed", slog.Any("error", err))
		}
	}
	if a.bus != nil {
		ev := domain.Event{
			Type:   domain.EventTradeExecuted,
			Market: fill.Market,
			Amount: fill.Amount,
			At:     fill.CreatedAt,
		}
		if err := a.bus.Publish(ctx, ev); err != nil {
			a.logger.WarnContext(ctx, "publish trade event failed", slog.Any("error", err))
		}
	}
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
