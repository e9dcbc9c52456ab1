package amm

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
	"github.com/kestrel-labs/kestrel/internal/manager"
	"github.com/kestrel-labs/kestrel/internal/market"
	"github.com/kestrel-labs/kestrel/internal/oracle"
	"github.com/kestrel-labs/kestrel/internal/swap"
)

func addr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

var (
	owner    = addr(0xA0)
	creator  = addr(0x01)
	trader   = addr(0x02)
	referrer = addr(0x03)
	feeSink  = addr(0xFE)
	safeBox  = addr(0x5B)
	ammAddr  = addr(0xA1)
	custody  = addr(0xAA)
)

type fixture struct {
	now        time.Time
	collateral *ledger.Ledger
	feed       *oracle.Feed
	mgr        *manager.Manager
	amm        *AMM
	mkt        *market.Market
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:        time.Unix(1_700_000_000, 0),
		collateral: ledger.New("sUSD"),
		feed:       oracle.NewFeed(time.Hour, nil, slog.Default()),
	}
	f.feed.UpdateRate(context.Background(), "sAUD", decimal.NewFromInt(100), f.now)

	f.mgr = manager.New(manager.Config{
		Address:                   custody,
		Owner:                     owner,
		FeeAddress:                feeSink,
		MaxTimeToMaturity:         100 * 24 * time.Hour,
		ExpiryDuration:            26 * 7 * 24 * time.Hour,
		CreatorCapitalRequirement: decimal.NewFromInt(1),
		PoolFee:                   decimal.RequireFromString("0.005"),
		CreatorFee:                decimal.RequireFromString("0.002"),
		Clock:                     func() time.Time { return f.now },
	}, f.collateral, market.NewFactory(), f.feed, slog.Default())

	pricer := NewPricer(map[string]decimal.Decimal{"sAUD": decimal.NewFromInt(1)}, decimal.NewFromInt(1))
	f.amm = New(Config{
		Address:               ammAddr,
		SafeBox:               safeBox,
		SafeBoxFee:            decimal.RequireFromString("0.01"),
		ReferrerFee:           decimal.RequireFromString("0.05"),
		MinSupportedPrice:     decimal.RequireFromString("0.05"),
		MaxSupportedPrice:     decimal.RequireFromString("0.95"),
		MaxPriceImpact:        decimal.RequireFromString("0.05"),
		CapPerMarket:          decimal.NewFromInt(1000),
		MinMaturityLeft:       time.Hour,
		MaxAllowedPegSlippage: decimal.RequireFromString("0.02"),
		Clock:                 func() time.Time { return f.now },
	}, pricer, f.mgr, f.feed, f.collateral, nil, slog.Default())

	require.NoError(t, f.collateral.Issue(creator, creator, decimal.NewFromInt(1000)))
	require.NoError(t, f.collateral.Issue(trader, trader, decimal.NewFromInt(1000)))
	require.NoError(t, f.collateral.Issue(ammAddr, ammAddr, decimal.NewFromInt(5000)))

	mkt, err := f.mgr.CreateMarket(context.Background(), creator, "sAUD",
		decimal.NewFromInt(100), f.now.Add(30*24*time.Hour), decimal.NewFromInt(1))
	require.NoError(t, err)
	f.mkt = mkt
	return f
}

func TestPriceComplementarity(t *testing.T) {
	f := newFixture(t)
	long, err := f.amm.Price(f.mkt.Address(), domain.Long)
	require.NoError(t, err)
	short, err := f.amm.Price(f.mkt.Address(), domain.Short)
	require.NoError(t, err)
	require.True(t, long.Add(short).Equal(decimal.NewFromInt(1)))
	require.True(t, long.IsPositive() && long.LessThan(decimal.NewFromInt(1)))
}

func TestQuoteExecuteEquivalence(t *testing.T) {
	f := newFixture(t)
	amount := decimal.NewFromInt(10)

	quote, err := f.amm.BuyQuote(f.mkt.Address(), domain.Long, amount)
	require.NoError(t, err)

	paid, err := f.amm.BuyFromAMM(context.Background(), trader, f.mkt.Address(),
		domain.Long, amount, quote, decimal.Zero)
	require.NoError(t, err)
	require.True(t, paid.Equal(quote), "quoted %s, paid %s", quote, paid)

	long, _ := f.mkt.Balances(trader)
	require.True(t, long.Equal(amount))
}

func TestImpactMonotoneAndBounded(t *testing.T) {
	f := newFixture(t)
	mktAddr := f.mkt.Address()

	small := f.amm.BuyPriceImpact(mktAddr, domain.Long, decimal.NewFromInt(5))
	big := f.amm.BuyPriceImpact(mktAddr, domain.Long, decimal.NewFromInt(50))
	require.True(t, big.GreaterThan(small))

	full := f.amm.AvailableToBuy(mktAddr, domain.Long)
	require.True(t, full.IsPositive())
	maxed := f.amm.BuyPriceImpact(mktAddr, domain.Long, full)
	require.True(t, maxed.LessThanOrEqual(decimal.RequireFromString("0.05")))

	// Long exposure on the books makes buying short cheaper than fair.
	_, err := f.amm.BuyFromAMM(context.Background(), trader, mktAddr,
		domain.Long, decimal.NewFromInt(50), decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, f.amm.BuyPriceImpact(mktAddr, domain.Short, decimal.NewFromInt(1)).IsNegative())
}

func TestBuyRoutesFees(t *testing.T) {
	f := newFixture(t)
	amount := decimal.NewFromInt(10)

	paid, err := f.amm.BuyFromAMM(context.Background(), trader, f.mkt.Address(),
		domain.Long, amount, decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, err)

	fee := f.collateral.BalanceOf(safeBox)
	require.True(t, fee.IsPositive())
	// Fee is 1% of the base quote; paid = base + fee.
	require.True(t, paid.Sub(fee).Mul(decimal.RequireFromString("0.01")).Sub(fee).Abs().LessThan(decimal.RequireFromString("0.000001")))
	require.True(t, f.amm.SpentOnMarket(f.mkt.Address()).IsPositive())
}

func TestBuySlippageGuard(t *testing.T) {
	f := newFixture(t)
	quote, err := f.amm.BuyQuote(f.mkt.Address(), domain.Long, decimal.NewFromInt(10))
	require.NoError(t, err)

	lowball := quote.Mul(decimal.RequireFromString("0.9"))
	_, err = f.amm.BuyFromAMM(context.Background(), trader, f.mkt.Address(),
		domain.Long, decimal.NewFromInt(10), lowball, decimal.RequireFromString("0.01"))
	require.ErrorIs(t, err, domain.ErrSlippage)
}

func TestSellRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	amount := decimal.NewFromInt(10)

	paid, err := f.amm.BuyFromAMM(ctx, trader, f.mkt.Address(), domain.Long,
		amount, decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, err)

	proceeds, err := f.amm.SellToAMM(ctx, trader, f.mkt.Address(), domain.Long,
		amount, decimal.Zero, decimal.NewFromInt(1))
	require.NoError(t, err)

	// Fees and impact make the round trip strictly lossy for the trader.
	require.True(t, proceeds.LessThan(paid))
	long, _ := f.mkt.Balances(trader)
	require.True(t, long.IsZero())
}

func TestSellSlippageGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.amm.BuyFromAMM(ctx, trader, f.mkt.Address(), domain.Long,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, err)

	_, err = f.amm.SellToAMM(ctx, trader, f.mkt.Address(), domain.Long,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.Zero)
	require.ErrorIs(t, err, domain.ErrSlippage)
}

func TestAvailability(t *testing.T) {
	f := newFixture(t)

	// Fresh market inside the band quotes a positive size both ways.
	require.True(t, f.amm.AvailableToBuy(f.mkt.Address(), domain.Long).IsPositive())
	require.True(t, f.amm.AvailableToSell(f.mkt.Address(), domain.Short).IsPositive())

	// A deep in-the-money market prices outside the supported band.
	deep, err := f.mgr.CreateMarket(context.Background(), creator, "sAUD",
		decimal.NewFromInt(10), f.now.Add(30*24*time.Hour), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, f.amm.AvailableToBuy(deep.Address(), domain.Long).IsZero())

	// Stale rate suspends quoting entirely.
	f.now = f.now.Add(2 * time.Hour)
	require.True(t, f.amm.AvailableToBuy(f.mkt.Address(), domain.Long).IsZero())
	_, err = f.amm.BuyQuote(f.mkt.Address(), domain.Long, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrNotEnoughLiquidity)
}

func TestBuyWithDifferentCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dai := ledger.New("DAI")
	poolAddr := addr(0xF0)
	require.NoError(t, dai.Issue(poolAddr, poolAddr, decimal.NewFromInt(10000)))
	require.NoError(t, f.collateral.Issue(poolAddr, poolAddr, decimal.NewFromInt(10000)))
	require.NoError(t, dai.Issue(trader, trader, decimal.NewFromInt(500)))

	pool := swap.New(poolAddr, decimal.RequireFromString("0.0004"), decimal.RequireFromString("0.05"))
	pool.RegisterCoin(swap.Coin{Symbol: "sUSD", Ledger: f.collateral}, decimal.NewFromInt(10000))
	pool.RegisterCoin(swap.Coin{Symbol: "DAI", Ledger: dai}, decimal.NewFromInt(10000))
	f.amm.swaps = pool

	_, err := f.amm.BuyWithDifferentCollateral(ctx, trader, f.mkt.Address(), domain.Long,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.NewFromInt(1), "USDT", &referrer)
	require.ErrorIs(t, err, domain.ErrUnsupportedCollateral)

	paid, err := f.amm.BuyWithDifferentCollateral(ctx, trader, f.mkt.Address(), domain.Long,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.NewFromInt(1), "DAI", &referrer)
	require.NoError(t, err)
	require.True(t, paid.IsPositive())

	long, _ := f.mkt.Balances(trader)
	require.True(t, long.Equal(decimal.NewFromInt(10)))
	require.True(t, f.collateral.BalanceOf(referrer).IsPositive())
	require.True(t, dai.BalanceOf(trader).LessThan(decimal.NewFromInt(500)))

	// A zero peg tolerance refuses any real swap, which always bears a fee.
	f.amm.cfg.MaxAllowedPegSlippage = decimal.Zero
	_, err = f.amm.BuyWithDifferentCollateral(ctx, trader, f.mkt.Address(), domain.Long,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.NewFromInt(1), "DAI", &referrer)
	require.ErrorIs(t, err, domain.ErrPegSlippage)
}

func TestExerciseMaturedMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Trader buys short; the AMM keeps the minted long inventory.
	_, err := f.amm.BuyFromAMM(ctx, trader, f.mkt.Address(), domain.Short,
		decimal.NewFromInt(10), decimal.NewFromInt(100), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, f.amm.SpentOnMarket(f.mkt.Address()).IsPositive())

	f.now = f.now.Add(30*24*time.Hour + time.Minute)
	f.feed.UpdateRate(ctx, "sAUD", decimal.NewFromInt(105), f.now)
	require.NoError(t, f.mgr.ResolveMarket(ctx, f.mkt.Address()))

	before := f.collateral.BalanceOf(ammAddr)
	payout, err := f.amm.ExerciseMaturedMarket(ctx, f.mkt.Address())
	require.NoError(t, err)
	require.True(t, payout.IsPositive())
	require.True(t, f.collateral.BalanceOf(ammAddr).GreaterThan(before))
	require.True(t, f.amm.SpentOnMarket(f.mkt.Address()).IsZero())
}
