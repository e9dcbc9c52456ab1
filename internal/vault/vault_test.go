package vault

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/kestrel/internal/amm"
	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
	"github.com/kestrel-labs/kestrel/internal/manager"
	"github.com/kestrel-labs/kestrel/internal/market"
	"github.com/kestrel-labs/kestrel/internal/oracle"
	"github.com/kestrel-labs/kestrel/internal/pool"
)

func addr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

var (
	owner    = addr(0xA0)
	creator  = addr(0x01)
	alice    = addr(0x02)
	feeSink  = addr(0xFE)
	safeBox  = addr(0x5B)
	ammAddr  = addr(0xA1)
	custody  = addr(0xAA)
	poolAddr = addr(0xF1)
)

type fixture struct {
	now        time.Time
	collateral *ledger.Ledger
	feed       *oracle.Feed
	mgr        *manager.Manager
	engine     *amm.AMM
	pool       *pool.Pool
	vault      *Vault
}

// advance moves the shared clock and refreshes the oracle so rates never go
// stale across the jump.
func (f *fixture) advance(d time.Duration, rate int64) {
	f.now = f.now.Add(d)
	f.feed.UpdateRate(context.Background(), "sAUD", decimal.NewFromInt(rate), f.now)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:        time.Unix(1_700_000_000, 0),
		collateral: ledger.New("sUSD"),
		feed:       oracle.NewFeed(time.Hour, nil, slog.Default()),
	}
	clock := func() time.Time { return f.now }
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
		Clock:                     clock,
	}, f.collateral, market.NewFactory(), f.feed, slog.Default())

	pricer := amm.NewPricer(map[string]decimal.Decimal{"sAUD": decimal.NewFromInt(1)}, decimal.NewFromInt(1))
	f.engine = amm.New(amm.Config{
		Address:               ammAddr,
		SafeBox:               safeBox,
		SafeBoxFee:            decimal.RequireFromString("0.01"),
		MinSupportedPrice:     decimal.RequireFromString("0.05"),
		MaxSupportedPrice:     decimal.RequireFromString("0.95"),
		MaxPriceImpact:        decimal.RequireFromString("0.05"),
		CapPerMarket:          decimal.NewFromInt(1000),
		MinMaturityLeft:       time.Hour,
		MaxAllowedPegSlippage: decimal.RequireFromString("0.02"),
		Clock:                 clock,
	}, pricer, f.mgr, f.feed, f.collateral, nil, slog.Default())

	f.pool = pool.New(pool.Config{
		Address:           poolAddr,
		RoundLength:       7 * 24 * time.Hour,
		MinDepositAmount:  decimal.NewFromInt(10),
		MaxAllowedDeposit: decimal.NewFromInt(10000),
		Clock:             clock,
	}, f.collateral, slog.Default())

	f.vault = New(Config{
		PriceLowerLimit:        decimal.RequireFromString("0.10"),
		PriceUpperLimit:        decimal.RequireFromString("0.90"),
		SkewImpactLimit:        decimal.RequireFromString("0.05"),
		MaxSlippage:            decimal.RequireFromString("0.01"),
		AllocationLimits:       map[string]decimal.Decimal{"sAUD": decimal.RequireFromString("0.5")},
		DefaultAllocationLimit: decimal.RequireFromString("0.1"),
		Clock:                  clock,
	}, f.engine, f.mgr, f.pool, slog.Default())

	require.NoError(t, f.collateral.Issue(creator, creator, decimal.NewFromInt(1000)))
	require.NoError(t, f.collateral.Issue(alice, alice, decimal.NewFromInt(500)))
	require.NoError(t, f.collateral.Issue(ammAddr, ammAddr, decimal.NewFromInt(5000)))

	// Round 1 exists only to activate alice's capital for round 2.
	require.NoError(t, f.pool.Deposit(context.Background(), alice, decimal.NewFromInt(500)))
	f.advance(7*24*time.Hour+time.Minute, 100)
	require.NoError(t, f.pool.CloseRound(context.Background(), nil))
	return f
}

func (f *fixture) createMarket(t *testing.T, strike int64, maturityOffset time.Duration) *market.Market {
	t.Helper()
	mkt, err := f.mgr.CreateMarket(context.Background(), creator, "sAUD",
		decimal.NewFromInt(strike), f.now.Add(maturityOffset), decimal.NewFromInt(1))
	require.NoError(t, err)
	return mkt
}

func TestTradeScreening(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.vault.Trade(ctx, addr(0xDD), domain.Long, decimal.NewFromInt(10))
	require.ErrorIs(t, err, domain.ErrMarketNotValid)

	// Matures after the round ends.
	late := f.createMarket(t, 100, 10*24*time.Hour)
	_, err = f.vault.Trade(ctx, late.Address(), domain.Long, decimal.NewFromInt(10))
	require.ErrorIs(t, err, domain.ErrMarketNotValid)

	// Prices outside the vault's band.
	deep := f.createMarket(t, 60, 3*24*time.Hour)
	_, err = f.vault.Trade(ctx, deep.Address(), domain.Long, decimal.NewFromInt(10))
	require.ErrorIs(t, err, domain.ErrMarketNotValid)

	ok := f.createMarket(t, 100, 3*24*time.Hour)
	paid, err := f.vault.Trade(ctx, ok.Address(), domain.Long, decimal.NewFromInt(10))
	require.NoError(t, err)
	require.True(t, paid.IsPositive())
	require.Equal(t, 1, f.vault.TradedMarkets())
	require.True(t, f.vault.SpentOnAsset("sAUD").Equal(paid))

	long, _ := ok.Balances(poolAddr)
	require.True(t, long.Equal(decimal.NewFromInt(10)))
}

func TestAllocationLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mkt := f.createMarket(t, 100, 3*24*time.Hour)
	// Round capital is 500, sAUD limit 50%: a ~57 spend fits, a second
	// ~230 spend does not.
	_, err := f.vault.Trade(ctx, mkt.Address(), domain.Long, decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = f.vault.Trade(ctx, mkt.Address(), domain.Long, decimal.NewFromInt(400))
	require.ErrorIs(t, err, domain.ErrAllocationExceeded)
}

func TestCloseRoundSettlesPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mkt := f.createMarket(t, 100, 3*24*time.Hour)
	paid, err := f.vault.Trade(ctx, mkt.Address(), domain.Long, decimal.NewFromInt(100))
	require.NoError(t, err)

	require.ErrorIs(t, f.vault.CloseRound(ctx), domain.ErrRoundNotFinished)

	// Round over, market matured but not yet resolved.
	f.advance(7*24*time.Hour+time.Minute, 105)
	require.ErrorIs(t, f.vault.CloseRound(ctx), domain.ErrMarketsUnresolved)

	require.NoError(t, f.mgr.ResolveMarket(ctx, mkt.Address()))
	require.NoError(t, f.vault.CloseRound(ctx))

	// Long won: the payout exceeds the premium paid, so the pool profits.
	require.True(t, f.pool.BalanceOf(alice).GreaterThan(decimal.NewFromInt(500)),
		"balance %s after paying %s", f.pool.BalanceOf(alice), paid)
	require.Equal(t, 0, f.vault.TradedMarkets())
	require.True(t, f.vault.SpentOnAsset("sAUD").IsZero())

	long, short := mkt.Balances(poolAddr)
	require.True(t, long.IsZero() && short.IsZero())
}
