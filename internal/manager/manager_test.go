package manager

import (
	"context"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
	"github.com/kestrel-labs/kestrel/internal/market"
	"github.com/kestrel-labs/kestrel/internal/oracle"
)

func addr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

var (
	owner   = addr(0xA0)
	creator = addr(0x01)
	feeSink = addr(0xFE)
)

type fixture struct {
	now        time.Time
	collateral *ledger.Ledger
	feed       *oracle.Feed
	mgr        *Manager
}

func newFixture(t *testing.T, custody domain.Address) *fixture {
	t.Helper()
	f := &fixture{
		now:        time.Unix(1_700_000_000, 0),
		collateral: ledger.New("sUSD"),
		feed:       oracle.NewFeed(time.Hour, nil, slog.Default()),
	}
	f.feed.UpdateRate(context.Background(), "sAUD", decimal.NewFromInt(100), f.now)

	f.mgr = New(Config{
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

	require.NoError(t, f.collateral.Issue(creator, creator, decimal.NewFromInt(1000)))
	return f
}

func (f *fixture) create(t *testing.T, strike, mint int64, maturityOffset time.Duration) *market.Market {
	t.Helper()
	mkt, err := f.mgr.CreateMarket(context.Background(), creator, "sAUD",
		decimal.NewFromInt(strike), f.now.Add(maturityOffset), decimal.NewFromInt(mint))
	require.NoError(t, err)
	return mkt
}

func TestCreateMarketConstraints(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	ctx := context.Background()

	// Maturity out of bounds.
	_, err := f.mgr.CreateMarket(ctx, creator, "sAUD", decimal.NewFromInt(100),
		f.now.Add(200*24*time.Hour), decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrInvalidMaturity)

	_, err = f.mgr.CreateMarket(ctx, creator, "sAUD", decimal.NewFromInt(100),
		f.now.Add(-time.Hour), decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrInvalidMaturity)

	// Stale oracle.
	_, err = f.mgr.CreateMarket(ctx, creator, "sXYZ", decimal.NewFromInt(100),
		f.now.Add(time.Hour), decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrStaleRate)

	// Capital requirement.
	_, err = f.mgr.CreateMarket(ctx, creator, "sAUD", decimal.NewFromInt(100),
		f.now.Add(time.Hour), decimal.RequireFromString("0.5"))
	require.ErrorIs(t, err, domain.ErrInsufficientCapital)

	// Success, then duplicate triple.
	f.create(t, 100, 1, time.Hour)
	_, err = f.mgr.CreateMarket(ctx, creator, "sAUD", decimal.NewFromInt(100),
		f.now.Add(time.Hour), decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrMarketExists)

	// Different strike is a different market.
	f.create(t, 110, 1, time.Hour)
	require.Equal(t, 2, f.mgr.NumActiveMarkets())
}

func TestWhitelistGating(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	ctx := context.Background()

	require.NoError(t, f.mgr.SetWhitelistEnabled(owner, true))
	_, err := f.mgr.CreateMarket(ctx, creator, "sAUD", decimal.NewFromInt(100),
		f.now.Add(time.Hour), decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrNotWhitelisted)

	require.ErrorIs(t, f.mgr.AddWhitelistedAddress(creator, creator), domain.ErrOnlyOwner)
	require.NoError(t, f.mgr.AddWhitelistedAddress(owner, creator))

	_, err = f.mgr.CreateMarket(ctx, creator, "sAUD", decimal.NewFromInt(100),
		f.now.Add(time.Hour), decimal.NewFromInt(1))
	require.NoError(t, err)
}

func TestTotalDepositedConservation(t *testing.T) {
	f := newFixture(t, addr(0xAA))

	m1 := f.create(t, 100, 1, time.Hour)
	f.create(t, 110, 2, time.Hour)
	f.create(t, 120, 3, time.Hour)
	require.True(t, f.mgr.TotalDeposited().Equal(decimal.NewFromInt(6)),
		"totalDeposited = 1+2+3, got %s", f.mgr.TotalDeposited())

	require.NoError(t, m1.Mint(creator, decimal.NewFromInt(2), f.now))
	require.True(t, f.mgr.TotalDeposited().Equal(decimal.NewFromInt(8)))

	// totalDeposited always equals the sum over known markets.
	sum := decimal.Zero
	for _, a := range f.mgr.ActiveMarkets(0, 100) {
		mkt, ok := f.mgr.Market(a)
		require.True(t, ok)
		sum = sum.Add(mkt.Deposited())
	}
	require.True(t, sum.Equal(f.mgr.TotalDeposited()))
}

func TestPagination(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	var created []domain.Address
	for i := int64(0); i < 5; i++ {
		created = append(created, f.create(t, 100+i, 1, time.Hour).Address())
	}

	require.Empty(t, f.mgr.ActiveMarkets(5, 10), "index >= len")
	require.Empty(t, f.mgr.ActiveMarkets(0, 0), "pageSize == 0")
	require.Len(t, f.mgr.ActiveMarkets(0, 3), 3)
	require.Len(t, f.mgr.ActiveMarkets(3, 10), 2)

	// Window slides over the full set without gaps.
	var paged []domain.Address
	for i := 0; i < 5; i += 2 {
		paged = append(paged, f.mgr.ActiveMarkets(i, 2)...)
	}
	require.ElementsMatch(t, created, paged)
}

func TestSwapAndPopOrdering(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	var created []domain.Address
	for i := int64(0); i < 4; i++ {
		created = append(created, f.create(t, 100+i, 1, time.Hour).Address())
	}

	// Expire the second market: the last one swaps into its slot.
	require.NoError(t, f.mgr.ExpireMarkets(context.Background(), owner, created[1:2]))

	got := f.mgr.ActiveMarkets(0, 10)
	require.Len(t, got, 3)
	require.Equal(t, created[0], got[0])
	require.Equal(t, created[3], got[1], "last element swapped into removed slot")
	require.Equal(t, created[2], got[2])

	// Membership is exact regardless of order.
	want := []domain.Address{created[0], created[2], created[3]}
	sort.Slice(got, func(i, j int) bool { return got[i].Hex() < got[j].Hex() })
	sort.Slice(want, func(i, j int) bool { return want[i].Hex() < want[j].Hex() })
	require.Equal(t, want, got)
}

func TestMarketLifecycleScenario(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	ctx := context.Background()

	before := f.mgr.TotalDeposited()
	mkt, err := f.mgr.CreateMarket(ctx, creator, "sAUD", decimal.NewFromInt(100),
		f.now.Add(200*time.Second), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, f.mgr.TotalDeposited().Equal(before.Add(decimal.NewFromInt(1))))

	// Cannot resolve before maturity.
	require.ErrorIs(t, f.mgr.ResolveMarket(ctx, mkt.Address()), domain.ErrCannotResolve)

	// Past maturity with a stale rate it still blocks.
	f.now = f.now.Add(2 * time.Hour)
	require.ErrorIs(t, f.mgr.ResolveMarket(ctx, mkt.Address()), domain.ErrCannotResolve)

	// Fresh rate above strike resolves long.
	f.feed.UpdateRate(ctx, "sAUD", decimal.NewFromInt(105), f.now)
	require.NoError(t, f.mgr.ResolveMarket(ctx, mkt.Address()))
	require.Equal(t, domain.LongWins, mkt.Result())
	require.Equal(t, 0, f.mgr.NumActiveMarkets())
	require.Equal(t, 1, f.mgr.NumMaturedMarkets())

	// Second resolution fails.
	require.ErrorIs(t, f.mgr.ResolveMarket(ctx, mkt.Address()), domain.ErrNotActiveMarket)

	// Expiry sweeps the remainder and restores totalDeposited.
	require.NoError(t, f.mgr.ExpireMarkets(ctx, owner, []domain.Address{mkt.Address()}))
	require.True(t, f.mgr.TotalDeposited().Equal(before),
		"totalDeposited restored, got %s", f.mgr.TotalDeposited())
	_, known := f.mgr.Market(mkt.Address())
	require.False(t, known, "expired market is unknown")

	// Expiring an unknown market fails.
	err = f.mgr.ExpireMarkets(ctx, owner, []domain.Address{mkt.Address()})
	require.ErrorIs(t, err, domain.ErrNotKnownMarket)
}

func TestExpireOwnerOnly(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	mkt := f.create(t, 100, 1, time.Hour)
	err := f.mgr.ExpireMarkets(context.Background(), creator, []domain.Address{mkt.Address()})
	require.ErrorIs(t, err, domain.ErrOnlyOwner)
}

func TestBurnOptionsBounds(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	bob := addr(0x02)

	mkt := f.create(t, 100, 2, time.Hour)
	// creator: long 2 / short 2; hand one short to bob so the sides differ.
	require.NoError(t, mkt.TransferOptions(domain.Short, creator, bob, decimal.NewFromInt(1)))

	long, short := mkt.Balances(creator)
	require.True(t, long.Equal(decimal.NewFromInt(2)))
	require.True(t, short.Equal(decimal.NewFromInt(1)))

	require.ErrorIs(t, mkt.BurnOptions(creator, decimal.Zero, f.now), domain.ErrBurnZero)
	require.ErrorIs(t, mkt.BurnOptions(creator, decimal.NewFromInt(2), f.now), domain.ErrBurnTooMuch)

	max := mkt.MaximumBurnable(creator)
	require.True(t, max.Equal(decimal.NewFromInt(1)))
	balBefore := f.collateral.BalanceOf(creator)
	require.NoError(t, mkt.BurnOptions(creator, max, f.now))

	long, short = mkt.Balances(creator)
	require.True(t, short.IsZero(), "smaller side zeroed")
	require.True(t, long.Equal(decimal.NewFromInt(1)), "other side reduced equally")
	require.True(t, f.collateral.BalanceOf(creator).Equal(balBefore.Add(decimal.NewFromInt(1))))
	require.True(t, f.mgr.TotalDeposited().Equal(decimal.NewFromInt(1)))
}

func TestDepositAccessControl(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	mkt := f.create(t, 100, 1, time.Hour)
	stranger := addr(0x55)

	err := f.mgr.IncrementTotalDeposited(stranger, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrNotActiveForDeposit)

	err = f.mgr.DecrementTotalDeposited(stranger, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrNotKnownMarket)

	err = f.mgr.TransferCollateral(stranger, creator, stranger, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrMarketUnknown)

	// A matured market may still decrement but not increment.
	f.now = f.now.Add(2 * time.Hour)
	f.feed.UpdateRate(context.Background(), "sAUD", decimal.NewFromInt(99), f.now)
	require.NoError(t, f.mgr.ResolveMarket(context.Background(), mkt.Address()))

	err = f.mgr.IncrementTotalDeposited(mkt.Address(), decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrNotActiveForDeposit)
	require.NoError(t, f.mgr.DecrementTotalDeposited(mkt.Address(), decimal.Zero))
}

func TestExerciseAfterResolution(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	ctx := context.Background()

	mkt := f.create(t, 100, 10, time.Hour)
	require.ErrorIs(t, func() error { _, err := mkt.Exercise(creator, f.now); return err }(),
		domain.ErrNotResolved)

	f.now = f.now.Add(2 * time.Hour)
	f.feed.UpdateRate(ctx, "sAUD", decimal.NewFromInt(101), f.now)
	require.NoError(t, f.mgr.ResolveMarket(ctx, mkt.Address()))

	// Fees were remitted at resolution: 10 * (0.005 + 0.002) = 0.07.
	require.True(t, f.mgr.TotalDeposited().Equal(decimal.RequireFromString("9.93")))
	require.True(t, f.collateral.BalanceOf(feeSink).Equal(decimal.RequireFromString("0.05")))

	balBefore := f.collateral.BalanceOf(creator)
	payout, err := mkt.Exercise(creator, f.now)
	require.NoError(t, err)
	require.True(t, payout.Equal(decimal.RequireFromString("9.93")),
		"winner claims the post-fee deposit, got %s", payout)
	require.True(t, f.collateral.BalanceOf(creator).Equal(balBefore.Add(payout)))

	// Nothing left to exercise.
	_, err = mkt.Exercise(creator, f.now)
	require.ErrorIs(t, err, domain.ErrNothingToPay)

	// Claims never exceeded the recorded deposit.
	require.True(t, mkt.Deposited().IsZero())
}

func TestMigrationConservation(t *testing.T) {
	fa := newFixture(t, addr(0xAA))
	// Share the collateral ledger and feed between both managers.
	mgrB := New(Config{
		Address:                   addr(0xBB),
		Owner:                     owner,
		FeeAddress:                feeSink,
		MaxTimeToMaturity:         100 * 24 * time.Hour,
		ExpiryDuration:            26 * 7 * 24 * time.Hour,
		CreatorCapitalRequirement: decimal.NewFromInt(1),
		PoolFee:                   decimal.RequireFromString("0.005"),
		CreatorFee:                decimal.RequireFromString("0.002"),
		Clock:                     func() time.Time { return fa.now },
	}, fa.collateral, market.NewFactory(), fa.feed, slog.Default())

	ctx := context.Background()
	m1 := fa.create(t, 100, 1, time.Hour)
	m2 := fa.create(t, 110, 2, time.Hour)
	fa.create(t, 120, 3, time.Hour)
	totalBefore := fa.mgr.NumActiveMarkets() + mgrB.NumActiveMarkets()

	batch := []domain.Address{m1.Address(), m2.Address()}

	// Without target opt-in the transfer is refused.
	err := fa.mgr.MigrateMarkets(ctx, owner, mgrB, true, batch)
	require.ErrorIs(t, err, domain.ErrOnlyMigratingManager)

	require.NoError(t, mgrB.SetMigratingManager(owner, fa.mgr))

	// Self-migration is refused.
	require.ErrorIs(t, fa.mgr.MigrateMarkets(ctx, owner, fa.mgr, true, batch), domain.ErrMigrateToSelf)

	require.NoError(t, fa.mgr.MigrateMarkets(ctx, owner, mgrB, true, batch))
	require.Equal(t, 1, fa.mgr.NumActiveMarkets())
	require.Equal(t, 2, mgrB.NumActiveMarkets())
	require.Equal(t, totalBefore, fa.mgr.NumActiveMarkets()+mgrB.NumActiveMarkets())

	// Deposits moved with the markets.
	require.True(t, fa.mgr.TotalDeposited().Equal(decimal.NewFromInt(3)))
	require.True(t, mgrB.TotalDeposited().Equal(decimal.NewFromInt(3)))
	require.True(t, fa.collateral.BalanceOf(mgrB.Address()).Equal(decimal.NewFromInt(3)))

	// Ownership transferred: the new manager accepts mints, counted on B.
	require.NoError(t, m1.Mint(creator, decimal.NewFromInt(5), fa.now))
	require.True(t, mgrB.TotalDeposited().Equal(decimal.NewFromInt(8)))

	// Receiving an already-known market always fails.
	err = mgrB.ReceiveMarkets(ctx, fa.mgr.Address(), true, []*market.Market{m1})
	require.ErrorIs(t, err, domain.ErrMarketKnown)

	// Migrating a market we no longer hold fails.
	err = fa.mgr.MigrateMarkets(ctx, owner, mgrB, true, []domain.Address{m1.Address()})
	require.ErrorIs(t, err, domain.ErrNotActiveMarket)

	// Empty batch is a no-op.
	require.NoError(t, fa.mgr.MigrateMarkets(ctx, owner, mgrB, true, nil))
}

func TestStrikeQuantization(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	f.mgr.cfg.StrikeSteps = map[string]decimal.Decimal{"sAUD": decimal.NewFromInt(10)}

	mkt, err := f.mgr.CreateMarket(context.Background(), creator, "sAUD",
		decimal.RequireFromString("107.3"), f.now.Add(time.Hour), decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, mkt.StrikePrice().Equal(decimal.NewFromInt(100)), "round-down bucketing")

	// A second market in the same bucket collides.
	_, err = f.mgr.CreateMarket(context.Background(), creator, "sAUD",
		decimal.RequireFromString("103.9"), f.now.Add(time.Hour), decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrMarketExists)
}

func TestPairSupplyInvariant(t *testing.T) {
	f := newFixture(t, addr(0xAA))
	bob := addr(0x02)
	mkt := f.create(t, 100, 5, time.Hour)

	require.NoError(t, mkt.Mint(creator, decimal.NewFromInt(3), f.now))
	require.NoError(t, mkt.TransferOptions(domain.Long, creator, bob, decimal.NewFromInt(2)))
	require.NoError(t, mkt.BurnOptions(creator, decimal.NewFromInt(4), f.now))

	long, short := mkt.Supplies()
	require.True(t, long.Equal(short), "paired supplies stay equal before exercise")
}
