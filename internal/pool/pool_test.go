package pool

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
)

func addr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

var (
	poolAddr = addr(0xF1)
	alice    = addr(0x01)
	bob      = addr(0x02)
	carol    = addr(0x03)
)

type fixture struct {
	now        time.Time
	collateral *ledger.Ledger
	pool       *Pool
}

func newFixture(t *testing.T, maxUsers int) *fixture {
	t.Helper()
	f := &fixture{
		now:        time.Unix(1_700_000_000, 0),
		collateral: ledger.New("sUSD"),
	}
	f.pool = New(Config{
		Address:           poolAddr,
		RoundLength:       7 * 24 * time.Hour,
		MaxUsers:          maxUsers,
		MinDepositAmount:  decimal.NewFromInt(10),
		MaxAllowedDeposit: decimal.NewFromInt(1000),
		Clock:             func() time.Time { return f.now },
	}, f.collateral, slog.Default())

	for _, u := range []domain.Address{alice, bob, carol} {
		require.NoError(t, f.collateral.Issue(u, u, decimal.NewFromInt(500)))
	}
	return f
}

func (f *fixture) closeRound(t *testing.T) {
	t.Helper()
	f.now = f.now.Add(7*24*time.Hour + time.Minute)
	require.NoError(t, f.pool.CloseRound(context.Background(), nil))
}

func TestDepositQueuesForNextRound(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.ErrorIs(t, f.pool.Deposit(ctx, alice, decimal.NewFromInt(5)), domain.ErrInvalidAmount)

	require.NoError(t, f.pool.Deposit(ctx, alice, decimal.NewFromInt(100)))
	require.True(t, f.pool.BalanceOf(alice).IsZero())
	require.True(t, f.pool.PendingDeposit(alice).Equal(decimal.NewFromInt(100)))
	require.True(t, f.collateral.BalanceOf(poolAddr).Equal(decimal.NewFromInt(100)))

	f.closeRound(t)
	require.Equal(t, 2, f.pool.Round())
	require.True(t, f.pool.BalanceOf(alice).Equal(decimal.NewFromInt(100)))
	require.True(t, f.pool.PendingDeposit(alice).IsZero())
	require.True(t, f.pool.RoundAllocation().Equal(decimal.NewFromInt(100)))
}

func TestDepositCapAndMaxUsers(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	require.NoError(t, f.pool.Deposit(ctx, alice, decimal.NewFromInt(400)))
	require.NoError(t, f.pool.Deposit(ctx, bob, decimal.NewFromInt(400)))
	require.ErrorIs(t, f.pool.Deposit(ctx, carol, decimal.NewFromInt(100)), domain.ErrVaultFull)

	// An existing participant can top up past the user cap but not the
	// capital cap.
	require.NoError(t, f.pool.Deposit(ctx, alice, decimal.NewFromInt(100)))
	require.ErrorIs(t, f.pool.Deposit(ctx, bob, decimal.NewFromInt(200)), domain.ErrVaultCapExceeded)
}

func TestWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.ErrorIs(t, f.pool.WithdrawalRequest(alice), domain.ErrNothingToWithdraw)

	require.NoError(t, f.pool.Deposit(ctx, alice, decimal.NewFromInt(100)))
	require.ErrorIs(t, f.pool.WithdrawalRequest(alice), domain.ErrWithdrawAfterDeposit)

	f.closeRound(t)
	require.NoError(t, f.pool.WithdrawalRequest(alice))
	require.ErrorIs(t, f.pool.WithdrawalRequest(alice), domain.ErrWithdrawRequested)
	require.ErrorIs(t, f.pool.Deposit(ctx, alice, decimal.NewFromInt(50)), domain.ErrWithdrawRequested)

	f.closeRound(t)
	require.True(t, f.pool.BalanceOf(alice).IsZero())
	require.True(t, f.collateral.BalanceOf(alice).Equal(decimal.NewFromInt(500)))
}

func TestCloseRoundTiming(t *testing.T) {
	f := newFixture(t, 0)
	require.ErrorIs(t, f.pool.CloseRound(context.Background(), nil), domain.ErrRoundNotFinished)

	f.now = f.now.Add(7*24*time.Hour + time.Minute)
	require.ErrorIs(t, f.pool.CloseRound(context.Background(), func() error {
		return domain.ErrMarketsUnresolved
	}), domain.ErrMarketsUnresolved)

	require.NoError(t, f.pool.CloseRound(context.Background(), nil))
}

func TestProfitAndLossApplied(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.pool.Deposit(ctx, alice, decimal.NewFromInt(100)))
	require.NoError(t, f.pool.Deposit(ctx, bob, decimal.NewFromInt(300)))
	f.closeRound(t)

	// The round trades at a 10% profit: custody gains 40 from outside.
	require.NoError(t, f.collateral.Issue(poolAddr, poolAddr, decimal.NewFromInt(40)))
	f.closeRound(t)

	require.True(t, f.pool.BalanceOf(alice).Equal(decimal.NewFromInt(110)), "got %s", f.pool.BalanceOf(alice))
	require.True(t, f.pool.BalanceOf(bob).Equal(decimal.NewFromInt(330)))

	// A losing round shrinks balances the same way.
	require.NoError(t, f.collateral.Transfer(poolAddr, carol, decimal.NewFromInt(220)))
	f.closeRound(t)
	require.True(t, f.pool.BalanceOf(alice).Equal(decimal.NewFromInt(55)))
	require.True(t, f.pool.BalanceOf(bob).Equal(decimal.NewFromInt(165)))
}

func TestPendingDepositsCarryNoPnL(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.pool.Deposit(ctx, alice, decimal.NewFromInt(100)))
	f.closeRound(t)

	// Bob queues mid-round; the round then profits 50.
	require.NoError(t, f.pool.Deposit(ctx, bob, decimal.NewFromInt(100)))
	require.NoError(t, f.collateral.Issue(poolAddr, poolAddr, decimal.NewFromInt(50)))
	f.closeRound(t)

	require.True(t, f.pool.BalanceOf(alice).Equal(decimal.NewFromInt(150)))
	require.True(t, f.pool.BalanceOf(bob).Equal(decimal.NewFromInt(100)))
}
