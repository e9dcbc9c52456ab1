package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

func addr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

func TestIssueAndTransfer(t *testing.T) {
	l := New("sUSD")
	alice, bob := addr(1), addr(2)

	require.NoError(t, l.Issue(alice, alice, decimal.NewFromInt(100)))
	require.True(t, l.TotalSupply().Equal(decimal.NewFromInt(100)))

	require.NoError(t, l.Transfer(alice, bob, decimal.NewFromInt(40)))
	require.True(t, l.BalanceOf(alice).Equal(decimal.NewFromInt(60)))
	require.True(t, l.BalanceOf(bob).Equal(decimal.NewFromInt(40)))

	err := l.Transfer(alice, bob, decimal.NewFromInt(1000))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
}

func TestTransferToZeroAddress(t *testing.T) {
	l := New("sUSD")
	alice := addr(1)
	require.NoError(t, l.Issue(alice, alice, decimal.NewFromInt(10)))

	err := l.Transfer(alice, domain.Address{}, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrInvalidAddress)
}

func TestAllowance(t *testing.T) {
	l := New("sUSD")
	alice, bob, carol := addr(1), addr(2), addr(3)
	require.NoError(t, l.Issue(alice, alice, decimal.NewFromInt(50)))

	err := l.TransferFrom(bob, alice, carol, decimal.NewFromInt(10))
	require.ErrorIs(t, err, domain.ErrInsufficientAllowance)

	require.NoError(t, l.Approve(alice, bob, decimal.NewFromInt(25)))
	require.NoError(t, l.TransferFrom(bob, alice, carol, decimal.NewFromInt(10)))
	require.True(t, l.BalanceOf(carol).Equal(decimal.NewFromInt(10)))
	require.True(t, l.Allowance(alice, bob).Equal(decimal.NewFromInt(15)))

	err = l.TransferFrom(bob, alice, carol, decimal.NewFromInt(20))
	require.ErrorIs(t, err, domain.ErrInsufficientAllowance)
}

func TestRestrictedIssuance(t *testing.T) {
	market := addr(9)
	l := NewRestricted("sLONG", market)
	alice := addr(1)

	err := l.Issue(alice, alice, decimal.NewFromInt(5))
	require.ErrorIs(t, err, domain.ErrOnlyMarket)

	require.NoError(t, l.Issue(market, alice, decimal.NewFromInt(5)))
	require.True(t, l.BalanceOf(alice).Equal(decimal.NewFromInt(5)))

	err = l.Burn(alice, alice, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrOnlyMarket)
	require.NoError(t, l.Burn(market, alice, decimal.NewFromInt(5)))
	require.True(t, l.TotalSupply().IsZero())
}

func TestSupplyMatchesBalances(t *testing.T) {
	l := New("sUSD")
	accounts := []domain.Address{addr(1), addr(2), addr(3), addr(4)}
	for i, a := range accounts {
		require.NoError(t, l.Issue(a, a, decimal.NewFromInt(int64(i+1)*7)))
	}
	require.NoError(t, l.Transfer(accounts[3], accounts[0], decimal.NewFromInt(11)))
	require.NoError(t, l.Burn(accounts[1], accounts[1], decimal.NewFromInt(3)))

	sum := decimal.Zero
	for _, a := range accounts {
		sum = sum.Add(l.BalanceOf(a))
	}
	require.True(t, sum.Equal(l.TotalSupply()), "sum(balances) == totalSupply")
}
