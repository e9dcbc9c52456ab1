package swap

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func addr(b byte) domain.Address {
	var a common.Address
	a[19] = b
	return a
}

func newTestPool(t *testing.T) (*Pool, *ledger.Ledger, *ledger.Ledger, domain.Address) {
	t.Helper()
	poolAddr := addr(0xF0)
	trader := addr(0x01)

	susd := ledger.New("sUSD")
	dai := ledger.New("DAI")
	require.NoError(t, susd.Issue(poolAddr, poolAddr, dec("10000")))
	require.NoError(t, dai.Issue(poolAddr, poolAddr, dec("10000")))
	require.NoError(t, dai.Issue(trader, trader, dec("500")))

	p := New(poolAddr, dec("0.0004"), dec("0.05"))
	p.RegisterCoin(Coin{Symbol: "sUSD", Ledger: susd}, dec("10000"))
	p.RegisterCoin(Coin{Symbol: "DAI", Ledger: dai}, dec("10000"))
	return p, susd, dai, trader
}

func TestGetDyNearPeg(t *testing.T) {
	p, _, _, _ := newTestPool(t)
	i, ok := p.IndexOf("DAI")
	require.True(t, ok)
	j, ok := p.IndexOf("sUSD")
	require.True(t, ok)

	dy, err := p.GetDy(i, j, dec("100"))
	require.NoError(t, err)
	// Balanced pool: only the fee and a tiny imbalance penalty apply.
	require.True(t, dy.LessThan(dec("100")))
	require.True(t, dy.GreaterThan(dec("99.5")), "dy = %s", dy)

	dev, err := p.PegDeviation(i, j, dec("100"))
	require.NoError(t, err)
	require.True(t, dev.LessThan(dec("0.005")))
}

func TestExchangeMovesTokens(t *testing.T) {
	p, susd, dai, trader := newTestPool(t)
	i, _ := p.IndexOf("DAI")
	j, _ := p.IndexOf("sUSD")

	dy, err := p.GetDy(i, j, dec("100"))
	require.NoError(t, err)

	got, err := p.Exchange(trader, i, j, dec("100"), dy)
	require.NoError(t, err)
	require.True(t, got.Equal(dy))
	require.True(t, susd.BalanceOf(trader).Equal(dy))
	require.True(t, dai.BalanceOf(trader).Equal(dec("400")))
}

func TestExchangeMinDy(t *testing.T) {
	p, _, _, trader := newTestPool(t)
	i, _ := p.IndexOf("DAI")
	j, _ := p.IndexOf("sUSD")

	_, err := p.Exchange(trader, i, j, dec("100"), dec("100"))
	require.ErrorIs(t, err, domain.ErrSlippage)
}

func TestImbalanceDegradesRate(t *testing.T) {
	p, _, dai, trader := newTestPool(t)
	i, _ := p.IndexOf("DAI")
	j, _ := p.IndexOf("sUSD")

	require.NoError(t, dai.Issue(trader, trader, dec("5000")))

	small, err := p.GetDy(i, j, dec("10"))
	require.NoError(t, err)
	big, err := p.GetDy(i, j, dec("5000"))
	require.NoError(t, err)
	// Per-unit rate worsens as the trade tilts the pool.
	require.True(t, big.Div(dec("5000")).LessThan(small.Div(dec("10"))))
}

func TestUnknownCoin(t *testing.T) {
	p, _, _, _ := newTestPool(t)
	_, err := p.GetDy(0, 7, dec("1"))
	require.ErrorIs(t, err, domain.ErrUnsupportedCollateral)
	_, err = p.GetDy(1, 1, dec("1"))
	require.ErrorIs(t, err, domain.ErrUnsupportedCollateral)
}
