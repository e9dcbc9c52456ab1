// Package swap implements the Curve-style multi-stablecoin pool the AMM uses
// to accept alternate collateral. It follows the quote-then-swap pattern:
// GetDy answers the expected output for an input amount, Exchange executes at
// the same formula. Coins are addressed by registration index.
package swap

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
)

// Coin is one registered pool asset.
type Coin struct {
	Symbol string
	Ledger *ledger.Ledger
}

// Pool is a stable pool over pegged assets. Output near the peg is
// dx·(1−fee), degraded linearly as the trade worsens the pool's imbalance.
type Pool struct {
	address domain.Address
	fee     decimal.Decimal // e.g. 0.0004
	slope   decimal.Decimal // imbalance penalty per unit of imbalance

	mu       sync.Mutex
	coins    []Coin
	bySymbol map[string]int
	balances []decimal.Decimal
}

// New creates a Pool custodied at address with the given fee and imbalance
// slope.
func New(address domain.Address, fee, slope decimal.Decimal) *Pool {
	return &Pool{
		address:  address,
		fee:      fee,
		slope:    slope,
		bySymbol: make(map[string]int),
	}
}

// Address returns the pool's custody account.
func (p *Pool) Address() domain.Address { return p.address }

// RegisterCoin adds a coin with seed liquidity already held by the pool
// account. Returns the coin's index.
func (p *Pool) RegisterCoin(c Coin, seedBalance decimal.Decimal) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.coins)
	p.coins = append(p.coins, c)
	p.bySymbol[c.Symbol] = i
	p.balances = append(p.balances, seedBalance)
	return i
}

// IndexOf returns the index of a registered coin symbol.
func (p *Pool) IndexOf(symbol string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.bySymbol[symbol]
	return i, ok
}

// GetDy quotes the output amount of coin j for dx of coin i.
func (p *Pool) GetDy(i, j int, dx decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getDyLocked(i, j, dx)
}

func (p *Pool) getDyLocked(i, j int, dx decimal.Decimal) (decimal.Decimal, error) {
	if i < 0 || j < 0 || i >= len(p.coins) || j >= len(p.coins) || i == j {
		return decimal.Zero, domain.ErrUnsupportedCollateral
	}
	if !dx.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	balIn, balOut := p.balances[i], p.balances[j]
	total := balIn.Add(balOut)
	if !total.IsPositive() {
		return decimal.Zero, domain.ErrNotEnoughLiquidity
	}

	// Imbalance after the trade: how far the input side overweighs the
	// output side, as a fraction of total liquidity.
	imbalance := balIn.Add(dx).Sub(balOut).Div(total)
	if imbalance.IsNegative() {
		imbalance = decimal.Zero
	}
	rate := decimal.NewFromInt(1).Sub(p.fee).Sub(p.slope.Mul(imbalance))
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	dy := dx.Mul(rate).Truncate(18)
	if dy.GreaterThan(balOut) {
		return decimal.Zero, domain.ErrNotEnoughLiquidity
	}
	return dy, nil
}

// Exchange swaps dx of coin i held by caller into coin j, enforcing a
// minimum output. Token movement goes through the coin ledgers.
func (p *Pool) Exchange(caller domain.Address, i, j int, dx, minDy decimal.Decimal) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dy, err := p.getDyLocked(i, j, dx)
	if err != nil {
		return decimal.Zero, err
	}
	if dy.LessThan(minDy) {
		return decimal.Zero, domain.ErrSlippage
	}

	if err := p.coins[i].Ledger.Transfer(caller, p.address, dx); err != nil {
		return decimal.Zero, err
	}
	if err := p.coins[j].Ledger.Transfer(p.address, caller, dy); err != nil {
		// Refund the input leg; the out-leg can only fail if pool custody
		// was drained outside the pool, which double-entry forbids.
		_ = p.coins[i].Ledger.Transfer(p.address, caller, dx)
		return decimal.Zero, err
	}
	p.balances[i] = p.balances[i].Add(dx)
	p.balances[j] = p.balances[j].Sub(dy)
	return dy, nil
}

// PegDeviation returns |1 − dy/dx| for a candidate swap, the implied
// deviation from the stable peg.
func (p *Pool) PegDeviation(i, j int, dx decimal.Decimal) (decimal.Decimal, error) {
	dy, err := p.GetDy(i, j, dx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(1).Sub(dy.Div(dx)).Abs(), nil
}
