// Package ledger implements the fungible balance books the engine settles
// against: the base collateral token, the alternate stablecoins, and the
// per-market option token sides. A Ledger behaves like an ERC-20 contract:
// explicit balances, allowances, and an optional issuer that alone may mint
// and burn.
package ledger

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// Ledger is a thread-safe fungible token balance book.
type Ledger struct {
	symbol string
	issuer domain.Address // zero address means open issuance (test collateral)

	mu          sync.RWMutex
	balances    map[domain.Address]decimal.Decimal
	allowances  map[domain.Address]map[domain.Address]decimal.Decimal
	totalSupply decimal.Decimal
}

// New creates a ledger with open issuance, used for collateral tokens where
// Issue is the test-only faucet.
func New(symbol string) *Ledger {
	return &Ledger{
		symbol:     symbol,
		balances:   make(map[domain.Address]decimal.Decimal),
		allowances: make(map[domain.Address]map[domain.Address]decimal.Decimal),
	}
}

// NewRestricted creates a ledger whose mint and burn entry points are
// restricted to the issuer address. Option token sides are issued this way,
// with the parent market as issuer.
func NewRestricted(symbol string, issuer domain.Address) *Ledger {
	l := New(symbol)
	l.issuer = issuer
	return l
}

// Symbol returns the token symbol.
func (l *Ledger) Symbol() string { return l.symbol }

// TotalSupply returns the current total supply.
func (l *Ledger) TotalSupply() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalSupply
}

// BalanceOf returns the balance of an account.
func (l *Ledger) BalanceOf(account domain.Address) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account]
}

// Allowance returns how much spender may move out of owner's balance.
func (l *Ledger) Allowance(owner, spender domain.Address) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if m := l.allowances[owner]; m != nil {
		return m[spender]
	}
	return decimal.Zero
}

// Approve sets spender's allowance over owner's balance.
func (l *Ledger) Approve(owner, spender domain.Address, amount decimal.Decimal) error {
	if spender == (domain.Address{}) {
		return domain.ErrInvalidAddress
	}
	if amount.IsNegative() {
		return domain.ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[domain.Address]decimal.Decimal)
	}
	l.allowances[owner][spender] = amount
	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to domain.Address, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(from, to, amount)
}

// TransferFrom moves amount out of from's balance on behalf of spender,
// consuming spender's allowance.
func (l *Ledger) TransferFrom(spender, from, to domain.Address, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsNegative() {
		return domain.ErrInvalidAmount
	}
	allowed := decimal.Zero
	if m := l.allowances[from]; m != nil {
		allowed = m[spender]
	}
	if allowed.LessThan(amount) {
		return domain.ErrInsufficientAllowance
	}
	if err := l.transferLocked(from, to, amount); err != nil {
		return err
	}
	l.allowances[from][spender] = allowed.Sub(amount)
	return nil
}

func (l *Ledger) transferLocked(from, to domain.Address, amount decimal.Decimal) error {
	if to == (domain.Address{}) {
		return domain.ErrInvalidAddress
	}
	if amount.IsNegative() {
		return domain.ErrInvalidAmount
	}
	bal := l.balances[from]
	if bal.LessThan(amount) {
		return domain.ErrInsufficientBalance
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// Issue mints amount to an account. When the ledger is issuer-restricted the
// caller must be the issuer.
func (l *Ledger) Issue(caller, to domain.Address, amount decimal.Decimal) error {
	if to == (domain.Address{}) {
		return domain.ErrInvalidAddress
	}
	if amount.IsNegative() {
		return domain.ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.issuer != (domain.Address{}) && caller != l.issuer {
		return domain.ErrOnlyMarket
	}
	l.balances[to] = l.balances[to].Add(amount)
	l.totalSupply = l.totalSupply.Add(amount)
	return nil
}

// Burn destroys amount from an account. Issuer-restricted like Issue.
func (l *Ledger) Burn(caller, from domain.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return domain.ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.issuer != (domain.Address{}) && caller != l.issuer {
		return domain.ErrOnlyMarket
	}
	bal := l.balances[from]
	if bal.LessThan(amount) {
		return domain.ErrInsufficientBalance
	}
	l.balances[from] = bal.Sub(amount)
	l.totalSupply = l.totalSupply.Sub(amount)
	return nil
}

// Holders returns every account with a positive balance. Used by markets to
// enumerate claimants during exercise sweeps.
func (l *Ledger) Holders() []domain.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Address, 0, len(l.balances))
	for addr, bal := range l.balances {
		if bal.IsPositive() {
			out = append(out, addr)
		}
	}
	return out
}
