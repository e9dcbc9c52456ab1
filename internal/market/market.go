// Package market implements a single binary options market: a strike and
// maturity against one oracle key, with paired long/short option token
// ledgers minted 1:1 against deposited collateral. Collateral custody sits
// with the owning manager; every collateral movement goes through the
// Registrar callbacks so the manager's aggregate accounting stays exact.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
)

// Registrar is the slice of the owning manager a market is allowed to touch.
// Calls are made while the manager already serializes the operation, so
// implementations must not re-enter the manager's public API.
type Registrar interface {
	// IncrementDeposited adds to the manager's totalDeposited. Permitted
	// only for active markets.
	IncrementDeposited(caller domain.Address, amount decimal.Decimal) error
	// DecrementDeposited subtracts from totalDeposited. Permitted for any
	// known (active or matured) market.
	DecrementDeposited(caller domain.Address, amount decimal.Decimal) error
	// TransferCollateral moves collateral between accounts on behalf of a
	// known market.
	TransferCollateral(caller domain.Address, from, to domain.Address, amount decimal.Decimal) error
	// CustodyAddress is the account holding all deposited collateral.
	CustodyAddress() domain.Address
}

// Params carries the immutable creation parameters of a market.
type Params struct {
	Address      domain.Address
	OracleKey    string
	StrikePrice  decimal.Decimal
	MaturityDate time.Time
	ExpiryDate   time.Time
	Creator      domain.Address
	Owner        domain.Address // the creating manager
}

// Market is one strike/maturity instance.
type Market struct {
	params    Params
	long      *ledger.Ledger
	short     *ledger.Ledger
	registrar Registrar

	mu              sync.RWMutex
	owner           domain.Address
	deposited       decimal.Decimal
	result          domain.MarketResult
	finalPrice      decimal.Decimal
	resolvedAt      time.Time
	payoutPerOption decimal.Decimal // frozen when fees are remitted
	feesRemitted    bool
	destroyed       bool
	createdAt       time.Time
	updatedAt       time.Time
}

func newMarket(p Params, registrar Registrar, now time.Time) *Market {
	return &Market{
		params:    p,
		long:      ledger.NewRestricted("sLONG", p.Address),
		short:     ledger.NewRestricted("sSHORT", p.Address),
		registrar: registrar,
		owner:     p.Owner,
		createdAt: now,
		updatedAt: now,
	}
}

// Address returns the market's derived address.
func (m *Market) Address() domain.Address { return m.params.Address }

// OracleKey returns the asset key the market settles against.
func (m *Market) OracleKey() string { return m.params.OracleKey }

// StrikePrice returns the quantized strike.
func (m *Market) StrikePrice() decimal.Decimal { return m.params.StrikePrice }

// MaturityDate returns the maturity timestamp.
func (m *Market) MaturityDate() time.Time { return m.params.MaturityDate }

// ExpiryDate returns the expiry timestamp.
func (m *Market) ExpiryDate() time.Time { return m.params.ExpiryDate }

// Creator returns the creating account.
func (m *Market) Creator() domain.Address { return m.params.Creator }

// Owner returns the manager currently owning this market.
func (m *Market) Owner() domain.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner
}

// Deposited returns the collateral currently locked in the market.
func (m *Market) Deposited() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposited
}

// Result returns the resolution outcome, Unresolved before resolution.
func (m *Market) Result() domain.MarketResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.result
}

// Phase returns the time-driven lifecycle phase as of now.
func (m *Market) Phase(now time.Time) domain.MarketPhase {
	switch {
	case now.Before(m.params.MaturityDate):
		return domain.Trading
	case now.Before(m.params.ExpiryDate):
		return domain.Maturity
	default:
		return domain.Expiry
	}
}

// Balances returns an account's long and short option balances.
func (m *Market) Balances(account domain.Address) (long, short decimal.Decimal) {
	return m.long.BalanceOf(account), m.short.BalanceOf(account)
}

// Supplies returns the total supply of each side.
func (m *Market) Supplies() (long, short decimal.Decimal) {
	return m.long.TotalSupply(), m.short.TotalSupply()
}

// TransferOptions moves option tokens of one side between accounts, the
// ERC-20 transfer surface of the option tokens.
func (m *Market) TransferOptions(side domain.OptionSide, from, to domain.Address, amount decimal.Decimal) error {
	return m.sideLedger(side).Transfer(from, to, amount)
}

func (m *Market) sideLedger(side domain.OptionSide) *ledger.Ledger {
	if side == domain.Long {
		return m.long
	}
	return m.short
}

// Mint deposits amount of collateral from minter and issues amount of both
// option sides to them. Only possible during the trading phase.
func (m *Market) Mint(minter domain.Address, amount decimal.Decimal, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return domain.ErrMarketUnknown
	}
	if m.Phase(now) != domain.Trading {
		return domain.ErrNotTradingPhase
	}
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}

	// The collateral transfer is the only fallible effect; it runs first so
	// a failure leaves no partial state.
	if err := m.registrar.TransferCollateral(m.params.Address, minter, m.registrar.CustodyAddress(), amount); err != nil {
		return err
	}
	if err := m.registrar.IncrementDeposited(m.params.Address, amount); err != nil {
		return err
	}
	_ = m.long.Issue(m.params.Address, minter, amount)
	_ = m.short.Issue(m.params.Address, minter, amount)
	m.deposited = m.deposited.Add(amount)
	m.updatedAt = now
	return nil
}

// MaximumBurnable returns the largest pair amount the account can burn: the
// smaller of its two side balances.
func (m *Market) MaximumBurnable(account domain.Address) decimal.Decimal {
	long, short := m.Balances(account)
	if long.LessThan(short) {
		return long
	}
	return short
}

// BurnOptions burns amount of matched pairs from holder and refunds the
// corresponding collateral. Pre-maturity only.
func (m *Market) BurnOptions(holder domain.Address, amount decimal.Decimal, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return domain.ErrMarketUnknown
	}
	if m.Phase(now) != domain.Trading {
		return domain.ErrNotTradingPhase
	}
	if !amount.IsPositive() {
		return domain.ErrBurnZero
	}
	long, short := m.long.BalanceOf(holder), m.short.BalanceOf(holder)
	max := long
	if short.LessThan(max) {
		max = short
	}
	if amount.GreaterThan(max) {
		return domain.ErrBurnTooMuch
	}

	_ = m.long.Burn(m.params.Address, holder, amount)
	_ = m.short.Burn(m.params.Address, holder, amount)
	if err := m.registrar.DecrementDeposited(m.params.Address, amount); err != nil {
		return err
	}
	if err := m.registrar.TransferCollateral(m.params.Address, m.registrar.CustodyAddress(), holder, amount); err != nil {
		return err
	}
	m.deposited = m.deposited.Sub(amount)
	m.updatedAt = now
	return nil
}

// Resolve records the oracle price and fixes the outcome. Called by the
// owning manager exactly once.
func (m *Market) Resolve(price decimal.Decimal, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.result != domain.Unresolved {
		return domain.ErrAlreadyResolved
	}
	if price.GreaterThanOrEqual(m.params.StrikePrice) {
		m.result = domain.LongWins
	} else {
		m.result = domain.ShortWins
	}
	m.finalPrice = price
	m.resolvedAt = now
	m.updatedAt = now
	return nil
}

// FinalPrice returns the oracle price the market resolved at.
func (m *Market) FinalPrice() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalPrice
}

// RemitFees transfers the pool and creator fee fractions of the deposit out
// of the market and freezes the per-option payout for the winning side.
// Called by the manager immediately after Resolve.
func (m *Market) RemitFees(poolFee, creatorFee decimal.Decimal, feePool domain.Address, now time.Time) (pool, creator decimal.Decimal, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.result == domain.Unresolved {
		return decimal.Zero, decimal.Zero, domain.ErrNotResolved
	}
	if m.feesRemitted {
		return decimal.Zero, decimal.Zero, nil
	}

	pool = m.deposited.Mul(poolFee)
	creator = m.deposited.Mul(creatorFee)

	custody := m.registrar.CustodyAddress()
	if pool.IsPositive() {
		if err := m.registrar.TransferCollateral(m.params.Address, custody, feePool, pool); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	if creator.IsPositive() {
		if err := m.registrar.TransferCollateral(m.params.Address, custody, m.params.Creator, creator); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	fees := pool.Add(creator)
	if err := m.registrar.DecrementDeposited(m.params.Address, fees); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	m.deposited = m.deposited.Sub(fees)

	winning := m.long
	if m.result == domain.ShortWins {
		winning = m.short
	}
	supply := winning.TotalSupply()
	if supply.IsPositive() {
		// Round down so cumulative claims never exceed the deposit.
		m.payoutPerOption = m.deposited.DivRound(supply, 18).Truncate(18)
	} else {
		m.payoutPerOption = decimal.Zero
	}
	m.feesRemitted = true
	m.updatedAt = now
	return pool, creator, nil
}

// Exercise burns all of holder's options on both sides and pays out the
// winning side's claim. Only callable once the market is resolved.
func (m *Market) Exercise(holder domain.Address, now time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return decimal.Zero, domain.ErrMarketUnknown
	}
	if m.result == domain.Unresolved {
		return decimal.Zero, domain.ErrNotResolved
	}

	long, short := m.long.BalanceOf(holder), m.short.BalanceOf(holder)
	if long.IsZero() && short.IsZero() {
		return decimal.Zero, domain.ErrNothingToPay
	}

	winningBal := long
	if m.result == domain.ShortWins {
		winningBal = short
	}
	payout := winningBal.Mul(m.payoutPerOption)
	if payout.GreaterThan(m.deposited) {
		payout = m.deposited
	}

	if payout.IsPositive() {
		if err := m.registrar.DecrementDeposited(m.params.Address, payout); err != nil {
			return decimal.Zero, err
		}
		if err := m.registrar.TransferCollateral(m.params.Address, m.registrar.CustodyAddress(), holder, payout); err != nil {
			return decimal.Zero, err
		}
		m.deposited = m.deposited.Sub(payout)
	}
	if long.IsPositive() {
		_ = m.long.Burn(m.params.Address, holder, long)
	}
	if short.IsPositive() {
		_ = m.short.Burn(m.params.Address, holder, short)
	}
	m.updatedAt = now
	return payout, nil
}

// Expire sweeps any residual collateral to beneficiary and destroys the
// market. Returns the residual amount. Called by the owning manager.
func (m *Market) Expire(beneficiary domain.Address, now time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return decimal.Zero, domain.ErrMarketUnknown
	}

	residual := m.deposited
	if residual.IsPositive() {
		if err := m.registrar.DecrementDeposited(m.params.Address, residual); err != nil {
			return decimal.Zero, err
		}
		if err := m.registrar.TransferCollateral(m.params.Address, m.registrar.CustodyAddress(), beneficiary, residual); err != nil {
			return decimal.Zero, err
		}
		m.deposited = decimal.Zero
	}
	m.destroyed = true
	m.updatedAt = now
	return residual, nil
}

// TransferOwnership reassigns the market to a new manager. Only the current
// owner may call; the registrar is swapped so collateral callbacks route to
// the new custodian.
func (m *Market) TransferOwnership(caller, newOwner domain.Address, registrar Registrar) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.owner {
		return domain.ErrOnlyOwner
	}
	m.owner = newOwner
	m.registrar = registrar
	return nil
}

// Snapshot returns the persisted view of the market as of now.
func (m *Market) Snapshot(now time.Time) domain.MarketSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	longSupply, shortSupply := m.long.TotalSupply(), m.short.TotalSupply()
	return domain.MarketSnapshot{
		Address:      m.params.Address,
		OracleKey:    m.params.OracleKey,
		StrikePrice:  m.params.StrikePrice,
		MaturityDate: m.params.MaturityDate,
		ExpiryDate:   m.params.ExpiryDate,
		Creator:      m.params.Creator,
		Deposited:    m.deposited,
		LongSupply:   longSupply,
		ShortSupply:  shortSupply,
		Result:       m.result,
		FinalPrice:   m.finalPrice,
		Phase:        m.Phase(now),
		CreatedAt:    m.createdAt,
		UpdatedAt:    m.updatedAt,
	}
}
