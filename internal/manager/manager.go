// Package manager implements the market manager: the registry of all active
// and matured markets for one deployment, the aggregate collateral
// accounting, market creation constraints, resolution and expiry, and the
// two-phase migration handshake between manager instances.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
	"github.com/kestrel-labs/kestrel/internal/market"
	"github.com/kestrel-labs/kestrel/internal/oracle"
)

// Config carries the manager's creation parameters and protocol limits.
type Config struct {
	Address                   domain.Address // custody account for all deposits
	Owner                     domain.Address
	FeeAddress                domain.Address // pool-fee sink
	MaxTimeToMaturity         time.Duration
	ExpiryDuration            time.Duration // expiry = maturity + this
	CreatorCapitalRequirement decimal.Decimal
	PoolFee                   decimal.Decimal // fraction of deposit
	CreatorFee                decimal.Decimal // fraction of deposit
	StrikeSteps               map[string]decimal.Decimal // per-asset quantization step
	WhitelistEnabled          bool
	Clock                     func() time.Time // defaults to time.Now
}

// marketFees records the fees remitted for one market at resolution, kept
// until expiry for the settlement record.
type marketFees struct {
	pool    decimal.Decimal
	creator decimal.Decimal
}

// Manager tracks every market of a deployment and owns their collateral.
type Manager struct {
	cfg        Config
	collateral *ledger.Ledger
	factory    *market.Factory
	feed       *oracle.Feed

	// Optional observability sinks; all writes are best-effort.
	store       domain.MarketStore
	settlements domain.SettlementStore
	bus         domain.EventBus
	logger      *slog.Logger

	regMu            sync.Mutex
	owner            domain.Address
	active           *arena
	matured          *arena
	byAddress        map[domain.Address]*market.Market
	fees             map[domain.Address]marketFees
	totalDeposited   decimal.Decimal
	whitelistEnabled bool
	whitelist        map[domain.Address]bool
	migratingManager *Manager
}

// New creates a Manager.
func New(cfg Config, collateral *ledger.Ledger, factory *market.Factory, feed *oracle.Feed, logger *slog.Logger) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		cfg:              cfg,
		collateral:       collateral,
		factory:          factory,
		feed:             feed,
		logger:           logger.With(slog.String("component", "manager")),
		owner:            cfg.Owner,
		active:           newArena(),
		matured:          newArena(),
		byAddress:        make(map[domain.Address]*market.Market),
		fees:             make(map[domain.Address]marketFees),
		whitelistEnabled: cfg.WhitelistEnabled,
		whitelist:        make(map[domain.Address]bool),
	}
}

// AttachSinks wires the optional persistence store, settlement store, and
// event bus. Nil values disable the corresponding sink.
func (m *Manager) AttachSinks(store domain.MarketStore, settlements domain.SettlementStore, bus domain.EventBus) {
	m.store = store
	m.settlements = settlements
	m.bus = bus
}

// Address returns the manager's custody address.
func (m *Manager) Address() domain.Address { return m.cfg.Address }

// Owner returns the manager's owner account.
func (m *Manager) Owner() domain.Address {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.owner
}

// TotalDeposited returns the sum of every known market's deposited
// collateral.
func (m *Manager) TotalDeposited() decimal.Decimal {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.totalDeposited
}

// NumActiveMarkets returns the active market count.
func (m *Manager) NumActiveMarkets() int {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.active.len()
}

// NumMaturedMarkets returns the matured market count.
func (m *Manager) NumMaturedMarkets() int {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.matured.len()
}

// ActiveMarkets returns a page of active market addresses. Order is not
// stable across removals (swap-and-pop).
func (m *Manager) ActiveMarkets(index, pageSize int) []domain.Address {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.active.page(index, pageSize)
}

// MaturedMarkets returns a page of matured market addresses.
func (m *Manager) MaturedMarkets(index, pageSize int) []domain.Address {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.matured.page(index, pageSize)
}

// Market returns a known market by address.
func (m *Manager) Market(addr domain.Address) (*market.Market, bool) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	mkt, ok := m.byAddress[addr]
	return mkt, ok
}

// IsActiveMarket reports whether addr is in the active set.
func (m *Manager) IsActiveMarket(addr domain.Address) bool {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.active.contains(addr)
}

// IsKnownMarket reports whether addr is active or matured.
func (m *Manager) IsKnownMarket(addr domain.Address) bool {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.active.contains(addr) || m.matured.contains(addr)
}

// --- Whitelist -----------------------------------------------------------

// SetWhitelistEnabled toggles creation gating. Owner only.
func (m *Manager) SetWhitelistEnabled(caller domain.Address, enabled bool) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if caller != m.owner {
		return domain.ErrOnlyOwner
	}
	m.whitelistEnabled = enabled
	return nil
}

// AddWhitelistedAddress allows addr to create markets. Owner only.
func (m *Manager) AddWhitelistedAddress(caller, addr domain.Address) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if caller != m.owner {
		return domain.ErrOnlyOwner
	}
	m.whitelist[addr] = true
	return nil
}

// RemoveWhitelistedAddress revokes addr's creation right. Owner only.
func (m *Manager) RemoveWhitelistedAddress(caller, addr domain.Address) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if caller != m.owner {
		return domain.ErrOnlyOwner
	}
	delete(m.whitelist, addr)
	return nil
}

// --- Creation ------------------------------------------------------------

// QuantizeStrike rounds a strike down to the asset's configured strike step.
// Assets without a configured step keep the raw strike.
func (m *Manager) QuantizeStrike(oracleKey string, strike decimal.Decimal) decimal.Decimal {
	step, ok := m.cfg.StrikeSteps[oracleKey]
	if !ok || !step.IsPositive() {
		return strike
	}
	return strike.Div(step).Floor().Mul(step)
}

// CreateMarket validates the creation constraints, constructs a market via
// the factory, registers it active, and mints the creator's initial pair
// deposit. The MarketCreated event carrying the new address is the only
// supported discovery mechanism.
func (m *Manager) CreateMarket(ctx context.Context, caller domain.Address, oracleKey string, strike decimal.Decimal, maturity time.Time, initialMint decimal.Decimal) (*market.Market, error) {
	now := m.cfg.Clock()
	strike = m.QuantizeStrike(oracleKey, strike)
	key := domain.NewMarketKey(oracleKey, strike, maturity)

	m.regMu.Lock()
	if m.whitelistEnabled && !m.whitelist[caller] {
		m.regMu.Unlock()
		return nil, domain.ErrNotWhitelisted
	}
	if maturity.Before(now) || maturity.After(now.Add(m.cfg.MaxTimeToMaturity)) {
		m.regMu.Unlock()
		return nil, domain.ErrInvalidMaturity
	}
	if m.feed.RateIsStale(oracleKey, now) {
		m.regMu.Unlock()
		return nil, domain.ErrStaleRate
	}
	if initialMint.LessThan(m.cfg.CreatorCapitalRequirement) {
		m.regMu.Unlock()
		return nil, domain.ErrInsufficientCapital
	}
	if m.marketKeyTakenLocked(key) {
		m.regMu.Unlock()
		return nil, domain.ErrMarketExists
	}
	if m.collateral.BalanceOf(caller).LessThan(initialMint) {
		m.regMu.Unlock()
		return nil, domain.ErrInsufficientBalance
	}

	expiry := maturity.Add(m.cfg.ExpiryDuration)
	mkt := m.factory.CreateMarket(m.cfg.Address, registrar{m}, oracleKey, strike, maturity, expiry, caller, now)
	m.byAddress[mkt.Address()] = mkt
	m.active.add(mkt.Address())
	m.regMu.Unlock()

	// The initial mint routes through the market's own entry point so the
	// deposit and pair issuance follow the exact same path as later mints.
	if err := mkt.Mint(caller, initialMint, now); err != nil {
		m.regMu.Lock()
		m.active.remove(mkt.Address())
		delete(m.byAddress, mkt.Address())
		m.regMu.Unlock()
		return nil, fmt.Errorf("manager: initial mint: %w", err)
	}

	m.persistSnapshot(ctx, mkt, now)
	m.publish(ctx, domain.Event{
		Type:      domain.EventMarketCreated,
		Market:    mkt.Address(),
		OracleKey: oracleKey,
		Strike:    strike,
		Maturity:  &maturity,
		Amount:    initialMint,
		At:        now,
	})
	m.logger.InfoContext(ctx, "manager: market created",
		slog.String("market", mkt.Address().Hex()),
		slog.String("oracle_key", oracleKey),
		slog.String("strike", strike.String()),
		slog.Time("maturity", maturity),
	)
	return mkt, nil
}

func (m *Manager) marketKeyTakenLocked(key domain.MarketKey) bool {
	for _, mkt := range m.byAddress {
		other := domain.NewMarketKey(mkt.OracleKey(), mkt.StrikePrice(), mkt.MaturityDate())
		if other == key {
			return true
		}
	}
	return false
}

// --- Resolution ----------------------------------------------------------

// ResolveMarket reads the oracle rate, fixes the market's outcome, remits
// pool and creator fees, and moves the market from active to matured.
func (m *Manager) ResolveMarket(ctx context.Context, addr domain.Address) error {
	now := m.cfg.Clock()

	m.regMu.Lock()
	if !m.active.contains(addr) {
		m.regMu.Unlock()
		return domain.ErrNotActiveMarket
	}
	mkt := m.byAddress[addr]
	if now.Before(mkt.MaturityDate()) {
		m.regMu.Unlock()
		return domain.ErrCannotResolve
	}
	if m.feed.RateIsStale(mkt.OracleKey(), now) {
		m.regMu.Unlock()
		return domain.ErrCannotResolve
	}
	rate := m.feed.RateForCurrency(mkt.OracleKey())
	m.regMu.Unlock()

	if err := mkt.Resolve(rate.Rate, now); err != nil {
		return err
	}
	poolFee, creatorFee, err := mkt.RemitFees(m.cfg.PoolFee, m.cfg.CreatorFee, m.cfg.FeeAddress, now)
	if err != nil {
		return fmt.Errorf("manager: remit fees: %w", err)
	}

	m.regMu.Lock()
	m.active.remove(addr)
	m.matured.add(addr)
	m.fees[addr] = marketFees{pool: poolFee, creator: creatorFee}
	m.regMu.Unlock()

	m.persistSnapshot(ctx, mkt, now)
	m.publish(ctx, domain.Event{
		Type:      domain.EventMarketResolved,
		Market:    addr,
		OracleKey: mkt.OracleKey(),
		Result:    mkt.Result().String(),
		At:        now,
	})
	m.logger.InfoContext(ctx, "manager: market resolved",
		slog.String("market", addr.Hex()),
		slog.String("result", mkt.Result().String()),
		slog.String("final_price", rate.Rate.String()),
	)
	return nil
}

// --- Expiry --------------------------------------------------------------

// ExpireMarkets removes each market from the registry, sweeps residual
// collateral back to its creator, and forgets the address. Owner only; a
// single unknown market fails the whole batch before any effect.
func (m *Manager) ExpireMarkets(ctx context.Context, caller domain.Address, addrs []domain.Address) error {
	now := m.cfg.Clock()

	m.regMu.Lock()
	if caller != m.owner {
		m.regMu.Unlock()
		return domain.ErrOnlyOwner
	}
	markets := make([]*market.Market, 0, len(addrs))
	for _, addr := range addrs {
		if !m.active.contains(addr) && !m.matured.contains(addr) {
			m.regMu.Unlock()
			return domain.ErrNotKnownMarket
		}
		markets = append(markets, m.byAddress[addr])
	}
	m.regMu.Unlock()

	for i, mkt := range markets {
		residual, err := mkt.Expire(mkt.Creator(), now)
		if err != nil {
			return fmt.Errorf("manager: expire %s: %w", addrs[i].Hex(), err)
		}

		m.regMu.Lock()
		m.active.remove(addrs[i])
		m.matured.remove(addrs[i])
		fees := m.fees[addrs[i]]
		delete(m.fees, addrs[i])
		delete(m.byAddress, addrs[i])
		m.regMu.Unlock()

		m.recordSettlement(ctx, mkt, fees, residual, now)
		m.publish(ctx, domain.Event{
			Type:   domain.EventMarketExpired,
			Market: addrs[i],
			Amount: residual,
			At:     now,
		})
		m.logger.InfoContext(ctx, "manager: market expired",
			slog.String("market", addrs[i].Hex()),
			slog.String("residual", residual.String()),
		)
	}
	return nil
}

// --- Market-facing accounting entry points -------------------------------

// IncrementTotalDeposited adds to totalDeposited on behalf of an active
// market.
func (m *Manager) IncrementTotalDeposited(caller domain.Address, amount decimal.Decimal) error {
	return registrar{m}.IncrementDeposited(caller, amount)
}

// DecrementTotalDeposited subtracts from totalDeposited on behalf of a known
// market.
func (m *Manager) DecrementTotalDeposited(caller domain.Address, amount decimal.Decimal) error {
	return registrar{m}.DecrementDeposited(caller, amount)
}

// TransferCollateral moves collateral on behalf of a known market.
func (m *Manager) TransferCollateral(caller domain.Address, from, to domain.Address, amount decimal.Decimal) error {
	return registrar{m}.TransferCollateral(caller, from, to, amount)
}

// --- Sinks ---------------------------------------------------------------

func (m *Manager) persistSnapshot(ctx context.Context, mkt *market.Market, now time.Time) {
	if m.store == nil {
		return
	}
	if err := m.store.Upsert(ctx, mkt.Snapshot(now)); err != nil {
		m.logger.WarnContext(ctx, "manager: snapshot persist failed",
			slog.String("market", mkt.Address().Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) recordSettlement(ctx context.Context, mkt *market.Market, fees marketFees, residual decimal.Decimal, now time.Time) {
	if m.store != nil {
		if err := m.store.Delete(ctx, mkt.Address()); err != nil {
			m.logger.WarnContext(ctx, "manager: snapshot delete failed",
				slog.String("market", mkt.Address().Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	if m.settlements == nil {
		return
	}
	rec := domain.SettlementRecord{
		ID:          uuid.NewString(),
		Market:      mkt.Address(),
		OracleKey:   mkt.OracleKey(),
		StrikePrice: mkt.StrikePrice(),
		FinalPrice:  mkt.FinalPrice(),
		Result:      mkt.Result(),
		Deposited:   residual.Add(fees.pool).Add(fees.creator),
		PoolFee:     fees.pool,
		CreatorFee:  fees.creator,
		Residual:    residual,
		ExpiredAt:   now,
	}
	if err := m.settlements.Insert(ctx, rec); err != nil {
		m.logger.WarnContext(ctx, "manager: settlement record failed",
			slog.String("market", mkt.Address().Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) publish(ctx context.Context, ev domain.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.WarnContext(ctx, "manager: event publish failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
