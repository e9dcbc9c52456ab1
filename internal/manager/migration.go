package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/market"
)

// Migration moves batches of markets between manager instances without
// downtime. It is a two-phase handshake: the target first opts in by
// pointing its migratingManager at the source, then the source executes the
// transfer. Each batch is all-or-nothing.

// SetMigratingManager designates the manager allowed to hand markets to this
// instance. Owner only.
func (m *Manager) SetMigratingManager(caller domain.Address, other *Manager) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	if caller != m.owner {
		return domain.ErrOnlyOwner
	}
	m.migratingManager = other
	return nil
}

// MigratingManager returns the currently designated migration peer.
func (m *Manager) MigratingManager() *Manager {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.migratingManager
}

// MigrateMarkets transfers a batch of this manager's markets to target.
// Owner only; the target must have opted in via SetMigratingManager pointing
// back at this manager. An empty batch is a no-op.
func (m *Manager) MigrateMarkets(ctx context.Context, caller domain.Address, target *Manager, activeBatch bool, addrs []domain.Address) error {
	m.regMu.Lock()
	if caller != m.owner {
		m.regMu.Unlock()
		return domain.ErrOnlyOwner
	}
	m.regMu.Unlock()

	if target == nil || target == m {
		return domain.ErrMigrateToSelf
	}
	if target.MigratingManager() != m {
		return domain.ErrOnlyMigratingManager
	}
	if len(addrs) == 0 {
		return nil
	}

	m.regMu.Lock()
	markets := make([]*market.Market, 0, len(addrs))
	for _, addr := range addrs {
		set := m.active
		if !activeBatch {
			set = m.matured
		}
		if !set.contains(addr) {
			m.regMu.Unlock()
			if activeBatch {
				return domain.ErrNotActiveMarket
			}
			return domain.ErrNotKnownMarket
		}
		markets = append(markets, m.byAddress[addr])
	}
	m.regMu.Unlock()

	total := decimal.Zero
	for _, mkt := range markets {
		total = total.Add(mkt.Deposited())
	}

	// The target registers first; a duplicate receipt fails the whole batch
	// before this side mutates anything.
	if err := target.ReceiveMarkets(ctx, m.cfg.Address, activeBatch, markets); err != nil {
		return err
	}

	m.regMu.Lock()
	for _, addr := range addrs {
		m.active.remove(addr)
		m.matured.remove(addr)
		delete(m.byAddress, addr)
		delete(m.fees, addr)
	}
	m.totalDeposited = m.totalDeposited.Sub(total)
	m.regMu.Unlock()

	for _, mkt := range markets {
		if err := mkt.TransferOwnership(m.cfg.Address, target.Address(), registrar{target}); err != nil {
			return fmt.Errorf("manager: transfer ownership %s: %w", mkt.Address().Hex(), err)
		}
	}
	if total.IsPositive() {
		if err := m.collateral.Transfer(m.cfg.Address, target.Address(), total); err != nil {
			return fmt.Errorf("manager: migrate collateral: %w", err)
		}
	}

	m.publish(ctx, domain.Event{
		Type:   domain.EventMarketsMigrated,
		Amount: total,
		At:     m.cfg.Clock(),
	})
	m.logger.InfoContext(ctx, "manager: markets migrated",
		slog.Int("count", len(addrs)),
		slog.String("target", target.Address().Hex()),
		slog.Bool("active_batch", activeBatch),
	)
	return nil
}

// ReceiveMarkets accepts a batch handed over by the designated migrating
// manager. The whole batch is validated before any market is registered.
func (m *Manager) ReceiveMarkets(ctx context.Context, caller domain.Address, activeBatch bool, markets []*market.Market) error {
	// Deposits are read before the registry lock; market locks are always
	// acquired before the registry lock, never after.
	deposits := make([]decimal.Decimal, len(markets))
	for i, mkt := range markets {
		deposits[i] = mkt.Deposited()
	}

	m.regMu.Lock()
	defer m.regMu.Unlock()

	if m.migratingManager == nil || caller != m.migratingManager.Address() {
		return domain.ErrOnlyMigratingManager
	}
	for _, mkt := range markets {
		if m.active.contains(mkt.Address()) || m.matured.contains(mkt.Address()) {
			return domain.ErrMarketKnown
		}
	}
	for i, mkt := range markets {
		set := m.active
		if !activeBatch {
			set = m.matured
		}
		set.add(mkt.Address())
		m.byAddress[mkt.Address()] = mkt
		m.totalDeposited = m.totalDeposited.Add(deposits[i])
	}
	return nil
}
