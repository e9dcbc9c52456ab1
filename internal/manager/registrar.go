package manager

import (
	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// registrar is the collateral-callback surface handed to markets. Access
// control stands in for locks here: only live markets may add capital, while
// both live and matured markets may return it.
type registrar struct {
	m *Manager
}

func (r registrar) IncrementDeposited(caller domain.Address, amount decimal.Decimal) error {
	r.m.regMu.Lock()
	defer r.m.regMu.Unlock()
	if !r.m.active.contains(caller) {
		return domain.ErrNotActiveForDeposit
	}
	r.m.totalDeposited = r.m.totalDeposited.Add(amount)
	return nil
}

func (r registrar) DecrementDeposited(caller domain.Address, amount decimal.Decimal) error {
	r.m.regMu.Lock()
	defer r.m.regMu.Unlock()
	if !r.m.active.contains(caller) && !r.m.matured.contains(caller) {
		return domain.ErrNotKnownMarket
	}
	r.m.totalDeposited = r.m.totalDeposited.Sub(amount)
	return nil
}

func (r registrar) TransferCollateral(caller domain.Address, from, to domain.Address, amount decimal.Decimal) error {
	r.m.regMu.Lock()
	known := r.m.active.contains(caller) || r.m.matured.contains(caller)
	r.m.regMu.Unlock()
	if !known {
		return domain.ErrMarketUnknown
	}
	return r.m.collateral.Transfer(from, to, amount)
}

func (r registrar) CustodyAddress() domain.Address {
	return r.m.cfg.Address
}
