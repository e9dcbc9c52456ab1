// Package pool runs the liquidity pool: user deposits pooled into fixed-length
// rounds, traded by the vault, and settled with a multiplicative P&L at each
// round close. Deposits always enter the NEXT round; the running round's
// capital is never diluted mid-flight.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/ledger"
)

// Config bounds participation and sets the round cadence.
type Config struct {
	Address           domain.Address // pool custody account
	RoundLength       time.Duration
	MaxUsers          int
	MinDepositAmount  decimal.Decimal
	MaxAllowedDeposit decimal.Decimal // cap on a round's total capital
	Clock             func() time.Time
}

// Pool holds participant balances across rounds. The vault trades with the
// pool's custody account; the pool only does the round bookkeeping.
type Pool struct {
	cfg        Config
	collateral *ledger.Ledger
	logger     *slog.Logger

	rounds domain.RoundStore
	bus    domain.EventBus

	mu              sync.Mutex
	round           int
	roundStart      time.Time
	roundAllocation decimal.Decimal // sum of balances when the round opened
	tradedMarkets   int
	balances        map[domain.Address]decimal.Decimal
	pending         map[domain.Address]decimal.Decimal // deposits for the next round
	withdrawals     map[domain.Address]bool
}

// New creates the pool with round 1 open as of the current clock.
func New(cfg Config, collateral *ledger.Ledger, logger *slog.Logger) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Pool{
		cfg:         cfg,
		collateral:  collateral,
		logger:      logger.With(slog.String("component", "pool")),
		round:       1,
		roundStart:  cfg.Clock(),
		balances:    make(map[domain.Address]decimal.Decimal),
		pending:     make(map[domain.Address]decimal.Decimal),
		withdrawals: make(map[domain.Address]bool),
	}
}

// AttachSinks wires optional round persistence and event publishing.
func (p *Pool) AttachSinks(rounds domain.RoundStore, bus domain.EventBus) {
	p.rounds = rounds
	p.bus = bus
}

// Address returns the pool's custody account.
func (p *Pool) Address() domain.Address { return p.cfg.Address }

// Round returns the current round number.
func (p *Pool) Round() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.round
}

// RoundEnd returns when the current round can be closed.
func (p *Pool) RoundEnd() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roundStart.Add(p.cfg.RoundLength)
}

// RoundAllocation returns the capital the current round opened with.
func (p *Pool) RoundAllocation() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roundAllocation
}

// BalanceOf returns a user's settled in-round balance.
func (p *Pool) BalanceOf(user domain.Address) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[user]
}

// PendingDeposit returns a user's queued next-round deposit.
func (p *Pool) PendingDeposit(user domain.Address) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[user]
}

// NoteTrade counts a market traded in the current round. Called by the vault
// so round summaries carry trade activity.
func (p *Pool) NoteTrade() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tradedMarkets++
}

// Deposit queues amount of collateral for the next round. The transfer into
// pool custody happens immediately.
func (p *Pool) Deposit(ctx context.Context, user domain.Address, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if amount.LessThan(p.cfg.MinDepositAmount) || !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	if p.withdrawals[user] {
		return domain.ErrWithdrawRequested
	}
	if p.cfg.MaxUsers > 0 && p.userCountLocked() >= p.cfg.MaxUsers && !p.isParticipantLocked(user) {
		return domain.ErrVaultFull
	}
	next := p.totalBalancesLocked().Add(p.totalPendingLocked()).Add(amount)
	if p.cfg.MaxAllowedDeposit.IsPositive() && next.GreaterThan(p.cfg.MaxAllowedDeposit) {
		return domain.ErrVaultCapExceeded
	}
	if err := p.collateral.Transfer(user, p.cfg.Address, amount); err != nil {
		return err
	}
	p.pending[user] = p.pending[user].Add(amount)

	p.logger.InfoContext(ctx, "deposit queued",
		slog.String("user", user.Hex()),
		slog.String("amount", amount.String()),
		slog.Int("round", p.round+1))
	return nil
}

// WithdrawalRequest flags the user's full balance for payout at the next
// round close. Users with a deposit already queued must wait for it to enter
// a round first.
func (p *Pool) WithdrawalRequest(user domain.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.withdrawals[user] {
		return domain.ErrWithdrawRequested
	}
	if p.pending[user].IsPositive() {
		return domain.ErrWithdrawAfterDeposit
	}
	if !p.balances[user].IsPositive() {
		return domain.ErrNothingToWithdraw
	}
	p.withdrawals[user] = true
	return nil
}

// CloseRound settles the finished round. The round must have run its full
// length and resolved must confirm every market traded this round settled;
// the vault supplies that check. P&L is the ratio of custody capital now to
// the round's opening allocation, applied multiplicatively to every balance.
func (p *Pool) CloseRound(ctx context.Context, resolved func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Clock()
	if now.Before(p.roundStart.Add(p.cfg.RoundLength)) {
		return domain.ErrRoundNotFinished
	}
	if resolved != nil {
		if err := resolved(); err != nil {
			return err
		}
	}

	pnl := decimal.NewFromInt(1)
	if p.roundAllocation.IsPositive() {
		// Custody holds the round's capital plus queued deposits, which sat
		// out the round and carry no P&L.
		atRisk := p.collateral.BalanceOf(p.cfg.Address).Sub(p.totalPendingLocked())
		pnl = atRisk.DivRound(p.roundAllocation, 18)
	}
	for user, bal := range p.balances {
		p.balances[user] = bal.Mul(pnl).Truncate(18)
	}

	withdrawn := decimal.Zero
	for user := range p.withdrawals {
		amount := p.balances[user]
		if amount.IsPositive() {
			if err := p.collateral.Transfer(p.cfg.Address, user, amount); err != nil {
				p.logger.WarnContext(ctx, "withdrawal payout failed",
					slog.String("user", user.Hex()), slog.Any("error", err))
				continue
			}
			withdrawn = withdrawn.Add(amount)
		}
		delete(p.balances, user)
		delete(p.withdrawals, user)
	}

	deposits := decimal.Zero
	for user, amount := range p.pending {
		p.balances[user] = p.balances[user].Add(amount)
		deposits = deposits.Add(amount)
		delete(p.pending, user)
	}

	closed := p.round
	started := p.roundStart
	allocation := p.roundAllocation
	p.round++
	p.roundStart = now
	p.roundAllocation = p.totalBalancesLocked()

	summary := domain.RoundSummary{
		Round:         closed,
		StartedAt:     started,
		EndedAt:       started.Add(p.cfg.RoundLength),
		Allocation:    allocation,
		PnL:           pnl,
		Deposits:      deposits,
		Withdrawals:   withdrawn,
		TradedMarkets: p.tradedMarkets,
		ClosedAt:      now,
	}
	p.tradedMarkets = 0
	if p.rounds != nil {
		if err := p.rounds.Insert(ctx, summary); err != nil {
			p.logger.WarnContext(ctx, "persist round failed", slog.Any("error", err))
		}
	}
	if p.bus != nil {
		ev := domain.Event{Type: domain.EventRoundClosed, Round: closed, Amount: allocation, At: now}
		if err := p.bus.Publish(ctx, ev); err != nil {
			p.logger.WarnContext(ctx, "publish round event failed", slog.Any("error", err))
		}
	}
	p.logger.InfoContext(ctx, "round closed",
		slog.Int("round", closed),
		slog.String("pnl", pnl.String()),
		slog.String("next_allocation", p.roundAllocation.String()))
	return nil
}

func (p *Pool) userCountLocked() int {
	seen := make(map[domain.Address]struct{}, len(p.balances)+len(p.pending))
	for u := range p.balances {
		seen[u] = struct{}{}
	}
	for u := range p.pending {
		seen[u] = struct{}{}
	}
	return len(seen)
}

func (p *Pool) isParticipantLocked(user domain.Address) bool {
	return p.balances[user].IsPositive() || p.pending[user].IsPositive()
}

func (p *Pool) totalBalancesLocked() decimal.Decimal {
	total := decimal.Zero
	for _, b := range p.balances {
		total = total.Add(b)
	}
	return total
}

func (p *Pool) totalPendingLocked() decimal.Decimal {
	total := decimal.Zero
	for _, b := range p.pending {
		total = total.Add(b)
	}
	return total
}
