package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// PoolService defines the liquidity-pool operations the handler requires.
type PoolService interface {
	Round() int
	RoundEnd() time.Time
	RoundAllocation() decimal.Decimal
	BalanceOf(user domain.Address) decimal.Decimal
	PendingDeposit(user domain.Address) decimal.Decimal
	Deposit(ctx context.Context, user domain.Address, amount decimal.Decimal) error
	WithdrawalRequest(user domain.Address) error
}

// RoundStore defines the round-history reads the handler requires.
type RoundStore interface {
	GetByNumber(ctx context.Context, round int) (domain.RoundSummary, error)
	ListRecent(ctx context.Context, limit int) ([]domain.RoundSummary, error)
}

// PoolHandler serves liquidity-pool endpoints.
type PoolHandler struct {
	pool   PoolService
	rounds RoundStore
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pool PoolService, rounds RoundStore, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{
		pool:   pool,
		rounds: rounds,
		logger: logger,
	}
}

// GetPool returns the pool's current round state.
// GET /api/pool
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"round":      h.pool.Round(),
		"round_end":  h.pool.RoundEnd().UTC().Format(time.RFC3339),
		"allocation": h.pool.RoundAllocation(),
	})
}

// GetBalance returns a user's active balance and pending deposit.
// GET /api/pool/balances/{address}
func (h *PoolHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":            addr.Hex(),
		"balance":         h.pool.BalanceOf(addr),
		"pending_deposit": h.pool.PendingDeposit(addr),
	})
}

// depositRequest is the JSON body for pool deposits.
type depositRequest struct {
	User   string          `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

// Deposit queues a deposit for the next round.
// POST /api/pool/deposits
func (h *PoolHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := parseAddress(req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.pool.Deposit(r.Context(), user, req.Amount); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidAmount),
			errors.Is(err, domain.ErrWithdrawRequested):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrVaultFull),
			errors.Is(err, domain.ErrVaultCapExceeded):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrInsufficientBalance),
			errors.Is(err, domain.ErrInsufficientAllowance):
			writeError(w, http.StatusPaymentRequired, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: pool deposit failed",
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "deposit failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":            user.Hex(),
		"pending_deposit": h.pool.PendingDeposit(user),
	})
}

// withdrawRequest is the JSON body for withdrawal requests.
type withdrawRequest struct {
	User string `json:"user"`
}

// RequestWithdrawal flags a user's balance for payout at the next round
// close.
// POST /api/pool/withdrawals
func (h *PoolHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := parseAddress(req.User)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.pool.WithdrawalRequest(user); err != nil {
		switch {
		case errors.Is(err, domain.ErrWithdrawRequested),
			errors.Is(err, domain.ErrWithdrawAfterDeposit),
			errors.Is(err, domain.ErrNothingToWithdraw):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: withdrawal request failed",
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "withdrawal request failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":      user.Hex(),
		"requested": true,
	})
}

// roundView is the JSON projection of a closed round.
type roundView struct {
	Round         int             `json:"round"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at"`
	Allocation    decimal.Decimal `json:"allocation"`
	PnL           decimal.Decimal `json:"pnl"`
	Deposits      decimal.Decimal `json:"deposits"`
	Withdrawals   decimal.Decimal `json:"withdrawals"`
	TradedMarkets int             `json:"traded_markets"`
	ClosedAt      time.Time       `json:"closed_at"`
}

func toRoundView(s domain.RoundSummary) roundView {
	return roundView{
		Round:         s.Round,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
		Allocation:    s.Allocation,
		PnL:           s.PnL,
		Deposits:      s.Deposits,
		Withdrawals:   s.Withdrawals,
		TradedMarkets: s.TradedMarkets,
		ClosedAt:      s.ClosedAt,
	}
}

// ListRounds returns recently closed rounds.
// GET /api/pool/rounds?limit=20
func (h *PoolHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	rounds, err := h.rounds.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list rounds failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list rounds")
		return
	}

	views := make([]roundView, len(rounds))
	for i, s := range rounds {
		views[i] = toRoundView(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": views})
}

// GetRound returns a single closed round by number.
// GET /api/pool/rounds/{round}
func (h *PoolHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(pathParam(r, "round"))
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid round number")
		return
	}

	round, err := h.rounds.GetByNumber(r.Context(), n)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "round not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get round failed",
			slog.Int("round", n),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get round")
		return
	}

	writeJSON(w, http.StatusOK, toRoundView(round))
}
