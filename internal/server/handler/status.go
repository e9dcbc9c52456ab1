package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// EngineStatus defines the aggregate reads the status handler requires.
type EngineStatus interface {
	NumActiveMarkets() int
	NumMaturedMarkets() int
	TotalDeposited() decimal.Decimal
}

// PoolStatus defines the pool reads the status handler requires.
type PoolStatus interface {
	Round() int
	RoundEnd() time.Time
	RoundAllocation() decimal.Decimal
}

// VaultStatus defines the vault reads the status handler requires.
type VaultStatus interface {
	TradedMarkets() int
}

// StatusHandler serves the engine overview endpoint.
type StatusHandler struct {
	engine    EngineStatus
	pool      PoolStatus
	vault     VaultStatus
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(engine EngineStatus, pool PoolStatus, vault VaultStatus, mode string, startedAt time.Time, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		engine:    engine,
		pool:      pool,
		vault:     vault,
		mode:      mode,
		startedAt: startedAt,
		logger:    logger,
	}
}

// GetStatus returns a snapshot of the whole engine.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	resp := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": uptime,
	}
	if h.engine != nil {
		resp["active_markets"] = h.engine.NumActiveMarkets()
		resp["matured_markets"] = h.engine.NumMaturedMarkets()
		resp["total_deposited"] = h.engine.TotalDeposited()
	}
	if h.pool != nil {
		resp["round"] = h.pool.Round()
		resp["round_end"] = h.pool.RoundEnd().UTC().Format(time.RFC3339)
		resp["round_allocation"] = h.pool.RoundAllocation()
	}
	if h.vault != nil {
		resp["round_traded_markets"] = h.vault.TradedMarkets()
	}

	writeJSON(w, http.StatusOK, resp)
}
