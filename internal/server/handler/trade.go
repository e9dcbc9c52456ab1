package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// TradeEngine defines the execution operations the trade handler requires.
type TradeEngine interface {
	BuyFromAMM(ctx context.Context, caller domain.Address, addr domain.Address, side domain.OptionSide, amount, expectedCost, maxSlippage decimal.Decimal) (decimal.Decimal, error)
	SellToAMM(ctx context.Context, caller domain.Address, addr domain.Address, side domain.OptionSide, amount, expectedPayout, maxSlippage decimal.Decimal) (decimal.Decimal, error)
	BuyWithDifferentCollateral(ctx context.Context, caller domain.Address, addr domain.Address, side domain.OptionSide, amount, expectedCost, maxSlippage decimal.Decimal, collateralSymbol string, referrer *domain.Address) (decimal.Decimal, error)
}

// FillStore defines the fill reads the trade handler requires.
type FillStore interface {
	ListByMarket(ctx context.Context, market domain.Address, opts domain.ListOpts) ([]domain.TradeFill, error)
	ListByTrader(ctx context.Context, trader domain.Address, opts domain.ListOpts) ([]domain.TradeFill, error)
}

// TradeHandler executes trades against the engine and serves fill history.
type TradeHandler struct {
	engine TradeEngine
	fills  FillStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(engine TradeEngine, fills FillStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		engine: engine,
		fills:  fills,
		logger: logger,
	}
}

// tradeRequest is the JSON body for trade execution. Expected is the quote
// the caller observed; MaxSlippage bounds how far the executed cost may move
// from it.
type tradeRequest struct {
	Market      string          `json:"market"`
	Trader      string          `json:"trader"`
	Side        string          `json:"side"`
	Direction   string          `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Expected    decimal.Decimal `json:"expected"`
	MaxSlippage decimal.Decimal `json:"max_slippage"`
	Collateral  string          `json:"collateral,omitempty"`
	Referrer    string          `json:"referrer,omitempty"`
}

// tradeResponse reports the executed cost or proceeds.
type tradeResponse struct {
	Market    string          `json:"market"`
	Trader    string          `json:"trader"`
	Side      string          `json:"side"`
	Direction string          `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
	Paid      decimal.Decimal `json:"paid"`
}

// ExecuteTrade executes a buy or sell against the AMM on behalf of the
// trader named in the request body.
// POST /api/trades
func (h *TradeHandler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	market, err := parseAddress(req.Market)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trader, err := parseAddress(req.Trader)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	var referrer *domain.Address
	if req.Referrer != "" {
		ref, err := parseAddress(req.Referrer)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		referrer = &ref
	}

	var paid decimal.Decimal
	switch domain.TradeDirection(req.Direction) {
	case domain.DirectionBuy:
		if req.Collateral != "" {
			paid, err = h.engine.BuyWithDifferentCollateral(r.Context(), trader, market, side,
				req.Amount, req.Expected, req.MaxSlippage, req.Collateral, referrer)
		} else {
			paid, err = h.engine.BuyFromAMM(r.Context(), trader, market, side,
				req.Amount, req.Expected, req.MaxSlippage)
		}
	case domain.DirectionSell:
		paid, err = h.engine.SellToAMM(r.Context(), trader, market, side,
			req.Amount, req.Expected, req.MaxSlippage)
	default:
		writeError(w, http.StatusBadRequest, "invalid direction")
		return
	}
	if err != nil {
		h.writeTradeError(w, r, market, err)
		return
	}

	writeJSON(w, http.StatusOK, tradeResponse{
		Market:    market.Hex(),
		Trader:    trader.Hex(),
		Side:      side.String(),
		Direction: req.Direction,
		Amount:    req.Amount,
		Paid:      paid,
	})
}

// writeTradeError maps engine failures to HTTP statuses. Protocol errors keep
// their exact message so API clients can match on them.
func (h *TradeHandler) writeTradeError(w http.ResponseWriter, r *http.Request, market domain.Address, err error) {
	switch {
	case errors.Is(err, domain.ErrMarketUnknown):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrSlippage),
		errors.Is(err, domain.ErrPegSlippage),
		errors.Is(err, domain.ErrNotEnoughLiquidity),
		errors.Is(err, domain.ErrInsufficientCapital):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnsupportedCollateral),
		errors.Is(err, domain.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrInsufficientAllowance),
		errors.Is(err, domain.ErrBurnTooMuch):
		writeError(w, http.StatusPaymentRequired, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "handler: trade failed",
			slog.String("market", market.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "trade failed")
	}
}

// fillView is the JSON projection of a trade fill.
type fillView struct {
	ID         string          `json:"id"`
	Market     string          `json:"market"`
	Trader     string          `json:"trader"`
	Side       string          `json:"side"`
	Direction  string          `json:"direction"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	Paid       decimal.Decimal `json:"paid"`
	SafeBoxFee decimal.Decimal `json:"safe_box_fee"`
	Collateral string          `json:"collateral"`
	Referrer   string          `json:"referrer,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func toFillViews(fills []domain.TradeFill) []fillView {
	views := make([]fillView, len(fills))
	for i, f := range fills {
		v := fillView{
			ID:         f.ID,
			Market:     f.Market.Hex(),
			Trader:     f.Trader.Hex(),
			Side:       f.Side.String(),
			Direction:  string(f.Direction),
			Amount:     f.Amount,
			Price:      f.Price,
			Paid:       f.Paid,
			SafeBoxFee: f.SafeBoxFee,
			Collateral: f.Collateral,
			CreatedAt:  f.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if f.Referrer != nil {
			v.Referrer = f.Referrer.Hex()
		}
		views[i] = v
	}
	return views
}

// ListMarketFills returns recent fills for a market.
// GET /api/markets/{address}/fills
func (h *TradeHandler) ListMarketFills(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fills, err := h.fills.ListByMarket(r.Context(), addr, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list market fills failed",
			slog.String("market", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list fills")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"fills": toFillViews(fills)})
}

// ListTraderFills returns recent fills for a trader account.
// GET /api/traders/{address}/fills
func (h *TradeHandler) ListTraderFills(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fills, err := h.fills.ListByTrader(r.Context(), addr, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trader fills failed",
			slog.String("trader", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list fills")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"fills": toFillViews(fills)})
}
