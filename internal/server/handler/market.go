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

// MarketStore defines the persisted-market reads the handler requires. It is
// declared locally so the handler package does not depend on the concrete
// store implementation.
type MarketStore interface {
	GetByAddress(ctx context.Context, addr domain.Address) (domain.MarketSnapshot, error)
	ListByPhase(ctx context.Context, phase domain.MarketPhase, opts domain.ListOpts) ([]domain.MarketSnapshot, error)
	Count(ctx context.Context) (int64, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketStore
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given store and logger.
func NewMarketHandler(markets MarketStore, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logger,
	}
}

// marketView is the JSON projection of a market snapshot.
type marketView struct {
	Address      string          `json:"address"`
	OracleKey    string          `json:"oracle_key"`
	StrikePrice  decimal.Decimal `json:"strike_price"`
	MaturityDate time.Time       `json:"maturity_date"`
	ExpiryDate   time.Time       `json:"expiry_date"`
	Creator      string          `json:"creator"`
	Deposited    decimal.Decimal `json:"deposited"`
	LongSupply   decimal.Decimal `json:"long_supply"`
	ShortSupply  decimal.Decimal `json:"short_supply"`
	Result       string          `json:"result"`
	FinalPrice   decimal.Decimal `json:"final_price"`
	Phase        string          `json:"phase"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func toMarketView(snap domain.MarketSnapshot) marketView {
	return marketView{
		Address:      snap.Address.Hex(),
		OracleKey:    snap.OracleKey,
		StrikePrice:  snap.StrikePrice,
		MaturityDate: snap.MaturityDate,
		ExpiryDate:   snap.ExpiryDate,
		Creator:      snap.Creator.Hex(),
		Deposited:    snap.Deposited,
		LongSupply:   snap.LongSupply,
		ShortSupply:  snap.ShortSupply,
		Result:       snap.Result.String(),
		FinalPrice:   snap.FinalPrice,
		Phase:        snap.Phase.String(),
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns persisted markets in the requested phase.
// GET /api/markets?phase=trading&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	phase := domain.Trading
	switch r.URL.Query().Get("phase") {
	case "", "trading":
	case "maturity":
		phase = domain.Maturity
	case "expiry":
		phase = domain.Expiry
	default:
		writeError(w, http.StatusBadRequest, "invalid phase")
		return
	}

	snaps, err := h.markets.ListByPhase(r.Context(), phase, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	views := make([]marketView, len(snaps))
	for i, s := range snaps {
		views[i] = toMarketView(s)
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market snapshot by its address.
// GET /api/markets/{address}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.markets.GetByAddress(r.Context(), addr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get market failed",
			slog.String("market", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, toMarketView(snap))
}
