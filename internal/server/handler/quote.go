package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// QuoteEngine defines the live pricing reads the quote handler requires from
// the trading engine.
type QuoteEngine interface {
	Price(addr domain.Address, side domain.OptionSide) (decimal.Decimal, error)
	IsMarketTradeable(addr domain.Address) bool
	AvailableToBuy(addr domain.Address, side domain.OptionSide) decimal.Decimal
	AvailableToSell(addr domain.Address, side domain.OptionSide) decimal.Decimal
	SpentOnMarket(addr domain.Address) decimal.Decimal
	BuyQuote(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) (decimal.Decimal, error)
	SellQuote(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) (decimal.Decimal, error)
	BuyPriceImpact(addr domain.Address, side domain.OptionSide, amount decimal.Decimal) decimal.Decimal
}

// QuoteHandler serves live price and quote endpoints backed by the engine
// rather than the store, so responses always reflect current inventory.
type QuoteHandler struct {
	engine QuoteEngine
	logger *slog.Logger
}

// NewQuoteHandler creates a QuoteHandler with the given engine and logger.
func NewQuoteHandler(engine QuoteEngine, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{
		engine: engine,
		logger: logger,
	}
}

// priceResponse carries both sides' prices and current availability.
type priceResponse struct {
	Market          string          `json:"market"`
	Tradeable       bool            `json:"tradeable"`
	LongPrice       decimal.Decimal `json:"long_price"`
	ShortPrice      decimal.Decimal `json:"short_price"`
	LongBuyAvail    decimal.Decimal `json:"long_buy_available"`
	ShortBuyAvail   decimal.Decimal `json:"short_buy_available"`
	LongSellAvail   decimal.Decimal `json:"long_sell_available"`
	ShortSellAvail  decimal.Decimal `json:"short_sell_available"`
	SpentOnMarket   decimal.Decimal `json:"spent_on_market"`
}

// GetPrice returns the current option prices and availability for a market.
// GET /api/markets/{address}/price
func (h *QuoteHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	longPrice, err := h.engine.Price(addr, domain.Long)
	if err != nil {
		if errors.Is(err, domain.ErrMarketUnknown) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: price failed",
			slog.String("market", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to price market")
		return
	}
	shortPrice, _ := h.engine.Price(addr, domain.Short)

	writeJSON(w, http.StatusOK, priceResponse{
		Market:         addr.Hex(),
		Tradeable:      h.engine.IsMarketTradeable(addr),
		LongPrice:      longPrice,
		ShortPrice:     shortPrice,
		LongBuyAvail:   h.engine.AvailableToBuy(addr, domain.Long),
		ShortBuyAvail:  h.engine.AvailableToBuy(addr, domain.Short),
		LongSellAvail:  h.engine.AvailableToSell(addr, domain.Long),
		ShortSellAvail: h.engine.AvailableToSell(addr, domain.Short),
		SpentOnMarket:  h.engine.SpentOnMarket(addr),
	})
}

// quoteResponse is the cost estimate for a prospective trade.
type quoteResponse struct {
	Market    string          `json:"market"`
	Side      string          `json:"side"`
	Direction string          `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
	Quote     decimal.Decimal `json:"quote"`
	Impact    decimal.Decimal `json:"impact"`
}

// GetQuote returns the collateral cost (buy) or proceeds (sell) for trading
// the given amount of options.
// GET /api/markets/{address}/quote?side=long&direction=buy&amount=10
func (h *QuoteHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	side, err := parseSide(q.Get("side"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(q.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	direction := domain.TradeDirection(q.Get("direction"))
	var quote decimal.Decimal
	switch direction {
	case domain.DirectionBuy, "":
		direction = domain.DirectionBuy
		quote, err = h.engine.BuyQuote(addr, side, amount)
	case domain.DirectionSell:
		quote, err = h.engine.SellQuote(addr, side, amount)
	default:
		writeError(w, http.StatusBadRequest, "invalid direction")
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMarketUnknown):
			writeError(w, http.StatusNotFound, "market not found")
		case errors.Is(err, domain.ErrNotEnoughLiquidity):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: quote failed",
				slog.String("market", addr.Hex()),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to quote")
		}
		return
	}

	writeJSON(w, http.StatusOK, quoteResponse{
		Market:    addr.Hex(),
		Side:      side.String(),
		Direction: string(direction),
		Amount:    amount,
		Quote:     quote,
		Impact:    h.engine.BuyPriceImpact(addr, side, amount),
	})
}
