package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/crypto"
	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/market"
)

// MarketAdmin defines the lifecycle operations the admin handler drives on
// the market manager.
type MarketAdmin interface {
	Owner() domain.Address
	QuantizeStrike(oracleKey string, strike decimal.Decimal) decimal.Decimal
	CreateMarket(ctx context.Context, caller domain.Address, oracleKey string, strike decimal.Decimal, maturity time.Time, initialMint decimal.Decimal) (*market.Market, error)
	ResolveMarket(ctx context.Context, addr domain.Address) error
	ExpireMarkets(ctx context.Context, caller domain.Address, addrs []domain.Address) error
}

// VaultAdmin defines the vault operations the admin handler drives.
type VaultAdmin interface {
	Trade(ctx context.Context, addr domain.Address, side domain.OptionSide, amount decimal.Decimal) (decimal.Decimal, error)
	CloseRound(ctx context.Context) error
}

// RateFeed accepts pushed oracle observations.
type RateFeed interface {
	UpdateRate(ctx context.Context, key string, rate decimal.Decimal, at time.Time)
}

// AdminHandler serves the privileged endpoints: market lifecycle, vault
// trading, round close, and oracle rate pushes. Every request must carry a
// valid HMAC signature; rate pushes additionally carry an ECDSA attestation
// from the configured oracle signer.
type AdminHandler struct {
	markets      MarketAdmin
	vault        VaultAdmin
	feed         RateFeed
	auth         *crypto.AdminAuth
	oracleSigner common.Address
	logger       *slog.Logger
}

// NewAdminHandler creates an AdminHandler. If auth is nil the HMAC check is
// disabled (local development only). If oracleSigner is the zero address,
// attestation signatures are not verified.
func NewAdminHandler(markets MarketAdmin, vault VaultAdmin, feed RateFeed, auth *crypto.AdminAuth, oracleSigner common.Address, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		markets:      markets,
		vault:        vault,
		feed:         feed,
		auth:         auth,
		oracleSigner: oracleSigner,
		logger:       logger,
	}
}

// authorize reads the request body and checks the HMAC headers against it.
// It returns the body bytes for JSON decoding, or false after writing the
// error response.
func (h *AdminHandler) authorize(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return nil, false
	}

	if h.auth == nil {
		return body, true
	}

	err = h.auth.Verify(
		r.Header.Get(crypto.HeaderAdminKey),
		r.Header.Get(crypto.HeaderAdminTimestamp),
		r.Header.Get(crypto.HeaderAdminSignature),
		r.Method, r.URL.Path, string(body),
		time.Now(),
	)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid admin signature")
		return nil, false
	}
	return body, true
}

// createMarketRequest is the JSON body for market creation. The strike is
// quantized to the asset's configured step before the market is created.
type createMarketRequest struct {
	OracleKey   string          `json:"oracle_key"`
	Strike      decimal.Decimal `json:"strike"`
	Maturity    time.Time       `json:"maturity"`
	InitialMint decimal.Decimal `json:"initial_mint"`
}

// CreateMarket creates a new market as the engine owner.
// POST /api/admin/markets
func (h *AdminHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	body, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req createMarketRequest
	if err := unmarshalBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OracleKey == "" {
		writeError(w, http.StatusBadRequest, "missing oracle_key")
		return
	}

	strike := h.markets.QuantizeStrike(req.OracleKey, req.Strike)
	mkt, err := h.markets.CreateMarket(r.Context(), h.markets.Owner(),
		req.OracleKey, strike, req.Maturity, req.InitialMint)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMarketExists):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrInvalidMaturity),
			errors.Is(err, domain.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrStaleRate):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, domain.ErrNotWhitelisted):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, domain.ErrInsufficientCapital),
			errors.Is(err, domain.ErrInsufficientBalance):
			writeError(w, http.StatusPaymentRequired, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: create market failed",
				slog.String("oracle_key", req.OracleKey),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "create market failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"address":    mkt.Address().Hex(),
		"oracle_key": mkt.OracleKey(),
		"strike":     mkt.StrikePrice(),
		"maturity":   mkt.MaturityDate().UTC().Format(time.RFC3339),
	})
}

// ResolveMarket resolves a matured market against the oracle feed.
// POST /api/admin/markets/{address}/resolve
func (h *AdminHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r); !ok {
		return
	}

	addr, err := parseAddress(pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.markets.ResolveMarket(r.Context(), addr); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotActiveMarket),
			errors.Is(err, domain.ErrMarketUnknown):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrCannotResolve),
			errors.Is(err, domain.ErrAlreadyResolved),
			errors.Is(err, domain.ErrStaleRate):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: resolve market failed",
				slog.String("market", addr.Hex()),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "resolve market failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"resolved": addr.Hex()})
}

// expireRequest is the JSON body for batch expiry.
type expireRequest struct {
	Addresses []string `json:"addresses"`
}

// ExpireMarkets sweeps residual collateral from resolved markets past their
// expiry date and retires them.
// POST /api/admin/markets/expire
func (h *AdminHandler) ExpireMarkets(w http.ResponseWriter, r *http.Request) {
	body, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req expireRequest
	if err := unmarshalBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	addrs := make([]domain.Address, 0, len(req.Addresses))
	for _, s := range req.Addresses {
		addr, err := parseAddress(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		addrs = append(addrs, addr)
	}

	if err := h.markets.ExpireMarkets(r.Context(), h.markets.Owner(), addrs); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotKnownMarket),
			errors.Is(err, domain.ErrNotResolved):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: expire markets failed",
				slog.Int("count", len(addrs)),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "expire markets failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"expired": len(addrs)})
}

// PushRate accepts a signed oracle rate attestation and feeds it to the
// engine.
// POST /api/admin/rates
func (h *AdminHandler) PushRate(w http.ResponseWriter, r *http.Request) {
	body, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var att crypto.RateAttestation
	if err := unmarshalBody(body, &att); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if att.Key == "" || !att.Rate.IsPositive() {
		writeError(w, http.StatusBadRequest, "missing key or non-positive rate")
		return
	}

	if h.oracleSigner != (common.Address{}) {
		if err := crypto.VerifyAttestation(att, h.oracleSigner); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid rate attestation")
			return
		}
	}

	h.feed.UpdateRate(r.Context(), att.Key, att.Rate, time.Unix(att.Timestamp, 0))
	writeJSON(w, http.StatusOK, map[string]any{
		"key":  att.Key,
		"rate": att.Rate,
	})
}

// vaultTradeRequest is the JSON body for vault trades.
type vaultTradeRequest struct {
	Market string          `json:"market"`
	Side   string          `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

// VaultTrade buys options for the liquidity pool through the vault's
// screening and allocation checks.
// POST /api/admin/vault/trades
func (h *AdminHandler) VaultTrade(w http.ResponseWriter, r *http.Request) {
	body, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req vaultTradeRequest
	if err := unmarshalBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	addr, err := parseAddress(req.Market)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	paid, err := h.vault.Trade(r.Context(), addr, side, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMarketNotValid):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrAllocationExceeded),
			errors.Is(err, domain.ErrSlippage),
			errors.Is(err, domain.ErrNotEnoughLiquidity):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: vault trade failed",
				slog.String("market", addr.Hex()),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "vault trade failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market": addr.Hex(),
		"side":   side.String(),
		"amount": req.Amount,
		"paid":   paid,
	})
}

// CloseRound settles the finished round: exercises the pool's matured
// positions, applies P&L, pays withdrawals, and starts the next round.
// POST /api/admin/rounds/close
func (h *AdminHandler) CloseRound(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r); !ok {
		return
	}

	if err := h.vault.CloseRound(r.Context()); err != nil {
		switch {
		case errors.Is(err, domain.ErrRoundNotFinished),
			errors.Is(err, domain.ErrMarketsUnresolved),
			errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: close round failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "close round failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"closed": true})
}
