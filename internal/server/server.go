// Package server exposes the engine over HTTP and WebSocket. Read endpoints
// are public (behind the optional API key); lifecycle operations live under
// /api/admin and additionally require an HMAC request signature.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/server/handler"
	"github.com/kestrel-labs/kestrel/internal/server/middleware"
	"github.com/kestrel-labs/kestrel/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimit       int    // requests per window per client; 0 disables
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Markets *handler.MarketHandler
	Quotes  *handler.QuoteHandler
	Trades  *handler.TradeHandler
	Pool    *handler.PoolHandler
	Events  *handler.EventsHandler
	Admin   *handler.AdminHandler
}

// Server is the HTTP + WebSocket API server for the options engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub. limiter may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Engine overview.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Market endpoints.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{address}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{address}/price", handlers.Quotes.GetPrice)
	mux.HandleFunc("GET /api/markets/{address}/quote", handlers.Quotes.GetQuote)
	mux.HandleFunc("GET /api/markets/{address}/fills", handlers.Trades.ListMarketFills)

	// Trade endpoints.
	mux.HandleFunc("POST /api/trades", handlers.Trades.ExecuteTrade)
	mux.HandleFunc("GET /api/traders/{address}/fills", handlers.Trades.ListTraderFills)

	// Liquidity pool endpoints.
	mux.HandleFunc("GET /api/pool", handlers.Pool.GetPool)
	mux.HandleFunc("GET /api/pool/balances/{address}", handlers.Pool.GetBalance)
	mux.HandleFunc("POST /api/pool/deposits", handlers.Pool.Deposit)
	mux.HandleFunc("POST /api/pool/withdrawals", handlers.Pool.RequestWithdrawal)
	mux.HandleFunc("GET /api/pool/rounds", handlers.Pool.ListRounds)
	mux.HandleFunc("GET /api/pool/rounds/{round}", handlers.Pool.GetRound)

	// Event stream replay.
	mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)

	// Admin endpoints (HMAC-signed requests).
	mux.HandleFunc("POST /api/admin/markets", handlers.Admin.CreateMarket)
	mux.HandleFunc("POST /api/admin/markets/expire", handlers.Admin.ExpireMarkets)
	mux.HandleFunc("POST /api/admin/markets/{address}/resolve", handlers.Admin.ResolveMarket)
	mux.HandleFunc("POST /api/admin/rates", handlers.Admin.PushRate)
	mux.HandleFunc("POST /api/admin/vault/trades", handlers.Admin.VaultTrade)
	mux.HandleFunc("POST /api/admin/rounds/close", handlers.Admin.CloseRound)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply per-client rate limiting.
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
