package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kestrel-labs/kestrel/internal/domain"
	"github.com/kestrel-labs/kestrel/internal/notify"
	"github.com/kestrel-labs/kestrel/internal/pipeline"
	"github.com/kestrel-labs/kestrel/internal/server"
	"github.com/kestrel-labs/kestrel/internal/server/handler"
	"github.com/kestrel-labs/kestrel/internal/server/ws"
)

const (
	// sweepInterval is how often the engine checks for markets past expiry
	// and for a finished liquidity-pool round.
	sweepInterval = time.Minute

	// roundCloseLockTTL bounds how long one instance may hold the
	// round-close lock.
	roundCloseLockTTL = 2 * time.Minute

	// archiveInterval is how often the full mode runs an archive pass.
	archiveInterval = 24 * time.Hour
)

// EngineMode runs the trading core headless: the notification relay and the
// background sweeps, without the HTTP API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies, eng *Engine) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startSweeps(ctx, g, deps, eng)

	return g.Wait()
}

// ServerMode runs the trading core behind the HTTP + WebSocket API. The
// background sweeps are left to a separate engine-mode instance; the
// round-close lock keeps the two from settling the same round twice.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, eng *Engine) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, eng)

	return g.Wait()
}

// FullMode runs everything in one process: the API, the sweeps, and the
// archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, eng *Engine) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startRelay(ctx, g, deps)
	a.startSweeps(ctx, g, deps, eng)
	a.startHTTPServer(ctx, g, deps, eng)

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(
			deps.Archiver,
			deps.FillStore,
			deps.SettlementStore,
			a.cfg.S3.ArchiveRetentionDays,
			a.logger,
		)
		g.Go(func() error {
			return archiver.RunPeriodic(ctx, archiveInterval)
		})
	}

	return g.Wait()
}

// startRelay forwards engine events to the configured notification channels.
func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	relay := notify.NewRelay(deps.EventBus, deps.Notifier, a.logger)
	g.Go(func() error {
		return relay.Run(ctx)
	})
}

// startSweeps runs the periodic maintenance loop: expire markets whose expiry
// date has passed and close the liquidity-pool round once it has ended. The
// round close runs under a distributed lock so that exactly one instance
// settles each round.
func (a *App) startSweeps(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *Engine) {
	g.Go(func() error {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.sweepExpiredMarkets(ctx, eng)
				a.sweepRoundClose(ctx, deps, eng)
			}
		}
	})
}

// sweepExpiredMarkets exercises the AMM's book on matured resolved markets
// and expires every market whose expiry date has passed.
func (a *App) sweepExpiredMarkets(ctx context.Context, eng *Engine) {
	now := time.Now().UTC()
	matured := eng.Manager.MaturedMarkets(0, eng.Manager.NumMaturedMarkets())

	var expired []domain.Address
	for _, addr := range matured {
		mkt, ok := eng.Manager.Market(addr)
		if !ok {
			continue
		}
		if mkt.Result() != domain.Unresolved {
			if _, err := eng.AMM.ExerciseMaturedMarket(ctx, addr); err != nil &&
				!errors.Is(err, domain.ErrMarketUnknown) && !errors.Is(err, domain.ErrNothingToPay) {
				a.logger.WarnContext(ctx, "sweep: exercise amm book failed",
					slog.String("market", addr.Hex()),
					slog.String("error", err.Error()),
				)
			}
		}
		if mkt.ExpiryDate().Before(now) {
			expired = append(expired, addr)
		}
	}
	if len(expired) == 0 {
		return
	}

	if err := eng.Manager.ExpireMarkets(ctx, eng.Manager.Owner(), expired); err != nil {
		a.logger.WarnContext(ctx, "sweep: expire markets failed",
			slog.Int("markets", len(expired)),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "sweep: expired markets", slog.Int("markets", len(expired)))
}

// sweepRoundClose closes the liquidity-pool round once its end has passed.
func (a *App) sweepRoundClose(ctx context.Context, deps *Dependencies, eng *Engine) {
	if time.Now().UTC().Before(eng.Pool.RoundEnd()) {
		return
	}

	unlock, err := deps.LockManager.Acquire(ctx, "round-close", roundCloseLockTTL)
	if err != nil {
		if !errors.Is(err, domain.ErrLockHeld) {
			a.logger.WarnContext(ctx, "sweep: round-close lock failed",
				slog.String("error", err.Error()),
			)
		}
		return
	}
	defer unlock()

	round := eng.Pool.Round()
	if err := eng.Vault.CloseRound(ctx); err != nil {
		// Unresolved markets hold the round open; try again next tick.
		if errors.Is(err, domain.ErrMarketsUnresolved) || errors.Is(err, domain.ErrRoundNotFinished) {
			a.logger.InfoContext(ctx, "sweep: round not ready to close",
				slog.Int("round", round),
				slog.String("reason", err.Error()),
			)
			return
		}
		a.logger.WarnContext(ctx, "sweep: round close failed",
			slog.Int("round", round),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "sweep: closed round", slog.Int("round", round))
}

// startHTTPServer assembles the handlers around the engine and runs the HTTP
// + WebSocket server until the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *Engine) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.logger),
		Status:  handler.NewStatusHandler(eng.Manager, eng.Pool, eng.Vault, a.cfg.Mode, startedAt, a.logger),
		Markets: handler.NewMarketHandler(deps.MarketStore, a.logger),
		Quotes:  handler.NewQuoteHandler(eng.AMM, a.logger),
		Trades:  handler.NewTradeHandler(eng.AMM, deps.FillStore, a.logger),
		Pool:    handler.NewPoolHandler(eng.Pool, deps.RoundStore, a.logger),
		Events:  handler.NewEventsHandler(deps.EventBus, a.logger),
		Admin:   handler.NewAdminHandler(eng.Manager, eng.Vault, eng.Feed, eng.AdminAuth, eng.OracleSigner, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
