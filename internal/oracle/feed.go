// Package oracle provides the price-feed adapter the engine resolves markets
// against. Rates are pushed in by an external updater; the feed only answers
// "rate for key" and "is the rate stale" queries, optionally mirroring every
// update into a shared cache for API consumers.
package oracle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

// Feed holds the latest observed rate per asset key.
type Feed struct {
	maxAge time.Duration
	cache  domain.RateCache // optional mirror, may be nil
	logger *slog.Logger

	mu    sync.RWMutex
	rates map[string]domain.OracleRate
}

// NewFeed creates a Feed. Rates older than maxAge are considered stale.
func NewFeed(maxAge time.Duration, cache domain.RateCache, logger *slog.Logger) *Feed {
	return &Feed{
		maxAge: maxAge,
		cache:  cache,
		logger: logger.With(slog.String("component", "oracle")),
		rates:  make(map[string]domain.OracleRate),
	}
}

// UpdateRate records a fresh observation for key at the given timestamp.
func (f *Feed) UpdateRate(ctx context.Context, key string, rate decimal.Decimal, at time.Time) {
	obs := domain.OracleRate{Key: key, Rate: rate, UpdatedAt: at}

	f.mu.Lock()
	f.rates[key] = obs
	f.mu.Unlock()

	if f.cache != nil {
		if err := f.cache.SetRate(ctx, obs); err != nil {
			f.logger.WarnContext(ctx, "oracle: rate cache write failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RateForCurrency returns the latest rate for key. The zero OracleRate is
// returned for unknown keys; callers must check staleness before acting.
func (f *Feed) RateForCurrency(key string) domain.OracleRate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rates[key]
}

// RateIsStale reports whether the latest rate for key is older than the
// feed's max age (or missing entirely) as of now.
func (f *Feed) RateIsStale(key string, now time.Time) bool {
	f.mu.RLock()
	rate, ok := f.rates[key]
	f.mu.RUnlock()
	if !ok {
		return true
	}
	return rate.Stale(now, f.maxAge)
}
