package domain

import (
	"context"
	"time"
)

// RateCache provides fast access to the latest oracle rates.
type RateCache interface {
	SetRate(ctx context.Context, rate OracleRate) error
	GetRate(ctx context.Context, key string) (OracleRate, error)
	GetRates(ctx context.Context, keys []string) (map[string]OracleRate, error)
}

// EventBus publishes engine lifecycle events to external consumers and lets
// them replay the durable stream. MarketCreated events on this bus are the
// only supported market-discovery mechanism.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
	ReadStream(ctx context.Context, lastID string, count int) ([]StreamEvent, error)
}

// StreamEvent is a single durable entry from the event stream.
type StreamEvent struct {
	ID    string
	Event Event
}

// RateLimiter bounds how often a keyed action may occur inside a window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking for singleton jobs such as the
// round-close sweep.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
