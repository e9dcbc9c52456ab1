package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market snapshots.
type MarketStore interface {
	Upsert(ctx context.Context, snap MarketSnapshot) error
	UpsertBatch(ctx context.Context, snaps []MarketSnapshot) error
	GetByAddress(ctx context.Context, addr Address) (MarketSnapshot, error)
	ListByPhase(ctx context.Context, phase MarketPhase, opts ListOpts) ([]MarketSnapshot, error)
	Delete(ctx context.Context, addr Address) error
	Count(ctx context.Context) (int64, error)
}

// FillStore persists executed AMM trades.
type FillStore interface {
	Insert(ctx context.Context, fill TradeFill) error
	InsertBatch(ctx context.Context, fills []TradeFill) error
	ListByMarket(ctx context.Context, market Address, opts ListOpts) ([]TradeFill, error)
	ListByTrader(ctx context.Context, trader Address, opts ListOpts) ([]TradeFill, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]TradeFill, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SettlementStore persists settlement records of expired markets.
type SettlementStore interface {
	Insert(ctx context.Context, rec SettlementRecord) error
	GetByMarket(ctx context.Context, market Address) (SettlementRecord, error)
	ListRecent(ctx context.Context, limit int) ([]SettlementRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]SettlementRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// RoundStore persists liquidity-pool round summaries.
type RoundStore interface {
	Insert(ctx context.Context, round RoundSummary) error
	GetByNumber(ctx context.Context, round int) (RoundSummary, error)
	ListRecent(ctx context.Context, limit int) ([]RoundSummary, error)
}
