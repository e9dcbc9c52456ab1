package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates the lifecycle events published by the engine.
type EventType string

const (
	EventMarketCreated   EventType = "market_created"
	EventMarketResolved  EventType = "market_resolved"
	EventMarketExpired   EventType = "market_expired"
	EventMarketsMigrated EventType = "markets_migrated"
	EventTradeExecuted   EventType = "trade_executed"
	EventRoundClosed     EventType = "round_closed"
)

// Event is a single engine lifecycle event. MarketCreated events are the only
// supported way for external consumers to learn a new market's address.
type Event struct {
	Type      EventType       `json:"type"`
	Market    Address         `json:"market,omitempty"`
	OracleKey string          `json:"oracle_key,omitempty"`
	Strike    decimal.Decimal `json:"strike,omitempty"`
	Maturity  *time.Time      `json:"maturity,omitempty"`
	Result    string          `json:"result,omitempty"`
	Amount    decimal.Decimal `json:"amount,omitempty"`
	Round     int             `json:"round,omitempty"`
	At        time.Time       `json:"at"`
}
