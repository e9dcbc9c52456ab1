package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeDirection distinguishes buys from sells against the AMM.
type TradeDirection string

const (
	DirectionBuy  TradeDirection = "buy"
	DirectionSell TradeDirection = "sell"
)

// TradeFill records a single executed AMM trade.
type TradeFill struct {
	ID         string
	Market     Address
	Trader     Address
	Side       OptionSide
	Direction  TradeDirection
	Amount     decimal.Decimal
	Price      decimal.Decimal // effective unit price after impact
	Paid       decimal.Decimal // collateral paid (buy) or received (sell)
	SafeBoxFee decimal.Decimal
	Collateral string // symbol of the collateral actually supplied
	Referrer   *Address
	CreatedAt  time.Time
}

// SettlementRecord captures the final accounting of an expired market.
type SettlementRecord struct {
	ID           string
	Market       Address
	OracleKey    string
	StrikePrice  decimal.Decimal
	FinalPrice   decimal.Decimal
	Result       MarketResult
	Deposited    decimal.Decimal
	PoolFee      decimal.Decimal
	CreatorFee   decimal.Decimal
	Residual     decimal.Decimal // collateral swept back at expiry
	ResolvedAt   time.Time
	ExpiredAt    time.Time
}

// RoundSummary is the persisted outcome of one liquidity-pool round.
type RoundSummary struct {
	Round         int
	StartedAt     time.Time
	EndedAt       time.Time
	Allocation    decimal.Decimal
	PnL           decimal.Decimal // multiplicative factor applied to balances
	Deposits      decimal.Decimal
	Withdrawals   decimal.Decimal
	TradedMarkets int
	ClosedAt      time.Time
}
