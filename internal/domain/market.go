package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Address identifies an account, market, or component in the engine's ledger
// space. Market addresses are derived deterministically from their creation
// parameters.
type Address = common.Address

// OptionSide is one of the two complementary outcome sides of a market.
type OptionSide int

const (
	Long OptionSide = iota // price at maturity >= strike ("up")
	Short                  // price at maturity < strike ("down")
)

// Other returns the opposite side.
func (s OptionSide) Other() OptionSide {
	if s == Long {
		return Short
	}
	return Long
}

func (s OptionSide) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// MarketResult is the outcome of a market, set exactly once at resolution.
type MarketResult int

const (
	Unresolved MarketResult = iota
	LongWins
	ShortWins
)

func (r MarketResult) String() string {
	switch r {
	case LongWins:
		return "long"
	case ShortWins:
		return "short"
	default:
		return "unresolved"
	}
}

// MarketPhase is the time-driven lifecycle phase of a market. Phases only
// ever advance.
type MarketPhase int

const (
	Trading MarketPhase = iota
	Maturity
	Expiry
)

func (p MarketPhase) String() string {
	switch p {
	case Trading:
		return "trading"
	case Maturity:
		return "maturity"
	default:
		return "expiry"
	}
}

// MarketKey is the uniqueness triple for a market. Strike is the quantized
// strike bucket, formatted as a fixed decimal string so the key is hashable.
type MarketKey struct {
	OracleKey string
	Strike    string
	Maturity  int64
}

// NewMarketKey builds a MarketKey from raw parameters.
func NewMarketKey(oracleKey string, strike decimal.Decimal, maturity time.Time) MarketKey {
	return MarketKey{
		OracleKey: oracleKey,
		Strike:    strike.String(),
		Maturity:  maturity.Unix(),
	}
}

// MarketSnapshot is the persisted view of a market's state, written to the
// store on every lifecycle transition for observability and recovery.
type MarketSnapshot struct {
	Address      Address
	OracleKey    string
	StrikePrice  decimal.Decimal
	MaturityDate time.Time
	ExpiryDate   time.Time
	Creator      Address
	Deposited    decimal.Decimal
	LongSupply   decimal.Decimal
	ShortSupply  decimal.Decimal
	Result       MarketResult
	FinalPrice   decimal.Decimal
	Phase        MarketPhase
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OracleRate is a single price observation for an asset key.
type OracleRate struct {
	Key       string
	Rate      decimal.Decimal
	UpdatedAt time.Time
}

// Stale reports whether the rate is older than maxAge relative to now.
func (r OracleRate) Stale(now time.Time, maxAge time.Duration) bool {
	return r.UpdatedAt.IsZero() || now.Sub(r.UpdatedAt) > maxAge
}
