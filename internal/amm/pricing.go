package amm

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrel-labs/kestrel/internal/domain"
)

const yearSeconds = 365 * 24 * 3600

// Pricer turns oracle rates into option probabilities. The model is the
// Black-76 digital price: the probability that the rate finishes above the
// strike under a lognormal diffusion with a per-asset implied volatility.
//
// The transcendental part runs in float64; results are snapped to decimals
// before any money math touches them.
type Pricer struct {
	vols       map[string]decimal.Decimal
	defaultVol decimal.Decimal
}

// NewPricer builds a Pricer with per-oracle-key implied vols and a fallback
// used for keys without an explicit entry.
func NewPricer(vols map[string]decimal.Decimal, defaultVol decimal.Decimal) *Pricer {
	if vols == nil {
		vols = make(map[string]decimal.Decimal)
	}
	return &Pricer{vols: vols, defaultVol: defaultVol}
}

// Vol returns the implied volatility for an oracle key.
func (p *Pricer) Vol(oracleKey string) decimal.Decimal {
	if v, ok := p.vols[oracleKey]; ok {
		return v
	}
	return p.defaultVol
}

// Price returns the unit price of one side of a market given the current
// rate, quoted in collateral per option. Long and short prices of the same
// market sum to one. A market at or past maturity prices at its intrinsic
// value, zero or one.
func (p *Pricer) Price(oracleKey string, rate, strike decimal.Decimal, maturity time.Time, now time.Time, side domain.OptionSide) decimal.Decimal {
	long := p.longPrice(oracleKey, rate, strike, maturity, now)
	if side == domain.Short {
		return decimal.NewFromInt(1).Sub(long)
	}
	return long
}

func (p *Pricer) longPrice(oracleKey string, rate, strike decimal.Decimal, maturity, now time.Time) decimal.Decimal {
	if !rate.IsPositive() || !strike.IsPositive() {
		return decimal.Zero
	}
	timeLeft := maturity.Sub(now)
	if timeLeft <= 0 {
		if rate.GreaterThanOrEqual(strike) {
			return decimal.NewFromInt(1)
		}
		return decimal.Zero
	}

	s, _ := rate.Float64()
	k, _ := strike.Float64()
	sigma, _ := p.Vol(oracleKey).Float64()
	if sigma <= 0 {
		if rate.GreaterThanOrEqual(strike) {
			return decimal.NewFromInt(1)
		}
		return decimal.Zero
	}

	t := timeLeft.Seconds() / yearSeconds
	vt := sigma * math.Sqrt(t)
	d1 := (math.Log(s/k) + 0.5*sigma*sigma*t) / vt
	return decimal.NewFromFloat(stdNormCDF(d1)).Round(8)
}

// stdNormCDF is the standard normal CDF via the error function.
func stdNormCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
