// Package sizing implements the Liquidity Sizer & Probe: it reduces a
// requested trade notional under price-impact, pool-share, and minimum-USD
// ceilings, and supports a probe-then-scale execution shape.
//
// Grounded on the pack's use of github.com/shopspring/decimal for exact
// price/PnL math (billygk-alpha-trading, ninja0404-pump-go-sdk) in place of
// float64 — this component's impact/USD comparisons are exactly the kind of
// money math those repos refuse to do in floats. The binary-search shape
// itself has no direct teacher analogue; it is new code serving a spec
// requirement the teacher never needed.
package sizing

import (
	"armed-turbo-executor/internal/armerr"

	"github.com/shopspring/decimal"
)

// Config mirrors SizingConfig from spec §9.
type Config struct {
	MaxImpactPct decimal.Decimal
	MaxPoolPct   decimal.Decimal
	MinUSD       decimal.Decimal
}

// ProbeConfig mirrors ProbeConfig from spec §9.
type ProbeConfig struct {
	Enabled       bool
	ScaleFactor   int
	AbortOnImpact decimal.Decimal
	DelayMs       int
}

// ImpactEstimator estimates the price-impact percentage of trading amount a.
type ImpactEstimator func(a int64) decimal.Decimal

// Result carries the sized amount plus the observations spec §4.6 requires.
type Result struct {
	Amount           int64
	SizingReducedPct decimal.Decimal
	PriceImpactPct   decimal.Decimal
}

// Size binary-searches for the largest amount <= base amount satisfying
// every ceiling in cfg. poolReserve <= 0 means "unknown", skipping the
// pool-share check. unitPriceUSD <= 0 disables the minUSD check (callers
// without a USD oracle accept that risk explicitly).
func Size(base int64, poolReserve int64, unitPriceUSD decimal.Decimal, estimate ImpactEstimator, cfg Config) (Result, error) {
	if base <= 0 {
		return Result{}, armerr.ErrInvalidInput
	}
	requested := base

	fits := func(a int64) bool {
		if a <= 0 {
			return false
		}
		if estimate != nil && estimate(a).GreaterThan(cfg.MaxImpactPct) {
			return false
		}
		if poolReserve > 0 && !cfg.MaxPoolPct.IsZero() {
			share := decimal.NewFromInt(a).Div(decimal.NewFromInt(poolReserve)).Mul(decimal.NewFromInt(100))
			if share.GreaterThan(cfg.MaxPoolPct) {
				return false
			}
		}
		return true
	}

	if !fits(base) {
		lo, hi := int64(0), base
		for i := 0; i < 40 && hi-lo > 1; i++ {
			mid := lo + (hi-lo)/2
			if fits(mid) {
				lo = mid
			} else {
				hi = mid
			}
		}
		base = lo
	}

	if base <= 0 {
		return Result{}, armerr.ErrInvalidInput
	}

	if unitPriceUSD.IsPositive() {
		usd := decimal.NewFromInt(base).Mul(unitPriceUSD)
		if usd.LessThan(cfg.MinUSD) {
			return Result{}, armerr.ErrBelowMinUSD
		}
	}

	var impact decimal.Decimal
	if estimate != nil {
		impact = estimate(base)
	}

	reducedPct := decimal.Zero
	if requested > 0 && base < requested {
		reducedPct = decimal.NewFromInt(requested - base).Div(decimal.NewFromInt(requested)).Mul(decimal.NewFromInt(100))
	}

	return Result{Amount: base, SizingReducedPct: reducedPct, PriceImpactPct: impact}, nil
}

// ProbeSize computes the micro-buy size for a probe-then-scale execution.
func ProbeSize(base int64, cfg ProbeConfig) int64 {
	factor := cfg.ScaleFactor
	if factor < 2 {
		factor = 2
	}
	size := base / int64(factor)
	if size <= 0 {
		size = 1
	}
	return size
}

// ShouldAbortProbe reports whether the observed live impact after the probe
// exceeds cfg.AbortOnImpact, in which case the scale leg must not run.
func ShouldAbortProbe(observedImpactPct decimal.Decimal, cfg ProbeConfig) bool {
	return observedImpactPct.GreaterThan(cfg.AbortOnImpact)
}
