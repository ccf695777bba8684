package sizing

import (
	"testing"

	"github.com/shopspring/decimal"

	"armed-turbo-executor/internal/armerr"
)

func TestSizeReturnsBaseWhenWithinCeilings(t *testing.T) {
	cfg := Config{MaxImpactPct: decimal.NewFromInt(5), MaxPoolPct: decimal.NewFromInt(2), MinUSD: decimal.NewFromInt(1)}
	estimate := func(a int64) decimal.Decimal { return decimal.NewFromInt(1) }

	res, err := Size(1_000_000, 1_000_000_000, decimal.NewFromFloat(0.001), estimate, cfg)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if res.Amount != 1_000_000 {
		t.Errorf("expected full base amount, got %d", res.Amount)
	}
	if !res.SizingReducedPct.IsZero() {
		t.Errorf("expected no reduction, got %s", res.SizingReducedPct)
	}
}

func TestSizeNeverExceedsBase(t *testing.T) {
	cfg := Config{MaxImpactPct: decimal.NewFromInt(1), MaxPoolPct: decimal.NewFromInt(100), MinUSD: decimal.Zero}
	// impact grows linearly with amount so high amounts must be reduced.
	estimate := func(a int64) decimal.Decimal {
		return decimal.NewFromInt(a).Div(decimal.NewFromInt(1_000_000)).Mul(decimal.NewFromInt(10))
	}

	res, err := Size(1_000_000, 0, decimal.Zero, estimate, cfg)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if res.Amount > 1_000_000 {
		t.Errorf("sizer must never return more than base, got %d", res.Amount)
	}
	if res.Amount < 0 {
		t.Error("sizer must never return a negative amount")
	}
	if res.SizingReducedPct.IsZero() {
		t.Error("expected a nonzero reduction when impact forces a smaller amount")
	}
}

func TestSizeRespectsMaxPoolPct(t *testing.T) {
	cfg := Config{MaxImpactPct: decimal.NewFromInt(100), MaxPoolPct: decimal.NewFromInt(1), MinUSD: decimal.Zero}
	estimate := func(a int64) decimal.Decimal { return decimal.Zero }

	res, err := Size(1_000_000, 10_000_000, decimal.Zero, estimate, cfg)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	share := decimal.NewFromInt(res.Amount).Div(decimal.NewFromInt(10_000_000)).Mul(decimal.NewFromInt(100))
	if share.GreaterThan(cfg.MaxPoolPct) {
		t.Errorf("sized amount violates max pool pct: share=%s max=%s", share, cfg.MaxPoolPct)
	}
}

func TestSizeAbortsBelowMinUSD(t *testing.T) {
	cfg := Config{MaxImpactPct: decimal.NewFromInt(100), MaxPoolPct: decimal.NewFromInt(100), MinUSD: decimal.NewFromInt(1000)}
	estimate := func(a int64) decimal.Decimal { return decimal.Zero }

	_, err := Size(1, 0, decimal.NewFromFloat(0.000001), estimate, cfg)
	if err != armerr.ErrBelowMinUSD {
		t.Errorf("expected ErrBelowMinUSD, got %v", err)
	}
}

func TestSizeRejectsNonPositiveBase(t *testing.T) {
	cfg := Config{}
	if _, err := Size(0, 0, decimal.Zero, nil, cfg); err != armerr.ErrInvalidInput {
		t.Errorf("expected ErrInvalidInput for zero base, got %v", err)
	}
	if _, err := Size(-5, 0, decimal.Zero, nil, cfg); err != armerr.ErrInvalidInput {
		t.Errorf("expected ErrInvalidInput for negative base, got %v", err)
	}
}

func TestProbeSizeClampsScaleFactor(t *testing.T) {
	cfg := ProbeConfig{ScaleFactor: 0}
	if got := ProbeSize(1000, cfg); got != 500 {
		t.Errorf("expected scale factor to clamp to 2 (size=500), got %d", got)
	}

	cfg2 := ProbeConfig{ScaleFactor: 10}
	if got := ProbeSize(1000, cfg2); got != 100 {
		t.Errorf("expected size=100 with scale factor 10, got %d", got)
	}

	if got := ProbeSize(1, ProbeConfig{ScaleFactor: 10}); got != 1 {
		t.Errorf("probe size should floor to at least 1, got %d", got)
	}
}

func TestShouldAbortProbe(t *testing.T) {
	cfg := ProbeConfig{AbortOnImpact: decimal.NewFromInt(5)}
	if ShouldAbortProbe(decimal.NewFromInt(3), cfg) {
		t.Error("impact below threshold should not abort")
	}
	if !ShouldAbortProbe(decimal.NewFromInt(6), cfg) {
		t.Error("impact above threshold should abort")
	}
}
