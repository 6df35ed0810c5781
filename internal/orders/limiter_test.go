package orders

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewExposureLimiter(d(100), d(500), d(1000))

	if err := limiter.CheckLimit("BTC", d(25), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerOrderExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(100), d(500), d(1000))

	if err := limiter.CheckLimit("BTC", d(100.01), nil); err != ErrOrderBudgetExceeded {
		t.Errorf("expected ErrOrderBudgetExceeded, got %v", err)
	}
}

func TestCheckLimit_PerAssetExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(100), d(500), d(1000))

	// Holding 450 + new 60 = 510 > 500.
	existing := map[string]decimal.Decimal{"BTC": d(450)}
	if err := limiter.CheckLimit("BTC", d(60), existing); err != ErrAssetExposureExceeded {
		t.Errorf("expected ErrAssetExposureExceeded, got %v", err)
	}

	// Other assets do not count against BTC.
	existing = map[string]decimal.Decimal{"ETH": d(450)}
	if err := limiter.CheckLimit("BTC", d(60), existing); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_TotalExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(100), d(500), d(1000))

	existing := map[string]decimal.Decimal{
		"BTC": d(400),
		"ETH": d(400),
		"SOL": d(150),
	}
	// 400 + 400 + 150 + 60 = 1010 > 1000.
	if err := limiter.CheckLimit("ADA", d(60), existing); err != ErrTotalExposureExceeded {
		t.Errorf("expected ErrTotalExposureExceeded, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewExposureLimiter(decimal.Zero, decimal.Zero, decimal.Zero)

	existing := map[string]decimal.Decimal{"BTC": d(1e9)}
	if err := limiter.CheckLimit("BTC", d(1e6), existing); err != nil {
		t.Errorf("expected no error with limits disabled, got %v", err)
	}

	var nilLimiter *ExposureLimiter
	if err := nilLimiter.CheckLimit("BTC", d(1e6), existing); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
