package orders

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrOrderBudgetExceeded is returned when one order's notional is above
	// the per-order maximum.
	ErrOrderBudgetExceeded = errors.New("orders: per-order budget exceeded")

	// ErrAssetExposureExceeded is returned when an order would push the
	// holding of one asset beyond the per-asset maximum.
	ErrAssetExposureExceeded = errors.New("orders: per-asset exposure limit exceeded")

	// ErrTotalExposureExceeded is returned when an order would push the
	// value held across all non-stable assets beyond the total maximum.
	ErrTotalExposureExceeded = errors.New("orders: total exposure limit exceeded")
)

// ExposureLimiter caps what a market buy may spend. A zero limit disables
// that check. Exposures are expressed in the quote currency.
type ExposureLimiter struct {
	MaxPerOrder decimal.Decimal
	MaxPerAsset decimal.Decimal
	MaxTotal    decimal.Decimal
}

// NewExposureLimiter creates a limiter.
func NewExposureLimiter(maxPerOrder, maxPerAsset, maxTotal decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerOrder: maxPerOrder,
		MaxPerAsset: maxPerAsset,
		MaxTotal:    maxTotal,
	}
}

// CheckLimit validates buying notional worth of asset given the current
// per-asset exposures.
func (l *ExposureLimiter) CheckLimit(asset string, notional decimal.Decimal, existing map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}
	if l.MaxPerOrder.IsPositive() && notional.GreaterThan(l.MaxPerOrder) {
		return ErrOrderBudgetExceeded
	}

	after := existing[asset].Add(notional)
	if l.MaxPerAsset.IsPositive() && after.GreaterThan(l.MaxPerAsset) {
		return ErrAssetExposureExceeded
	}

	if l.MaxTotal.IsPositive() {
		total := after
		for a, v := range existing {
			if a == asset {
				continue
			}
			total = total.Add(v.Abs())
		}
		if total.GreaterThan(l.MaxTotal) {
			return ErrTotalExposureExceeded
		}
	}
	return nil
}
