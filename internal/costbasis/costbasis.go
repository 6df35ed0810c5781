// Package costbasis derives a running average entry price from an ordered
// trade log using weighted averaging with partial liquidation.
//
// Sells remove cost at the current average, so selling never changes the
// average cost of what remains. Commissions only count when they are paid in
// a quote-stable asset; commissions paid in the traded asset are ignored.
package costbasis

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/model"
)

// PositionState is the running size and the cost attributed to it.
type PositionState struct {
	Quantity  decimal.Decimal `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"`
}

// AvgEntry returns CostBasis / Quantity, or null when nothing is held.
func (s PositionState) AvgEntry() decimal.NullDecimal {
	if !s.Quantity.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(s.CostBasis.Div(s.Quantity))
}

// Calculator applies trades to a PositionState. StableAssets holds the
// uppercase commission asset codes that count as quote-stable.
type Calculator struct {
	StableAssets map[string]bool
}

// NewCalculator creates a calculator treating the given assets as
// quote-stable for commission purposes.
func NewCalculator(stable ...string) *Calculator {
	set := make(map[string]bool, len(stable))
	for _, a := range stable {
		set[strings.ToUpper(strings.TrimSpace(a))] = true
	}
	return &Calculator{StableAssets: set}
}

func (c *Calculator) stableFee(t model.TradeRecord) (decimal.Decimal, bool) {
	if t.Commission.IsZero() || !c.StableAssets[strings.ToUpper(t.CommissionAsset)] {
		return decimal.Zero, false
	}
	return t.Commission, true
}

// Apply processes one trade. The caller guarantees chronological order.
func (c *Calculator) Apply(state PositionState, t model.TradeRecord) PositionState {
	fee, stable := c.stableFee(t)

	if t.IsBuy {
		state.Quantity = state.Quantity.Add(t.Quantity)
		state.CostBasis = state.CostBasis.Add(t.QuoteQuantity)
		if stable {
			state.CostBasis = state.CostBasis.Add(fee)
		}
		return state
	}

	// Selling more than tracked means history is incomplete; clamp.
	sellQty := decimal.Min(t.Quantity, state.Quantity)
	if state.Quantity.IsPositive() {
		if sellQty.Equal(state.Quantity) {
			state.CostBasis = decimal.Zero
		} else {
			avg := state.CostBasis.Div(state.Quantity)
			state.CostBasis = state.CostBasis.Sub(avg.Mul(sellQty))
		}
		state.Quantity = state.Quantity.Sub(sellQty)
	}
	if stable && state.Quantity.IsPositive() {
		state.CostBasis = state.CostBasis.Add(fee)
	}

	// Division rounding can leave a dust-sized negative residue.
	if state.CostBasis.IsNegative() {
		state.CostBasis = decimal.Zero
	}
	return state
}

// Run folds trades over an empty position in the given order.
func (c *Calculator) Run(trades []model.TradeRecord) PositionState {
	var state PositionState
	for _, t := range trades {
		state = c.Apply(state, t)
	}
	return state
}

// Finalize returns the average entry and the remaining quantity.
// Returns (null, 0) when no quantity remains.
func Finalize(state PositionState) (decimal.NullDecimal, decimal.Decimal) {
	if !state.Quantity.IsPositive() {
		return decimal.NullDecimal{}, decimal.Zero
	}
	return state.AvgEntry(), state.Quantity
}
