package costbasis

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func buy(qty, price float64) model.TradeRecord {
	return model.TradeRecord{
		Symbol:        "BTCUSDT",
		IsBuy:         true,
		Quantity:      d(qty),
		Price:         d(price),
		QuoteQuantity: d(qty).Mul(d(price)),
	}
}

func sell(qty, price float64) model.TradeRecord {
	t := buy(qty, price)
	t.IsBuy = false
	return t
}

func TestRun_WeightedAverage(t *testing.T) {
	calc := NewCalculator("USDT", "USD")

	state := calc.Run([]model.TradeRecord{buy(10, 100), buy(10, 200)})
	avg, qty := Finalize(state)

	if !avg.Valid || !avg.Decimal.Equal(d(150)) {
		t.Errorf("expected avg entry 150, got %v", avg)
	}
	if !qty.Equal(d(20)) {
		t.Errorf("expected quantity 20, got %s", qty)
	}
}

func TestApply_SellKeepsAverage(t *testing.T) {
	calc := NewCalculator("USDT")

	state := calc.Run([]model.TradeRecord{buy(10, 100), buy(10, 200)})
	state = calc.Apply(state, sell(5, 999))

	if !state.Quantity.Equal(d(15)) {
		t.Errorf("expected quantity 15, got %s", state.Quantity)
	}
	if !state.CostBasis.Equal(d(2250)) {
		t.Errorf("expected cost basis 2250, got %s", state.CostBasis)
	}
	avg, _ := Finalize(state)
	if !avg.Decimal.Equal(d(150)) {
		t.Errorf("selling should not move the average, got %s", avg.Decimal)
	}
}

func TestApply_OversellClamps(t *testing.T) {
	calc := NewCalculator("USDT")

	state := calc.Run([]model.TradeRecord{buy(5, 100), sell(100, 120)})

	if !state.Quantity.IsZero() {
		t.Errorf("expected quantity 0 after oversell, got %s", state.Quantity)
	}
	if state.CostBasis.IsNegative() {
		t.Errorf("cost basis went negative: %s", state.CostBasis)
	}
	avg, qty := Finalize(state)
	if avg.Valid {
		t.Errorf("expected null avg entry, got %s", avg.Decimal)
	}
	if !qty.IsZero() {
		t.Errorf("expected 0 quantity, got %s", qty)
	}
}

func TestApply_SellWithoutHistory(t *testing.T) {
	calc := NewCalculator("USDT")

	s := sell(3, 50)
	s.Commission = d(0.1)
	s.CommissionAsset = "USDT"
	state := calc.Apply(PositionState{}, s)

	if !state.Quantity.IsZero() || !state.CostBasis.IsZero() {
		t.Errorf("expected empty state, got qty=%s cost=%s", state.Quantity, state.CostBasis)
	}
}

func TestApply_StableCommissionOnBuy(t *testing.T) {
	calc := NewCalculator("USDT")

	tr := buy(1, 100)
	tr.Commission = d(1)
	tr.CommissionAsset = "usdt"
	state := calc.Apply(PositionState{}, tr)

	if !state.CostBasis.Equal(d(101)) {
		t.Errorf("expected cost basis 101, got %s", state.CostBasis)
	}
	if !state.Quantity.Equal(d(1)) {
		t.Errorf("expected quantity 1, got %s", state.Quantity)
	}
	if avg := state.AvgEntry(); !avg.Decimal.Equal(d(101)) {
		t.Errorf("expected avg 101, got %s", avg.Decimal)
	}
}

func TestApply_BaseAssetCommissionIgnored(t *testing.T) {
	calc := NewCalculator("USDT")

	tr := buy(1, 100)
	tr.Commission = d(0.001)
	tr.CommissionAsset = "BTC"
	state := calc.Apply(PositionState{}, tr)

	if !state.CostBasis.Equal(d(100)) {
		t.Errorf("expected cost basis 100, got %s", state.CostBasis)
	}
	if !state.Quantity.Equal(d(1)) {
		t.Errorf("commission in traded asset must not reduce quantity, got %s", state.Quantity)
	}
}

func TestApply_SellCommissionAddedToRemainder(t *testing.T) {
	calc := NewCalculator("USDT")

	state := calc.Apply(PositionState{}, buy(10, 100))
	s := sell(5, 110)
	s.Commission = d(0.5)
	s.CommissionAsset = "USDT"
	state = calc.Apply(state, s)

	// 1000 - 5*100 + 0.5
	if !state.CostBasis.Equal(d(500.5)) {
		t.Errorf("expected cost basis 500.5, got %s", state.CostBasis)
	}
}

func TestApply_SellCommissionDroppedWhenFlat(t *testing.T) {
	calc := NewCalculator("USDT")

	state := calc.Apply(PositionState{}, buy(2, 100))
	s := sell(2, 110)
	s.Commission = d(0.5)
	s.CommissionAsset = "USDT"
	state = calc.Apply(state, s)

	if !state.CostBasis.IsZero() {
		t.Errorf("closed position should carry no cost, got %s", state.CostBasis)
	}
}

func TestApply_NonNegativeUnderRandomSequences(t *testing.T) {
	calc := NewCalculator("USDT")
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		var state PositionState
		for i := 0; i < 50; i++ {
			qty := float64(rng.Intn(1000)+1) / 7
			price := float64(rng.Intn(10000)+1) / 3
			tr := buy(qty, price)
			if rng.Intn(2) == 0 {
				tr.IsBuy = false
			}
			if rng.Intn(3) == 0 {
				tr.Commission = d(float64(rng.Intn(100)) / 100)
				tr.CommissionAsset = "USDT"
			}
			state = calc.Apply(state, tr)
			if state.Quantity.IsNegative() || state.CostBasis.IsNegative() {
				t.Fatalf("run %d step %d: negative state qty=%s cost=%s",
					run, i, state.Quantity, state.CostBasis)
			}
		}
	}
}
