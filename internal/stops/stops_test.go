package stops_test

import (
	"testing"

	"github.com/atlas-desktop/decision-engine/internal/stops"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestPlanClampsStopToMaxPct(t *testing.T) {
	planner := stops.NewPlanner(zap.NewNop(), nil)

	plan := planner.Plan(d(50000), types.PositionSideLong, 1500)

	if !plan.StopDistance.Equal(d(2500)) {
		t.Errorf("Expected stop distance 2500, got %s", plan.StopDistance)
	}
	if !plan.StopLoss.Equal(d(47500)) {
		t.Errorf("Expected stop loss 47500, got %s", plan.StopLoss)
	}

	expected := []decimal.Decimal{d(55000), d(57500), d(62500)}
	if len(plan.TakeProfit) != len(expected) {
		t.Fatalf("Expected %d take-profit levels, got %d", len(expected), len(plan.TakeProfit))
	}
	for i, tp := range plan.TakeProfit {
		if !tp.Equal(expected[i]) {
			t.Errorf("Take-profit %d: expected %s, got %s", i, expected[i], tp)
		}
	}
	if plan.HighVolatility {
		t.Error("ATR/price of exactly 3% should not count as high volatility")
	}
	if !plan.Valid() {
		t.Error("Expected a valid plan")
	}
}

func TestPlanShortMirrorsLong(t *testing.T) {
	planner := stops.NewPlanner(zap.NewNop(), nil)

	plan := planner.Plan(d(100), types.PositionSideShort, 1)

	// 2×ATR = 2, inside [1, 5]
	if !plan.StopLoss.Equal(d(102)) {
		t.Errorf("Expected short stop 102, got %s", plan.StopLoss)
	}
	if !plan.TakeProfit[0].Equal(d(96)) {
		t.Errorf("Expected first short target 96, got %s", plan.TakeProfit[0])
	}
	for i := 1; i < len(plan.TakeProfit); i++ {
		if !plan.TakeProfit[i].LessThan(plan.TakeProfit[i-1]) {
			t.Errorf("Short targets should move further away: %v", plan.TakeProfit)
		}
	}
}

func TestPlanMinimumStopDistance(t *testing.T) {
	planner := stops.NewPlanner(zap.NewNop(), nil)

	plan := planner.Plan(d(100), types.PositionSideLong, 0.1)

	if !plan.StopDistance.Equal(d(1)) {
		t.Errorf("Expected stop distance clamped up to 1, got %s", plan.StopDistance)
	}
}

func TestPlanHighVolatilityWidensMultiples(t *testing.T) {
	planner := stops.NewPlanner(zap.NewNop(), nil)

	plan := planner.Plan(d(100), types.PositionSideLong, 4)

	if !plan.HighVolatility {
		t.Fatal("Expected high volatility for ATR/price of 4%")
	}
	if plan.Multiples[0] != 1.5 {
		t.Errorf("Expected first multiple 1.5, got %v", plan.Multiples[0])
	}
	// distance clamped to 5
	if !plan.TakeProfit[0].Equal(d(107.5)) {
		t.Errorf("Expected first target 107.5, got %s", plan.TakeProfit[0])
	}
}

func TestPlanFallbackWithoutATR(t *testing.T) {
	planner := stops.NewPlanner(zap.NewNop(), nil)

	plan := planner.Plan(d(200), types.PositionSideLong, 0)

	if plan.Fallback != stops.FallbackNoATR {
		t.Errorf("Expected fallback %q, got %q", stops.FallbackNoATR, plan.Fallback)
	}
	if !plan.StopLoss.Equal(d(196)) {
		t.Errorf("Expected 2%% fallback stop 196, got %s", plan.StopLoss)
	}
}

func TestPlanInvalidEntry(t *testing.T) {
	planner := stops.NewPlanner(zap.NewNop(), nil)

	plan := planner.Plan(decimal.Zero, types.PositionSideLong, 10)

	if plan.Valid() {
		t.Error("Zero entry should not produce a valid plan")
	}
	if plan.Fallback != stops.FallbackInvalidEntry {
		t.Errorf("Expected fallback %q, got %q", stops.FallbackInvalidEntry, plan.Fallback)
	}
}

func newLong(entry, stop float64) *types.Position {
	return &types.Position{
		Symbol:     "BTCUSDT",
		Side:       types.PositionSideLong,
		EntryPrice: d(entry),
		Size:       d(1),
		StopLoss:   d(stop),
		TakeProfit: []decimal.Decimal{d(entry * 1.1)},
	}
}

func TestTrailingInactiveNeverMovesStop(t *testing.T) {
	tracker := stops.NewTrailingTracker(nil)
	pos := newLong(100, 95)

	for _, price := range []float64{100.5, 101, 101.5, 101.9} {
		update := tracker.Advance(pos, d(price))
		if update.Moved || update.Activated {
			t.Errorf("Price %v below activation should not touch the stop", price)
		}
		if !pos.StopLoss.Equal(d(95)) {
			t.Errorf("Stop changed while inactive: %s", pos.StopLoss)
		}
	}
	if pos.TrailingActive {
		t.Error("Trailing should still be inactive")
	}
}

func TestTrailingLongIsMonotonic(t *testing.T) {
	tracker := stops.NewTrailingTracker(nil)
	pos := newLong(100, 95)

	prices := []float64{101, 102, 103, 105, 108, 110, 115}
	last := pos.StopLoss
	for _, price := range prices {
		tracker.Advance(pos, d(price))
		if pos.StopLoss.LessThan(last) {
			t.Fatalf("Stop moved down from %s to %s at price %v", last, pos.StopLoss, price)
		}
		last = pos.StopLoss
	}

	if !pos.TrailingActive {
		t.Fatal("Expected trailing to be active")
	}
	expected := d(115).Mul(d(0.99))
	if !pos.StopLoss.Equal(expected) {
		t.Errorf("Expected stop %s, got %s", expected, pos.StopLoss)
	}

	// pullback does not lower the stop
	tracker.Advance(pos, d(112))
	if !pos.StopLoss.Equal(expected) {
		t.Errorf("Pullback moved stop to %s", pos.StopLoss)
	}
}

func TestTrailingShortMovesDownOnly(t *testing.T) {
	tracker := stops.NewTrailingTracker(nil)
	pos := &types.Position{
		Symbol:     "ETHUSDT",
		Side:       types.PositionSideShort,
		EntryPrice: d(100),
		Size:       d(1),
		StopLoss:   d(105),
	}

	tracker.Advance(pos, d(97))
	if !pos.TrailingActive {
		t.Fatal("Expected trailing to activate at 3% profit")
	}
	if !pos.StopLoss.Equal(d(97.97)) {
		t.Errorf("Expected stop 97.97, got %s", pos.StopLoss)
	}

	tracker.Advance(pos, d(99))
	if !pos.StopLoss.Equal(d(97.97)) {
		t.Errorf("Adverse move changed short stop to %s", pos.StopLoss)
	}
}

func TestCheckExit(t *testing.T) {
	pos := *newLong(100, 95)
	pos.TakeProfit = []decimal.Decimal{d(104), d(106), d(110)}

	tests := []struct {
		name   string
		price  float64
		exit   bool
		reason types.ExitReason
		level  int
	}{
		{"hold", 100, false, "", 0},
		{"stop touched", 95, true, types.ExitStopLoss, -1},
		{"below stop", 90, true, types.ExitStopLoss, -1},
		{"first target", 104, true, types.ExitTakeProfit, 0},
		{"second target", 107, true, types.ExitTakeProfit, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exit, ok := stops.CheckExit(pos, d(tt.price))
			if ok != tt.exit {
				t.Fatalf("Expected exit=%v, got %v", tt.exit, ok)
			}
			if !ok {
				return
			}
			if exit.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %s", tt.reason, exit.Reason)
			}
			if exit.Level != tt.level {
				t.Errorf("Expected level %d, got %d", tt.level, exit.Level)
			}
		})
	}
}
