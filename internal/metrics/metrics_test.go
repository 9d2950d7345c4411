package metrics_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/metrics"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// value sums every sample of the named counter or gauge family.
func value(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}
	return 0
}

func TestRecorderHandlesEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := metrics.NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	r.Handle(events.NewSignalEvent(types.EnsembleSignal{Symbol: "BTCUSDT", Action: types.ActionBuy, Strength: 72}))
	r.Handle(events.NewPositionOpenedEvent(types.Position{Symbol: "BTCUSDT", Side: types.PositionSideLong}))
	r.Handle(events.NewPositionClosedEvent(types.ClosedPosition{
		Position: types.Position{
			Symbol:     "BTCUSDT",
			EntryPrice: decimal.NewFromInt(100),
			Size:       decimal.NewFromInt(1),
		},
		RealizedPnL: decimal.NewFromInt(3),
		CloseReason: types.ExitTakeProfit,
	}))
	r.Handle(events.NewBreakerEvent(risk.Event{Type: risk.EventTripped, Reason: risk.ReasonDailyLoss}))

	checks := map[string]float64{
		"decision_engine_signals_total":              1,
		"decision_engine_signals_strength":           72,
		"decision_engine_positions_opened_total":     1,
		"decision_engine_positions_closed_total":     1,
		"decision_engine_positions_realized_pnl_pct": 1,
		"decision_engine_breaker_trips_total":        1,
		"decision_engine_breaker_active":             1,
	}
	for name, want := range checks {
		if got := value(t, reg, name); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}

	r.Handle(events.NewBreakerEvent(risk.Event{Type: risk.EventExpired}))
	if got := value(t, reg, "decision_engine_breaker_active"); got != 0 {
		t.Errorf("Expected breaker gauge cleared, got %v", got)
	}
}

func TestObserveCapital(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := metrics.NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	r.ObserveCapital(types.CapitalSnapshot{
		Capital:       types.CapitalState{Current: decimal.NewFromInt(9500)},
		DrawdownPct:   5,
		OpenPositions: 2,
	})
	r.ObserveCycle(150 * time.Millisecond)

	if got := value(t, reg, "decision_engine_account_capital"); got != 9500 {
		t.Errorf("capital = %v, want 9500", got)
	}
	if got := value(t, reg, "decision_engine_account_drawdown_pct"); got != 5 {
		t.Errorf("drawdown = %v, want 5", got)
	}
	if got := value(t, reg, "decision_engine_engine_cycle_duration_seconds"); got != 1 {
		t.Errorf("cycle observations = %v, want 1", got)
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := metrics.NewRecorder(reg); err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	if _, err := metrics.NewRecorder(reg); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}
