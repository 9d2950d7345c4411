package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/engine"
	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/market"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

type queueProvider struct {
	mu    sync.Mutex
	snaps map[string][]*types.MarketSnapshot
}

func (q *queueProvider) Next(ctx context.Context, symbol string) (*types.MarketSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.snaps[symbol]
	if len(pending) == 0 {
		return nil, fmt.Errorf("%w: %s", market.ErrExhausted, symbol)
	}
	q.snaps[symbol] = pending[1:]
	return pending[0], nil
}

type fixedPredictions struct {
	pred *types.Prediction
	err  error
}

func (p fixedPredictions) Predict(ctx context.Context, snap *types.MarketSnapshot) (*types.Prediction, error) {
	return p.pred, p.err
}

type countingObserver struct {
	cycles   int
	capitals []types.CapitalSnapshot
}

func (o *countingObserver) ObserveCycle(d time.Duration) { o.cycles++ }

func (o *countingObserver) ObserveCapital(s types.CapitalSnapshot) {
	o.capitals = append(o.capitals, s)
}

func TestRunnerStep(t *testing.T) {
	f := newFixture(t, false)
	provider := &queueProvider{snaps: map[string][]*types.MarketSnapshot{
		"BTCUSDT": {flatSnapshot("BTCUSDT", 100)},
	}}
	obs := &countingObserver{}
	runner := engine.NewRunner(zap.NewNop(), f.engine, provider, fixedPredictions{pred: bullish()}, obs)

	done, err := runner.Step(context.Background())
	if err != nil || done {
		t.Fatalf("Expected a completed cycle, got done=%v err=%v", done, err)
	}
	if obs.cycles != 1 || len(obs.capitals) != 1 {
		t.Errorf("Expected one observation, got %d cycles and %d capital snapshots", obs.cycles, len(obs.capitals))
	}
	if f.events.count(events.EventTypePositionOpened) != 1 {
		t.Error("Expected the bullish prediction to open a position")
	}
	if obs.capitals[0].OpenPositions != 1 {
		t.Errorf("Expected capital snapshot taken after the cycle, got %d open", obs.capitals[0].OpenPositions)
	}

	done, err = runner.Step(context.Background())
	if err != nil || !done {
		t.Errorf("Expected exhaustion, got done=%v err=%v", done, err)
	}
	if obs.cycles != 1 {
		t.Errorf("Exhausted step must not be observed, got %d cycles", obs.cycles)
	}
}

func TestRunnerPredictionErrorHolds(t *testing.T) {
	f := newFixture(t, false)
	provider := &queueProvider{snaps: map[string][]*types.MarketSnapshot{
		"BTCUSDT": {flatSnapshot("BTCUSDT", 100)},
	}}
	obs := &countingObserver{}
	runner := engine.NewRunner(nil, f.engine, provider, fixedPredictions{err: errors.New("model offline")}, obs)

	if _, err := runner.Step(context.Background()); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if obs.cycles != 1 {
		t.Errorf("Expected cycle to run without a prediction, got %d", obs.cycles)
	}
	if f.events.count(events.EventTypePositionOpened) != 0 {
		t.Error("No position should open without a prediction or indicators")
	}
	if d, ok := f.engine.Decisions()["BTCUSDT"]; !ok || d.Signal.Action != types.ActionHold {
		t.Errorf("Expected HOLD decision, got %+v", d)
	}
}

func TestRunnerRunReturnsWhenExhausted(t *testing.T) {
	f := newFixture(t, false)
	provider := &queueProvider{snaps: map[string][]*types.MarketSnapshot{}}
	runner := engine.NewRunner(zap.NewNop(), f.engine, provider, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runner.Run(ctx); err != nil {
		t.Errorf("Expected clean stop on exhausted data, got %v", err)
	}
}
