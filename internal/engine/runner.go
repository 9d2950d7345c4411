package engine

import (
	"context"
	"errors"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/market"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

// SnapshotProvider supplies the next market snapshot for a symbol.
// *market.Store satisfies it.
type SnapshotProvider interface {
	Next(ctx context.Context, symbol string) (*types.MarketSnapshot, error)
}

// PredictionProvider supplies an optional model prediction. A nil
// prediction with nil error means none is available.
type PredictionProvider interface {
	Predict(ctx context.Context, snap *types.MarketSnapshot) (*types.Prediction, error)
}

// CycleObserver is told about every completed cycle. *metrics.Recorder
// satisfies it.
type CycleObserver interface {
	ObserveCycle(d time.Duration)
	ObserveCapital(s types.CapitalSnapshot)
}

// Runner drives the engine on a fixed interval
type Runner struct {
	logger      *zap.Logger
	engine      *Engine
	snapshots   SnapshotProvider
	predictions PredictionProvider
	observers   []CycleObserver
}

// NewRunner creates a cycle runner. predictions may be nil.
func NewRunner(logger *zap.Logger, engine *Engine, snapshots SnapshotProvider, predictions PredictionProvider, observers ...CycleObserver) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger:      logger.Named("cycle-runner"),
		engine:      engine,
		snapshots:   snapshots,
		predictions: predictions,
		observers:   observers,
	}
}

// Run evaluates every configured symbol each interval until ctx is
// cancelled or every symbol's data is exhausted.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.engine.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Decision loop started",
		zap.Strings("symbols", r.engine.config.Symbols),
		zap.Duration("interval", r.engine.config.Interval))

	for {
		done, err := r.Step(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("Cycle failed", zap.Error(err))
		}
		if done {
			r.logger.Info("Market data exhausted, stopping decision loop")
			return nil
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Decision loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step gathers one snapshot per symbol and runs a single cycle. done
// reports that no symbol has data left.
func (r *Runner) Step(ctx context.Context) (done bool, err error) {
	cycleCtx, cancel := context.WithTimeout(ctx, r.engine.config.CycleTimeout)
	defer cancel()

	inputs := make([]Input, 0, len(r.engine.config.Symbols))
	exhausted := 0
	for _, symbol := range r.engine.config.Symbols {
		snap, err := r.snapshots.Next(cycleCtx, symbol)
		if err != nil {
			if errors.Is(err, market.ErrExhausted) {
				exhausted++
				continue
			}
			r.logger.Warn("Snapshot unavailable",
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}

		in := Input{Snapshot: snap}
		if r.predictions != nil {
			pred, err := r.predictions.Predict(cycleCtx, snap)
			if err != nil {
				r.logger.Warn("Prediction unavailable",
					zap.String("symbol", symbol),
					zap.Error(err))
			}
			in.Prediction = pred
		}
		inputs = append(inputs, in)
	}

	if exhausted == len(r.engine.config.Symbols) {
		return true, nil
	}
	if len(inputs) == 0 {
		return false, nil
	}

	start := time.Now()
	decisions, err := r.engine.RunCycle(cycleCtx, inputs)
	if err != nil {
		return false, err
	}
	elapsed := time.Since(start)
	snap := r.engine.ledger.Snapshot()
	for _, o := range r.observers {
		o.ObserveCycle(elapsed)
		o.ObserveCapital(snap)
	}
	for _, d := range decisions {
		r.logger.Debug("Decision",
			zap.String("symbol", d.Symbol),
			zap.String("action", string(d.Signal.Action)),
			zap.Float64("strength", d.Signal.Strength),
			zap.Float64("confidence", d.Signal.Confidence),
			zap.String("refusal", d.Refusal))
	}
	return false, nil
}
