// Package signals combines regime-weighted indicator signals and an
// external model prediction into one ensemble trading signal.
package signals

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

// Strength thresholds for the ensemble action. These are fixed.
const (
	BuyThreshold  = 65.0
	SellThreshold = 35.0
	minConfidence = 0.5
)

// Config configures the signal ensembler
type Config struct {
	RSIOversold        float64 `mapstructure:"rsi_oversold" default:"30" validate:"gt=0,lt=100"`
	RSIOverbought      float64 `mapstructure:"rsi_overbought" default:"70" validate:"gt=0,lt=100,gtfield=RSIOversold"`
	AdaptiveThresholds bool    `mapstructure:"adaptive_thresholds" default:"true"`
	ModelEnabled       bool    `mapstructure:"model_enabled" default:"true"`
	VolumeWindow       int     `mapstructure:"volume_window" default:"20" validate:"gte=1"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RSIOversold:        30,
		RSIOverbought:      70,
		AdaptiveThresholds: true,
		ModelEnabled:       true,
		VolumeWindow:       20,
	}
}

// Input is everything one ensemble evaluation reads.
type Input struct {
	Snapshot   *types.MarketSnapshot
	Weights    Weights
	Regime     types.Regime
	Prediction *types.Prediction
}

// Ensembler produces EnsembleSignals. It holds no mutable state.
type Ensembler struct {
	logger *zap.Logger
	config *Config
}

// NewEnsembler creates a new signal ensembler
func NewEnsembler(logger *zap.Logger, config *Config) *Ensembler {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ensembler{
		logger: logger.Named("signal-ensembler"),
		config: config,
	}
}

// Thresholds returns the RSI thresholds used for a regime.
func (e *Ensembler) Thresholds(regime types.Regime) Thresholds {
	base := Thresholds{Oversold: e.config.RSIOversold, Overbought: e.config.RSIOverbought}
	if !e.config.AdaptiveThresholds {
		return base
	}
	return AdaptThresholds(base, regime)
}

// Generate combines all components into one signal. It never panics and
// never returns an error: failures degrade to HOLD/50/0.
func (e *Ensembler) Generate(in Input) (sig types.EnsembleSignal) {
	symbol := ""
	if in.Snapshot != nil {
		symbol = in.Snapshot.Symbol
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Signal generation panic",
				zap.String("symbol", symbol),
				zap.Any("panic", r),
			)
			sig = types.HoldSignal(symbol, fmt.Sprint(r), snapshotTime(in.Snapshot))
		}
	}()

	if in.Snapshot == nil {
		e.logger.Warn("Signal generation without snapshot")
		return types.HoldSignal(symbol, "no market snapshot", snapshotTime(nil))
	}

	return e.generate(in)
}

func (e *Ensembler) generate(in Input) types.EnsembleSignal {
	snap := in.Snapshot
	th := e.Thresholds(in.Regime)

	components := []types.ComponentSignal{
		RSISignal(snap.Indicators, th),
		MACDSignal(snap.Indicators),
		BollingerSignal(snap),
		EMATrendSignal(snap.Indicators),
		VolumeSignal(snap, e.config.VolumeWindow),
	}
	if e.config.ModelEnabled {
		components = append(components, ModelSignal(in.Prediction))
	}

	values := make(map[string]float64, len(components))
	reasoning := make([]string, 0, len(components))
	firing := make([]float64, 0, len(components))
	score, total := 0.0, 0.0

	for _, c := range components {
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
			c.Value = 0
			c.Available = false
			c.Rationale = c.Name + " not available"
		}
		values[c.Name] = c.Value
		reasoning = append(reasoning, c.Rationale)
		if !c.Available {
			continue
		}
		w := in.Weights.Of(c.Name)
		score += c.Value * w
		total += w
		if c.Value != 0 {
			firing = append(firing, c.Value)
		}
	}

	if total > 0 {
		score /= total
	}
	score = bound(score)
	strength := (score + 1) * 50

	action := types.ActionHold
	switch {
	case strength >= BuyThreshold:
		action = types.ActionBuy
	case strength <= SellThreshold:
		action = types.ActionSell
	}

	confidence := minConfidence
	if len(firing) > 0 {
		confidence = math.Max(minConfidence, 1-populationStd(firing))
	}
	confidence *= math.Max(0, math.Min(1, in.Regime.Confidence))

	sig := types.EnsembleSignal{
		Symbol:     snap.Symbol,
		Action:     action,
		Strength:   strength,
		Confidence: confidence,
		Regime:     in.Regime,
		Components: values,
		Reasoning:  reasoning,
		Timestamp:  snapshotTime(snap),
	}

	e.logger.Debug("Ensemble signal",
		zap.String("symbol", sig.Symbol),
		zap.String("action", string(sig.Action)),
		zap.Float64("strength", sig.Strength),
		zap.Float64("confidence", sig.Confidence),
		zap.Float64("rsi_oversold", th.Oversold),
		zap.Float64("rsi_overbought", th.Overbought),
	)
	return sig
}

func populationStd(values []float64) float64 {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}

func snapshotTime(snap *types.MarketSnapshot) (ts time.Time) {
	if snap == nil {
		return ts
	}
	if !snap.At.IsZero() {
		return snap.At
	}
	if n := len(snap.Bars); n > 0 {
		return snap.Bars[n-1].Timestamp
	}
	return ts
}
