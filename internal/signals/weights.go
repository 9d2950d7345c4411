package signals

import (
	"math"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

// Component names used in EnsembleSignal.Components
const (
	ComponentRSI        = "rsi"
	ComponentMACD       = "macd"
	ComponentBollinger  = "bollinger"
	ComponentEMATrend   = "ema_trend"
	ComponentVolume     = "volume"
	ComponentStochastic = "stochastic"
	ComponentATR        = "atr"
	ComponentModel      = "model"
)

// Weights is the per-component weight vector. Stochastic and ATR are kept
// in the vector and adapted with the regime so normalized shares stay
// comparable, but no component produces them, so they never enter the
// ensemble denominator.
type Weights struct {
	RSI        float64 `mapstructure:"rsi" json:"rsi" default:"1.0" validate:"gte=0"`
	MACD       float64 `mapstructure:"macd" json:"macd" default:"1.5" validate:"gte=0"`
	Bollinger  float64 `mapstructure:"bollinger" json:"bollinger" default:"1.2" validate:"gte=0"`
	EMATrend   float64 `mapstructure:"ema_trend" json:"emaTrend" default:"1.3" validate:"gte=0"`
	Volume     float64 `mapstructure:"volume" json:"volume" default:"1.0" validate:"gte=0"`
	Stochastic float64 `mapstructure:"stochastic" json:"stochastic" default:"0.8" validate:"gte=0"`
	ATR        float64 `mapstructure:"atr" json:"atr" default:"0.7" validate:"gte=0"`
	Model      float64 `mapstructure:"model" json:"model" default:"2.0" validate:"gte=0"`
}

// DefaultWeights returns the base deployment weights
func DefaultWeights() Weights {
	return Weights{
		RSI:        1.0,
		MACD:       1.5,
		Bollinger:  1.2,
		EMATrend:   1.3,
		Volume:     1.0,
		Stochastic: 0.8,
		ATR:        0.7,
		Model:      2.0,
	}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.RSI + w.MACD + w.Bollinger + w.EMATrend + w.Volume + w.Stochastic + w.ATR + w.Model
}

// Of returns the weight for a component name, or zero.
func (w Weights) Of(name string) float64 {
	switch name {
	case ComponentRSI:
		return w.RSI
	case ComponentMACD:
		return w.MACD
	case ComponentBollinger:
		return w.Bollinger
	case ComponentEMATrend:
		return w.EMATrend
	case ComponentVolume:
		return w.Volume
	case ComponentStochastic:
		return w.Stochastic
	case ComponentATR:
		return w.ATR
	case ComponentModel:
		return w.Model
	}
	return 0
}

// Map returns the weights keyed by component name.
func (w Weights) Map() map[string]float64 {
	return map[string]float64{
		ComponentRSI:        w.RSI,
		ComponentMACD:       w.MACD,
		ComponentBollinger:  w.Bollinger,
		ComponentEMATrend:   w.EMATrend,
		ComponentVolume:     w.Volume,
		ComponentStochastic: w.Stochastic,
		ComponentATR:        w.ATR,
		ComponentModel:      w.Model,
	}
}

func (w Weights) scaled(f float64) Weights {
	return Weights{
		RSI:        w.RSI * f,
		MACD:       w.MACD * f,
		Bollinger:  w.Bollinger * f,
		EMATrend:   w.EMATrend * f,
		Volume:     w.Volume * f,
		Stochastic: w.Stochastic * f,
		ATR:        w.ATR * f,
		Model:      w.Model * f,
	}
}

func (w Weights) nonNegative() Weights {
	clamp := func(v float64) float64 {
		if v < 0 || math.IsNaN(v) {
			return 0
		}
		return v
	}
	return Weights{
		RSI:        clamp(w.RSI),
		MACD:       clamp(w.MACD),
		Bollinger:  clamp(w.Bollinger),
		EMATrend:   clamp(w.EMATrend),
		Volume:     clamp(w.Volume),
		Stochastic: clamp(w.Stochastic),
		ATR:        clamp(w.ATR),
		Model:      clamp(w.Model),
	}
}

// Normalize divides every weight by the total. An all-zero vector
// becomes uniform.
func (w Weights) Normalize() Weights {
	w = w.nonNegative()
	total := w.Sum()
	if total <= 0 {
		return Weights{1, 1, 1, 1, 1, 1, 1, 1}.scaled(1.0 / 8)
	}
	return w.scaled(1 / total)
}

// WeightAdapter maps a regime to a normalized weight vector
type WeightAdapter struct {
	logger *zap.Logger
	base   Weights
}

// NewWeightAdapter creates an adapter over fixed base weights; nil means
// DefaultWeights.
func NewWeightAdapter(logger *zap.Logger, base *Weights) *WeightAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := DefaultWeights()
	if base != nil {
		b = *base
	}
	return &WeightAdapter{
		logger: logger.Named("weight-adapter"),
		base:   b.nonNegative(),
	}
}

// Base returns the configured base weights.
func (a *WeightAdapter) Base() Weights {
	return a.base
}

// Adapt applies every matching regime rule to the base weights and
// normalizes once at the end.
func (a *WeightAdapter) Adapt(regime types.Regime) Weights {
	w := a.base

	switch regime.Volatility {
	case types.VolatilityHigh:
		w.MACD *= 1.3
		w.RSI *= 0.8
		w.Bollinger *= 1.2
	case types.VolatilityLow:
		w.RSI *= 1.3
		w.Bollinger *= 1.4
		w.MACD *= 0.8
	}

	switch regime.Trend {
	case types.TrendBullish, types.TrendBearish:
		w.EMATrend *= 1.4
		w.MACD *= 1.2
	case types.TrendRanging:
		w.RSI *= 1.3
		w.Stochastic *= 1.2
	}

	if regime.Volume == types.VolumeHigh {
		volume := w.Volume * 1.5
		w = w.scaled(1.1)
		w.Volume = volume
	}

	out := w.Normalize()
	a.logger.Debug("Adapted weights",
		zap.String("volatility", string(regime.Volatility)),
		zap.String("trend", string(regime.Trend)),
		zap.String("volume", string(regime.Volume)),
		zap.Any("weights", out.Map()),
	)
	return out
}
