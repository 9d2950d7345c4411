// Package types provides shared type definitions for the decision engine.
package types

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Action is the ensemble decision for one evaluation
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// VolatilityLevel buckets relative volatility
type VolatilityLevel string

const (
	VolatilityLow    VolatilityLevel = "low"
	VolatilityMedium VolatilityLevel = "medium"
	VolatilityHigh   VolatilityLevel = "high"
)

// TrendDirection buckets the fast/slow trend spread
type TrendDirection string

const (
	TrendBullish TrendDirection = "bullish"
	TrendBearish TrendDirection = "bearish"
	TrendRanging TrendDirection = "ranging"
)

// VolumeLevel buckets relative volume
type VolumeLevel string

const (
	VolumeLow    VolumeLevel = "low"
	VolumeNormal VolumeLevel = "normal"
	VolumeHigh   VolumeLevel = "high"
)

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Indicators holds precomputed indicator columns aligned with the bars,
// newest-last. A nil column means the indicator is not available.
type Indicators struct {
	RSI        []float64 `json:"rsi,omitempty"`
	MACD       []float64 `json:"macd,omitempty"`
	MACDSignal []float64 `json:"macdSignal,omitempty"`
	BBUpper    []float64 `json:"bbUpper,omitempty"`
	BBMiddle   []float64 `json:"bbMiddle,omitempty"`
	BBLower    []float64 `json:"bbLower,omitempty"`
	EMAFast    []float64 `json:"emaFast,omitempty"`
	EMASlow    []float64 `json:"emaSlow,omitempty"`
	ATR        []float64 `json:"atr,omitempty"`
	VolumeMA   []float64 `json:"volumeMa,omitempty"`
}

// MarketSnapshot is an immutable lookback window for one instrument.
type MarketSnapshot struct {
	Symbol     string     `json:"symbol"`
	Bars       []OHLCV    `json:"bars"`
	Indicators Indicators `json:"indicators"`
	At         time.Time  `json:"at"`
}

// Closes returns close prices as float64, oldest first.
func (s *MarketSnapshot) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// Volumes returns bar volumes as float64, oldest first.
func (s *MarketSnapshot) Volumes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Volume.InexactFloat64()
	}
	return out
}

// HasVolume reports whether any bar carries a positive volume.
func (s *MarketSnapshot) HasVolume() bool {
	for _, b := range s.Bars {
		if b.Volume.IsPositive() {
			return true
		}
	}
	return false
}

// LastClose returns the newest close, or zero for an empty snapshot.
func (s *MarketSnapshot) LastClose() decimal.Decimal {
	if len(s.Bars) == 0 {
		return decimal.Zero
	}
	return s.Bars[len(s.Bars)-1].Close
}

// Last returns the newest usable value of a column.
func Last(series []float64) (float64, bool) {
	return Back(series, 0)
}

// Back returns the value n steps before the newest one.
func Back(series []float64, n int) (float64, bool) {
	idx := len(series) - 1 - n
	if idx < 0 {
		return 0, false
	}
	v := series[idx]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Regime is a categorical summary of current market conditions
type Regime struct {
	Volatility VolatilityLevel `json:"volatility"`
	Trend      TrendDirection  `json:"trend"`
	Volume     VolumeLevel     `json:"volume"`
	Confidence float64         `json:"confidence"`
}

// DefaultRegime is used when classification cannot complete.
func DefaultRegime(confidence float64) Regime {
	return Regime{
		Volatility: VolatilityMedium,
		Trend:      TrendRanging,
		Volume:     VolumeNormal,
		Confidence: confidence,
	}
}

// Prediction is an externally supplied model output
type Prediction struct {
	Signal     float64 `json:"signal"`
	Confidence float64 `json:"confidence"`
}

// ComponentSignal is one bounded directional contribution
type ComponentSignal struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Rationale string  `json:"rationale"`
	Available bool    `json:"available"`
}

// EnsembleSignal is the combined decision for one evaluation
type EnsembleSignal struct {
	Symbol     string             `json:"symbol"`
	Action     Action             `json:"action"`
	Strength   float64            `json:"strength"`
	Confidence float64            `json:"confidence"`
	Regime     Regime             `json:"regime"`
	Components map[string]float64 `json:"components"`
	Reasoning  []string           `json:"reasoning"`
	Fallback   string             `json:"fallback,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// HoldSignal is the conservative output used when generation fails.
func HoldSignal(symbol string, reason string, ts time.Time) EnsembleSignal {
	return EnsembleSignal{
		Symbol:     symbol,
		Action:     ActionHold,
		Strength:   50,
		Confidence: 0,
		Regime:     DefaultRegime(0),
		Components: map[string]float64{},
		Reasoning:  []string{"error: " + reason},
		Fallback:   reason,
		Timestamp:  ts,
	}
}
