// Package regime classifies market conditions into volatility, trend and
// volume buckets that steer signal weighting.
package regime

import (
	"fmt"
	"math"
	"sync"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

// requiredIndicators is the number of inputs that drive confidence:
// ATR, EMA pair, volume and RSI.
const requiredIndicators = 4

// Config configures the regime classifier
type Config struct {
	Window            int     `mapstructure:"window" default:"20" validate:"gte=2"`
	VolHighRatio      float64 `mapstructure:"vol_high_ratio" default:"1.5"`
	VolLowRatio       float64 `mapstructure:"vol_low_ratio" default:"0.7"`
	ReturnStdHigh     float64 `mapstructure:"return_std_high" default:"0.03"`
	ReturnStdLow      float64 `mapstructure:"return_std_low" default:"0.01"`
	TrendThresholdPct float64 `mapstructure:"trend_threshold_pct" default:"2"`
	VolumeHighRatio   float64 `mapstructure:"volume_high_ratio" default:"1.5"`
	VolumeLowRatio    float64 `mapstructure:"volume_low_ratio" default:"0.7"`
	HistorySize       int     `mapstructure:"history_size" default:"100" validate:"gte=1"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Window:            20,
		VolHighRatio:      1.5,
		VolLowRatio:       0.7,
		ReturnStdHigh:     0.03,
		ReturnStdLow:      0.01,
		TrendThresholdPct: 2,
		VolumeHighRatio:   1.5,
		VolumeLowRatio:    0.7,
		HistorySize:       100,
	}
}

// Classification is a regime plus the raw measurements behind it.
type Classification struct {
	types.Regime
	VolatilityRatio float64 `json:"volatilityRatio"`
	TrendPct        float64 `json:"trendPct"`
	VolumeRatio     float64 `json:"volumeRatio"`
	Fallback        string  `json:"fallback,omitempty"`
}

// Classifier derives a market regime from a snapshot
type Classifier struct {
	logger *zap.Logger
	config *Config

	mu      sync.RWMutex
	history []types.Regime
}

// NewClassifier creates a new regime classifier
func NewClassifier(logger *zap.Logger, config *Config) *Classifier {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		logger:  logger.Named("regime-classifier"),
		config:  config,
		history: make([]types.Regime, 0, config.HistorySize),
	}
}

// Classify never fails: internal errors yield a medium/ranging/normal
// regime with confidence 0.5.
func (c *Classifier) Classify(snap *types.MarketSnapshot) (result Classification) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Regime classification panic", zap.Any("panic", r))
			result = Classification{
				Regime:          types.DefaultRegime(0.5),
				VolatilityRatio: 1,
				VolumeRatio:     1,
				Fallback:        fmt.Sprintf("classification failed: %v", r),
			}
		}
	}()

	if snap == nil {
		return Classification{
			Regime:          types.DefaultRegime(0),
			VolatilityRatio: 1,
			VolumeRatio:     1,
			Fallback:        "no snapshot",
		}
	}

	result = c.classify(snap)
	c.record(result.Regime)

	c.logger.Debug("Market regime",
		zap.String("symbol", snap.Symbol),
		zap.String("volatility", string(result.Volatility)),
		zap.String("trend", string(result.Trend)),
		zap.String("volume", string(result.Volume)),
		zap.Float64("confidence", result.Confidence),
	)
	return result
}

func (c *Classifier) classify(snap *types.MarketSnapshot) Classification {
	closes := snap.Closes()
	ind := snap.Indicators
	out := Classification{VolatilityRatio: 1, VolumeRatio: 1}
	available := 0

	// Volatility
	if atr, ok := types.Last(ind.ATR); ok {
		available++
		if avg, ok := tailMean(ind.ATR, c.config.Window); ok && avg > 0 {
			out.VolatilityRatio = atr / avg
		}
		out.Volatility = bucketVolatility(out.VolatilityRatio, c.config.VolLowRatio, c.config.VolHighRatio)
	} else {
		std, ok := returnStd(closes, c.config.Window)
		out.Volatility = types.VolatilityMedium
		if ok {
			out.VolatilityRatio = std
			out.Volatility = bucketVolatility(std, c.config.ReturnStdLow, c.config.ReturnStdHigh)
		}
	}

	// Trend
	fast, fastOK := types.Last(ind.EMAFast)
	slow, slowOK := types.Last(ind.EMASlow)
	out.Trend = types.TrendRanging
	if fastOK && slowOK {
		available++
		if slow != 0 {
			out.TrendPct = (fast - slow) / slow * 100
		}
	} else if sma, ok := tailMean(closes, c.config.Window); ok && sma > 0 {
		out.TrendPct = (closes[len(closes)-1] - sma) / sma * 100
	}
	switch {
	case out.TrendPct > c.config.TrendThresholdPct:
		out.Trend = types.TrendBullish
	case out.TrendPct < -c.config.TrendThresholdPct:
		out.Trend = types.TrendBearish
	}

	// Volume
	out.Volume = types.VolumeNormal
	if snap.HasVolume() {
		available++
		volumes := snap.Volumes()
		avg, ok := types.Last(ind.VolumeMA)
		if !ok {
			avg, ok = tailMean(volumes, c.config.Window)
		}
		if ok && avg > 0 {
			out.VolumeRatio = volumes[len(volumes)-1] / avg
		}
		switch {
		case out.VolumeRatio > c.config.VolumeHighRatio:
			out.Volume = types.VolumeHigh
		case out.VolumeRatio < c.config.VolumeLowRatio:
			out.Volume = types.VolumeLow
		}
	}

	if _, ok := types.Last(ind.RSI); ok {
		available++
	}

	out.Confidence = float64(available) / requiredIndicators
	return out
}

func bucketVolatility(v, low, high float64) types.VolatilityLevel {
	switch {
	case v > high:
		return types.VolatilityHigh
	case v < low:
		return types.VolatilityLow
	default:
		return types.VolatilityMedium
	}
}

// tailMean averages the last n values; it requires a full window.
func tailMean(series []float64, n int) (float64, bool) {
	if n <= 0 || len(series) < n {
		return 0, false
	}
	sum := 0.0
	for _, v := range series[len(series)-n:] {
		if math.IsNaN(v) {
			return 0, false
		}
		sum += v
	}
	return sum / float64(n), true
}

// returnStd is the sample standard deviation of the last n simple returns.
func returnStd(closes []float64, n int) (float64, bool) {
	if len(closes) < 3 {
		return 0, false
	}
	start := len(closes) - n
	if start < 1 {
		start = 1
	}
	returns := make([]float64, 0, len(closes)-start)
	for i := start; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return 0, false
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(returns)-1)), true
}

func (c *Classifier) record(r types.Regime) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, r)
	if len(c.history) > c.config.HistorySize {
		c.history = c.history[len(c.history)-c.config.HistorySize:]
	}
}

// Statistics contains the distribution of recent regimes
type Statistics struct {
	Volatility map[types.VolatilityLevel]float64 `json:"volatilityDistribution"`
	Trend      map[types.TrendDirection]float64  `json:"trendDistribution"`
	Volume     map[types.VolumeLevel]float64     `json:"volumeDistribution"`
	SampleSize int                               `json:"sampleSize"`
}

// Statistics returns bucket frequencies over the retained history.
func (c *Classifier) Statistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Statistics{
		Volatility: make(map[types.VolatilityLevel]float64),
		Trend:      make(map[types.TrendDirection]float64),
		Volume:     make(map[types.VolumeLevel]float64),
		SampleSize: len(c.history),
	}
	if stats.SampleSize == 0 {
		return stats
	}

	unit := 1 / float64(stats.SampleSize)
	for _, r := range c.history {
		stats.Volatility[r.Volatility] += unit
		stats.Trend[r.Trend] += unit
		stats.Volume[r.Volume] += unit
	}
	return stats
}
