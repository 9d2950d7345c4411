// Package market turns OHLCV bars into indicator columns and market
// snapshots, and replays stored bars for paper trading.
package market

import (
	"math"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// IndicatorConfig holds indicator periods
type IndicatorConfig struct {
	RSIPeriod      int     `mapstructure:"rsi_period" default:"14" validate:"gte=2"`
	MACDFast       int     `mapstructure:"macd_fast" default:"12" validate:"gte=1"`
	MACDSlow       int     `mapstructure:"macd_slow" default:"26" validate:"gtfield=MACDFast"`
	MACDSignal     int     `mapstructure:"macd_signal" default:"9" validate:"gte=1"`
	BBPeriod       int     `mapstructure:"bb_period" default:"20" validate:"gte=2"`
	BBStdDev       float64 `mapstructure:"bb_std_dev" default:"2" validate:"gt=0"`
	EMAFast        int     `mapstructure:"ema_fast" default:"12" validate:"gte=1"`
	EMASlow        int     `mapstructure:"ema_slow" default:"26" validate:"gtfield=EMAFast"`
	ATRPeriod      int     `mapstructure:"atr_period" default:"14" validate:"gte=1"`
	VolumeMAPeriod int     `mapstructure:"volume_ma_period" default:"20" validate:"gte=1"`
}

// DefaultIndicatorConfig returns the standard indicator periods
func DefaultIndicatorConfig() *IndicatorConfig {
	return &IndicatorConfig{
		RSIPeriod:      14,
		MACDFast:       12,
		MACDSlow:       26,
		MACDSignal:     9,
		BBPeriod:       20,
		BBStdDev:       2,
		EMAFast:        12,
		EMASlow:        26,
		ATRPeriod:      14,
		VolumeMAPeriod: 20,
	}
}

// ComputeIndicators builds every indicator column for bars. Columns are
// aligned with bars; warm-up positions hold NaN. VolumeMA is nil when no
// bar carries volume.
func ComputeIndicators(bars []types.OHLCV, config *IndicatorConfig) types.Indicators {
	if config == nil {
		config = DefaultIndicatorConfig()
	}
	if len(bars) == 0 {
		return types.Indicators{}
	}

	n := len(bars)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	hasVolume := false
	for i, b := range bars {
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		closes[i] = b.Close.InexactFloat64()
		volumes[i] = b.Volume.InexactFloat64()
		if volumes[i] > 0 {
			hasVolume = true
		}
	}

	ind := types.Indicators{
		RSI:     RSI(closes, config.RSIPeriod),
		EMAFast: EMA(closes, config.EMAFast),
		EMASlow: EMA(closes, config.EMASlow),
		ATR:     ATR(highs, lows, closes, config.ATRPeriod),
	}
	ind.MACD, ind.MACDSignal = MACD(closes, config.MACDFast, config.MACDSlow, config.MACDSignal)
	ind.BBUpper, ind.BBMiddle, ind.BBLower = Bollinger(closes, config.BBPeriod, config.BBStdDev)
	if hasVolume {
		ind.VolumeMA = SMA(volumes, config.VolumeMAPeriod)
	}
	return ind
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// SMA is the simple moving average column.
func SMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA is the exponential moving average column, seeded with the SMA of the
// first period values. Leading NaNs in values are skipped.
func EMA(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 {
		return out
	}

	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	if len(values)-start < period {
		return out
	}

	seed := 0.0
	for _, v := range values[start : start+period] {
		seed += v
	}
	prev := seed / float64(period)
	out[start+period-1] = prev

	k := 2.0 / float64(period+1)
	for i := start + period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// RSI is Wilder's relative strength index column.
func RSI(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	gain, loss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the MACD line and its signal line.
func MACD(closes []float64, fast, slow, signal int) (line, sig []float64) {
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	line = nanSeries(len(closes))
	for i := range closes {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			line[i] = fastEMA[i] - slowEMA[i]
		}
	}
	return line, EMA(line, signal)
}

// Bollinger returns the upper, middle and lower band columns using the
// population standard deviation.
func Bollinger(closes []float64, period int, k float64) (upper, middle, lower []float64) {
	middle = SMA(closes, period)
	upper = nanSeries(len(closes))
	lower = nanSeries(len(closes))
	for i := period - 1; i < len(closes) && period > 0; i++ {
		if math.IsNaN(middle[i]) {
			continue
		}
		variance := 0.0
		for _, v := range closes[i-period+1 : i+1] {
			d := v - middle[i]
			variance += d * d
		}
		sd := math.Sqrt(variance / float64(period))
		upper[i] = middle[i] + k*sd
		lower[i] = middle[i] - k*sd
	}
	return upper, middle, lower
}

// ATR is Wilder's average true range column.
func ATR(highs, lows, closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if len(highs) != len(closes) || len(lows) != len(closes) || period <= 0 || len(closes) < period+1 {
		return out
	}

	tr := func(i int) float64 {
		return math.Max(highs[i]-lows[i], math.Max(
			math.Abs(highs[i]-closes[i-1]),
			math.Abs(lows[i]-closes[i-1])))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr(i)
	}
	prev := sum / float64(period)
	out[period] = prev

	for i := period + 1; i < len(closes); i++ {
		prev = (prev*float64(period-1) + tr(i)) / float64(period)
		out[i] = prev
	}
	return out
}
