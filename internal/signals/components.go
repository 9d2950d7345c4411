package signals

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// Thresholds are the RSI oversold/overbought levels in effect
type Thresholds struct {
	Oversold   float64 `json:"oversold"`
	Overbought float64 `json:"overbought"`
}

// AdaptThresholds widens RSI thresholds in high volatility and tightens
// them in low volatility.
func AdaptThresholds(base Thresholds, regime types.Regime) Thresholds {
	switch regime.Volatility {
	case types.VolatilityHigh:
		return Thresholds{
			Oversold:   math.Max(20, base.Oversold-10),
			Overbought: math.Min(80, base.Overbought+10),
		}
	case types.VolatilityLow:
		return Thresholds{
			Oversold:   math.Min(35, base.Oversold+5),
			Overbought: math.Max(65, base.Overbought-5),
		}
	}
	return base
}

func unavailable(name, what string) types.ComponentSignal {
	return types.ComponentSignal{Name: name, Rationale: what + " not available"}
}

// RSISignal scores RSI distance from the oversold/overbought thresholds.
func RSISignal(ind types.Indicators, th Thresholds) types.ComponentSignal {
	rsi, ok := types.Last(ind.RSI)
	if !ok || th.Oversold <= 0 || th.Overbought >= 100 || th.Overbought <= th.Oversold {
		return unavailable(ComponentRSI, "RSI")
	}

	out := types.ComponentSignal{Name: ComponentRSI, Available: true}
	switch {
	case rsi < th.Oversold:
		out.Value = (th.Oversold - rsi) / th.Oversold
		out.Rationale = fmt.Sprintf("RSI oversold: %.1f < %.0f", rsi, th.Oversold)
	case rsi > th.Overbought:
		out.Value = -(rsi - th.Overbought) / (100 - th.Overbought)
		out.Rationale = fmt.Sprintf("RSI overbought: %.1f > %.0f", rsi, th.Overbought)
	default:
		mid := (th.Oversold + th.Overbought) / 2
		out.Value = (mid - rsi) / (th.Overbought - th.Oversold) * 0.5
		out.Rationale = fmt.Sprintf("RSI neutral: %.1f", rsi)
	}
	out.Value = bound(out.Value)
	return out
}

// MACDSignal detects line/signal crossovers, falling back to momentum
// when there is no crossover or no previous bar.
func MACDSignal(ind types.Indicators) types.ComponentSignal {
	macd, ok1 := types.Last(ind.MACD)
	sig, ok2 := types.Last(ind.MACDSignal)
	if !ok1 || !ok2 {
		return unavailable(ComponentMACD, "MACD")
	}

	out := types.ComponentSignal{Name: ComponentMACD, Available: true}
	prevMACD, okp1 := types.Back(ind.MACD, 1)
	prevSig, okp2 := types.Back(ind.MACDSignal, 1)
	hasPrev := okp1 && okp2
	diff := math.Abs(macd - sig)

	switch {
	case hasPrev && macd > sig && prevMACD <= prevSig:
		out.Value = 0.8
		out.Rationale = "MACD bullish crossover"
	case hasPrev && macd < sig && prevMACD >= prevSig:
		out.Value = -0.8
		out.Rationale = "MACD bearish crossover"
	case macd > sig:
		out.Value = math.Min(0.6, diff*10)
		out.Rationale = fmt.Sprintf("MACD bullish: %.4f", diff)
	default:
		out.Value = -math.Min(0.6, diff*10)
		out.Rationale = fmt.Sprintf("MACD bearish: %.4f", diff)
	}
	return out
}

// BollingerSignal bands the close's position within the Bollinger range.
func BollingerSignal(snap *types.MarketSnapshot) types.ComponentSignal {
	upper, ok1 := types.Last(snap.Indicators.BBUpper)
	lower, ok2 := types.Last(snap.Indicators.BBLower)
	if !ok1 || !ok2 || len(snap.Bars) == 0 {
		return unavailable(ComponentBollinger, "Bollinger Bands")
	}

	width := upper - lower
	if width <= 0 {
		return types.ComponentSignal{Name: ComponentBollinger, Available: true, Rationale: "Bollinger Bands collapsed"}
	}

	close := snap.LastClose().InexactFloat64()
	pos := (close - lower) / width
	out := types.ComponentSignal{Name: ComponentBollinger, Available: true}
	switch {
	case pos < 0.2:
		out.Value = 0.7
		out.Rationale = fmt.Sprintf("Price near lower BB: %.0f%%", pos*100)
	case pos > 0.8:
		out.Value = -0.7
		out.Rationale = fmt.Sprintf("Price near upper BB: %.0f%%", pos*100)
	case pos < 0.4:
		out.Value = 0.3
		out.Rationale = fmt.Sprintf("Price below middle BB: %.0f%%", pos*100)
	case pos > 0.6:
		out.Value = -0.3
		out.Rationale = fmt.Sprintf("Price above middle BB: %.0f%%", pos*100)
	default:
		out.Rationale = fmt.Sprintf("Price in BB middle: %.0f%%", pos*100)
	}
	return out
}

// EMATrendSignal scores fast/slow EMA crossovers and spread.
func EMATrendSignal(ind types.Indicators) types.ComponentSignal {
	fast, ok1 := types.Last(ind.EMAFast)
	slow, ok2 := types.Last(ind.EMASlow)
	if !ok1 || !ok2 || slow == 0 {
		return unavailable(ComponentEMATrend, "EMA")
	}

	out := types.ComponentSignal{Name: ComponentEMATrend, Available: true}
	prevFast, okp1 := types.Back(ind.EMAFast, 1)
	prevSlow, okp2 := types.Back(ind.EMASlow, 1)
	hasPrev := okp1 && okp2
	diffPct := math.Abs(fast-slow) / slow * 100

	switch {
	case hasPrev && fast > slow && prevFast <= prevSlow:
		out.Value = 0.9
		out.Rationale = "EMA bullish crossover"
	case hasPrev && fast < slow && prevFast >= prevSlow:
		out.Value = -0.9
		out.Rationale = "EMA bearish crossover"
	case fast > slow:
		out.Value = math.Min(0.7, diffPct/5)
		out.Rationale = fmt.Sprintf("EMA bullish: %.2f%%", diffPct)
	default:
		out.Value = -math.Min(0.7, diffPct/5)
		out.Rationale = fmt.Sprintf("EMA bearish: %.2f%%", diffPct)
	}
	return out
}

// VolumeSignal confirms the latest price move when volume is elevated.
func VolumeSignal(snap *types.MarketSnapshot, window int) types.ComponentSignal {
	if !snap.HasVolume() || len(snap.Bars) < 2 {
		return unavailable(ComponentVolume, "Volume")
	}

	volumes := snap.Volumes()
	avg, ok := types.Last(snap.Indicators.VolumeMA)
	if !ok {
		avg, ok = meanTail(volumes, window)
	}
	if !ok || avg <= 0 {
		return unavailable(ComponentVolume, "Volume average")
	}

	closes := snap.Closes()
	prev := closes[len(closes)-2]
	change := 0.0
	if prev != 0 {
		change = closes[len(closes)-1]/prev - 1
	}

	ratio := volumes[len(volumes)-1] / avg
	out := types.ComponentSignal{Name: ComponentVolume, Available: true}
	switch {
	case ratio > 1.5 && change > 0:
		out.Value = math.Min(0.8, ratio*0.3)
		out.Rationale = fmt.Sprintf("High volume + price up: %.2fx", ratio)
	case ratio > 1.5:
		out.Value = -math.Min(0.8, ratio*0.3)
		out.Rationale = fmt.Sprintf("High volume + price down: %.2fx", ratio)
	case ratio < 0.7:
		out.Rationale = fmt.Sprintf("Low volume: %.2fx", ratio)
	default:
		out.Rationale = fmt.Sprintf("Normal volume: %.2fx", ratio)
	}
	return out
}

// ModelSignal is the external prediction scaled by its confidence.
func ModelSignal(p *types.Prediction) types.ComponentSignal {
	if p == nil || math.IsNaN(p.Signal) || math.IsNaN(p.Confidence) {
		return unavailable(ComponentModel, "Model prediction")
	}
	s := bound(p.Signal)
	c := math.Max(0, math.Min(1, p.Confidence))
	return types.ComponentSignal{
		Name:      ComponentModel,
		Value:     s * c,
		Available: true,
		Rationale: fmt.Sprintf("Model: %.2f (conf: %.0f%%)", s, c*100),
	}
}

func bound(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func meanTail(series []float64, n int) (float64, bool) {
	if n <= 0 || len(series) < n {
		return 0, false
	}
	sum := 0.0
	for _, v := range series[len(series)-n:] {
		sum += v
	}
	return sum / float64(n), true
}
