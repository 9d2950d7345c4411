package signals_test

import (
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/signals"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var allRegimes = func() []types.Regime {
	var out []types.Regime
	for _, v := range []types.VolatilityLevel{types.VolatilityLow, types.VolatilityMedium, types.VolatilityHigh} {
		for _, tr := range []types.TrendDirection{types.TrendBullish, types.TrendBearish, types.TrendRanging} {
			for _, vol := range []types.VolumeLevel{types.VolumeLow, types.VolumeNormal, types.VolumeHigh} {
				out = append(out, types.Regime{Volatility: v, Trend: tr, Volume: vol, Confidence: 1})
			}
		}
	}
	return out
}()

func TestAdaptedWeightsAreNormalized(t *testing.T) {
	adapter := signals.NewWeightAdapter(zap.NewNop(), nil)

	for _, r := range allRegimes {
		w := adapter.Adapt(r)
		if math.Abs(w.Sum()-1) > 1e-9 {
			t.Errorf("%+v: weights sum to %v", r, w.Sum())
		}
		for name, v := range w.Map() {
			if v < 0 {
				t.Errorf("%+v: negative weight %s=%v", r, name, v)
			}
		}
	}
}

func TestHighVolumeBoostsVolumeWeight(t *testing.T) {
	adapter := signals.NewWeightAdapter(zap.NewNop(), nil)
	base := types.DefaultRegime(1)
	high := base
	high.Volume = types.VolumeHigh

	if adapter.Adapt(high).Volume <= adapter.Adapt(base).Volume {
		t.Error("Expected high volume to raise the volume weight")
	}
}

func TestNormalizeZeroWeightsIsUniform(t *testing.T) {
	w := signals.Weights{}.Normalize()
	for name, v := range w.Map() {
		if math.Abs(v-0.125) > 1e-12 {
			t.Errorf("Expected uniform weight for %s, got %v", name, v)
		}
	}
}

func TestRSISignal(t *testing.T) {
	th := signals.Thresholds{Oversold: 30, Overbought: 70}

	tests := []struct {
		name      string
		rsi       []float64
		positive  bool
		negative  bool
		available bool
		rationale string
	}{
		{"oversold", []float64{25}, true, false, true, "oversold"},
		{"overbought", []float64{75}, false, true, true, "overbought"},
		{"neutral", []float64{50}, false, false, true, "neutral"},
		{"missing", nil, false, false, false, "not available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := signals.RSISignal(types.Indicators{RSI: tt.rsi}, th)
			if got.Available != tt.available {
				t.Errorf("Available = %v, want %v", got.Available, tt.available)
			}
			if tt.positive && got.Value <= 0 {
				t.Errorf("Expected positive value, got %v", got.Value)
			}
			if tt.negative && got.Value >= 0 {
				t.Errorf("Expected negative value, got %v", got.Value)
			}
			if !tt.positive && !tt.negative && got.Value != 0 {
				t.Errorf("Expected zero value, got %v", got.Value)
			}
			if !strings.Contains(got.Rationale, tt.rationale) {
				t.Errorf("Rationale %q does not mention %q", got.Rationale, tt.rationale)
			}
		})
	}
}

func TestAdaptThresholds(t *testing.T) {
	base := signals.Thresholds{Oversold: 30, Overbought: 70}

	high := signals.AdaptThresholds(base, types.Regime{Volatility: types.VolatilityHigh})
	if high.Oversold != 20 || high.Overbought != 80 {
		t.Errorf("High volatility thresholds = %+v", high)
	}
	low := signals.AdaptThresholds(base, types.Regime{Volatility: types.VolatilityLow})
	if low.Oversold != 35 || low.Overbought != 65 {
		t.Errorf("Low volatility thresholds = %+v", low)
	}
	if got := signals.AdaptThresholds(base, types.DefaultRegime(1)); got != base {
		t.Errorf("Medium volatility thresholds = %+v", got)
	}
}

func TestMACDCrossover(t *testing.T) {
	bull := signals.MACDSignal(types.Indicators{
		MACD:       []float64{-0.1, 0.2},
		MACDSignal: []float64{0, 0.1},
	})
	if bull.Value != 0.8 {
		t.Errorf("Expected bullish crossover 0.8, got %v (%s)", bull.Value, bull.Rationale)
	}

	bear := signals.MACDSignal(types.Indicators{
		MACD:       []float64{0.2, -0.1},
		MACDSignal: []float64{0.1, 0},
	})
	if bear.Value != -0.8 {
		t.Errorf("Expected bearish crossover -0.8, got %v (%s)", bear.Value, bear.Rationale)
	}
}

func TestModelSignal(t *testing.T) {
	if got := signals.ModelSignal(nil); got.Available {
		t.Error("Expected nil prediction to be unavailable")
	}
	got := signals.ModelSignal(&types.Prediction{Signal: 2, Confidence: 0.5})
	if got.Value != 0.5 {
		t.Errorf("Expected clamped value 0.5, got %v", got.Value)
	}
}

func flatSnapshot(symbol string) *types.MarketSnapshot {
	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	px := decimal.NewFromInt(100)
	return &types.MarketSnapshot{
		Symbol: symbol,
		Bars: []types.OHLCV{
			{Timestamp: start, Open: px, High: px, Low: px, Close: px},
			{Timestamp: start.Add(time.Minute), Open: px, High: px, Low: px, Close: px},
		},
	}
}

func TestGenerateWithoutSnapshot(t *testing.T) {
	e := signals.NewEnsembler(zap.NewNop(), nil)
	sig := e.Generate(signals.Input{})

	if sig.Action != types.ActionHold || sig.Strength != 50 || sig.Confidence != 0 {
		t.Errorf("Expected HOLD/50/0, got %s/%v/%v", sig.Action, sig.Strength, sig.Confidence)
	}
	if sig.Fallback == "" {
		t.Error("Expected a fallback reason")
	}
}

func TestGenerateFollowsModel(t *testing.T) {
	e := signals.NewEnsembler(zap.NewNop(), nil)
	regime := types.DefaultRegime(1)
	weights := signals.NewWeightAdapter(zap.NewNop(), nil).Adapt(regime)

	buy := e.Generate(signals.Input{
		Snapshot:   flatSnapshot("BTCUSDT"),
		Weights:    weights,
		Regime:     regime,
		Prediction: &types.Prediction{Signal: 1, Confidence: 1},
	})
	if buy.Action != types.ActionBuy || buy.Strength != 100 {
		t.Errorf("Expected BUY at 100, got %s at %v", buy.Action, buy.Strength)
	}
	if buy.Confidence != 1 {
		t.Errorf("Expected confidence 1, got %v", buy.Confidence)
	}
	if !buy.Timestamp.Equal(time.Date(2026, 3, 2, 12, 1, 0, 0, time.UTC)) {
		t.Errorf("Expected last bar timestamp, got %v", buy.Timestamp)
	}

	sell := e.Generate(signals.Input{
		Snapshot:   flatSnapshot("BTCUSDT"),
		Weights:    weights,
		Regime:     regime,
		Prediction: &types.Prediction{Signal: -1, Confidence: 1},
	})
	if sell.Action != types.ActionSell || sell.Strength != 0 {
		t.Errorf("Expected SELL at 0, got %s at %v", sell.Action, sell.Strength)
	}
}

func TestGenerateScalesConfidenceByRegime(t *testing.T) {
	e := signals.NewEnsembler(zap.NewNop(), nil)
	regime := types.DefaultRegime(0.5)

	sig := e.Generate(signals.Input{
		Snapshot:   flatSnapshot("BTCUSDT"),
		Weights:    signals.DefaultWeights().Normalize(),
		Regime:     regime,
		Prediction: &types.Prediction{Signal: 1, Confidence: 1},
	})
	if sig.Confidence != 0.5 {
		t.Errorf("Expected confidence 0.5, got %v", sig.Confidence)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	e := signals.NewEnsembler(zap.NewNop(), nil)
	in := signals.Input{
		Snapshot: &types.MarketSnapshot{
			Symbol: "ETHUSDT",
			Bars:   flatSnapshot("ETHUSDT").Bars,
			Indicators: types.Indicators{
				RSI:        []float64{40, 28},
				MACD:       []float64{0.1, 0.3},
				MACDSignal: []float64{0.2, 0.2},
				EMAFast:    []float64{99, 101},
				EMASlow:    []float64{100, 100},
			},
		},
		Weights:    signals.DefaultWeights().Normalize(),
		Regime:     types.DefaultRegime(0.75),
		Prediction: &types.Prediction{Signal: 0.4, Confidence: 0.8},
	}

	first := e.Generate(in)
	second := e.Generate(in)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Generate is not deterministic:\n%+v\n%+v", first, second)
	}
	if first.Strength < 0 || first.Strength > 100 {
		t.Errorf("Strength out of range: %v", first.Strength)
	}
}

func seriesSnapshot(closes, volumes []float64, ind types.Indicators) *types.MarketSnapshot {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.OHLCV, len(closes))
	for i, c := range closes {
		price := decimal.NewFromFloat(c)
		bars[i] = types.OHLCV{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
		}
		if i < len(volumes) {
			bars[i].Volume = decimal.NewFromFloat(volumes[i])
		}
	}
	return &types.MarketSnapshot{Symbol: "BTCUSDT", Bars: bars, Indicators: ind, At: bars[len(bars)-1].Timestamp}
}

func TestBollingerSignal(t *testing.T) {
	bands := types.Indicators{BBUpper: []float64{110}, BBLower: []float64{90}}

	tests := []struct {
		name      string
		close     float64
		ind       types.Indicators
		want      float64
		available bool
		rationale string
	}{
		{"near lower band", 91, bands, 0.7, true, "near lower"},
		{"below middle", 96, bands, 0.3, true, "below middle"},
		{"middle", 100, bands, 0, true, "BB middle"},
		{"above middle", 104, bands, -0.3, true, "above middle"},
		{"near upper band", 109, bands, -0.7, true, "near upper"},
		{"collapsed", 100, types.Indicators{BBUpper: []float64{100}, BBLower: []float64{100}}, 0, true, "collapsed"},
		{"missing", 100, types.Indicators{}, 0, false, "not available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := signals.BollingerSignal(seriesSnapshot([]float64{tt.close}, nil, tt.ind))
			if got.Available != tt.available {
				t.Errorf("Available = %v, want %v", got.Available, tt.available)
			}
			if math.Abs(got.Value-tt.want) > 1e-9 {
				t.Errorf("Value = %v, want %v", got.Value, tt.want)
			}
			if !strings.Contains(got.Rationale, tt.rationale) {
				t.Errorf("Rationale %q does not mention %q", got.Rationale, tt.rationale)
			}
		})
	}
}

func TestEMATrendSignal(t *testing.T) {
	tests := []struct {
		name      string
		fast      []float64
		slow      []float64
		want      float64
		available bool
		rationale string
	}{
		{"bullish crossover", []float64{99, 101}, []float64{100, 100}, 0.9, true, "bullish crossover"},
		{"bearish crossover", []float64{101, 99}, []float64{100, 100}, -0.9, true, "bearish crossover"},
		{"bullish spread", []float64{102, 102}, []float64{100, 100}, 0.4, true, "EMA bullish"},
		{"bearish spread", []float64{98, 98}, []float64{100, 100}, -0.4, true, "EMA bearish"},
		{"spread capped", []float64{120, 120}, []float64{100, 100}, 0.7, true, "EMA bullish"},
		{"no previous value", []float64{102}, []float64{100}, 0.4, true, "EMA bullish"},
		{"missing slow", []float64{102}, nil, 0, false, "not available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := signals.EMATrendSignal(types.Indicators{EMAFast: tt.fast, EMASlow: tt.slow})
			if got.Available != tt.available {
				t.Errorf("Available = %v, want %v", got.Available, tt.available)
			}
			if math.Abs(got.Value-tt.want) > 1e-9 {
				t.Errorf("Value = %v, want %v", got.Value, tt.want)
			}
			if !strings.Contains(got.Rationale, tt.rationale) {
				t.Errorf("Rationale %q does not mention %q", got.Rationale, tt.rationale)
			}
		})
	}
}

func TestVolumeSignal(t *testing.T) {
	avg := types.Indicators{VolumeMA: []float64{100}}

	tests := []struct {
		name      string
		closes    []float64
		volumes   []float64
		ind       types.Indicators
		want      float64
		available bool
		rationale string
	}{
		{"high volume confirms rise", []float64{100, 101}, []float64{100, 200}, avg, 0.6, true, "price up"},
		{"high volume confirms fall", []float64{100, 99}, []float64{100, 200}, avg, -0.6, true, "price down"},
		{"confirmation capped", []float64{100, 101}, []float64{100, 400}, avg, 0.8, true, "price up"},
		{"ratio not above 1.5", []float64{100, 101}, []float64{100, 150}, avg, 0, true, "Normal volume"},
		{"low volume", []float64{100, 101}, []float64{100, 50}, avg, 0, true, "Low volume"},
		{"average from window", []float64{100, 100, 101}, []float64{50, 50, 200}, types.Indicators{}, 0.6, true, "price up"},
		{"no volume", []float64{100, 101}, nil, avg, 0, false, "not available"},
		{"single bar", []float64{100}, []float64{200}, avg, 0, false, "not available"},
		{"average missing", []float64{100, 101}, []float64{100, 200}, types.Indicators{}, 0, false, "not available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := signals.VolumeSignal(seriesSnapshot(tt.closes, tt.volumes, tt.ind), 3)
			if got.Available != tt.available {
				t.Errorf("Available = %v, want %v", got.Available, tt.available)
			}
			if math.Abs(got.Value-tt.want) > 1e-9 {
				t.Errorf("Value = %v, want %v", got.Value, tt.want)
			}
			if !strings.Contains(got.Rationale, tt.rationale) {
				t.Errorf("Rationale %q does not mention %q", got.Rationale, tt.rationale)
			}
		})
	}
}

func TestUnproducedWeightsDoNotMoveSignal(t *testing.T) {
	e := signals.NewEnsembler(zap.NewNop(), nil)
	snap := &types.MarketSnapshot{
		Symbol: "BTCUSDT",
		Bars:   flatSnapshot("BTCUSDT").Bars,
		Indicators: types.Indicators{
			RSI:     []float64{28},
			EMAFast: []float64{99, 101},
			EMASlow: []float64{100, 100},
		},
	}
	regime := types.DefaultRegime(1)

	heavy := signals.DefaultWeights()
	heavy.Stochastic = 50
	heavy.ATR = 50

	base := e.Generate(signals.Input{Snapshot: snap, Weights: signals.DefaultWeights().Normalize(), Regime: regime})
	skewed := e.Generate(signals.Input{Snapshot: snap, Weights: heavy.Normalize(), Regime: regime})

	if math.Abs(base.Strength-skewed.Strength) > 1e-9 || base.Action != skewed.Action {
		t.Errorf("Stochastic/ATR weights changed the signal: %s %v vs %s %v",
			base.Action, base.Strength, skewed.Action, skewed.Strength)
	}
}
