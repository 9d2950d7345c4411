// Package sizing turns signal strength, capital state and trade history
// into a capital-bounded position size.
// Combines: ATR volatility sizing, fractional Kelly, strength/confidence
// multipliers and drawdown/daily P&L dampers.
package sizing

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/atlas-desktop/decision-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// NegativeKellyPolicy decides what a negative Kelly estimate does
type NegativeKellyPolicy string

const (
	// KellyClamp keeps the Kelly percent at the configured minimum.
	KellyClamp NegativeKellyPolicy = "clamp"
	// KellySkip sizes the trade at zero.
	KellySkip NegativeKellyPolicy = "skip"
)

// Fallback reasons carried in SizingResult.Fallback
const (
	FallbackNoPrice       = "no_price"
	FallbackNoCapital     = "no_capital"
	FallbackFixedSize     = "fixed_size"
	FallbackNegativeKelly = "negative_kelly"
	FallbackPanic         = "sizing_failed"
)

// SizingConfig configures position sizing
type SizingConfig struct {
	RiskPerTradePct float64             `mapstructure:"risk_per_trade_pct" default:"2" validate:"gt=0,lte=100"`
	MaxPositionPct  float64             `mapstructure:"max_position_pct" default:"10" validate:"gt=0,lte=100"`
	MinPositionPct  float64             `mapstructure:"min_position_pct" default:"1" validate:"gte=0,lte=100"`
	StopATRMultiple float64             `mapstructure:"stop_atr_multiple" default:"2" validate:"gt=0"`
	UseKelly        bool                `mapstructure:"use_kelly" default:"true"`
	KellyFraction   float64             `mapstructure:"kelly_fraction" default:"0.25" validate:"gt=0,lte=1"`
	MinKellyTrades  int                 `mapstructure:"min_kelly_trades" default:"10" validate:"gte=1"`
	NegativeKelly   NegativeKellyPolicy `mapstructure:"negative_kelly" default:"clamp" validate:"oneof=clamp skip"`
	MaxDrawdownPct  float64             `mapstructure:"max_drawdown_pct" default:"20" validate:"gt=0,lte=100"`
	MaxDailyLossPct float64             `mapstructure:"max_daily_loss_pct" default:"5" validate:"gt=0,lte=100"`
	DamperFactor    float64             `mapstructure:"damper_factor" default:"0.5" validate:"gt=0,lte=1"`
	StrongDayBoost  float64             `mapstructure:"strong_day_boost" default:"1.2" validate:"gte=1"`
	UnitPrecision   int32               `mapstructure:"unit_precision" default:"8" validate:"gte=0,lte=18"`
}

// DefaultSizingConfig returns conservative defaults
func DefaultSizingConfig() *SizingConfig {
	return &SizingConfig{
		RiskPerTradePct: 2,
		MaxPositionPct:  10,
		MinPositionPct:  1,
		StopATRMultiple: 2,
		UseKelly:        true,
		KellyFraction:   0.25,
		MinKellyTrades:  10,
		NegativeKelly:   KellyClamp,
		MaxDrawdownPct:  20,
		MaxDailyLossPct: 5,
		DamperFactor:    0.5,
		StrongDayBoost:  1.2,
		UnitPrecision:   8,
	}
}

// PositionSizer calculates position sizes
type PositionSizer struct {
	logger *zap.Logger
	config *SizingConfig
}

// NewPositionSizer creates a new position sizer
func NewPositionSizer(logger *zap.Logger, config *SizingConfig) *PositionSizer {
	if config == nil {
		config = DefaultSizingConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionSizer{
		logger: logger.Named("position-sizer"),
		config: config,
	}
}

// Config returns the sizing configuration.
func (ps *PositionSizer) Config() SizingConfig {
	return *ps.config
}

// SizingRequest contains inputs for position sizing
type SizingRequest struct {
	Symbol      string
	Capital     decimal.Decimal
	Price       decimal.Decimal
	ATR         float64
	Strength    float64 // 0-100
	Confidence  float64 // 0-1
	Stats       types.TradeStats
	DailyPnLPct float64
	DrawdownPct float64
}

// SizingResult contains the calculated position size
type SizingResult struct {
	Units                decimal.Decimal `json:"units"`
	Notional             decimal.Decimal `json:"notional"`
	PositionPct          float64         `json:"positionPct"`
	BaseUnits            float64         `json:"baseUnits"`
	StrengthMultiplier   float64         `json:"strengthMultiplier"`
	ConfidenceMultiplier float64         `json:"confidenceMultiplier"`
	DrawdownMultiplier   float64         `json:"drawdownMultiplier"`
	PnLMultiplier        float64         `json:"pnlMultiplier"`
	KellyMultiplier      float64         `json:"kellyMultiplier"`
	KellyPct             float64         `json:"kellyPct"`
	MinUnits             decimal.Decimal `json:"minUnits"`
	MaxUnits             decimal.Decimal `json:"maxUnits"`
	Adjustments          []string        `json:"adjustments"`
	LimitingFactor       string          `json:"limitingFactor,omitempty"`
	Fallback             string          `json:"fallback,omitempty"`
}

// IsZero reports whether the result says not to trade.
func (r *SizingResult) IsZero() bool {
	return !r.Units.IsPositive()
}

func zeroResult(reason string) *SizingResult {
	return &SizingResult{
		Units:       decimal.Zero,
		Notional:    decimal.Zero,
		MinUnits:    decimal.Zero,
		MaxUnits:    decimal.Zero,
		Adjustments: []string{},
		Fallback:    reason,
	}
}

// CalculateSize determines the position size. A zero size is a normal
// answer meaning "do not trade this cycle".
func (ps *PositionSizer) CalculateSize(req *SizingRequest) (result *SizingResult) {
	if req == nil {
		return zeroResult(FallbackNoPrice)
	}
	defer func() {
		if r := recover(); r != nil {
			ps.logger.Error("Position sizing panic",
				zap.String("symbol", req.Symbol),
				zap.Any("panic", r),
			)
			result = zeroResult(FallbackPanic)
		}
	}()

	if !req.Price.IsPositive() {
		return zeroResult(FallbackNoPrice)
	}
	if !req.Capital.IsPositive() {
		return zeroResult(FallbackNoCapital)
	}

	result = &SizingResult{Adjustments: make([]string, 0)}
	price := req.Price.InexactFloat64()
	capital := req.Capital.InexactFloat64()

	// 1. Volatility base size
	base, fixed := ps.VolatilityUnits(capital, price, req.ATR)
	result.BaseUnits = base
	if fixed {
		result.Fallback = FallbackFixedSize
		result.Adjustments = append(result.Adjustments, "atr_unavailable_fixed_size")
	}

	// 2. Signal multipliers
	result.StrengthMultiplier = StrengthMultiplier(req.Strength)
	result.ConfidenceMultiplier = ConfidenceMultiplier(req.Confidence)

	// 3. Dampers
	result.DrawdownMultiplier = 1.0
	if req.DrawdownPct > ps.config.MaxDrawdownPct/2 {
		result.DrawdownMultiplier = ps.config.DamperFactor
		result.Adjustments = append(result.Adjustments, "drawdown_damper: "+formatPct(req.DrawdownPct))
	}
	result.PnLMultiplier = 1.0
	switch {
	case req.DailyPnLPct < -ps.config.MaxDailyLossPct/2:
		result.PnLMultiplier = ps.config.DamperFactor
		result.Adjustments = append(result.Adjustments, "daily_loss_damper: "+formatPct(req.DailyPnLPct))
	case req.DailyPnLPct > ps.config.MaxDailyLossPct:
		result.PnLMultiplier = ps.config.StrongDayBoost
		result.Adjustments = append(result.Adjustments, "strong_day_boost: "+formatPct(req.DailyPnLPct))
	}

	// 4. Kelly
	result.KellyMultiplier = 1.0
	if ps.config.UseKelly && req.Stats.TotalTrades >= ps.config.MinKellyTrades {
		kelly := ps.KellyPct(req.Stats.WinRate, req.Stats.AvgWin, req.Stats.AvgLoss)
		result.KellyPct = kelly.Pct
		if kelly.Note != "" {
			result.Adjustments = append(result.Adjustments, kelly.Note)
		}
		if kelly.Negative {
			ps.logger.Warn("Negative Kelly estimate",
				zap.String("symbol", req.Symbol),
				zap.Float64("raw_kelly_pct", kelly.RawPct),
				zap.String("policy", string(ps.config.NegativeKelly)),
			)
			if ps.config.NegativeKelly == KellySkip {
				out := zeroResult(FallbackNegativeKelly)
				out.KellyPct = kelly.RawPct
				out.Adjustments = result.Adjustments
				return out
			}
		}
		result.KellyMultiplier = kelly.Pct / ps.config.MaxPositionPct
	}

	multiplier := result.StrengthMultiplier *
		result.ConfidenceMultiplier *
		result.DrawdownMultiplier *
		result.PnLMultiplier *
		result.KellyMultiplier
	units := base * multiplier
	if math.IsNaN(units) || math.IsInf(units, 0) || units < 0 {
		units = 0
	}

	// 5. Clamp to [min%, max%] of capital
	precision := ps.config.UnitPrecision
	hundred := decimal.NewFromInt(100)
	result.MaxUnits = req.Capital.Mul(decimal.NewFromFloat(ps.config.MaxPositionPct)).
		Div(hundred).Div(req.Price).Truncate(precision)
	result.MinUnits = utils.MinDecimal(
		req.Capital.Mul(decimal.NewFromFloat(ps.config.MinPositionPct)).
			Div(hundred).Div(req.Price).Truncate(precision),
		result.MaxUnits,
	)

	size := decimal.NewFromFloat(units).Truncate(precision)
	switch {
	case size.GreaterThan(result.MaxUnits):
		size = result.MaxUnits
		result.LimitingFactor = "max_position_pct"
	case size.LessThan(result.MinUnits):
		size = result.MinUnits
		result.LimitingFactor = "min_position_pct"
	}

	result.Units = size
	result.Notional = size.Mul(req.Price)
	result.PositionPct = result.Notional.Div(req.Capital).Mul(hundred).InexactFloat64()

	ps.logger.Info("Position size",
		zap.String("symbol", req.Symbol),
		zap.String("units", result.Units.String()),
		zap.Float64("position_pct", result.PositionPct),
		zap.Float64("strength_mult", result.StrengthMultiplier),
		zap.Float64("confidence_mult", result.ConfidenceMultiplier),
		zap.Float64("drawdown_mult", result.DrawdownMultiplier),
		zap.Float64("pnl_mult", result.PnLMultiplier),
		zap.Float64("kelly_mult", result.KellyMultiplier),
		zap.String("limiting_factor", result.LimitingFactor),
	)
	return result
}

// VolatilityUnits sizes so that a stop at StopATRMultiple×ATR risks
// RiskPerTradePct of capital, capped at MaxPositionPct. Zero ATR or price
// falls back to the fixed max-percent size.
func (ps *PositionSizer) VolatilityUnits(capital, price, atr float64) (units float64, fixed bool) {
	if price <= 0 {
		return 0, true
	}
	maxUnits := capital * ps.config.MaxPositionPct / 100 / price
	if atr <= 0 || math.IsNaN(atr) || math.IsInf(atr, 0) {
		return maxUnits, true
	}

	riskAmount := capital * ps.config.RiskPerTradePct / 100
	stopDistance := atr * ps.config.StopATRMultiple
	units = riskAmount / (stopDistance / price) / price
	if units > maxUnits {
		units = maxUnits
	}
	return units, false
}

// Kelly is the outcome of the Kelly estimate
type Kelly struct {
	Pct      float64 // clamped percent of capital
	RawPct   float64 // fractional Kelly before clamping
	Negative bool
	Note     string
}

// KellyPct computes fractional Kelly as a percent of capital, clamped to
// [MinPositionPct, MaxPositionPct]. Degenerate inputs fall back to half
// the maximum.
func (ps *PositionSizer) KellyPct(winRate, avgWin, avgLoss float64) Kelly {
	half := ps.config.MaxPositionPct / 2
	if avgLoss <= 0 || winRate <= 0 || winRate >= 1 || avgWin <= 0 ||
		math.IsNaN(winRate) || math.IsNaN(avgWin) || math.IsNaN(avgLoss) {
		return Kelly{Pct: half, RawPct: half, Note: "kelly_degenerate_half_max"}
	}

	payoff := avgWin / avgLoss
	raw := (winRate - (1-winRate)/payoff) * ps.config.KellyFraction * 100

	k := Kelly{RawPct: raw, Pct: raw}
	if raw < 0 {
		k.Negative = true
		k.Note = "kelly_negative_clamped"
	}
	k.Pct = math.Max(ps.config.MinPositionPct, math.Min(raw, ps.config.MaxPositionPct))
	return k
}

// StrengthMultiplier maps strength 0-100 to sqrt(strength/50).
func StrengthMultiplier(strength float64) float64 {
	if math.IsNaN(strength) || strength < 0 {
		strength = 0
	}
	return math.Sqrt(math.Min(strength, 100) / 50)
}

// ConfidenceMultiplier maps confidence 0-1 to 0.5-1.0.
func ConfidenceMultiplier(confidence float64) float64 {
	if math.IsNaN(confidence) {
		confidence = 0
	}
	return 0.5 + 0.5*math.Max(0, math.Min(1, confidence))
}

func formatPct(pct float64) string {
	return fmt.Sprintf("%s%%", decimal.NewFromFloat(pct).Round(2).String())
}
