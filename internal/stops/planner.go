// Package stops computes protective exits for new positions and advances
// trailing stops on open ones.
package stops

import (
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/atlas-desktop/decision-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Fallback reasons carried in Plan.Fallback
const (
	FallbackNoATR        = "atr_unavailable"
	FallbackInvalidEntry = "invalid_entry"
)

// PlannerConfig configures stop and target placement
type PlannerConfig struct {
	StopATRMultiple  float64   `mapstructure:"stop_atr_multiple" default:"2" validate:"gt=0"`
	MinStopPct       float64   `mapstructure:"min_stop_pct" default:"1" validate:"gt=0"`
	MaxStopPct       float64   `mapstructure:"max_stop_pct" default:"5" validate:"gtefield=MinStopPct"`
	FallbackStopPct  float64   `mapstructure:"fallback_stop_pct" default:"2" validate:"gt=0"`
	TargetMultiples  []float64 `mapstructure:"target_multiples" validate:"min=1,dive,gt=0"`
	HighVolMultiples []float64 `mapstructure:"high_vol_multiples" validate:"min=1,dive,gt=0"`
	HighVolATRPct    float64   `mapstructure:"high_vol_atr_pct" default:"3" validate:"gt=0"`
}

// DefaultPlannerConfig returns the standard 2×ATR stop with 2/3/5R targets
func DefaultPlannerConfig() *PlannerConfig {
	return &PlannerConfig{
		StopATRMultiple:  2,
		MinStopPct:       1,
		MaxStopPct:       5,
		FallbackStopPct:  2,
		TargetMultiples:  []float64{2, 3, 5},
		HighVolMultiples: []float64{1.5, 2.5, 4},
		HighVolATRPct:    3,
	}
}

// Plan is the initial protective structure for an entry
type Plan struct {
	Side           types.PositionSide `json:"side"`
	Entry          decimal.Decimal    `json:"entry"`
	StopLoss       decimal.Decimal    `json:"stopLoss"`
	StopDistance   decimal.Decimal    `json:"stopDistance"`
	TakeProfit     []decimal.Decimal  `json:"takeProfit"`
	Multiples      []float64          `json:"multiples"`
	HighVolatility bool               `json:"highVolatility"`
	Fallback       string             `json:"fallback,omitempty"`
}

// Valid reports whether the plan can protect a position.
func (p Plan) Valid() bool {
	return p.Fallback != FallbackInvalidEntry && p.StopDistance.IsPositive() && len(p.TakeProfit) > 0
}

// Planner computes stop-loss and take-profit levels. It is stateless.
type Planner struct {
	logger *zap.Logger
	config *PlannerConfig
}

// NewPlanner creates a new stop/target planner
func NewPlanner(logger *zap.Logger, config *PlannerConfig) *Planner {
	if config == nil {
		config = DefaultPlannerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		logger: logger.Named("stop-planner"),
		config: config,
	}
}

// Plan places the stop at StopATRMultiple×ATR, clamped to
// [MinStopPct, MaxStopPct] of entry, and targets at risk multiples of the
// clamped distance. A non-positive ATR uses FallbackStopPct.
func (p *Planner) Plan(entry decimal.Decimal, side types.PositionSide, atr float64) Plan {
	plan := Plan{Side: side, Entry: entry}
	if !entry.IsPositive() {
		plan.Fallback = FallbackInvalidEntry
		return plan
	}

	minDist := entry.Mul(utils.Pct(p.config.MinStopPct))
	maxDist := entry.Mul(utils.Pct(p.config.MaxStopPct))

	var distance decimal.Decimal
	if atr > 0 {
		atrDec := decimal.NewFromFloat(atr)
		distance = atrDec.Mul(decimal.NewFromFloat(p.config.StopATRMultiple))
		plan.HighVolatility = atrDec.Div(entry).GreaterThan(utils.Pct(p.config.HighVolATRPct))
	} else {
		distance = entry.Mul(utils.Pct(p.config.FallbackStopPct))
		plan.Fallback = FallbackNoATR
	}
	distance = utils.ClampDecimal(distance, minDist, maxDist)
	plan.StopDistance = distance

	plan.Multiples = p.config.TargetMultiples
	if plan.HighVolatility {
		plan.Multiples = p.config.HighVolMultiples
	}
	plan.Multiples = append([]float64(nil), plan.Multiples...)

	plan.TakeProfit = make([]decimal.Decimal, len(plan.Multiples))
	if side == types.PositionSideShort {
		plan.StopLoss = entry.Add(distance)
		for i, m := range plan.Multiples {
			plan.TakeProfit[i] = entry.Sub(distance.Mul(decimal.NewFromFloat(m)))
		}
	} else {
		plan.StopLoss = entry.Sub(distance)
		for i, m := range plan.Multiples {
			plan.TakeProfit[i] = entry.Add(distance.Mul(decimal.NewFromFloat(m)))
		}
	}

	p.logger.Debug("Stop plan",
		zap.String("side", string(side)),
		zap.String("entry", entry.String()),
		zap.String("stop_loss", plan.StopLoss.String()),
		zap.String("stop_distance", distance.String()),
		zap.Bool("high_volatility", plan.HighVolatility),
	)
	return plan
}
