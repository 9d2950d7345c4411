package stops

import (
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/atlas-desktop/decision-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// TrailingConfig configures the trailing stop
type TrailingConfig struct {
	Enabled       bool    `mapstructure:"enabled" default:"true"`
	ActivationPct float64 `mapstructure:"activation_pct" default:"2" validate:"gte=0"`
	TrailPct      float64 `mapstructure:"trail_pct" default:"1" validate:"gt=0,lt=100"`
}

// DefaultTrailingConfig activates at +2% and trails by 1%
func DefaultTrailingConfig() *TrailingConfig {
	return &TrailingConfig{
		Enabled:       true,
		ActivationPct: 2,
		TrailPct:      1,
	}
}

// TrailUpdate describes what one price update did to a position's stop
type TrailUpdate struct {
	Activated bool            `json:"activated"`
	Moved     bool            `json:"moved"`
	OldStop   decimal.Decimal `json:"oldStop"`
	NewStop   decimal.Decimal `json:"newStop"`
}

// TrailingTracker advances stops in the favorable direction only. It holds
// no per-position state; the position carries it.
type TrailingTracker struct {
	config *TrailingConfig
}

// NewTrailingTracker creates a new trailing stop tracker
func NewTrailingTracker(config *TrailingConfig) *TrailingTracker {
	if config == nil {
		config = DefaultTrailingConfig()
	}
	return &TrailingTracker{config: config}
}

// Advance records the new extreme and, once profit reaches the activation
// threshold, ratchets the stop toward price.
func (t *TrailingTracker) Advance(pos *types.Position, price decimal.Decimal) TrailUpdate {
	update := TrailUpdate{OldStop: pos.StopLoss, NewStop: pos.StopLoss}
	if !price.IsPositive() {
		return update
	}

	if pos.HighestPrice.IsZero() || price.GreaterThan(pos.HighestPrice) {
		pos.HighestPrice = price
	}
	if pos.LowestPrice.IsZero() || price.LessThan(pos.LowestPrice) {
		pos.LowestPrice = price
	}

	if !t.config.Enabled {
		return update
	}

	if !pos.TrailingActive {
		if profitPct(*pos, price) < t.config.ActivationPct {
			return update
		}
		pos.TrailingActive = true
		update.Activated = true
	}

	trail := utils.Pct(t.config.TrailPct)
	one := decimal.NewFromInt(1)
	if pos.Side == types.PositionSideShort {
		candidate := pos.LowestPrice.Mul(one.Add(trail))
		if pos.StopLoss.IsZero() || candidate.LessThan(pos.StopLoss) {
			pos.StopLoss = candidate
			update.Moved = true
		}
	} else {
		candidate := pos.HighestPrice.Mul(one.Sub(trail))
		if candidate.GreaterThan(pos.StopLoss) {
			pos.StopLoss = candidate
			update.Moved = true
		}
	}
	update.NewStop = pos.StopLoss
	return update
}

func profitPct(pos types.Position, price decimal.Decimal) float64 {
	if !pos.EntryPrice.IsPositive() {
		return 0
	}
	move := price.Sub(pos.EntryPrice)
	if pos.Side == types.PositionSideShort {
		move = move.Neg()
	}
	return move.Div(pos.EntryPrice).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// Exit is the outcome of checking a price against a position's levels
type Exit struct {
	Reason types.ExitReason `json:"reason"`
	Level  int              `json:"level"` // take-profit index, -1 for stops
}

// CheckExit reports whether price hits the stop or any take-profit level.
// The stop wins when both are touched.
func CheckExit(pos types.Position, price decimal.Decimal) (Exit, bool) {
	if !price.IsPositive() {
		return Exit{}, false
	}

	short := pos.Side == types.PositionSideShort
	if pos.StopLoss.IsPositive() {
		if (!short && price.LessThanOrEqual(pos.StopLoss)) || (short && price.GreaterThanOrEqual(pos.StopLoss)) {
			return Exit{Reason: types.ExitStopLoss, Level: -1}, true
		}
	}

	hit := -1
	for i, tp := range pos.TakeProfit {
		if (!short && price.GreaterThanOrEqual(tp)) || (short && price.LessThanOrEqual(tp)) {
			hit = i
		}
	}
	if hit >= 0 {
		return Exit{Reason: types.ExitTakeProfit, Level: hit}, true
	}
	return Exit{}, false
}
