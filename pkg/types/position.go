package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason explains why a position was closed
type ExitReason string

const (
	ExitStopLoss       ExitReason = "stop_loss"
	ExitTakeProfit     ExitReason = "take_profit"
	ExitSignal         ExitReason = "signal"
	ExitCircuitBreaker ExitReason = "circuit_breaker"
	ExitManual         ExitReason = "manual"
)

// PositionRequest is a sized, protected entry handed to order routing
type PositionRequest struct {
	Symbol     string            `json:"symbol"`
	Side       PositionSide      `json:"side"`
	Size       decimal.Decimal   `json:"size"`
	EntryPrice decimal.Decimal   `json:"entryPrice"`
	StopLoss   decimal.Decimal   `json:"stopLoss"`
	TakeProfit []decimal.Decimal `json:"takeProfit"`
	Strength   float64           `json:"strength"`
	Confidence float64           `json:"confidence"`
	RequestAt  time.Time         `json:"requestAt"`
}

// Position represents an open position
type Position struct {
	ID             string            `json:"id"`
	Symbol         string            `json:"symbol"`
	Side           PositionSide      `json:"side"`
	EntryPrice     decimal.Decimal   `json:"entryPrice"`
	Size           decimal.Decimal   `json:"size"`
	StopLoss       decimal.Decimal   `json:"stopLoss"`
	TakeProfit     []decimal.Decimal `json:"takeProfit"`
	EntryTime      time.Time         `json:"entryTime"`
	CurrentPrice   decimal.Decimal   `json:"currentPrice"`
	UnrealizedPnL  decimal.Decimal   `json:"unrealizedPnl"`
	TrailingActive bool              `json:"trailingActive"`
	HighestPrice   decimal.Decimal   `json:"highestPrice"`
	LowestPrice    decimal.Decimal   `json:"lowestPrice"`
}

// Clone returns a deep copy safe to hand outside the ledger.
func (p Position) Clone() Position {
	p.TakeProfit = append([]decimal.Decimal(nil), p.TakeProfit...)
	return p
}

// PnLAt returns the P&L of the position at price.
func (p Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	if p.Side == PositionSideShort {
		return p.EntryPrice.Sub(price).Mul(p.Size)
	}
	return price.Sub(p.EntryPrice).Mul(p.Size)
}

// PnLPct returns unrealized P&L as a percentage of entry notional.
func (p Position) PnLPct() float64 {
	notional := p.EntryPrice.Mul(p.Size)
	if notional.IsZero() {
		return 0
	}
	return p.UnrealizedPnL.Div(notional).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// Notional returns entry price times size.
func (p Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}

// ClosedPosition is an immutable record of a finished position
type ClosedPosition struct {
	Position
	ExitPrice   decimal.Decimal `json:"exitPrice"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	CloseReason ExitReason      `json:"closeReason"`
	ClosedAt    time.Time       `json:"closedAt"`
}

// IsWin reports whether the trade made money.
func (c ClosedPosition) IsWin() bool {
	return c.RealizedPnL.IsPositive()
}

// CapitalState is the account capital picture owned by the ledger
type CapitalState struct {
	Initial     decimal.Decimal `json:"initialCapital"`
	Current     decimal.Decimal `json:"currentCapital"`
	Peak        decimal.Decimal `json:"peakCapital"`
	DailyStart  decimal.Decimal `json:"dailyStartCapital"`
	DayBoundary time.Time       `json:"dayBoundary"`
}

// DailyPnLPct returns the change since the day boundary in percent.
func (c CapitalState) DailyPnLPct() float64 {
	if !c.DailyStart.IsPositive() {
		return 0
	}
	return c.Current.Sub(c.DailyStart).Div(c.DailyStart).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// DrawdownPct returns the peak-to-current decline in percent.
func (c CapitalState) DrawdownPct() float64 {
	if !c.Peak.IsPositive() {
		return 0
	}
	return c.Peak.Sub(c.Current).Div(c.Peak).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// TradeStats summarizes closed trades for sizing decisions
type TradeStats struct {
	TotalTrades int     `json:"totalTrades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"winRate"`
	AvgWin      float64 `json:"avgWin"`
	AvgLoss     float64 `json:"avgLoss"`
}

// CapitalSnapshot is a consistent point-in-time read of ledger state
type CapitalSnapshot struct {
	Capital           CapitalState    `json:"capital"`
	DailyPnLPct       float64         `json:"dailyPnlPct"`
	DrawdownPct       float64         `json:"drawdownPct"`
	Exposure          decimal.Decimal `json:"exposure"`
	OpenPositions     int             `json:"openPositions"`
	ClosedTrades      int             `json:"closedTrades"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	Taken             time.Time       `json:"taken"`
}
