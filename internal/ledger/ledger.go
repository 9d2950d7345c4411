// Package ledger owns account capital, open positions and the closed trade
// history. Every read returns a copy.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/stops"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/atlas-desktop/decision-engine/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrPositionExists = errors.New("position already open for symbol")
	ErrNoPosition     = errors.New("no open position for symbol")
	ErrMaxPositions   = errors.New("max open positions reached")
	ErrInvalidRequest = errors.New("invalid position request")
)

// Config configures the position ledger
type Config struct {
	InitialCapital   float64 `mapstructure:"initial_capital" default:"10000" validate:"gt=0"`
	MaxOpenPositions int     `mapstructure:"max_open_positions" default:"5" validate:"gte=1"`
	HistorySize      int     `mapstructure:"history_size" default:"100" validate:"gte=5"`
	MinMetricTrades  int     `mapstructure:"min_metric_trades" default:"10" validate:"gte=1"`
	PeriodsPerYear   int     `mapstructure:"periods_per_year" default:"252" validate:"gte=1"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		InitialCapital:   10000,
		MaxOpenPositions: 5,
		HistorySize:      100,
		MinMetricTrades:  10,
		PeriodsPerYear:   252,
	}
}

// Gate decides whether a new entry may proceed. It runs under the ledger
// lock against a consistent snapshot.
type Gate func(types.CapitalSnapshot) error

// Trailer advances a position's trailing stop in place.
type Trailer interface {
	Advance(pos *types.Position, price decimal.Decimal) stops.TrailUpdate
}

// Ledger is the single writer for CapitalState, open positions and history.
type Ledger struct {
	logger *zap.Logger
	config *Config
	mu     sync.RWMutex

	capital           types.CapitalState
	positions         map[string]*types.Position
	history           []types.ClosedPosition
	closedTotal       int
	consecutiveLosses int
}

// New creates a ledger funded with initialCapital. A non-positive
// initialCapital uses config.InitialCapital.
func New(logger *zap.Logger, config *Config, initialCapital decimal.Decimal, now time.Time) *Ledger {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !initialCapital.IsPositive() {
		initialCapital = decimal.NewFromFloat(config.InitialCapital)
	}

	return &Ledger{
		logger: logger.Named("position-ledger"),
		config: config,
		capital: types.CapitalState{
			Initial:     initialCapital,
			Current:     initialCapital,
			Peak:        initialCapital,
			DailyStart:  initialCapital,
			DayBoundary: dayStart(now),
		},
		positions: make(map[string]*types.Position),
		history:   make([]types.ClosedPosition, 0, config.HistorySize),
	}
}

// Open records a new position. The gate, typically the circuit breaker,
// is consulted after the per-symbol and capacity checks.
func (l *Ledger) Open(req types.PositionRequest, gate Gate) (types.Position, error) {
	if req.Symbol == "" || !req.Size.IsPositive() || !req.EntryPrice.IsPositive() {
		return types.Position{}, fmt.Errorf("%w: symbol=%q size=%s entry=%s",
			ErrInvalidRequest, req.Symbol, req.Size, req.EntryPrice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[req.Symbol]; exists {
		return types.Position{}, fmt.Errorf("%w: %s", ErrPositionExists, req.Symbol)
	}
	if len(l.positions) >= l.config.MaxOpenPositions {
		return types.Position{}, fmt.Errorf("%w: %d", ErrMaxPositions, l.config.MaxOpenPositions)
	}
	if gate != nil {
		if err := gate(l.snapshot()); err != nil {
			return types.Position{}, err
		}
	}

	side := req.Side
	if side == "" {
		side = types.PositionSideLong
	}
	entryTime := req.RequestAt
	if entryTime.IsZero() {
		entryTime = time.Now()
	}

	pos := &types.Position{
		ID:           uuid.New().String(),
		Symbol:       req.Symbol,
		Side:         side,
		EntryPrice:   req.EntryPrice,
		Size:         req.Size,
		StopLoss:     req.StopLoss,
		TakeProfit:   append([]decimal.Decimal(nil), req.TakeProfit...),
		EntryTime:    entryTime,
		CurrentPrice: req.EntryPrice,
		HighestPrice: req.EntryPrice,
		LowestPrice:  req.EntryPrice,
	}
	l.positions[req.Symbol] = pos

	l.logger.Info("Position opened",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.String("size", pos.Size.String()),
		zap.String("entry", pos.EntryPrice.String()),
		zap.String("stop_loss", pos.StopLoss.String()),
	)
	return pos.Clone(), nil
}

// Mark updates unrealized P&L and price extremes for symbol and advances
// its trailing stop through tracker, if any.
func (l *Ledger) Mark(symbol string, price decimal.Decimal, tracker Trailer) (types.Position, stops.TrailUpdate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return types.Position{}, stops.TrailUpdate{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if !price.IsPositive() {
		update := stops.TrailUpdate{OldStop: pos.StopLoss, NewStop: pos.StopLoss}
		return pos.Clone(), update, nil
	}

	pos.CurrentPrice = price
	pos.UnrealizedPnL = pos.PnLAt(price)

	var update stops.TrailUpdate
	if tracker != nil {
		update = tracker.Advance(pos, price)
	} else {
		if price.GreaterThan(pos.HighestPrice) {
			pos.HighestPrice = price
		}
		if price.LessThan(pos.LowestPrice) {
			pos.LowestPrice = price
		}
		update = stops.TrailUpdate{OldStop: pos.StopLoss, NewStop: pos.StopLoss}
	}

	if update.Activated {
		l.logger.Info("Trailing stop activated",
			zap.String("symbol", symbol),
			zap.Float64("pnl_pct", pos.PnLPct()))
	}
	if update.Moved {
		l.logger.Info("Trailing stop updated",
			zap.String("symbol", symbol),
			zap.String("old_stop", update.OldStop.String()),
			zap.String("new_stop", update.NewStop.String()))
	}
	return pos.Clone(), update, nil
}

// Close realizes the position at price, updates capital and appends it to
// the bounded history.
func (l *Ledger) Close(symbol string, price decimal.Decimal, reason types.ExitReason, now time.Time) (types.ClosedPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return types.ClosedPosition{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if !price.IsPositive() {
		price = pos.CurrentPrice
	}

	realized := pos.PnLAt(price)
	pos.CurrentPrice = price
	pos.UnrealizedPnL = decimal.Zero

	closed := types.ClosedPosition{
		Position:    pos.Clone(),
		ExitPrice:   price,
		RealizedPnL: realized,
		CloseReason: reason,
		ClosedAt:    now,
	}
	delete(l.positions, symbol)

	l.capital.Current = l.capital.Current.Add(realized)
	if l.capital.Current.GreaterThan(l.capital.Peak) {
		l.capital.Peak = l.capital.Current
	}

	l.history = append(l.history, closed)
	if over := len(l.history) - l.config.HistorySize; over > 0 {
		l.history = append(l.history[:0:0], l.history[over:]...)
	}
	l.closedTotal++
	if realized.IsNegative() {
		l.consecutiveLosses++
	} else {
		l.consecutiveLosses = 0
	}

	l.logger.Info("Position closed",
		zap.String("id", closed.ID),
		zap.String("symbol", symbol),
		zap.String("reason", string(reason)),
		zap.String("exit", price.String()),
		zap.String("pnl", realized.String()),
		zap.String("capital", l.capital.Current.String()),
	)
	return closed, nil
}

// RollDay moves the day boundary when now falls on a later UTC date and
// resets the daily start capital. It reports whether a rollover happened.
func (l *Ledger) RollDay(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := dayStart(now)
	if !day.After(l.capital.DayBoundary) {
		return false
	}

	l.capital.DayBoundary = day
	l.capital.DailyStart = l.capital.Current

	l.logger.Info("Daily metrics reset",
		zap.Time("day", day),
		zap.String("daily_start_capital", l.capital.DailyStart.String()))
	return true
}

// Snapshot returns a consistent view of capital and exposure.
func (l *Ledger) Snapshot() types.CapitalSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot()
}

func (l *Ledger) snapshot() types.CapitalSnapshot {
	return types.CapitalSnapshot{
		Capital:           l.capital,
		DailyPnLPct:       l.capital.DailyPnLPct(),
		DrawdownPct:       l.capital.DrawdownPct(),
		Exposure:          l.exposure(),
		OpenPositions:     len(l.positions),
		ClosedTrades:      l.closedTotal,
		ConsecutiveLosses: l.consecutiveLosses,
		Taken:             time.Now(),
	}
}

func (l *Ledger) exposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.Notional())
	}
	return total
}

// Stats summarizes the retained trade history for sizing.
func (l *Ledger) Stats() types.TradeStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats()
}

func (l *Ledger) stats() types.TradeStats {
	stats := types.TradeStats{TotalTrades: len(l.history), WinRate: 0.5}
	if len(l.history) == 0 {
		return stats
	}

	var wins, losses []decimal.Decimal
	for _, c := range l.history {
		switch {
		case c.RealizedPnL.IsPositive():
			wins = append(wins, c.RealizedPnL)
		case c.RealizedPnL.IsNegative():
			losses = append(losses, c.RealizedPnL.Abs())
		}
	}

	stats.Wins = len(wins)
	stats.Losses = len(losses)
	stats.WinRate = float64(len(wins)) / float64(len(l.history))
	stats.AvgWin = utils.CalculateMean(wins).InexactFloat64()
	stats.AvgLoss = utils.CalculateMean(losses).InexactFloat64()
	return stats
}

// Positions returns copies of all open positions ordered by symbol.
func (l *Ledger) Positions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns a copy of the open position for symbol.
func (l *Ledger) Position(symbol string) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return p.Clone(), true
}

// History returns up to limit most recent closed positions, oldest first.
// A non-positive limit returns the whole retained history.
func (l *Ledger) History(limit int) []types.ClosedPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(l.history) {
		start = len(l.history) - limit
	}
	out := make([]types.ClosedPosition, 0, len(l.history)-start)
	for _, c := range l.history[start:] {
		c.Position = c.Position.Clone()
		out = append(out, c)
	}
	return out
}

func dayStart(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
