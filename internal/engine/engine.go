// Package engine runs the decision cycle: regime classification, weight
// adaptation, signal ensembling, breaker gating, sizing, stop planning and
// position management for each tracked instrument.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/signals"
	"github.com/atlas-desktop/decision-engine/internal/sizing"
	"github.com/atlas-desktop/decision-engine/internal/stops"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config configures the decision engine
type Config struct {
	Symbols        []string      `mapstructure:"symbols" validate:"min=1,dive,required"`
	Interval       time.Duration `mapstructure:"interval" default:"1m" validate:"gte=1s"`
	CycleTimeout   time.Duration `mapstructure:"cycle_timeout" default:"30s" validate:"gt=0"`
	MaxConcurrency int           `mapstructure:"max_concurrency" default:"4" validate:"gte=1"`
	AllowShort     bool          `mapstructure:"allow_short"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Symbols:        []string{"BTCUSDT"},
		Interval:       time.Minute,
		CycleTimeout:   30 * time.Second,
		MaxConcurrency: 4,
	}
}

// Publisher receives engine events. *events.EventBus satisfies it.
type Publisher interface {
	Publish(event events.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Components are the collaborators one engine drives.
type Components struct {
	Classifier *regime.Classifier
	Adapter    *signals.WeightAdapter
	Ensembler  *signals.Ensembler
	Sizer      *sizing.PositionSizer
	Planner    *stops.Planner
	Tracker    *stops.TrailingTracker
	Breaker    *risk.CircuitBreaker
	Ledger     *ledger.Ledger
	Publisher  Publisher
}

// Option customizes an Engine
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Input is what the caller supplies for one instrument evaluation.
type Input struct {
	Snapshot   *types.MarketSnapshot `json:"snapshot"`
	Prediction *types.Prediction     `json:"prediction,omitempty"`
}

// Decision is the outcome of one instrument evaluation
type Decision struct {
	Symbol         string                 `json:"symbol"`
	Signal         types.EnsembleSignal   `json:"signal"`
	Classification regime.Classification  `json:"classification"`
	Weights        signals.Weights        `json:"weights"`
	Sizing         *sizing.SizingResult   `json:"sizing,omitempty"`
	Plan           *stops.Plan            `json:"plan,omitempty"`
	Request        *types.PositionRequest `json:"request,omitempty"`
	Opened         *types.Position        `json:"opened,omitempty"`
	Closed         *types.ClosedPosition  `json:"closed,omitempty"`
	Refusal        string                 `json:"refusal,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Engine coordinates the per-instrument decision cycle. Each symbol's
// position lifecycle is serialized; different symbols run concurrently.
type Engine struct {
	logger *zap.Logger
	config *Config

	classifier *regime.Classifier
	adapter    *signals.WeightAdapter
	ensembler  *signals.Ensembler
	sizer      *sizing.PositionSizer
	planner    *stops.Planner
	tracker    *stops.TrailingTracker
	breaker    *risk.CircuitBreaker
	ledger     *ledger.Ledger
	publisher  Publisher
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu        sync.RWMutex
	decisions map[string]Decision
	cycles    int64
	lastCycle time.Time
}

// New creates a decision engine. Missing components are built with their
// defaults, except the ledger, which requires initial capital.
func New(logger *zap.Logger, config *Config, c Components, opts ...Option) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if c.Ledger == nil {
		return nil, fmt.Errorf("engine requires a ledger")
	}
	if c.Classifier == nil {
		c.Classifier = regime.NewClassifier(logger, nil)
	}
	if c.Adapter == nil {
		c.Adapter = signals.NewWeightAdapter(logger, nil)
	}
	if c.Ensembler == nil {
		c.Ensembler = signals.NewEnsembler(logger, nil)
	}
	if c.Sizer == nil {
		c.Sizer = sizing.NewPositionSizer(logger, nil)
	}
	if c.Planner == nil {
		c.Planner = stops.NewPlanner(logger, nil)
	}
	if c.Tracker == nil {
		c.Tracker = stops.NewTrailingTracker(nil)
	}
	if c.Breaker == nil {
		c.Breaker = risk.NewCircuitBreaker(logger, nil)
	}
	if c.Publisher == nil {
		c.Publisher = nopPublisher{}
	}

	e := &Engine{
		logger:     logger.Named("decision-engine"),
		config:     config,
		classifier: c.Classifier,
		adapter:    c.Adapter,
		ensembler:  c.Ensembler,
		sizer:      c.Sizer,
		planner:    c.Planner,
		tracker:    c.Tracker,
		breaker:    c.Breaker,
		ledger:     c.Ledger,
		publisher:  c.Publisher,
		now:        time.Now,
		locks:      make(map[string]*sync.Mutex),
		decisions:  make(map[string]Decision),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	l, ok := e.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	return l
}

// Evaluate runs one decision cycle for the snapshot's instrument.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := e.now()
	if in.Snapshot == nil {
		sig := types.HoldSignal("", "no market snapshot", now)
		return Decision{Signal: sig, Refusal: "no market snapshot", Timestamp: now}, nil
	}

	symbol := in.Snapshot.Symbol
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	d := e.evaluate(in, now)

	e.mu.Lock()
	e.decisions[symbol] = d
	e.mu.Unlock()
	return d, nil
}

func (e *Engine) evaluate(in Input, now time.Time) Decision {
	snap := in.Snapshot
	d := Decision{Symbol: snap.Symbol, Timestamp: now}

	d.Classification = e.classifier.Classify(snap)
	d.Weights = e.adapter.Adapt(d.Classification.Regime)
	d.Signal = e.ensembler.Generate(signals.Input{
		Snapshot:   snap,
		Weights:    d.Weights,
		Regime:     d.Classification.Regime,
		Prediction: in.Prediction,
	})
	e.publisher.Publish(events.NewSignalEvent(d.Signal))

	price := snap.LastClose()
	if !price.IsPositive() {
		d.Refusal = "no usable price"
		return d
	}

	if pos, open := e.ledger.Position(snap.Symbol); open {
		if exitsOn(pos.Side, d.Signal.Action) {
			if closed, err := e.close(snap.Symbol, price, types.ExitSignal, now); err == nil {
				d.Closed = &closed
			}
		} else if d.Signal.Action != types.ActionHold {
			d.Refusal = "position already open"
		}
	} else {
		e.enter(&d, snap, price, now)
	}

	if d.Closed == nil {
		if closed := e.manage(snap.Symbol, price, now); closed != nil {
			d.Closed = closed
		}
	}
	return d
}

func exitsOn(side types.PositionSide, action types.Action) bool {
	if side == types.PositionSideShort {
		return action == types.ActionBuy
	}
	return action == types.ActionSell
}

func (e *Engine) enter(d *Decision, snap *types.MarketSnapshot, price decimal.Decimal, now time.Time) {
	var side types.PositionSide
	strength := d.Signal.Strength
	switch {
	case d.Signal.Action == types.ActionBuy:
		side = types.PositionSideLong
	case d.Signal.Action == types.ActionSell && e.config.AllowShort:
		side = types.PositionSideShort
		strength = 100 - strength
	default:
		return
	}

	account := e.ledger.Snapshot()
	if err := e.breaker.Allow(account, now); err != nil {
		e.refuse(d, err.Error())
		return
	}

	atr, _ := types.Last(snap.Indicators.ATR)
	d.Sizing = e.sizer.CalculateSize(&sizing.SizingRequest{
		Symbol:      snap.Symbol,
		Capital:     account.Capital.Current,
		Price:       price,
		ATR:         atr,
		Strength:    strength,
		Confidence:  d.Signal.Confidence,
		Stats:       e.ledger.Stats(),
		DailyPnLPct: account.DailyPnLPct,
		DrawdownPct: account.DrawdownPct,
	})
	if d.Sizing.IsZero() {
		e.refuse(d, "zero size: "+d.Sizing.Fallback)
		return
	}

	plan := e.planner.Plan(price, side, atr)
	d.Plan = &plan
	if !plan.Valid() {
		e.refuse(d, "no valid stop plan: "+plan.Fallback)
		return
	}

	req := types.PositionRequest{
		Symbol:     snap.Symbol,
		Side:       side,
		Size:       d.Sizing.Units,
		EntryPrice: price,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit,
		Strength:   d.Signal.Strength,
		Confidence: d.Signal.Confidence,
		RequestAt:  now,
	}
	d.Request = &req

	pos, err := e.ledger.Open(req, func(s types.CapitalSnapshot) error {
		return e.breaker.Allow(s, now)
	})
	if err != nil {
		e.refuse(d, err.Error())
		return
	}
	d.Opened = &pos
	e.publisher.Publish(events.NewPositionOpenedEvent(pos))
}

func (e *Engine) refuse(d *Decision, reason string) {
	d.Refusal = reason
	e.logger.Warn("Entry refused",
		zap.String("symbol", d.Symbol),
		zap.String("action", string(d.Signal.Action)),
		zap.String("reason", reason))
}

// OnTick manages an open position against a new price: flatten while the
// breaker is active, exit on stop or take-profit, otherwise trail.
func (e *Engine) OnTick(ctx context.Context, symbol string, price decimal.Decimal) (*types.ClosedPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	return e.manage(symbol, price, e.now()), nil
}

func (e *Engine) manage(symbol string, price decimal.Decimal, now time.Time) *types.ClosedPosition {
	if _, open := e.ledger.Position(symbol); !open || !price.IsPositive() {
		return nil
	}

	if e.breaker.State().Active {
		if closed, err := e.close(symbol, price, types.ExitCircuitBreaker, now); err == nil {
			return &closed
		}
		return nil
	}

	pos, _, err := e.ledger.Mark(symbol, price, nil)
	if err != nil {
		return nil
	}
	if exit, hit := stops.CheckExit(pos, price); hit {
		if closed, err := e.close(symbol, price, exit.Reason, now); err == nil {
			return &closed
		}
		return nil
	}

	_, update, err := e.ledger.Mark(symbol, price, e.tracker)
	if err == nil && update.Moved {
		e.publisher.Publish(events.NewStopMovedEvent(symbol, update.OldStop, update.NewStop, update.Activated, now))
	}
	return nil
}

func (e *Engine) close(symbol string, price decimal.Decimal, reason types.ExitReason, now time.Time) (types.ClosedPosition, error) {
	closed, err := e.ledger.Close(symbol, price, reason, now)
	if err != nil {
		e.logger.Warn("Close failed",
			zap.String("symbol", symbol),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return closed, err
	}
	e.publisher.Publish(events.NewPositionClosedEvent(closed))
	return closed, nil
}

// Flatten closes every open position. A positive price in prices is used
// as the exit price for its symbol; other positions close at their last
// marked price.
func (e *Engine) Flatten(reason types.ExitReason, prices map[string]decimal.Decimal) []types.ClosedPosition {
	now := e.now()
	var out []types.ClosedPosition
	for _, pos := range e.ledger.Positions() {
		price := pos.CurrentPrice
		if p, ok := prices[pos.Symbol]; ok && p.IsPositive() {
			price = p
		}
		lock := e.symbolLock(pos.Symbol)
		lock.Lock()
		if closed, err := e.close(pos.Symbol, price, reason, now); err == nil {
			out = append(out, closed)
		}
		lock.Unlock()
	}
	return out
}

// RunCycle rolls the trading day, re-checks the breaker and evaluates all
// inputs concurrently.
func (e *Engine) RunCycle(ctx context.Context, inputs []Input) ([]Decision, error) {
	now := e.now()
	e.ledger.RollDay(now)

	check := e.breaker.Evaluate(e.ledger.Snapshot(), now)
	if check.State.Active {
		if flattened := e.Flatten(types.ExitCircuitBreaker, lastCloses(inputs)); len(flattened) > 0 {
			e.logger.Warn("Flattened positions under circuit breaker",
				zap.Int("count", len(flattened)),
				zap.String("reason", string(check.State.Reason)))
		}
	}

	decisions := make([]Decision, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxConcurrency)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			d, err := e.Evaluate(gctx, in)
			if err != nil {
				return err
			}
			decisions[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("decision cycle: %w", err)
	}

	e.mu.Lock()
	e.cycles++
	e.lastCycle = now
	e.mu.Unlock()

	e.logger.Debug("Cycle complete",
		zap.Int("instruments", len(inputs)),
		zap.Bool("breaker_active", check.State.Active))
	return decisions, nil
}

func lastCloses(inputs []Input) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(inputs))
	for _, in := range inputs {
		if in.Snapshot != nil {
			prices[in.Snapshot.Symbol] = in.Snapshot.LastClose()
		}
	}
	return prices
}

// Status summarizes engine activity
type Status struct {
	Cycles        int64                 `json:"cycles"`
	LastCycle     time.Time             `json:"lastCycle"`
	Symbols       []string              `json:"symbols"`
	Breaker       risk.State            `json:"breaker"`
	Capital       types.CapitalSnapshot `json:"capital"`
	OpenPositions []types.Position      `json:"openPositions"`
}

// Status returns a point-in-time engine summary.
func (e *Engine) Status() Status {
	e.mu.RLock()
	cycles, last := e.cycles, e.lastCycle
	e.mu.RUnlock()

	return Status{
		Cycles:        cycles,
		LastCycle:     last,
		Symbols:       append([]string(nil), e.config.Symbols...),
		Breaker:       e.breaker.State(),
		Capital:       e.ledger.Snapshot(),
		OpenPositions: e.ledger.Positions(),
	}
}

// Decisions returns the latest decision per symbol.
func (e *Engine) Decisions() map[string]Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]Decision, len(e.decisions))
	for k, v := range e.decisions {
		out[k] = v
	}
	return out
}

// Ledger exposes the position ledger for read access.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Breaker exposes the circuit breaker.
func (e *Engine) Breaker() *risk.CircuitBreaker { return e.breaker }

// Classifier exposes the regime classifier.
func (e *Engine) Classifier() *regime.Classifier { return e.classifier }
