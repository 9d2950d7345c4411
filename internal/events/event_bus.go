// Package events provides the in-process event bus that fans engine
// decisions out to notification, persistence and streaming subscribers.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeSignal         EventType = "signal"
	EventTypePositionOpened EventType = "position_opened"
	EventTypePositionClosed EventType = "position_closed"
	EventTypeStopMoved      EventType = "stop_moved"
	EventTypeBreakerTripped EventType = "breaker_tripped"
	EventTypeBreakerCleared EventType = "breaker_cleared"
)

// Event is the base interface for all engine events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

func newBase(eventType EventType, ts time.Time) BaseEvent {
	if ts.IsZero() {
		ts = time.Now()
	}
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: ts,
	}
}

// SignalEvent carries one ensemble signal
type SignalEvent struct {
	BaseEvent
	Signal types.EnsembleSignal `json:"signal"`
}

// PositionOpenedEvent carries a newly opened position
type PositionOpenedEvent struct {
	BaseEvent
	Position types.Position `json:"position"`
}

// PositionClosedEvent carries a realized position
type PositionClosedEvent struct {
	BaseEvent
	Closed types.ClosedPosition `json:"closed"`
}

// StopMovedEvent records a trailing stop advance
type StopMovedEvent struct {
	BaseEvent
	Symbol    string          `json:"symbol"`
	OldStop   decimal.Decimal `json:"oldStop"`
	NewStop   decimal.Decimal `json:"newStop"`
	Activated bool            `json:"activated"`
}

// BreakerEvent carries a circuit breaker transition
type BreakerEvent struct {
	BaseEvent
	Breaker risk.Event `json:"breaker"`
}

// NewSignalEvent creates a new signal event
func NewSignalEvent(sig types.EnsembleSignal) *SignalEvent {
	return &SignalEvent{BaseEvent: newBase(EventTypeSignal, sig.Timestamp), Signal: sig}
}

// NewPositionOpenedEvent creates a new position opened event
func NewPositionOpenedEvent(pos types.Position) *PositionOpenedEvent {
	return &PositionOpenedEvent{BaseEvent: newBase(EventTypePositionOpened, pos.EntryTime), Position: pos}
}

// NewPositionClosedEvent creates a new position closed event
func NewPositionClosedEvent(closed types.ClosedPosition) *PositionClosedEvent {
	return &PositionClosedEvent{BaseEvent: newBase(EventTypePositionClosed, closed.ClosedAt), Closed: closed}
}

// NewStopMovedEvent creates a new stop moved event
func NewStopMovedEvent(symbol string, oldStop, newStop decimal.Decimal, activated bool, ts time.Time) *StopMovedEvent {
	return &StopMovedEvent{
		BaseEvent: newBase(EventTypeStopMoved, ts),
		Symbol:    symbol,
		OldStop:   oldStop,
		NewStop:   newStop,
		Activated: activated,
	}
}

// NewBreakerEvent maps a breaker transition onto a bus event
func NewBreakerEvent(e risk.Event) *BreakerEvent {
	eventType := EventTypeBreakerCleared
	if e.Type == risk.EventTripped {
		eventType = EventTypeBreakerTripped
	}
	return &BreakerEvent{BaseEvent: newBase(eventType, e.Timestamp), Breaker: e}
}

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter // Optional filter
	Async  bool        // Process in separate goroutine
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks bus throughput
type EventBusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	AvgLatencyNs      int64 `json:"avg_latency_ns"`
	MaxLatencyNs      int64 `json:"max_latency_ns"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	NumWorkers int `mapstructure:"num_workers" default:"4" validate:"gte=1"`
	BufferSize int `mapstructure:"buffer_size" default:"1024" validate:"gte=1"`
}

// DefaultEventBusConfig returns sensible defaults
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 4,
		BufferSize: 1024,
	}
}

// EventBus is the central event routing system
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64
	maxLatency        atomic.Int64
	avgLatency        atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewEventBus creates an event bus and starts its workers
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers:    make(map[EventType][]*Subscription),
		allSubscribers: make([]*Subscription, 0),
		eventChan:      make(chan Event, config.BufferSize),
		workerCount:    config.NumWorkers,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger.Named("event-bus"),
	}

	for i := 0; i < config.NumWorkers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Info("EventBus initialized",
		zap.Int("workers", config.NumWorkers),
		zap.Int("buffer_size", config.BufferSize),
	)

	return eb
}

// worker processes events from the channel
func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			startTime := time.Now()
			eb.processEvent(event)
			eb.trackLatency(time.Since(startTime).Nanoseconds())
		}
	}
}

// processEvent routes event to subscribers
func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, group := range [][]*Subscription{subs, allSubs} {
		for _, sub := range group {
			if !sub.active.Load() {
				continue
			}
			if sub.Options.Filter != nil && !sub.Options.Filter(event) {
				continue
			}
			if sub.Options.Async {
				go eb.executeHandler(sub, event)
			} else {
				eb.executeHandler(sub, event)
			}
		}
	}

	eb.eventsProcessed.Add(1)
}

// executeHandler safely executes a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

func (eb *EventBus) trackLatency(latencyNs int64) {
	if latencyNs > eb.maxLatency.Load() {
		eb.maxLatency.Store(latencyNs)
	}
	currentAvg := eb.avgLatency.Load()
	eb.avgLatency.Store((currentAvg*99 + latencyNs) / 100)
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)

	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.activeSubscribers.Add(1)

	eb.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)

	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	options := SubscriptionOptions{}
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: "*",
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)

	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.activeSubscribers.Add(1)

	return sub
}

// SubscribeMultiple registers a handler for multiple event types
func (eb *EventBus) SubscribeMultiple(eventTypes []EventType, handler EventHandler, opts ...SubscriptionOptions) []*Subscription {
	subs := make([]*Subscription, len(eventTypes))
	for i, eventType := range eventTypes {
		subs[i] = eb.Subscribe(eventType, handler, opts...)
	}
	return subs
}

// Unsubscribe deactivates a subscription
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		eb.activeSubscribers.Add(-1)
	}
}

// Publish queues an event without blocking. If the buffer is full the
// event is dropped and counted.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(event.GetType())),
		)
	}
}

// PublishSync processes an event on the caller's goroutine
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns current throughput statistics
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		AvgLatencyNs:      eb.avgLatency.Load(),
		MaxLatencyNs:      eb.maxLatency.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// ForwardBreaker republishes circuit breaker transitions until ctx ends.
func (eb *EventBus) ForwardBreaker(ctx context.Context, breakerEvents <-chan risk.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-breakerEvents:
			if !ok {
				return
			}
			eb.Publish(NewBreakerEvent(e))
		}
	}
}

// Stop shuts down the event bus gracefully
func (eb *EventBus) Stop() {
	eb.logger.Info("Shutting down EventBus...")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("EventBus shutdown complete",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("EventBus shutdown timed out")
	}
}
