// Package metrics exports engine activity as Prometheus collectors.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "decision_engine"

var (
	once     sync.Once
	recorder *Recorder
)

// Recorder owns the engine's collectors
type Recorder struct {
	signals       *prometheus.CounterVec
	strength      *prometheus.GaugeVec
	opened        *prometheus.CounterVec
	closed        *prometheus.CounterVec
	realizedPnL   *prometheus.HistogramVec
	stopMoves     *prometheus.CounterVec
	breakerTrips  *prometheus.CounterVec
	breakerActive prometheus.Gauge

	capital       prometheus.Gauge
	dailyPnLPct   prometheus.Gauge
	drawdownPct   prometheus.Gauge
	exposure      prometheus.Gauge
	openPositions prometheus.Gauge

	cycleDuration prometheus.Histogram
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "total",
			Help:      "Ensemble signals by action",
		}, []string{"symbol", "action"}),
		strength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "signals",
			Name:      "strength",
			Help:      "Latest ensemble strength (0-100)",
		}, []string{"symbol"}),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "opened_total",
			Help:      "Positions opened",
		}, []string{"symbol", "side"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "closed_total",
			Help:      "Positions closed by exit reason",
		}, []string{"symbol", "reason"}),
		realizedPnL: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "realized_pnl_pct",
			Help:      "Realized P&L of closed positions as percent of entry notional",
			Buckets:   []float64{-10, -5, -3, -2, -1, 0, 1, 2, 3, 5, 10, 20},
		}, []string{"symbol"}),
		stopMoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stops",
			Name:      "trailing_moves_total",
			Help:      "Trailing stop advances",
		}, []string{"symbol"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Circuit breaker activations by reason",
		}, []string{"reason"}),
		breakerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "active",
			Help:      "1 while the circuit breaker blocks entries",
		}),
		capital: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "capital",
			Help:      "Current account capital",
		}),
		dailyPnLPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "daily_pnl_pct",
			Help:      "P&L since the day boundary in percent",
		}),
		drawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "drawdown_pct",
			Help:      "Peak-to-current drawdown in percent",
		}),
		exposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "exposure",
			Help:      "Entry notional of open positions",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "open_positions",
			Help:      "Number of open positions",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one decision cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "method"}),
	}

	for _, c := range []prometheus.Collector{
		r.signals, r.strength, r.opened, r.closed, r.realizedPnL, r.stopMoves,
		r.breakerTrips, r.breakerActive, r.capital, r.dailyPnLPct, r.drawdownPct,
		r.exposure, r.openPositions, r.cycleDuration, r.httpRequests, r.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns the process-wide recorder registered with the default
// Prometheus registry.
func Default() *Recorder {
	once.Do(func() {
		r, err := NewRecorder(prometheus.DefaultRegisterer)
		if err != nil {
			panic(err)
		}
		recorder = r
	})
	return recorder
}

// Attach subscribes the recorder to every bus event.
func (r *Recorder) Attach(bus *events.EventBus) *events.Subscription {
	return bus.SubscribeAll(r.Handle)
}

// Handle updates collectors from one event.
func (r *Recorder) Handle(event events.Event) error {
	switch e := event.(type) {
	case *events.SignalEvent:
		r.signals.WithLabelValues(e.Signal.Symbol, string(e.Signal.Action)).Inc()
		r.strength.WithLabelValues(e.Signal.Symbol).Set(e.Signal.Strength)
	case *events.PositionOpenedEvent:
		r.opened.WithLabelValues(e.Position.Symbol, string(e.Position.Side)).Inc()
	case *events.PositionClosedEvent:
		c := e.Closed
		r.closed.WithLabelValues(c.Symbol, string(c.CloseReason)).Inc()
		if notional := c.Notional(); notional.IsPositive() {
			pct := c.RealizedPnL.Div(notional).InexactFloat64() * 100
			r.realizedPnL.WithLabelValues(c.Symbol).Observe(pct)
		}
	case *events.StopMovedEvent:
		r.stopMoves.WithLabelValues(e.Symbol).Inc()
	case *events.BreakerEvent:
		if e.GetType() == events.EventTypeBreakerTripped {
			r.breakerTrips.WithLabelValues(string(e.Breaker.Reason)).Inc()
			r.breakerActive.Set(1)
		} else {
			r.breakerActive.Set(0)
		}
	}
	return nil
}

// ObserveCapital records the account gauges.
func (r *Recorder) ObserveCapital(s types.CapitalSnapshot) {
	r.capital.Set(s.Capital.Current.InexactFloat64())
	r.dailyPnLPct.Set(s.DailyPnLPct)
	r.drawdownPct.Set(s.DrawdownPct)
	r.exposure.Set(s.Exposure.InexactFloat64())
	r.openPositions.Set(float64(s.OpenPositions))
}

// ObserveCycle records one decision cycle duration.
func (r *Recorder) ObserveCycle(d time.Duration) {
	r.cycleDuration.Observe(d.Seconds())
}

// ObserveHTTP records one served request. route should be a path
// template to keep label cardinality low.
func (r *Recorder) ObserveHTTP(route, method string, status int, d time.Duration) {
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
