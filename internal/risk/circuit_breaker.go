// Package risk implements the account-level circuit breaker that gates
// every new entry.
package risk

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

var (
	ErrBreakerActive     = errors.New("circuit breaker active")
	ErrResetUnauthorized = errors.New("circuit breaker reset unauthorized")
	ErrResetDisabled     = errors.New("circuit breaker manual reset disabled")
)

// Reason identifies what tripped the breaker
type Reason string

const (
	ReasonDailyLoss         Reason = "daily loss limit"
	ReasonMaxDrawdown       Reason = "max drawdown"
	ReasonConsecutiveLosses Reason = "consecutive losses"
	ReasonManual            Reason = "manual"
)

// EventType categorizes breaker transitions
type EventType string

const (
	EventTripped EventType = "breaker_tripped"
	EventExpired EventType = "breaker_expired"
	EventReset   EventType = "breaker_reset"
)

// Event is a breaker state transition
type Event struct {
	Type        EventType  `json:"type"`
	Reason      Reason     `json:"reason"`
	Detail      string     `json:"detail,omitempty"`
	ActiveUntil *time.Time `json:"activeUntil,omitempty"`
	Operator    string     `json:"operator,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Config configures the circuit breaker
type Config struct {
	MaxDailyLossPct      float64       `mapstructure:"max_daily_loss_pct" default:"5" validate:"gt=0,lte=100"`
	MaxDrawdownPct       float64       `mapstructure:"max_drawdown_pct" default:"20" validate:"gt=0,lte=100"`
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses" default:"5" validate:"gte=1"`
	DailyLossCooldown    time.Duration `mapstructure:"daily_loss_cooldown" default:"24h" validate:"gt=0"`
	DrawdownCooldown     time.Duration `mapstructure:"drawdown_cooldown" default:"48h" validate:"gt=0"`
	LossStreakCooldown   time.Duration `mapstructure:"loss_streak_cooldown" default:"12h" validate:"gt=0"`
	ResetToken           string        `mapstructure:"reset_token"`
}

// DefaultConfig returns the standard capital-preservation limits
func DefaultConfig() *Config {
	return &Config{
		MaxDailyLossPct:      5,
		MaxDrawdownPct:       20,
		MaxConsecutiveLosses: 5,
		DailyLossCooldown:    24 * time.Hour,
		DrawdownCooldown:     48 * time.Hour,
		LossStreakCooldown:   12 * time.Hour,
	}
}

// State is the breaker's current condition
type State struct {
	Active      bool       `json:"active"`
	Reason      Reason     `json:"reason,omitempty"`
	Detail      string     `json:"detail,omitempty"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	ActiveUntil *time.Time `json:"activeUntil,omitempty"`
	Trips       int        `json:"trips"`
}

// Decision is the outcome of one Evaluate call
type Decision struct {
	State   State `json:"state"`
	Tripped bool  `json:"tripped"`
	Expired bool  `json:"expired"`
}

// CircuitBreaker halts new entries once loss limits are breached. It is
// cleared only by its expiry timer or an authorized Reset.
type CircuitBreaker struct {
	logger *zap.Logger
	config *Config
	mu     sync.RWMutex

	active      bool
	reason      Reason
	detail      string
	activatedAt time.Time
	activeUntil time.Time
	trips       int

	events chan Event
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(logger *zap.Logger, config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		logger: logger.Named("circuit-breaker"),
		config: config,
		events: make(chan Event, 100),
	}
}

// Evaluate clears an expired breaker and then checks every trigger against
// the snapshot. It must run at the start of each cycle.
func (cb *CircuitBreaker) Evaluate(snap types.CapitalSnapshot, now time.Time) Decision {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var decision Decision
	if cb.active && !now.Before(cb.activeUntil) {
		cb.expire(now)
		decision.Expired = true
	}

	if !cb.active {
		if reason, detail, cooldown, ok := cb.trigger(snap); ok {
			cb.trip(reason, detail, cooldown, now)
			decision.Tripped = true
		}
	}

	decision.State = cb.state()
	return decision
}

// Allow evaluates the breaker and returns ErrBreakerActive, wrapped with the
// recorded reason, when new entries are blocked.
func (cb *CircuitBreaker) Allow(snap types.CapitalSnapshot, now time.Time) error {
	decision := cb.Evaluate(snap, now)
	if !decision.State.Active {
		return nil
	}
	return fmt.Errorf("%w: %s until %s", ErrBreakerActive,
		decision.State.Reason, decision.State.ActiveUntil.Format(time.RFC3339))
}

func (cb *CircuitBreaker) trigger(snap types.CapitalSnapshot) (Reason, string, time.Duration, bool) {
	if snap.DailyPnLPct <= -cb.config.MaxDailyLossPct {
		return ReasonDailyLoss,
			fmt.Sprintf("daily P&L %.2f%% <= -%.2f%%", snap.DailyPnLPct, cb.config.MaxDailyLossPct),
			cb.config.DailyLossCooldown, true
	}
	if snap.DrawdownPct >= cb.config.MaxDrawdownPct {
		return ReasonMaxDrawdown,
			fmt.Sprintf("drawdown %.2f%% >= %.2f%%", snap.DrawdownPct, cb.config.MaxDrawdownPct),
			cb.config.DrawdownCooldown, true
	}
	if snap.ConsecutiveLosses >= cb.config.MaxConsecutiveLosses {
		return ReasonConsecutiveLosses,
			fmt.Sprintf("%d consecutive losing trades", snap.ConsecutiveLosses),
			cb.config.LossStreakCooldown, true
	}
	return "", "", 0, false
}

func (cb *CircuitBreaker) trip(reason Reason, detail string, cooldown time.Duration, now time.Time) {
	cb.active = true
	cb.reason = reason
	cb.detail = detail
	cb.activatedAt = now
	cb.activeUntil = now.Add(cooldown)
	cb.trips++

	until := cb.activeUntil
	cb.sendEvent(Event{
		Type:        EventTripped,
		Reason:      reason,
		Detail:      detail,
		ActiveUntil: &until,
		Timestamp:   now,
	})

	cb.logger.Error("Circuit breaker activated",
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
		zap.Time("activeUntil", until))
}

func (cb *CircuitBreaker) expire(now time.Time) {
	reason := cb.reason
	cb.clear()

	cb.sendEvent(Event{
		Type:      EventExpired,
		Reason:    reason,
		Timestamp: now,
	})

	cb.logger.Info("Circuit breaker expired",
		zap.String("reason", string(reason)),
		zap.Time("at", now))
}

func (cb *CircuitBreaker) clear() {
	cb.active = false
	cb.reason = ""
	cb.detail = ""
	cb.activatedAt = time.Time{}
	cb.activeUntil = time.Time{}
}

// Trip manually activates the breaker for duration.
func (cb *CircuitBreaker) Trip(detail string, duration time.Duration, now time.Time) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trip(ReasonManual, detail, duration, now)
	return cb.state()
}

// Reset clears an active breaker. It requires the configured reset token
// and is refused entirely when none is configured.
func (cb *CircuitBreaker) Reset(operator, token string, now time.Time) error {
	if cb.config.ResetToken == "" {
		return ErrResetDisabled
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(cb.config.ResetToken)) != 1 {
		cb.logger.Warn("Unauthorized circuit breaker reset",
			zap.String("operator", operator))
		return ErrResetUnauthorized
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.active {
		return nil
	}

	reason := cb.reason
	cb.clear()

	cb.sendEvent(Event{
		Type:      EventReset,
		Reason:    reason,
		Operator:  operator,
		Timestamp: now,
	})

	cb.logger.Warn("Circuit breaker manually reset",
		zap.String("reason", string(reason)),
		zap.String("operator", operator))
	return nil
}

// State returns the current breaker state without re-evaluating it.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state()
}

func (cb *CircuitBreaker) state() State {
	s := State{
		Active: cb.active,
		Reason: cb.reason,
		Detail: cb.detail,
		Trips:  cb.trips,
	}
	if cb.active {
		at, until := cb.activatedAt, cb.activeUntil
		s.ActivatedAt = &at
		s.ActiveUntil = &until
	}
	return s
}

// Config returns the breaker limits.
func (cb *CircuitBreaker) Config() Config {
	return *cb.config
}

// Events returns the breaker transition channel.
func (cb *CircuitBreaker) Events() <-chan Event {
	return cb.events
}

func (cb *CircuitBreaker) sendEvent(event Event) {
	select {
	case cb.events <- event:
	default:
		cb.logger.Warn("Breaker event channel full, dropping event",
			zap.String("type", string(event.Type)))
	}
}
