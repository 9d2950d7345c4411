// Package redis publishes engine notifications over Redis Pub/Sub and
// appends them to capped Redis streams.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds connection and channel parameters
type Config struct {
	Enabled          bool          `mapstructure:"enabled"`
	Addr             string        `mapstructure:"addr" default:"localhost:6379" validate:"required_if=Enabled true"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db" validate:"gte=0"`
	PoolSize         int           `mapstructure:"pool_size" default:"10" validate:"gte=0"`
	ChannelPrefix    string        `mapstructure:"channel_prefix" default:"decision"`
	StreamMaxLen     int64         `mapstructure:"stream_max_len" default:"10000" validate:"gte=0"`
	Predictions      bool          `mapstructure:"predictions"`
	PredictionMaxAge time.Duration `mapstructure:"prediction_max_age" default:"5m" validate:"gte=0"`
}

// Client is the subset of *redis.Client the publisher uses.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Connect creates a Redis client and pings it.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// Publisher forwards signals, position changes and breaker transitions
type Publisher struct {
	logger *zap.Logger
	rdb    Client
	config Config
}

// NewPublisher creates a publisher over rdb.
func NewPublisher(logger *zap.Logger, rdb Client, config Config) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = "decision"
	}
	return &Publisher{
		logger: logger.Named("redis-publisher"),
		rdb:    rdb,
		config: config,
	}
}

// Attach subscribes the publisher to the notification-worthy event types.
// Delivery is async so a slow Redis never stalls a bus worker.
func (p *Publisher) Attach(bus *events.EventBus) []*events.Subscription {
	return bus.SubscribeMultiple([]events.EventType{
		events.EventTypeSignal,
		events.EventTypePositionOpened,
		events.EventTypePositionClosed,
		events.EventTypeBreakerTripped,
		events.EventTypeBreakerCleared,
	}, p.Handle, events.SubscriptionOptions{Async: true})
}

// Channel returns the Pub/Sub channel for an event type.
func (p *Publisher) Channel(t events.EventType) string {
	return p.config.ChannelPrefix + ":" + string(t)
}

// Stream returns the stream key for an event type.
func (p *Publisher) Stream(t events.EventType) string {
	return p.config.ChannelPrefix + ":stream:" + string(t)
}

// Handle publishes one event.
func (p *Publisher) Handle(event events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Publish(ctx, event); err != nil {
		p.logger.Warn("Notification publish failed",
			zap.String("type", string(event.GetType())),
			zap.Error(err))
		return err
	}
	return nil
}

// Publish sends event to its channel and appends it to its stream.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", event.GetType(), err)
	}

	channel := p.Channel(event.GetType())
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}

	if p.config.StreamMaxLen > 0 {
		stream := p.Stream(event.GetType())
		args := &redis.XAddArgs{
			Stream: stream,
			MaxLen: p.config.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"id":      event.GetID(),
				"payload": payload,
			},
		}
		if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("redis: stream append %s: %w", stream, err)
		}
	}
	return nil
}
