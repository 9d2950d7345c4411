package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Getter is the subset of *redis.Client the prediction reader uses.
type Getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// storedPrediction is the value an external model writes under
// <prefix>:prediction:<symbol>.
type storedPrediction struct {
	Signal     float64   `json:"signal"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// Predictions reads model predictions published to Redis. A missing or
// stale key yields no prediction rather than an error.
type Predictions struct {
	logger *zap.Logger
	rdb    Getter
	prefix string
	maxAge time.Duration
	now    func() time.Time
}

// NewPredictions creates a reader. maxAge of zero accepts any age.
func NewPredictions(logger *zap.Logger, rdb Getter, prefix string, maxAge time.Duration) *Predictions {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "decision"
	}
	return &Predictions{
		logger: logger.Named("redis-predictions"),
		rdb:    rdb,
		prefix: prefix,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Key returns the Redis key holding symbol's prediction.
func (p *Predictions) Key(symbol string) string {
	return p.prefix + ":prediction:" + symbol
}

// Predict returns the latest prediction for the snapshot's symbol.
func (p *Predictions) Predict(ctx context.Context, snap *types.MarketSnapshot) (*types.Prediction, error) {
	if snap == nil {
		return nil, nil
	}
	key := p.Key(snap.Symbol)

	raw, err := p.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}

	var stored storedPrediction
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	if p.maxAge > 0 && !stored.At.IsZero() && p.now().Sub(stored.At) > p.maxAge {
		p.logger.Debug("Ignoring stale prediction",
			zap.String("symbol", snap.Symbol),
			zap.Time("at", stored.At))
		return nil, nil
	}

	return &types.Prediction{Signal: stored.Signal, Confidence: stored.Confidence}, nil
}
