package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	insertEvent = `INSERT INTO engine_events (id, event_type, symbol, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`
	insertClosed = `INSERT INTO closed_positions
		(id, symbol, side, size, entry_price, exit_price, realized_pnl, close_reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING`
)

// BatchSender is the part of *pgxpool.Pool the journal writes through.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type row struct {
	sql  string
	args []any
}

// Journal buffers bus events and writes them to PostgreSQL in batches
type Journal struct {
	logger *zap.Logger
	db     BatchSender
	config Config

	mu      sync.Mutex
	pending []row
	written int64
	dropped int64
}

// NewJournal creates a journal writing through db.
func NewJournal(logger *zap.Logger, db BatchSender, config Config) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	return &Journal{
		logger: logger.Named("pg-journal"),
		db:     db,
		config: config,
	}
}

// Attach subscribes the journal to every bus event.
func (j *Journal) Attach(bus *events.EventBus) *events.Subscription {
	return bus.SubscribeAll(j.Handle)
}

// Handle queues the rows for one event and flushes when a batch is full.
func (j *Journal) Handle(event events.Event) error {
	rows, err := rowsFor(event)
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.pending = append(j.pending, rows...)
	full := len(j.pending) >= j.config.BatchSize
	j.mu.Unlock()

	if full {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return j.Flush(ctx)
	}
	return nil
}

func rowsFor(event events.Event) ([]row, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal %s event: %w", event.GetType(), err)
	}

	symbol := ""
	var extra []row
	switch e := event.(type) {
	case *events.SignalEvent:
		symbol = e.Signal.Symbol
	case *events.PositionOpenedEvent:
		symbol = e.Position.Symbol
	case *events.StopMovedEvent:
		symbol = e.Symbol
	case *events.PositionClosedEvent:
		c := e.Closed
		symbol = c.Symbol
		extra = append(extra, row{sql: insertClosed, args: []any{
			c.ID, c.Symbol, string(c.Side), c.Size.String(), c.EntryPrice.String(),
			c.ExitPrice.String(), c.RealizedPnL.String(), string(c.CloseReason),
			c.EntryTime, c.ClosedAt,
		}})
	}

	rows := []row{{sql: insertEvent, args: []any{
		event.GetID(), string(event.GetType()), symbol, payload, event.GetTimestamp(),
	}}}
	return append(rows, extra...), nil
}

// Flush writes every pending row in one batch. Rows from a failed batch are
// kept for the next flush, up to ten batches' worth.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	rows := j.pending
	j.pending = nil
	j.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(r.sql, r.args...)
	}

	err := j.send(ctx, batch)
	if err != nil {
		j.requeue(rows)
		j.logger.Warn("Journal flush failed",
			zap.Int("rows", len(rows)),
			zap.Error(err))
		return err
	}

	j.mu.Lock()
	j.written += int64(len(rows))
	j.mu.Unlock()

	j.logger.Debug("Journal flushed", zap.Int("rows", len(rows)))
	return nil
}

func (j *Journal) send(ctx context.Context, batch *pgx.Batch) error {
	results := j.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("postgres: journal batch item %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("postgres: journal batch close: %w", err)
	}
	return nil
}

func (j *Journal) requeue(rows []row) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.pending = append(rows, j.pending...)
	if limit := j.config.BatchSize * 10; len(j.pending) > limit {
		over := len(j.pending) - limit
		j.pending = j.pending[over:]
		j.dropped += int64(over)
	}
}

// Run flushes on FlushInterval until ctx ends, then flushes once more.
func (j *Journal) Run(ctx context.Context) {
	ticker := time.NewTicker(j.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = j.Flush(final)
			cancel()
			return
		case <-ticker.C:
			_ = j.Flush(ctx)
		}
	}
}

// JournalStats reports journal throughput
type JournalStats struct {
	Pending int   `json:"pending"`
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
}

// Stats returns journal counters.
func (j *Journal) Stats() JournalStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JournalStats{Pending: len(j.pending), Written: j.written, Dropped: j.dropped}
}
