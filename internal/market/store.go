package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrExhausted is returned by Next once a symbol's bars are fully replayed.
var ErrExhausted = errors.New("market data exhausted")

// NewSnapshot builds an immutable snapshot. Bars and indicator columns are
// copied so the caller may reuse its buffers.
func NewSnapshot(symbol string, bars []types.OHLCV, ind types.Indicators) *types.MarketSnapshot {
	snap := &types.MarketSnapshot{
		Symbol: symbol,
		Bars:   append([]types.OHLCV(nil), bars...),
		Indicators: types.Indicators{
			RSI:        cloneSeries(ind.RSI),
			MACD:       cloneSeries(ind.MACD),
			MACDSignal: cloneSeries(ind.MACDSignal),
			BBUpper:    cloneSeries(ind.BBUpper),
			BBMiddle:   cloneSeries(ind.BBMiddle),
			BBLower:    cloneSeries(ind.BBLower),
			EMAFast:    cloneSeries(ind.EMAFast),
			EMASlow:    cloneSeries(ind.EMASlow),
			ATR:        cloneSeries(ind.ATR),
			VolumeMA:   cloneSeries(ind.VolumeMA),
		},
	}
	if n := len(bars); n > 0 {
		snap.At = bars[n-1].Timestamp
	}
	return snap
}

func cloneSeries(s []float64) []float64 {
	if s == nil {
		return nil
	}
	return append([]float64(nil), s...)
}

// StoreConfig configures the bar store
type StoreConfig struct {
	DataDir  string        `mapstructure:"data_dir" default:"./data" validate:"required"`
	Lookback int           `mapstructure:"lookback" default:"100" validate:"gte=30"`
	Warmup   int           `mapstructure:"warmup" default:"50" validate:"gte=1"`
	Quality  QualityConfig `mapstructure:"quality"`
}

// DefaultStoreConfig returns sensible defaults
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		DataDir:  "./data",
		Lookback: 100,
		Warmup:   50,
		Quality:  *DefaultQualityConfig(),
	}
}

// Store provides access to historical bars stored as one JSON file per
// symbol and replays them as snapshots.
type Store struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *StoreConfig
	indicators *IndicatorConfig
	validator  *BarValidator
	cache      map[string][]types.OHLCV
	reports    map[string]*QualityReport
	cursors    map[string]int
}

// NewStore creates a new bar store
func NewStore(logger *zap.Logger, config *StoreConfig, indicators *IndicatorConfig) (*Store, error) {
	if config == nil {
		config = DefaultStoreConfig()
	}
	if indicators == nil {
		indicators = DefaultIndicatorConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &Store{
		logger:     logger.Named("market-store"),
		config:     config,
		indicators: indicators,
		validator:  NewBarValidator(logger, &config.Quality),
		cache:      make(map[string][]types.OHLCV),
		reports:    make(map[string]*QualityReport),
		cursors:    make(map[string]int),
	}, nil
}

func (s *Store) path(symbol string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(symbol)
	return filepath.Join(s.config.DataDir, name+".json")
}

// LoadBars loads all bars for a symbol, sorted by timestamp.
func (s *Store) LoadBars(ctx context.Context, symbol string) ([]types.OHLCV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, symbol)
}

func (s *Store) load(ctx context.Context, symbol string) ([]types.OHLCV, error) {
	if cached, ok := s.cache[symbol]; ok {
		return cached, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(symbol))
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.OHLCV
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}

	report := s.validator.Validate(symbol, bars)
	s.reports[symbol] = report
	if len(report.Issues) > 0 {
		s.logger.Warn("Data quality issues",
			zap.String("symbol", symbol),
			zap.Int("issues", len(report.Issues)),
			zap.Int("score", report.Score),
			zap.Bool("usable", report.IsUsable))
	}

	bars = s.validator.Clean(bars)
	if len(bars) == 0 {
		return nil, fmt.Errorf("no usable bars for symbol %s", symbol)
	}

	s.cache[symbol] = bars
	s.logger.Info("Loaded bars",
		zap.String("symbol", symbol),
		zap.Int("count", len(bars)))
	return bars, nil
}

// Report returns the quality report from the last file load of symbol.
func (s *Store) Report(symbol string) (*QualityReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[symbol]
	return r, ok
}

// SaveBars writes bars for a symbol to disk and replaces the cache.
func (s *Store) SaveBars(symbol string, bars []types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(s.path(symbol), data, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[symbol] = append([]types.OHLCV(nil), bars...)
	delete(s.cursors, symbol)
	return nil
}

// Symbols lists the symbols with a data file.
func (s *Store) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Range returns the first and last bar timestamps for a symbol.
func (s *Store) Range(ctx context.Context, symbol string) (start, end time.Time, err error) {
	bars, err := s.LoadBars(ctx, symbol)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if len(bars) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("no data available for symbol %s", symbol)
	}
	return bars[0].Timestamp, bars[len(bars)-1].Timestamp, nil
}

// Next advances the replay cursor for symbol by one bar and returns the
// lookback window ending at it.
func (s *Store) Next(ctx context.Context, symbol string) (*types.MarketSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars, err := s.load(ctx, symbol)
	if err != nil {
		return nil, err
	}

	cursor, ok := s.cursors[symbol]
	if !ok {
		cursor = s.config.Warmup - 1
	} else {
		cursor++
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(bars) {
		return nil, fmt.Errorf("%w: %s", ErrExhausted, symbol)
	}
	s.cursors[symbol] = cursor

	return s.window(symbol, bars, cursor), nil
}

// Snapshot returns the lookback window ending at the newest bar.
func (s *Store) Snapshot(ctx context.Context, symbol string) (*types.MarketSnapshot, error) {
	bars, err := s.LoadBars(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no data available for symbol %s", symbol)
	}
	return s.window(symbol, bars, len(bars)-1), nil
}

func (s *Store) window(symbol string, bars []types.OHLCV, end int) *types.MarketSnapshot {
	start := end + 1 - s.config.Lookback
	if start < 0 {
		start = 0
	}
	slice := bars[start : end+1]
	return NewSnapshot(symbol, slice, ComputeIndicators(slice, s.indicators))
}
