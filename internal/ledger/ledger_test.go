package ledger_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/stops"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newLedger(config *ledger.Config) *ledger.Ledger {
	return ledger.New(zap.NewNop(), config, d(10000), start)
}

func request(symbol string, entry, size float64) types.PositionRequest {
	return types.PositionRequest{
		Symbol:     symbol,
		Side:       types.PositionSideLong,
		Size:       d(size),
		EntryPrice: d(entry),
		StopLoss:   d(entry * 0.95),
		TakeProfit: []decimal.Decimal{d(entry * 1.1)},
		RequestAt:  start,
	}
}

func TestOpenOnePositionPerSymbol(t *testing.T) {
	l := newLedger(nil)

	pos, err := l.Open(request("BTCUSDT", 100, 1), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if pos.ID == "" {
		t.Error("Expected a position ID")
	}
	if !pos.HighestPrice.Equal(d(100)) || !pos.LowestPrice.Equal(d(100)) {
		t.Errorf("Expected extremes at entry, got %s/%s", pos.HighestPrice, pos.LowestPrice)
	}

	if _, err := l.Open(request("BTCUSDT", 101, 1), nil); !errors.Is(err, ledger.ErrPositionExists) {
		t.Errorf("Expected ErrPositionExists, got %v", err)
	}
}

func TestOpenRespectsMaxPositions(t *testing.T) {
	config := ledger.DefaultConfig()
	config.MaxOpenPositions = 2
	l := newLedger(config)

	for i := 0; i < 2; i++ {
		if _, err := l.Open(request(fmt.Sprintf("SYM%d", i), 10, 1), nil); err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
	}
	if _, err := l.Open(request("SYM9", 10, 1), nil); !errors.Is(err, ledger.ErrMaxPositions) {
		t.Errorf("Expected ErrMaxPositions, got %v", err)
	}
}

func TestOpenRejectsInvalidRequest(t *testing.T) {
	l := newLedger(nil)

	if _, err := l.Open(request("BTCUSDT", 100, 0), nil); !errors.Is(err, ledger.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for zero size, got %v", err)
	}
}

func TestGateRefusesUnderBreaker(t *testing.T) {
	l := newLedger(nil)
	breaker := risk.NewCircuitBreaker(zap.NewNop(), nil)
	breaker.Trip("maintenance", time.Hour, start)

	gate := func(snap types.CapitalSnapshot) error {
		return breaker.Allow(snap, start)
	}
	if _, err := l.Open(request("BTCUSDT", 100, 1), gate); !errors.Is(err, risk.ErrBreakerActive) {
		t.Fatalf("Expected ErrBreakerActive, got %v", err)
	}
	if len(l.Positions()) != 0 {
		t.Error("Refused entry should not create a position")
	}
}

func TestCloseUpdatesCapital(t *testing.T) {
	l := newLedger(nil)
	l.Open(request("BTCUSDT", 100, 10), nil)

	closed, err := l.Close("BTCUSDT", d(110), types.ExitTakeProfit, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !closed.RealizedPnL.Equal(d(100)) {
		t.Errorf("Expected realized 100, got %s", closed.RealizedPnL)
	}

	snap := l.Snapshot()
	if !snap.Capital.Current.Equal(d(10100)) || !snap.Capital.Peak.Equal(d(10100)) {
		t.Errorf("Expected current and peak 10100, got %s/%s", snap.Capital.Current, snap.Capital.Peak)
	}
	if snap.OpenPositions != 0 || snap.ClosedTrades != 1 {
		t.Errorf("Unexpected counts: %+v", snap)
	}

	if _, err := l.Close("BTCUSDT", d(110), types.ExitManual, start); !errors.Is(err, ledger.ErrNoPosition) {
		t.Errorf("Expected ErrNoPosition, got %v", err)
	}
}

func TestShortPnL(t *testing.T) {
	l := newLedger(nil)
	req := request("ETHUSDT", 100, 2)
	req.Side = types.PositionSideShort
	l.Open(req, nil)

	closed, _ := l.Close("ETHUSDT", d(90), types.ExitSignal, start)
	if !closed.RealizedPnL.Equal(d(20)) {
		t.Errorf("Expected short realized 20, got %s", closed.RealizedPnL)
	}
}

func TestConsecutiveLossesAndDrawdown(t *testing.T) {
	l := newLedger(nil)

	for i := 0; i < 5; i++ {
		l.Open(request("BTCUSDT", 100, 10), nil)
		l.Close("BTCUSDT", d(90), types.ExitStopLoss, start)
	}

	snap := l.Snapshot()
	if snap.ConsecutiveLosses != 5 {
		t.Errorf("Expected 5 consecutive losses, got %d", snap.ConsecutiveLosses)
	}
	if snap.DrawdownPct != 5 {
		t.Errorf("Expected drawdown 5%%, got %v", snap.DrawdownPct)
	}
	if snap.DailyPnLPct != -5 {
		t.Errorf("Expected daily P&L -5%%, got %v", snap.DailyPnLPct)
	}

	l.Open(request("BTCUSDT", 100, 1), nil)
	l.Close("BTCUSDT", d(101), types.ExitTakeProfit, start)
	if got := l.Snapshot().ConsecutiveLosses; got != 0 {
		t.Errorf("A win should reset the streak, got %d", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	config := ledger.DefaultConfig()
	config.HistorySize = 5
	l := newLedger(config)

	for i := 0; i < 8; i++ {
		l.Open(request("BTCUSDT", 100, 1), nil)
		l.Close("BTCUSDT", d(100+float64(i)), types.ExitSignal, start)
	}

	history := l.History(0)
	if len(history) != 5 {
		t.Fatalf("Expected 5 retained trades, got %d", len(history))
	}
	if !history[0].ExitPrice.Equal(d(103)) {
		t.Errorf("Expected oldest retained exit 103, got %s", history[0].ExitPrice)
	}
	if got := l.History(2); len(got) != 2 || !got[1].ExitPrice.Equal(d(107)) {
		t.Errorf("Unexpected limited history: %+v", got)
	}
}

func TestRollDay(t *testing.T) {
	l := newLedger(nil)
	l.Open(request("BTCUSDT", 100, 10), nil)
	l.Close("BTCUSDT", d(95), types.ExitStopLoss, start)

	if l.RollDay(start.Add(time.Hour)) {
		t.Error("Same UTC day should not roll")
	}
	if !l.RollDay(start.Add(24 * time.Hour)) {
		t.Fatal("Expected rollover on next UTC day")
	}

	snap := l.Snapshot()
	if !snap.Capital.DailyStart.Equal(d(9950)) {
		t.Errorf("Expected daily start 9950, got %s", snap.Capital.DailyStart)
	}
	if snap.DailyPnLPct != 0 {
		t.Errorf("Expected daily P&L reset, got %v", snap.DailyPnLPct)
	}
}

func TestMarkAdvancesTrailingStop(t *testing.T) {
	l := newLedger(nil)
	l.Open(request("BTCUSDT", 100, 1), nil)
	tracker := stops.NewTrailingTracker(nil)

	pos, update, err := l.Mark("BTCUSDT", d(110), tracker)
	if err != nil {
		t.Fatalf("Mark failed: %v", err)
	}
	if !update.Activated || !update.Moved {
		t.Errorf("Expected trailing activation, got %+v", update)
	}
	if !pos.UnrealizedPnL.Equal(d(10)) {
		t.Errorf("Expected unrealized 10, got %s", pos.UnrealizedPnL)
	}
	if !pos.StopLoss.Equal(d(108.9)) {
		t.Errorf("Expected stop 108.9, got %s", pos.StopLoss)
	}

	// returned copy is detached from ledger state
	pos.StopLoss = d(1)
	stored, _ := l.Position("BTCUSDT")
	if !stored.StopLoss.Equal(d(108.9)) {
		t.Errorf("Mutating a copy changed the ledger: %s", stored.StopLoss)
	}
}

func TestMetricsDefaultsBeforeMinimumTrades(t *testing.T) {
	l := newLedger(nil)
	l.Open(request("BTCUSDT", 100, 10), nil)

	m := l.Metrics()
	if m.WinRate != 0.5 || m.SharpeRatio != 0 || m.ProfitFactor != 0 || !m.VaR95.IsZero() {
		t.Errorf("Expected neutral defaults, got %+v", m)
	}
	if m.ExposurePct != 10 {
		t.Errorf("Expected exposure 10%%, got %v", m.ExposurePct)
	}
	if m.RiskScore < 2.999 || m.RiskScore > 3.001 {
		t.Errorf("Expected risk score 3, got %v", m.RiskScore)
	}
}

func TestMetricsAfterMinimumTrades(t *testing.T) {
	l := newLedger(nil)

	exits := []float64{110, 110, 110, 110, 110, 110, 95, 95, 95, 95}
	for _, exit := range exits {
		l.Open(request("BTCUSDT", 100, 1), nil)
		l.Close("BTCUSDT", d(exit), types.ExitSignal, start)
	}

	m := l.Metrics()
	if m.WinRate != 0.6 {
		t.Errorf("Expected win rate 0.6, got %v", m.WinRate)
	}
	// (10×0.6)/(5×0.4) = 3
	if m.ProfitFactor < 2.999 || m.ProfitFactor > 3.001 {
		t.Errorf("Expected profit factor 3, got %v", m.ProfitFactor)
	}
	if m.SharpeRatio <= 0 {
		t.Errorf("Expected positive Sharpe, got %v", m.SharpeRatio)
	}
	if !m.VaR95.Equal(d(-5)) {
		t.Errorf("Expected VaR95 -5, got %s", m.VaR95)
	}
	if m.RiskScore < 0 || m.RiskScore > 100 {
		t.Errorf("Risk score out of range: %v", m.RiskScore)
	}
}
