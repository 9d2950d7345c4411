// Package api_test provides tests for the API server.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/api"
	"github.com/atlas-desktop/decision-engine/internal/engine"
	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/metrics"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const resetToken = "s3cret"

type testEnv struct {
	engine *engine.Engine
	ledger *ledger.Ledger
	hub    *api.Hub
	ts     *httptest.Server
}

func setupTestServer(t *testing.T, token string) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	l := ledger.New(logger, nil, decimal.NewFromInt(10000), time.Now())
	breakerCfg := risk.DefaultConfig()
	breakerCfg.ResetToken = token
	eng, err := engine.New(logger, nil, engine.Components{
		Ledger:  l,
		Breaker: risk.NewCircuitBreaker(logger, breakerCfg),
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder(reg)
	if err != nil {
		t.Fatalf("Failed to create recorder: %v", err)
	}

	hub := api.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := api.NewServer(logger, nil, eng, api.WithHub(hub), api.WithMetrics(rec, reg))
	ts := httptest.NewServer(server.Router())

	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testEnv{engine: eng, ledger: l, hub: hub, ts: ts}
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, resetToken)

	var result map[string]interface{}
	if code := getJSON(t, env.ts.URL+"/api/v1/health", &result); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if result["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", result["status"])
	}
}

func TestPositionsAndTrades(t *testing.T) {
	env := setupTestServer(t, resetToken)

	_, err := env.ledger.Open(types.PositionRequest{
		Symbol:     "BTCUSDT",
		Side:       types.PositionSideLong,
		Size:       decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(100),
		StopLoss:   decimal.NewFromInt(95),
		TakeProfit: []decimal.Decimal{decimal.NewFromInt(110)},
	}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var positions []types.Position
	if code := getJSON(t, env.ts.URL+"/api/v1/positions", &positions); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if len(positions) != 1 || positions[0].Symbol != "BTCUSDT" {
		t.Errorf("Unexpected positions %+v", positions)
	}

	if code := getJSON(t, env.ts.URL+"/api/v1/positions/ETHUSDT", nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing position, got %d", code)
	}

	if _, err := env.ledger.Close("BTCUSDT", decimal.NewFromInt(104), types.ExitManual, time.Now()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var trades []types.ClosedPosition
	if code := getJSON(t, env.ts.URL+"/api/v1/trades?limit=10", &trades); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if len(trades) != 1 || !trades[0].RealizedPnL.Equal(decimal.NewFromInt(4)) {
		t.Errorf("Unexpected trades %+v", trades)
	}

	if code := getJSON(t, env.ts.URL+"/api/v1/trades?limit=abc", nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", code)
	}
}

func TestRiskMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, resetToken)

	var m ledger.RiskMetrics
	if code := getJSON(t, env.ts.URL+"/api/v1/metrics/risk", &m); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if m.WinRate != 0.5 {
		t.Errorf("Expected default win rate 0.5, got %v", m.WinRate)
	}
}

func post(t *testing.T, url string, headers map[string]string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func TestBreakerTripAndReset(t *testing.T) {
	env := setupTestServer(t, resetToken)
	base := env.ts.URL + "/api/v1/circuit-breaker"

	resp := post(t, base+"/trip", map[string]string{api.HeaderOperator: "ops"}, `{"detail":"maintenance","durationMinutes":30}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected trip 200, got %d", resp.StatusCode)
	}
	if !env.engine.Breaker().State().Active {
		t.Fatal("Breaker not active after trip")
	}

	resp = post(t, base+"/reset", map[string]string{api.HeaderResetToken: "wrong"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong token, got %d", resp.StatusCode)
	}
	if !env.engine.Breaker().State().Active {
		t.Error("Breaker cleared by unauthorized reset")
	}

	resp = post(t, base+"/reset", map[string]string{
		api.HeaderResetToken: resetToken,
		api.HeaderOperator:   "ops",
	}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for valid reset, got %d", resp.StatusCode)
	}
	if env.engine.Breaker().State().Active {
		t.Error("Breaker still active after authorized reset")
	}
}

func TestBreakerResetDisabledWithoutToken(t *testing.T) {
	env := setupTestServer(t, "")

	resp := post(t, env.ts.URL+"/api/v1/circuit-breaker/reset", map[string]string{api.HeaderResetToken: ""}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 when reset is disabled, got %d", resp.StatusCode)
	}
}

func TestBreakerTripValidation(t *testing.T) {
	env := setupTestServer(t, resetToken)

	resp := post(t, env.ts.URL+"/api/v1/circuit-breaker/trip", nil, `{"durationMinutes":0}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	env := setupTestServer(t, resetToken)

	getJSON(t, env.ts.URL+"/api/v1/health", nil)

	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `decision_engine_http_requests_total{method="GET",route="/api/v1/health",status="200"} 1`) {
		t.Errorf("Expected instrumented health request in metrics output")
	}
}

func TestWebSocketSubscription(t *testing.T) {
	env := setupTestServer(t, resetToken)

	wsURL := "ws" + env.ts.URL[4:] + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v (response: %v)", err, resp)
	}
	defer conn.Close()

	if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: api.ChannelSignals}); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack api.WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("Failed to read subscribe ack: %v", err)
	}
	if ack.Type != api.MsgTypeSubscribed || ack.Channel != api.ChannelSignals {
		t.Fatalf("Unexpected ack %+v", ack)
	}

	env.hub.HandleEvent(events.NewSignalEvent(types.EnsembleSignal{
		Symbol: "BTCUSDT",
		Action: types.ActionBuy,
	}))

	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read signal: %v", err)
	}
	if msg.Type != api.MsgTypeSignalUpdate {
		t.Fatalf("Expected signal_update, got %s", msg.Type)
	}
	var sig types.EnsembleSignal
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		t.Fatalf("Failed to decode signal: %v", err)
	}
	if sig.Symbol != "BTCUSDT" || sig.Action != types.ActionBuy {
		t.Errorf("Unexpected signal %+v", sig)
	}
}
