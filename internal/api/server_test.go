package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/internal/config"
	"github.com/steampunk-industries/quantsim/internal/data"
	"github.com/steampunk-industries/quantsim/internal/strategy"
	"github.com/steampunk-industries/quantsim/internal/telemetry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	cfg.DataDir = t.TempDir()

	store, err := data.NewStore(zap.NewNop(), cfg.DataDir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	return NewServer(zap.NewNop(), cfg, store, strategy.NewRegistry(), telemetry.NewMetrics())
}

func doJSON(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	payload := make(map[string]interface{})
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s returned invalid JSON: %v", method, path, err)
		}
	}
	return rec, payload
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, payload := doJSON(t, s, "GET", "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload["status"] != "ok" {
		t.Errorf("unexpected health payload %v", payload)
	}
}

func TestStrategiesEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, payload := doJSON(t, s, "GET", "/api/v1/strategies", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	names, ok := payload["strategies"].([]interface{})
	if !ok || len(names) != 2 {
		t.Fatalf("unexpected strategies payload %v", payload)
	}
	if names[0] != "ma_cross" || names[1] != "mean_reversion" {
		t.Errorf("unexpected strategy names %v", names)
	}
}

func TestHistoryEndpointServesSyntheticBars(t *testing.T) {
	s := newTestServer(t)

	rec, payload := doJSON(t, s, "GET", "/api/v1/data/history/BTC-USDT?timeframe=1h", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if payload["symbol"] != "BTC/USDT" {
		t.Errorf("path symbol must be unescaped to a pair, got %v", payload["symbol"])
	}
	bars, ok := payload["bars"].([]interface{})
	if !ok || len(bars) != 720 {
		t.Errorf("expected 720 synthetic bars, got %d", len(bars))
	}
}

func TestBacktestRunLifecycle(t *testing.T) {
	s := newTestServer(t)

	body := `{
		"symbol": "BTC/USDT",
		"strategyName": "ma_cross",
		"timeframe": "1h",
		"parameters": {"fast_period": 5, "slow_period": 15}
	}`
	rec, payload := doJSON(t, s, "POST", "/api/v1/backtest/run", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", rec.Code, payload)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatal("expected a run id")
	}

	deadline := time.Now().Add(10 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		_, statusPayload := doJSON(t, s, "GET", "/api/v1/backtest/"+id, "")
		status, _ = statusPayload["status"].(string)
		if status == "completed" || status == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("run did not complete, last status %q", status)
	}

	rec, _ = doJSON(t, s, "GET", "/api/v1/backtest/"+id+"/trades", "")
	if rec.Code != http.StatusOK {
		t.Errorf("trades endpoint returned %d", rec.Code)
	}
	rec, equity := doJSON(t, s, "GET", "/api/v1/backtest/"+id+"/equity", "")
	if rec.Code != http.StatusOK {
		t.Errorf("equity endpoint returned %d", rec.Code)
	}
	curve, ok := equity["equityCurve"].([]interface{})
	if !ok || len(curve) != 720 {
		t.Errorf("expected an equity point per bar, got %d", len(curve))
	}
}

func TestBacktestRunRejectsBadConfig(t *testing.T) {
	s := newTestServer(t)

	rec, _ := doJSON(t, s, "POST", "/api/v1/backtest/run", `{"symbol": "BTC/USDT"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing strategy, got %d", rec.Code)
	}
}

func TestRunStatusNotFound(t *testing.T) {
	s := newTestServer(t)

	rec, _ := doJSON(t, s, "GET", "/api/v1/backtest/no-such-run", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestOptimizeGridValidation(t *testing.T) {
	s := newTestServer(t)

	rec, _ := doJSON(t, s, "POST", "/api/v1/optimize/grid", `{"symbol": "BTC/USDT", "strategy": "ma_cross"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing grid, got %d", rec.Code)
	}
}

func TestOptimizeGridLifecycle(t *testing.T) {
	s := newTestServer(t)

	body := `{
		"symbol": "BTC/USDT",
		"strategy": "ma_cross",
		"timeframe": "1h",
		"grid": [
			{"name": "fast_period", "values": [5, 8]},
			{"name": "slow_period", "values": [20]}
		]
	}`
	rec, payload := doJSON(t, s, "POST", "/api/v1/optimize/grid", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", rec.Code, payload)
	}
	id, _ := payload["id"].(string)

	deadline := time.Now().Add(20 * time.Second)
	var statusPayload map[string]interface{}
	var status string
	for time.Now().Before(deadline) {
		_, statusPayload = doJSON(t, s, "GET", "/api/v1/optimize/"+id, "")
		status, _ = statusPayload["status"].(string)
		if status == "completed" || status == "failed" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("sweep did not complete, last status %q: %v", status, statusPayload)
	}

	sweep, ok := statusPayload["sweep"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected sweep payload, got %v", statusPayload)
	}
	if trials, _ := sweep["trials"].(float64); trials != 2 {
		t.Errorf("expected 2 trials, got %v", sweep["trials"])
	}
}
