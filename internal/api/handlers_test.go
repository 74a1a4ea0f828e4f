package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"pafer-trading-engine/config"
	"pafer-trading-engine/internal/database"
	"pafer-trading-engine/internal/execution"
	"pafer-trading-engine/internal/lifecycle"
	"pafer-trading-engine/internal/metrics"
	"pafer-trading-engine/internal/optimizer"
	"pafer-trading-engine/internal/params"
	"pafer-trading-engine/internal/risk"
	"pafer-trading-engine/internal/signal"
)

type stubEngine struct {
	current *lifecycle.TradeAttempt
	last    *lifecycle.TradeAttempt
}

func (s *stubEngine) CurrentAttempt() *lifecycle.TradeAttempt { return s.current }
func (s *stubEngine) LastAttempt() *lifecycle.TradeAttempt    { return s.last }

type stubTrades struct {
	trades []database.TradeRecord
	runs   []optimizer.Run
	err    error
}

func (s *stubTrades) RecentTrades(context.Context, int) ([]database.TradeRecord, error) {
	return s.trades, s.err
}

func (s *stubTrades) RecentRuns(context.Context, int) ([]optimizer.Run, error) {
	return s.runs, s.err
}

func testServer(t *testing.T, engine EngineStatus, trades TradeStore) *Server {
	t.Helper()
	simCfg := config.SimulatorConfig{
		InitialBalance:        1000,
		TakerFeeRate:          0.0004,
		MaintenanceMarginRate: 0.005,
	}
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	return NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Symbol:   "BTCUSDT",
		Engine:   engine,
		Store:    params.NewStore(params.Default()),
		Executor: execution.NewSimulator(simCfg, "BTCUSDT", zerolog.Nop()),
		Breaker:  risk.NewBreaker(5, time.Hour, zerolog.Nop()),
		Trades:   trades,
		Gatherer: reg,
		Logger:   zerolog.Nop(),
	})
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s := testServer(t, &stubEngine{}, nil)
	w := doGet(t, s, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestStatusIdle(t *testing.T) {
	s := testServer(t, &stubEngine{}, nil)
	w := doGet(t, s, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["phase"] != "idle" {
		t.Fatalf("phase = %v, want idle", body["phase"])
	}
	if body["symbol"] != "BTCUSDT" {
		t.Fatalf("symbol = %v", body["symbol"])
	}
	if body["breaker"] != "closed" {
		t.Fatalf("breaker = %v", body["breaker"])
	}
	if _, ok := body["balance"]; !ok {
		t.Fatal("balance missing from status")
	}
}

func TestStatusWithOpenAttempt(t *testing.T) {
	attempt := &lifecycle.TradeAttempt{
		ID:     "att-1",
		Symbol: "BTCUSDT",
		Signal: signal.Signal{Direction: signal.Long},
		Phase:  lifecycle.PhaseFeel,
	}
	s := testServer(t, &stubEngine{current: attempt}, nil)
	w := doGet(t, s, "/api/status")

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["phase"] != "feel" {
		t.Fatalf("phase = %v, want feel", body["phase"])
	}
	if body["attempt"] == nil {
		t.Fatal("attempt missing from status")
	}
}

func TestTradesWithoutPersistence(t *testing.T) {
	s := testServer(t, &stubEngine{}, nil)
	if w := doGet(t, s, "/api/trades"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}
	if w := doGet(t, s, "/api/optimizer/runs"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}
}

func TestTradesList(t *testing.T) {
	trades := &stubTrades{
		trades: []database.TradeRecord{
			{ID: "t1", Symbol: "BTCUSDT", Direction: "long", Phase: "end_income", RealizedPnL: 12.5},
			{ID: "t2", Symbol: "BTCUSDT", Direction: "short", Phase: "rollback", RealizedPnL: -4.1},
		},
	}
	s := testServer(t, &stubEngine{}, trades)
	w := doGet(t, s, "/api/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	var body struct {
		Trades []database.TradeRecord `json:"trades"`
		Count  int                    `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || len(body.Trades) != 2 {
		t.Fatalf("count = %d, trades = %d", body.Count, len(body.Trades))
	}
	if body.Trades[0].ID != "t1" {
		t.Fatalf("first trade = %s", body.Trades[0].ID)
	}
}

func TestTradesStoreError(t *testing.T) {
	s := testServer(t, &stubEngine{}, &stubTrades{err: errors.New("db down")})
	if w := doGet(t, s, "/api/trades"); w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", w.Code)
	}
}

func TestParameters(t *testing.T) {
	s := testServer(t, &stubEngine{}, nil)
	w := doGet(t, s, "/api/parameters")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	var p params.ParameterSet
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ResonanceMin != params.Default().ResonanceMin {
		t.Fatalf("unexpected parameter payload: %+v", p)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t, &stubEngine{}, nil)
	w := doGet(t, s, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Fatal("empty metrics body")
	}
}

func TestQueryLimit(t *testing.T) {
	captured := 0
	trades := &capturingTrades{limit: &captured}
	s := testServer(t, &stubEngine{}, trades)

	doGet(t, s, "/api/trades?limit=7")
	if captured != 7 {
		t.Fatalf("limit = %d, want 7", captured)
	}

	doGet(t, s, "/api/trades?limit=0")
	if captured != 50 {
		t.Fatalf("limit = %d, want default 50", captured)
	}

	doGet(t, s, "/api/trades?limit=9999")
	if captured != 50 {
		t.Fatalf("limit = %d, want default 50", captured)
	}
}

type capturingTrades struct {
	limit *int
}

func (c *capturingTrades) RecentTrades(_ context.Context, limit int) ([]database.TradeRecord, error) {
	*c.limit = limit
	return nil, nil
}

func (c *capturingTrades) RecentRuns(_ context.Context, limit int) ([]optimizer.Run, error) {
	*c.limit = limit
	return nil, nil
}
