package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/alert"
	"execution-core/internal/events"
	"execution-core/internal/notify"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/sim"
	"execution-core/pkg/kv"
	"execution-core/pkg/lock"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	queries := db.NewQueries(database.DB)

	bus := events.NewBus()
	store := kv.NewMemoryStore()
	locks := lock.NewManager(store)
	ks := alert.NewKillSwitch(store, locks, queries, bus)
	alerts := alert.NewManager(queries, ks, bus, alert.DefaultThresholds())

	st := state.NewManager(queries)
	riskMgr := risk.NewManager(risk.DefaultLimits(), store, ks, st, bus)
	limiter := exchange.NewRateLimiter(exchange.DefaultRateLimits())

	gwCfg := sim.DefaultConfig()
	gwCfg.GatewayLatencyMaxMs = 0
	gwCfg.SlippageBps = 0
	gw := sim.New(gwCfg)

	orderCfg := order.DefaultConfig()
	orderCfg.FillAwaitWindow = 200 * time.Millisecond
	orderCfg.FillPollInterval = 5 * time.Millisecond
	orderMgr := order.NewManager(orderCfg, riskMgr, st, gw, limiter, queries, bus)

	recon := reconciliation.NewService(reconciliation.DefaultConfig(), gw, limiter, st, queries, locks, ks, bus)

	return NewServer(bus, queries, riskMgr, orderMgr, st, recon, alerts, notify.NewHub(),
		SystemMeta{DryRun: true, Venue: "sim", Version: "test"})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPlaceSignalEndToEnd(t *testing.T) {
	s := newTestServer(t)

	sig := map[string]any{
		"id": uuid.NewString(), "symbol": "BTCUSDT", "direction": "long",
		"entry_price": 50000, "stop_loss": 49000, "take_profit_1": 51000,
		"risk_r": 1.0, "size_base": 0.5,
		"created_at": time.Now().Format(time.RFC3339Nano),
	}
	w := doJSON(t, s, http.MethodPost, "/api/signals", sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res order.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, order.OutcomeFilled, res.Outcome)
	assert.NotEmpty(t, res.PositionID)

	w = doJSON(t, s, http.MethodGet, "/api/positions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), res.PositionID)
}

func TestPlaceSignalValidation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/signals", map[string]any{"symbol": "BTCUSDT"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/signals", map[string]any{
		"id": "x", "symbol": "BTCUSDT", "direction": "sideways", "size_base": 1,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKillSwitchLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/killswitch/engage", map[string]any{"reason": "drill"})
	require.Equal(t, http.StatusOK, w.Code)

	// Signals are denied while tripped.
	sig := map[string]any{
		"id": uuid.NewString(), "symbol": "ETHUSDT", "direction": "long",
		"entry_price": 3000, "size_base": 1, "risk_r": 0.5,
		"created_at": time.Now().Format(time.RFC3339Nano),
	}
	w = doJSON(t, s, http.MethodPost, "/api/signals", sig)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "kill_switch_active")

	w = doJSON(t, s, http.MethodPost, "/api/killswitch/clear", map[string]any{"operator": "tester"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/killswitch", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"engaged":false`)
}

func TestRunReconciliationEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/reconciliation/run", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"Ran":true`)
}

func TestRiskLimitsRoundTrip(t *testing.T) {
	s := newTestServer(t)

	limits := risk.DefaultLimits()
	limits.MaxConcurrentPositions = 9
	w := doJSON(t, s, http.MethodPut, "/api/risk/limits", limits)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/risk/limits", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"max_concurrent_positions":9`)

	w = doJSON(t, s, http.MethodPut, "/api/risk/limits", map[string]any{"max_concurrent_positions": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
