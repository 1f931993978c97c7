package order

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/kv"
)

// fakeGateway fills at a scripted ratio per attempt and records submissions.
type fakeGateway struct {
	ratios    []float64 // consumed one per SubmitOrder
	rejectErr error
	funding   float64

	submits    int
	cancels    int
	reduceOnly []exchange.OrderRequest
	orders     map[string]exchange.FillSummary
	fillChan   chan exchange.Fill
}

func newFakeGateway(ratios ...float64) *fakeGateway {
	return &fakeGateway{
		ratios:   ratios,
		orders:   make(map[string]exchange.FillSummary),
		fillChan: make(chan exchange.Fill, 16),
	}
}

func (g *fakeGateway) SubmitOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if g.rejectErr != nil {
		return exchange.OrderResult{}, g.rejectErr
	}
	if req.ReduceOnly {
		g.reduceOnly = append(g.reduceOnly, req)
	}
	ratio := 1.0
	if g.submits < len(g.ratios) {
		ratio = g.ratios[g.submits]
	}
	g.submits++

	id := uuid.NewString()
	filled := req.Qty * ratio
	status := exchange.StatusFilled
	if filled <= 0 {
		status = exchange.StatusCanceled
	} else if filled < req.Qty {
		status = exchange.StatusPartial
	}
	g.orders[id] = exchange.FillSummary{
		ExchangeOrderID: id,
		Status:          status,
		RequestedQty:    req.Qty,
		FilledQty:       filled,
		AvgFillPrice:    req.Price * 1.0002,
		Fee:             filled * req.Price * 0.0004,
	}
	return exchange.OrderResult{ExchangeOrderID: id, Status: status, ClientID: req.ClientID}, nil
}

func (g *fakeGateway) CancelOrder(context.Context, string, string) error {
	g.cancels++
	return nil
}

func (g *fakeGateway) GetOrderStatus(_ context.Context, _, id string) (exchange.FillSummary, error) {
	s, ok := g.orders[id]
	if !ok {
		return exchange.FillSummary{}, exchange.NewAPIError(110001, "order not found")
	}
	return s, nil
}

func (g *fakeGateway) GetOpenPositions(context.Context) ([]exchange.ExchangePosition, error) {
	return nil, nil
}

func (g *fakeGateway) GetFundingRate(_ context.Context, symbol string) (exchange.FundingRate, error) {
	return exchange.FundingRate{Symbol: symbol, Rate: g.funding}, nil
}

func (g *fakeGateway) Fills() <-chan exchange.Fill { return g.fillChan }

type fixture struct {
	mgr   *Manager
	state *state.Manager
	risk  *risk.Manager
	gw    *fakeGateway
}

func newFixture(t *testing.T, cfg Config, gw *fakeGateway) *fixture {
	t.Helper()
	database, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	queries := db.NewQueries(database.DB)

	st := state.NewManager(queries)
	store := kv.NewMemoryStore()
	riskMgr := risk.NewManager(risk.DefaultLimits(), store, nil, st, nil)
	limiter := exchange.NewRateLimiter(exchange.DefaultRateLimits())

	cfg.FillPollInterval = 5 * time.Millisecond
	cfg.FillAwaitWindow = 200 * time.Millisecond
	mgr := NewManager(cfg, riskMgr, st, gw, limiter, queries, events.NewBus())
	return &fixture{mgr: mgr, state: st, risk: riskMgr, gw: gw}
}

func signal() risk.Signal {
	return risk.Signal{
		ID:          uuid.NewString(),
		Symbol:      "BTCUSDT",
		Direction:   "long",
		EntryPrice:  50000,
		TakeProfit1: 51000,
		TakeProfit2: 52000,
		TakeProfit3: 53000,
		StopLoss:    49000,
		RiskR:       1.0,
		SizeBase:    1.0,
		CreatedAt:   time.Now(),
	}
}

func TestPlaceFullFill(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(0.97))
	res := f.mgr.Place(context.Background(), signal())

	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.InDelta(t, 0.97, res.FillRatio, 1e-9)

	pos, ok := f.state.Get(res.PositionID)
	require.True(t, ok)
	assert.Equal(t, db.StatusOpen, pos.Status)
	assert.InDelta(t, 0.97, pos.ExecutedSizeBase, 1e-9)
	assert.Greater(t, pos.SlippageEntryBps, 0.0)
}

func TestPlacePartialAccepted(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(0.7))
	res := f.mgr.Place(context.Background(), signal())

	assert.Equal(t, OutcomePartialAccepted, res.Outcome)
	assert.InDelta(t, 0.7, res.FillRatio, 1e-9)

	pos, ok := f.state.Get(res.PositionID)
	require.True(t, ok)
	assert.Equal(t, db.StatusOpen, pos.Status)
	// Targets re-anchored at the achieved price keep their planned distances.
	shift := pos.AvgFillPrice - 50000
	assert.InDelta(t, 51000+shift, pos.TakeProfit1, 1e-6)
	assert.InDelta(t, 49000+shift, pos.StopLoss, 1e-6)
}

func TestPlaceUnderfill(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(0.4))
	res := f.mgr.Place(context.Background(), signal())

	assert.Equal(t, OutcomeUnderfill, res.Outcome)
	assert.InDelta(t, 0.4, res.FillRatio, 1e-9)

	_, ok := f.state.Get(res.PositionID)
	assert.False(t, ok, "underfilled position must leave the live set")

	// The pair frees up immediately; nothing was opened.
	res2 := f.mgr.Place(context.Background(), signal())
	assert.Equal(t, OutcomeFilled, res2.Outcome)
}

func TestUnderfillFlattensResidual(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(0.4))
	res := f.mgr.Place(context.Background(), signal())
	require.Equal(t, OutcomeUnderfill, res.Outcome)

	// The 40% entry fill must not stay live on the exchange.
	require.Len(t, f.gw.reduceOnly, 1)
	req := f.gw.reduceOnly[0]
	assert.Equal(t, exchange.SideSell, req.Side)
	assert.InDelta(t, 0.4, req.Qty, 1e-9)
	assert.Equal(t, res.PositionID+":close", req.ClientID)

	_, ok := f.state.Get(res.PositionID)
	assert.False(t, ok)
}

func TestPlaceRetryPolicyAccumulates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PartialFillPolicy = PolicyRetry
	cfg.MaxRetryAttempts = 2

	// First attempt fills 60% of 1.0, second fills 90% of the remaining 0.4.
	f := newFixture(t, cfg, newFakeGateway(0.6, 0.9))
	res := f.mgr.Place(context.Background(), signal())

	assert.Equal(t, 2, f.gw.submits)
	assert.Equal(t, OutcomeFilled, res.Outcome)
	assert.InDelta(t, 0.96, res.FillRatio, 1e-9)
}

func TestPlaceDeniedByAdmission(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(1.0))
	ctx := context.Background()

	first := f.mgr.Place(ctx, signal())
	require.Equal(t, OutcomeFilled, first.Outcome)

	// Same pair inside the anti-churn window.
	res := f.mgr.Place(ctx, signal())
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Equal(t, risk.ReasonAntiChurn, res.Reason)
	assert.Equal(t, 1, f.gw.submits, "denied signal must not reach the exchange")
}

func TestPlaceExpiredSignal(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(1.0))
	sig := signal()
	sig.CreatedAt = time.Now().Add(-time.Minute)

	res := f.mgr.Place(context.Background(), sig)
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Equal(t, risk.ReasonSignalExpired, res.Reason)
	assert.Zero(t, f.gw.submits)
}

func TestPlaceTerminalExchangeRejection(t *testing.T) {
	gw := newFakeGateway()
	gw.rejectErr = exchange.NewAPIError(110007, "insufficient available balance")
	f := newFixture(t, DefaultConfig(), gw)

	res := f.mgr.Place(context.Background(), signal())
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, reasonExchangeReject, res.Reason)

	// Terminal rejection frees the anti-churn pair for the next signal.
	gw.rejectErr = nil
	res2 := f.mgr.Place(context.Background(), signal())
	assert.Equal(t, OutcomeFilled, res2.Outcome)
}

func TestPlaceFundingVeto(t *testing.T) {
	gw := newFakeGateway(1.0)
	gw.funding = 0.01 // 1% paid by longs
	f := newFixture(t, DefaultConfig(), gw)

	res := f.mgr.Place(context.Background(), signal())
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Equal(t, reasonFundingRate, res.Reason)
	assert.Zero(t, f.gw.submits)

	// Shorts collect that funding; same rate must not veto a short.
	sig := signal()
	sig.Direction = "short"
	res = f.mgr.Place(context.Background(), sig)
	assert.Equal(t, OutcomeFilled, res.Outcome)
}

func TestCloseRealizesPnL(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(1.0))
	ctx := context.Background()

	res := f.mgr.Place(ctx, signal())
	require.Equal(t, OutcomeFilled, res.Outcome)

	require.NoError(t, f.mgr.Close(ctx, res.PositionID, "manual"))

	_, ok := f.state.Get(res.PositionID)
	assert.False(t, ok)

	// Closing releases the anti-churn pair.
	res2 := f.mgr.Place(ctx, signal())
	assert.Equal(t, OutcomeFilled, res2.Outcome)
}

func TestCloseUnknownPosition(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(1.0))
	err := f.mgr.Close(context.Background(), "nope", "manual")
	assert.Error(t, err)
}

func TestClassifyFill(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, OutcomeUnderfill, classifyFill(0.0, cfg))
	assert.Equal(t, OutcomeUnderfill, classifyFill(0.49, cfg))
	assert.Equal(t, OutcomePartialAccepted, classifyFill(0.5, cfg))
	assert.Equal(t, OutcomePartialAccepted, classifyFill(0.94, cfg))
	assert.Equal(t, OutcomeFilled, classifyFill(0.95, cfg))
	assert.Equal(t, OutcomeFilled, classifyFill(1.0, cfg))
}

func TestFillTrackerFoldsAsyncFills(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(1.0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := f.mgr.Place(ctx, signal())
	require.Equal(t, OutcomeFilled, res.Outcome)

	tracker := NewFillTracker(f.state, f.gw)
	go tracker.Run(ctx)

	// A late fee-bearing fill for the same client id tops up the position.
	f.gw.fillChan <- exchange.Fill{
		ClientID: res.PositionID,
		Symbol:   "BTCUSDT",
		Qty:      0.0,
		Price:    50010,
		Fee:      0.5,
	}

	require.Eventually(t, func() bool {
		pos, ok := f.state.Get(res.PositionID)
		return ok && pos.Fees > 20 // placement fee plus the streamed fee
	}, time.Second, 10*time.Millisecond)
}

func TestFillTrackerIgnoresUnknownAndCloseFills(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newFakeGateway(1.0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker := NewFillTracker(f.state, f.gw)
	go tracker.Run(ctx)

	f.gw.fillChan <- exchange.Fill{ClientID: "unknown", Qty: 1, Price: 100}
	f.gw.fillChan <- exchange.Fill{ClientID: "pos-1:close", Qty: 1, Price: 100}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.state.Snapshot())
}
