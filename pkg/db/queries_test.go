package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueries(t *testing.T) *Queries {
	t.Helper()
	database, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	return NewQueries(database.DB)
}

func samplePosition() Position {
	return Position{
		ID:          uuid.NewString(),
		SignalID:    uuid.NewString(),
		Symbol:      "BTCUSDT",
		Direction:   "long",
		Status:      StatusOpen,
		EntryPrice:  50000,
		SizeBase:    0.5,
		RiskR:       1.0,
		TakeProfit1: 51000,
		TakeProfit2: 52000,
		TakeProfit3: 53000,
		StopLoss:    49000,
		OpenedAt:    time.Now().UTC(),
	}
}

func TestInsertGetPosition(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, q.InsertPosition(ctx, p))

	got, err := q.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Symbol, got.Symbol)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, p.StopLoss, got.StopLoss)

	_, err = q.GetPosition(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePositionStatusConditional(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, q.InsertPosition(ctx, p))

	ok, err := q.UpdatePositionStatus(ctx, p.ID, StatusOpen, StatusClosing)
	require.NoError(t, err)
	assert.True(t, ok)

	// The expected status no longer matches, so the second transition loses.
	ok, err = q.UpdatePositionStatus(ctx, p.ID, StatusOpen, StatusError)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosing, got.Status)
}

func TestApplyFillAndRescale(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, q.InsertPosition(ctx, p))

	require.NoError(t, q.ApplyFill(ctx, p.ID, 0.35, 50010, 0.7, 2.0, 1.25))
	require.NoError(t, q.RescaleTargets(ctx, p.ID, 50900, 51800, 52700, 49100))

	got, err := q.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, got.ExecutedSizeBase, 1e-9)
	assert.InDelta(t, 0.7, got.FillRatio, 1e-9)
	assert.InDelta(t, 2.0, got.SlippageEntryBps, 1e-9)
	assert.InDelta(t, 1.25, got.Fees, 1e-9)
	assert.InDelta(t, 50900, got.TakeProfit1, 1e-9)
	assert.InDelta(t, 49100, got.StopLoss, 1e-9)
}

func TestClosePositionAndRollingWindow(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, q.InsertPosition(ctx, p))

	_, err := q.UpdatePositionStatus(ctx, p.ID, StatusOpen, StatusClosing)
	require.NoError(t, err)

	ok, err := q.ClosePosition(ctx, p.ID, StatusClosing, 125.5, 2.1, "take_profit")
	require.NoError(t, err)
	assert.True(t, ok)

	// Already closed, a second close is a no-op.
	ok, err = q.ClosePosition(ctx, p.ID, StatusClosing, 0, 0, "duplicate")
	require.NoError(t, err)
	assert.False(t, ok)

	closed, err := q.ClosedPositionsSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.InDelta(t, 125.5, closed[0].RealizedPnL, 1e-9)
	assert.Equal(t, "take_profit", closed[0].CloseReason)

	closed, err = q.ClosedPositionsSince(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestListPositionsByStatus(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	open := samplePosition()
	require.NoError(t, q.InsertPosition(ctx, open))

	errored := samplePosition()
	errored.Status = StatusError
	require.NoError(t, q.InsertPosition(ctx, errored))

	got, err := q.ListPositionsByStatus(ctx, StatusOpen, StatusClosing)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)
}

func TestAppendLogs(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.AppendReconciliation(ctx, ReconciliationRecord{
		Severity:    SeverityWarning,
		Kind:        "size_mismatch",
		Symbol:      "ETHUSDT",
		PositionID:  "pos-1",
		Description: "local 1.0 vs exchange 0.9",
	}))
	recs, err := q.RecentReconciliations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, SeverityWarning, recs[0].Severity)

	require.NoError(t, q.AppendRejectedOrder(ctx, RejectedOrder{
		SignalID:  "sig-1",
		Symbol:    "ETHUSDT",
		Direction: "short",
		Reason:    "anti_churn",
	}))
	rejects, err := q.RecentRejectedOrders(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rejects, 1)
	assert.Equal(t, "anti_churn", rejects[0].Reason)

	require.NoError(t, q.AppendKillSwitchEvent(ctx, KillSwitchEvent{
		Action:      "engage",
		TriggerKind: "reconciliation_critical",
		Detail:      "unknown exchange position BTCUSDT",
	}))
}

func TestRiskLimitsSnapshot(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	_, err := q.LoadRiskLimits(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, q.SaveRiskLimits(ctx, `{"max_concurrent_positions":5}`))
	require.NoError(t, q.SaveRiskLimits(ctx, `{"max_concurrent_positions":7}`))

	payload, err := q.LoadRiskLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"max_concurrent_positions":7}`, payload)
}

func TestClosedAtNullableRoundTrip(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, q.InsertPosition(ctx, p))

	// An open position has no closed_at; the read-back must not choke on
	// the NULL and must leave the zero value in place.
	got, err := q.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.ClosedAt.IsZero())

	ok, err := q.ClosePosition(ctx, p.ID, StatusOpen, 12.5, 1.0, "manual")
	require.NoError(t, err)
	require.True(t, ok)

	got, err = q.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.ClosedAt.IsZero())
}

func TestApplyFillSkipsTerminalPosition(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	p := samplePosition()
	require.NoError(t, q.InsertPosition(ctx, p))
	require.NoError(t, q.ApplyFill(ctx, p.ID, 0.5, 50010, 1.0, 2.0, 10))

	ok, err := q.ClosePosition(ctx, p.ID, StatusOpen, 25, 1.5, "manual")
	require.NoError(t, err)
	require.True(t, ok)

	// A fill that lands after the close must leave the settled row alone.
	require.NoError(t, q.ApplyFill(ctx, p.ID, 0.9, 50500, 1.0, 5.0, 99))

	got, err := q.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.ExecutedSizeBase, 1e-9)
	assert.InDelta(t, 50010, got.AvgFillPrice, 1e-9)
	assert.InDelta(t, 10, got.Fees, 1e-9)
}
