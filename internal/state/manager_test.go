package state

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/db"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	database, err := db.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate())
	return NewManager(db.NewQueries(database.DB))
}

func openPosition(symbol, direction string) db.Position {
	return db.Position{
		ID:         uuid.NewString(),
		SignalID:   uuid.NewString(),
		Symbol:     symbol,
		Direction:  direction,
		Status:     db.StatusOpen,
		EntryPrice: 50000,
		SizeBase:   1,
		RiskR:      1,
		OpenedAt:   time.Now().UTC(),
	}
}

func TestOpenAndSnapshot(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	p := openPosition("BTCUSDT", "long")
	require.NoError(t, m.Open(ctx, p))

	got, ok := m.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", got.Symbol)

	view := m.OpenPositions()
	require.Len(t, view, 1)
	assert.Equal(t, p.ID, view[0].ID)
	assert.InDelta(t, 1, view[0].RiskR, 1e-9)
}

func TestLoadSeedsOnlyLivePositions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	live := openPosition("BTCUSDT", "long")
	require.NoError(t, m.Open(ctx, live))

	dead := openPosition("ETHUSDT", "short")
	require.NoError(t, m.Open(ctx, dead))
	_, err := m.Close(ctx, dead.ID, db.StatusOpen, 10, 1, "take_profit")
	require.NoError(t, err)

	fresh := NewManager(m.queries)
	require.NoError(t, fresh.Load(ctx))
	assert.Len(t, fresh.Snapshot(), 1)
}

func TestConditionalStatusTransition(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	p := openPosition("BTCUSDT", "long")
	require.NoError(t, m.Open(ctx, p))

	ok, err := m.UpdateStatus(ctx, p.ID, db.StatusOpen, db.StatusClosing)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.UpdateStatus(ctx, p.ID, db.StatusOpen, db.StatusError)
	require.NoError(t, err)
	assert.False(t, ok)

	got, found := m.Get(p.ID)
	require.True(t, found)
	assert.Equal(t, db.StatusClosing, got.Status)
}

func TestTerminalStatusEvicts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	p := openPosition("BTCUSDT", "long")
	require.NoError(t, m.Open(ctx, p))

	ok, err := m.UpdateStatus(ctx, p.ID, db.StatusOpen, db.StatusFailedUnderfill)
	require.NoError(t, err)
	require.True(t, ok)

	_, found := m.Get(p.ID)
	assert.False(t, found)
	assert.Empty(t, m.OpenPositions())
}

func TestApplyFillUpdatesCacheAndDB(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	p := openPosition("BTCUSDT", "long")
	require.NoError(t, m.Open(ctx, p))
	require.NoError(t, m.ApplyFill(ctx, p.ID, 0.7, 50012, 0.7, 2.4, 0.9))

	got, _ := m.Get(p.ID)
	assert.InDelta(t, 0.7, got.FillRatio, 1e-9)

	persisted, err := m.queries.GetPosition(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50012, persisted.AvgFillPrice, 1e-9)
}

func TestCloseEvictsAndGuards(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	p := openPosition("BTCUSDT", "long")
	require.NoError(t, m.Open(ctx, p))

	ok, err := m.Close(ctx, p.ID, db.StatusOpen, 42.0, 1.5, "manual")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Close(ctx, p.ID, db.StatusOpen, 0, 0, "duplicate")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found := m.Get(p.ID)
	assert.False(t, found)
}
