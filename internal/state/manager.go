// Package state keeps the in-memory position view the admission gate reads,
// persisting every mutation to the database for durability.
package state

import (
	"context"
	"fmt"
	"sync"

	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

// Manager caches live positions keyed by position id. The database is the
// source of truth; the cache exists so admission never blocks on a query.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]db.Position
	queries   *db.Queries
}

func NewManager(queries *db.Queries) *Manager {
	return &Manager{
		queries:   queries,
		positions: make(map[string]db.Position),
	}
}

// Load seeds in-memory state from the database on startup. Only live
// positions are cached.
func (m *Manager) Load(ctx context.Context) error {
	if m.queries == nil {
		return nil
	}
	positions, err := m.queries.ListPositionsByStatus(ctx, db.StatusOpen, db.StatusClosing)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]db.Position, len(positions))
	for _, p := range positions {
		m.positions[p.ID] = p
	}
	return nil
}

// Open persists and caches a freshly opened position.
func (m *Manager) Open(ctx context.Context, p db.Position) error {
	if m.queries != nil {
		if err := m.queries.InsertPosition(ctx, p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.positions[p.ID] = p
	m.mu.Unlock()
	return nil
}

// Get returns the cached position for an id.
func (m *Manager) Get(id string) (db.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	return p, ok
}

// Snapshot returns a copy of all live positions.
func (m *Manager) Snapshot() []db.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]db.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// OpenPositions supplies the admission gate's position view.
func (m *Manager) OpenPositions() []risk.OpenPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]risk.OpenPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, risk.OpenPosition{
			ID:        p.ID,
			Symbol:    p.Symbol,
			Direction: p.Direction,
			RiskR:     p.RiskR,
		})
	}
	return out
}

// UpdateStatus transitions a position only when it is still in the expected
// status, in both the database and the cache. Returns false when the
// transition lost to another writer.
func (m *Manager) UpdateStatus(ctx context.Context, id, expect, next string) (bool, error) {
	if m.queries != nil {
		ok, err := m.queries.UpdatePositionStatus(ctx, id, expect, next)
		if err != nil || !ok {
			return ok, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return true, nil
	}
	if m.queries == nil && p.Status != expect {
		return false, nil
	}
	p.Status = next
	if next == db.StatusError || next == db.StatusFailedUnderfill {
		delete(m.positions, id)
		return true, nil
	}
	m.positions[id] = p
	return true, nil
}

// ApplyFill records executed size and price on a live position.
func (m *Manager) ApplyFill(ctx context.Context, id string, executedSizeBase, avgFillPrice, fillRatio, slippageEntryBps, fees float64) error {
	if m.queries != nil {
		if err := m.queries.ApplyFill(ctx, id, executedSizeBase, avgFillPrice, fillRatio, slippageEntryBps, fees); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[id]; ok {
		p.ExecutedSizeBase = executedSizeBase
		p.AvgFillPrice = avgFillPrice
		p.FillRatio = fillRatio
		p.SlippageEntryBps = slippageEntryBps
		p.Fees += fees
		m.positions[id] = p
	}
	return nil
}

// RescaleTargets overwrites TP/SL levels after an accepted partial fill.
func (m *Manager) RescaleTargets(ctx context.Context, id string, tp1, tp2, tp3, sl float64) error {
	if m.queries != nil {
		if err := m.queries.RescaleTargets(ctx, id, tp1, tp2, tp3, sl); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[id]; ok {
		p.TakeProfit1, p.TakeProfit2, p.TakeProfit3, p.StopLoss = tp1, tp2, tp3, sl
		m.positions[id] = p
	}
	return nil
}

// Close finalizes a position and evicts it from the live cache. The expect
// status guards against double closes.
func (m *Manager) Close(ctx context.Context, id, expect string, pnl, slippageExitBps float64, reason string) (bool, error) {
	if m.queries != nil {
		ok, err := m.queries.ClosePosition(ctx, id, expect, pnl, slippageExitBps, reason)
		if err != nil || !ok {
			return ok, err
		}
	} else {
		m.mu.RLock()
		p, ok := m.positions[id]
		m.mu.RUnlock()
		if !ok || p.Status != expect {
			return false, nil
		}
	}
	m.mu.Lock()
	delete(m.positions, id)
	m.mu.Unlock()
	return true, nil
}
