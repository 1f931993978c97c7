package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Queries provides typed access to the execution tables.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance over an open database.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Positions
// ----------------------------------------

// InsertPosition stores a freshly opened position.
func (q *Queries) InsertPosition(ctx context.Context, p Position) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (
			id, signal_id, symbol, direction, status,
			entry_price, avg_fill_price, size_base, executed_size_base, fill_ratio,
			risk_r, take_profit_1, take_profit_2, take_profit_3, stop_loss,
			slippage_entry_bps, fees, opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.SignalID, p.Symbol, p.Direction, p.Status,
		p.EntryPrice, p.AvgFillPrice, p.SizeBase, p.ExecutedSizeBase, p.FillRatio,
		p.RiskR, p.TakeProfit1, p.TakeProfit2, p.TakeProfit3, p.StopLoss,
		p.SlippageEntryBps, p.Fees, p.OpenedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// GetPosition returns a single position by id.
func (q *Queries) GetPosition(ctx context.Context, id string) (Position, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, signal_id, symbol, direction, status,
			entry_price, avg_fill_price, size_base, executed_size_base, fill_ratio,
			risk_r, take_profit_1, take_profit_2, take_profit_3, stop_loss,
			slippage_entry_bps, slippage_exit_bps, fees, realized_pnl, close_reason,
			opened_at, closed_at, updated_at
		FROM positions WHERE id = ?
	`, id)
	return scanPosition(row)
}

// ListPositionsByStatus returns positions in one of the given statuses,
// newest first.
func (q *Queries) ListPositionsByStatus(ctx context.Context, statuses ...string) ([]Position, error) {
	if len(statuses) == 0 {
		return nil, errors.New("at least one status required")
	}
	query := `
		SELECT id, signal_id, symbol, direction, status,
			entry_price, avg_fill_price, size_base, executed_size_base, fill_ratio,
			risk_r, take_profit_1, take_profit_2, take_profit_3, stop_loss,
			slippage_entry_bps, slippage_exit_bps, fees, realized_pnl, close_reason,
			opened_at, closed_at, updated_at
		FROM positions WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)
		ORDER BY opened_at DESC`
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// UpdatePositionStatus transitions a position only if it is still in the
// expected status. Returns false when another writer got there first.
func (q *Queries) UpdatePositionStatus(ctx context.Context, id, expect, next string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE positions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, next, time.Now().UTC(), id, expect)
	if err != nil {
		return false, fmt.Errorf("update position status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ApplyFill records executed size and average price on a still-live
// position. Terminal rows are left untouched so late fills cannot rewrite
// settled economics.
func (q *Queries) ApplyFill(ctx context.Context, id string, executedSizeBase, avgFillPrice, fillRatio, slippageEntryBps, fees float64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE positions
		SET executed_size_base = ?, avg_fill_price = ?, fill_ratio = ?,
			slippage_entry_bps = ?, fees = fees + ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, executedSizeBase, avgFillPrice, fillRatio, slippageEntryBps, fees, time.Now().UTC(), id, StatusOpen, StatusClosing)
	if err != nil {
		return fmt.Errorf("apply fill: %w", err)
	}
	return nil
}

// RescaleTargets overwrites take-profit and stop-loss levels, used after a
// partial fill is accepted at reduced size.
func (q *Queries) RescaleTargets(ctx context.Context, id string, tp1, tp2, tp3, sl float64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE positions
		SET take_profit_1 = ?, take_profit_2 = ?, take_profit_3 = ?, stop_loss = ?, updated_at = ?
		WHERE id = ?
	`, tp1, tp2, tp3, sl, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("rescale targets: %w", err)
	}
	return nil
}

// ClosePosition finalizes a position if it is still in the expected status.
func (q *Queries) ClosePosition(ctx context.Context, id, expect string, pnl, slippageExitBps float64, reason string) (bool, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE positions
		SET status = ?, realized_pnl = ?, slippage_exit_bps = ?, close_reason = ?,
			closed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, StatusClosed, pnl, slippageExitBps, reason, now, now, id, expect)
	if err != nil {
		return false, fmt.Errorf("close position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClosedPositionsSince returns closed positions finalized after the cutoff,
// oldest first, for rolling metric computation.
func (q *Queries) ClosedPositionsSince(ctx context.Context, cutoff time.Time) ([]Position, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, signal_id, symbol, direction, status,
			entry_price, avg_fill_price, size_base, executed_size_base, fill_ratio,
			risk_r, take_profit_1, take_profit_2, take_profit_3, stop_loss,
			slippage_entry_bps, slippage_exit_bps, fees, realized_pnl, close_reason,
			opened_at, closed_at, updated_at
		FROM positions
		WHERE status = ? AND closed_at >= ?
		ORDER BY closed_at ASC
	`, StatusClosed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query closed positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ----------------------------------------
// Reconciliation log
// ----------------------------------------

// AppendReconciliation records one mismatch finding. The log is append-only.
func (q *Queries) AppendReconciliation(ctx context.Context, r ReconciliationRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO reconciliation_log (severity, kind, symbol, position_id, description)
		VALUES (?, ?, ?, ?, ?)
	`, r.Severity, r.Kind, r.Symbol, r.PositionID, r.Description)
	if err != nil {
		return fmt.Errorf("append reconciliation: %w", err)
	}
	return nil
}

// RecentReconciliations returns the newest records up to limit.
func (q *Queries) RecentReconciliations(ctx context.Context, limit int) ([]ReconciliationRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, severity, kind, symbol, position_id, description, created_at
		FROM reconciliation_log
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation log: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationRecord
	for rows.Next() {
		var r ReconciliationRecord
		if err := rows.Scan(&r.ID, &r.Severity, &r.Kind, &r.Symbol, &r.PositionID, &r.Description, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Rejected orders
// ----------------------------------------

// AppendRejectedOrder records an order refused before or at the exchange.
func (q *Queries) AppendRejectedOrder(ctx context.Context, r RejectedOrder) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO rejected_orders (signal_id, symbol, direction, reason, exchange_code, exchange_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.SignalID, r.Symbol, r.Direction, r.Reason, r.ExchangeCode, r.ExchangeMessage)
	if err != nil {
		return fmt.Errorf("append rejected order: %w", err)
	}
	return nil
}

// RecentRejectedOrders returns the newest rejections up to limit.
func (q *Queries) RecentRejectedOrders(ctx context.Context, limit int) ([]RejectedOrder, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, signal_id, symbol, direction, reason, exchange_code, exchange_message, created_at
		FROM rejected_orders
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rejected orders: %w", err)
	}
	defer rows.Close()

	var out []RejectedOrder
	for rows.Next() {
		var r RejectedOrder
		if err := rows.Scan(&r.ID, &r.SignalID, &r.Symbol, &r.Direction, &r.Reason, &r.ExchangeCode, &r.ExchangeMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rejected order: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Kill switch log
// ----------------------------------------

// AppendKillSwitchEvent records an engage or clear action.
func (q *Queries) AppendKillSwitchEvent(ctx context.Context, e KillSwitchEvent) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO kill_switch_log (action, trigger_kind, detail)
		VALUES (?, ?, ?)
	`, e.Action, e.TriggerKind, e.Detail)
	if err != nil {
		return fmt.Errorf("append kill switch event: %w", err)
	}
	return nil
}

// ----------------------------------------
// Risk limits snapshot
// ----------------------------------------

// SaveRiskLimits upserts the single-row limits snapshot. The payload is
// opaque JSON owned by the caller.
func (q *Queries) SaveRiskLimits(ctx context.Context, payload string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO risk_limits (id, payload, updated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP
	`, payload)
	if err != nil {
		return fmt.Errorf("save risk limits: %w", err)
	}
	return nil
}

// LoadRiskLimits returns the persisted limits snapshot, or ErrNotFound
// when none has been saved.
func (q *Queries) LoadRiskLimits(ctx context.Context) (string, error) {
	var payload string
	err := q.db.QueryRowContext(ctx, `SELECT payload FROM risk_limits WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load risk limits: %w", err)
	}
	return payload, nil
}

// ----------------------------------------
// Helpers
// ----------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (Position, error) {
	var p Position
	var closedAt sql.NullTime
	err := row.Scan(&p.ID, &p.SignalID, &p.Symbol, &p.Direction, &p.Status,
		&p.EntryPrice, &p.AvgFillPrice, &p.SizeBase, &p.ExecutedSizeBase, &p.FillRatio,
		&p.RiskR, &p.TakeProfit1, &p.TakeProfit2, &p.TakeProfit3, &p.StopLoss,
		&p.SlippageEntryBps, &p.SlippageExitBps, &p.Fees, &p.RealizedPnL, &p.CloseReason,
		&p.OpenedAt, &closedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, fmt.Errorf("scan position: %w", err)
	}
	if closedAt.Valid {
		p.ClosedAt = closedAt.Time
	}
	return p, nil
}

func scanPositions(rows *sql.Rows) ([]Position, error) {
	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}
