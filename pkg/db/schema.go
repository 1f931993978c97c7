package db

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	entry_price REAL NOT NULL,
	avg_fill_price REAL DEFAULT 0,
	size_base REAL NOT NULL,
	executed_size_base REAL DEFAULT 0,
	fill_ratio REAL DEFAULT 0,
	risk_r REAL DEFAULT 0,
	take_profit_1 REAL DEFAULT 0,
	take_profit_2 REAL DEFAULT 0,
	take_profit_3 REAL DEFAULT 0,
	stop_loss REAL DEFAULT 0,
	slippage_entry_bps REAL DEFAULT 0,
	slippage_exit_bps REAL DEFAULT 0,
	fees REAL DEFAULT 0,
	realized_pnl REAL DEFAULT 0,
	close_reason TEXT DEFAULT '',
	opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	closed_at DATETIME,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS reconciliation_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	severity TEXT NOT NULL,
	kind TEXT NOT NULL,
	symbol TEXT DEFAULT '',
	position_id TEXT DEFAULT '',
	description TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_recon_created ON reconciliation_log(created_at);

CREATE TABLE IF NOT EXISTS rejected_orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	reason TEXT NOT NULL,
	exchange_code INTEGER DEFAULT 0,
	exchange_message TEXT DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS risk_limits (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS kill_switch_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	detail TEXT DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Migrate creates all tables and applies additive column migrations.
func (d *Database) Migrate() error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Additive migrations for databases created before these columns existed.
	if err := ensureColumn(d.DB, "positions", "close_reason", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "positions", "slippage_exit_bps", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "reconciliation_log", "position_id", "TEXT DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
