package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS master_traders (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    strategy TEXT NOT NULL DEFAULT '',
    risk_level TEXT NOT NULL DEFAULT 'medium',
    verified INTEGER DEFAULT 0,
    fee_rate REAL DEFAULT 0,
    notional_capital REAL DEFAULT 0,
    max_followers INTEGER DEFAULT 0,
    accepting_followers INTEGER DEFAULT 1,
    follower_count INTEGER DEFAULT 0,
    total_return REAL DEFAULT 0,
    sharpe_ratio REAL DEFAULT 0,
    max_drawdown REAL DEFAULT 0,
    win_rate REAL DEFAULT 0,
    profit_factor REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    follower_id TEXT NOT NULL,
    master_id TEXT NOT NULL,
    connection_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    allocated_capital REAL NOT NULL,
    sizing_policy TEXT NOT NULL DEFAULT 'proportional',
    fixed_qty REAL DEFAULT 0,
    max_position_size REAL DEFAULT 0,
    -- risk limits (embedded)
    max_daily_loss REAL DEFAULT 0,
    max_drawdown REAL DEFAULT 0,
    allowed_symbols TEXT DEFAULT '',
    leverage_caps TEXT DEFAULT '{}',
    auto_liquidate_at REAL DEFAULT 0,
    max_correlation REAL DEFAULT 0,
    circuit_breaker INTEGER DEFAULT 0,
    -- replication settings
    target_delay_ms INTEGER DEFAULT 100,
    allow_partial_fills INTEGER DEFAULT 1,
    max_slippage REAL DEFAULT 0,
    -- counters (aggregator only)
    total_trades INTEGER DEFAULT 0,
    successful_trades INTEGER DEFAULT 0,
    failed_trades INTEGER DEFAULT 0,
    total_pnl REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME,
    FOREIGN KEY(master_id) REFERENCES master_traders(id)
);

-- One live follow per (follower, master); unfollow is a logical delete.
CREATE UNIQUE INDEX IF NOT EXISTS idx_relationships_live
    ON relationships(follower_id, master_id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS trade_signals (
    id TEXT PRIMARY KEY,
    master_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity REAL NOT NULL,
    price REAL DEFAULT 0,
    order_type TEXT NOT NULL DEFAULT 'MARKET',
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    leverage REAL DEFAULT 1,
    platform TEXT NOT NULL,
    master_capital REAL DEFAULT 0,
    ts DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_signals_master ON trade_signals(master_id, ts);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    relationship_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    reason TEXT DEFAULT '',
    quantity REAL DEFAULT 0,
    retry_count INTEGER DEFAULT 0,
    replication_delay_ms INTEGER DEFAULT 0,
    slippage REAL DEFAULT 0,
    fill_quality REAL DEFAULT 0,
    sla_breach INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(signal_id) REFERENCES trade_signals(id),
    FOREIGN KEY(relationship_id) REFERENCES relationships(id)
);

-- Idempotent fan-out: at most one non-cancelled session per (signal, relationship).
-- Enforced here rather than in memory so concurrent dispatchers stay safe.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_pair
    ON sessions(signal_id, relationship_id) WHERE status != 'cancelled';

CREATE INDEX IF NOT EXISTS idx_sessions_relationship ON sessions(relationship_id, status);

CREATE TABLE IF NOT EXISTS execution_results (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    signal_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    platform TEXT NOT NULL,
    success INTEGER NOT NULL,
    filled_qty REAL DEFAULT 0,
    filled_price REAL DEFAULT 0,
    remaining REAL DEFAULT 0,
    fees REAL DEFAULT 0,
    error_msg TEXT DEFAULT '',
    delay_ms INTEGER DEFAULT 0,
    slippage REAL DEFAULT 0,
    terminal INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_results_session ON execution_results(session_id, attempt);

CREATE TABLE IF NOT EXISTS platform_connections (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    platform TEXT NOT NULL,
    conn_type TEXT NOT NULL DEFAULT 'api_key',
    active INTEGER DEFAULT 1,
    sync_status TEXT NOT NULL DEFAULT 'connected',
    rate_budget INTEGER DEFAULT 60,
    rate_reset_at DATETIME,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS global_risk_limits (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    max_daily_loss REAL DEFAULT 0,
    max_drawdown REAL DEFAULT 0,
    allowed_symbols TEXT DEFAULT '',
    leverage_caps TEXT DEFAULT '{}',
    auto_liquidate_at REAL DEFAULT 0,
    max_correlation REAL DEFAULT 0,
    circuit_breaker INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS performance_metrics (
    scope TEXT NOT NULL,
    key TEXT NOT NULL,
    total_trades INTEGER DEFAULT 0,
    successful INTEGER DEFAULT 0,
    failed INTEGER DEFAULT 0,
    success_rate REAL DEFAULT 0,
    avg_delay_ms REAL DEFAULT 0,
    total_pnl REAL DEFAULT 0,
    daily_pnl REAL DEFAULT 0,
    daily_date TEXT DEFAULT '',
    peak_pnl REAL DEFAULT 0,
    max_drawdown REAL DEFAULT 0,
    sharpe_ratio REAL DEFAULT 0,
    win_rate REAL DEFAULT 0,
    profit_factor REAL DEFAULT 0,
    sla_breaches INTEGER DEFAULT 0,
    gross_profit REAL DEFAULT 0,
    gross_loss REAL DEFAULT 0,
    return_mean REAL DEFAULT 0,
    return_m2 REAL DEFAULT 0,
    return_samples INTEGER DEFAULT 0,
    delay_total REAL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(scope, key)
);

-- At-least-once aggregation ledger; one row per applied (session, attempt).
CREATE TABLE IF NOT EXISTS aggregated_events (
    session_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(session_id, attempt)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "sessions", "sla_breach", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "relationships", "connection_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "platform_connections", "rate_budget", "INTEGER DEFAULT 60"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "master_traders", "profit_factor", "REAL DEFAULT 0"); err != nil {
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
