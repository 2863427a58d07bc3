// Package db provides the durable store for the replication engine.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a uniqueness constraint rejects a write
	// (duplicate follow, duplicate session for a signal/relationship pair).
	ErrConflict = errors.New("conflicting record exists")
)

// Queries provides typed access to the engine's tables.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ----------------------------------------
// Master traders
// ----------------------------------------

// MasterFilter narrows and orders ListMasterTraders results.
type MasterFilter struct {
	Strategy  string
	RiskLevel string
	Search    string
	SortKey   string // total_return, sharpe_ratio, win_rate, follower_count, max_drawdown
	SortDesc  bool
	Limit     int
}

func (f *MasterFilter) normalize() {
	switch f.SortKey {
	case "total_return", "sharpe_ratio", "win_rate", "follower_count", "max_drawdown":
	default:
		f.SortKey = "total_return"
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
}

func (q *Queries) CreateMasterTrader(ctx context.Context, m MasterTrader) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO master_traders (
			id, display_name, strategy, risk_level, verified, fee_rate,
			notional_capital, max_followers, accepting_followers,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, m.ID, m.DisplayName, m.Strategy, m.RiskLevel, boolToInt(m.Verified),
		m.FeeRate, m.NotionalCapital, m.MaxFollowers, boolToInt(m.AcceptingFollowers))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert master trader: %w", err)
	}
	return nil
}

func (q *Queries) GetMasterTrader(ctx context.Context, id string) (MasterTrader, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, display_name, strategy, risk_level, verified, fee_rate,
		       notional_capital, max_followers, accepting_followers, follower_count,
		       total_return, sharpe_ratio, max_drawdown, win_rate, profit_factor,
		       created_at, updated_at
		FROM master_traders WHERE id = ?
	`, id)
	return scanMaster(row)
}

func (q *Queries) ListMasterTraders(ctx context.Context, f MasterFilter) ([]MasterTrader, error) {
	f.normalize()

	query := `
		SELECT id, display_name, strategy, risk_level, verified, fee_rate,
		       notional_capital, max_followers, accepting_followers, follower_count,
		       total_return, sharpe_ratio, max_drawdown, win_rate, profit_factor,
		       created_at, updated_at
		FROM master_traders WHERE 1=1`
	args := []any{}
	if f.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, f.Strategy)
	}
	if f.RiskLevel != "" {
		query += " AND risk_level = ?"
		args = append(args, f.RiskLevel)
	}
	if f.Search != "" {
		query += " AND display_name LIKE ?"
		args = append(args, "%"+f.Search+"%")
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	// SortKey is restricted to the whitelist in normalize.
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT ?", f.SortKey, dir)
	args = append(args, f.Limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list master traders: %w", err)
	}
	defer rows.Close()

	var out []MasterTrader
	for rows.Next() {
		m, err := scanMaster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMasterSnapshot rewrites the derived performance columns for a master.
func (q *Queries) UpdateMasterSnapshot(ctx context.Context, id string, totalReturn, sharpe, drawdown, winRate, profitFactor float64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE master_traders
		SET total_return = ?, sharpe_ratio = ?, max_drawdown = ?, win_rate = ?,
		    profit_factor = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, totalReturn, sharpe, drawdown, winRate, profitFactor, id)
	if err != nil {
		return fmt.Errorf("update master snapshot: %w", err)
	}
	return requireRow(res)
}

func (q *Queries) AdjustFollowerCount(ctx context.Context, id string, delta int) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE master_traders
		SET follower_count = MAX(0, follower_count + ?), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, delta, id)
	if err != nil {
		return fmt.Errorf("adjust follower count: %w", err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMaster(row rowScanner) (MasterTrader, error) {
	var m MasterTrader
	var verified, accepting int
	err := row.Scan(&m.ID, &m.DisplayName, &m.Strategy, &m.RiskLevel, &verified,
		&m.FeeRate, &m.NotionalCapital, &m.MaxFollowers, &accepting, &m.FollowerCount,
		&m.TotalReturn, &m.SharpeRatio, &m.MaxDrawdown, &m.WinRate, &m.ProfitFactor,
		&m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("scan master trader: %w", err)
	}
	m.Verified = verified == 1
	m.AcceptingFollowers = accepting == 1
	return m, nil
}

// ----------------------------------------
// Relationships
// ----------------------------------------

const relationshipColumns = `
	id, follower_id, master_id, connection_id, status, allocated_capital,
	sizing_policy, fixed_qty, max_position_size,
	max_daily_loss, max_drawdown, allowed_symbols, leverage_caps,
	auto_liquidate_at, max_correlation, circuit_breaker,
	target_delay_ms, allow_partial_fills, max_slippage,
	total_trades, successful_trades, failed_trades, total_pnl,
	created_at, updated_at, deleted_at`

func (q *Queries) CreateRelationship(ctx context.Context, r Relationship) error {
	caps, err := encodeLeverageCaps(r.Limits.LeverageCaps)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO relationships (
			id, follower_id, master_id, connection_id, status, allocated_capital,
			sizing_policy, fixed_qty, max_position_size,
			max_daily_loss, max_drawdown, allowed_symbols, leverage_caps,
			auto_liquidate_at, max_correlation, circuit_breaker,
			target_delay_ms, allow_partial_fills, max_slippage,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, r.ID, r.FollowerID, r.MasterID, r.ConnectionID, r.Status, r.AllocatedCapital,
		r.SizingPolicy, r.FixedQty, r.MaxPositionSize,
		r.Limits.MaxDailyLoss, r.Limits.MaxDrawdown,
		strings.Join(r.Limits.AllowedSymbols, ","), caps,
		r.Limits.AutoLiquidateAt, r.Limits.MaxCorrelation, boolToInt(r.Limits.CircuitBreaker),
		r.Replication.TargetDelayMs, boolToInt(r.Replication.AllowPartialFills), r.Replication.MaxSlippage)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

func (q *Queries) GetRelationship(ctx context.Context, id string) (Relationship, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id)
	return scanRelationship(row)
}

// ListActiveByMaster returns active, non-deleted relationships following a master.
func (q *Queries) ListActiveByMaster(ctx context.Context, masterID string) ([]Relationship, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+`
		 FROM relationships
		 WHERE master_id = ? AND status = ? AND deleted_at IS NULL
		 ORDER BY created_at`, masterID, RelationshipActive)
	if err != nil {
		return nil, fmt.Errorf("list relationships by master: %w", err)
	}
	defer rows.Close()
	return collectRelationships(rows)
}

func (q *Queries) ListByFollower(ctx context.Context, followerID string) ([]Relationship, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+`
		 FROM relationships
		 WHERE follower_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC`, followerID)
	if err != nil {
		return nil, fmt.Errorf("list relationships by follower: %w", err)
	}
	defer rows.Close()
	return collectRelationships(rows)
}

// UpdateRelationshipStatus moves a relationship through its lifecycle.
func (q *Queries) UpdateRelationshipStatus(ctx context.Context, id, status string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE relationships SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL
	`, status, id)
	if err != nil {
		return fmt.Errorf("update relationship status: %w", err)
	}
	return requireRow(res)
}

// SoftDeleteRelationship marks a relationship unfollowed; trade history is kept.
func (q *Queries) SoftDeleteRelationship(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE relationships
		SET status = ?, deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL
	`, RelationshipStopped, id)
	if err != nil {
		return fmt.Errorf("soft delete relationship: %w", err)
	}
	return requireRow(res)
}

func (q *Queries) UpdateRelationshipLimits(ctx context.Context, id string, l RiskLimits) error {
	caps, err := encodeLeverageCaps(l.LeverageCaps)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE relationships
		SET max_daily_loss = ?, max_drawdown = ?, allowed_symbols = ?, leverage_caps = ?,
		    auto_liquidate_at = ?, max_correlation = ?, circuit_breaker = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted_at IS NULL
	`, l.MaxDailyLoss, l.MaxDrawdown, strings.Join(l.AllowedSymbols, ","), caps,
		l.AutoLiquidateAt, l.MaxCorrelation, boolToInt(l.CircuitBreaker), id)
	if err != nil {
		return fmt.Errorf("update relationship limits: %w", err)
	}
	return requireRow(res)
}

// UpdateRelationshipCounters is written only by the aggregator.
func (q *Queries) UpdateRelationshipCounters(ctx context.Context, id string, total, successful, failed int, totalPnL float64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE relationships
		SET total_trades = ?, successful_trades = ?, failed_trades = ?, total_pnl = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, total, successful, failed, totalPnL, id)
	if err != nil {
		return fmt.Errorf("update relationship counters: %w", err)
	}
	return nil
}

func collectRelationships(rows *sql.Rows) ([]Relationship, error) {
	var out []Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRelationship(row rowScanner) (Relationship, error) {
	var r Relationship
	var symbols, caps string
	var partial, breaker int
	var deleted sql.NullTime
	err := row.Scan(&r.ID, &r.FollowerID, &r.MasterID, &r.ConnectionID, &r.Status,
		&r.AllocatedCapital, &r.SizingPolicy, &r.FixedQty, &r.MaxPositionSize,
		&r.Limits.MaxDailyLoss, &r.Limits.MaxDrawdown, &symbols, &caps,
		&r.Limits.AutoLiquidateAt, &r.Limits.MaxCorrelation, &breaker,
		&r.Replication.TargetDelayMs, &partial, &r.Replication.MaxSlippage,
		&r.TotalTrades, &r.SuccessfulTrades, &r.FailedTrades, &r.TotalPnL,
		&r.CreatedAt, &r.UpdatedAt, &deleted)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("scan relationship: %w", err)
	}
	r.Limits.AllowedSymbols = splitSymbols(symbols)
	r.Limits.LeverageCaps, err = decodeLeverageCaps(caps)
	if err != nil {
		return r, err
	}
	r.Limits.CircuitBreaker = breaker == 1
	r.Replication.AllowPartialFills = partial == 1
	if deleted.Valid {
		t := deleted.Time
		r.DeletedAt = &t
	}
	return r, nil
}

// ----------------------------------------
// Trade signals
// ----------------------------------------

func (q *Queries) InsertSignal(ctx context.Context, s TradeSignal) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trade_signals (
			id, master_id, symbol, side, quantity, price, order_type,
			stop_loss, take_profit, leverage, platform, master_capital, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.MasterID, s.Symbol, s.Side, s.Quantity, s.Price, s.OrderType,
		s.StopLoss, s.TakeProfit, s.Leverage, s.Platform, s.MasterCapital, s.Timestamp)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (q *Queries) GetSignal(ctx context.Context, id string) (TradeSignal, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, master_id, symbol, side, quantity, price, order_type,
		       stop_loss, take_profit, leverage, platform, master_capital, ts, created_at
		FROM trade_signals WHERE id = ?
	`, id)
	var s TradeSignal
	err := row.Scan(&s.ID, &s.MasterID, &s.Symbol, &s.Side, &s.Quantity, &s.Price,
		&s.OrderType, &s.StopLoss, &s.TakeProfit, &s.Leverage, &s.Platform,
		&s.MasterCapital, &s.Timestamp, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("scan signal: %w", err)
	}
	return s, nil
}

func (q *Queries) ListRecentSignals(ctx context.Context, limit int) ([]TradeSignal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, master_id, symbol, side, quantity, price, order_type,
		       stop_loss, take_profit, leverage, platform, master_capital, ts, created_at
		FROM trade_signals ORDER BY ts DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []TradeSignal
	for rows.Next() {
		var s TradeSignal
		if err := rows.Scan(&s.ID, &s.MasterID, &s.Symbol, &s.Side, &s.Quantity, &s.Price,
			&s.OrderType, &s.StopLoss, &s.TakeProfit, &s.Leverage, &s.Platform,
			&s.MasterCapital, &s.Timestamp, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Sessions
// ----------------------------------------

// CreateSession inserts a pending session. Returns ErrConflict when a
// non-cancelled session already exists for the (signal, relationship) pair.
func (q *Queries) CreateSession(ctx context.Context, s Session) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sessions (id, signal_id, relationship_id, status, quantity)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID, s.SignalID, s.RelationshipID, s.Status, s.Quantity)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (q *Queries) GetSession(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, signal_id, relationship_id, status, reason, quantity, retry_count,
		       replication_delay_ms, slippage, fill_quality, sla_breach, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// ClaimSession moves a pending session to executing. Returns ErrConflict when
// the session is no longer pending (cancelled or already claimed); the worker
// treats that as a skip.
func (q *Queries) ClaimSession(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, SessionExecuting, id, SessionPending)
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// FinishSession records the terminal state of a session.
func (q *Queries) FinishSession(ctx context.Context, s Session) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, reason = ?, quantity = ?, retry_count = ?,
		    replication_delay_ms = ?, slippage = ?, fill_quality = ?, sla_breach = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, s.Status, s.Reason, s.Quantity, s.RetryCount,
		s.ReplicationDelayMs, s.Slippage, s.FillQuality, boolToInt(s.SLABreach), s.ID)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return requireRow(res)
}

// CancelPendingByRelationship cancels every queued session for a relationship.
// Sessions already executing are left to finish on their own.
func (q *Queries) CancelPendingByRelationship(ctx context.Context, relationshipID, reason string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE relationship_id = ? AND status = ?
	`, SessionCancelled, reason, relationshipID, SessionPending)
	if err != nil {
		return 0, fmt.Errorf("cancel pending sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListStaleExecuting returns sessions that have sat in the executing state
// longer than olderThan. A worker holds a session for at most a few seconds,
// so anything older was orphaned by a crash mid-execution.
func (q *Queries) ListStaleExecuting(ctx context.Context, olderThan time.Duration) ([]Session, error) {
	cutoff := fmt.Sprintf("-%d seconds", int(olderThan.Seconds()))
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, signal_id, relationship_id, status, reason, quantity, retry_count,
		       replication_delay_ms, slippage, fill_quality, sla_breach, created_at, updated_at
		FROM sessions
		WHERE status = ? AND updated_at < datetime('now', ?)
		ORDER BY updated_at
	`, SessionExecuting, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale executing: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListUnaggregatedSessions returns terminal sessions whose outcome never
// reached the metrics ledger, oldest first. Cancelled sessions are not
// trades and are excluded.
func (q *Queries) ListUnaggregatedSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, signal_id, relationship_id, status, reason, quantity, retry_count,
		       replication_delay_ms, slippage, fill_quality, sla_breach, created_at, updated_at
		FROM sessions s
		WHERE s.status IN (?, ?)
		  AND NOT EXISTS (SELECT 1 FROM aggregated_events e WHERE e.session_id = s.id)
		ORDER BY s.updated_at LIMIT ?
	`, SessionCompleted, SessionFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list unaggregated sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ExposureRow is one relationship/symbol cell of the rebuilt exposure book.
type ExposureRow struct {
	RelationshipID string
	Symbol         string
	Quantity       float64
}

// ListOpenExposure rebuilds open exposure from successful fills. Buys add,
// sells reduce, matching Governor.RecordFill.
func (q *Queries) ListOpenExposure(ctx context.Context) ([]ExposureRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT s.relationship_id, g.symbol,
		       SUM(CASE WHEN g.side = 'SELL' THEN -r.filled_qty ELSE r.filled_qty END)
		FROM execution_results r
		JOIN sessions s ON s.id = r.session_id
		JOIN trade_signals g ON g.id = r.signal_id
		WHERE r.success = 1
		GROUP BY s.relationship_id, g.symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("list open exposure: %w", err)
	}
	defer rows.Close()

	var out []ExposureRow
	for rows.Next() {
		var e ExposureRow
		if err := rows.Scan(&e.RelationshipID, &e.Symbol, &e.Quantity); err != nil {
			return nil, fmt.Errorf("scan exposure row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) ListRecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, signal_id, relationship_id, status, reason, quantity, retry_count,
		       replication_delay_ms, slippage, fill_quality, sla_breach, created_at, updated_at
		FROM sessions ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var breach int
	err := row.Scan(&s.ID, &s.SignalID, &s.RelationshipID, &s.Status, &s.Reason,
		&s.Quantity, &s.RetryCount, &s.ReplicationDelayMs, &s.Slippage,
		&s.FillQuality, &breach, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("scan session: %w", err)
	}
	s.SLABreach = breach == 1
	return s, nil
}

// ----------------------------------------
// Execution results
// ----------------------------------------

func (q *Queries) InsertExecutionResult(ctx context.Context, r ExecutionResult) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO execution_results (
			id, session_id, signal_id, attempt, platform, success,
			filled_qty, filled_price, remaining, fees, error_msg,
			delay_ms, slippage, terminal
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.SessionID, r.SignalID, r.Attempt, r.Platform, boolToInt(r.Success),
		r.FilledQty, r.FilledPrice, r.Remaining, r.Fees, r.ErrorMsg,
		r.DelayMs, r.Slippage, boolToInt(r.Terminal))
	if err != nil {
		return fmt.Errorf("insert execution result: %w", err)
	}
	return nil
}

func (q *Queries) ListResultsBySession(ctx context.Context, sessionID string) ([]ExecutionResult, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, session_id, signal_id, attempt, platform, success,
		       filled_qty, filled_price, remaining, fees, error_msg,
		       delay_ms, slippage, terminal, created_at
		FROM execution_results WHERE session_id = ? ORDER BY attempt
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list execution results: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

func (q *Queries) ListRecentResults(ctx context.Context, limit int) ([]ExecutionResult, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, session_id, signal_id, attempt, platform, success,
		       filled_qty, filled_price, remaining, fees, error_msg,
		       delay_ms, slippage, terminal, created_at
		FROM execution_results ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution results: %w", err)
	}
	defer rows.Close()
	return collectResults(rows)
}

func collectResults(rows *sql.Rows) ([]ExecutionResult, error) {
	var out []ExecutionResult
	for rows.Next() {
		var r ExecutionResult
		var success, terminal int
		if err := rows.Scan(&r.ID, &r.SessionID, &r.SignalID, &r.Attempt, &r.Platform,
			&success, &r.FilledQty, &r.FilledPrice, &r.Remaining, &r.Fees,
			&r.ErrorMsg, &r.DelayMs, &r.Slippage, &terminal, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution result: %w", err)
		}
		r.Success = success == 1
		r.Terminal = terminal == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Platform connections
// ----------------------------------------

func (q *Queries) UpsertConnection(ctx context.Context, c PlatformConnection) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO platform_connections (
			id, owner_id, platform, conn_type, active, sync_status,
			rate_budget, rate_reset_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			sync_status = excluded.sync_status,
			rate_budget = excluded.rate_budget,
			rate_reset_at = excluded.rate_reset_at,
			updated_at = CURRENT_TIMESTAMP
	`, c.ID, c.OwnerID, c.Platform, c.ConnType, boolToInt(c.Active),
		c.SyncStatus, c.RateBudget, c.RateResetAt)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

func (q *Queries) GetConnection(ctx context.Context, id string) (PlatformConnection, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, owner_id, platform, conn_type, active, sync_status,
		       rate_budget, COALESCE(rate_reset_at, CURRENT_TIMESTAMP), updated_at
		FROM platform_connections WHERE id = ?
	`, id)
	var c PlatformConnection
	var active int
	err := row.Scan(&c.ID, &c.OwnerID, &c.Platform, &c.ConnType, &active,
		&c.SyncStatus, &c.RateBudget, &c.RateResetAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("scan connection: %w", err)
	}
	c.Active = active == 1
	return c, nil
}

// FindConnection returns the owner's most recent connection on a platform.
func (q *Queries) FindConnection(ctx context.Context, ownerID, platform string) (PlatformConnection, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, owner_id, platform, conn_type, active, sync_status,
		       rate_budget, COALESCE(rate_reset_at, CURRENT_TIMESTAMP), updated_at
		FROM platform_connections
		WHERE owner_id = ? AND platform = ?
		ORDER BY updated_at DESC LIMIT 1
	`, ownerID, platform)
	var c PlatformConnection
	var active int
	err := row.Scan(&c.ID, &c.OwnerID, &c.Platform, &c.ConnType, &active,
		&c.SyncStatus, &c.RateBudget, &c.RateResetAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("scan connection: %w", err)
	}
	c.Active = active == 1
	return c, nil
}

func (q *Queries) SetSyncStatus(ctx context.Context, id, status string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE platform_connections SET sync_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	return requireRow(res)
}

// ----------------------------------------
// Global risk limits
// ----------------------------------------

func (q *Queries) GetGlobalLimits(ctx context.Context) (RiskLimits, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT max_daily_loss, max_drawdown, allowed_symbols, leverage_caps,
		       auto_liquidate_at, max_correlation, circuit_breaker
		FROM global_risk_limits WHERE id = 1
	`)
	var l RiskLimits
	var symbols, caps string
	var breaker int
	err := row.Scan(&l.MaxDailyLoss, &l.MaxDrawdown, &symbols, &caps,
		&l.AutoLiquidateAt, &l.MaxCorrelation, &breaker)
	if err == sql.ErrNoRows {
		// No row means no global guardrails configured.
		return RiskLimits{}, nil
	}
	if err != nil {
		return l, fmt.Errorf("scan global limits: %w", err)
	}
	l.AllowedSymbols = splitSymbols(symbols)
	l.LeverageCaps, err = decodeLeverageCaps(caps)
	if err != nil {
		return l, err
	}
	l.CircuitBreaker = breaker == 1
	return l, nil
}

func (q *Queries) UpdateGlobalLimits(ctx context.Context, l RiskLimits) error {
	caps, err := encodeLeverageCaps(l.LeverageCaps)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO global_risk_limits (
			id, max_daily_loss, max_drawdown, allowed_symbols, leverage_caps,
			auto_liquidate_at, max_correlation, circuit_breaker, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			max_daily_loss = excluded.max_daily_loss,
			max_drawdown = excluded.max_drawdown,
			allowed_symbols = excluded.allowed_symbols,
			leverage_caps = excluded.leverage_caps,
			auto_liquidate_at = excluded.auto_liquidate_at,
			max_correlation = excluded.max_correlation,
			circuit_breaker = excluded.circuit_breaker,
			updated_at = CURRENT_TIMESTAMP
	`, l.MaxDailyLoss, l.MaxDrawdown, strings.Join(l.AllowedSymbols, ","), caps,
		l.AutoLiquidateAt, l.MaxCorrelation, boolToInt(l.CircuitBreaker))
	if err != nil {
		return fmt.Errorf("update global limits: %w", err)
	}
	return nil
}

// ----------------------------------------
// Performance metrics
// ----------------------------------------

// MarkEventApplied records that a (session, attempt) outcome was folded into
// the metrics. Returns false when the event was already applied, which makes
// the aggregator idempotent under at-least-once delivery.
func (q *Queries) MarkEventApplied(ctx context.Context, sessionID string, attempt int) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO aggregated_events (session_id, attempt) VALUES (?, ?)
	`, sessionID, attempt)
	if err != nil {
		return false, fmt.Errorf("mark event applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *Queries) GetMetricsRow(ctx context.Context, scope, key string) (MetricsRow, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT scope, key, total_trades, successful, failed, success_rate,
		       avg_delay_ms, total_pnl, daily_pnl, daily_date, peak_pnl, max_drawdown,
		       sharpe_ratio, win_rate, profit_factor, sla_breaches,
		       gross_profit, gross_loss, return_mean, return_m2, return_samples,
		       delay_total, updated_at
		FROM performance_metrics WHERE scope = ? AND key = ?
	`, scope, key)
	var m MetricsRow
	err := row.Scan(&m.Scope, &m.Key, &m.TotalTrades, &m.Successful, &m.Failed,
		&m.SuccessRate, &m.AvgDelayMs, &m.TotalPnL, &m.DailyPnL, &m.DailyDate,
		&m.PeakPnL, &m.MaxDrawdown, &m.SharpeRatio, &m.WinRate, &m.ProfitFactor,
		&m.SLABreaches, &m.GrossProfit, &m.GrossLoss, &m.ReturnMean, &m.ReturnM2,
		&m.ReturnSamples, &m.DelayTotal, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return MetricsRow{Scope: scope, Key: key}, ErrNotFound
	}
	if err != nil {
		return m, fmt.Errorf("scan metrics row: %w", err)
	}
	return m, nil
}

func (q *Queries) UpsertMetricsRow(ctx context.Context, m MetricsRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (
			scope, key, total_trades, successful, failed, success_rate,
			avg_delay_ms, total_pnl, daily_pnl, daily_date, peak_pnl, max_drawdown,
			sharpe_ratio, win_rate, profit_factor, sla_breaches,
			gross_profit, gross_loss, return_mean, return_m2, return_samples,
			delay_total, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(scope, key) DO UPDATE SET
			total_trades = excluded.total_trades,
			successful = excluded.successful,
			failed = excluded.failed,
			success_rate = excluded.success_rate,
			avg_delay_ms = excluded.avg_delay_ms,
			total_pnl = excluded.total_pnl,
			daily_pnl = excluded.daily_pnl,
			daily_date = excluded.daily_date,
			peak_pnl = excluded.peak_pnl,
			max_drawdown = excluded.max_drawdown,
			sharpe_ratio = excluded.sharpe_ratio,
			win_rate = excluded.win_rate,
			profit_factor = excluded.profit_factor,
			sla_breaches = excluded.sla_breaches,
			gross_profit = excluded.gross_profit,
			gross_loss = excluded.gross_loss,
			return_mean = excluded.return_mean,
			return_m2 = excluded.return_m2,
			return_samples = excluded.return_samples,
			delay_total = excluded.delay_total,
			updated_at = CURRENT_TIMESTAMP
	`, m.Scope, m.Key, m.TotalTrades, m.Successful, m.Failed, m.SuccessRate,
		m.AvgDelayMs, m.TotalPnL, m.DailyPnL, m.DailyDate, m.PeakPnL, m.MaxDrawdown,
		m.SharpeRatio, m.WinRate, m.ProfitFactor, m.SLABreaches,
		m.GrossProfit, m.GrossLoss, m.ReturnMean, m.ReturnM2, m.ReturnSamples,
		m.DelayTotal)
	if err != nil {
		return fmt.Errorf("upsert metrics row: %w", err)
	}
	return nil
}

// ----------------------------------------
// helpers
// ----------------------------------------

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func encodeLeverageCaps(caps map[string]float64) (string, error) {
	if len(caps) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("marshal leverage caps: %w", err)
	}
	return string(data), nil
}

func decodeLeverageCaps(raw string) (map[string]float64, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var caps map[string]float64
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return nil, fmt.Errorf("unmarshal leverage caps: %w", err)
	}
	return caps, nil
}
