package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS broker_connections (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		broker_name TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		username_encrypted TEXT NOT NULL DEFAULT '',
		password_encrypted TEXT NOT NULL DEFAULT '',
		api_key_encrypted TEXT NOT NULL DEFAULT '',
		api_secret_encrypted TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		ticker TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		value_threshold TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		execution_enabled INTEGER NOT NULL DEFAULT 0,
		execution_type TEXT NOT NULL DEFAULT 'ALERT_ONLY',
		quantity TEXT NOT NULL DEFAULT '0',
		cooldown_minutes INTEGER NOT NULL DEFAULT 60,
		last_execution_at DATETIME,
		broker_connection_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS rule_executions (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL REFERENCES rules(id) ON DELETE RESTRICT,
		user_id TEXT NOT NULL DEFAULT '',
		broker_connection_id TEXT,
		execution_type TEXT NOT NULL,
		ticker TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		error_message TEXT,
		broker_order_id TEXT,
		broker_response TEXT,
		triggered_at DATETIME NOT NULL,
		executed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS candles (
		ticker TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		PRIMARY KEY (ticker, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(is_active, execution_enabled);
	CREATE INDEX IF NOT EXISTS idx_executions_rule ON rule_executions(rule_id, triggered_at);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON rule_executions(status);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumnIfMissing("rules", "deleted_at", "DATETIME")
}

// addColumnIfMissing upgrades databases created before a column existed.
func (s *SQLiteStore) addColumnIfMissing(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Rules Methods
// ============================================================================

// SaveRule inserts or updates a rule.
func (s *SQLiteStore) SaveRule(ctx context.Context, rule *models.Rule) error {
	prepareRule(rule, s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			ticker = excluded.ticker,
			rule_type = excluded.rule_type,
			value_threshold = excluded.value_threshold,
			is_active = excluded.is_active,
			execution_enabled = excluded.execution_enabled,
			execution_type = excluded.execution_type,
			quantity = excluded.quantity,
			cooldown_minutes = excluded.cooldown_minutes,
			last_execution_at = excluded.last_execution_at,
			broker_connection_id = excluded.broker_connection_id,
			updated_at = excluded.updated_at
	`, rule.ID, rule.UserID, rule.Name, rule.Ticker, rule.RuleType, rule.ValueThreshold, rule.IsActive, rule.ExecutionEnabled,
		rule.ExecutionType, rule.Quantity, rule.CooldownMinutes, rule.LastExecutionAt, rule.BrokerConnectionID, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by id.
func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ? AND deleted_at IS NULL`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, apperrors.ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

// ListRules retrieves rules matching filter, newest first.
func (s *SQLiteStore) ListRules(ctx context.Context, filter RuleFilter) ([]models.Rule, error) {
	query := "SELECT " + ruleColumns + " FROM rules WHERE deleted_at IS NULL"
	args := []interface{}{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Ticker != "" {
		query += " AND ticker = ?"
		args = append(args, filter.Ticker)
	}
	if filter.ActiveOnly {
		query += " AND is_active = 1"
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryRules(ctx, query, args...)
}

// ListActiveRules returns rules that are active with execution enabled.
func (s *SQLiteStore) ListActiveRules(ctx context.Context) ([]models.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE is_active = 1 AND execution_enabled = 1 AND deleted_at IS NULL
		ORDER BY created_at ASC
	`)
}

func (s *SQLiteStore) queryRules(ctx context.Context, query string, args ...interface{}) ([]models.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, r)
	}

	return rules, rows.Err()
}

// DeleteRule hides a rule and stops it from running. Its executions stay
// in the log.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET is_active = 0, execution_enabled = 0, deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, apperrors.ErrRuleNotFound)
	}
	return nil
}

// ============================================================================
// Executions Methods
// ============================================================================

// RecordAttempt persists a PENDING execution and the rule's new
// last_execution_at together.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, exec *models.RuleExecution) error {
	prepareExecution(exec)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.RuleID, exec.UserID, exec.BrokerConnectionID, exec.ExecutionType, exec.Ticker, exec.Quantity, exec.Price,
		exec.TotalAmount, exec.Status, exec.ErrorMessage, exec.BrokerOrderID, rawJSON(exec.BrokerResponse), exec.TriggeredAt, exec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE rules SET last_execution_at = ?, updated_at = ? WHERE id = ?
	`, exec.TriggeredAt, s.now(), exec.RuleID)
	if err != nil {
		return fmt.Errorf("failed to update last execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", exec.RuleID, apperrors.ErrRuleNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FinalizeExecution writes the terminal state of an execution.
func (s *SQLiteStore) FinalizeExecution(ctx context.Context, exec *models.RuleExecution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rule_executions
		SET status = ?, price = ?, total_amount = ?, error_message = ?, broker_order_id = ?, broker_response = ?, executed_at = ?
		WHERE id = ?
	`, exec.Status, exec.Price, exec.TotalAmount, exec.ErrorMessage, exec.BrokerOrderID, rawJSON(exec.BrokerResponse), exec.ExecutedAt, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not found", exec.ID)
	}
	return nil
}

// ListExecutions retrieves executions, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]models.RuleExecution, error) {
	query := "SELECT " + executionColumns + " FROM rule_executions WHERE 1=1"
	args := []interface{}{}

	if filter.RuleID != "" {
		query += " AND rule_id = ?"
		args = append(args, filter.RuleID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		query += " AND triggered_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY triggered_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []models.RuleExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, e)
	}

	return execs, rows.Err()
}

// ============================================================================
// Broker Connection Methods
// ============================================================================

// SaveBrokerConnection inserts or replaces a connection. Credential fields
// must already be encrypted.
func (s *SQLiteStore) SaveBrokerConnection(ctx context.Context, conn *models.BrokerConnection) error {
	if conn.ID == "" {
		conn.ID = newID()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO broker_connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conn.ID, conn.UserID, conn.BrokerName, conn.IsActive, conn.UsernameEncrypted, conn.PasswordEncrypted,
		conn.APIKeyEncrypted, conn.APISecretEncrypted, conn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save broker connection: %w", err)
	}
	return nil
}

// GetBrokerConnection retrieves a connection by id.
func (s *SQLiteStore) GetBrokerConnection(ctx context.Context, id string) (*models.BrokerConnection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM broker_connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", id, apperrors.ErrConnectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broker connection: %w", err)
	}
	return &c, nil
}

// ListBrokerConnections returns connections, optionally for one user.
func (s *SQLiteStore) ListBrokerConnections(ctx context.Context, userID string) ([]models.BrokerConnection, error) {
	query := "SELECT " + connectionColumns + " FROM broker_connections"
	args := []interface{}{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query broker connections: %w", err)
	}
	defer rows.Close()

	var conns []models.BrokerConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan broker connection: %w", err)
		}
		conns = append(conns, c)
	}

	return conns, rows.Err()
}

// ============================================================================
// Candles Methods
// ============================================================================

// SaveCandles saves daily bars for ticker, replacing existing ones.
func (s *SQLiteStore) SaveCandles(ctx context.Context, ticker string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (ticker, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, ticker, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return fmt.Errorf("failed to insert candle: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetCandles retrieves bars for ticker in [from, to], oldest first.
func (s *SQLiteStore) GetCandles(ctx context.Context, ticker string, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM candles
		WHERE ticker = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, ticker, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}

	return candles, nil
}

var _ Store = (*SQLiteStore)(nil)
