package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
)

// PostgresStore implements Store on PostgreSQL through a pgx pool. The
// schema matches the hosted deployment's rules, rule_executions and
// broker_connections tables.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS broker_connections (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		broker_name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		username_encrypted TEXT NOT NULL DEFAULT '',
		password_encrypted TEXT NOT NULL DEFAULT '',
		api_key_encrypted TEXT NOT NULL DEFAULT '',
		api_secret_encrypted TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		ticker TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		value_threshold NUMERIC NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		execution_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		execution_type TEXT NOT NULL DEFAULT 'ALERT_ONLY',
		quantity NUMERIC NOT NULL DEFAULT 0,
		cooldown_minutes INTEGER NOT NULL DEFAULT 60,
		last_execution_at TIMESTAMPTZ,
		broker_connection_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	);

	ALTER TABLE rules ADD COLUMN IF NOT EXISTS deleted_at TIMESTAMPTZ;

	CREATE TABLE IF NOT EXISTS rule_executions (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL REFERENCES rules(id) ON DELETE RESTRICT,
		user_id TEXT NOT NULL DEFAULT '',
		broker_connection_id TEXT,
		execution_type TEXT NOT NULL,
		ticker TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		price NUMERIC NOT NULL DEFAULT 0,
		total_amount NUMERIC NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT,
		broker_order_id TEXT,
		broker_response TEXT,
		triggered_at TIMESTAMPTZ NOT NULL,
		executed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS candles (
		ticker TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume BIGINT NOT NULL,
		PRIMARY KEY (ticker, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(is_active, execution_enabled);
	CREATE INDEX IF NOT EXISTS idx_executions_rule ON rule_executions(rule_id, triggered_at);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON rule_executions(status);
	`)
	return err
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// inTx runs fn in a read-committed transaction, committing on success.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()

	return fn(tx)
}

// SaveRule inserts or updates a rule.
func (s *PostgresStore) SaveRule(ctx context.Context, rule *models.Rule) error {
	prepareRule(rule, s.now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			name = EXCLUDED.name,
			ticker = EXCLUDED.ticker,
			rule_type = EXCLUDED.rule_type,
			value_threshold = EXCLUDED.value_threshold,
			is_active = EXCLUDED.is_active,
			execution_enabled = EXCLUDED.execution_enabled,
			execution_type = EXCLUDED.execution_type,
			quantity = EXCLUDED.quantity,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			last_execution_at = EXCLUDED.last_execution_at,
			broker_connection_id = EXCLUDED.broker_connection_id,
			updated_at = EXCLUDED.updated_at
	`, rule.ID, rule.UserID, rule.Name, rule.Ticker, string(rule.RuleType), rule.ValueThreshold.String(), rule.IsActive,
		rule.ExecutionEnabled, string(rule.ExecutionType), rule.Quantity.String(), rule.CooldownMinutes, rule.LastExecutionAt,
		rule.BrokerConnectionID, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by id.
func (s *PostgresStore) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, apperrors.ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

// ListRules retrieves rules matching filter, newest first.
func (s *PostgresStore) ListRules(ctx context.Context, filter RuleFilter) ([]models.Rule, error) {
	q := newPgQuery("SELECT " + ruleColumns + " FROM rules WHERE deleted_at IS NULL")
	if filter.UserID != "" {
		q.where("user_id", filter.UserID)
	}
	if filter.Ticker != "" {
		q.where("ticker", filter.Ticker)
	}
	if filter.ActiveOnly {
		q.sql += " AND is_active"
	}
	q.sql += " ORDER BY created_at DESC"
	q.limit(filter.Limit)

	return s.queryRules(ctx, q.sql, q.args...)
}

// ListActiveRules returns rules that are active with execution enabled.
func (s *PostgresStore) ListActiveRules(ctx context.Context) ([]models.Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM rules
		WHERE is_active AND execution_enabled AND deleted_at IS NULL
		ORDER BY created_at ASC
	`)
}

func (s *PostgresStore) queryRules(ctx context.Context, query string, args ...any) ([]models.Rule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE rules SET is_active = FALSE, execution_enabled = FALSE, deleted_at = $1, updated_at = $1
		WHERE id = $2 AND deleted_at IS NULL
	`, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rule %s: %w", id, apperrors.ErrRuleNotFound)
	}
	return nil
}

// RecordAttempt persists a PENDING execution and the rule's new
// last_execution_at together.
func (s *PostgresStore) RecordAttempt(ctx context.Context, exec *models.RuleExecution) error {
	prepareExecution(exec)

	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rule_executions (`+executionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, exec.ID, exec.RuleID, exec.UserID, exec.BrokerConnectionID, string(exec.ExecutionType), exec.Ticker,
			exec.Quantity.String(), exec.Price.String(), exec.TotalAmount.String(), string(exec.Status), exec.ErrorMessage,
			exec.BrokerOrderID, rawJSON(exec.BrokerResponse), exec.TriggeredAt, exec.ExecutedAt)
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE rules SET last_execution_at = $1, updated_at = $2 WHERE id = $3
		`, exec.TriggeredAt, s.now(), exec.RuleID)
		if err != nil {
			return fmt.Errorf("failed to update last execution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("rule %s: %w", exec.RuleID, apperrors.ErrRuleNotFound)
		}
		return nil
	})
}

// FinalizeExecution writes the terminal state of an execution.
func (s *PostgresStore) FinalizeExecution(ctx context.Context, exec *models.RuleExecution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rule_executions
		SET status = $1, price = $2, total_amount = $3, error_message = $4, broker_order_id = $5, broker_response = $6, executed_at = $7
		WHERE id = $8
	`, string(exec.Status), exec.Price.String(), exec.TotalAmount.String(), exec.ErrorMessage, exec.BrokerOrderID,
		rawJSON(exec.BrokerResponse), exec.ExecutedAt, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s not found", exec.ID)
	}
	return nil
}

// ListExecutions retrieves executions, newest first.
func (s *PostgresStore) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]models.RuleExecution, error) {
	q := newPgQuery("SELECT " + executionColumns + " FROM rule_executions WHERE TRUE")
	if filter.RuleID != "" {
		q.where("rule_id", filter.RuleID)
	}
	if filter.UserID != "" {
		q.where("user_id", filter.UserID)
	}
	if filter.Status != "" {
		q.where("status", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		q.args = append(q.args, filter.Since.UTC())
		q.sql += " AND triggered_at >= $" + strconv.Itoa(len(q.args))
	}
	q.sql += " ORDER BY triggered_at DESC, id DESC"
	q.limit(filter.Limit)

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
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

// SaveBrokerConnection inserts or replaces a connection.
func (s *PostgresStore) SaveBrokerConnection(ctx context.Context, conn *models.BrokerConnection) error {
	if conn.ID == "" {
		conn.ID = newID()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = s.now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO broker_connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			broker_name = EXCLUDED.broker_name,
			is_active = EXCLUDED.is_active,
			username_encrypted = EXCLUDED.username_encrypted,
			password_encrypted = EXCLUDED.password_encrypted,
			api_key_encrypted = EXCLUDED.api_key_encrypted,
			api_secret_encrypted = EXCLUDED.api_secret_encrypted
	`, conn.ID, conn.UserID, string(conn.BrokerName), conn.IsActive, conn.UsernameEncrypted, conn.PasswordEncrypted,
		conn.APIKeyEncrypted, conn.APISecretEncrypted, conn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save broker connection: %w", err)
	}
	return nil
}

// GetBrokerConnection retrieves a connection by id.
func (s *PostgresStore) GetBrokerConnection(ctx context.Context, id string) (*models.BrokerConnection, error) {
	c, err := scanConnection(s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM broker_connections WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", id, apperrors.ErrConnectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broker connection: %w", err)
	}
	return &c, nil
}

// ListBrokerConnections returns connections, optionally for one user.
func (s *PostgresStore) ListBrokerConnections(ctx context.Context, userID string) ([]models.BrokerConnection, error) {
	q := newPgQuery("SELECT " + connectionColumns + " FROM broker_connections WHERE TRUE")
	if userID != "" {
		q.where("user_id", userID)
	}
	q.sql += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
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

// SaveCandles upserts daily bars for ticker in one batch.
func (s *PostgresStore) SaveCandles(ctx context.Context, ticker string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range candles {
			batch.Queue(`
				INSERT INTO candles (ticker, timestamp, open, high, low, close, volume)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (ticker, timestamp) DO UPDATE SET
					open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
					close = EXCLUDED.close, volume = EXCLUDED.volume
			`, ticker, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert candles: %w", err)
		}
		return nil
	})
}

// GetCandles retrieves bars for ticker in [from, to], oldest first.
func (s *PostgresStore) GetCandles(ctx context.Context, ticker string, from, to time.Time) ([]models.Candle, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM candles
		WHERE ticker = $1 AND timestamp >= $2 AND timestamp <= $3
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
	return candles, rows.Err()
}

// pgQuery accumulates positional arguments for a dynamic WHERE clause.
type pgQuery struct {
	sql  string
	args []any
}

func newPgQuery(base string) *pgQuery {
	return &pgQuery{sql: base}
}

func (q *pgQuery) where(column string, value any) {
	q.args = append(q.args, value)
	q.sql += " AND " + column + " = $" + strconv.Itoa(len(q.args))
}

func (q *pgQuery) limit(n int) {
	if n > 0 {
		q.args = append(q.args, n)
		q.sql += " LIMIT $" + strconv.Itoa(len(q.args))
	}
}

var _ Store = (*PostgresStore)(nil)
