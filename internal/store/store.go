// Package store provides persistence for rules, executions and broker connections.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"rulewatch/internal/models"
)

// Store defines the interface for data persistence.
type Store interface {
	// Rules
	SaveRule(ctx context.Context, rule *models.Rule) error
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]models.Rule, error)
	ListActiveRules(ctx context.Context) ([]models.Rule, error)
	DeleteRule(ctx context.Context, id string) error

	// Executions. RecordAttempt inserts the PENDING row and advances the
	// rule's last_execution_at in a single transaction.
	RecordAttempt(ctx context.Context, exec *models.RuleExecution) error
	FinalizeExecution(ctx context.Context, exec *models.RuleExecution) error
	ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]models.RuleExecution, error)

	// Broker connections
	SaveBrokerConnection(ctx context.Context, conn *models.BrokerConnection) error
	GetBrokerConnection(ctx context.Context, id string) (*models.BrokerConnection, error)
	ListBrokerConnections(ctx context.Context, userID string) ([]models.BrokerConnection, error)

	// Candles
	SaveCandles(ctx context.Context, ticker string, candles []models.Candle) error
	GetCandles(ctx context.Context, ticker string, from, to time.Time) ([]models.Candle, error)

	// Lifecycle
	Close() error
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	UserID     string
	Ticker     string
	ActiveOnly bool
	Limit      int
}

// Config selects and configures a backend.
type Config struct {
	Driver string // sqlite or postgres
	Path   string
	DSN    string
}

// Open creates the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.Path)
	case "postgres", "postgresql", "pgx":
		return NewPostgresStore(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// NewExecutionID returns a lexically time-ordered id.
func NewExecutionID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), rand.Reader).String()
}

func newID() string {
	return uuid.NewString()
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

const ruleColumns = `id, user_id, name, ticker, rule_type, value_threshold, is_active, execution_enabled,
	execution_type, quantity, cooldown_minutes, last_execution_at, broker_connection_id, created_at, updated_at`

func scanRule(row rowScanner) (models.Rule, error) {
	var r models.Rule
	var lastExec sql.NullTime
	var connID sql.NullString
	err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Ticker, &r.RuleType, &r.ValueThreshold, &r.IsActive, &r.ExecutionEnabled,
		&r.ExecutionType, &r.Quantity, &r.CooldownMinutes, &lastExec, &connID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if lastExec.Valid {
		t := lastExec.Time.UTC()
		r.LastExecutionAt = &t
	}
	if connID.Valid && connID.String != "" {
		id := connID.String
		r.BrokerConnectionID = &id
	}
	return r, nil
}

const executionColumns = `id, rule_id, user_id, broker_connection_id, execution_type, ticker, quantity, price,
	total_amount, status, error_message, broker_order_id, broker_response, triggered_at, executed_at`

func scanExecution(row rowScanner) (models.RuleExecution, error) {
	var e models.RuleExecution
	var connID, errMsg, orderID, response sql.NullString
	var executedAt sql.NullTime
	err := row.Scan(&e.ID, &e.RuleID, &e.UserID, &connID, &e.ExecutionType, &e.Ticker, &e.Quantity, &e.Price,
		&e.TotalAmount, &e.Status, &errMsg, &orderID, &response, &e.TriggeredAt, &executedAt)
	if err != nil {
		return e, err
	}
	e.TriggeredAt = e.TriggeredAt.UTC()
	e.BrokerConnectionID = nullableString(connID)
	e.ErrorMessage = nullableString(errMsg)
	e.BrokerOrderID = nullableString(orderID)
	if response.Valid && response.String != "" {
		e.BrokerResponse = json.RawMessage(response.String)
	}
	if executedAt.Valid {
		t := executedAt.Time.UTC()
		e.ExecutedAt = &t
	}
	return e, nil
}

const connectionColumns = `id, user_id, broker_name, is_active, username_encrypted, password_encrypted,
	api_key_encrypted, api_secret_encrypted, created_at`

func scanConnection(row rowScanner) (models.BrokerConnection, error) {
	var c models.BrokerConnection
	err := row.Scan(&c.ID, &c.UserID, &c.BrokerName, &c.IsActive, &c.UsernameEncrypted, &c.PasswordEncrypted,
		&c.APIKeyEncrypted, &c.APISecretEncrypted, &c.CreatedAt)
	return c, err
}

func nullableString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// rawJSON converts a broker response for storage. Empty responses are NULL.
func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// prepareRule fills ids and timestamps before a save.
func prepareRule(rule *models.Rule, now time.Time) {
	if rule.ID == "" {
		rule.ID = newID()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.Ticker = strings.ToUpper(rule.Ticker)
}

func prepareExecution(exec *models.RuleExecution) {
	if exec.TriggeredAt.IsZero() {
		exec.TriggeredAt = time.Now()
	}
	exec.TriggeredAt = exec.TriggeredAt.UTC()
	if exec.ID == "" {
		exec.ID = NewExecutionID(exec.TriggeredAt)
	}
	if exec.Status == "" {
		exec.Status = models.StatusPending
	}
}
