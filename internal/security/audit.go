package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuditOrderPlaced      AuditEventType = "ORDER_PLACED"
	AuditOrderRejected    AuditEventType = "ORDER_REJECTED"
	AuditCredentialAccess AuditEventType = "CREDENTIAL_ACCESS"
	AuditConnectionAdded  AuditEventType = "CONNECTION_ADDED"
	AuditRuleChanged      AuditEventType = "RULE_CHANGED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp    time.Time              `json:"timestamp"`
	EventType    AuditEventType         `json:"event_type"`
	UserID       string                 `json:"user_id,omitempty"`
	RuleID       string                 `json:"rule_id,omitempty"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	Broker       string                 `json:"broker,omitempty"`
	Ticker       string                 `json:"ticker,omitempty"`
	OrderID      string                 `json:"order_id,omitempty"`
	Action       string                 `json:"action,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMsg     string                 `json:"error,omitempty"`
}

// AuditLogger appends JSON lines describing trading and credential actions.
type AuditLogger struct {
	writer io.WriteCloser
	mu     sync.Mutex
	now    func() time.Time
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	home, _ := os.UserHomeDir()
	return AuditConfig{
		LogDir:     filepath.Join(home, ".config", "rulewatch", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     365,
		Compress:   true,
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	return &AuditLogger{
		writer: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "audit.log"),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		now: time.Now,
	}, nil
}

// NewAuditLoggerWriter writes audit events to w.
func NewAuditLoggerWriter(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{writer: w, now: time.Now}
}

// Log logs an audit event.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	if ContainsSensitiveData(event.ErrorMsg) {
		event.ErrorMsg = SanitizeString(event.ErrorMsg)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

// LogOrder records the outcome of an order placement.
func (al *AuditLogger) LogOrder(ctx context.Context, ruleID, broker, ticker, side, quantity, orderID string, success bool, errorMsg string) error {
	eventType := AuditOrderPlaced
	if !success {
		eventType = AuditOrderRejected
	}
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		RuleID:    ruleID,
		Broker:    broker,
		Ticker:    ticker,
		OrderID:   orderID,
		Action:    side,
		Success:   success,
		ErrorMsg:  errorMsg,
		Details:   map[string]interface{}{"quantity": quantity},
	})
}

// LogCredentialAccess records a decryption of broker credentials.
func (al *AuditLogger) LogCredentialAccess(ctx context.Context, userID, connectionID, broker string, success bool, errorMsg string) error {
	return al.Log(ctx, AuditEvent{
		EventType:    AuditCredentialAccess,
		UserID:       userID,
		ConnectionID: connectionID,
		Broker:       broker,
		Success:      success,
		ErrorMsg:     errorMsg,
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}
