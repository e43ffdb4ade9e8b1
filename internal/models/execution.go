package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionStatus is the lifecycle state of a rule execution.
type ExecutionStatus string

const (
	StatusPending           ExecutionStatus = "PENDING"
	StatusExecuted          ExecutionStatus = "EXECUTED"
	StatusFailed            ExecutionStatus = "FAILED"
	StatusNoPosition        ExecutionStatus = "NO_POSITION"
	StatusInsufficientFunds ExecutionStatus = "INSUFFICIENT_FUNDS"
)

// RuleExecution is one attempted order placement tied to a rule evaluation.
type RuleExecution struct {
	ID                 string          `json:"id"`
	RuleID             string          `json:"rule_id"`
	UserID             string          `json:"user_id"`
	BrokerConnectionID *string         `json:"broker_connection_id,omitempty"`
	ExecutionType      ExecutionType   `json:"execution_type"`
	Ticker             string          `json:"ticker"`
	Quantity           decimal.Decimal `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	Status             ExecutionStatus `json:"status"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	BrokerOrderID      *string         `json:"broker_order_id,omitempty"`
	BrokerResponse     json.RawMessage `json:"broker_response,omitempty"`
	TriggeredAt        time.Time       `json:"triggered_at"`
	ExecutedAt         *time.Time      `json:"executed_at,omitempty"`
}

// MarkExecuted records a successful brokerage outcome.
func (e *RuleExecution) MarkExecuted(outcome *ExecutionOutcome, at time.Time) {
	e.Status = StatusExecuted
	e.ErrorMessage = nil
	if outcome.BrokerOrderID != "" {
		id := outcome.BrokerOrderID
		e.BrokerOrderID = &id
	}
	if outcome.FilledPrice.IsPositive() {
		e.Price = outcome.FilledPrice
		e.TotalAmount = outcome.FilledPrice.Mul(e.Quantity)
	}
	e.BrokerResponse = outcome.Raw
	executedAt := at
	e.ExecutedAt = &executedAt
}

// MarkFailed records a failed attempt with its captured message.
func (e *RuleExecution) MarkFailed(message string, raw json.RawMessage) {
	e.Status = StatusFailed
	e.ErrorMessage = &message
	e.BrokerResponse = raw
	e.ExecutedAt = nil
}

// ExecutionFilter narrows execution log queries.
type ExecutionFilter struct {
	RuleID string
	UserID string
	Status ExecutionStatus
	Since  time.Time
	Limit  int
}
