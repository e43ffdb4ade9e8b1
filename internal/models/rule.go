package models

import (
	"time"

	"github.com/shopspring/decimal"

	apperrors "rulewatch/internal/errors"
)

// RuleType selects the condition a rule evaluates.
type RuleType string

const (
	RulePriceBelow  RuleType = "price_below"
	RulePriceAbove  RuleType = "price_above"
	RulePEBelow     RuleType = "pe_below"
	RulePEAbove     RuleType = "pe_above"
	RuleMaxDistance RuleType = "max_distance"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RulePriceBelow, RulePriceAbove, RulePEBelow, RulePEAbove, RuleMaxDistance:
		return true
	}
	return false
}

// ExecutionType is what happens when a rule fires.
type ExecutionType string

const (
	ExecutionAlertOnly ExecutionType = "ALERT_ONLY"
	ExecutionBuy       ExecutionType = "BUY"
	ExecutionSell      ExecutionType = "SELL"
)

// Valid reports whether t is a known execution type.
func (t ExecutionType) Valid() bool {
	return t == ExecutionAlertOnly || t == ExecutionBuy || t == ExecutionSell
}

// Side maps a trading execution type to an order side.
func (t ExecutionType) Side() (OrderSide, bool) {
	switch t {
	case ExecutionBuy:
		return OrderSideBuy, true
	case ExecutionSell:
		return OrderSideSell, true
	}
	return "", false
}

// DefaultCooldownMinutes applies to rules created without an explicit cooldown.
const DefaultCooldownMinutes = 60

// Rule is a user-defined threshold condition on a ticker.
type Rule struct {
	ID                 string          `json:"id" yaml:"id"`
	UserID             string          `json:"user_id" yaml:"user_id"`
	Name               string          `json:"name" yaml:"name"`
	Ticker             string          `json:"ticker" yaml:"ticker"`
	RuleType           RuleType        `json:"rule_type" yaml:"rule_type"`
	ValueThreshold     decimal.Decimal `json:"value_threshold" yaml:"value_threshold"`
	IsActive           bool            `json:"is_active" yaml:"is_active"`
	ExecutionEnabled   bool            `json:"execution_enabled" yaml:"execution_enabled"`
	ExecutionType      ExecutionType   `json:"execution_type" yaml:"execution_type"`
	Quantity           decimal.Decimal `json:"quantity" yaml:"quantity"`
	CooldownMinutes    int             `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	LastExecutionAt    *time.Time      `json:"last_execution_at,omitempty" yaml:"last_execution_at,omitempty"`
	BrokerConnectionID *string         `json:"broker_connection_id,omitempty" yaml:"broker_connection_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at" yaml:"updated_at,omitempty"`
}

// IsTrading reports whether the rule places orders rather than only alerting.
func (r Rule) IsTrading() bool {
	return r.ExecutionType == ExecutionBuy || r.ExecutionType == ExecutionSell
}

// WantsExecution reports whether a met condition should reach the brokerage.
func (r Rule) WantsExecution() bool {
	return r.ExecutionEnabled && r.IsTrading() && r.Quantity.IsPositive()
}

// Cooldown returns the rule's cooldown window.
func (r Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMinutes) * time.Minute
}

// CooldownElapsed reports whether enough time has passed since the last execution.
func (r Rule) CooldownElapsed(now time.Time) bool {
	if r.LastExecutionAt == nil {
		return true
	}
	return now.Sub(*r.LastExecutionAt) >= r.Cooldown()
}

// Validate checks the rule's structural invariants.
func (r Rule) Validate() error {
	if r.Ticker == "" {
		return apperrors.NewValidationError("ticker", r.Ticker, "is required")
	}
	if !r.RuleType.Valid() {
		return apperrors.NewValidationError("rule_type", r.RuleType, "unknown rule type")
	}
	if !r.ExecutionType.Valid() {
		return apperrors.NewValidationError("execution_type", r.ExecutionType, "unknown execution type")
	}
	if r.Quantity.IsNegative() {
		return apperrors.NewValidationError("quantity", r.Quantity, "must not be negative")
	}
	if r.CooldownMinutes < 0 {
		return apperrors.NewValidationError("cooldown_minutes", r.CooldownMinutes, "must not be negative")
	}
	if r.ExecutionEnabled && r.IsTrading() && !r.Quantity.IsPositive() {
		return apperrors.NewValidationError("quantity", r.Quantity, "must be positive when execution is enabled")
	}
	return nil
}

// EvaluationContext describes the inputs and outcome of one rule evaluation.
type EvaluationContext struct {
	RuleID           string          `json:"rule_id"`
	Ticker           string          `json:"ticker"`
	RuleType         RuleType        `json:"rule_type"`
	Threshold        decimal.Decimal `json:"threshold"`
	CurrentPrice     float64         `json:"current_price"`
	PERatio          *float64        `json:"pe_ratio,omitempty"`
	FiftyTwoWeekHigh *float64        `json:"high_52w,omitempty"`
	DistancePct      *float64        `json:"distance_pct,omitempty"`
	Met              bool            `json:"met"`
	Reason           string          `json:"reason,omitempty"`
	EvaluatedAt      time.Time       `json:"evaluated_at"`
}
