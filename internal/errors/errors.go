// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrDataUnavailable          = errors.New("market data unavailable")
	ErrInsufficientBacktestData = errors.New("insufficient backtest data")
	ErrInvalidBacktestConfig    = errors.New("invalid backtest configuration")
	ErrInvalidRuleConfiguration = errors.New("invalid rule configuration")
	ErrRuleNotFound             = errors.New("rule not found")
	ErrConnectionNotFound       = errors.New("broker connection not found")
	ErrConnectionInactive       = errors.New("broker connection inactive")
	ErrNoBrokerConnection       = errors.New("no broker connection configured")
	ErrUnsupportedBroker        = errors.New("unsupported broker")
	ErrCredentialAccess         = errors.New("credential access denied")
	ErrConfigInvalid            = errors.New("invalid configuration")

	// Broker error kinds. A *BrokerError matches exactly one of these via errors.Is.
	ErrAuthExpired       = errors.New("broker authentication expired")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("rate limited")
	ErrTimeout           = errors.New("operation timed out")
	ErrBrokerUnknown     = errors.New("unknown broker error")
)

// BrokerErrorKind classifies brokerage failures independently of the wire protocol.
type BrokerErrorKind string

const (
	KindAuthExpired       BrokerErrorKind = "AUTH_EXPIRED"
	KindInvalidSymbol     BrokerErrorKind = "INVALID_SYMBOL"
	KindInsufficientFunds BrokerErrorKind = "INSUFFICIENT_FUNDS"
	KindRateLimited       BrokerErrorKind = "RATE_LIMITED"
	KindNetworkTimeout    BrokerErrorKind = "NETWORK_TIMEOUT"
	KindUnknown           BrokerErrorKind = "UNKNOWN"
)

var kindSentinels = map[BrokerErrorKind]error{
	KindAuthExpired:       ErrAuthExpired,
	KindInvalidSymbol:     ErrInvalidSymbol,
	KindInsufficientFunds: ErrInsufficientFunds,
	KindRateLimited:       ErrRateLimited,
	KindNetworkTimeout:    ErrTimeout,
	KindUnknown:           ErrBrokerUnknown,
}

// BrokerError represents an error from a brokerage API.
type BrokerError struct {
	Kind       BrokerErrorKind
	Broker     string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *BrokerError) Error() string {
	prefix := fmt.Sprintf("broker error [%s %s]", e.Broker, e.Kind)
	if e.Code != "" {
		prefix = fmt.Sprintf("broker error [%s %s %s]", e.Broker, e.Kind, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *BrokerError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// Retryable reports whether the failure is transient.
func (e *BrokerError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindNetworkTimeout
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(broker string, kind BrokerErrorKind, message string, err error) *BrokerError {
	return &BrokerError{
		Kind:    kind,
		Broker:  broker,
		Message: message,
		Err:     err,
	}
}

// BrokerKind returns the kind of a broker error, or KindUnknown for anything else.
func BrokerKind(err error) BrokerErrorKind {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsAuthExpired reports whether err is an expired-authentication broker error.
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsRejected reports whether the brokerage refused the order itself.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidSymbol) || errors.Is(err, ErrInsufficientFunds)
}

// IsRetryable reports whether err is a transient broker error.
func IsRetryable(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return errors.Is(err, ErrTimeout)
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRuleConfiguration
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a market-data error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

// Unwrap exposes both the cause and ErrDataUnavailable.
func (e *DataError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrDataUnavailable, e.Err}
	}
	return []error{ErrDataUnavailable}
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
