package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerError_MatchesKindSentinel(t *testing.T) {
	tests := []struct {
		kind      BrokerErrorKind
		sentinel  error
		retryable bool
		rejected  bool
	}{
		{KindAuthExpired, ErrAuthExpired, false, false},
		{KindInvalidSymbol, ErrInvalidSymbol, false, true},
		{KindInsufficientFunds, ErrInsufficientFunds, false, true},
		{KindRateLimited, ErrRateLimited, true, false},
		{KindNetworkTimeout, ErrTimeout, true, false},
		{KindUnknown, ErrBrokerUnknown, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := fmt.Errorf("placing order: %w", NewBrokerError("IOL", tt.kind, "boom", nil))
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.kind, BrokerKind(err))
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.rejected, IsRejected(err))
			assert.Equal(t, tt.kind == KindAuthExpired, IsAuthExpired(err))
		})
	}
}

func TestBrokerError_Message(t *testing.T) {
	be := NewBrokerError("BINANCE", KindInvalidSymbol, "order rejected", nil)
	be.Code = "-1121"
	assert.Equal(t, "broker error [BINANCE INVALID_SYMBOL -1121]: order rejected", be.Error())

	cause := errors.New("connection reset")
	wrapped := NewBrokerError("IOL", KindNetworkTimeout, "portfolio", cause)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "connection reset")
}

func TestBrokerKind_NonBrokerError(t *testing.T) {
	assert.Equal(t, KindUnknown, BrokerKind(errors.New("plain")))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrTimeout)))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestValidationError_UnwrapsToRuleConfiguration(t *testing.T) {
	err := Wrap(NewValidationError("quantity", -1, "must not be negative"), "rule 3")
	assert.ErrorIs(t, err, ErrInvalidRuleConfiguration)

	var ve *ValidationError
	assert.True(t, As(err, &ve))
	assert.Equal(t, "quantity", ve.Field)
}

func TestDataError_UnwrapsToDataUnavailable(t *testing.T) {
	cause := errors.New("404")
	err := NewDataError("quote", "NVDA", "no quote", cause)
	assert.True(t, Is(err, ErrDataUnavailable))
	assert.True(t, Is(err, cause))
	assert.Equal(t, "data error [quote] NVDA: no quote: 404", err.Error())

	assert.Nil(t, Wrap(nil, "ignored"))
	assert.Nil(t, Wrapf(nil, "ignored %d", 1))
}
