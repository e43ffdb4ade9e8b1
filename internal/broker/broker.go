// Package broker provides brokerage gateways behind a uniform contract.
package broker

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/go-resty/resty/v2"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
)

// Gateway is the capability set every brokerage adapter implements.
// Failures are *errors.BrokerError values.
type Gateway interface {
	Name() string
	Authenticate(ctx context.Context) error
	FetchPortfolio(ctx context.Context) ([]models.Holding, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.ExecutionOutcome, error)
}

// Credentials are decrypted secrets handed to an adapter. Adapters never
// persist them.
type Credentials struct {
	Username  string
	Password  string
	APIKey    string
	APISecret string
}

const (
	// DefaultReadTimeout bounds authentication and portfolio calls.
	DefaultReadTimeout = 10 * time.Second
	// DefaultOrderTimeout bounds order placement.
	DefaultOrderTimeout = 30 * time.Second
)

// withReauth runs call once and, if it fails with an expired session,
// re-authenticates and retries it exactly once.
func withReauth[T any](ctx context.Context, authenticate func(context.Context) error, call func(context.Context) (T, error)) (T, error) {
	v, err := call(ctx)
	if err == nil || !apperrors.IsAuthExpired(err) {
		return v, err
	}

	if authErr := authenticate(ctx); authErr != nil {
		var zero T
		return zero, authErr
	}
	return call(ctx)
}

// transportError classifies a failed round trip. Timeouts and other network
// failures become NETWORK_TIMEOUT so callers can treat them as retryable.
func transportError(broker string, err error) *apperrors.BrokerError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.NewBrokerError(broker, apperrors.KindNetworkTimeout, "request timed out", err)
	case errors.Is(err, context.Canceled):
		return apperrors.NewBrokerError(broker, apperrors.KindUnknown, "request cancelled", err)
	case errors.As(err, &netErr):
		msg := "network error"
		if netErr.Timeout() {
			msg = "request timed out"
		}
		return apperrors.NewBrokerError(broker, apperrors.KindNetworkTimeout, msg, err)
	}
	return apperrors.NewBrokerError(broker, apperrors.KindUnknown, "request failed", err)
}

// withStatus attaches the HTTP status and upstream code to a broker error.
func withStatus(be *apperrors.BrokerError, resp *resty.Response, code string) *apperrors.BrokerError {
	if resp != nil {
		be.StatusCode = resp.StatusCode()
	}
	be.Code = code
	return be
}

func newRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

// callTimeout derives a bounded context for one upstream call.
func callTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
