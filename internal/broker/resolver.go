package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/internal/resilience"
	"rulewatch/internal/security"
)

// ConnectionSource looks up stored broker connections.
type ConnectionSource interface {
	GetBrokerConnection(ctx context.Context, id string) (*models.BrokerConnection, error)
}

// Decrypter opens encrypted credential fields.
type Decrypter interface {
	Decrypt(payload string) (string, error)
}

// ResolverConfig holds per-brokerage adapter settings.
type ResolverConfig struct {
	IOL     IOLConfig
	Binance BinanceConfig
	// Paper serves PAPER connections. Nil disables them.
	Paper *PaperGateway
	// Breaker configures the per-connection circuit. A zero value uses
	// resilience.DefaultCircuitBreakerConfig.
	Breaker resilience.CircuitBreakerConfig
}

// Resolver turns a connection id into a ready gateway. Gateways are cached
// per connection and guarded by a circuit breaker that outlives the cache
// entry, so Forget does not reset an open circuit.
type Resolver struct {
	conns  ConnectionSource
	cipher Decrypter
	audit  *security.AuditLogger
	cfg    ResolverConfig
	logger zerolog.Logger

	mu       sync.Mutex
	gateways map[string]Gateway
	breakers map[string]*resilience.CircuitBreaker
}

// NewResolver creates a resolver. audit may be nil.
func NewResolver(conns ConnectionSource, cipher Decrypter, audit *security.AuditLogger, cfg ResolverConfig, logger zerolog.Logger) *Resolver {
	if cfg.Breaker.FailureThreshold <= 0 && cfg.Breaker.Timeout <= 0 {
		cfg.Breaker = resilience.DefaultCircuitBreakerConfig()
	}
	// Rejections say nothing about brokerage health.
	cfg.Breaker.IsFailure = func(err error) bool { return !apperrors.IsRejected(err) }

	return &Resolver{
		conns:    conns,
		cipher:   cipher,
		audit:    audit,
		cfg:      cfg,
		logger:   logger.With().Str("component", "resolver").Logger(),
		gateways: make(map[string]Gateway),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Resolve returns the gateway for an active connection. The connection row
// is re-read on every call so a deactivated connection stops trading even
// when its gateway is cached.
func (r *Resolver) Resolve(ctx context.Context, connectionID string) (Gateway, error) {
	conn, err := r.conns.GetBrokerConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		r.Forget(connectionID)
		return nil, fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrConnectionInactive)
	}

	r.mu.Lock()
	gw, ok := r.gateways[connectionID]
	r.mu.Unlock()
	if ok {
		return gw, nil
	}

	inner, err := r.build(ctx, conn)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.gateways[connectionID]; ok {
		return cached, nil
	}
	breaker, ok := r.breakers[connectionID]
	if !ok {
		breaker = resilience.NewCircuitBreaker(fmt.Sprintf("broker:%s:%s", conn.BrokerName, conn.ID), r.cfg.Breaker)
		r.breakers[connectionID] = breaker
	}
	gw = &guardedGateway{next: inner, breaker: breaker}
	r.gateways[connectionID] = gw
	return gw, nil
}

// BreakerStats reports the circuit state of every connection resolved so
// far, ordered by breaker name.
func (r *Resolver) BreakerStats() []resilience.CircuitBreakerStats {
	r.mu.Lock()
	stats := make([]resilience.CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		stats = append(stats, cb.Stats())
	}
	r.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Forget drops a cached gateway so the next Resolve reloads credentials.
func (r *Resolver) Forget(connectionID string) {
	r.mu.Lock()
	delete(r.gateways, connectionID)
	r.mu.Unlock()
}

func (r *Resolver) build(ctx context.Context, conn *models.BrokerConnection) (Gateway, error) {
	switch conn.BrokerName {
	case models.BrokerPaper:
		if r.cfg.Paper == nil {
			return nil, fmt.Errorf("paper trading disabled: %w", apperrors.ErrUnsupportedBroker)
		}
		return r.cfg.Paper, nil

	case models.BrokerIOL:
		creds, err := r.credentials(ctx, conn)
		if err != nil {
			return nil, err
		}
		return NewIOLGateway(r.cfg.IOL, creds, r.logger), nil

	case models.BrokerBinance:
		creds, err := r.credentials(ctx, conn)
		if err != nil {
			return nil, err
		}
		return NewBinanceGateway(r.cfg.Binance, creds, r.logger), nil
	}
	return nil, fmt.Errorf("%s: %w", conn.BrokerName, apperrors.ErrUnsupportedBroker)
}

// credentials decrypts the stored fields and records the access.
func (r *Resolver) credentials(ctx context.Context, conn *models.BrokerConnection) (Credentials, error) {
	var creds Credentials
	fields := []struct {
		dst *string
		src string
	}{
		{&creds.Username, conn.UsernameEncrypted},
		{&creds.Password, conn.PasswordEncrypted},
		{&creds.APIKey, conn.APIKeyEncrypted},
		{&creds.APISecret, conn.APISecretEncrypted},
	}

	var err error
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		if r.cipher == nil {
			err = fmt.Errorf("%w: no encryption key configured", apperrors.ErrCredentialAccess)
			break
		}
		if *f.dst, err = r.cipher.Decrypt(f.src); err != nil {
			break
		}
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if auditErr := r.audit.LogCredentialAccess(ctx, conn.UserID, conn.ID, string(conn.BrokerName), err == nil, errMsg); auditErr != nil {
		r.logger.Warn().Err(auditErr).Msg("Failed to write audit event")
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("connection %s: %w", conn.ID, err)
	}
	return creds, nil
}

// guardedGateway routes every call through a circuit breaker.
type guardedGateway struct {
	next    Gateway
	breaker *resilience.CircuitBreaker
}

func (g *guardedGateway) Name() string { return g.next.Name() }

func (g *guardedGateway) Authenticate(ctx context.Context) error {
	return g.open(g.breaker.Execute(ctx, func() error { return g.next.Authenticate(ctx) }))
}

func (g *guardedGateway) FetchPortfolio(ctx context.Context) ([]models.Holding, error) {
	h, err := resilience.ExecuteWithResult(g.breaker, ctx, func() ([]models.Holding, error) {
		return g.next.FetchPortfolio(ctx)
	})
	return h, g.open(err)
}

func (g *guardedGateway) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.ExecutionOutcome, error) {
	out, err := resilience.ExecuteWithResult(g.breaker, ctx, func() (*models.ExecutionOutcome, error) {
		return g.next.PlaceOrder(ctx, req)
	})
	return out, g.open(err)
}

func (g *guardedGateway) open(err error) error {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.NewBrokerError(g.next.Name(), apperrors.KindUnknown, "brokerage temporarily disabled", err)
	}
	return err
}
