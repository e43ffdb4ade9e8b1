// Package scheduler runs active rules against live market data and places
// orders for the ones that fire.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"rulewatch/internal/broker"
	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/logging"
	"rulewatch/internal/models"
	"rulewatch/internal/notify"
	"rulewatch/internal/rules"
	"rulewatch/internal/security"
)

// RuleStore is the persistence the scheduler needs.
type RuleStore interface {
	ListActiveRules(ctx context.Context) ([]models.Rule, error)
	RecordAttempt(ctx context.Context, exec *models.RuleExecution) error
	FinalizeExecution(ctx context.Context, exec *models.RuleExecution) error
}

// SnapshotSource supplies live market data.
type SnapshotSource interface {
	Snapshot(ctx context.Context, ticker string) (*models.MarketSnapshot, error)
}

// GatewayResolver maps a broker connection id to a ready gateway.
type GatewayResolver interface {
	Resolve(ctx context.Context, connectionID string) (broker.Gateway, error)
}

// Config holds scheduler settings.
type Config struct {
	Workers      int
	OrderTimeout time.Duration

	// UserID restricts ticks to one owner's rules when set.
	UserID string
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		OrderTimeout: broker.DefaultOrderTimeout,
	}
}

// Outcome is what happened to one rule during a tick.
type Outcome string

const (
	OutcomeNotMet          Outcome = "not_met"
	OutcomeDataUnavailable Outcome = "data_unavailable"
	OutcomeAlerted         Outcome = "alerted"
	OutcomeCooldown        Outcome = "cooldown"
	OutcomeExecuted        Outcome = "executed"
	OutcomeFailed          Outcome = "failed"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeError           Outcome = "error"
)

// RuleResult describes one rule's pass through a tick.
type RuleResult struct {
	RuleID      string  `json:"rule_id"`
	Ticker      string  `json:"ticker"`
	Outcome     Outcome `json:"outcome"`
	ExecutionID string  `json:"execution_id,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// TickSummary aggregates a tick.
type TickSummary struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Rules      int             `json:"rules"`
	Counts     map[Outcome]int `json:"counts"`
	Results    []RuleResult    `json:"results"`
}

// Count returns how many rules ended with o.
func (s TickSummary) Count(o Outcome) int {
	return s.Counts[o]
}

// Scheduler evaluates active rules and executes the ones that fire.
type Scheduler struct {
	store    RuleStore
	market   SnapshotSource
	resolver GatewayResolver
	sink     notify.Sink
	audit    *security.AuditLogger
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	// tickMu serializes ticks so no rule is processed twice concurrently.
	tickMu sync.Mutex
}

// New creates a scheduler. sink and audit may be nil.
func New(st RuleStore, market SnapshotSource, resolver GatewayResolver, sink notify.Sink, audit *security.AuditLogger, cfg Config, logger zerolog.Logger) *Scheduler {
	if sink == nil {
		sink = notify.Nop{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = broker.DefaultOrderTimeout
	}
	return &Scheduler{
		store:    st,
		market:   market,
		resolver: resolver,
		sink:     sink,
		audit:    audit,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Tick runs one scan over all active rules. Per-rule failures are recorded
// in the summary; only a failure to list rules is returned.
func (s *Scheduler) Tick(ctx context.Context) (TickSummary, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	summary := TickSummary{StartedAt: s.now(), Counts: make(map[Outcome]int)}

	active, err := s.store.ListActiveRules(ctx)
	if err != nil {
		return summary, apperrors.Wrap(err, "listing active rules")
	}
	if s.cfg.UserID != "" {
		owned := active[:0]
		for _, r := range active {
			if r.UserID == s.cfg.UserID {
				owned = append(owned, r)
			}
		}
		active = owned
	}

	results := make([]RuleResult, len(active))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, rule := range active {
		i, rule := i, rule
		g.Go(func() error {
			results[i] = s.processRule(ctx, rule)
			return nil
		})
	}
	_ = g.Wait()

	summary.Rules = len(active)
	summary.Results = results
	for _, r := range results {
		summary.Counts[r.Outcome]++
	}
	summary.FinishedAt = s.now()

	s.logger.Info().
		Int("rules", summary.Rules).
		Int("executed", summary.Count(OutcomeExecuted)).
		Int("failed", summary.Count(OutcomeFailed)).
		Int("alerts", summary.Count(OutcomeAlerted)).
		Int("cooldown", summary.Count(OutcomeCooldown)).
		Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("Tick completed")

	return summary, nil
}

func (s *Scheduler) processRule(ctx context.Context, rule models.Rule) (res RuleResult) {
	res = RuleResult{RuleID: rule.ID, Ticker: rule.Ticker}
	logger := logging.WithRule(s.logger, rule)

	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Rule processing panicked")
			res.Outcome = OutcomeError
			res.Message = fmt.Sprintf("panic: %v", p)
		}
	}()

	if err := rule.Validate(); err != nil {
		logger.Warn().Err(err).Msg("Skipping invalid rule")
		res.Outcome = OutcomeInvalid
		res.Message = err.Error()
		return res
	}

	snap, err := s.market.Snapshot(ctx, rule.Ticker)
	if err != nil || snap == nil {
		if err == nil {
			err = apperrors.ErrDataUnavailable
		}
		logger.Warn().Err(err).Msg("Market data unavailable")
		res.Outcome = OutcomeDataUnavailable
		res.Message = err.Error()
		return res
	}

	met, evalCtx := rules.Evaluate(rule, *snap)
	res.Message = evalCtx.Reason
	if !met {
		logger.Debug().Str("reason", evalCtx.Reason).Msg("Condition not met")
		res.Outcome = OutcomeNotMet
		return res
	}

	if !rule.WantsExecution() {
		logging.LogAlert(logger, evalCtx)
		s.sink.NotifyAlert(ctx, rule, evalCtx)
		res.Outcome = OutcomeAlerted
		return res
	}

	now := s.now()
	if !rule.CooldownElapsed(now) {
		logger.Debug().Time("last_execution_at", *rule.LastExecutionAt).Msg("Cooldown active")
		res.Outcome = OutcomeCooldown
		return res
	}

	exec, err := s.attempt(ctx, rule, *snap, now, logger)
	if exec != nil {
		res.ExecutionID = exec.ID
	}
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("Execution attempt not recorded")
		res.Outcome = OutcomeError
		res.Message = err.Error()
	case exec.Status == models.StatusExecuted:
		res.Outcome = OutcomeExecuted
	default:
		res.Outcome = OutcomeFailed
		if exec.ErrorMessage != nil {
			res.Message = *exec.ErrorMessage
		}
	}
	return res
}

// attempt records a PENDING execution, places the order and finalizes the
// record. The returned error is set only when persistence fails.
func (s *Scheduler) attempt(ctx context.Context, rule models.Rule, snap models.MarketSnapshot, now time.Time, logger zerolog.Logger) (*models.RuleExecution, error) {
	side, _ := rule.ExecutionType.Side()
	price := decimal.NewFromFloat(snap.CurrentPrice)

	exec := &models.RuleExecution{
		RuleID:             rule.ID,
		UserID:             rule.UserID,
		BrokerConnectionID: rule.BrokerConnectionID,
		ExecutionType:      rule.ExecutionType,
		Ticker:             rule.Ticker,
		Quantity:           rule.Quantity,
		Price:              price,
		TotalAmount:        price.Mul(rule.Quantity),
		Status:             models.StatusPending,
		TriggeredAt:        now,
	}
	if err := s.store.RecordAttempt(ctx, exec); err != nil {
		return nil, fmt.Errorf("recording attempt: %w", err)
	}

	brokerName, outcome, err := s.place(ctx, rule, side, logger)
	if err != nil {
		msg := security.SanitizeString(err.Error())
		exec.MarkFailed(msg, nil)
		logger.Warn().
			Err(errors.New(msg)).
			Str("kind", string(apperrors.BrokerKind(err))).
			Bool("retryable", apperrors.IsRetryable(err)).
			Msg("Order failed")
	} else {
		exec.MarkExecuted(outcome, s.now())
	}

	// A shutdown must not leave the record PENDING.
	finalizeCtx := context.WithoutCancel(ctx)
	if ferr := s.store.FinalizeExecution(finalizeCtx, exec); ferr != nil {
		return exec, apperrors.Wrapf(ferr, "finalizing execution %s", exec.ID)
	}

	logging.LogExecution(logging.WithBroker(logger, brokerName), *exec)
	s.sink.NotifyExecution(finalizeCtx, rule, *exec)

	orderID, errMsg := "", ""
	if exec.BrokerOrderID != nil {
		orderID = *exec.BrokerOrderID
	}
	if exec.ErrorMessage != nil {
		errMsg = *exec.ErrorMessage
	}
	if aerr := s.audit.LogOrder(finalizeCtx, rule.ID, brokerName, rule.Ticker, string(side), rule.Quantity.String(), orderID, exec.Status == models.StatusExecuted, errMsg); aerr != nil {
		logger.Warn().Err(aerr).Msg("Failed to write audit event")
	}
	return exec, nil
}

func (s *Scheduler) place(ctx context.Context, rule models.Rule, side models.OrderSide, logger zerolog.Logger) (string, *models.ExecutionOutcome, error) {
	if rule.BrokerConnectionID == nil || *rule.BrokerConnectionID == "" {
		return "", nil, apperrors.ErrNoBrokerConnection
	}
	if s.resolver == nil {
		return "", nil, fmt.Errorf("no brokerage resolver configured: %w", apperrors.ErrNoBrokerConnection)
	}

	gw, err := s.resolver.Resolve(ctx, *rule.BrokerConnectionID)
	if err != nil {
		return "", nil, err
	}

	orderCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := gw.PlaceOrder(orderCtx, models.OrderRequest{
		Ticker:   rule.Ticker,
		Quantity: rule.Quantity,
		Side:     side,
		Type:     models.OrderTypeMarket,
	})
	logging.LogAPICall(logger, "PlaceOrder", gw.Name(), time.Since(start), err)
	if err == nil && outcome == nil {
		err = apperrors.NewBrokerError(gw.Name(), apperrors.KindUnknown, "empty order outcome", nil)
	}
	return gw.Name(), outcome, err
}
