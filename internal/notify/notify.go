// Package notify delivers rule alerts and execution results to users.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rulewatch/internal/config"
	"rulewatch/internal/models"
)

// Sink receives rule outcomes from the scheduler. Delivery is best effort:
// failures are logged and never reach the caller.
type Sink interface {
	NotifyAlert(ctx context.Context, rule models.Rule, evalCtx models.EvaluationContext)
	NotifyExecution(ctx context.Context, rule models.Rule, exec models.RuleExecution)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) NotifyAlert(context.Context, models.Rule, models.EvaluationContext) {}
func (Nop) NotifyExecution(context.Context, models.Rule, models.RuleExecution) {}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationAlert           NotificationType = "ALERT"
	NotificationExecution       NotificationType = "EXECUTION"
	NotificationExecutionFailed NotificationType = "EXECUTION_FAILED"
)

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	RuleID    string                 `json:"rule_id"`
	Ticker    string                 `json:"ticker"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NotificationChannel represents a notification delivery channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
	IsEnabled() bool
}

// Level filters which notifications are delivered.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades_only"
	LevelAlertsOnly Level = "alerts_only"
)

// DefaultSendTimeout bounds each channel delivery.
const DefaultSendTimeout = 10 * time.Second

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	mu       sync.RWMutex
	channels []NotificationChannel
	level    Level
	timeout  time.Duration
	throttle *AlertThrottle
	logger   zerolog.Logger
	now      func() time.Time
}

// NewMultiNotifier creates a notifier without channels.
func NewMultiNotifier(level Level, timeout time.Duration, logger zerolog.Logger) *MultiNotifier {
	if level == "" {
		level = LevelAll
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &MultiNotifier{
		level:    level,
		timeout:  timeout,
		throttle: NewAlertThrottle(),
		logger:   logger.With().Str("component", "notify").Logger(),
		now:      time.Now,
	}
}

// FromConfig builds a notifier with every channel the configuration enables.
// The log channel is always attached.
func FromConfig(cfg config.NotificationConfig, logger zerolog.Logger) *MultiNotifier {
	mn := NewMultiNotifier(Level(cfg.Level), cfg.SendTimeout, logger)
	mn.AddChannel(NewLogChannel(logger))
	if !cfg.Enabled {
		return mn
	}
	if cfg.Terminal {
		mn.AddChannel(NewTerminalChannel(nil))
	}
	if cfg.Webhook.Enabled {
		mn.AddChannel(NewWebhookChannel(cfg.Webhook.URL, mn.timeout))
	}
	if cfg.Telegram.Enabled {
		mn.AddChannel(NewTelegramChannel(TelegramConfig{
			Token:    cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
			Endpoint: cfg.Telegram.APIEndpoint,
			Timeout:  mn.timeout,
		}))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(channel NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, channel)
}

// Channels returns the names of the attached channels.
func (mn *MultiNotifier) Channels() []string {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	names := make([]string, 0, len(mn.channels))
	for _, ch := range mn.channels {
		names = append(names, ch.Name())
	}
	return names
}

// NotifyAlert reports a met ALERT_ONLY rule, at most once per cooldown window.
func (mn *MultiNotifier) NotifyAlert(ctx context.Context, rule models.Rule, evalCtx models.EvaluationContext) {
	if !mn.shouldSend(NotificationAlert) {
		return
	}
	if !mn.throttle.Allow(rule.ID, rule.Cooldown(), mn.now()) {
		mn.logger.Debug().Str("rule_id", rule.ID).Msg("Alert throttled")
		return
	}
	mn.Send(ctx, AlertNotification(rule, evalCtx))
}

// NotifyExecution reports the final state of an order attempt.
func (mn *MultiNotifier) NotifyExecution(ctx context.Context, rule models.Rule, exec models.RuleExecution) {
	n := ExecutionNotification(rule, exec)
	if !mn.shouldSend(n.Type) {
		return
	}
	mn.Send(ctx, n)
}

// Send delivers n to every enabled channel. Each delivery gets its own
// timeout; failures are logged.
func (mn *MultiNotifier) Send(ctx context.Context, n *Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = mn.now()
	}

	mn.mu.RLock()
	channels := make([]NotificationChannel, len(mn.channels))
	copy(channels, mn.channels)
	mn.mu.RUnlock()

	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, mn.timeout)
		err := ch.Send(sendCtx, n)
		cancel()
		if err != nil {
			mn.logger.Warn().Err(err).
				Str("channel", ch.Name()).
				Str("rule_id", n.RuleID).
				Str("type", string(n.Type)).
				Msg("Notification delivery failed")
		}
	}
}

func (mn *MultiNotifier) shouldSend(t NotificationType) bool {
	switch mn.level {
	case LevelTradesOnly:
		return t == NotificationExecution || t == NotificationExecutionFailed
	case LevelAlertsOnly:
		return t == NotificationAlert
	default:
		return true
	}
}

// AlertNotification describes a met alert rule.
func AlertNotification(rule models.Rule, evalCtx models.EvaluationContext) *Notification {
	data := map[string]interface{}{
		"rule_type":     string(evalCtx.RuleType),
		"threshold":     evalCtx.Threshold.String(),
		"current_price": evalCtx.CurrentPrice,
	}
	if evalCtx.PERatio != nil {
		data["pe_ratio"] = *evalCtx.PERatio
	}
	if evalCtx.DistancePct != nil {
		data["distance_pct"] = *evalCtx.DistancePct
	}
	return &Notification{
		Type:      NotificationAlert,
		Title:     fmt.Sprintf("Alert: %s", displayName(rule)),
		Message:   fmt.Sprintf("%s %s", evalCtx.Ticker, evalCtx.Reason),
		RuleID:    rule.ID,
		Ticker:    evalCtx.Ticker,
		Data:      data,
		Timestamp: evalCtx.EvaluatedAt,
	}
}

// ExecutionNotification describes an order attempt outcome.
func ExecutionNotification(rule models.Rule, exec models.RuleExecution) *Notification {
	n := &Notification{
		RuleID:    rule.ID,
		Ticker:    exec.Ticker,
		Timestamp: exec.TriggeredAt,
		Data: map[string]interface{}{
			"execution_id": exec.ID,
			"side":         string(exec.ExecutionType),
			"quantity":     exec.Quantity.String(),
			"status":       string(exec.Status),
		},
	}
	if exec.BrokerOrderID != nil {
		n.Data["order_id"] = *exec.BrokerOrderID
	}

	if exec.Status == models.StatusExecuted {
		n.Type = NotificationExecution
		n.Title = fmt.Sprintf("Order filled: %s", displayName(rule))
		n.Message = fmt.Sprintf("%s %s %s @ %s", exec.ExecutionType, exec.Quantity, exec.Ticker, exec.Price.StringFixed(2))
		n.Data["price"] = exec.Price.String()
		return n
	}

	n.Type = NotificationExecutionFailed
	n.Title = fmt.Sprintf("Order failed: %s", displayName(rule))
	msg := string(exec.Status)
	if exec.ErrorMessage != nil {
		msg = *exec.ErrorMessage
	}
	n.Message = fmt.Sprintf("%s %s %s: %s", exec.ExecutionType, exec.Quantity, exec.Ticker, msg)
	return n
}

func displayName(rule models.Rule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return fmt.Sprintf("%s %s", rule.Ticker, rule.RuleType)
}
