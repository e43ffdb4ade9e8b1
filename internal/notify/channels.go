package notify

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"rulewatch/internal/security"
)

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("channel", "log").Logger()}
}

func (c *LogChannel) Name() string    { return "log" }
func (c *LogChannel) IsEnabled() bool { return true }

func (c *LogChannel) Send(ctx context.Context, n *Notification) error {
	event := c.logger.Info()
	if n.Type == NotificationExecutionFailed {
		event = c.logger.Warn()
	}
	event.
		Str("type", string(n.Type)).
		Str("rule_id", n.RuleID).
		Str("ticker", n.Ticker).
		Fields(n.Data).
		Msg(n.Title + ": " + n.Message)
	return nil
}

// TerminalChannel prints colored one-line notifications.
type TerminalChannel struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTerminalChannel creates a terminal channel writing to out, or stdout
// when out is nil.
func NewTerminalChannel(out io.Writer) *TerminalChannel {
	if out == nil {
		out = color.Output
	}
	return &TerminalChannel{out: out}
}

func (c *TerminalChannel) Name() string    { return "terminal" }
func (c *TerminalChannel) IsEnabled() bool { return true }

func (c *TerminalChannel) Send(ctx context.Context, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, FormatNotification(n))
	return err
}

// FormatNotification renders n for a terminal.
func FormatNotification(n *Notification) string {
	var badge *color.Color
	var indicator string
	switch n.Type {
	case NotificationAlert:
		badge, indicator = color.New(color.FgYellow, color.Bold), "🔔"
	case NotificationExecution:
		badge, indicator = color.New(color.FgGreen, color.Bold), "✅"
	case NotificationExecutionFailed:
		badge, indicator = color.New(color.FgRed, color.Bold), "❌"
	default:
		badge, indicator = color.New(color.FgCyan), "ℹ️"
	}

	ts := color.New(color.Faint).Sprint(n.Timestamp.Format("15:04:05"))
	return fmt.Sprintf("%s %s %s %s", ts, indicator, badge.Sprint(n.Title), n.Message)
}

// WebhookChannel posts notifications as JSON.
type WebhookChannel struct {
	url    string
	client *resty.Client
}

// NewWebhookChannel creates a webhook channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		url: url,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "rulewatch"),
	}
}

func (c *WebhookChannel) Name() string    { return "webhook" }
func (c *WebhookChannel) IsEnabled() bool { return c.url != "" }

func (c *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(n).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("webhook request: %s", security.SanitizeString(err.Error()))
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token  string
	ChatID int64

	// Endpoint is the Bot API URL format; empty uses api.telegram.org.
	Endpoint string
	Timeout  time.Duration
}

// TelegramChannel sends notifications through a Telegram bot. The bot is
// created on first use so a misconfigured token does not block startup.
type TelegramChannel struct {
	cfg    TelegramConfig
	client *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSendTimeout
	}
	return &TelegramChannel{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (c *TelegramChannel) Name() string    { return "telegram" }
func (c *TelegramChannel) IsEnabled() bool { return c.cfg.Token != "" && c.cfg.ChatID != 0 }

func (c *TelegramChannel) Send(ctx context.Context, n *Notification) error {
	bot, err := c.botAPI()
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(c.cfg.ChatID, FormatTelegram(n))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	// The bot API takes no context; honor cancellation around the call.
	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %s", security.SanitizeString(err.Error()))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *TelegramChannel) botAPI() (*tgbotapi.BotAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bot != nil {
		return c.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(c.cfg.Token, c.cfg.Endpoint, c.client)
	if err != nil {
		// Error text may embed the token through the request URL.
		return nil, fmt.Errorf("telegram bot: %s", strings.ReplaceAll(err.Error(), c.cfg.Token, security.MaskCredential(c.cfg.Token)))
	}
	c.bot = bot
	return bot, nil
}

// FormatTelegram renders n as Telegram HTML.
func FormatTelegram(n *Notification) string {
	var indicator string
	switch n.Type {
	case NotificationAlert:
		indicator = "🔔"
	case NotificationExecution:
		indicator = "✅"
	case NotificationExecutionFailed:
		indicator = "❌"
	default:
		indicator = "ℹ️"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n%s", indicator, html.EscapeString(n.Title), html.EscapeString(n.Message))

	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n<i>%s</i>: %s", html.EscapeString(k), html.EscapeString(fmt.Sprint(n.Data[k])))
	}
	return b.String()
}
