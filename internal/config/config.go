// Package config provides configuration management for the rule monitor.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/security"
)

// FileName is the configuration file name inside the config directory.
const FileName = "config.toml"

// Config holds all application configuration.
type Config struct {
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	MarketData    MarketDataConfig   `mapstructure:"market_data"`
	Brokers       BrokersConfig      `mapstructure:"brokers"`
	Store         StoreConfig        `mapstructure:"store"`
	Security      SecurityConfig     `mapstructure:"security"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	LLM           LLMConfig          `mapstructure:"llm"`
	Backtest      BacktestConfig     `mapstructure:"backtest"`
	UI            UIConfig           `mapstructure:"ui"`
}

// SchedulerConfig controls the periodic rule scan.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Workers      int           `mapstructure:"workers"`
	OrderTimeout time.Duration `mapstructure:"order_timeout"`
	UserID       string        `mapstructure:"user_id"`
}

// MarketDataConfig holds quote provider settings.
type MarketDataConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

// BrokersConfig holds per-brokerage settings.
type BrokersConfig struct {
	ReadTimeout    time.Duration        `mapstructure:"read_timeout"`
	OrderTimeout   time.Duration        `mapstructure:"order_timeout"`
	IOL            IOLConfig            `mapstructure:"iol"`
	Binance        BinanceConfig        `mapstructure:"binance"`
	Paper          PaperConfig          `mapstructure:"paper"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// IOLConfig holds InvertirOnline settings.
type IOLConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Market  string `mapstructure:"market"`
}

// BinanceConfig holds Binance settings.
type BinanceConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	RecvWindow time.Duration `mapstructure:"recv_window"`
}

// PaperConfig holds simulated brokerage settings.
type PaperConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	InitialBalance float64 `mapstructure:"initial_balance"`
}

// CircuitBreakerConfig holds per-connection breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

// SecurityConfig holds credential encryption and audit settings.
type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
	AuditEnabled  bool   `mapstructure:"audit_enabled"`
	AuditDir      string `mapstructure:"audit_dir"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Level       string         `mapstructure:"level"` // all, trades_only, alerts_only
	SendTimeout time.Duration  `mapstructure:"send_timeout"`
	Terminal    bool           `mapstructure:"terminal"`
	Webhook     WebhookConfig  `mapstructure:"webhook"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`

	// APIEndpoint overrides the Bot API URL format, mostly for tests.
	APIEndpoint string `mapstructure:"api_endpoint"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// LLMConfig holds settings for natural-language rule drafting.
type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// BacktestConfig holds simulation defaults.
type BacktestConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
}

// UIConfig holds CLI output settings.
type UIConfig struct {
	ColorEnabled bool   `mapstructure:"color_enabled"`
	DateFormat   string `mapstructure:"date_format"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/rulewatch"
	}
	return filepath.Join(home, ".config", "rulewatch")
}

// Path returns the config file location for configDir.
func Path(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, FileName)
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing file
// is replaced by the commented template and defaults apply.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := newViper(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading %s: %w", FileName, err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", FileName, err)
	}

	applyEnvOverrides(cfg)
	expandPaths(cfg, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default(configDir string) *Config {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	cfg := &Config{}
	// Decoding defaults alone cannot fail.
	_ = newViper(configDir).Unmarshal(cfg)
	expandPaths(cfg, configDir)
	return cfg
}

func newViper(configDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(strings.TrimSuffix(FileName, ".toml"))
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	v.SetEnvPrefix("RULEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.interval", 60*time.Second)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.order_timeout", 30*time.Second)
	v.SetDefault("scheduler.user_id", "")

	v.SetDefault("market_data.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("market_data.timeout", 10*time.Second)
	v.SetDefault("market_data.retries", 3)
	v.SetDefault("market_data.cache_ttl", 30*time.Second)
	v.SetDefault("market_data.redis_addr", "")
	v.SetDefault("market_data.redis_password", "")
	v.SetDefault("market_data.redis_db", 0)

	v.SetDefault("brokers.read_timeout", 10*time.Second)
	v.SetDefault("brokers.order_timeout", 30*time.Second)
	v.SetDefault("brokers.iol.base_url", "https://api.invertironline.com")
	v.SetDefault("brokers.iol.market", "bCBA")
	v.SetDefault("brokers.binance.base_url", "https://api.binance.com")
	v.SetDefault("brokers.binance.recv_window", 5*time.Second)
	v.SetDefault("brokers.paper.enabled", true)
	v.SetDefault("brokers.paper.initial_balance", 1000000.0)
	v.SetDefault("brokers.circuit_breaker.failure_threshold", 5)
	v.SetDefault("brokers.circuit_breaker.success_threshold", 2)
	v.SetDefault("brokers.circuit_breaker.timeout", 60*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "rulewatch.db")
	v.SetDefault("store.dsn", "")

	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.audit_enabled", true)
	v.SetDefault("security.audit_dir", "audit")

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.send_timeout", 10*time.Second)
	v.SetDefault("notifications.terminal", true)
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.telegram.enabled", false)
	v.SetDefault("notifications.telegram.bot_token", "")
	v.SetDefault("notifications.telegram.chat_id", 0)
	v.SetDefault("notifications.telegram.api_endpoint", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join("logs", "rulewatch.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")

	v.SetDefault("backtest.initial_capital", 10000.0)

	v.SetDefault("ui.color_enabled", true)
	v.SetDefault("ui.date_format", "2006-01-02")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}

	// Seconds, as the worker deployment expresses it.
	if v := os.Getenv("RULE_CHECK_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Scheduler.Interval = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Store.DSN == "" {
		cfg.Store.DSN = v
	}
}

// expandPaths anchors relative file locations at the config directory.
func expandPaths(cfg *Config, configDir string) {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(configDir, p)
	}
	cfg.Store.Path = anchor(cfg.Store.Path)
	cfg.Security.AuditDir = anchor(cfg.Security.AuditDir)
	cfg.Logging.FilePath = anchor(cfg.Logging.FilePath)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Scheduler.Interval < time.Second {
		return invalid("scheduler.interval must be at least 1s, got %s", c.Scheduler.Interval)
	}
	if c.Scheduler.Workers < 1 {
		return invalid("scheduler.workers must be positive")
	}
	if c.Scheduler.OrderTimeout <= 0 {
		return invalid("scheduler.order_timeout must be positive")
	}

	if c.MarketData.Timeout <= 0 {
		return invalid("market_data.timeout must be positive")
	}
	if c.MarketData.Retries < 0 {
		return invalid("market_data.retries must be non-negative")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return invalid("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for postgres")
		}
	default:
		return invalid("invalid store.driver: %s (must be 'sqlite' or 'postgres')", c.Store.Driver)
	}

	if c.Brokers.Paper.InitialBalance < 0 {
		return invalid("brokers.paper.initial_balance must be non-negative")
	}
	if c.Brokers.CircuitBreaker.FailureThreshold < 1 {
		return invalid("brokers.circuit_breaker.failure_threshold must be positive")
	}

	switch c.Notifications.Level {
	case "", "all", "trades_only", "alerts_only":
	default:
		return invalid("invalid notifications.level: %s (must be 'all', 'trades_only' or 'alerts_only')", c.Notifications.Level)
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return invalid("notifications.webhook.url is required when the webhook is enabled")
	}
	if c.Notifications.Telegram.Enabled && (c.Notifications.Telegram.BotToken == "" || c.Notifications.Telegram.ChatID == 0) {
		return invalid("notifications.telegram needs bot_token and chat_id when enabled")
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return invalid("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Backtest.InitialCapital <= 0 {
		return invalid("backtest.initial_capital must be positive")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	c.Security.EncryptionKey = security.MaskCredential(c.Security.EncryptionKey)
	c.Notifications.Telegram.BotToken = security.MaskCredential(c.Notifications.Telegram.BotToken)
	c.LLM.APIKey = security.MaskCredential(c.LLM.APIKey)
	c.MarketData.RedisPassword = security.MaskCredential(c.MarketData.RedisPassword)
	if u, err := url.Parse(c.Store.DSN); err == nil && u.User != nil {
		c.Store.DSN = u.Redacted()
	} else {
		c.Store.DSN = security.SanitizeString(c.Store.DSN)
	}
	return c
}
