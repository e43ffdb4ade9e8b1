// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"rulewatch/internal/config"
	"rulewatch/internal/models"
	"rulewatch/internal/security"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	// Out receives console output; nil means stderr.
	Out io.Writer
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(config.DefaultConfigDir(), "logs", "rulewatch.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// FromConfig converts the file configuration. Unset values keep their
// defaults.
func FromConfig(cfg config.LoggingConfig) LogConfig {
	lc := DefaultLogConfig()
	lc.Console = cfg.Console
	lc.File = cfg.File
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if cfg.FilePath != "" {
		lc.FilePath = cfg.FilePath
	}
	if cfg.MaxSize > 0 {
		lc.MaxSize = cfg.MaxSize
	}
	if cfg.MaxBackups > 0 {
		lc.MaxBackups = cfg.MaxBackups
	}
	if cfg.MaxAge > 0 {
		lc.MaxAge = cfg.MaxAge
	}
	return lc
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		out := cfg.Out
		if out == nil {
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    color.NoColor,
			FormatLevel: func(i interface{}) string {
				ll, ok := i.(string)
				if !ok {
					return "???"
				}
				switch ll {
				case "debug":
					return color.CyanString("DBG")
				case "info":
					return color.GreenString("INF")
				case "warn":
					return color.YellowString("WRN")
				case "error":
					return color.RedString("ERR")
				default:
					return ll
				}
			},
		})
	}

	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithRule adds rule identity to the logger context.
func WithRule(logger zerolog.Logger, rule models.Rule) zerolog.Logger {
	return logger.With().
		Str("rule_id", rule.ID).
		Str("ticker", rule.Ticker).
		Str("rule_type", string(rule.RuleType)).
		Logger()
}

// WithTicker adds a ticker to the logger context.
func WithTicker(logger zerolog.Logger, ticker string) zerolog.Logger {
	return logger.With().Str("ticker", ticker).Logger()
}

// WithBroker adds a brokerage name to the logger context.
func WithBroker(logger zerolog.Logger, broker string) zerolog.Logger {
	return logger.With().Str("broker", broker).Logger()
}

// LogExecution logs the final state of an order attempt.
func LogExecution(logger zerolog.Logger, exec models.RuleExecution) {
	event := logger.Info()
	if exec.Status != models.StatusExecuted {
		event = logger.Warn()
	}
	event = event.
		Str("event", "execution").
		Str("execution_id", exec.ID).
		Str("rule_id", exec.RuleID).
		Str("ticker", exec.Ticker).
		Str("side", string(exec.ExecutionType)).
		Str("quantity", exec.Quantity.String()).
		Str("status", string(exec.Status))
	if exec.BrokerOrderID != nil {
		event = event.Str("order_id", *exec.BrokerOrderID)
	}
	if exec.ErrorMessage != nil {
		event = event.Str("error", security.SanitizeString(*exec.ErrorMessage))
	}
	event.Msg("Execution recorded")
}

// LogAlert logs a met alert rule.
func LogAlert(logger zerolog.Logger, evalCtx models.EvaluationContext) {
	logger.Info().
		Str("event", "alert").
		Str("rule_id", evalCtx.RuleID).
		Str("ticker", evalCtx.Ticker).
		Str("condition", evalCtx.Reason).
		Float64("price", evalCtx.CurrentPrice).
		Msg("Alert triggered")
}

// LogAPICall logs an API call.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", security.SanitizeString(endpoint)).
		Dur("duration", duration)

	if err != nil {
		event.Str("error", security.SanitizeString(err.Error())).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
