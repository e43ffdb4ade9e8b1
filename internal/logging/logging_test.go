package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulewatch/internal/config"
	"rulewatch/internal/models"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestNewLoggerWithConfig_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rulewatch.log")
	logger := NewLoggerWithConfig(LogConfig{Level: "warn", File: true, FilePath: path, MaxSize: 1})

	logger.Info().Msg("dropped")
	logger.Warn().Str("ticker", "NVDA").Msg("kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"ticker":"NVDA"`)
}

func TestFromConfig(t *testing.T) {
	lc := FromConfig(config.LoggingConfig{Level: "debug", Console: true, MaxBackups: 3})
	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.Console)
	assert.Equal(t, 3, lc.MaxBackups)
	assert.Equal(t, 100, lc.MaxSize)
	assert.NotEmpty(t, lc.FilePath)
}

func TestFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	rule := models.Rule{ID: "r1", Ticker: "AAPL", RuleType: models.RulePEBelow}

	logger := WithBroker(WithRule(zerolog.New(&buf), rule), "IOL")
	tickerLogger := WithTicker(logger, "GGAL")
	tickerLogger.Info().Msg("x")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "r1", lines[0]["rule_id"])
	assert.Equal(t, "GGAL", lines[0]["ticker"])
	assert.Equal(t, "pe_below", lines[0]["rule_type"])
	assert.Equal(t, "IOL", lines[0]["broker"])
}

func TestLogExecution(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	orderID := "42"
	LogExecution(logger, models.RuleExecution{
		ID: "e1", RuleID: "r1", Ticker: "BTC", ExecutionType: models.ExecutionBuy,
		Quantity: decimal.RequireFromString("0.5"), Status: models.StatusExecuted, BrokerOrderID: &orderID,
	})
	msg := "binance rejected: api_key=abcdefghijklmnop"
	LogExecution(logger, models.RuleExecution{
		ID: "e2", RuleID: "r1", Ticker: "BTC", ExecutionType: models.ExecutionSell,
		Quantity: decimal.NewFromInt(1), Status: models.StatusFailed, ErrorMessage: &msg,
	})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "0.5", lines[0]["quantity"])
	assert.Equal(t, "42", lines[0]["order_id"])
	assert.Equal(t, "warn", lines[1]["level"])
	assert.NotContains(t, lines[1]["error"], "abcdefghijklmnop")
}

func TestLogAlertAndAPICall(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	LogAlert(logger, models.EvaluationContext{RuleID: "r1", Ticker: "NVDA", Reason: "price 95.00 < 100.00", CurrentPrice: 95})
	LogAPICall(logger, "POST", "/api/v3/order?signature=deadbeefcafe", 120*time.Millisecond, errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "alert", lines[0]["event"])
	assert.Equal(t, "price 95.00 < 100.00", lines[0]["condition"])
	assert.Equal(t, "API call failed", lines[1]["message"])
	assert.NotContains(t, lines[1]["endpoint"], "deadbeefcafe")
}
