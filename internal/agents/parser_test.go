package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
)

type stubLLM struct {
	reply  string
	err    error
	system string
	user   string
}

func (s *stubLLM) CompleteWithSystem(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	s.system, s.user = systemPrompt, userPrompt
	return s.reply, s.err
}

func TestExtractDrafts(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  int
	}{
		{"bare array", `[{"name":"a","type":"price_below","ticker":"AAPL","value":150}]`, 1},
		{"fenced", "```json\n[{\"type\":\"pe_below\",\"ticker\":\"KO\",\"value\":20},{\"type\":\"price_above\",\"ticker\":\"GGAL\",\"value\":3000}]\n```", 2},
		{"prose around", `Sure! Here you go: [{"type":"max_below","ticker":"NVDA","value":25}] Let me know.`, 1},
		{"single object", `{"type":"price_above","ticker":"MSFT","value":"420.5"}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drafts, err := ExtractDrafts(tt.reply)
			require.NoError(t, err)
			assert.Len(t, drafts, tt.want)
		})
	}
}

func TestExtractDrafts_Rejects(t *testing.T) {
	for _, reply := range []string{"", "I cannot help with that.", "[]", "[{broken"} {
		_, err := ExtractDrafts(reply)
		assert.ErrorIs(t, err, apperrors.ErrInvalidRuleConfiguration, "reply %q", reply)
	}
}

func TestRuleDraft_Rule(t *testing.T) {
	t.Run("max_below is negated", func(t *testing.T) {
		rule, err := RuleDraft{Name: "NVDA dip", Type: "max_below", Ticker: "nvda", Value: decimal.NewFromInt(25)}.Rule("u1")
		require.NoError(t, err)
		assert.Equal(t, models.RuleMaxDistance, rule.RuleType)
		assert.True(t, rule.ValueThreshold.Equal(decimal.NewFromInt(-25)))
		assert.Equal(t, "NVDA", rule.Ticker)
		assert.Equal(t, "u1", rule.UserID)
	})

	t.Run("defaults", func(t *testing.T) {
		rule, err := RuleDraft{Type: "price_below", Ticker: "AAPL", Value: decimal.NewFromInt(150)}.Rule("u1")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionAlertOnly, rule.ExecutionType)
		assert.Equal(t, models.DefaultCooldownMinutes, rule.CooldownMinutes)
		assert.True(t, rule.IsActive)
		assert.False(t, rule.ExecutionEnabled)
		assert.NotEmpty(t, rule.Name)
	})

	t.Run("explicit zero cooldown is kept", func(t *testing.T) {
		zero := 0
		rule, err := RuleDraft{Type: "price_below", Ticker: "AAPL", Value: decimal.NewFromInt(150), CooldownMinutes: &zero}.Rule("u1")
		require.NoError(t, err)
		assert.Equal(t, 0, rule.CooldownMinutes)
	})

	t.Run("negative cooldown is rejected", func(t *testing.T) {
		neg := -5
		_, err := RuleDraft{Type: "price_below", Ticker: "AAPL", Value: decimal.NewFromInt(150), CooldownMinutes: &neg}.Rule("u1")
		var ve *apperrors.ValidationError
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("max_distance keeps sign", func(t *testing.T) {
		rule, err := RuleDraft{Type: "max_distance", Ticker: "NVDA", Value: decimal.NewFromInt(-10)}.Rule("u1")
		require.NoError(t, err)
		assert.True(t, rule.ValueThreshold.Equal(decimal.NewFromInt(-10)))
	})

	t.Run("trading draft needs quantity", func(t *testing.T) {
		_, err := RuleDraft{Type: "price_below", Ticker: "AAPL", Value: decimal.NewFromInt(150), ExecutionType: "buy"}.Rule("u1")
		var ve *apperrors.ValidationError
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := RuleDraft{Type: "rsi_below", Ticker: "AAPL", Value: decimal.NewFromInt(30)}.Rule("u1")
		assert.Error(t, err)
	})

	t.Run("bad ticker", func(t *testing.T) {
		_, err := RuleDraft{Type: "price_below", Ticker: "not a ticker", Value: decimal.NewFromInt(1)}.Rule("u1")
		assert.Error(t, err)
	})
}

func TestRuleParser_Parse(t *testing.T) {
	llm := &stubLLM{reply: `[{"name":"Buy NVDA dip","type":"max_below","ticker":"NVDA","value":25,"execution_type":"BUY","quantity":2,"cooldown_minutes":1440}]`}
	p := NewRuleParser(llm, zerolog.Nop())

	rules, err := p.Parse(context.Background(), "u1", "When NVIDIA is 25% below its 52-week high, buy 2")
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, models.ExecutionBuy, r.ExecutionType)
	assert.True(t, r.Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 1440, r.CooldownMinutes)
	assert.False(t, r.ExecutionEnabled)
	assert.Equal(t, ruleSystemPrompt, llm.system)
	assert.Contains(t, llm.user, "NVIDIA")
}

func TestRuleParser_RejectsBadRequests(t *testing.T) {
	llm := &stubLLM{}
	p := NewRuleParser(llm, zerolog.Nop())

	_, err := p.Parse(context.Background(), "u1", "drop table rules")
	assert.Error(t, err)
	assert.Empty(t, llm.user, "model is not called for rejected input")

	llm.err = errors.New("upstream down")
	_, err = p.Parse(context.Background(), "u1", "alert me when AAPL is under 150")
	assert.ErrorContains(t, err, "upstream down")
}

func TestOpenAIClient_CompatibleEndpoint(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  got.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `[{"type":"price_above","ticker":"GGAL","value":3000}]`,
				},
			}},
		})
	}))
	defer srv.Close()

	client := NewOpenAIClient(ClientConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "llama-3.1-8b-instant", Timeout: 5 * time.Second})
	assert.Equal(t, "llama-3.1-8b-instant", client.Model())

	rules, err := NewRuleParser(client, zerolog.Nop()).Parse(context.Background(), "u1", "tell me when GGAL goes over 3000")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, models.RulePriceAbove, rules[0].RuleType)

	assert.Equal(t, "llama-3.1-8b-instant", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
}

func TestNewOpenAIClient_DefaultModel(t *testing.T) {
	assert.Equal(t, "gpt-4o-mini", NewOpenAIClient(ClientConfig{APIKey: "k"}).Model())
}

// Positive max_below values always become negative distance thresholds.
func TestProperty_MaxBelowNegated(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("max_below threshold is never positive", prop.ForAll(
		func(pct float64) bool {
			rule, err := RuleDraft{Type: "max_below", Ticker: "NVDA", Value: decimal.NewFromFloat(pct)}.Rule("u")
			if err != nil {
				return false
			}
			return !rule.ValueThreshold.IsPositive() && rule.ValueThreshold.Abs().Equal(decimal.NewFromFloat(pct))
		},
		gen.Float64Range(0.01, 99),
	))

	properties.TestingRun(t)
}
