package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/internal/security"
)

const ruleSystemPrompt = `You convert natural-language market monitoring requests into JSON.
Reply with a JSON array only, no prose. Each element has:
- "name": short human-readable title
- "type": one of price_below, price_above, pe_below, pe_above, max_distance
- "ticker": exchange ticker symbol in upper case (e.g. NVDA, GGAL, BTC)
- "value": numeric threshold. For max_distance it is the percent distance from the
  52-week high and is negative when the price should be below the high.
- "execution_type": ALERT_ONLY, BUY or SELL (default ALERT_ONLY)
- "quantity": units to trade, only for BUY or SELL
- "cooldown_minutes": optional minimum minutes between executions

Example input: When NVIDIA is 25% below its 52-week high, buy 2
Example output: [{"name":"NVDA 25% below 52-week high","type":"max_distance","ticker":"NVDA","value":-25,"execution_type":"BUY","quantity":2}]`

// maxRequestLen bounds the user text sent to the model.
const maxRequestLen = 1000

// RuleDraft is one rule proposed by the model, before the user confirms it.
type RuleDraft struct {
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Ticker          string          `json:"ticker"`
	Value           decimal.Decimal `json:"value"`
	ExecutionType   string          `json:"execution_type,omitempty"`
	Quantity        decimal.Decimal `json:"quantity,omitempty"`
	CooldownMinutes *int            `json:"cooldown_minutes,omitempty"`
}

// RuleParser drafts rules from free text.
type RuleParser struct {
	llm    LLMClient
	logger zerolog.Logger
}

// NewRuleParser creates a parser backed by llm.
func NewRuleParser(llm LLMClient, logger zerolog.Logger) *RuleParser {
	return &RuleParser{llm: llm, logger: logger.With().Str("component", "rule_parser").Logger()}
}

// Parse asks the model for drafts and converts them into validated rules
// owned by userID. Execution stays disabled until the caller enables it.
func (p *RuleParser) Parse(ctx context.Context, userID, request string) ([]models.Rule, error) {
	if err := security.ValidateText("request", request, maxRequestLen); err != nil {
		return nil, err
	}

	reply, err := p.llm.CompleteWithSystem(ctx, ruleSystemPrompt, security.SanitizeText(request))
	if err != nil {
		return nil, err
	}

	drafts, err := ExtractDrafts(reply)
	if err != nil {
		p.logger.Debug().Str("reply", reply).Msg("Unparseable model reply")
		return nil, err
	}

	rules := make([]models.Rule, 0, len(drafts))
	for i, d := range drafts {
		rule, err := d.Rule(userID)
		if err != nil {
			return nil, fmt.Errorf("draft %d: %w", i+1, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ExtractDrafts finds the JSON array (or single object) in a model reply.
// Markdown code fences and surrounding prose are ignored.
func ExtractDrafts(reply string) ([]RuleDraft, error) {
	body := stripFences(reply)

	if start, end := strings.Index(body, "["), strings.LastIndex(body, "]"); start >= 0 && end > start {
		var drafts []RuleDraft
		if err := json.Unmarshal([]byte(body[start:end+1]), &drafts); err == nil {
			if len(drafts) == 0 {
				return nil, fmt.Errorf("%w: model returned no rules", apperrors.ErrInvalidRuleConfiguration)
			}
			return drafts, nil
		}
	}

	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		var draft RuleDraft
		if err := json.Unmarshal([]byte(body[start:end+1]), &draft); err == nil {
			return []RuleDraft{draft}, nil
		}
	}

	return nil, fmt.Errorf("%w: no JSON rule found in model reply", apperrors.ErrInvalidRuleConfiguration)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

// typeAliases maps names models commonly produce onto rule types.
var typeAliases = map[string]models.RuleType{
	"price_below":  models.RulePriceBelow,
	"below":        models.RulePriceBelow,
	"price_above":  models.RulePriceAbove,
	"above":        models.RulePriceAbove,
	"pe_below":     models.RulePEBelow,
	"pe_above":     models.RulePEAbove,
	"max_distance": models.RuleMaxDistance,
	"max_below":    models.RuleMaxDistance,
	"from_high":    models.RuleMaxDistance,
}

// Rule converts the draft into a validated rule.
func (d RuleDraft) Rule(userID string) (models.Rule, error) {
	key := strings.ToLower(strings.TrimSpace(d.Type))
	ruleType, ok := typeAliases[key]
	if !ok {
		return models.Rule{}, apperrors.NewValidationError("type", d.Type, "unknown rule type")
	}

	ticker, err := security.NormalizeTicker(d.Ticker)
	if err != nil {
		return models.Rule{}, apperrors.NewValidationError("ticker", d.Ticker, err.Error())
	}

	threshold := d.Value
	// "25% below the high" arrives as a positive number.
	if key == "max_below" && threshold.IsPositive() {
		threshold = threshold.Neg()
	}
	if f, _ := threshold.Float64(); math.IsInf(f, 0) || math.IsNaN(f) {
		return models.Rule{}, apperrors.NewValidationError("value", d.Value, "must be finite")
	}

	execType := models.ExecutionType(strings.ToUpper(strings.TrimSpace(d.ExecutionType)))
	if execType == "" {
		execType = models.ExecutionAlertOnly
	}

	// Absent means the default; an explicit zero fires on every tick.
	cooldown := models.DefaultCooldownMinutes
	if d.CooldownMinutes != nil {
		cooldown = *d.CooldownMinutes
	}

	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s %s", ticker, ruleType, threshold)
	}

	rule := models.Rule{
		UserID:          userID,
		Name:            security.SanitizeText(name),
		Ticker:          ticker,
		RuleType:        ruleType,
		ValueThreshold:  threshold,
		IsActive:        true,
		ExecutionType:   execType,
		Quantity:        d.Quantity,
		CooldownMinutes: cooldown,
	}
	if err := rule.Validate(); err != nil {
		return models.Rule{}, err
	}
	if rule.IsTrading() && !rule.Quantity.IsPositive() {
		return models.Rule{}, apperrors.NewValidationError("quantity", d.Quantity, "must be positive for BUY or SELL")
	}
	return rule, nil
}
