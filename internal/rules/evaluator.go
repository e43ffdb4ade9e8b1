// Package rules evaluates threshold rules against market data.
package rules

import (
	"fmt"

	"rulewatch/internal/models"
)

// Inputs are the market values a condition may read.
// Nil optional fields mean the provider could not supply them.
type Inputs struct {
	Price            float64
	PERatio          *float64
	FiftyTwoWeekHigh *float64
}

// Result is the outcome of a single condition check.
type Result struct {
	Met         bool
	DistancePct *float64
	Reason      string
}

// Reasons reported when a condition cannot be checked.
const (
	ReasonPriceUnavailable = "price unavailable"
	ReasonPEUnavailable    = "pe_ratio unavailable"
	ReasonHighUnavailable  = "52-week high unavailable"
	ReasonUnknownRuleType  = "unknown rule type"
)

// Evaluate checks rule against snapshot. It never fails: missing or invalid
// market data yields a condition that is not met.
func Evaluate(rule models.Rule, snapshot models.MarketSnapshot) (bool, models.EvaluationContext) {
	threshold, _ := rule.ValueThreshold.Float64()

	res := Condition(rule.RuleType, threshold, Inputs{
		Price:            snapshot.CurrentPrice,
		PERatio:          snapshot.PERatio,
		FiftyTwoWeekHigh: snapshot.FiftyTwoWeekHigh,
	})

	ticker := rule.Ticker
	if snapshot.Ticker != "" {
		ticker = snapshot.Ticker
	}

	return res.Met, models.EvaluationContext{
		RuleID:           rule.ID,
		Ticker:           ticker,
		RuleType:         rule.RuleType,
		Threshold:        rule.ValueThreshold,
		CurrentPrice:     snapshot.CurrentPrice,
		PERatio:          copyFloat(snapshot.PERatio),
		FiftyTwoWeekHigh: copyFloat(snapshot.FiftyTwoWeekHigh),
		DistancePct:      res.DistancePct,
		Met:              res.Met,
		Reason:           res.Reason,
		EvaluatedAt:      snapshot.ObservedAt,
	}
}

// peAvailable reports whether the provider supplied a usable P/E. Zero means
// no figure; negative ratios from loss-making companies still compare.
func peAvailable(pe *float64) bool {
	return pe != nil && *pe != 0
}

// Condition applies a rule type to raw inputs.
func Condition(ruleType models.RuleType, threshold float64, in Inputs) Result {
	if !ruleType.Valid() {
		return Result{Reason: ReasonUnknownRuleType}
	}
	if !(in.Price > 0) {
		return Result{Reason: ReasonPriceUnavailable}
	}

	switch ruleType {
	case models.RulePriceBelow:
		return Result{Met: in.Price < threshold, Reason: compare(in.Price, "<", threshold)}

	case models.RulePriceAbove:
		return Result{Met: in.Price > threshold, Reason: compare(in.Price, ">", threshold)}

	case models.RulePEBelow:
		if !peAvailable(in.PERatio) {
			return Result{Reason: ReasonPEUnavailable}
		}
		return Result{Met: *in.PERatio < threshold, Reason: compare(*in.PERatio, "<", threshold)}

	case models.RulePEAbove:
		if !peAvailable(in.PERatio) {
			return Result{Reason: ReasonPEUnavailable}
		}
		return Result{Met: *in.PERatio > threshold, Reason: compare(*in.PERatio, ">", threshold)}

	case models.RuleMaxDistance:
		if in.FiftyTwoWeekHigh == nil {
			return Result{Reason: ReasonHighUnavailable}
		}
		distance, ok := DistanceFromHigh(in.Price, *in.FiftyTwoWeekHigh)
		if !ok {
			return Result{Reason: ReasonHighUnavailable}
		}
		return Result{
			Met:         distance <= threshold,
			DistancePct: &distance,
			Reason:      compare(distance, "<=", threshold),
		}
	}

	return Result{Reason: ReasonUnknownRuleType}
}

// DistanceFromHigh returns the percentage distance of price from high.
// Negative values mean price is below the high.
func DistanceFromHigh(price, high float64) (float64, bool) {
	if !(high > 0) {
		return 0, false
	}
	return (price - high) / high * 100, true
}

func compare(value float64, op string, threshold float64) string {
	return fmt.Sprintf("%.4f %s %.4f", value, op, threshold)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
