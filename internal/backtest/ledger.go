// Package backtest replays a rule over historical prices.
package backtest

import (
	"slices"

	"github.com/shopspring/decimal"

	"rulewatch/internal/models"
	"rulewatch/internal/rules"
)

var hundred = decimal.NewFromInt(100)

// Ledger is the simulation state threaded from one bar to the next.
// Step never mutates its input ledger.
type Ledger struct {
	Cash        decimal.Decimal
	Positions   []models.Position
	PeakEquity  decimal.Decimal
	MaxDrawdown decimal.Decimal
	RunningHigh float64
	Wins        int
	Losses      int
	GrossProfit decimal.Decimal
	GrossLoss   decimal.Decimal
}

// NewLedger starts a ledger with the given cash and no open lots.
func NewLedger(initialCapital decimal.Decimal) Ledger {
	return Ledger{
		Cash:       initialCapital,
		PeakEquity: initialCapital,
	}
}

// PositionsValue values open lots at their entry price.
func (l Ledger) PositionsValue() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.Positions {
		total = total.Add(p.Value())
	}
	return total
}

// Equity is cash plus open lots at entry price.
func (l Ledger) Equity() decimal.Decimal {
	return l.Cash.Add(l.PositionsValue())
}

// Step applies one bar to the ledger. It returns the next ledger, the order
// attempt made on this bar (nil when the rule did not fire), and the equity
// point recorded after the bar.
func Step(l Ledger, rule models.Rule, bar models.Candle) (Ledger, *models.SimulatedExecution, models.EquityPoint) {
	next := l
	date := bar.Timestamp.Format(models.BacktestDateLayout)

	// Running high includes the current bar and nothing after it.
	high := bar.High
	if high <= 0 {
		high = bar.Close
	}
	if high > next.RunningHigh {
		next.RunningHigh = high
	}

	var fill *models.SimulatedExecution
	if shouldTrade(rule) && fires(rule, bar.Close, next.RunningHigh) {
		price := decimal.NewFromFloat(bar.Close)
		next, fill = apply(next, rule, price, date)
	}

	equity := next.Equity()
	if equity.GreaterThan(next.PeakEquity) {
		next.PeakEquity = equity
	}
	if next.PeakEquity.IsPositive() {
		drawdown := next.PeakEquity.Sub(equity).Div(next.PeakEquity).Mul(hundred)
		if drawdown.GreaterThan(next.MaxDrawdown) {
			next.MaxDrawdown = drawdown
		}
	}

	return next, fill, models.EquityPoint{
		Date:           date,
		Equity:         equity,
		Capital:        next.Cash,
		PositionsValue: next.PositionsValue(),
	}
}

// CloseOut sells every open lot at price, realizing profit and loss.
func CloseOut(l Ledger, price decimal.Decimal) Ledger {
	next := l
	for _, p := range l.Positions {
		next.Cash = next.Cash.Add(price.Mul(p.Quantity))
		next = realize(next, price.Sub(p.EntryPrice).Mul(p.Quantity))
	}
	next.Positions = nil
	return next
}

func shouldTrade(rule models.Rule) bool {
	return rule.IsTrading() && rule.Quantity.IsPositive()
}

// fires evaluates the rule with the bar close as price. No fundamentals series
// is available, so P/E rules never fire.
func fires(rule models.Rule, closePrice, runningHigh float64) bool {
	threshold, _ := rule.ValueThreshold.Float64()
	in := rules.Inputs{Price: closePrice}
	if runningHigh > 0 {
		high := runningHigh
		in.FiftyTwoWeekHigh = &high
	}
	return rules.Condition(rule.RuleType, threshold, in).Met
}

func apply(l Ledger, rule models.Rule, price decimal.Decimal, date string) (Ledger, *models.SimulatedExecution) {
	next := l
	qty := rule.Quantity
	fill := &models.SimulatedExecution{
		Date:     date,
		Type:     rule.ExecutionType,
		Price:    price,
		Quantity: qty,
		Amount:   price.Mul(qty),
	}

	switch rule.ExecutionType {
	case models.ExecutionBuy:
		if next.Cash.LessThan(fill.Amount) {
			fill.Status = models.StatusInsufficientFunds
			return l, fill
		}
		next.Cash = next.Cash.Sub(fill.Amount)
		next.Positions = append(slices.Clip(next.Positions), models.Position{
			EntryPrice: price,
			Quantity:   qty,
			EntryDate:  date,
		})
		fill.Status = models.StatusExecuted

	case models.ExecutionSell:
		if len(next.Positions) == 0 {
			fill.Status = models.StatusNoPosition
			return l, fill
		}
		lot := next.Positions[0]
		next.Positions = next.Positions[1:]
		// The oldest lot is closed in full.
		fill.Quantity = lot.Quantity
		fill.Amount = price.Mul(lot.Quantity)
		next.Cash = next.Cash.Add(fill.Amount)
		profit := price.Sub(lot.EntryPrice).Mul(lot.Quantity)
		next = realize(next, profit)
		fill.ProfitLoss = &profit
		fill.Status = models.StatusExecuted
	}

	return next, fill
}

func realize(l Ledger, profit decimal.Decimal) Ledger {
	if profit.IsPositive() {
		l.Wins++
		l.GrossProfit = l.GrossProfit.Add(profit)
	} else {
		l.Losses++
		l.GrossLoss = l.GrossLoss.Add(profit.Abs())
	}
	return l
}
