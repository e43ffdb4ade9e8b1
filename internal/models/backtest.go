package models

import (
	"github.com/shopspring/decimal"
)

// BacktestDateLayout formats simulated dates.
const BacktestDateLayout = "2006-01-02"

// SimulatedExecution is one audited order attempt inside a backtest.
type SimulatedExecution struct {
	Date       string           `json:"date"`
	Type       ExecutionType    `json:"type"`
	Price      decimal.Decimal  `json:"price"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Amount     decimal.Decimal  `json:"amount"`
	Status     ExecutionStatus  `json:"status"`
	ProfitLoss *decimal.Decimal `json:"profit_loss,omitempty"`
}

// EquityPoint is one day of the simulated equity curve.
type EquityPoint struct {
	Date           string          `json:"date"`
	Equity         decimal.Decimal `json:"equity"`
	Capital        decimal.Decimal `json:"capital"`
	PositionsValue decimal.Decimal `json:"positions_value"`
}

// BacktestResult summarizes a deterministic replay of a rule over past prices.
type BacktestResult struct {
	Ticker               string               `json:"ticker"`
	InitialCapital       decimal.Decimal      `json:"initial_capital"`
	TotalExecutions      int                  `json:"total_executions"`
	SuccessfulExecutions int                  `json:"successful_executions"`
	FailedExecutions     int                  `json:"failed_executions"`
	FinalCapital         decimal.Decimal      `json:"final_capital"`
	TotalReturnPct       float64              `json:"total_return"`
	TotalProfitLoss      decimal.Decimal      `json:"total_profit_loss"`
	GrossProfit          decimal.Decimal      `json:"gross_profit"`
	GrossLoss            decimal.Decimal      `json:"gross_loss"`
	Wins                 int                  `json:"wins"`
	Losses               int                  `json:"losses"`
	MaxDrawdownPct       float64              `json:"max_drawdown"`
	WinRatePct           float64              `json:"win_rate"`
	ProfitFactor         float64              `json:"profit_factor"`
	SharpeRatio          float64              `json:"sharpe_ratio"`
	ExecutionDetails     []SimulatedExecution `json:"execution_details"`
	DailyEquityCurve     []EquityPoint        `json:"daily_equity_curve"`
}

// Position is one open lot held during a backtest.
type Position struct {
	EntryPrice decimal.Decimal `json:"entry_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryDate  string          `json:"entry_date"`
}

// Value returns the lot valued at its entry price.
func (p Position) Value() decimal.Decimal {
	return p.EntryPrice.Mul(p.Quantity)
}
