package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
)

// Run replays rule over series, which must be non-empty. Bars are processed in
// ascending timestamp order. Identical inputs always produce identical results.
func Run(rule models.Rule, series []models.Candle, initialCapital decimal.Decimal) (*models.BacktestResult, error) {
	if len(series) == 0 {
		return nil, apperrors.ErrInsufficientBacktestData
	}
	if !initialCapital.IsPositive() {
		return nil, fmt.Errorf("%w: initial capital must be positive", apperrors.ErrInvalidBacktestConfig)
	}

	bars := make([]models.Candle, len(series))
	copy(bars, series)
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	result := &models.BacktestResult{
		Ticker:           rule.Ticker,
		InitialCapital:   initialCapital,
		ExecutionDetails: make([]models.SimulatedExecution, 0),
		DailyEquityCurve: make([]models.EquityPoint, 0, len(bars)),
	}

	ledger := NewLedger(initialCapital)
	for _, bar := range bars {
		var fill *models.SimulatedExecution
		var point models.EquityPoint
		ledger, fill, point = Step(ledger, rule, bar)
		if fill != nil {
			result.ExecutionDetails = append(result.ExecutionDetails, *fill)
		}
		result.DailyEquityCurve = append(result.DailyEquityCurve, point)
	}

	finalPrice := decimal.NewFromFloat(bars[len(bars)-1].Close)
	ledger = CloseOut(ledger, finalPrice)

	calculateMetrics(result, ledger)
	return result, nil
}

// calculateMetrics fills the summary figures from the closed ledger.
func calculateMetrics(result *models.BacktestResult, l Ledger) {
	result.TotalExecutions = len(result.ExecutionDetails)
	for _, e := range result.ExecutionDetails {
		if e.Status == models.StatusExecuted {
			result.SuccessfulExecutions++
		}
	}
	result.FailedExecutions = result.TotalExecutions - result.SuccessfulExecutions

	result.FinalCapital = l.Cash
	result.TotalProfitLoss = l.Cash.Sub(result.InitialCapital)
	result.TotalReturnPct = result.TotalProfitLoss.Div(result.InitialCapital).Mul(hundred).InexactFloat64()
	result.GrossProfit = l.GrossProfit
	result.GrossLoss = l.GrossLoss
	result.Wins = l.Wins
	result.Losses = l.Losses
	result.MaxDrawdownPct = l.MaxDrawdown.InexactFloat64()

	if closed := l.Wins + l.Losses; closed > 0 {
		result.WinRatePct = float64(l.Wins) / float64(closed) * 100
	}

	switch {
	case l.GrossLoss.IsPositive():
		result.ProfitFactor = l.GrossProfit.Div(l.GrossLoss).InexactFloat64()
	case l.GrossProfit.IsPositive():
		result.ProfitFactor = l.GrossProfit.InexactFloat64()
	}

	// No volatility model is defined for the ratio.
	result.SharpeRatio = 0
}

// HistorySource supplies daily bars for a ticker.
type HistorySource interface {
	History(ctx context.Context, ticker string, start, end time.Time) ([]models.Candle, error)
}

// Config describes a backtest over a date range.
type Config struct {
	Rule           models.Rule
	StartDate      time.Time
	EndDate        time.Time
	InitialCapital decimal.Decimal
}

// Engine fetches history for a rule and replays it.
type Engine struct {
	source HistorySource
	logger zerolog.Logger
}

// NewEngine creates a backtest engine backed by source.
func NewEngine(source HistorySource, logger zerolog.Logger) *Engine {
	return &Engine{
		source: source,
		logger: logger.With().Str("component", "backtest").Logger(),
	}
}

// Run executes a backtest with the given configuration.
func (e *Engine) Run(ctx context.Context, cfg Config) (*models.BacktestResult, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	candles, err := e.source.History(ctx, cfg.Rule.Ticker, cfg.StartDate, cfg.EndDate)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s between %s and %s",
			apperrors.ErrInsufficientBacktestData,
			cfg.Rule.Ticker,
			cfg.StartDate.Format(models.BacktestDateLayout),
			cfg.EndDate.Format(models.BacktestDateLayout))
	}

	result, err := Run(cfg.Rule, candles, cfg.InitialCapital)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("ticker", cfg.Rule.Ticker).
		Str("rule_type", string(cfg.Rule.RuleType)).
		Int("bars", len(candles)).
		Int("executions", result.TotalExecutions).
		Float64("return_pct", result.TotalReturnPct).
		Msg("Backtest completed")

	return result, nil
}

func validateConfig(cfg Config) error {
	if cfg.Rule.Ticker == "" {
		return fmt.Errorf("%w: ticker is required", apperrors.ErrInvalidBacktestConfig)
	}
	if !cfg.Rule.RuleType.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", apperrors.ErrInvalidBacktestConfig, cfg.Rule.RuleType)
	}
	if cfg.StartDate.IsZero() || cfg.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", apperrors.ErrInvalidBacktestConfig)
	}
	if cfg.EndDate.Before(cfg.StartDate) {
		return fmt.Errorf("%w: end date must be after start date", apperrors.ErrInvalidBacktestConfig)
	}
	if !cfg.InitialCapital.IsPositive() {
		return fmt.Errorf("%w: initial capital must be positive", apperrors.ErrInvalidBacktestConfig)
	}
	return nil
}
