package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"rulewatch/internal/backtest"
	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/internal/store"
)

// candleRow is one line of a daily OHLCV CSV file.
type candleRow struct {
	Date   string  `csv:"date"`
	Open   float64 `csv:"open"`
	High   float64 `csv:"high"`
	Low    float64 `csv:"low"`
	Close  float64 `csv:"close"`
	Volume int64   `csv:"volume"`
}

// executionRow is one simulated execution written by --export.
type executionRow struct {
	Date       string `csv:"date"`
	Type       string `csv:"type"`
	Price      string `csv:"price"`
	Quantity   string `csv:"quantity"`
	Amount     string `csv:"amount"`
	Status     string `csv:"status"`
	ProfitLoss string `csv:"profit_loss"`
}

// csvHistory serves bars from a local CSV file instead of the provider.
type csvHistory struct {
	candles []models.Candle
}

func loadCSVHistory(path string) (*csvHistory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []candleRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", apperrors.ErrInsufficientBacktestData, path, err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, r := range rows {
		ts, err := parseDate(r.Date)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+2, err)
		}
		candles = append(candles, models.Candle{
			Timestamp: ts,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
	return &csvHistory{candles: candles}, nil
}

// bounds returns the first and last bar dates.
func (h *csvHistory) bounds() (time.Time, time.Time, bool) {
	if len(h.candles) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return h.candles[0].Timestamp, h.candles[len(h.candles)-1].Timestamp, true
}

func (h *csvHistory) History(ctx context.Context, ticker string, start, end time.Time) ([]models.Candle, error) {
	var out []models.Candle
	for _, c := range h.candles {
		if c.Timestamp.Before(start) || c.Timestamp.After(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{models.BacktestDateLayout, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func newBacktestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest [rule-id]",
		Short: "Replay a rule over daily history",
		Long: `Simulate a rule over past daily bars with a cash ledger. The rule comes from
a stored id, the first rule of a YAML file (--file) or rule flags. Bars come
from the market data provider, cached in the store, or from a CSV file with
date,open,high,low,close,volume columns (--csv).`,
		Example: `  rulewatch backtest 3f2a9c1e-... --from 2024-01-01 --to 2024-12-31
  rulewatch backtest --ticker NVDA --type max_below --value 25 --execution BUY --quantity 2
  rulewatch backtest --file rules.yaml --csv nvda.csv --export trades.csv`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 5*time.Minute)
			defer cancel()

			rule, err := app.backtestRule(ctx, cmd, args)
			if err != nil {
				return err
			}

			var source backtest.HistorySource
			var csvSource *csvHistory
			if path, _ := cmd.Flags().GetString("csv"); path != "" {
				if csvSource, err = loadCSVHistory(path); err != nil {
					return err
				}
				source = csvSource
			} else {
				st, err := app.Store(ctx)
				if err != nil {
					return err
				}
				source = store.NewCachedHistory(st, app.MarketData(), app.Logger)
			}

			cfg, err := app.backtestConfig(cmd, rule, csvSource)
			if err != nil {
				return err
			}

			result, err := backtest.NewEngine(source, app.Logger).Run(ctx, cfg)
			if err != nil {
				return err
			}

			if path, _ := cmd.Flags().GetString("export"); path != "" {
				if err := exportExecutions(path, result.ExecutionDetails); err != nil {
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(result)
			}
			showCurve, _ := cmd.Flags().GetBool("curve")
			printBacktest(output, rule, cfg, result, showCurve)
			return nil
		},
	}

	addRuleFlags(cmd.Flags())
	cmd.Flags().String("file", "", "YAML rule file; the first rule is used")
	cmd.Flags().String("from", "", "start date YYYY-MM-DD (default: one year before --to)")
	cmd.Flags().String("to", "", "end date YYYY-MM-DD (default: today)")
	cmd.Flags().Float64("capital", 0, "initial capital (default: backtest.initial_capital)")
	cmd.Flags().String("csv", "", "read daily bars from a CSV file")
	cmd.Flags().String("export", "", "write simulated executions to a CSV file")
	cmd.Flags().Bool("curve", false, "print the daily equity curve")
	return cmd
}

func (app *App) backtestRule(ctx context.Context, cmd *cobra.Command, args []string) (models.Rule, error) {
	if len(args) == 1 {
		st, err := app.Store(ctx)
		if err != nil {
			return models.Rule{}, err
		}
		r, err := st.GetRule(ctx, args[0])
		if err != nil {
			return models.Rule{}, err
		}
		return *r, nil
	}

	def := ruleDefFromFlags(cmd.Flags())
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		defs, err := loadRuleFile(path)
		if err != nil {
			return models.Rule{}, err
		}
		def = defs[0]
	}
	// Simulation never touches a broker.
	disabled := false
	def.Enabled = &disabled
	return def.rule(app.userID(cmd))
}

// backtestConfig resolves the date range. Without --from/--to a CSV file is
// replayed in full and provider history covers the last year.
func (app *App) backtestConfig(cmd *cobra.Command, rule models.Rule, csvSource *csvHistory) (backtest.Config, error) {
	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(-1, 0, 0)
	if csvSource != nil {
		if first, last, ok := csvSource.bounds(); ok {
			start, end = first, last
		}
	}
	if s, _ := cmd.Flags().GetString("to"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return backtest.Config{}, fmt.Errorf("%w: --to: %v", apperrors.ErrInvalidBacktestConfig, err)
		}
		end = t
		if csvSource == nil {
			start = end.AddDate(-1, 0, 0)
		}
	}
	if s, _ := cmd.Flags().GetString("from"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return backtest.Config{}, fmt.Errorf("%w: --from: %v", apperrors.ErrInvalidBacktestConfig, err)
		}
		start = t
	}

	capital := app.Config.Backtest.InitialCapital
	if c, _ := cmd.Flags().GetFloat64("capital"); c != 0 {
		capital = c
	}

	return backtest.Config{
		Rule:           rule,
		StartDate:      start,
		EndDate:        end,
		InitialCapital: decimal.NewFromFloat(capital),
	}, nil
}

func exportExecutions(path string, execs []models.SimulatedExecution) error {
	rows := make([]executionRow, 0, len(execs))
	for _, e := range execs {
		row := executionRow{
			Date:     e.Date,
			Type:     string(e.Type),
			Price:    e.Price.StringFixed(2),
			Quantity: e.Quantity.String(),
			Amount:   e.Amount.StringFixed(2),
			Status:   string(e.Status),
		}
		if e.ProfitLoss != nil {
			row.ProfitLoss = e.ProfitLoss.StringFixed(2)
		}
		rows = append(rows, row)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func printBacktest(output *Output, rule models.Rule, cfg backtest.Config, r *models.BacktestResult, showCurve bool) {
	output.Bold("Backtest: %s %s, %s", rule.Ticker, describeCondition(rule), describeAction(rule))
	output.Dim("%s to %s", cfg.StartDate.Format(models.BacktestDateLayout), cfg.EndDate.Format(models.BacktestDateLayout))
	output.Println()

	ret := r.TotalReturnPct
	pnl, _ := r.TotalProfitLoss.Float64()
	output.Printf("  Initial capital: %s\n", FormatMoney(r.InitialCapital))
	output.Printf("  Final capital:   %s\n", FormatMoney(r.FinalCapital))
	output.Printf("  Total return:    %s\n", output.Signed(ret, FormatPercent(ret)))
	output.Printf("  Realized P&L:    %s\n", output.Signed(pnl, FormatMoney(r.TotalProfitLoss)))
	output.Printf("  Max drawdown:    %.2f%%\n", r.MaxDrawdownPct)
	output.Printf("  Executions:      %d (%d filled, %d failed)\n", r.TotalExecutions, r.SuccessfulExecutions, r.FailedExecutions)
	output.Printf("  Win rate:        %.2f%% (%d wins, %d losses)\n", r.WinRatePct, r.Wins, r.Losses)
	output.Printf("  Profit factor:   %.2f\n", r.ProfitFactor)

	if len(r.ExecutionDetails) > 0 {
		output.Println()
		table := NewTable(output, "Date", "Type", "Price", "Qty", "Amount", "Status", "P&L")
		for _, e := range r.ExecutionDetails {
			pl := "-"
			if e.ProfitLoss != nil {
				v, _ := e.ProfitLoss.Float64()
				pl = output.Signed(v, FormatMoney(*e.ProfitLoss))
			}
			table.AddRow(e.Date, string(e.Type), FormatMoney(e.Price), e.Quantity.String(),
				FormatMoney(e.Amount), output.Status(string(e.Status)), pl)
		}
		table.Render()
	}

	if showCurve && len(r.DailyEquityCurve) > 0 {
		output.Println()
		table := NewTable(output, "Date", "Equity", "Cash", "Positions")
		curve := append([]models.EquityPoint(nil), r.DailyEquityCurve...)
		sort.Slice(curve, func(i, j int) bool { return curve[i].Date < curve[j].Date })
		for _, p := range curve {
			table.AddRow(p.Date, FormatMoney(p.Equity), FormatMoney(p.Capital), FormatMoney(p.PositionsValue))
		}
		table.Render()
	}
}
