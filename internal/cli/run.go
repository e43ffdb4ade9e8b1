package cli

import (
	"context"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rulewatch/internal/resilience"
	"rulewatch/internal/scheduler"
)

func (app *App) newScheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	st, err := app.Store(ctx)
	if err != nil {
		return nil, err
	}
	resolver, err := app.Resolver(ctx)
	if err != nil {
		return nil, err
	}
	sc := app.Config.Scheduler
	return scheduler.New(st, app.MarketData(), resolver, app.Notifier(), app.Audit(), scheduler.Config{
		Workers:      sc.Workers,
		OrderTimeout: sc.OrderTimeout,
		UserID:       sc.UserID,
	}, app.Logger), nil
}

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch active rules until interrupted",
		Long: `Scan every active rule on a fixed interval. Rules that fire either send an
alert or place a market order through their broker connection, subject to
the rule's cooldown. Ctrl-C stops after the in-flight scan completes.`,
		Example: `  rulewatch run
  rulewatch run --interval 30s
  RULE_CHECK_INTERVAL=120 rulewatch run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			interval := app.Config.Scheduler.Interval
			if d, _ := cmd.Flags().GetDuration("interval"); d > 0 {
				interval = d
			}

			sched, err := app.newScheduler(ctx)
			if err != nil {
				return err
			}

			if !output.IsJSON() {
				output.Info("Watching rules every %s (channels: %v). Press Ctrl-C to stop.", interval, app.Notifier().Channels())
			}
			err = scheduler.NewRunner(sched, interval, app.Logger).Run(ctx)
			if resolver, rerr := app.Resolver(ctx); rerr == nil {
				for _, st := range resolver.BreakerStats() {
					app.Logger.Info().
						Str("breaker", st.Name).
						Str("state", string(st.State)).
						Int64("requests", st.TotalRequests).
						Float64("failure_rate", st.FailureRate()).
						Msg("Brokerage circuit")
				}
			}
			return err
		},
	}
	cmd.Flags().Duration("interval", 0, "override scheduler.interval")
	return cmd
}

func newTickCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single scan over active rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 5*time.Minute)
			defer cancel()

			sched, err := app.newScheduler(ctx)
			if err != nil {
				return err
			}
			summary, err := sched.Tick(ctx)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(summary)
			}
			printTickSummary(output, summary)
			if resolver, err := app.Resolver(ctx); err == nil {
				printOpenBreakers(output, resolver.BreakerStats())
			}
			return nil
		},
	}
}

func printTickSummary(output *Output, s scheduler.TickSummary) {
	output.Bold("Scan finished in %s: %d rules", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond), s.Rules)
	if s.Rules == 0 {
		output.Dim("No active rules.")
		return
	}

	outcomes := make([]string, 0, len(s.Counts))
	for o := range s.Counts {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		output.Printf("  %-17s %d\n", o, s.Counts[scheduler.Outcome(o)])
	}
	output.Println()

	table := NewTable(output, "Rule", "Ticker", "Outcome", "Detail")
	for _, r := range s.Results {
		table.AddRow(shortID(r.RuleID), r.Ticker, outcomeLabel(output, r.Outcome), Truncate(r.Message, 60))
	}
	table.Render()
}

func printOpenBreakers(output *Output, stats []resilience.CircuitBreakerStats) {
	for _, st := range stats {
		if st.State == resilience.CircuitClosed {
			continue
		}
		output.Warning("%s is %s after %d failures (%.0f%% of %d calls)", st.Name, st.State, st.TotalFailures, st.FailureRate(), st.TotalRequests)
	}
}

func outcomeLabel(output *Output, o scheduler.Outcome) string {
	switch o {
	case scheduler.OutcomeExecuted, scheduler.OutcomeAlerted:
		return output.Green(string(o))
	case scheduler.OutcomeFailed, scheduler.OutcomeError, scheduler.OutcomeInvalid:
		return output.Red(string(o))
	case scheduler.OutcomeCooldown, scheduler.OutcomeDataUnavailable:
		return output.Yellow(string(o))
	default:
		return string(o)
	}
}

// shortID trims uuids for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
