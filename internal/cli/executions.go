package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rulewatch/internal/models"
)

func newExecutionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"history"},
		Short:   "Execution history",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded executions, newest first",
		Example: `  rulewatch executions list
  rulewatch executions list --rule 3f2a9c1e-... --status FAILED
  rulewatch executions list --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			filter := models.ExecutionFilter{UserID: app.userID(cmd)}
			filter.RuleID, _ = cmd.Flags().GetString("rule")
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				filter.Status = models.ExecutionStatus(strings.ToUpper(status))
			}
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			st, err := app.Store(ctx)
			if err != nil {
				return err
			}
			execs, err := st.ListExecutions(ctx, filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if execs == nil {
					execs = []models.RuleExecution{}
				}
				return output.JSON(execs)
			}
			if len(execs) == 0 {
				output.Dim("No executions recorded.")
				return nil
			}
			printExecutions(output, execs, app.timeLayout())
			return nil
		},
	}
	list.Flags().String("rule", "", "filter by rule id")
	list.Flags().String("status", "", "filter by status (PENDING, EXECUTED, FAILED, INSUFFICIENT_FUNDS)")
	list.Flags().Duration("since", 0, "only executions triggered within this window")
	list.Flags().Int("limit", 50, "maximum rows")

	cmd.AddCommand(list)
	return cmd
}

func printExecutions(output *Output, execs []models.RuleExecution, layout string) {
	table := NewTable(output, "ID", "Triggered", "Rule", "Ticker", "Side", "Qty", "Price", "Status", "Order / Error")
	for _, e := range execs {
		detail := ""
		switch {
		case e.BrokerOrderID != nil:
			detail = *e.BrokerOrderID
		case e.ErrorMessage != nil:
			detail = Truncate(*e.ErrorMessage, 50)
		}
		price := "-"
		if e.Price.IsPositive() {
			price = FormatMoney(e.Price)
		}
		table.AddRow(
			e.ID,
			FormatTime(&e.TriggeredAt, layout),
			shortID(e.RuleID),
			e.Ticker,
			string(e.ExecutionType),
			FormatQuantity(e.Quantity),
			price,
			output.Status(string(e.Status)),
			detail,
		)
	}
	table.Render()
}
