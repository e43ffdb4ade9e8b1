package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"rulewatch/internal/agents"
	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/internal/rules"
	"rulewatch/internal/security"
	"rulewatch/internal/store"
)

// ruleDef is the user-facing rule definition shared by flags and YAML files.
type ruleDef struct {
	Name            string  `yaml:"name"`
	Ticker          string  `yaml:"ticker"`
	Type            string  `yaml:"type"`
	Value           float64 `yaml:"value"`
	Execution       string  `yaml:"execution"`
	Quantity        float64 `yaml:"quantity"`
	CooldownMinutes *int    `yaml:"cooldown_minutes"`
	Connection      string  `yaml:"connection"`
	Enabled         *bool   `yaml:"enabled"`
}

// ruleFile is the document read by "rules import" and "backtest --file".
type ruleFile struct {
	Rules []ruleDef `yaml:"rules"`
}

// rule builds a validated rule. Rules are scanned by the scheduler unless
// Enabled is explicitly false.
func (s ruleDef) rule(userID string) (models.Rule, error) {
	draft := agents.RuleDraft{
		Name:            s.Name,
		Type:            s.Type,
		Ticker:          s.Ticker,
		Value:           decimal.NewFromFloat(s.Value),
		ExecutionType:   s.Execution,
		Quantity:        decimal.NewFromFloat(s.Quantity),
		CooldownMinutes: s.CooldownMinutes,
	}
	r, err := draft.Rule(userID)
	if err != nil {
		return models.Rule{}, err
	}

	r.ExecutionEnabled = s.Enabled == nil || *s.Enabled
	if s.Connection != "" {
		conn := s.Connection
		r.BrokerConnectionID = &conn
	}
	if r.IsTrading() && r.ExecutionEnabled && r.BrokerConnectionID == nil {
		return models.Rule{}, apperrors.NewValidationError("connection", "", "BUY and SELL rules need a broker connection")
	}
	return r, r.Validate()
}

func loadRuleFile(path string) ([]ruleDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("%s: %w: no rules defined", path, apperrors.ErrInvalidRuleConfiguration)
	}
	return doc.Rules, nil
}

func addRuleFlags(fs *pflag.FlagSet) {
	fs.String("name", "", "rule name")
	fs.String("ticker", "", "ticker symbol, e.g. NVDA or GGAL.BA")
	fs.String("type", "", "price_below, price_above, pe_below, pe_above, max_distance or max_below")
	fs.Float64("value", 0, "threshold (max_distance: signed percent from the 52-week high)")
	fs.String("execution", "ALERT_ONLY", "ALERT_ONLY, BUY or SELL")
	fs.Float64("quantity", 0, "units per order for BUY or SELL")
	fs.Int("cooldown", models.DefaultCooldownMinutes, "minutes between executions")
	fs.String("connection", "", "broker connection id for BUY or SELL")
}

func ruleDefFromFlags(fs *pflag.FlagSet) ruleDef {
	var s ruleDef
	s.Name, _ = fs.GetString("name")
	s.Ticker, _ = fs.GetString("ticker")
	s.Type, _ = fs.GetString("type")
	s.Value, _ = fs.GetFloat64("value")
	s.Execution, _ = fs.GetString("execution")
	s.Quantity, _ = fs.GetFloat64("quantity")
	cooldown, _ := fs.GetInt("cooldown")
	s.CooldownMinutes = &cooldown
	s.Connection, _ = fs.GetString("connection")
	return s
}

func (app *App) auditRuleChange(ctx context.Context, action string, r models.Rule) {
	err := app.Audit().Log(ctx, security.AuditEvent{
		EventType: security.AuditRuleChanged,
		UserID:    r.UserID,
		RuleID:    r.ID,
		Ticker:    r.Ticker,
		Action:    action,
		Success:   true,
		Details: map[string]interface{}{
			"rule_type":         r.RuleType,
			"execution_type":    r.ExecutionType,
			"execution_enabled": r.ExecutionEnabled,
		},
	})
	if err != nil {
		app.Logger.Warn().Err(err).Msg("Failed to write audit event")
	}
}

func newRulesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rules",
		Aliases: []string{"rule"},
		Short:   "Manage monitoring rules",
	}

	cmd.AddCommand(newRulesListCmd(app))
	cmd.AddCommand(newRulesShowCmd(app))
	cmd.AddCommand(newRulesAddCmd(app))
	cmd.AddCommand(newRulesImportCmd(app))
	cmd.AddCommand(newRulesParseCmd(app))
	cmd.AddCommand(newRulesToggleCmd(app, "enable", "Resume scheduled evaluation of a rule", true))
	cmd.AddCommand(newRulesToggleCmd(app, "disable", "Stop evaluating a rule", false))
	cmd.AddCommand(newRulesDeleteCmd(app))
	return cmd
}

func newRulesListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			st, err := app.Store(ctx)
			if err != nil {
				return err
			}
			ticker, _ := cmd.Flags().GetString("ticker")
			activeOnly, _ := cmd.Flags().GetBool("active")
			list, err := st.ListRules(ctx, store.RuleFilter{
				UserID:     app.userID(cmd),
				Ticker:     ticker,
				ActiveOnly: activeOnly,
			})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if list == nil {
					list = []models.Rule{}
				}
				return output.JSON(list)
			}
			if len(list) == 0 {
				output.Dim("No rules. Add one with 'rulewatch rules add'.")
				return nil
			}

			table := NewTable(output, "ID", "Name", "Ticker", "Condition", "Action", "State", "Last run")
			for _, r := range list {
				table.AddRow(
					shortID(r.ID),
					Truncate(r.Name, 30),
					r.Ticker,
					describeCondition(r),
					describeAction(r),
					ruleState(output, r),
					FormatTime(r.LastExecutionAt, app.timeLayout()),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("ticker", "", "filter by ticker")
	cmd.Flags().Bool("active", false, "only active rules")
	return cmd
}

func newRulesShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show a rule and its recent executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			st, err := app.Store(ctx)
			if err != nil {
				return err
			}
			r, err := st.GetRule(ctx, args[0])
			if err != nil {
				return err
			}
			execs, err := st.ListExecutions(ctx, models.ExecutionFilter{RuleID: r.ID, Limit: 10})
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"rule": r, "executions": execs})
			}
			output.Bold("%s", r.Name)
			output.Printf("  ID:         %s\n", r.ID)
			output.Printf("  Condition:  %s %s\n", r.Ticker, describeCondition(*r))
			output.Printf("  Action:     %s\n", describeAction(*r))
			output.Printf("  State:      %s\n", ruleState(output, *r))
			output.Printf("  Cooldown:   %d min\n", r.CooldownMinutes)
			output.Printf("  Last run:   %s\n", FormatTime(r.LastExecutionAt, app.timeLayout()))
			if r.BrokerConnectionID != nil {
				output.Printf("  Connection: %s\n", *r.BrokerConnectionID)
			}
			if len(execs) > 0 {
				output.Println()
				printExecutions(output, execs, app.timeLayout())
			}
			return nil
		},
	}
}

func newRulesAddCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a rule",
		Example: `  rulewatch rules add --ticker AAPL --type price_below --value 150
  rulewatch rules add --ticker NVDA --type max_below --value 25 --execution BUY --quantity 2 --connection <id>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			def := ruleDefFromFlags(cmd.Flags())
			if disabled, _ := cmd.Flags().GetBool("disabled"); disabled {
				f := false
				def.Enabled = &f
			}
			r, err := def.rule(app.userID(cmd))
			if err != nil {
				return err
			}

			st, err := app.Store(ctx)
			if err != nil {
				return err
			}
			if err := app.checkConnection(ctx, st, r); err != nil {
				return err
			}
			if err := st.SaveRule(ctx, &r); err != nil {
				return err
			}
			app.auditRuleChange(ctx, "create", r)

			if output.IsJSON() {
				return output.JSON(r)
			}
			output.Success("✓ Rule %s created: %s %s, %s", shortID(r.ID), r.Ticker, describeCondition(r), describeAction(r))
			return nil
		},
	}
	addRuleFlags(cmd.Flags())
	cmd.Flags().Bool("disabled", false, "save without scheduling")
	_ = cmd.MarkFlagRequired("ticker")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// checkConnection rejects trading rules bound to another user's or an
// unknown connection.
func (app *App) checkConnection(ctx context.Context, st store.Store, r models.Rule) error {
	if r.BrokerConnectionID == nil {
		return nil
	}
	conn, err := st.GetBrokerConnection(ctx, *r.BrokerConnectionID)
	if err != nil {
		return err
	}
	if conn.UserID != r.UserID {
		return fmt.Errorf("connection %s: %w", conn.ID, apperrors.ErrConnectionNotFound)
	}
	if !conn.IsActive {
		app.Logger.Warn().Str("connection_id", conn.ID).Msg("Rule bound to an inactive connection")
	}
	return nil
}

func newRulesImportCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create rules from a YAML file",
		Long: `Create every rule listed in a YAML document:

  rules:
    - name: NVDA 25% off the high
      ticker: NVDA
      type: max_below
      value: 25
      execution: BUY
      quantity: 2
      connection: <connection-id>
    - ticker: KO
      type: pe_below
      value: 20

The file is validated as a whole before anything is saved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()

			defs, err := loadRuleFile(args[0])
			if err != nil {
				return err
			}
			st, err := app.Store(ctx)
			if err != nil {
				return err
			}

			userID := app.userID(cmd)
			built := make([]models.Rule, 0, len(defs))
			for i, s := range defs {
				r, err := s.rule(userID)
				if err != nil {
					return fmt.Errorf("rule %d: %w", i+1, err)
				}
				if err := app.checkConnection(ctx, st, r); err != nil {
					return fmt.Errorf("rule %d: %w", i+1, err)
				}
				built = append(built, r)
			}

			for i := range built {
				if err := st.SaveRule(ctx, &built[i]); err != nil {
					return err
				}
				app.auditRuleChange(ctx, "import", built[i])
			}

			if output.IsJSON() {
				return output.JSON(built)
			}
			output.Success("✓ Imported %d rules", len(built))
			return nil
		},
	}
}

func newRulesParseCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <request>",
		Short: "Draft rules from a plain-language request",
		Long: `Ask the configured language model to turn a request into rule drafts.
Drafts are printed for review; --save stores them with execution disabled.`,
		Example: `  rulewatch rules parse "alert me when NVIDIA is 25% below its 52-week high"
  rulewatch rules parse --save "tell me if GGAL goes above 3000"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 2*time.Minute)
			defer cancel()

			llm, err := app.LLMClient()
			if err != nil {
				return err
			}
			drafts, err := agents.NewRuleParser(llm, app.Logger).Parse(ctx, app.userID(cmd), args[0])
			if err != nil {
				return err
			}

			if save, _ := cmd.Flags().GetBool("save"); save {
				st, err := app.Store(ctx)
				if err != nil {
					return err
				}
				for i := range drafts {
					if err := st.SaveRule(ctx, &drafts[i]); err != nil {
						return err
					}
					app.auditRuleChange(ctx, "parse", drafts[i])
				}
			}

			if output.IsJSON() {
				return output.JSON(drafts)
			}
			table := NewTable(output, "ID", "Name", "Ticker", "Condition", "Action")
			for _, r := range drafts {
				id := "-"
				if r.ID != "" {
					id = shortID(r.ID)
				}
				table.AddRow(id, Truncate(r.Name, 40), r.Ticker, describeCondition(r), describeAction(r))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Bool("save", false, "store the drafts (execution disabled)")
	return cmd
}

func newRulesToggleCmd(app *App, verb, short string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			st, err := app.Store(ctx)
			if err != nil {
				return err
			}
			r, err := st.GetRule(ctx, args[0])
			if err != nil {
				return err
			}

			r.IsActive = enable
			r.ExecutionEnabled = enable
			if enable {
				if err := r.Validate(); err != nil {
					return err
				}
				if r.IsTrading() && r.BrokerConnectionID == nil {
					return apperrors.NewValidationError("connection", "", "BUY and SELL rules need a broker connection")
				}
			}
			if err := st.SaveRule(ctx, r); err != nil {
				return err
			}
			app.auditRuleChange(ctx, verb, *r)

			if output.IsJSON() {
				return output.JSON(r)
			}
			output.Success("✓ Rule %s %sd", shortID(r.ID), verb)
			return nil
		},
	}
}

func newRulesDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Delete a rule; its execution history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			st, err := app.Store(ctx)
			if err != nil {
				return err
			}
			r, err := st.GetRule(ctx, args[0])
			if err != nil {
				return err
			}
			if err := st.DeleteRule(ctx, r.ID); err != nil {
				return err
			}
			app.auditRuleChange(ctx, "delete", *r)

			if output.IsJSON() {
				return output.JSON(map[string]string{"deleted": r.ID})
			}
			output.Success("✓ Rule %s deleted", shortID(r.ID))
			return nil
		},
	}
}

func newEvaluateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <rule-id>",
		Short: "Evaluate a rule against live market data without acting",
		Long: `Fetch a fresh snapshot and report whether the rule's condition holds.
Nothing is executed or recorded. Pass rule flags instead of an id to try a
condition before saving it.`,
		Example: `  rulewatch evaluate 3f2a9c1e-...
  rulewatch evaluate --ticker NVDA --type max_below --value 25`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()

			var r models.Rule
			if len(args) == 1 {
				st, err := app.Store(ctx)
				if err != nil {
					return err
				}
				stored, err := st.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				r = *stored
			} else {
				def := ruleDefFromFlags(cmd.Flags())
				f := false
				def.Enabled = &f
				built, err := def.rule(app.userID(cmd))
				if err != nil {
					return err
				}
				r = built
			}

			snap, err := app.MarketData().Snapshot(ctx, r.Ticker)
			if err != nil {
				return err
			}
			met, evalCtx := rules.Evaluate(r, *snap)

			if output.IsJSON() {
				return output.JSON(evalCtx)
			}
			verdict := output.DimText("not met")
			if met {
				verdict = output.Green("MET")
			}
			output.Bold("%s %s: %s", r.Ticker, describeCondition(r), verdict)
			output.Printf("  Price:        %.2f\n", evalCtx.CurrentPrice)
			output.Printf("  P/E:          %s\n", FormatOptional(evalCtx.PERatio, ""))
			output.Printf("  52-week high: %s\n", FormatOptional(evalCtx.FiftyTwoWeekHigh, ""))
			output.Printf("  From high:    %s\n", FormatOptional(evalCtx.DistancePct, "%"))
			if evalCtx.Reason != "" {
				output.Dim("  %s", evalCtx.Reason)
			}
			return nil
		},
	}
	addRuleFlags(cmd.Flags())
	return cmd
}

func describeCondition(r models.Rule) string {
	switch r.RuleType {
	case models.RulePriceBelow:
		return "price < " + r.ValueThreshold.String()
	case models.RulePriceAbove:
		return "price > " + r.ValueThreshold.String()
	case models.RulePEBelow:
		return "P/E < " + r.ValueThreshold.String()
	case models.RulePEAbove:
		return "P/E > " + r.ValueThreshold.String()
	case models.RuleMaxDistance:
		return "from 52w high <= " + r.ValueThreshold.String() + "%"
	}
	return string(r.RuleType)
}

func describeAction(r models.Rule) string {
	if !r.IsTrading() {
		return "alert"
	}
	return fmt.Sprintf("%s %s", r.ExecutionType, r.Quantity)
}

func ruleState(output *Output, r models.Rule) string {
	switch {
	case !r.IsActive:
		return output.DimText("inactive")
	case !r.ExecutionEnabled:
		return output.Yellow("paused")
	default:
		return output.Green("active")
	}
}
