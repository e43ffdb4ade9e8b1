package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rulewatch/internal/broker"
	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/models"
	"rulewatch/internal/security"
)

func newConnectionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		Short:   "Manage brokerage connections",
	}
	cmd.AddCommand(newConnectionsAddCmd(app))
	cmd.AddCommand(newConnectionsListCmd(app))
	cmd.AddCommand(newConnectionsDisableCmd(app))
	cmd.AddCommand(newPortfolioCmd(app))
	return cmd
}

func newConnectionsAddCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store encrypted brokerage credentials",
		Long: `Store a brokerage connection. Credentials are encrypted with the key from
security.encryption_key (or ENCRYPTION_KEY) before they reach the database.

IOL needs --username and --password. BINANCE needs --api-key and --api-secret.
PAPER needs nothing and trades against a simulated account.`,
		Example: `  rulewatch connections add --broker IOL --username me@example.com --password ...
  rulewatch connections add --broker BINANCE --api-key ... --api-secret ... --verify
  rulewatch connections add --broker PAPER`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()

			name, _ := cmd.Flags().GetString("broker")
			brokerName := models.BrokerName(strings.ToUpper(name))

			var creds broker.Credentials
			creds.Username, _ = cmd.Flags().GetString("username")
			creds.Password, _ = cmd.Flags().GetString("password")
			creds.APIKey, _ = cmd.Flags().GetString("api-key")
			creds.APISecret, _ = cmd.Flags().GetString("api-secret")
			if err := checkCredentials(brokerName, creds); err != nil {
				return err
			}

			conn := models.BrokerConnection{
				UserID:     app.userID(cmd),
				BrokerName: brokerName,
				IsActive:   true,
			}
			if brokerName != models.BrokerPaper {
				if err := app.sealCredentials(&conn, creds); err != nil {
					return err
				}
			}

			if verify, _ := cmd.Flags().GetBool("verify"); verify {
				if err := app.verifyCredentials(ctx, brokerName, creds); err != nil {
					return fmt.Errorf("credential check failed: %w", err)
				}
			}

			st, err := app.Store(ctx)
			if err != nil {
				return err
			}
			if err := st.SaveBrokerConnection(ctx, &conn); err != nil {
				return err
			}
			if err := app.Audit().Log(ctx, security.AuditEvent{
				EventType:    security.AuditConnectionAdded,
				UserID:       conn.UserID,
				ConnectionID: conn.ID,
				Broker:       string(conn.BrokerName),
				Success:      true,
			}); err != nil {
				app.Logger.Warn().Err(err).Msg("Failed to write audit event")
			}

			if output.IsJSON() {
				return output.JSON(conn)
			}
			output.Success("✓ %s connection %s saved", conn.BrokerName, conn.ID)
			return nil
		},
	}
	cmd.Flags().String("broker", "", "IOL, BINANCE or PAPER")
	cmd.Flags().String("username", "", "IOL username")
	cmd.Flags().String("password", "", "IOL password")
	cmd.Flags().String("api-key", "", "Binance API key")
	cmd.Flags().String("api-secret", "", "Binance API secret")
	cmd.Flags().Bool("verify", false, "authenticate before saving")
	_ = cmd.MarkFlagRequired("broker")
	return cmd
}

func checkCredentials(name models.BrokerName, creds broker.Credentials) error {
	switch name {
	case models.BrokerIOL:
		if creds.Username == "" || creds.Password == "" {
			return apperrors.NewValidationError("credentials", "", "IOL needs --username and --password")
		}
	case models.BrokerBinance:
		if creds.APIKey == "" || creds.APISecret == "" {
			return apperrors.NewValidationError("credentials", "", "BINANCE needs --api-key and --api-secret")
		}
	case models.BrokerPaper:
	default:
		return fmt.Errorf("%s: %w", name, apperrors.ErrUnsupportedBroker)
	}
	return nil
}

func (app *App) sealCredentials(conn *models.BrokerConnection, creds broker.Credentials) error {
	cipher, err := app.Cipher()
	if err != nil {
		return err
	}
	fields := []struct {
		dst *string
		src string
	}{
		{&conn.UsernameEncrypted, creds.Username},
		{&conn.PasswordEncrypted, creds.Password},
		{&conn.APIKeyEncrypted, creds.APIKey},
		{&conn.APISecretEncrypted, creds.APISecret},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		if *f.dst, err = cipher.Encrypt(f.src); err != nil {
			return err
		}
	}
	return nil
}

// verifyCredentials authenticates with plaintext credentials before they
// are stored.
func (app *App) verifyCredentials(ctx context.Context, name models.BrokerName, creds broker.Credentials) error {
	cfg := app.brokerConfig()
	var gw broker.Gateway
	switch name {
	case models.BrokerIOL:
		gw = broker.NewIOLGateway(cfg.IOL, creds, app.Logger)
	case models.BrokerBinance:
		gw = broker.NewBinanceGateway(cfg.Binance, creds, app.Logger)
	default:
		return nil
	}
	return gw.Authenticate(ctx)
}

func newConnectionsListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List brokerage connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			st, err := app.Store(ctx)
			if err != nil {
				return err
			}
			conns, err := st.ListBrokerConnections(ctx, app.userID(cmd))
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if conns == nil {
					conns = []models.BrokerConnection{}
				}
				return output.JSON(conns)
			}
			if len(conns) == 0 {
				output.Dim("No connections. Add one with 'rulewatch connections add'.")
				return nil
			}
			table := NewTable(output, "ID", "Broker", "Status", "Created")
			for _, c := range conns {
				status := "ACTIVE"
				if !c.IsActive {
					status = "INACTIVE"
				}
				table.AddRow(c.ID, string(c.BrokerName), output.Status(status), FormatTime(&c.CreatedAt, app.timeLayout()))
			}
			table.Render()
			return nil
		},
	}
}

func newConnectionsDisableCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <connection-id>",
		Short: "Deactivate a connection; rules using it record failed executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			st, err := app.Store(ctx)
			if err != nil {
				return err
			}
			conn, err := st.GetBrokerConnection(ctx, args[0])
			if err != nil {
				return err
			}
			conn.IsActive = false
			if err := st.SaveBrokerConnection(ctx, conn); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(conn)
			}
			output.Success("✓ Connection %s disabled", conn.ID)
			return nil
		},
	}
}

func newPortfolioCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio <connection-id>",
		Short: "Show holdings for a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()

			resolver, err := app.Resolver(ctx)
			if err != nil {
				return err
			}
			gw, err := resolver.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			holdings, err := gw.FetchPortfolio(ctx)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				if holdings == nil {
					holdings = []models.Holding{}
				}
				return output.JSON(holdings)
			}
			output.Bold("%s portfolio", gw.Name())
			if len(holdings) == 0 {
				output.Dim("No holdings.")
				return nil
			}
			table := NewTable(output, "Ticker", "Qty", "Avg", "Price", "Value", "P&L", "P&L %")
			for _, h := range holdings {
				table.AddRow(
					h.Ticker,
					fmt.Sprintf("%g", h.Quantity),
					fmt.Sprintf("%.2f", h.AvgPrice),
					fmt.Sprintf("%.2f", h.CurrentPrice),
					fmt.Sprintf("%.2f", h.MarketValue),
					output.Signed(h.ProfitLoss, fmt.Sprintf("%+.2f", h.ProfitLoss)),
					output.Signed(h.ProfitLossPct, FormatPercent(h.ProfitLossPct)),
				)
			}
			table.Render()
			return nil
		},
	}
}
