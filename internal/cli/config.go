package cli

import (
	"github.com/spf13/cobra"

	"rulewatch/internal/config"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := app.Config.Redacted()
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			showConfig(output, &cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path := config.Path(app.ConfigDir)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				if output.IsJSON() {
					_ = output.JSON(map[string]interface{}{"valid": false, "error": err.Error()})
				} else {
					output.Error("Configuration validation failed: %v", err)
				}
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Scheduler")
	output.Printf("  Interval:         %s\n", cfg.Scheduler.Interval)
	output.Printf("  Workers:          %d\n", cfg.Scheduler.Workers)
	output.Printf("  Order timeout:    %s\n", cfg.Scheduler.OrderTimeout)
	output.Println()

	output.Bold("Market Data")
	output.Printf("  Source:    %s\n", cfg.MarketData.BaseURL)
	output.Printf("  Cache TTL: %s\n", cfg.MarketData.CacheTTL)
	if cfg.MarketData.RedisAddr != "" {
		output.Printf("  Redis:     %s (db %d)\n", cfg.MarketData.RedisAddr, cfg.MarketData.RedisDB)
	}
	output.Println()

	output.Bold("Brokers")
	output.Printf("  IOL:     %s (%s)\n", cfg.Brokers.IOL.BaseURL, cfg.Brokers.IOL.Market)
	output.Printf("  Binance: %s\n", cfg.Brokers.Binance.BaseURL)
	output.Printf("  Paper:   %v (balance %.2f)\n", cfg.Brokers.Paper.Enabled, cfg.Brokers.Paper.InitialBalance)
	output.Println()

	output.Bold("Store")
	output.Printf("  Driver: %s\n", cfg.Store.Driver)
	if cfg.Store.DSN != "" {
		output.Printf("  DSN:    %s\n", cfg.Store.DSN)
	} else {
		output.Printf("  Path:   %s\n", cfg.Store.Path)
	}
	output.Println()

	output.Bold("Security")
	output.Printf("  Encryption key: %s\n", cfg.Security.EncryptionKey)
	output.Printf("  Audit log:      %v\n", cfg.Security.AuditEnabled)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:  %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:    %s\n", cfg.Notifications.Level)
	output.Printf("  Terminal: %v\n", cfg.Notifications.Terminal)
	output.Printf("  Webhook:  %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram: %v\n", cfg.Notifications.Telegram.Enabled)
}
