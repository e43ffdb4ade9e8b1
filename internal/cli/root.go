// Package cli provides the command-line interface for the rule monitor.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"rulewatch/internal/agents"
	"rulewatch/internal/broker"
	"rulewatch/internal/config"
	apperrors "rulewatch/internal/errors"
	"rulewatch/internal/logging"
	"rulewatch/internal/marketdata"
	"rulewatch/internal/notify"
	"rulewatch/internal/resilience"
	"rulewatch/internal/security"
	"rulewatch/internal/store"
	"rulewatch/pkg/utils"
)

// Version information
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// defaultUserID owns rules created from the CLI when no user is configured.
const defaultUserID = "local"

// App holds the application dependencies. Services are built on first use
// so that commands like version and config path work without a database.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger

	// Market and LLM may be preset, mostly by tests.
	Market marketdata.Provider
	LLM    agents.LLMClient

	store    store.Store
	cipher   *security.Cipher
	audit    *security.AuditLogger
	paper    *broker.PaperGateway
	resolver *broker.Resolver
	notifier *notify.MultiNotifier
	closers  []func() error
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rulewatch",
		Short: "Rule-based market monitor and auto-executor",
		Long: `rulewatch watches market data for the rules you define and either alerts
you or places market orders through a connected brokerage when a rule fires.

Supported brokerages: InvertirOnline (IOL), Binance and a built-in paper account.
Rules can be backtested against daily history before enabling execution.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/rulewatch)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("user", "", "user id for rules and connections (default: scheduler.user_id or \"local\")")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newTickCmd(app))
	rootCmd.AddCommand(newEvaluateCmd(app))
	rootCmd.AddCommand(newBacktestCmd(app))
	rootCmd.AddCommand(newRulesCmd(app))
	rootCmd.AddCommand(newExecutionsCmd(app))
	rootCmd.AddCommand(newConnectionsCmd(app))

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	app := &App{}
	cmd := newRootCmd(app)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		_ = app.Close()
		return 1
	}
	return 0
}

func (app *App) init(cmd *cobra.Command) error {
	if app.Config != nil {
		return nil
	}

	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	app.ConfigDir = dir

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	app.Config = cfg
	if !cfg.UI.ColorEnabled {
		_ = cmd.Flags().Set("no-color", "true")
	}

	logCfg := logging.FromConfig(cfg.Logging)
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logCfg.Level = "debug"
		logCfg.Console = true
	}
	app.Logger = logging.NewLoggerWithConfig(logCfg)
	return nil
}

// userID resolves the acting user from flags and configuration.
func (app *App) userID(cmd *cobra.Command) string {
	if u, _ := cmd.Flags().GetString("user"); u != "" {
		return u
	}
	if app.Config != nil && app.Config.Scheduler.UserID != "" {
		return app.Config.Scheduler.UserID
	}
	return defaultUserID
}

func (app *App) timeLayout() string {
	return app.Config.UI.DateFormat + " 15:04"
}

// Store opens the configured persistence backend.
func (app *App) Store(ctx context.Context) (store.Store, error) {
	if app.store != nil {
		return app.store, nil
	}
	st, err := store.Open(ctx, store.Config{
		Driver: app.Config.Store.Driver,
		Path:   app.Config.Store.Path,
		DSN:    app.Config.Store.DSN,
	})
	if err != nil {
		return nil, err
	}
	app.store = st
	app.closers = append(app.closers, st.Close)
	app.Logger.Debug().Str("driver", app.Config.Store.Driver).Msg("Store opened")
	return st, nil
}

// MarketData returns the quote provider, wrapped in a snapshot cache.
func (app *App) MarketData() marketdata.Provider {
	if app.Market != nil {
		return app.Market
	}

	md := app.Config.MarketData
	retry := utils.DefaultRetryConfig()
	if md.Retries > 0 {
		retry.MaxAttempts = md.Retries
	}
	yahoo := marketdata.NewYahooProvider(marketdata.YahooConfig{
		BaseURL: md.BaseURL,
		Timeout: md.Timeout,
		Retry:   retry,
	}, app.Logger)

	var cache marketdata.Cache = marketdata.NewMemoryCache()
	if md.RedisAddr != "" {
		rc := marketdata.NewRedisCache(md.RedisAddr, md.RedisPassword, md.RedisDB)
		app.closers = append(app.closers, rc.Close)
		cache = rc
	}
	app.Market = marketdata.NewCachedProvider(yahoo, cache, md.CacheTTL, app.Logger)
	return app.Market
}

// Cipher returns the credential cipher, or ErrCredentialAccess when no
// encryption key is configured.
func (app *App) Cipher() (*security.Cipher, error) {
	if app.cipher != nil {
		return app.cipher, nil
	}
	if app.Config.Security.EncryptionKey == "" {
		return nil, fmt.Errorf("%w: set security.encryption_key or ENCRYPTION_KEY", apperrors.ErrCredentialAccess)
	}
	c, err := security.NewCipher(app.Config.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}
	app.cipher = c
	return c, nil
}

// Audit returns the audit log. A nil logger is valid and discards events.
func (app *App) Audit() *security.AuditLogger {
	if app.audit != nil || !app.Config.Security.AuditEnabled {
		return app.audit
	}
	cfg := security.DefaultAuditConfig()
	cfg.LogDir = app.Config.Security.AuditDir
	al, err := security.NewAuditLogger(cfg)
	if err != nil {
		app.Logger.Warn().Err(err).Msg("Audit log unavailable")
		return nil
	}
	app.audit = al
	app.closers = append(app.closers, al.Close)
	return al
}

// Paper returns the simulated account, or nil when disabled.
func (app *App) Paper() *broker.PaperGateway {
	if app.paper != nil || !app.Config.Brokers.Paper.Enabled {
		return app.paper
	}
	app.paper = broker.NewPaperGateway(broker.PaperConfig{
		Prices:         app.MarketData(),
		InitialBalance: decimal.NewFromFloat(app.Config.Brokers.Paper.InitialBalance),
	})
	return app.paper
}

// Resolver returns the broker connection resolver.
func (app *App) Resolver(ctx context.Context) (*broker.Resolver, error) {
	if app.resolver != nil {
		return app.resolver, nil
	}
	st, err := app.Store(ctx)
	if err != nil {
		return nil, err
	}
	// Paper connections work without an encryption key.
	cipher, err := app.Cipher()
	if err != nil {
		app.Logger.Debug().Err(err).Msg("Credential cipher unavailable")
	}

	var dec broker.Decrypter
	if cipher != nil {
		dec = cipher
	}
	app.resolver = broker.NewResolver(st, dec, app.Audit(), app.brokerConfig(), app.Logger)
	return app.resolver, nil
}

func (app *App) brokerConfig() broker.ResolverConfig {
	b := app.Config.Brokers
	return broker.ResolverConfig{
		IOL: broker.IOLConfig{
			BaseURL:      b.IOL.BaseURL,
			Market:       b.IOL.Market,
			ReadTimeout:  b.ReadTimeout,
			OrderTimeout: b.OrderTimeout,
		},
		Binance: broker.BinanceConfig{
			BaseURL:      b.Binance.BaseURL,
			RecvWindow:   b.Binance.RecvWindow,
			ReadTimeout:  b.ReadTimeout,
			OrderTimeout: b.OrderTimeout,
		},
		Paper: app.Paper(),
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: b.CircuitBreaker.FailureThreshold,
			SuccessThreshold: b.CircuitBreaker.SuccessThreshold,
			Timeout:          b.CircuitBreaker.Timeout,
		},
	}
}

// Notifier returns the configured notification fan-out.
func (app *App) Notifier() *notify.MultiNotifier {
	if app.notifier == nil {
		app.notifier = notify.FromConfig(app.Config.Notifications, app.Logger)
	}
	return app.notifier
}

// LLMClient returns the model client used to draft rules.
func (app *App) LLMClient() (agents.LLMClient, error) {
	if app.LLM != nil {
		return app.LLM, nil
	}
	if app.Config.LLM.APIKey == "" {
		return nil, fmt.Errorf("%w: llm.api_key or OPENAI_API_KEY is required", apperrors.ErrConfigInvalid)
	}
	app.LLM = agents.NewOpenAIClient(agents.ClientConfig{
		APIKey:  app.Config.LLM.APIKey,
		BaseURL: app.Config.LLM.BaseURL,
		Model:   app.Config.LLM.Model,
		Timeout: 60 * time.Second,
	})
	return app.LLM, nil
}

// Close releases everything opened by the app, in reverse order.
func (app *App) Close() error {
	var first error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	app.closers = nil
	app.store, app.audit, app.resolver = nil, nil, nil
	return first
}

// commandContext bounds one-shot commands.
func commandContext(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("rulewatch v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
