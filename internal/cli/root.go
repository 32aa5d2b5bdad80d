// Package cli implements the adxtrader command tree.
package cli

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"adx-trader/internal/broker"
	"adx-trader/internal/config"
	"adx-trader/internal/logging"
	"adx-trader/internal/resilience"
	"adx-trader/internal/session"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-08-25"
)

// App holds the dependencies shared across commands. Gateway stays nil until
// kite credentials are configured; commands that talk to the broker check it.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Gateway *broker.KiteGateway
}

// Execute loads configuration, wires the application, and runs the root
// command. It is the entry point for cmd/adxtrader.
func Execute() error {
	cfg, err := config.Load(configDirFromArgs(os.Args[1:]))
	if err != nil {
		return err
	}
	logger := logging.NewLoggerWithConfig(logConfigFrom(cfg.Logging))
	return NewRootCmd(cfg, logger).Execute()
}

// configDirFromArgs pre-scans for --config so configuration is loaded before
// cobra parses flags.
func configDirFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if cfg.Credentials.Kite.APIKey != "" {
		gw, err := broker.NewKiteGateway(cfg.Credentials.Kite, rateLimitsFrom(cfg.RateLimits), logger)
		if err != nil {
			logger.Warn().Err(err).Msg("broker gateway unavailable, broker commands disabled")
		} else {
			app.Gateway = gw
			logger.Debug().Msg("kite gateway initialized")
		}
	}

	rootCmd := &cobra.Command{
		Use:   "adxtrader",
		Short: "ADX Trader - intraday NSE index options trading engine",
		Long: `ADX Trader is an intraday options buying engine for NSE index derivatives.

The daily ADX reading picks the direction, hourly alignment arms the setup,
and RSI/EMA/VIX filters gate each entry. Positions carry a fixed stop, an
optional trailing stop, and a mandatory end-of-day exit.

Use 'adxtrader help <command>' for more information about a command.
Use 'adxtrader examples' to see common workflows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/adxtrader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addAuthCommands(rootCmd, app)
	addRunCommands(rootCmd, app)
	addBackfillCommands(rootCmd, app)
	addBiasCommands(rootCmd, app)
	addReportCommands(rootCmd, app)
	addEventCommands(rootCmd, app)
	addInstrumentCommands(rootCmd, app)
	addSessionCommands(rootCmd, app)
	addHelpCommands(rootCmd, app)

	return rootCmd
}

// rateLimitsFrom maps configured per-class request rates onto the limiter,
// keeping the defaults for anything unset.
func rateLimitsFrom(rl config.RateLimitConfig) resilience.RateLimits {
	limits := resilience.DefaultRateLimits()
	if rl.Orders > 0 {
		limits.Orders = rl.Orders
	}
	if rl.MarketData > 0 {
		limits.MarketData = rl.MarketData
	}
	if rl.Historical > 0 {
		limits.Historical = rl.Historical
	}
	return limits
}

// logConfigFrom maps the config file's logging section onto the logger
// configuration, keeping defaults for anything unset.
func logConfigFrom(lc config.LoggingConfig) logging.LogConfig {
	out := logging.DefaultLogConfig()
	if lc.Level != "" {
		out.Level = lc.Level
	}
	out.Console = lc.Console
	out.File = lc.File
	if lc.FilePath != "" {
		out.FilePath = lc.FilePath
	}
	if lc.MaxSizeMB > 0 {
		out.MaxSize = lc.MaxSizeMB
	}
	if lc.MaxBackups > 0 {
		out.MaxBackups = lc.MaxBackups
	}
	if lc.MaxAgeDays > 0 {
		out.MaxAge = lc.MaxAgeDays
	}
	return out
}

// tradingCalendar builds the NSE calendar, merging the configured holiday
// file when present.
func tradingCalendar(sc config.SessionConfig, logger zerolog.Logger) *session.TradingCalendar {
	cal := session.NewTradingCalendar()
	if sc.HolidayFile != "" {
		if err := cal.LoadFile(sc.HolidayFile); err != nil {
			logger.Warn().Err(err).Str("file", sc.HolidayFile).Msg("holiday file not loaded")
		}
	}
	return cal
}

// addCoreCommands adds core utility commands.
func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("ADX Trader v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Trading")
	output.Printf("  Mode:        %s\n", cfg.Trading.Mode)
	output.Printf("  Underlying:  %s\n", cfg.Trading.Underlying)
	output.Printf("  Capital:     %s\n", FormatIndianCurrency(cfg.Trading.Capital))
	output.Printf("  Cycle:       %ds\n", cfg.Trading.CycleIntervalSec)
	output.Println()

	output.Bold("Session")
	output.Printf("  Entry Window: %s - %s IST\n", cfg.Session.EntryWindowStart, cfg.Session.EntryWindowEnd)
	output.Printf("  EOD Exit:     %s\n", cfg.Session.EODExitTime)
	output.Printf("  Market Close: %s\n", cfg.Session.MarketCloseTime)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Stop Loss:        %.0f%% of premium\n", cfg.Risk.OptionStopLossPct*100)
	output.Printf("  Trail Activate:   +%.1f%% P&L\n", cfg.Risk.TrailActivatePnlPct)
	output.Printf("  Trail Gap:        %.0f%%\n", cfg.Risk.TrailGapPct*100)
	output.Printf("  Max Positions:    %d\n", cfg.Risk.MaxPositions)
	output.Printf("  Daily Loss Limit: %.1f%% of capital\n", cfg.Risk.DailyLossLimitPct)
	output.Printf("  Consec. Losses:   %d\n", cfg.Risk.ConsecutiveLossLimit)
	output.Println()

	output.Bold("VIX Gates")
	output.Printf("  Entry Below: %.1f\n", cfg.Vix.Threshold)
	output.Printf("  Spike Exit:  %.1f\n", cfg.Vix.SpikeThreshold)
	output.Printf("  Resume:      %.1f\n", cfg.Vix.ResumeThreshold)
	output.Println()

	output.Bold("Strategy")
	output.Printf("  Daily ADX:    period %d, threshold %.0f\n", cfg.Strategy.DailyADXPeriod, cfg.Strategy.DailyADXThreshold)
	output.Printf("  Hourly ADX:   period %d, threshold %.0f\n", cfg.Strategy.HourlyADXPeriod, cfg.Strategy.HourlyADXThreshold)
	output.Printf("  RSI:          period %d, bounds %.0f / %.0f\n", cfg.Strategy.RSIPeriod, cfg.Strategy.RSIOversold, cfg.Strategy.RSIOverbought)
	output.Printf("  EMA Period:   %d\n", cfg.Strategy.EMAPeriod)
	output.Printf("  Strike Step:  %d\n", cfg.Strategy.StrikeIncrement)
	output.Println()

	output.Bold("Sizing")
	output.Printf("  Base Size: %.2f%% of capital\n", cfg.Sizing.BasePositionSizePct)
	output.Printf("  VIX Mult:  %.2f / %.2f / %.2f / %.2f\n",
		cfg.Sizing.VixMult.Vix12OrBelow, cfg.Sizing.VixMult.Vix20,
		cfg.Sizing.VixMult.Vix30, cfg.Sizing.VixMult.Vix30OrAbove)
	output.Printf("  DTE Mult:  %.2f / %.2f / %.2f\n",
		cfg.Sizing.DteMult.Gte5Days, cfg.Sizing.DteMult.Days2To4, cfg.Sizing.DteMult.Day1)
	output.Println()

	output.Bold("Data")
	output.Printf("  Dir:             %s\n", cfg.Data.Dir)
	output.Printf("  Memory Window:   %d bars\n", cfg.Data.BarMemoryBars)
	output.Printf("  Historical Days: %d\n", cfg.Data.HistoricalDays)

	return nil
}
