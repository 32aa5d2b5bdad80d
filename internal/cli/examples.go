package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// addHelpCommands adds help and documentation commands.
func addHelpCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newCommandsCmd(app))
	rootCmd.AddCommand(newExamplesCmd(app))
	rootCmd.AddCommand(newQuickstartCmd(app))
}

func newCommandsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "commands",
		Short: "List all commands by category",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			output.Bold("ADX Trader Commands")
			output.Println()

			categories := []struct {
				name     string
				commands []struct {
					cmd  string
					desc string
				}
			}{
				{
					name: "Authentication",
					commands: []struct {
						cmd  string
						desc string
					}{
						{"login", "Login to Kite Connect (TOTP or browser)"},
						{"logout", "Invalidate the session"},
						{"auth-status", "Show token validity"},
					},
				},
				{
					name: "Trading",
					commands: []struct {
						cmd  string
						desc string
					}{
						{"run", "Start the trading session"},
						{"run --paper", "Simulated fills, no real orders"},
						{"run --once", "Single decision cycle, then exit"},
					},
				},
				{
					name: "Market Data",
					commands: []struct {
						cmd  string
						desc string
					}{
						{"backfill", "Download hourly and daily history"},
						{"bias [underlying...]", "Compute the daily ADX bias"},
						{"instruments refresh", "Rebuild the NFO contract cache"},
						{"instruments expiries <u>", "Upcoming option expiries"},
						{"instruments find <u> <k> <CE|PE>", "Resolve a contract"},
						{"session", "Market phase and window status"},
					},
				},
				{
					name: "Journal",
					commands: []struct {
						cmd  string
						desc string
					}{
						{"report", "Daily performance report"},
						{"events list", "Inspect a day's event log"},
						{"events archive", "Move a day's events into SQLite"},
					},
				},
				{
					name: "Utilities",
					commands: []struct {
						cmd  string
						desc string
					}{
						{"config show/path/validate", "Configuration"},
						{"version", "Version information"},
					},
				},
				{
					name: "Help",
					commands: []struct {
						cmd  string
						desc string
					}{
						{"commands", "List all commands"},
						{"examples", "Common workflows"},
						{"quickstart", "New user guide"},
					},
				},
			}

			for _, cat := range categories {
				output.Bold(cat.name)
				for _, c := range cat.commands {
					output.Printf("  %-34s %s\n", output.Cyan(c.cmd), c.desc)
				}
				output.Println()
			}

			output.Dim("Use 'adxtrader help <command>' for detailed help on any command")

			return nil
		},
	}
}

func newExamplesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "examples",
		Short: "Show common workflow examples",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			output.Bold("Common Workflow Examples")
			output.Println()

			examples := []struct {
				title    string
				commands []string
			}{
				{
					title: "First-Time Setup",
					commands: []string{
						"adxtrader config path           # Find the config directory",
						"adxtrader config validate       # Check after editing the files",
						"adxtrader login                 # Establish the Kite session",
						"adxtrader instruments refresh   # Pull the NFO contract dump",
					},
				},
				{
					title: "Morning Routine",
					commands: []string{
						"adxtrader auth-status           # Token valid until 06:00 IST next day",
						"adxtrader session               # Holiday and window check",
						"adxtrader backfill              # Top up hourly and daily bars",
						"adxtrader bias                  # Daily ADX direction before open",
					},
				},
				{
					title: "Paper Session",
					commands: []string{
						"adxtrader run --paper           # Full engine, simulated fills",
						"adxtrader run --paper --once    # One decision cycle for debugging",
						"adxtrader report                # Review the day's paper trades",
					},
				},
				{
					title: "Live Session",
					commands: []string{
						"adxtrader config show           # Confirm capital and risk limits",
						"adxtrader run                   # Live orders (mode = live in config)",
					},
				},
				{
					title: "Scan Multiple Underlyings",
					commands: []string{
						"adxtrader bias NIFTY BANKNIFTY FINNIFTY",
						"adxtrader bias --save           # Persist the scan to artifacts/",
					},
				},
				{
					title: "Contract Lookup",
					commands: []string{
						"adxtrader instruments expiries NIFTY",
						"adxtrader instruments find NIFTY 24500 CE",
						"adxtrader instruments find BANKNIFTY 52000 PE --expiry 2025-09-30",
					},
				},
				{
					title: "Post-Session Review",
					commands: []string{
						"adxtrader report --date 2025-09-23",
						"adxtrader events list --kind ORDER_FILLED",
						"adxtrader events archive        # Keep the day queryable in SQLite",
					},
				},
			}

			for _, ex := range examples {
				output.Bold(ex.title)
				for _, c := range ex.commands {
					parts := strings.SplitN(c, "#", 2)
					if len(parts) == 2 {
						output.Printf("  %s %s\n", output.Cyan(strings.TrimSpace(parts[0])), output.DimText(strings.TrimSpace(parts[1])))
					} else {
						output.Printf("  %s\n", output.Cyan(c))
					}
				}
				output.Println()
			}

			return nil
		},
	}
}

func newQuickstartCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "quickstart",
		Short: "New user guide",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			output.Bold("ADX Trader - Quick Start Guide")
			output.Println()

			steps := []struct {
				step  int
				title string
				desc  string
				cmd   string
			}{
				{
					step:  1,
					title: "Create the Config Files",
					desc:  "The first invocation writes config.toml and credentials.toml templates.",
					cmd:   "adxtrader config path",
				},
				{
					step:  2,
					title: "Add Kite Credentials",
					desc:  "API key, secret, user ID, password, and the TOTP secret for headless login.",
					cmd:   "Edit credentials.toml",
				},
				{
					step:  3,
					title: "Login",
					desc:  "Kite access tokens expire at 06:00 IST, so this runs every morning.",
					cmd:   "adxtrader login",
				},
				{
					step:  4,
					title: "Refresh Instruments",
					desc:  "Cache the NFO contract dump for strike and expiry resolution.",
					cmd:   "adxtrader instruments refresh",
				},
				{
					step:  5,
					title: "Backfill History",
					desc:  "The ADX needs warm hourly and daily bars before the first cycle.",
					cmd:   "adxtrader backfill",
				},
				{
					step:  6,
					title: "Check the Bias",
					desc:  "See what the daily ADX says before committing a session to it.",
					cmd:   "adxtrader bias",
				},
				{
					step:  7,
					title: "Run a Paper Session",
					desc:  "The full engine with simulated fills. No real orders leave the box.",
					cmd:   "adxtrader run --paper",
				},
				{
					step:  8,
					title: "Review the Day",
					desc:  "Per-trade detail, exit-reason breakdown, win rate, and drawdown.",
					cmd:   "adxtrader report",
				},
			}

			for _, s := range steps {
				output.Printf("%s Step %d: %s\n", output.Cyan("→"), s.step, output.BoldText(s.title))
				output.Printf("  %s\n", s.desc)
				output.Printf("  %s\n\n", output.DimText(s.cmd))
			}

			output.Bold("Configuration Files")
			output.Println()
			output.Printf("  %s - Kite Connect API credentials\n", output.Cyan("credentials.toml"))
			output.Printf("  %s - Strategy, risk, session, and data settings\n", output.Cyan("config.toml"))
			output.Println()

			output.Bold("Getting Help")
			output.Println()
			output.Printf("  %s - List all commands\n", output.Cyan("adxtrader commands"))
			output.Printf("  %s - Common workflows\n", output.Cyan("adxtrader examples"))
			output.Printf("  %s - Help for any command\n", output.Cyan("adxtrader help <command>"))
			output.Println()

			output.Bold("Important Notes")
			output.Println()
			output.Printf("  %s Run paper mode until the reports look right\n", output.Yellow("⚠"))
			output.Printf("  %s The engine squares off everything before the close, never hold overnight\n", output.Yellow("⚠"))
			output.Printf("  %s Daily loss and consecutive-loss halts are in config.toml [risk]\n", output.Yellow("⚠"))
			output.Printf("  %s Keep credentials.toml out of version control\n", output.Yellow("⚠"))

			return nil
		},
	}
}
