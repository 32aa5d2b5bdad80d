package cli

import (
	"time"

	"github.com/spf13/cobra"

	"adx-trader/internal/session"
)

// addSessionCommands adds the market session status command.
func addSessionCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newSessionCmd(app))
}

func newSessionCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show the NSE market session for now or a given time",
		Long: `Evaluate the trading calendar and session windows the engine uses:
market phase, entry window, EOD square-off cutoff, and the next open.
Useful for checking holiday handling and window boundaries before a run.`,
		Example: `  adxtrader session
  adxtrader session --at "2025-10-02 10:15"
  adxtrader session --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			atStr, _ := cmd.Flags().GetString("at")

			cfg := app.Config
			clock, err := session.NewClock(cfg.Session, tradingCalendar(cfg.Session, app.Logger))
			if err != nil {
				output.Error("Session clock: %v", err)
				return err
			}

			now := time.Now()
			if atStr != "" {
				now, err = time.ParseInLocation("2006-01-02 15:04", atStr, clock.Location())
				if err != nil {
					output.Error("Invalid time %q, want \"YYYY-MM-DD HH:MM\"", atStr)
					return err
				}
			}
			local := now.In(clock.Location())

			phase := clock.SessionAt(now)
			open, close := clock.SessionWindow(now)
			tradingDay := clock.IsTradingDay(now)
			inEntry := clock.InEntryWindow(now)
			pastEOD := clock.PastEODExit(now)
			nextOpen := clock.NextMarketOpen(now)

			if output.IsJSON() {
				payload := map[string]interface{}{
					"time":            local.Format(time.RFC3339),
					"phase":           string(phase),
					"trading_day":     tradingDay,
					"in_entry_window": inEntry,
					"past_eod_exit":   pastEOD,
					"next_open":       nextOpen.Format(time.RFC3339),
				}
				if tradingDay {
					payload["session_open"] = open.Format(time.RFC3339)
					payload["session_close"] = close.Format(time.RFC3339)
				}
				return output.JSON(payload)
			}

			output.Bold("Market Session")
			output.Println()
			output.Printf("  Time (IST):    %s\n", local.Format("Mon 02 Jan 2006 15:04"))
			output.Printf("  Phase:         %s\n", output.MarketStatus(phase))

			if !tradingDay {
				if phase == session.SessionHoliday {
					output.Printf("  Calendar:      NSE holiday\n")
				} else {
					output.Printf("  Calendar:      Weekend\n")
				}
				output.Printf("  Next Open:     %s\n", FormatDateTime(nextOpen))
				return nil
			}

			output.Printf("  Session:       %s - %s\n", open.Format("15:04"), close.Format("15:04"))
			output.Printf("  Entry Window:  %s - %s (%s)\n",
				cfg.Session.EntryWindowStart, cfg.Session.EntryWindowEnd, yesNo(inEntry, "open", "closed"))
			output.Printf("  EOD Exit:      %s (%s)\n",
				cfg.Session.EODExitTime, yesNo(pastEOD, "passed", "ahead"))

			if clock.IsMarketOpen(now) {
				output.Printf("  To Close:      %s\n", FormatDuration(clock.TimeToClose(now)))
			} else {
				output.Printf("  Next Open:     %s\n", FormatDateTime(nextOpen))
			}

			return nil
		},
	}

	cmd.Flags().String("at", "", "Evaluate at an IST time \"YYYY-MM-DD HH:MM\" instead of now")

	return cmd
}

func yesNo(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}
