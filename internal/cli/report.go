package cli

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"adx-trader/internal/performance"
	"adx-trader/internal/store"
)

// addReportCommands adds the daily performance report command.
func addReportCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newReportCmd(app))
}

func newReportCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Daily performance report from the trade journal",
		Long: `Render the performance report for a trading day: per-trade detail with
exit reasons, the exit-reason breakdown, and the daily summary with win
rate, profit factor, and max drawdown.

Reads the SQLite journal the run command writes on every trade close.`,
		Example: `  adxtrader report
  adxtrader report --date 2025-09-23
  adxtrader report --underlying NIFTY --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dateStr, _ := cmd.Flags().GetString("date")
			underlying, _ := cmd.Flags().GetString("underlying")

			cfg := app.Config
			ist, err := time.LoadLocation("Asia/Kolkata")
			if err != nil {
				return err
			}
			if dateStr == "" {
				dateStr = time.Now().In(ist).Format("2006-01-02")
			}
			if _, err := time.Parse("2006-01-02", dateStr); err != nil {
				output.Error("Invalid date %q, want YYYY-MM-DD", dateStr)
				return err
			}

			journal, err := store.NewJournal(filepath.Join(cfg.Data.Dir, "journal.db"))
			if err != nil {
				output.Error("Journal unavailable: %v", err)
				return err
			}
			defer journal.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			trades, err := journal.Trades(ctx, store.TradeFilter{Date: dateStr, Underlying: underlying})
			if err != nil {
				output.Error("Journal query failed: %v", err)
				return err
			}
			summary, err := journal.GetDailySummary(ctx, dateStr)
			if err != nil {
				output.Error("Summary query failed: %v", err)
				return err
			}

			if len(trades) == 0 && summary == nil {
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"date": dateStr, "trades": 0})
				}
				output.Info("No trades recorded for %s", dateStr)
				return nil
			}

			report := performance.BuildReport(dateStr, cfg.Trading.Capital, trades)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"summary": summary,
					"report":  report,
					"trades":  trades,
				})
			}

			output.Bold("Daily Report - %s", dateStr)
			output.Println()

			if len(trades) > 0 {
				table := NewTable(output, "Time", "Symbol", "Qty", "Entry", "Exit", "Reason", "Net P&L")
				for _, tr := range trades {
					table.AddRow(
						FormatTime(tr.ExitTime),
						tr.Symbol,
						FormatQuantity(int64(tr.Quantity)),
						FormatPrice(tr.EntryPrice),
						FormatPrice(tr.ExitPrice),
						string(tr.ExitReason),
						output.FormatPnL(tr.NetPnL),
					)
				}
				table.Render()
				output.Println()
			}

			if len(report.ByExitReason) > 0 {
				output.Bold("By Exit Reason")
				for reason, stats := range report.ByExitReason {
					output.Printf("  %-20s %d trades (%d wins)  %s\n",
						reason, stats.Trades, stats.Wins, output.FormatPnL(stats.NetPnL))
				}
				output.Println()
			}

			output.Bold("Summary")
			output.Printf("  Trades:        %d (%d W / %d L)\n", report.TotalTrades, report.Wins, report.Losses)
			output.Printf("  Gross P&L:     %s\n", output.FormatPnL(report.GrossPnL))
			output.Printf("  Brokerage:     %s\n", FormatIndianCurrency(report.Brokerage))
			output.Printf("  Net P&L:       %s (%s of capital)\n", output.FormatPnL(report.NetPnL), output.FormatPercent(report.NetPnLPct))
			output.Printf("  Win Rate:      %.1f%%\n", report.WinRate)
			output.Printf("  Profit Factor: %.2f\n", report.ProfitFactor)
			output.Printf("  Avg Win/Loss:  %s / %s\n", FormatIndianCurrency(report.AvgWin), FormatIndianCurrency(report.AvgLoss))
			output.Printf("  Largest Win:   %s\n", output.FormatPnL(report.LargestWin))
			output.Printf("  Largest Loss:  %s\n", output.FormatPnL(report.LargestLoss))
			output.Printf("  Max Drawdown:  %s (%.2f%%)\n", FormatIndianCurrency(report.MaxDrawdown), report.MaxDrawdownPct)
			output.Printf("  Avg Duration:  %s\n", FormatDuration(report.AvgDuration))

			if summary == nil && len(trades) > 0 {
				output.Println()
				output.Dim("Summary row missing from the journal (rebuilt from trades)")
			}

			return nil
		},
	}

	cmd.Flags().String("date", "", "Trading date YYYY-MM-DD (default: today)")
	cmd.Flags().String("underlying", "", "Filter trades by underlying")

	return cmd
}
