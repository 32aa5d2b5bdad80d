package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"adx-trader/internal/broker"
	"adx-trader/internal/data"
	"adx-trader/internal/models"
)

// addBackfillCommands adds the historical data sync command.
func addBackfillCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newBackfillCmd(app))
}

func newBackfillCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Sync historical candles into the bar stores",
		Long: `Fetch historical candles from the broker and append the missing bars to
the hourly and daily stores for an underlying.

The run command backfills automatically at startup; this command exists to
pre-warm the stores before the first session and to repair gaps after an
outage. Bars already in the store are never duplicated.`,
		Example: `  adxtrader backfill
  adxtrader backfill --days 60
  adxtrader backfill --underlying BANKNIFTY`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			days, _ := cmd.Flags().GetInt("days")
			underlying, _ := cmd.Flags().GetString("underlying")

			if app.Gateway == nil {
				output.Error("Broker not configured. Add kite credentials to credentials.toml")
				return fmt.Errorf("broker not configured")
			}

			cfg := app.Config
			if underlying == "" {
				underlying = cfg.Trading.Underlying
			}
			underlying = strings.ToUpper(strings.TrimSpace(underlying))
			if days <= 0 {
				days = cfg.Data.HistoricalDays
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			if err := app.Gateway.Authenticate(ctx); err != nil {
				output.Error("Authentication failed: %v", err)
				return err
			}

			directory := broker.NewInstrumentDirectory(app.Gateway, nil, cfg.Data.Dir, app.Logger)
			if err := directory.LoadCache(); err != nil {
				output.Info("Instrument cache missing, refreshing from broker...")
				if err := directory.Refresh(ctx); err != nil {
					output.Error("Instrument refresh failed: %v", err)
					return err
				}
			}

			token, name, err := directory.UnderlyingToken(underlying)
			if err != nil {
				output.Error("Unknown underlying %s: %v", underlying, err)
				return err
			}

			output.Info("Syncing %s (token %d), %d days of history", name, token, days)

			backfiller := data.NewBackfiller(app.Gateway, nil, app.Logger)
			counts := map[models.Timeframe]int{}
			total := 0
			for _, tf := range []models.Timeframe{models.TimeframeHourly, models.TimeframeDaily} {
				barStore, err := data.NewBarStore(cfg.Data.Dir, underlying, tf, cfg.Data.BarMemoryBars, app.Logger)
				if err != nil {
					return err
				}
				if _, err := barStore.Load(cfg.Data.BarMemoryBars); err != nil {
					app.Logger.Warn().Err(err).Str("timeframe", string(tf)).Msg("bar log scan failed, syncing from scratch")
				}
				n, syncErr := backfiller.Sync(ctx, barStore, token, days)
				closeErr := barStore.Close()
				if syncErr != nil {
					output.Error("Sync %s failed: %v", tf, syncErr)
					return syncErr
				}
				if closeErr != nil {
					return closeErr
				}
				counts[tf] = n
				total += n
				output.Printf("  %-3s %d new bars\n", tf, n)
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"underlying": underlying,
					"days":       days,
					"hourly":     counts[models.TimeframeHourly],
					"daily":      counts[models.TimeframeDaily],
					"total":      total,
				})
			}

			output.Success("✓ Backfill complete: %d new bars", total)
			return nil
		},
	}

	cmd.Flags().Int("days", 0, "Days of history to fetch (default: data.historical_days)")
	cmd.Flags().String("underlying", "", "Underlying to sync (default: trading.underlying)")

	return cmd
}
