package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"adx-trader/internal/analysis/indicators"
	"adx-trader/internal/broker"
	"adx-trader/internal/models"
	"adx-trader/internal/session"
	"adx-trader/internal/store"
	"adx-trader/internal/strategy"
)

// addBiasCommands adds the one-shot daily direction command.
func addBiasCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newBiasCmd(app))
}

func newBiasCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bias [underlying...]",
		Short: "Compute the daily ADX direction bias",
		Long: `Compute the daily direction bias from daily candles: +DI above -DI with
ADX over the daily threshold reads CALL, the reverse reads PUT, and a weak
ADX reads NO_TRADE.

Without arguments the configured underlying plus strategy.bias_underlyings
are scanned, matching what the engine computes after the session opens.`,
		Example: `  adxtrader bias
  adxtrader bias NIFTY BANKNIFTY FINNIFTY
  adxtrader bias --save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			save, _ := cmd.Flags().GetBool("save")
			showPanel, _ := cmd.Flags().GetBool("panel")

			if app.Gateway == nil {
				output.Error("Broker not configured. Add kite credentials to credentials.toml")
				return fmt.Errorf("broker not configured")
			}

			cfg := app.Config
			underlyings := args
			if len(underlyings) == 0 {
				underlyings = append([]string{cfg.Trading.Underlying}, cfg.Strategy.BiasUnderlyings...)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := app.Gateway.Authenticate(ctx); err != nil {
				output.Error("Authentication failed: %v", err)
				return err
			}

			directory := broker.NewInstrumentDirectory(app.Gateway, nil, cfg.Data.Dir, app.Logger)
			if err := directory.LoadCache(); err != nil {
				if err := directory.Refresh(ctx); err != nil {
					output.Error("Instrument refresh failed: %v", err)
					return err
				}
			}

			clock, err := session.NewClock(cfg.Session, tradingCalendar(cfg.Session, app.Logger))
			if err != nil {
				return err
			}
			strat := strategy.New(cfg.Strategy, cfg.Vix, cfg.Trading.Underlying, clock.Location(), nil, app.Logger)

			now := time.Now()
			from := now.AddDate(0, 0, -cfg.Data.HistoricalDays)
			panel := indicators.DefaultPanel(indicators.PanelConfig{
				ADXPeriod: cfg.Strategy.DailyADXPeriod,
				RSIPeriod: cfg.Strategy.RSIPeriod,
				EMAPeriod: cfg.Strategy.EMAPeriod,
				SMAPeriod: cfg.Strategy.DailyADXPeriod,
				ATRPeriod: cfg.Strategy.DailyADXPeriod,
			})
			panels := map[string]map[string]float64{}
			var biases []models.DailyBias
			seen := map[string]bool{}
			for _, name := range underlyings {
				name = strings.ToUpper(strings.TrimSpace(name))
				if name == "" || seen[name] {
					continue
				}
				seen[name] = true

				token, _, err := directory.UnderlyingToken(name)
				if err != nil {
					output.Warning("%s: %v", name, err)
					continue
				}
				bars, err := app.Gateway.HistoricalCandles(ctx, token, models.TimeframeDaily, from, now)
				if err != nil {
					output.Warning("%s: candle fetch failed: %v", name, err)
					continue
				}
				bias, err := strat.BiasFor(name, bars)
				if err != nil {
					output.Warning("%s: %v", name, err)
					continue
				}
				biases = append(biases, bias)
				if showPanel {
					panels[name] = panel.Compute(ctx, bars)
				}
			}

			if len(biases) == 0 {
				output.Error("No bias computed")
				return fmt.Errorf("no bias computed")
			}

			if save {
				artifacts := store.NewArtifacts(filepath.Join(cfg.Data.Dir, "artifacts"))
				if err := artifacts.WriteBias(now, biases); err != nil {
					output.Error("Bias artifact write failed: %v", err)
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(biases)
			}

			output.Bold("Daily Direction - %s", FormatDate(now))
			output.Println()

			table := NewTable(output, "Underlying", "Bias", "ADX", "+DI", "-DI")
			for _, b := range biases {
				table.AddRow(
					b.Underlying,
					output.Bias(string(b.Bias)),
					fmt.Sprintf("%.1f", b.ADX),
					fmt.Sprintf("%.1f", b.PlusDI),
					fmt.Sprintf("%.1f", b.MinusDI),
				)
			}
			table.Render()

			if showPanel {
				output.Println()
				output.Bold("Indicator Panel (daily)")
				output.Println()
				panelTable := NewTable(output, "Underlying", "RSI", "EMA", "SMA", "ATR", "VWAP")
				for _, b := range biases {
					values := panels[b.Underlying]
					panelTable.AddRow(
						b.Underlying,
						panelCell(values, indicators.MetricRSI),
						panelCell(values, indicators.MetricEMA),
						panelCell(values, indicators.MetricSMA),
						panelCell(values, indicators.MetricATR),
						panelCell(values, indicators.MetricVWAP),
					)
				}
				panelTable.Render()
			}

			output.Println()
			output.Dim("ADX at or above %.0f with a DI spread is tradeable", cfg.Strategy.DailyADXThreshold)
			if save {
				output.Success("✓ Bias artifact written")
			}

			return nil
		},
	}

	cmd.Flags().Bool("save", false, "Write the bias artifact for today")
	cmd.Flags().Bool("panel", false, "Show the full indicator panel alongside the bias")

	return cmd
}

// panelCell formats one panel metric, blank when the series was too short.
func panelCell(values map[string]float64, metric string) string {
	v, ok := values[metric]
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.1f", v)
}
