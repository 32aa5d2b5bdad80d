package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"adx-trader/internal/broker"
	"adx-trader/internal/models"
)

// addInstrumentCommands adds the NFO instrument directory commands.
func addInstrumentCommands(rootCmd *cobra.Command, app *App) {
	instCmd := &cobra.Command{
		Use:   "instruments",
		Short: "Manage the cached NFO instrument directory",
		Long: `The engine resolves index tokens, option contracts, expiries, and lot
sizes from a local instrument cache. These commands refresh the cache
from Kite and query it without starting a session.`,
	}

	instCmd.AddCommand(newInstrumentsRefreshCmd(app))
	instCmd.AddCommand(newInstrumentsExpiriesCmd(app))
	instCmd.AddCommand(newInstrumentsFindCmd(app))
	rootCmd.AddCommand(instCmd)
}

func newInstrumentsRefreshCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Download the instrument dump and rebuild the cache",
		Example: `  adxtrader instruments refresh
  adxtrader instruments refresh --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			if app.Gateway == nil {
				output.Error("Broker not configured. Add kite credentials to credentials.toml")
				return fmt.Errorf("broker not configured")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			if err := app.Gateway.Authenticate(ctx); err != nil {
				output.Error("Authentication failed: %v", err)
				return err
			}

			directory := broker.NewInstrumentDirectory(app.Gateway, nil, app.Config.Data.Dir, app.Logger)
			if err := directory.Refresh(ctx); err != nil {
				output.Error("Instrument refresh failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"instruments":  directory.Count(),
					"refreshed_at": directory.RefreshedAt(),
				})
			}

			output.Success("Instrument cache rebuilt: %d contracts", directory.Count())
			output.Dim("Refreshed at %s", FormatDateTime(directory.RefreshedAt()))
			return nil
		},
	}
}

func newInstrumentsExpiriesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "expiries <underlying>",
		Short: "List upcoming option expiries for an underlying",
		Args:  cobra.ExactArgs(1),
		Example: `  adxtrader instruments expiries NIFTY
  adxtrader instruments expiries BANKNIFTY --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			underlying := strings.ToUpper(args[0])

			directory, err := openDirectory(app, output)
			if err != nil {
				return err
			}

			now := time.Now()
			expiries := directory.Expiries(underlying, now)
			if len(expiries) == 0 {
				output.Warning("No expiries cached for %s. Run 'adxtrader instruments refresh'.", underlying)
				return nil
			}

			lotSize := directory.LotSize(underlying)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"underlying": underlying,
					"lot_size":   lotSize,
					"expiries":   expiries,
				})
			}

			output.Bold("%s Expiries", underlying)
			output.Println()

			table := NewTable(output, "Expiry", "Day", "DTE")
			for _, exp := range expiries {
				dte := int(exp.Sub(now).Hours() / 24)
				table.AddRow(FormatDate(exp), exp.Weekday().String(), strconv.Itoa(dte))
			}
			table.Render()

			output.Println()
			output.Dim("Lot size: %d", lotSize)
			return nil
		},
	}
}

func newInstrumentsFindCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <underlying> <strike> <CE|PE>",
		Short: "Resolve an option contract from the cache",
		Args:  cobra.ExactArgs(3),
		Example: `  adxtrader instruments find NIFTY 24500 CE
  adxtrader instruments find BANKNIFTY 52000 PE --expiry 2025-09-30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			underlying := strings.ToUpper(args[0])

			strike, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				output.Error("Invalid strike %q", args[1])
				return err
			}

			var optType models.OptionType
			switch strings.ToUpper(args[2]) {
			case "CE":
				optType = models.OptionCall
			case "PE":
				optType = models.OptionPut
			default:
				output.Error("Option type must be CE or PE, got %q", args[2])
				return fmt.Errorf("invalid option type %q", args[2])
			}

			onOrAfter := time.Now()
			if expiryStr, _ := cmd.Flags().GetString("expiry"); expiryStr != "" {
				onOrAfter, err = time.Parse("2006-01-02", expiryStr)
				if err != nil {
					output.Error("Invalid expiry %q, want YYYY-MM-DD", expiryStr)
					return err
				}
			}

			directory, err := openDirectory(app, output)
			if err != nil {
				return err
			}

			inst, err := directory.FindOption(underlying, strike, optType, onOrAfter)
			if err != nil {
				output.Error("Contract not found: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(inst)
			}

			output.Bold("%s", inst.Symbol)
			output.Println()
			output.Printf("  Token:     %d\n", inst.Token)
			output.Printf("  Exchange:  %s\n", inst.Exchange)
			output.Printf("  Expiry:    %s (%s)\n", FormatDate(inst.Expiry), inst.Expiry.Weekday())
			output.Printf("  Strike:    %s\n", FormatPrice(inst.Strike))
			output.Printf("  Lot Size:  %d\n", inst.LotSize)
			output.Printf("  Tick Size: %.2f\n", inst.TickSize)
			return nil
		},
	}

	cmd.Flags().String("expiry", "", "Earliest acceptable expiry YYYY-MM-DD (default: today)")

	return cmd
}

// openDirectory loads the instrument cache, falling back to a live refresh
// when no cache exists yet.
func openDirectory(app *App, output *Output) (*broker.InstrumentDirectory, error) {
	if app.Gateway == nil {
		output.Error("Broker not configured. Add kite credentials to credentials.toml")
		return nil, fmt.Errorf("broker not configured")
	}

	directory := broker.NewInstrumentDirectory(app.Gateway, nil, app.Config.Data.Dir, app.Logger)
	if err := directory.LoadCache(); err == nil {
		return directory, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := app.Gateway.Authenticate(ctx); err != nil {
		output.Error("No instrument cache and authentication failed: %v", err)
		return nil, err
	}
	if err := directory.Refresh(ctx); err != nil {
		output.Error("Instrument refresh failed: %v", err)
		return nil, err
	}
	return directory, nil
}
