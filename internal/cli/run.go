package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"adx-trader/internal/broker"
	"adx-trader/internal/engine"
	"adx-trader/internal/events"
	"adx-trader/internal/notify"
	"adx-trader/internal/orders"
	"adx-trader/internal/positions"
	"adx-trader/internal/risk"
	"adx-trader/internal/security"
	"adx-trader/internal/session"
	"adx-trader/internal/store"
	"adx-trader/internal/strategy"
)

// addRunCommands adds the trading engine command.
func addRunCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
}

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the intraday trading session",
		Long: `Run the trading engine for the current session.

Startup authenticates with the broker, loads the instrument directory,
backfills the bar stores, and checks the trading calendar; on a holiday or
weekend the engine exits cleanly without trading. It then cycles until the
end of the session: daily direction, hourly alignment, entry filters, order
placement, position management, and the mandatory end-of-day exit.

SIGINT or SIGTERM triggers a graceful shutdown that flattens any open
positions before persisting the day. The exit code is non-zero only for a
fatal error.`,
		Example: `  adxtrader run
  adxtrader run --paper
  adxtrader run --once
  adxtrader run --no-ticker`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			paper, _ := cmd.Flags().GetBool("paper")
			once, _ := cmd.Flags().GetBool("once")
			noTicker, _ := cmd.Flags().GetBool("no-ticker")
			readOnly, _ := cmd.Flags().GetBool("read-only")

			if app.Gateway == nil {
				output.Error("Broker not configured. Add kite credentials to credentials.toml")
				return fmt.Errorf("broker not configured")
			}

			cfg := app.Config
			paperMode := paper || cfg.Trading.Mode == "paper"

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The WebSocket ticker needs the day's access token, so the
			// session is established before the engine is wired.
			if err := app.Gateway.Authenticate(ctx); err != nil {
				output.Error("Authentication failed: %v", err)
				return err
			}

			eng, cleanup, err := buildEngine(app, paperMode, noTicker, readOnly)
			if err != nil {
				output.Error("Engine wiring failed: %v", err)
				return err
			}
			defer cleanup()

			if paperMode {
				output.Warning("PAPER TRADING MODE - orders are simulated against live data")
			}
			if readOnly {
				output.Warning("READ-ONLY MODE - signals are evaluated but no entries are placed")
			}
			output.Info("Session %s: %s, capital %s",
				eng.SessionID(), cfg.Trading.Underlying, FormatIndianCurrency(cfg.Trading.Capital))

			if once {
				err = eng.RunOnce(ctx)
			} else {
				err = eng.Run(ctx)
			}
			if err != nil {
				output.Error("Session ended with a fatal error: %v", err)
				return err
			}

			output.Success("✓ Session complete")
			return nil
		},
	}

	cmd.Flags().Bool("paper", false, "Paper trade against live market data")
	cmd.Flags().Bool("once", false, "Run startup, a single decision cycle, and shutdown")
	cmd.Flags().Bool("no-ticker", false, "Poll bars over REST instead of the WebSocket feed")
	cmd.Flags().Bool("read-only", false, "Evaluate signals without placing entry orders")

	return cmd
}

// buildEngine wires the engine from configuration. The returned cleanup
// closes the event bus and the journal; the engine closes its own ticker
// and bar stores during shutdown.
func buildEngine(app *App, paperMode, noTicker, readOnly bool) (*engine.Engine, func(), error) {
	cfg := app.Config
	logger := app.Logger

	clock, err := session.NewClock(cfg.Session, tradingCalendar(cfg.Session, logger))
	if err != nil {
		return nil, nil, err
	}

	bus, err := events.NewBus(events.DefaultBusConfig(eventLogPath(cfg, time.Now().In(clock.Location()))), logger)
	if err != nil {
		return nil, nil, err
	}
	bus.Start()

	if cfg.Notify.Enabled {
		term := notify.NewTerminalChannel()
		term.SetBellEnabled(cfg.Notify.Bell)
		notifier := notify.NewNotifier(notify.Level(cfg.Notify.Level), logger, term)
		if cfg.Notify.WebhookURL != "" {
			notifier.AddChannel(notify.NewWebhookChannel(cfg.Notify.WebhookURL, 0))
		}
		notifier.Attach(bus)
	}

	var gateway broker.Gateway = app.Gateway
	if paperMode {
		gateway = broker.NewPaperGateway(app.Gateway, cfg.Trading.PaperSlippageBps, cfg.Trading.PaperAutoFill, logger)
	}

	var ticker broker.Ticker
	if !noTicker {
		if token := app.Gateway.AccessToken(); token != "" {
			ticker = broker.NewKiteTicker(cfg.Credentials.Kite.APIKey, token, cfg.WebSocket, logger)
		} else {
			logger.Warn().Msg("no access token for the ticker, polling bars over REST")
		}
	}

	directory := broker.NewInstrumentDirectory(gateway, bus, cfg.Data.Dir, logger)

	posMgr := positions.NewManager(bus, cfg.Risk, paperMode, logger)
	riskMgr := risk.NewManager(bus, risk.Settings{
		Risk:    cfg.Risk,
		Vix:     cfg.Vix,
		Sizing:  cfg.Sizing,
		Capital: cfg.Trading.Capital,
	}, posMgr, logger)
	strat := strategy.New(cfg.Strategy, cfg.Vix, cfg.Trading.Underlying, clock.Location(), bus, logger)
	orderMgr := orders.NewManager(gateway, bus, cfg.Orders, cfg.Limits.TickSize, logger)
	artifacts := store.NewArtifacts(filepath.Join(cfg.Data.Dir, "artifacts"))

	journal, err := store.NewJournal(filepath.Join(cfg.Data.Dir, "journal.db"))
	if err != nil {
		// The engine runs without a journal; the day still lands in artifacts.
		logger.Warn().Err(err).Msg("journal unavailable")
		journal = nil
	}

	eng, err := engine.New(engine.Deps{
		Config:    cfg,
		Bus:       bus,
		Gateway:   gateway,
		Ticker:    ticker,
		Directory: directory,
		Clock:     clock,
		Strategy:  strat,
		Orders:    orderMgr,
		Validator: orders.NewValidator(cfg.Limits),
		Positions: posMgr,
		Risk:      riskMgr,
		Journal:   journal,
		Artifacts: artifacts,
		Guard:     security.NewGuard(readOnly, filepath.Join(cfg.Data.Dir, "KILL")),
		Logger:    logger,
	})
	if err != nil {
		bus.Close()
		if journal != nil {
			journal.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		if err := bus.Close(); err != nil {
			logger.Warn().Err(err).Msg("event bus close failed")
		}
		if journal != nil {
			if err := journal.Close(); err != nil {
				logger.Warn().Err(err).Msg("journal close failed")
			}
		}
	}
	return eng, cleanup, nil
}
