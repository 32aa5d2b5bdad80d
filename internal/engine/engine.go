// Package engine runs the trading day end to end: startup with its data
// readiness gate, the once-a-minute decision cycle, and the shutdown path
// that flattens open positions and persists the day's record.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"adx-trader/internal/broker"
	"adx-trader/internal/config"
	"adx-trader/internal/data"
	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/events"
	"adx-trader/internal/models"
	"adx-trader/internal/orders"
	"adx-trader/internal/performance"
	"adx-trader/internal/positions"
	"adx-trader/internal/resilience"
	"adx-trader/internal/risk"
	"adx-trader/internal/security"
	"adx-trader/internal/session"
	"adx-trader/internal/store"
	"adx-trader/internal/strategy"
	"adx-trader/internal/stream"
)

// vixQuoteSymbol is the exchange-prefixed symbol the VIX poll requests.
const vixQuoteSymbol = "NSE:INDIA VIX"

// Directory is the slice of the instrument directory the engine needs.
// *broker.InstrumentDirectory satisfies it.
type Directory interface {
	Refresh(ctx context.Context) error
	LoadCache() error
	FindOption(underlying string, strike float64, optType models.OptionType, onOrAfter time.Time) (models.Instrument, error)
	UnderlyingToken(underlying string) (uint32, string, error)
	LotSize(underlying string) int
}

// Deps bundles the engine's collaborators. Ticker and Journal are optional:
// without a ticker the engine polls bars over REST, and without a journal
// the day is persisted to artifacts only.
type Deps struct {
	Config    *config.Config
	Bus       *events.Bus
	Gateway   broker.Gateway
	Ticker    broker.Ticker
	Directory Directory
	Clock     *session.Clock
	Strategy  *strategy.Strategy
	Orders    *orders.Manager
	Validator *orders.Validator
	Positions *positions.Manager
	Risk      *risk.Manager
	Journal   *store.Journal
	Artifacts *store.Artifacts
	// Guard is optional; without one the engine trades unrestricted with
	// no kill-switch file.
	Guard  *security.Guard
	Logger zerolog.Logger
}

// pendingEntry tracks an entry order between placement and fill.
type pendingEntry struct {
	orderID string
	signal  models.EntrySignal
	inst    models.Instrument
}

// pendingExit tracks an exit order. fallback is the price used to book the
// close when the order cannot be confirmed during a forced flatten.
type pendingExit struct {
	orderID    string
	positionID string
	reason     models.ExitReason
	fallback   float64
}

// Engine owns the trading-day lifecycle. One engine instance serves one
// session; it is not reused across days.
type Engine struct {
	cfg       *config.Config
	bus       *events.Bus
	gateway   broker.Gateway
	ticker    broker.Ticker
	directory Directory
	clock     *session.Clock
	strategy  *strategy.Strategy
	orders    *orders.Manager
	validator *orders.Validator
	positions *positions.Manager
	risk      *risk.Manager
	journal   *store.Journal
	artifacts *store.Artifacts
	guard     *security.Guard
	health    *resilience.HealthMonitor
	logger    zerolog.Logger

	hourlyStore *data.BarStore
	dailyStore  *data.BarStore
	ticks       *data.TickBuffer
	backfiller  *data.Backfiller
	aggs        *data.MultiBarAggregator
	hub         *stream.Hub
	paper       *broker.PaperGateway

	sessionID        string
	underlyingToken  uint32
	underlyingSymbol string
	now              func() time.Time

	lastVix            float64
	lastDailyRun       string
	lastHourlyBoundary time.Time
	pendingEntries     map[string]pendingEntry
	pendingExits       map[string]pendingExit
	eodDone            bool
}

// New wires an engine from its collaborators and opens the bar stores for
// the configured underlying.
func New(deps Deps) (*Engine, error) {
	if deps.Config == nil {
		return nil, apperrors.NewConfigError("engine requires a config", nil)
	}
	for name, missing := range map[string]bool{
		"gateway":   deps.Gateway == nil,
		"directory": deps.Directory == nil,
		"clock":     deps.Clock == nil,
		"strategy":  deps.Strategy == nil,
		"orders":    deps.Orders == nil,
		"validator": deps.Validator == nil,
		"positions": deps.Positions == nil,
		"risk":      deps.Risk == nil,
		"artifacts": deps.Artifacts == nil,
	} {
		if missing {
			return nil, apperrors.NewConfigError(fmt.Sprintf("engine requires a %s", name), nil)
		}
	}

	logger := deps.Logger.With().Str("component", "engine").Logger()
	cfg := deps.Config

	hourly, err := data.NewBarStore(cfg.Data.Dir, cfg.Trading.Underlying, models.TimeframeHourly, cfg.Data.BarMemoryBars, logger)
	if err != nil {
		return nil, err
	}
	daily, err := data.NewBarStore(cfg.Data.Dir, cfg.Trading.Underlying, models.TimeframeDaily, cfg.Data.BarMemoryBars, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:            cfg,
		bus:            deps.Bus,
		gateway:        deps.Gateway,
		ticker:         deps.Ticker,
		directory:      deps.Directory,
		clock:          deps.Clock,
		strategy:       deps.Strategy,
		orders:         deps.Orders,
		validator:      deps.Validator,
		positions:      deps.Positions,
		risk:           deps.Risk,
		journal:        deps.Journal,
		artifacts:      deps.Artifacts,
		logger:         logger,
		hourlyStore:    hourly,
		dailyStore:     daily,
		ticks:          data.NewTickBuffer(cfg.Data.TickBufferSize),
		backfiller:     data.NewBackfiller(deps.Gateway, deps.Bus, logger),
		aggs:           data.NewMultiBarAggregator(logger),
		sessionID:      uuid.NewString(),
		now:            time.Now,
		pendingEntries: make(map[string]pendingEntry),
		pendingExits:   make(map[string]pendingExit),
	}
	if pg, ok := deps.Gateway.(*broker.PaperGateway); ok {
		e.paper = pg
	}
	if deps.Ticker != nil {
		e.hub = stream.NewHub(stream.DefaultHubConfig(), logger)
	}

	e.guard = deps.Guard
	if e.guard == nil {
		e.guard = security.NewGuard(false, "")
	}
	e.health = resilience.NewHealthMonitor(resilience.DefaultHealthConfig(), logger)
	e.registerHealthChecks()
	return e, nil
}

// registerHealthChecks wires the monitor to the market-data plumbing. The
// checks read engine state set during startup, so results before the first
// cycle report unknown components as healthy no-ops.
func (e *Engine) registerHealthChecks() {
	e.health.Register("ticker", func(ctx context.Context) resilience.ComponentHealth {
		if e.ticker == nil {
			return resilience.Healthy("polling bars over REST")
		}
		if !e.ticker.IsConnected() {
			return resilience.Unhealthy("websocket disconnected")
		}
		return resilience.Healthy("websocket connected")
	})
	e.health.Register("market_data", func(ctx context.Context) resilience.ComponentHealth {
		if e.ticker == nil {
			return resilience.Healthy("no live feed configured")
		}
		threshold := time.Duration(e.cfg.Data.GapThresholdSec) * time.Second
		if threshold <= 0 {
			return resilience.Healthy("gap detection disabled")
		}
		if stale := e.aggs.Stale(threshold); len(stale) > 0 {
			return resilience.Degraded(fmt.Sprintf("stale aggregators: %v", stale))
		}
		return resilience.Healthy("ticks flowing")
	})
	e.health.Register("event_bus", func(ctx context.Context) resilience.ComponentHealth {
		if e.bus == nil {
			return resilience.Healthy("bus not wired")
		}
		published, handlerErrors := e.bus.Stats()
		if published > 0 && handlerErrors*10 > published {
			return resilience.Degraded(fmt.Sprintf("%d handler errors over %d events", handlerErrors, published))
		}
		return resilience.Healthy("dispatching")
	})
}

// SessionID returns the engine's session identifier, the first component of
// every order idempotency key.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Run executes the full day: startup, the cycle loop until end of session
// or context cancellation, then shutdown. A nil return means a graceful
// exit; any error is fatal and the process should exit non-zero.
func (e *Engine) Run(ctx context.Context) error {
	trade, err := e.startup(ctx)
	if err != nil {
		e.fatal(err)
		return err
	}
	if !trade {
		return nil
	}

	loopErr := e.loop(ctx)
	e.shutdown(context.Background())
	return loopErr
}

// RunOnce executes startup, a single decision cycle, and shutdown. The run
// command's --once flag uses it for supervised cron-style operation.
func (e *Engine) RunOnce(ctx context.Context) error {
	trade, err := e.startup(ctx)
	if err != nil {
		e.fatal(err)
		return err
	}
	if !trade {
		return nil
	}

	cycleErr := e.cycle(ctx)
	e.shutdown(context.Background())
	if cycleErr != nil && apperrors.IsFatal(cycleErr) {
		return cycleErr
	}
	return nil
}

// startup authenticates, loads instruments, wires market data, and enforces
// the bar readiness gate. The bool reports whether there is a session to
// trade: false on holidays and weekends, which exit gracefully.
func (e *Engine) startup(ctx context.Context) (bool, error) {
	now := e.now()
	date := now.In(e.clock.Location()).Format("2006-01-02")
	tradingDay := e.clock.IsTradingDay(now)
	e.emit(events.TradingDayCheck, "trading_day:"+date, map[string]any{
		"date":        date,
		"trading_day": tradingDay,
	})
	if !tradingDay {
		e.emit(events.NoTradeModeActive, "no_trade_mode:"+date, map[string]any{
			"date":   date,
			"reason": "non-trading day",
		})
		e.logger.Info().Str("date", date).Msg("non-trading day, nothing to do")
		return false, nil
	}
	e.emit(events.MarketSessionDetermined, "session:"+date, map[string]any{
		"date":    date,
		"session": string(e.clock.SessionAt(now)),
	})

	if err := e.gateway.Authenticate(ctx); err != nil {
		return false, err
	}

	if err := e.directory.Refresh(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("instrument refresh failed, trying cache")
		if cacheErr := e.directory.LoadCache(); cacheErr != nil {
			return false, err
		}
	}

	token, symbol, err := e.directory.UnderlyingToken(e.cfg.Trading.Underlying)
	if err != nil {
		return false, err
	}
	e.underlyingToken = token
	e.underlyingSymbol = symbol

	if _, err := e.hourlyStore.Load(e.cfg.Data.BarMemoryBars); err != nil {
		e.logger.Warn().Err(err).Msg("hourly bar log unreadable, starting empty")
	}
	if _, err := e.dailyStore.Load(e.cfg.Data.BarMemoryBars); err != nil {
		e.logger.Warn().Err(err).Msg("daily bar log unreadable, starting empty")
	}

	if e.ticker != nil {
		if err := e.connectTicker(ctx); err != nil {
			return false, err
		}
	}

	if err := e.ensureData(ctx); err != nil {
		return false, err
	}
	e.emit(events.DataReady, "data_ready:"+date, map[string]any{
		"date":        date,
		"daily_bars":  e.dailyStore.Len(),
		"hourly_bars": e.hourlyStore.Len(),
	})
	e.logger.Info().Str("underlying", e.cfg.Trading.Underlying).
		Uint32("token", token).
		Int("daily_bars", e.dailyStore.Len()).
		Int("hourly_bars", e.hourlyStore.Len()).
		Msg("engine ready")
	return true, nil
}

// connectTicker starts the live feed: the WebSocket, the fan-out hub, and
// the aggregators that build hourly and daily bars from ticks.
func (e *Engine) connectTicker(ctx context.Context) error {
	loc := e.clock.Location()
	e.aggs.Add(data.NewBarAggregator(e.cfg.Trading.Underlying, e.underlyingToken, models.TimeframeHourly, loc, e.hourlyStore, e.bus, e.logger))
	e.aggs.Add(data.NewBarAggregator(e.cfg.Trading.Underlying, e.underlyingToken, models.TimeframeDaily, loc, e.dailyStore, e.bus, e.logger))

	e.ticker.RegisterToken(e.underlyingToken, e.cfg.Trading.Underlying)
	if err := e.ticker.Connect(ctx); err != nil {
		return err
	}
	if err := e.ticker.Subscribe([]uint32{e.underlyingToken}, broker.TickModeQuote); err != nil {
		return err
	}

	e.hub.Start(ctx)
	go e.hub.Pump(ctx, e.ticker.Stream())
	e.hub.RegisterConsumer(stream.NewConsumerFunc([]string{e.cfg.Trading.Underlying}, e.onTick))
	e.emit(events.SubscriptionsInitialized, fmt.Sprintf("subscriptions:%d", e.underlyingToken), map[string]any{
		"tokens": []uint32{e.underlyingToken},
	})
	return nil
}

// onTick fans one live tick into the buffer, the bar aggregators, and the
// paper gateway's fill engine.
func (e *Engine) onTick(t models.Tick) {
	e.ticks.Push(t)
	e.aggs.OnTick(t)
	if e.paper != nil {
		e.paper.ProcessTick(t)
	}
}

// ensureData backfills until both stores hold the indicator warm-up window,
// and fails when the broker cannot supply it.
func (e *Engine) ensureData(ctx context.Context) error {
	type gate struct {
		store *data.BarStore
		need  int
	}
	for _, g := range []gate{
		{e.dailyStore, e.requiredDailyBars()},
		{e.hourlyStore, e.requiredHourlyBars()},
	} {
		if g.store.Len() >= g.need {
			continue
		}
		if _, err := e.backfiller.Sync(ctx, g.store, e.underlyingToken, e.cfg.Data.HistoricalDays); err != nil {
			return err
		}
		if g.store.Len() < g.need {
			return apperrors.NewMissingData(g.store.Symbol(), fmt.Sprintf(
				"%s history short after sync: have %d bars, need %d",
				g.store.Timeframe(), g.store.Len(), g.need))
		}
	}
	return nil
}

// requiredDailyBars is the daily warm-up: Wilder ADX needs two periods.
func (e *Engine) requiredDailyBars() int {
	return 2 * e.cfg.Strategy.DailyADXPeriod
}

// requiredHourlyBars covers the hourly ADX plus the entry filters.
func (e *Engine) requiredHourlyBars() int {
	need := 2 * e.cfg.Strategy.HourlyADXPeriod
	if n := e.cfg.Strategy.RSIPeriod + 1; n > need {
		need = n
	}
	if n := e.cfg.Strategy.EMAPeriod + 1; n > need {
		need = n
	}
	return need
}

// loop runs decision cycles until the session ends, the context is
// cancelled, or a cycle returns a fatal error.
func (e *Engine) loop(ctx context.Context) error {
	interval := time.Duration(e.cfg.Trading.CycleIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.cycle(ctx); err != nil {
			if apperrors.IsFatal(err) {
				return err
			}
			e.logger.Error().Err(err).Str("code", apperrors.CodeOf(err)).Msg("cycle error")
		}
		if e.eodDone {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// shutdown flattens whatever is still open, persists the day, and releases
// the market-data plumbing. Safe to call once after any loop outcome.
func (e *Engine) shutdown(ctx context.Context) {
	e.emit(events.GracefulShutdownInitiated, "shutdown:"+e.sessionID, map[string]any{
		"session_id":     e.sessionID,
		"open_positions": e.positions.OpenCount(),
	})

	if e.positions.OpenCount() > 0 {
		e.flatten(ctx, models.ExitSessionClose, true)
	}
	e.persistDay(ctx)

	if e.ticker != nil {
		if err := e.ticker.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("ticker close failed")
		}
	}
	if e.hub != nil {
		e.hub.Stop()
	}
	if err := e.aggs.FinalizeAll(); err != nil {
		e.logger.Warn().Err(err).Msg("aggregator finalize failed")
	}

	e.emit(events.ShutdownCompleted, "shutdown_done:"+e.sessionID, map[string]any{
		"session_id": e.sessionID,
		"trades":     len(e.positions.Trades()),
	})
	e.logger.Info().Str("session_id", e.sessionID).Msg("shutdown complete")
}

// persistDay writes the day's record: the journal rows, the trades
// artifact, and the summary. Any day that opened a position gets a trades
// file, whatever else went wrong.
func (e *Engine) persistDay(ctx context.Context) {
	now := e.now()
	trades := e.positions.Trades()

	if open := e.positions.OpenPositions(); len(open) > 0 {
		if err := e.artifacts.WritePositions(now, open); err != nil {
			e.logger.Error().Err(err).Msg("position snapshot write failed")
		}
	}
	if len(trades) == 0 {
		return
	}

	if err := e.artifacts.WriteTrades(now, trades); err != nil {
		e.logger.Error().Err(err).Msg("trades artifact write failed")
	}

	date := now.In(e.clock.Location()).Format("2006-01-02")
	report := performance.BuildReport(date, e.cfg.Trading.Capital, trades)

	if e.journal == nil {
		return
	}
	if err := e.journal.SaveTrades(ctx, trades, e.clock.Location()); err != nil {
		e.logger.Error().Err(err).Msg("journal trade save failed")
	}
	if err := e.journal.SaveDailySummary(ctx, summaryFromReport(report, e.cfg.Trading.Capital)); err != nil {
		e.logger.Error().Err(err).Msg("journal summary save failed")
	}
}

// summaryFromReport maps the day's performance report onto a journal row.
func summaryFromReport(r performance.Report, capital float64) store.DailySummary {
	return store.DailySummary{
		Date:         r.Date,
		Trades:       r.TotalTrades,
		Wins:         r.Wins,
		Losses:       r.Losses,
		GrossPnL:     r.GrossPnL,
		Brokerage:    r.Brokerage,
		NetPnL:       r.NetPnL,
		NetPnLPct:    r.NetPnLPct,
		WinRate:      r.WinRate,
		ProfitFactor: r.ProfitFactor,
		MaxDrawdown:  r.MaxDrawdown,
		LargestWin:   r.LargestWin,
		LargestLoss:  r.LargestLoss,
		Capital:      capital,
	}
}

func (e *Engine) fatal(err error) {
	e.emit(events.FatalError, "fatal:"+e.sessionID, map[string]any{
		"session_id": e.sessionID,
		"code":       apperrors.CodeOf(err),
		"error":      err.Error(),
	})
	e.logger.Error().Err(err).Str("code", apperrors.CodeOf(err)).Msg("fatal startup error")
}

func (e *Engine) emit(kind events.Kind, key string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Emit(kind, key, payload); err != nil {
		e.logger.Warn().Err(err).Str("kind", string(kind)).Msg("event emit failed")
	}
}
