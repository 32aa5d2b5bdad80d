package engine

import (
	"context"
	"fmt"
	"time"

	"adx-trader/internal/data"
	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// cycle runs one decision pass: resolve fills, refresh bars and VIX, then
// either flatten for end of day or run the analysis and position checks.
// Requires-exit errors flatten inside; only fatal errors halt the loop.
func (e *Engine) cycle(ctx context.Context) error {
	now := e.now()

	if e.guard.KillSwitchTripped() {
		e.onKillSwitch(ctx, now)
		return nil
	}
	e.health.Sweep(ctx)

	e.pollFills(ctx)

	if err := e.pullBars(ctx, now); err != nil {
		if halt := e.handleCycleError(ctx, err); halt {
			return err
		}
	}
	e.refreshVix(ctx, now)

	if e.clock.PastEODExit(now) {
		e.eodFlatten(ctx, now)
		return nil
	}
	if !e.clock.IsMarketOpen(now) {
		return nil
	}

	e.maybeDaily(ctx, now)
	e.maybeHourly(ctx, now)

	if err := e.managePositions(ctx, now); err != nil {
		if halt := e.handleCycleError(ctx, err); halt {
			return err
		}
	}
	return nil
}

// onKillSwitch services the operator's hard stop: flatten everything and
// end the loop. The switch is a file, so it survives the process and keeps
// a supervised restart from trading until the operator removes it.
func (e *Engine) onKillSwitch(ctx context.Context, now time.Time) {
	if e.eodDone {
		return
	}
	e.eodDone = true
	date := now.In(e.clock.Location()).Format("2006-01-02")
	e.emit(events.KillSwitchActivated, "kill_switch:"+date, map[string]any{
		"date":           date,
		"path":           e.guard.KillSwitchPath(),
		"open_positions": e.positions.OpenCount(),
	})
	e.logger.Error().Str("path", e.guard.KillSwitchPath()).Msg("kill switch tripped, flattening")
	if e.positions.OpenCount() > 0 {
		e.flatten(ctx, models.ExitSessionClose, true)
	}
}

// handleCycleError flattens on requires-exit conditions and reports whether
// the loop must halt. Token expiry halts: nothing can trade without auth.
func (e *Engine) handleCycleError(ctx context.Context, err error) bool {
	if !apperrors.RequiresExit(err) {
		return apperrors.IsFatal(err)
	}
	code := apperrors.CodeOf(err)
	reason := models.ExitSessionClose
	if code == apperrors.CodeTokenExpired {
		reason = models.ExitTokenExpiry
	}
	e.logger.Error().Err(err).Str("code", code).Str("exit_reason", string(reason)).
		Msg("requires-exit error, flattening")
	e.flatten(ctx, reason, true)
	return code == apperrors.CodeTokenExpired
}

// pullBars keeps the stores current. With a live ticker the aggregators do
// the work and this only recovers detected gaps; without one, each cycle
// tops the stores up over REST.
func (e *Engine) pullBars(ctx context.Context, now time.Time) error {
	if e.ticker == nil {
		for _, s := range []*data.BarStore{e.hourlyStore, e.dailyStore} {
			if _, err := e.backfiller.Sync(ctx, s, e.underlyingToken, 1); err != nil {
				return err
			}
		}
		return nil
	}

	threshold := time.Duration(e.cfg.Data.GapThresholdSec) * time.Second
	if threshold <= 0 || len(e.aggs.Stale(threshold)) == 0 {
		return nil
	}
	e.emit(events.DataGapDetected, fmt.Sprintf("gap:%s:%d", e.cfg.Trading.Underlying, now.Unix()), map[string]any{
		"symbol":        e.cfg.Trading.Underlying,
		"threshold_sec": e.cfg.Data.GapThresholdSec,
	})
	for _, s := range []*data.BarStore{e.hourlyStore, e.dailyStore} {
		from := now.Add(-threshold * 2)
		if last, ok := s.Last(); ok {
			from = last.Timestamp
		}
		if _, err := e.backfiller.RecoverGap(ctx, s, e.underlyingToken, from, now); err != nil {
			return err
		}
	}
	return nil
}

// refreshVix polls India VIX and routes the reading through the circuit
// breaker. A failed poll keeps the previous reading.
func (e *Engine) refreshVix(ctx context.Context, now time.Time) {
	quote, err := e.gateway.Quote(ctx, vixQuoteSymbol)
	if err != nil {
		e.logger.Warn().Err(err).Float64("last_vix", e.lastVix).Msg("vix poll failed, keeping last reading")
		return
	}
	e.lastVix = quote.LTP
	e.positions.SetVix(quote.LTP)
	e.emit(events.VixDataReceived, fmt.Sprintf("vix:%d", now.Unix()), map[string]any{
		"vix": quote.LTP,
	})

	for _, sig := range e.risk.UpdateVix(quote.LTP) {
		pos, err := e.positions.Get(sig.PositionID)
		if err != nil {
			continue
		}
		e.exitPosition(ctx, pos, sig.Reason, false)
	}
}

// maybeDaily runs the once-per-day direction analysis after the first bars
// of the session have settled, and persists the bias artifact.
func (e *Engine) maybeDaily(ctx context.Context, now time.Time) {
	open, _ := e.clock.SessionWindow(now)
	grace := time.Duration(e.cfg.Session.BarReadyGraceSec) * time.Second
	if now.Before(open.Add(grace)) {
		return
	}
	date := now.In(e.clock.Location()).Format("2006-01-02")
	if e.lastDailyRun == date {
		return
	}

	e.emit(events.DailyAnalysisRequired, "daily_analysis:"+date, map[string]any{"date": date})
	bars, err := e.dailyStore.Recent(e.dailyLookback())
	if err != nil {
		e.logger.Error().Err(err).Msg("daily bars unavailable")
		return
	}
	bias, err := e.strategy.EvaluateDaily(bars)
	if err != nil {
		e.logger.Error().Err(err).Msg("daily analysis failed")
		return
	}
	e.lastDailyRun = date

	biases := append([]models.DailyBias{bias}, e.scanBiasUnderlyings(ctx, now)...)
	if err := e.artifacts.WriteBias(now, biases); err != nil {
		e.logger.Error().Err(err).Msg("bias artifact write failed")
	}
	e.logger.Info().Str("bias", string(bias.Bias)).Float64("adx", bias.ADX).
		Float64("plus_di", bias.PlusDI).Float64("minus_di", bias.MinusDI).
		Msg("daily direction set")
}

// scanBiasUnderlyings computes the advisory bias for the configured extra
// underlyings from REST candles. Failures skip the underlying.
func (e *Engine) scanBiasUnderlyings(ctx context.Context, now time.Time) []models.DailyBias {
	var out []models.DailyBias
	for _, name := range e.cfg.Strategy.BiasUnderlyings {
		if name == "" || name == e.cfg.Trading.Underlying {
			continue
		}
		token, _, err := e.directory.UnderlyingToken(name)
		if err != nil {
			e.logger.Warn().Err(err).Str("underlying", name).Msg("bias scan: unknown underlying")
			continue
		}
		from := now.AddDate(0, 0, -e.cfg.Data.HistoricalDays)
		bars, err := e.gateway.HistoricalCandles(ctx, token, models.TimeframeDaily, from, now)
		if err != nil {
			e.logger.Warn().Err(err).Str("underlying", name).Msg("bias scan: candle fetch failed")
			continue
		}
		bias, err := e.strategy.BiasFor(name, bars)
		if err != nil {
			e.logger.Warn().Err(err).Str("underlying", name).Msg("bias scan: analysis failed")
			continue
		}
		out = append(out, bias)
	}
	return out
}

// maybeHourly runs the alignment check at most once per completed hourly
// bar, exits positions on a direction reversal, and evaluates an entry
// inside the entry window.
func (e *Engine) maybeHourly(ctx context.Context, now time.Time) {
	bars, err := e.hourlyStore.Recent(e.hourlyLookback())
	if err != nil || len(bars) == 0 {
		return
	}
	boundary := bars[len(bars)-1].Timestamp
	if !boundary.After(e.lastHourlyBoundary) {
		return
	}

	e.emit(events.HourlyAnalysisRequired, fmt.Sprintf("hourly_analysis:%d", boundary.Unix()), map[string]any{
		"boundary": boundary.UTC().Format(time.RFC3339),
	})
	align, err := e.strategy.EvaluateHourly(bars)
	if err != nil {
		e.logger.Error().Err(err).Msg("hourly analysis failed")
		return
	}
	e.lastHourlyBoundary = boundary

	if align.Reversed {
		for _, pos := range e.positions.OpenPositions() {
			e.exitPosition(ctx, pos, models.ExitAlignmentLost, false)
		}
		return
	}

	if e.clock.InEntryWindow(now) {
		e.tryEntry(ctx, now, bars)
	}
}

// managePositions marks every open position to the latest price, acts on
// the exit checks, and applies the daily loss cap afterwards.
func (e *Engine) managePositions(ctx context.Context, now time.Time) error {
	for _, pos := range e.positions.OpenPositions() {
		price, err := e.gateway.LTP(ctx, pos.Token)
		if err != nil {
			if apperrors.RequiresExit(err) {
				return err
			}
			e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("ltp poll failed")
			continue
		}
		reason, err := e.positions.Update(pos.ID, price)
		if err != nil {
			continue
		}
		if reason != "" {
			refreshed, err := e.positions.Get(pos.ID)
			if err != nil {
				continue
			}
			e.exitPosition(ctx, refreshed, reason, false)
		}
	}

	if breached, signals := e.risk.CheckDailyLoss(e.positions.DailyPnL()); breached {
		for _, sig := range signals {
			pos, err := e.positions.Get(sig.PositionID)
			if err != nil {
				continue
			}
			e.exitPosition(ctx, pos, sig.Reason, false)
		}
	}

	// The breaker latches, so UpdateVix signals only once per spike. Any
	// position still open after a rejected exit gets the mandatory exit
	// re-issued until it closes.
	if e.risk.BreakerActive() {
		for _, pos := range e.positions.OpenPositions() {
			e.exitPosition(ctx, pos, models.ExitVixSpike, false)
		}
	}
	return nil
}

// eodFlatten closes everything at the mandatory exit time. The loop ends
// after it; the shutdown path persists the day.
func (e *Engine) eodFlatten(ctx context.Context, now time.Time) {
	if e.eodDone {
		return
	}
	e.eodDone = true
	date := now.In(e.clock.Location()).Format("2006-01-02")
	e.emit(events.EodMandatoryExit, "eod_exit:"+date, map[string]any{
		"date":           date,
		"open_positions": e.positions.OpenCount(),
	})
	if e.positions.OpenCount() > 0 {
		e.flatten(ctx, models.ExitEOD, true)
	}
	e.logger.Info().Str("date", date).Msg("end-of-day exit complete")
}

// dailyLookback is the bar window handed to the daily analysis: double the
// warm-up so the Wilder smoothing has settled.
func (e *Engine) dailyLookback() int {
	return 4 * e.cfg.Strategy.DailyADXPeriod
}

// hourlyLookback covers the hourly ADX warm-up and the entry filters.
func (e *Engine) hourlyLookback() int {
	n := 4 * e.cfg.Strategy.HourlyADXPeriod
	if m := e.cfg.Strategy.RSIPeriod + 1; m > n {
		n = m
	}
	if m := e.cfg.Strategy.EMAPeriod + 1; m > n {
		n = m
	}
	return n
}
