package engine

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"adx-trader/internal/broker"
	"adx-trader/internal/models"
	"adx-trader/internal/orders"
	"adx-trader/internal/security"
	"adx-trader/pkg/utils"
)

// Fill confirmation pacing during a forced flatten.
const (
	fillPollInterval = 250 * time.Millisecond
	fillWaitBudget   = 5 * time.Second
)

// tryEntry turns an armed signal into an order: risk gate, contract lookup,
// sizing, validation, placement. Any refusal disarms the strategy so the
// next hourly boundary can rearm it.
func (e *Engine) tryEntry(ctx context.Context, now time.Time, hourly []models.Bar) {
	if err := e.guard.Allow(security.OpPlaceOrder); err != nil {
		e.logger.Info().Err(err).Msg("entries disabled, observing only")
		return
	}

	ltp, err := e.underlyingLTP(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("underlying ltp unavailable, skipping entry check")
		return
	}

	sig, err := e.strategy.EvaluateEntry(hourly, ltp, e.lastVix)
	if err != nil {
		e.logger.Error().Err(err).Msg("entry evaluation failed")
		return
	}
	if sig == nil {
		return
	}
	if err := e.artifacts.AppendSignal(now, *sig); err != nil {
		e.logger.Warn().Err(err).Msg("signal artifact append failed")
	}

	if err := e.risk.PreEntryCheck(); err != nil {
		e.logger.Info().Err(err).Msg("entry blocked by risk check")
		e.strategy.Disarm()
		return
	}

	inst, err := e.directory.FindOption(sig.Underlying, sig.Strike, sig.OptionType, now)
	if err != nil {
		e.logger.Error().Err(err).Float64("strike", sig.Strike).Msg("option contract not found")
		e.strategy.Disarm()
		return
	}
	premium, err := e.gateway.LTP(ctx, inst.Token)
	if err != nil || premium <= 0 {
		e.logger.Error().Err(err).Str("symbol", inst.Symbol).Msg("option premium unavailable")
		e.strategy.Disarm()
		return
	}

	lotSize := inst.LotSize
	if lotSize <= 0 {
		lotSize = e.directory.LotSize(sig.Underlying)
	}
	if lotSize <= 0 {
		lotSize = e.cfg.LotSizeFor(sig.Underlying)
	}
	qty := e.risk.PositionSize(e.lastVix, e.daysToExpiry(now, inst.Expiry), lotSize)
	if qty <= 0 {
		e.logger.Info().Float64("premium", premium).Int("lot_size", lotSize).
			Msg("position size below one lot, skipping entry")
		e.strategy.Disarm()
		return
	}

	intent := models.OrderIntent{
		IntentID:          uuid.NewString(),
		Symbol:            inst.Symbol,
		Token:             inst.Token,
		Side:              sig.Side,
		Quantity:          qty,
		InitialLimitPrice: e.alignTick(premium, inst.TickSize),
		IdempotencyKey: utils.IdempotencyKey(
			e.sessionID,
			sig.Underlying,
			string(sig.OptionType),
			strconv.FormatFloat(sig.Strike, 'f', -1, 64),
			strconv.FormatInt(e.lastHourlyBoundary.Unix(), 10),
		),
	}

	vc := orders.ValidationContext{
		Instrument:       inst,
		ReferencePrice:   premium,
		AvailableBalance: e.availableBalance(),
		MarketOpen:       e.clock.IsMarketOpen(now),
	}
	if err := e.validator.Validate(intent, vc); err != nil {
		e.logger.Error().Err(err).Str("symbol", inst.Symbol).Int("quantity", qty).
			Msg("entry intent failed validation")
		e.strategy.Disarm()
		return
	}

	orderID, err := e.orders.Place(ctx, intent)
	if err != nil {
		e.logger.Error().Err(err).Str("order_id", orderID).Msg("entry order failed")
		e.strategy.Disarm()
		return
	}

	pe := pendingEntry{orderID: orderID, signal: *sig, inst: inst}
	e.pendingEntries[orderID] = pe
	e.resolveEntry(ctx, pe)
}

// exitPosition places the closing order for one position. force waits for
// the fill and books the close at the last price if confirmation never
// comes, so a mandatory flatten always completes the day's record.
func (e *Engine) exitPosition(ctx context.Context, pos models.Position, reason models.ExitReason, force bool) {
	for _, pending := range e.pendingExits {
		if pending.positionID == pos.ID {
			return
		}
	}

	ltp, err := e.gateway.LTP(ctx, pos.Token)
	if err != nil || ltp <= 0 {
		ltp = pos.CurrentPrice
	}
	if ltp <= 0 {
		ltp = pos.EntryPrice
	}

	// The key carries the attempt time: a rejected exit must be placeable
	// again on the next cycle, and double placement within one cycle is
	// already blocked by the pendingExits check above.
	intent := models.OrderIntent{
		IntentID:          uuid.NewString(),
		Symbol:            pos.Symbol,
		Token:             pos.Token,
		Side:              models.OrderSideSell,
		Quantity:          pos.Quantity,
		InitialLimitPrice: e.alignTick(ltp, 0),
		IdempotencyKey: utils.IdempotencyKey(e.sessionID, pos.ID, "exit", string(reason),
			strconv.FormatInt(e.now().UnixMilli(), 10)),
	}

	orderID, err := e.orders.Place(ctx, intent)
	if err != nil {
		e.logger.Error().Err(err).Str("position_id", pos.ID).Str("reason", string(reason)).
			Msg("exit order failed")
		if force {
			e.bookClose(ctx, pos.ID, ltp, reason)
		}
		return
	}

	pe := pendingExit{orderID: orderID, positionID: pos.ID, reason: reason, fallback: ltp}
	e.pendingExits[orderID] = pe

	if !force {
		e.resolveExit(ctx, pe)
		return
	}

	deadline := e.now().Add(fillWaitBudget)
	for {
		switch e.resolveExit(ctx, pe) {
		case exitFilled:
			return
		case exitRejected:
			// The broker refused the close but the flatten is mandatory:
			// the day's record must carry the trade regardless.
			e.logger.Error().Str("position_id", pos.ID).Str("order_id", orderID).
				Msg("exit order rejected during forced flatten, booking close at last price")
			e.bookClose(ctx, pos.ID, ltp, reason)
			return
		}
		if e.now().After(deadline) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(fillPollInterval):
		}
	}

	delete(e.pendingExits, orderID)
	e.logger.Error().Str("position_id", pos.ID).Str("order_id", orderID).
		Msg("exit fill unconfirmed, booking close at last price")
	e.bookClose(ctx, pos.ID, ltp, reason)
}

// flatten closes every open position for one reason.
func (e *Engine) flatten(ctx context.Context, reason models.ExitReason, force bool) {
	for _, pos := range e.positions.OpenPositions() {
		e.exitPosition(ctx, pos, reason, force)
	}
}

// pollFills advances every pending order by one broker status check.
func (e *Engine) pollFills(ctx context.Context) {
	for _, pe := range e.pendingEntries {
		e.resolveEntry(ctx, pe)
	}
	for _, pe := range e.pendingExits {
		e.resolveExit(ctx, pe)
	}
}

// resolveEntry checks one pending entry order and opens the position when
// it fills. Rejections disarm the strategy.
func (e *Engine) resolveEntry(ctx context.Context, pe pendingEntry) {
	ord, err := e.orders.Get(pe.orderID)
	if err != nil {
		delete(e.pendingEntries, pe.orderID)
		return
	}
	if ord.Status.Terminal() {
		delete(e.pendingEntries, pe.orderID)
		return
	}

	res, err := e.gateway.OrderStatus(ctx, ord.BrokerOrderID)
	if err != nil {
		e.logger.Warn().Err(err).Str("order_id", pe.orderID).Msg("entry status poll failed")
		return
	}

	switch res.Status {
	case broker.StatusComplete:
		qty := res.FilledQty
		if qty <= 0 {
			qty = ord.Quantity
		}
		price := res.AveragePrice
		if price <= 0 {
			price = ord.CurrentLimitPrice
		}
		if err := e.orders.MarkExecuted(pe.orderID, price, qty); err != nil {
			e.logger.Error().Err(err).Str("order_id", pe.orderID).Msg("entry fill bookkeeping failed")
		}
		e.openPosition(pe, price, qty, ord.IdempotencyKey)
		delete(e.pendingEntries, pe.orderID)
	case broker.StatusRejected, broker.StatusCancelled:
		if err := e.orders.MarkRejected(pe.orderID, res.Message); err != nil {
			e.logger.Error().Err(err).Str("order_id", pe.orderID).Msg("entry rejection bookkeeping failed")
		}
		e.strategy.Disarm()
		delete(e.pendingEntries, pe.orderID)
	}
}

// exitOutcome is what one resolveExit pass learned about a pending exit.
type exitOutcome int

const (
	exitPending exitOutcome = iota
	exitFilled
	exitRejected
)

// resolveExit checks one pending exit order and books the close when it
// fills. A rejected exit keeps the position open; the caller decides
// whether the next cycle retries or a forced flatten books the close anyway.
func (e *Engine) resolveExit(ctx context.Context, pe pendingExit) exitOutcome {
	ord, err := e.orders.Get(pe.orderID)
	if err != nil {
		delete(e.pendingExits, pe.orderID)
		return exitRejected
	}
	if ord.Status.Terminal() {
		delete(e.pendingExits, pe.orderID)
		if ord.Status == models.OrderFilled {
			return exitFilled
		}
		return exitRejected
	}

	res, err := e.gateway.OrderStatus(ctx, ord.BrokerOrderID)
	if err != nil {
		e.logger.Warn().Err(err).Str("order_id", pe.orderID).Msg("exit status poll failed")
		return exitPending
	}

	switch res.Status {
	case broker.StatusComplete:
		price := res.AveragePrice
		if price <= 0 {
			price = pe.fallback
		}
		qty := res.FilledQty
		if qty <= 0 {
			qty = ord.Quantity
		}
		if err := e.orders.MarkExecuted(pe.orderID, price, qty); err != nil {
			e.logger.Error().Err(err).Str("order_id", pe.orderID).Msg("exit fill bookkeeping failed")
		}
		delete(e.pendingExits, pe.orderID)
		e.bookClose(ctx, pe.positionID, price, pe.reason)
		return exitFilled
	case broker.StatusRejected, broker.StatusCancelled:
		if err := e.orders.MarkRejected(pe.orderID, res.Message); err != nil {
			e.logger.Error().Err(err).Str("order_id", pe.orderID).Msg("exit rejection bookkeeping failed")
		}
		delete(e.pendingExits, pe.orderID)
		e.logger.Error().Str("position_id", pe.positionID).Str("reason", res.Message).
			Msg("exit order rejected, position stays open")
		return exitRejected
	}
	return exitPending
}

// openPosition books a filled entry into the position manager.
func (e *Engine) openPosition(pe pendingEntry, fillPrice float64, qty int, key string) {
	pos := models.Position{
		ID:              uuid.NewString(),
		Symbol:          pe.inst.Symbol,
		Token:           pe.inst.Token,
		Underlying:      pe.signal.Underlying,
		Strike:          pe.signal.Strike,
		OptionType:      pe.signal.OptionType,
		Side:            pe.signal.Side,
		Quantity:        qty,
		EntryPrice:      fillPrice,
		EntryTime:       e.now(),
		UnderlyingEntry: pe.signal.UnderlyingLTP,
		StopLoss:        fillPrice * (1 - e.cfg.Risk.OptionStopLossPct),
		VixEntry:        e.lastVix,
		EntryReason:     pe.signal.Reason,
		IdempotencyKey:  key,
	}
	if err := e.positions.Open(pos); err != nil {
		e.logger.Error().Err(err).Str("position_id", pos.ID).Msg("position open failed")
		return
	}
}

// bookClose finalizes one position close: the trade record, the risk
// counters, the journal row, and the strategy disarm for re-entry.
func (e *Engine) bookClose(ctx context.Context, positionID string, exitPrice float64, reason models.ExitReason) {
	trade, err := e.positions.Close(positionID, exitPrice, reason)
	if err != nil {
		e.logger.Error().Err(err).Str("position_id", positionID).Msg("position close failed")
		return
	}
	e.risk.OnTradeClosed(trade)
	e.strategy.Disarm()
	if e.journal != nil {
		if err := e.journal.SaveTrade(ctx, trade, e.clock.Location()); err != nil {
			e.logger.Error().Err(err).Str("position_id", positionID).Msg("journal trade save failed")
		}
	}
}

// underlyingLTP prefers the freshest live tick and falls back to REST.
func (e *Engine) underlyingLTP(ctx context.Context) (float64, error) {
	if last, ok := e.ticks.Last(); ok && last.LastPrice > 0 {
		return last.LastPrice, nil
	}
	return e.gateway.LTP(ctx, e.underlyingToken)
}

// availableBalance estimates the cash usable for a new premium outlay:
// capital adjusted for the day's PnL minus what open positions already hold.
func (e *Engine) availableBalance() float64 {
	balance := e.cfg.Trading.Capital + e.positions.DailyPnL()
	for _, pos := range e.positions.OpenPositions() {
		balance -= pos.EntryPrice * float64(pos.Quantity)
	}
	return balance
}

// alignTick snaps a price onto the exchange tick grid.
func (e *Engine) alignTick(price, tick float64) float64 {
	if tick <= 0 {
		tick = e.cfg.Limits.TickSize
	}
	if tick <= 0 {
		return price
	}
	aligned := math.Round(price/tick) * tick
	if aligned <= 0 {
		aligned = tick
	}
	return aligned
}

// daysToExpiry counts calendar days from now to expiry in exchange time.
// An unknown expiry sizes as a far week rather than refusing the trade.
func (e *Engine) daysToExpiry(now time.Time, expiry time.Time) int {
	if expiry.IsZero() {
		return 5
	}
	loc := e.clock.Location()
	n := now.In(loc)
	x := expiry.In(loc)
	nd := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	xd := time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, loc)
	days := int(xd.Sub(nd).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
