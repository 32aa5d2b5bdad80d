// Package positions tracks open option positions through their lifecycle:
// open, per-price update with stop/trail/target checks, close into an
// immutable Trade, and the day's PnL accumulator.
package positions

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"adx-trader/internal/config"
	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// brokerageFloor is the minimum per-trade brokerage estimate in rupees.
const brokerageFloor = 20.0

// Manager owns the live position set and the day's closed trades. All
// mutations are serialized; accessors return copies.
type Manager struct {
	bus    *events.Bus
	cfg    config.RiskConfig
	paper  bool
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	live      map[string]*models.Position
	trades    []models.Trade
	closedIDs map[string]int
	dailyPnL  float64
	lastVix   float64
	updateSeq map[string]int
}

// NewManager creates a position manager. paper marks resulting trades as
// simulated.
func NewManager(bus *events.Bus, cfg config.RiskConfig, paper bool, logger zerolog.Logger) *Manager {
	return &Manager{
		bus:       bus,
		cfg:       cfg,
		paper:     paper,
		logger:    logger.With().Str("component", "position_manager").Logger(),
		now:       time.Now,
		live:      make(map[string]*models.Position),
		closedIDs: make(map[string]int),
		updateSeq: make(map[string]int),
	}
}

// Open admits a new position into the live set. A duplicate position ID is
// refused.
func (m *Manager) Open(p models.Position) error {
	m.mu.Lock()
	if _, ok := m.live[p.ID]; ok {
		m.mu.Unlock()
		return apperrors.NewDuplicatePosition(p.ID)
	}
	if _, ok := m.closedIDs[p.ID]; ok {
		m.mu.Unlock()
		return apperrors.NewDuplicatePosition(p.ID)
	}

	p.Status = models.PositionOpen
	if p.CurrentPrice == 0 {
		p.CurrentPrice = p.EntryPrice
	}
	if p.HighWater == 0 {
		p.HighWater = p.CurrentPrice
	}
	if p.LowWater == 0 {
		p.LowWater = p.CurrentPrice
	}
	if p.VixEntry == 0 {
		p.VixEntry = m.lastVix
	}
	stored := p
	m.live[p.ID] = &stored
	m.mu.Unlock()

	m.emit(events.PositionOpened, "position:"+p.ID+":opened", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"quantity":    p.Quantity,
		"entry_price": p.EntryPrice,
		"stop_loss":   p.StopLoss,
	})
	m.logger.Info().Str("position_id", p.ID).Str("symbol", p.Symbol).
		Int("quantity", p.Quantity).Float64("entry_price", p.EntryPrice).
		Float64("stop_loss", p.StopLoss).Msg("position opened")
	return nil
}

// Update applies a fresh price to one position and runs the exit checks in
// priority order. A non-empty reason means the caller must close the
// position. Trailing stops activate once the gain threshold is reached and
// only ever ratchet upward afterwards.
func (m *Manager) Update(positionID string, currentPrice float64) (models.ExitReason, error) {
	m.mu.Lock()
	p, ok := m.live[positionID]
	if !ok {
		m.mu.Unlock()
		return "", apperrors.NewPositionNotFound(positionID)
	}

	p.CurrentPrice = currentPrice
	p.PnL = (currentPrice - p.EntryPrice) * float64(p.Quantity)
	if p.EntryPrice != 0 {
		p.PnLPct = (currentPrice - p.EntryPrice) / p.EntryPrice * 100
	}
	if currentPrice > p.HighWater {
		p.HighWater = currentPrice
	}
	if currentPrice < p.LowWater {
		p.LowWater = currentPrice
	}

	// TrailGapPct is a fraction (0.05 trails 5% behind); the activation
	// threshold is in percent points, matching PnLPct.
	var activated, ratcheted bool
	var trailStop float64
	if m.cfg.UseTrailingStop && !p.TrailActive && p.PnLPct >= m.cfg.TrailActivatePnlPct {
		p.TrailActive = true
		trailStop = currentPrice * (1 - m.cfg.TrailGapPct)
		p.TrailStop = &trailStop
		activated = true
	} else if p.TrailActive && p.TrailStop != nil {
		if candidate := currentPrice * (1 - m.cfg.TrailGapPct); candidate > *p.TrailStop {
			trailStop = candidate
			p.TrailStop = &trailStop
			ratcheted = true
		}
	}

	var reason models.ExitReason
	switch {
	case currentPrice <= p.StopLoss:
		reason = models.ExitStopLoss
	case p.TrailActive && p.TrailStop != nil && currentPrice <= *p.TrailStop:
		reason = models.ExitTrailingStop
	case p.Target != nil && currentPrice >= *p.Target:
		reason = models.ExitTarget
	}

	m.updateSeq[positionID]++
	seq := m.updateSeq[positionID]
	symbol := p.Symbol
	pnl := p.PnL
	m.mu.Unlock()

	if activated {
		m.emit(events.TrailingStopActivated, "position:"+positionID+":trail_activated", map[string]any{
			"position_id": positionID,
			"trail_stop":  trailStop,
			"price":       currentPrice,
		})
		m.logger.Info().Str("position_id", positionID).Float64("trail_stop", trailStop).
			Msg("trailing stop activated")
	}
	if ratcheted {
		m.emit(events.TrailingStopUpdated, fmt.Sprintf("position:%s:trail:%d", positionID, seq), map[string]any{
			"position_id": positionID,
			"trail_stop":  trailStop,
			"price":       currentPrice,
		})
	}

	switch reason {
	case models.ExitStopLoss:
		m.emit(events.StopLossTriggered, "position:"+positionID+":stop_loss", map[string]any{
			"position_id": positionID,
			"price":       currentPrice,
		})
	case models.ExitTarget:
		m.emit(events.TargetReached, "position:"+positionID+":target", map[string]any{
			"position_id": positionID,
			"price":       currentPrice,
		})
	case "":
		m.emit(events.PositionUpdated, fmt.Sprintf("position:%s:update:%d", positionID, seq), map[string]any{
			"position_id": positionID,
			"symbol":      symbol,
			"price":       currentPrice,
			"pnl":         pnl,
		})
	}

	return reason, nil
}

// Close removes a position from the live set and books the Trade. Closing
// an already-closed position returns the original trade.
func (m *Manager) Close(positionID string, exitPrice float64, reason models.ExitReason) (models.Trade, error) {
	m.mu.Lock()
	if idx, ok := m.closedIDs[positionID]; ok {
		trade := m.trades[idx]
		m.mu.Unlock()
		return trade, nil
	}
	p, ok := m.live[positionID]
	if !ok {
		m.mu.Unlock()
		return models.Trade{}, apperrors.NewPositionNotFound(positionID)
	}

	now := m.now()
	gross := (exitPrice - p.EntryPrice) * float64(p.Quantity)
	notional := (p.EntryPrice + exitPrice) * float64(p.Quantity)
	brokerage := math.Max(0.0003*notional, brokerageFloor)
	net := gross - brokerage

	trade := models.Trade{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Underlying:  p.Underlying,
		Strike:      p.Strike,
		OptionType:  p.OptionType,
		Side:        p.Side,
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		EntryTime:   p.EntryTime,
		ExitPrice:   exitPrice,
		ExitTime:    now,
		ExitReason:  reason,
		GrossPnL:    gross,
		Brokerage:   brokerage,
		NetPnL:      net,
		Duration:    now.Sub(p.EntryTime),
		HighWater:   math.Max(p.HighWater, exitPrice),
		LowWater:    math.Min(p.LowWater, exitPrice),
		VixEntry:    p.VixEntry,
		VixExit:     m.lastVix,
		EntryReason: p.EntryReason,
		IsPaper:     m.paper,
	}

	delete(m.live, positionID)
	delete(m.updateSeq, positionID)
	m.trades = append(m.trades, trade)
	m.closedIDs[positionID] = len(m.trades) - 1
	m.dailyPnL += net
	dailyPnL := m.dailyPnL
	m.mu.Unlock()

	m.emit(events.PositionClosed, "position:"+positionID+":closed", map[string]any{
		"position_id": positionID,
		"symbol":      trade.Symbol,
		"exit_price":  exitPrice,
		"exit_reason": string(reason),
		"gross_pnl":   gross,
		"net_pnl":     net,
		"daily_pnl":   dailyPnL,
	})
	m.logger.Info().Str("position_id", positionID).Str("symbol", trade.Symbol).
		Str("exit_reason", string(reason)).Float64("net_pnl", net).
		Float64("daily_pnl", dailyPnL).Msg("position closed")
	return trade, nil
}

// CloseAll flattens every live position at its last known price.
func (m *Manager) CloseAll(reason models.ExitReason) []models.Trade {
	m.mu.RLock()
	type snap struct {
		id    string
		price float64
	}
	snaps := make([]snap, 0, len(m.live))
	for id, p := range m.live {
		snaps = append(snaps, snap{id: id, price: p.CurrentPrice})
	}
	m.mu.RUnlock()

	trades := make([]models.Trade, 0, len(snaps))
	for _, s := range snaps {
		trade, err := m.Close(s.id, s.price, reason)
		if err != nil {
			m.logger.Error().Err(err).Str("position_id", s.id).Msg("close_all: close failed")
			continue
		}
		trades = append(trades, trade)
	}

	if len(trades) > 0 {
		m.emit(events.PositionsClosed, fmt.Sprintf("positions_closed:%s:%d", reason, m.now().UnixMilli()), map[string]any{
			"reason": string(reason),
			"count":  len(trades),
		})
	}
	return trades
}

// Get returns a snapshot of one live position.
func (m *Manager) Get(positionID string) (models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.live[positionID]
	if !ok {
		return models.Position{}, apperrors.NewPositionNotFound(positionID)
	}
	return *p, nil
}

// OpenPositions returns snapshots of every live position.
func (m *Manager) OpenPositions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.live))
	for _, p := range m.live {
		out = append(out, *p)
	}
	return out
}

// OpenCount returns the number of live positions.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// Trades returns the day's closed trades in close order.
func (m *Manager) Trades() []models.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// DailyPnL returns the running sum of the day's net PnL.
func (m *Manager) DailyPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyPnL
}

// SetVix records the latest India VIX reading for trade stamping.
func (m *Manager) SetVix(vix float64) {
	m.mu.Lock()
	m.lastVix = vix
	m.mu.Unlock()
}

// ResetDaily clears trades and the PnL accumulator for a new session. Live
// positions are untouched; a session never starts with carryover intraday
// positions.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	m.trades = nil
	m.closedIDs = make(map[string]int)
	m.dailyPnL = 0
	m.mu.Unlock()
}

func (m *Manager) emit(kind events.Kind, key string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Emit(kind, key, payload); err != nil {
		m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("event emit failed")
	}
}
