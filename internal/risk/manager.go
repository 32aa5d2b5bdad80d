// Package risk holds the session guardrails: the VIX circuit breaker with
// hysteresis, the daily-loss limit, the consecutive-loss counter, the
// pre-entry gate, and VIX/DTE-scaled position sizing.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"adx-trader/internal/config"
	apperrors "adx-trader/internal/errors"
	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// PositionLister is the slice of the position manager the risk checks need.
type PositionLister interface {
	OpenPositions() []models.Position
}

// Settings bundles the configuration the risk manager consumes.
type Settings struct {
	Risk    config.RiskConfig
	Vix     config.VixConfig
	Sizing  config.SizingConfig
	Capital float64
}

// Manager is consulted on every VIX update, every trade close, and before
// every entry. The VIX breaker latches on at the spike threshold and
// releases only below the resume threshold.
type Manager struct {
	bus       *events.Bus
	settings  Settings
	positions PositionLister
	logger    zerolog.Logger
	now       func() time.Time

	mu                sync.RWMutex
	breakerActive     bool
	lossBreached      bool
	lossPctAtBreach   float64
	consecutiveLosses int
	lastVix           float64
	checkSeq          int
}

// NewManager creates a risk manager over the live position set.
func NewManager(bus *events.Bus, settings Settings, positions PositionLister, logger zerolog.Logger) *Manager {
	return &Manager{
		bus:       bus,
		settings:  settings,
		positions: positions,
		logger:    logger.With().Str("component", "risk_manager").Logger(),
		now:       time.Now,
	}
}

// UpdateVix feeds a fresh India VIX reading through the circuit breaker.
// Crossing the spike threshold returns a mandatory exit signal for every
// open position; the breaker then stays active until VIX falls below the
// resume threshold.
func (m *Manager) UpdateVix(vix float64) []models.ExitSignal {
	m.mu.Lock()
	m.lastVix = vix

	switch {
	case !m.breakerActive && vix >= m.settings.Vix.SpikeThreshold:
		m.breakerActive = true
		m.mu.Unlock()
		return m.tripBreaker(vix)

	case m.breakerActive && vix < m.settings.Vix.ResumeThreshold:
		m.breakerActive = false
		m.mu.Unlock()

		m.emit(events.VixNormalResumed, fmt.Sprintf("vix_resume:%d", m.now().UnixMilli()), map[string]any{
			"vix":              vix,
			"resume_threshold": m.settings.Vix.ResumeThreshold,
		})
		m.logger.Info().Float64("vix", vix).Msg("vix normalized, breaker released")
		return nil

	default:
		m.mu.Unlock()
		return nil
	}
}

func (m *Manager) tripBreaker(vix float64) []models.ExitSignal {
	open := m.positions.OpenPositions()
	now := m.now()

	ids := make([]string, 0, len(open))
	signals := make([]models.ExitSignal, 0, len(open))
	for _, p := range open {
		ids = append(ids, p.ID)
		signals = append(signals, models.ExitSignal{
			PositionID:  p.ID,
			Reason:      models.ExitVixSpike,
			Priority:    models.PriorityMandatory,
			GeneratedAt: now,
		})
	}

	m.emit(events.VixSpike, fmt.Sprintf("vix_spike:%d", now.UnixMilli()), map[string]any{
		"vix":               vix,
		"spike_threshold":   m.settings.Vix.SpikeThreshold,
		"positions_to_exit": ids,
	})
	for _, s := range signals {
		m.emit(events.ExitSignalGenerated, fmt.Sprintf("exit_signal:%s:%s:%d", s.PositionID, s.Reason, now.UnixMilli()), map[string]any{
			"position_id": s.PositionID,
			"reason":      string(s.Reason),
			"priority":    int(s.Priority),
		})
	}
	m.logger.Warn().Float64("vix", vix).Int("positions", len(signals)).
		Msg("vix spike, circuit breaker tripped")
	return signals
}

// CheckDailyLoss evaluates the day's PnL against the loss limit. The first
// breach latches for the rest of the session and returns mandatory exit
// signals for all open positions.
func (m *Manager) CheckDailyLoss(dailyPnL float64) (bool, []models.ExitSignal) {
	m.mu.Lock()
	if m.lossBreached {
		m.mu.Unlock()
		return true, nil
	}
	lossPct := dailyPnL / m.settings.Capital * 100
	if lossPct > -m.settings.Risk.DailyLossLimitPct {
		m.mu.Unlock()
		return false, nil
	}
	m.lossBreached = true
	m.lossPctAtBreach = lossPct
	m.mu.Unlock()

	open := m.positions.OpenPositions()
	now := m.now()
	signals := make([]models.ExitSignal, 0, len(open))
	for _, p := range open {
		signals = append(signals, models.ExitSignal{
			PositionID:  p.ID,
			Reason:      models.ExitDailyLossLimit,
			Priority:    models.PriorityMandatory,
			GeneratedAt: now,
		})
	}

	m.emit(events.DailyLossLimitBreached, fmt.Sprintf("daily_loss_breached:%s", now.UTC().Format("2006-01-02")), map[string]any{
		"daily_pnl": dailyPnL,
		"loss_pct":  lossPct,
		"limit_pct": m.settings.Risk.DailyLossLimitPct,
	})
	m.logger.Error().Float64("daily_pnl", dailyPnL).Float64("loss_pct", lossPct).
		Msg("daily loss limit breached")
	return true, signals
}

// OnTradeClosed maintains the consecutive-loss counter.
func (m *Manager) OnTradeClosed(trade models.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case trade.NetPnL < 0:
		m.consecutiveLosses++
		m.logger.Warn().Int("consecutive_losses", m.consecutiveLosses).
			Str("position_id", trade.PositionID).Msg("losing trade")
	case trade.NetPnL > 0:
		m.consecutiveLosses = 0
	}
}

// PreEntryCheck gates a new entry. Any active guardrail fails the check
// with a typed risk error; the caller skips the entry.
func (m *Manager) PreEntryCheck() error {
	m.mu.Lock()
	m.checkSeq++
	seq := m.checkSeq
	breaker := m.breakerActive
	breached := m.lossBreached
	lossPct := m.lossPctAtBreach
	losses := m.consecutiveLosses
	vix := m.lastVix
	m.mu.Unlock()

	fail := func(rule string, current, limit float64, msg string) error {
		m.emit(events.RiskCheckFailed, fmt.Sprintf("risk_check:%d:%s", seq, rule), map[string]any{
			"rule":    rule,
			"current": current,
			"limit":   limit,
		})
		return apperrors.NewRiskCheckFailed(rule, current, limit, msg)
	}

	if breaker {
		return fail("vix_breaker", vix, m.settings.Vix.SpikeThreshold, "vix circuit breaker active")
	}
	if breached {
		return fail("daily_loss", lossPct, m.settings.Risk.DailyLossLimitPct, "daily loss limit breached")
	}
	if open := len(m.positions.OpenPositions()); open >= m.settings.Risk.MaxPositions {
		return fail("max_positions", float64(open), float64(m.settings.Risk.MaxPositions), "position limit reached")
	}
	if losses >= m.settings.Risk.ConsecutiveLossLimit {
		return fail("consecutive_losses", float64(losses), float64(m.settings.Risk.ConsecutiveLossLimit), "consecutive loss cap hit")
	}

	m.emit(events.RiskCheckPassed, fmt.Sprintf("risk_check:%d:passed", seq), map[string]any{
		"open_positions":     len(m.positions.OpenPositions()),
		"consecutive_losses": losses,
	})
	return nil
}

// EntryVixCheck gates entries on the plain VIX trading threshold, distinct
// from the spike breaker.
func (m *Manager) EntryVixCheck(vix float64) bool {
	return vix <= m.settings.Vix.Threshold
}

// BreakerActive reports the circuit breaker state.
func (m *Manager) BreakerActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakerActive
}

// LossLimitBreached reports whether the daily loss latch is set.
func (m *Manager) LossLimitBreached() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lossBreached
}

// ConsecutiveLosses returns the current loss streak.
func (m *Manager) ConsecutiveLosses() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveLosses
}

// LastVix returns the most recent VIX reading.
func (m *Manager) LastVix() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastVix
}

// ResetDaily clears the per-day latches for a new session. The VIX breaker
// is market state, not session state, and carries over.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	m.lossBreached = false
	m.lossPctAtBreach = 0
	m.consecutiveLosses = 0
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
