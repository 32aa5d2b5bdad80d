package data

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// FloorBoundary truncates ts to the start of its bar interval in the
// exchange-local timezone and returns the boundary as UTC. Session
// boundaries follow the local calendar, so the floor must happen in local
// wall time, never in UTC.
func FloorBoundary(ts time.Time, tf models.Timeframe, loc *time.Location) time.Time {
	local := ts.In(loc)
	switch tf {
	case models.TimeframeDaily:
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).UTC()
	case models.TimeframeHourly:
		return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc).UTC()
	default:
		step := int(tf.Duration() / time.Minute)
		if step < 1 {
			step = 1
		}
		minute := local.Minute() - local.Minute()%step
		return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), minute, 0, 0, loc).UTC()
	}
}

// BarAggregator folds the tick stream of one (symbol, timeframe) into bars.
// A boundary crossing completes the open bar, appends it to the store, and
// publishes BAR_READY exactly once per boundary.
type BarAggregator struct {
	symbol    string
	token     uint32
	timeframe models.Timeframe
	loc       *time.Location
	store     *BarStore
	bus       *events.Bus
	logger    zerolog.Logger
	now       func() time.Time

	mu               sync.Mutex
	partial          *models.Bar
	boundary         time.Time
	tickCount        int
	completedThrough time.Time
	lastTick         time.Time
}

// NewBarAggregator creates an aggregator writing completed bars to store and
// announcing them on bus (which may be nil, e.g. during backfill).
func NewBarAggregator(symbol string, token uint32, tf models.Timeframe, loc *time.Location, store *BarStore, bus *events.Bus, logger zerolog.Logger) *BarAggregator {
	a := &BarAggregator{
		symbol:    symbol,
		token:     token,
		timeframe: tf,
		loc:       loc,
		store:     store,
		bus:       bus,
		logger:    logger.With().Str("component", "aggregator").Str("symbol", symbol).Str("timeframe", string(tf)).Logger(),
		now:       time.Now,
	}
	a.lastTick = a.now()
	return a
}

// Symbol returns the aggregated symbol.
func (a *BarAggregator) Symbol() string { return a.symbol }

// Timeframe returns the bar interval.
func (a *BarAggregator) Timeframe() models.Timeframe { return a.timeframe }

// Store returns the backing bar store.
func (a *BarAggregator) Store() *BarStore { return a.store }

// OnTick folds one tick into the open bar, rolling over on a boundary
// crossing. Ticks for boundaries already completed are dropped.
func (a *BarAggregator) OnTick(t models.Tick) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastTick = a.now()
	b := FloorBoundary(t.Timestamp, a.timeframe, a.loc)

	if a.partial == nil {
		if !b.After(a.completedThrough) {
			a.logger.Debug().Time("boundary", b).Msg("dropping tick for completed boundary")
			return nil
		}
		a.open(b, t)
		return nil
	}

	switch {
	case b.Equal(a.boundary):
		a.partial.Close = t.LastPrice
		if t.LastPrice > a.partial.High {
			a.partial.High = t.LastPrice
		}
		if t.LastPrice < a.partial.Low {
			a.partial.Low = t.LastPrice
		}
		a.partial.Volume += t.Volume
		a.tickCount++
		return nil
	case b.Before(a.boundary):
		a.logger.Debug().Time("boundary", b).Msg("dropping out-of-order tick")
		return nil
	default:
		err := a.complete()
		a.open(b, t)
		return err
	}
}

// open starts a partial bar at boundary b from tick t.
func (a *BarAggregator) open(b time.Time, t models.Tick) {
	a.partial = &models.Bar{
		Timestamp: b,
		Open:      t.LastPrice,
		High:      t.LastPrice,
		Low:       t.LastPrice,
		Close:     t.LastPrice,
		Volume:    t.Volume,
	}
	a.boundary = b
	a.tickCount = 1
}

// complete marks the open bar complete, persists it, and publishes
// BAR_READY. A failed append skips the publish; gap recovery backfills the
// hole. Callers hold the lock.
func (a *BarAggregator) complete() error {
	bar := *a.partial
	bar.Complete = true
	ticks := a.tickCount
	a.partial = nil
	a.tickCount = 0
	a.completedThrough = a.boundary

	if err := a.store.Append(bar); err != nil {
		a.logger.Error().Err(err).Time("boundary", bar.Timestamp).Msg("bar append failed")
		return err
	}
	if a.bus != nil {
		key := fmt.Sprintf("bar_ready:%s:%s:%d", a.symbol, a.timeframe, bar.Timestamp.Unix())
		err := a.bus.Emit(events.BarReady, key, map[string]any{
			"symbol":     a.symbol,
			"timeframe":  string(a.timeframe),
			"boundary":   bar.Timestamp.Format(time.RFC3339),
			"open":       bar.Open,
			"high":       bar.High,
			"low":        bar.Low,
			"close":      bar.Close,
			"volume":     bar.Volume,
			"tick_count": ticks,
		})
		if err != nil {
			a.logger.Error().Err(err).Time("boundary", bar.Timestamp).Msg("bar ready publish failed")
		}
	}
	return nil
}

// Finalize force-completes the open bar. No-op when no bar is open.
func (a *BarAggregator) Finalize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.partial == nil {
		return nil
	}
	return a.complete()
}

// Partial returns a copy of the open bar, if any.
func (a *BarAggregator) Partial() (models.Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.partial == nil {
		return models.Bar{}, false
	}
	return *a.partial, true
}

// GapCheck reports whether no tick has been accepted for longer than
// threshold.
func (a *BarAggregator) GapCheck(threshold time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.now().Sub(a.lastTick) > threshold
}

// LastTick returns when the aggregator last accepted a tick.
func (a *BarAggregator) LastTick() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTick
}

// MultiBarAggregator fans each tick out to every aggregator whose symbol or
// instrument token matches.
type MultiBarAggregator struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	aggs []*BarAggregator
}

// NewMultiBarAggregator creates an empty fan-out.
func NewMultiBarAggregator(logger zerolog.Logger) *MultiBarAggregator {
	return &MultiBarAggregator{
		logger: logger.With().Str("component", "multi_aggregator").Logger(),
	}
}

// Add registers an aggregator.
func (m *MultiBarAggregator) Add(agg *BarAggregator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggs = append(m.aggs, agg)
}

// OnTick routes the tick to every matching aggregator. Append failures are
// logged, not propagated; the tick stream must outlive a bad disk write.
func (m *MultiBarAggregator) OnTick(t models.Tick) {
	m.mu.RLock()
	aggs := m.aggs
	m.mu.RUnlock()

	for _, agg := range aggs {
		if agg.symbol != t.Symbol && (t.Token == 0 || agg.token != t.Token) {
			continue
		}
		if err := agg.OnTick(t); err != nil {
			m.logger.Error().Err(err).Str("symbol", agg.symbol).Msg("tick processing failed")
		}
	}
}

// FinalizeAll force-completes every open bar, returning the first error.
func (m *MultiBarAggregator) FinalizeAll() error {
	m.mu.RLock()
	aggs := m.aggs
	m.mu.RUnlock()

	var first error
	for _, agg := range aggs {
		if err := agg.Finalize(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stale returns the symbols whose aggregators have not accepted a tick for
// longer than threshold.
func (m *MultiBarAggregator) Stale(threshold time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []string
	for _, agg := range m.aggs {
		if agg.GapCheck(threshold) {
			stale = append(stale, agg.symbol)
		}
	}
	return stale
}
