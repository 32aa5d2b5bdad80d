// Package strategy implements the ADX directional pipeline: a once-per-day
// bias from daily bars, an hourly alignment gate, and a short-circuiting
// chain of entry filters that arms a buy signal on the ATM strike.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"adx-trader/internal/analysis/indicators"
	"adx-trader/internal/config"
	"adx-trader/internal/events"
	"adx-trader/internal/models"
)

// State is the strategy's place in the daily decision pipeline. Transitions
// only move forward within a day; Reset returns to Idle at EOD.
type State string

const (
	StateIdle              State = "IDLE"
	StateDailyDirectionSet State = "DAILY_DIRECTION_SET"
	StateHourlyAligned     State = "HOURLY_ALIGNED"
	StateSignalArmed       State = "SIGNAL_ARMED"
)

// Alignment is the outcome of one hourly evaluation. Reversed means the DI
// asymmetry flipped against the day's bias, which forces a technical exit;
// a merely weak ADX blocks new entries but does not force an exit.
type Alignment struct {
	Aligned  bool    `json:"aligned"`
	Reversed bool    `json:"reversed"`
	ADX      float64 `json:"adx"`
	PlusDI   float64 `json:"plus_di"`
	MinusDI  float64 `json:"minus_di"`
}

// FilterResult records one entry filter's verdict for the audit trail.
type FilterResult struct {
	Name   string  `json:"name"`
	Passed bool    `json:"passed"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
}

// Strategy owns the day's directional state for a single traded underlying.
// All evaluation methods are safe for concurrent use, though the engine
// drives them from one cycle goroutine.
type Strategy struct {
	cfg        config.StrategyConfig
	vix        config.VixConfig
	underlying string
	loc        *time.Location
	bus        *events.Bus
	logger     zerolog.Logger
	now        func() time.Time

	dailyADX  *indicators.ADX
	hourlyADX *indicators.ADX
	rsi       *indicators.RSI
	ema       *indicators.EMA

	mu      sync.Mutex
	state   State
	bias    models.DailyBias
	hasBias bool
}

// New creates a strategy for the given traded underlying. loc is the
// exchange timezone used to stamp trading dates on the daily bias.
func New(cfg config.StrategyConfig, vix config.VixConfig, underlying string, loc *time.Location, bus *events.Bus, logger zerolog.Logger) *Strategy {
	if loc == nil {
		loc = time.UTC
	}
	return &Strategy{
		cfg:        cfg,
		vix:        vix,
		underlying: underlying,
		loc:        loc,
		bus:        bus,
		logger:     logger.With().Str("component", "strategy").Str("underlying", underlying).Logger(),
		now:        time.Now,
		dailyADX:   indicators.NewADX(cfg.DailyADXPeriod),
		hourlyADX:  indicators.NewADX(cfg.HourlyADXPeriod),
		rsi:        indicators.NewRSI(cfg.RSIPeriod),
		ema:        indicators.NewEMA(cfg.EMAPeriod),
		state:      StateIdle,
	}
}

// State returns the current pipeline state.
func (s *Strategy) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bias returns the day's direction, or NoTrade before the daily analysis.
func (s *Strategy) Bias() models.Bias {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasBias {
		return models.BiasNoTrade
	}
	return s.bias.Bias
}

// DailyBias returns the stored daily analysis and whether one exists.
func (s *Strategy) DailyBias() (models.DailyBias, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bias, s.hasBias
}

// BiasFor classifies the daily direction for any underlying from its daily
// bars without touching the armed state. The multi-name bias scan and the
// traded underlying both route through here.
func (s *Strategy) BiasFor(underlying string, daily []models.Bar) (models.DailyBias, error) {
	snap, err := s.dailyADX.Latest(daily)
	if err != nil {
		return models.DailyBias{}, fmt.Errorf("daily adx for %s: %w", underlying, err)
	}

	bias := models.BiasNoTrade
	switch {
	case snap.ADX < s.cfg.DailyADXThreshold:
		bias = models.BiasNoTrade
	case snap.PlusDI > snap.MinusDI:
		bias = models.BiasCall
	case snap.MinusDI > snap.PlusDI:
		bias = models.BiasPut
	}

	return models.DailyBias{
		Date:       s.tradingDate(),
		Underlying: underlying,
		Bias:       bias,
		ADX:        snap.ADX,
		PlusDI:     snap.PlusDI,
		MinusDI:    snap.MinusDI,
		ComputedAt: s.now(),
	}, nil
}

// EvaluateDaily runs the once-per-day direction analysis for the traded
// underlying and stores the result. A tradeable bias moves the pipeline to
// DailyDirectionSet; NoTrade parks it in Idle for the rest of the day.
func (s *Strategy) EvaluateDaily(daily []models.Bar) (models.DailyBias, error) {
	db, err := s.BiasFor(s.underlying, daily)
	if err != nil {
		return models.DailyBias{}, err
	}

	s.mu.Lock()
	s.bias = db
	s.hasBias = true
	if db.Bias.Tradeable() {
		s.state = StateDailyDirectionSet
	} else {
		s.state = StateIdle
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("bias", string(db.Bias)).
		Float64("adx", db.ADX).
		Float64("plus_di", db.PlusDI).
		Float64("minus_di", db.MinusDI).
		Msg("daily direction determined")

	s.emit(events.DailyDirectionDetermined, fmt.Sprintf("bias:%s:%s", s.underlying, db.Date), map[string]any{
		"underlying": db.Underlying,
		"date":       db.Date,
		"bias":       string(db.Bias),
		"adx":        db.ADX,
		"plus_di":    db.PlusDI,
		"minus_di":   db.MinusDI,
	})
	if !db.Bias.Tradeable() {
		s.emit(events.NoTradeSignal, fmt.Sprintf("no_trade:%s:%s", s.underlying, db.Date), map[string]any{
			"underlying": db.Underlying,
			"date":       db.Date,
			"reason":     fmt.Sprintf("daily adx %.2f below threshold %.2f or no DI asymmetry", db.ADX, s.cfg.DailyADXThreshold),
		})
	}
	return db, nil
}

// EvaluateHourly checks trend alignment on a completed hourly bar. It holds
// alignment iff hourly ADX clears the threshold and the DI asymmetry matches
// the bias. A DI reversal against an aligned or armed pipeline reports
// Reversed and drops back to DailyDirectionSet; the caller exits positions.
func (s *Strategy) EvaluateHourly(hourly []models.Bar) (Alignment, error) {
	s.mu.Lock()
	if !s.hasBias || !s.bias.Bias.Tradeable() {
		s.mu.Unlock()
		return Alignment{}, nil
	}
	bias := s.bias.Bias
	s.mu.Unlock()

	snap, err := s.hourlyADX.Latest(hourly)
	if err != nil {
		return Alignment{}, fmt.Errorf("hourly adx: %w", err)
	}

	matches := (bias == models.BiasCall && snap.PlusDI > snap.MinusDI) ||
		(bias == models.BiasPut && snap.MinusDI > snap.PlusDI)
	reversed := (bias == models.BiasCall && snap.MinusDI > snap.PlusDI) ||
		(bias == models.BiasPut && snap.PlusDI > snap.MinusDI)

	al := Alignment{
		Aligned:  snap.ADX >= s.cfg.HourlyADXThreshold && matches,
		Reversed: reversed,
		ADX:      snap.ADX,
		PlusDI:   snap.PlusDI,
		MinusDI:  snap.MinusDI,
	}
	boundary := barBoundary(hourly, s.now)

	s.mu.Lock()
	prev := s.state
	switch {
	case al.Aligned && s.state == StateDailyDirectionSet:
		s.state = StateHourlyAligned
	case al.Reversed && (s.state == StateHourlyAligned || s.state == StateSignalArmed):
		s.state = StateDailyDirectionSet
	case !al.Aligned && s.state == StateHourlyAligned:
		// ADX weakened without a reversal: block fresh entries, hold positions.
		s.state = StateDailyDirectionSet
	}
	next := s.state
	s.mu.Unlock()

	s.logger.Debug().
		Bool("aligned", al.Aligned).
		Bool("reversed", al.Reversed).
		Float64("adx", al.ADX).
		Float64("plus_di", al.PlusDI).
		Float64("minus_di", al.MinusDI).
		Str("state", string(next)).
		Msg("hourly alignment evaluated")

	if al.Aligned && prev == StateDailyDirectionSet {
		s.emit(events.HourlyAlignmentConfirmed, fmt.Sprintf("alignment:%s:%d", s.underlying, boundary), map[string]any{
			"underlying": s.underlying,
			"bias":       string(bias),
			"adx":        al.ADX,
			"plus_di":    al.PlusDI,
			"minus_di":   al.MinusDI,
		})
	}
	if al.Reversed && (prev == StateHourlyAligned || prev == StateSignalArmed) {
		s.emit(events.AlignmentLost, fmt.Sprintf("alignment_lost:%s:%d", s.underlying, boundary), map[string]any{
			"underlying": s.underlying,
			"bias":       string(bias),
			"adx":        al.ADX,
			"plus_di":    al.PlusDI,
			"minus_di":   al.MinusDI,
		})
	}
	return al, nil
}

// EvaluateEntry runs the entry filter chain on the latest hourly bars. The
// filters evaluate in a fixed order and stop at the first failure: RSI
// headroom, close against EMA, then the VIX trading ceiling. All three
// passing arms the signal and returns it; the pipeline then refuses further
// entries until Disarm or Reset.
func (s *Strategy) EvaluateEntry(hourly []models.Bar, underlyingLTP, vixLevel float64) (*models.EntrySignal, error) {
	s.mu.Lock()
	if s.state != StateHourlyAligned {
		st := s.state
		s.mu.Unlock()
		s.logger.Debug().Str("state", string(st)).Msg("entry evaluation skipped")
		return nil, nil
	}
	bias := s.bias.Bias
	s.mu.Unlock()

	if len(hourly) == 0 {
		return nil, indicators.ErrInsufficientData
	}

	rsiVal, err := s.rsi.Latest(hourly)
	if err != nil {
		return nil, fmt.Errorf("rsi: %w", err)
	}
	emaVal, err := s.ema.Latest(hourly)
	if err != nil {
		return nil, fmt.Errorf("ema: %w", err)
	}
	lastClose := hourly[len(hourly)-1].Close

	var results []FilterResult

	rsiPass := false
	rsiLimit := s.cfg.RSIOverbought
	if bias == models.BiasCall {
		rsiPass = rsiVal < s.cfg.RSIOverbought
	} else {
		rsiLimit = s.cfg.RSIOversold
		rsiPass = rsiVal > s.cfg.RSIOversold
	}
	results = append(results, FilterResult{Name: "rsi", Passed: rsiPass, Value: rsiVal, Limit: rsiLimit})

	if rsiPass {
		emaPass := false
		if bias == models.BiasCall {
			emaPass = lastClose > emaVal
		} else {
			emaPass = lastClose < emaVal
		}
		results = append(results, FilterResult{Name: "ema", Passed: emaPass, Value: lastClose, Limit: emaVal})

		if emaPass {
			vixPass := vixLevel <= s.vix.Threshold
			results = append(results, FilterResult{Name: "vix", Passed: vixPass, Value: vixLevel, Limit: s.vix.Threshold})
		}
	}

	allPassed := len(results) == 3 && results[0].Passed && results[1].Passed && results[2].Passed
	boundary := barBoundary(hourly, s.now)

	payload := map[string]any{
		"underlying": s.underlying,
		"bias":       string(bias),
		"all_passed": allPassed,
	}
	for _, r := range results {
		payload["filter_"+r.Name] = r.Passed
	}
	s.emit(events.EntryFiltersEvaluated, fmt.Sprintf("filters:%s:%d", s.underlying, boundary), payload)

	if !allPassed {
		failed := results[len(results)-1]
		s.logger.Info().
			Str("filter", failed.Name).
			Float64("value", failed.Value).
			Float64("limit", failed.Limit).
			Msg("entry filter rejected")
		return nil, nil
	}

	sig := &models.EntrySignal{
		Underlying:    s.underlying,
		Bias:          bias,
		UnderlyingLTP: underlyingLTP,
		Strike:        indicators.RoundToStrike(underlyingLTP, s.cfg.StrikeIncrement),
		OptionType:    bias.OptionType(),
		Side:          models.OrderSideBuy,
		Reason:        fmt.Sprintf("%s bias with hourly alignment; rsi=%.1f close=%.2f ema=%.2f vix=%.1f", bias, rsiVal, lastClose, emaVal, vixLevel),
		GeneratedAt:   s.now(),
	}

	s.mu.Lock()
	s.state = StateSignalArmed
	s.mu.Unlock()

	s.logger.Info().
		Str("bias", string(bias)).
		Float64("ltp", underlyingLTP).
		Float64("strike", sig.Strike).
		Str("option_type", string(sig.OptionType)).
		Msg("entry signal generated")

	s.emit(events.SignalGenerated, fmt.Sprintf("signal:%s:%d", s.underlying, boundary), map[string]any{
		"underlying":  sig.Underlying,
		"bias":        string(sig.Bias),
		"ltp":         sig.UnderlyingLTP,
		"strike":      sig.Strike,
		"option_type": string(sig.OptionType),
		"side":        string(sig.Side),
		"reason":      sig.Reason,
	})
	return sig, nil
}

// Disarm re-opens entry evaluation after the armed signal's position has
// closed intraday. Alignment is still re-verified on the next hourly bar.
func (s *Strategy) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSignalArmed {
		s.state = StateHourlyAligned
	}
}

// Reset clears all strategy state at end of day.
func (s *Strategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.bias = models.DailyBias{}
	s.hasBias = false
	s.logger.Debug().Msg("strategy state reset")
}

func (s *Strategy) tradingDate() string {
	return s.now().In(s.loc).Format("2006-01-02")
}

func (s *Strategy) emit(kind events.Kind, key string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Emit(kind, key, payload); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("event emit failed")
	}
}

// barBoundary keys hourly evaluations by the bar they were computed from so
// replays of the same boundary dedupe on the bus.
func barBoundary(bars []models.Bar, now func() time.Time) int64 {
	if len(bars) == 0 {
		return now().Unix()
	}
	return bars[len(bars)-1].Timestamp.Unix()
}
