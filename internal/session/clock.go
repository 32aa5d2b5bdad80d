package session

import (
	"fmt"
	"time"

	"adx-trader/internal/config"
)

// MarketSession classifies the exchange session at a point in time.
type MarketSession string

const (
	SessionPreOpen MarketSession = "PRE_OPEN"
	SessionNormal  MarketSession = "NORMAL"
	SessionClosed  MarketSession = "CLOSED"
	SessionHoliday MarketSession = "HOLIDAY"
)

// NSE equity derivatives open at 09:15 local time. Close is configurable
// because expiry-day and special sessions differ.
const (
	marketOpenHour   = 9
	marketOpenMinute = 15
	preOpenHour      = 9
	preOpenMinute    = 0
)

// minuteOfDay is minutes past local midnight.
type minuteOfDay int

func parseClockTime(field, value string) (minuteOfDay, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, value, err)
	}
	return minuteOfDay(t.Hour()*60 + t.Minute()), nil
}

// Clock answers session gating questions. Inputs and outputs are UTC;
// comparisons happen in the exchange's local time.
type Clock struct {
	location    *time.Location
	calendar    *TradingCalendar
	entryStart  minuteOfDay
	entryEnd    minuteOfDay
	eodExit     minuteOfDay
	marketClose minuteOfDay
}

// NewClock builds a Clock from the session config. The exchange timezone is
// fixed at Asia/Kolkata.
func NewClock(cfg config.SessionConfig, calendar *TradingCalendar) (*Clock, error) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}
	entryStart, err := parseClockTime("entry_window_start", cfg.EntryWindowStart)
	if err != nil {
		return nil, err
	}
	entryEnd, err := parseClockTime("entry_window_end", cfg.EntryWindowEnd)
	if err != nil {
		return nil, err
	}
	eodExit, err := parseClockTime("eod_exit_time", cfg.EODExitTime)
	if err != nil {
		return nil, err
	}
	marketClose, err := parseClockTime("market_close_time", cfg.MarketCloseTime)
	if err != nil {
		return nil, err
	}
	if cfg.HolidayFile != "" {
		if err := calendar.LoadFile(cfg.HolidayFile); err != nil {
			return nil, err
		}
	}
	return &Clock{
		location:    loc,
		calendar:    calendar,
		entryStart:  entryStart,
		entryEnd:    entryEnd,
		eodExit:     eodExit,
		marketClose: marketClose,
	}, nil
}

// Location returns the exchange timezone.
func (c *Clock) Location() *time.Location {
	return c.location
}

// Calendar returns the holiday calendar in use.
func (c *Clock) Calendar() *TradingCalendar {
	return c.calendar
}

// IsTradingDay reports whether the exchange trades on the local date of t.
func (c *Clock) IsTradingDay(t time.Time) bool {
	return c.calendar.IsTradingDay(t.In(c.location))
}

// SessionWindow returns the UTC open and close instants for the local date
// of t. The window exists even on non-trading days; combine with
// IsTradingDay.
func (c *Clock) SessionWindow(t time.Time) (open, close time.Time) {
	local := t.In(c.location)
	open = time.Date(local.Year(), local.Month(), local.Day(),
		marketOpenHour, marketOpenMinute, 0, 0, c.location).UTC()
	close = c.atMinute(local, c.marketClose).UTC()
	return open, close
}

// IsMarketOpen reports whether t falls inside [open, close) on a trading
// day.
func (c *Clock) IsMarketOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	open, close := c.SessionWindow(t)
	return !t.Before(open) && t.Before(close)
}

// InEntryWindow reports whether new entries are permitted at t. The window
// is half-open: [start, end).
func (c *Clock) InEntryWindow(t time.Time) bool {
	if !c.IsMarketOpen(t) {
		return false
	}
	m := c.localMinute(t)
	return m >= c.entryStart && m < c.entryEnd
}

// PastEODExit reports whether t has reached the mandatory flatten time.
func (c *Clock) PastEODExit(t time.Time) bool {
	return c.localMinute(t) >= c.eodExit
}

// SessionAt classifies the session at t.
func (c *Clock) SessionAt(t time.Time) MarketSession {
	local := t.In(c.location)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return SessionClosed
	}
	if c.calendar.IsHoliday(local) {
		return SessionHoliday
	}
	m := c.localMinute(t)
	preOpen := minuteOfDay(preOpenHour*60 + preOpenMinute)
	open := minuteOfDay(marketOpenHour*60 + marketOpenMinute)
	switch {
	case m >= preOpen && m < open:
		return SessionPreOpen
	case m >= open && m < c.marketClose:
		return SessionNormal
	default:
		return SessionClosed
	}
}

// NextMarketOpen returns the next session-open instant strictly after t,
// skipping weekends and holidays.
func (c *Clock) NextMarketOpen(t time.Time) time.Time {
	local := t.In(c.location)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)
	for {
		open := time.Date(day.Year(), day.Month(), day.Day(),
			marketOpenHour, marketOpenMinute, 0, 0, c.location)
		if open.After(local) && c.calendar.IsTradingDay(day) {
			return open.UTC()
		}
		day = day.AddDate(0, 0, 1)
	}
}

// TimeToClose returns the duration until session close, zero if already
// past close.
func (c *Clock) TimeToClose(t time.Time) time.Duration {
	_, close := c.SessionWindow(t)
	if !t.Before(close) {
		return 0
	}
	return close.Sub(t)
}

func (c *Clock) localMinute(t time.Time) minuteOfDay {
	local := t.In(c.location)
	return minuteOfDay(local.Hour()*60 + local.Minute())
}

func (c *Clock) atMinute(local time.Time, m minuteOfDay) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(),
		int(m)/60, int(m)%60, 0, 0, c.location)
}
