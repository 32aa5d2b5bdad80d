// Package session answers exchange-timing questions: trading days, the
// IST session window, entry/EOD gates and weekly option expiry. Internal
// time handling is UTC; only day boundaries and gate comparisons happen in
// exchange-local time.
package session

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	apperrors "adx-trader/internal/errors"
)

// nseHolidays lists NSE trading holidays by date. Update annually or ship a
// holiday file alongside the config.
var nseHolidays = []string{
	// 2025
	"2025-01-26", // Republic Day
	"2025-02-26", // Mahashivratri
	"2025-03-14", // Holi
	"2025-03-31", // Id-Ul-Fitr
	"2025-04-10", // Mahavir Jayanti
	"2025-04-14", // Dr. Ambedkar Jayanti
	"2025-04-18", // Good Friday
	"2025-05-01", // Maharashtra Day
	"2025-05-12", // Buddha Purnima
	"2025-06-07", // Bakri Id
	"2025-07-07", // Muharram
	"2025-08-15", // Independence Day
	"2025-08-27", // Ganesh Chaturthi
	"2025-09-05", // Eid-E-Milad
	"2025-10-02", // Mahatma Gandhi Jayanti
	"2025-10-12", // Dussehra
	"2025-10-20", // Diwali Balipratipada
	"2025-10-21", // Diwali
	"2025-11-05", // Gurunanak Jayanti
	"2025-12-25", // Christmas
}

// TradingCalendar holds the exchange holiday set. Dates are compared by
// their calendar day in the calendar's own terms; callers convert to
// exchange-local time first.
type TradingCalendar struct {
	mu       sync.RWMutex
	holidays map[string]bool
}

// NewTradingCalendar returns a calendar seeded with the built-in NSE
// holiday list.
func NewTradingCalendar() *TradingCalendar {
	c := &TradingCalendar{holidays: make(map[string]bool, len(nseHolidays))}
	for _, d := range nseHolidays {
		c.holidays[d] = true
	}
	return c
}

// AddHoliday adds a market holiday.
func (c *TradingCalendar) AddHoliday(date time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holidays[date.Format("2006-01-02")] = true
}

// IsHoliday checks if a date is a market holiday.
func (c *TradingCalendar) IsHoliday(date time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.holidays[date.Format("2006-01-02")]
}

// IsTradingDay reports whether the date is a weekday and not a holiday.
func (c *TradingCalendar) IsTradingDay(date time.Time) bool {
	if date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
		return false
	}
	return !c.IsHoliday(date)
}

// LoadFile merges holidays from a JSON file holding an array of
// "YYYY-MM-DD" strings. Missing file is not an error; the built-in set
// still applies.
func (c *TradingCalendar) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.NewFileError("read", path, err)
	}
	var dates []string
	if err := json.Unmarshal(data, &dates); err != nil {
		return apperrors.NewDeserialization(path, "invalid holiday file", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range dates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return apperrors.NewInvalidParameter("holiday_file", "dates must be YYYY-MM-DD, got "+d)
		}
		c.holidays[d] = true
	}
	return nil
}
