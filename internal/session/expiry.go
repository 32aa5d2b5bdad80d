package session

import "time"

// NextWeeklyExpiry returns the weekly index-option expiry on or after the
// local date of t. Expiries fall on Thursday; when the exchange is shut
// that Thursday the expiry moves back to the previous trading day.
func (c *Clock) NextWeeklyExpiry(t time.Time) time.Time {
	local := t.In(c.location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)

	anchor := today
	for {
		offset := (int(time.Thursday) - int(anchor.Weekday()) + 7) % 7
		thursday := anchor.AddDate(0, 0, offset)
		expiry := thursday
		for !c.calendar.IsTradingDay(expiry) {
			expiry = expiry.AddDate(0, 0, -1)
		}
		if !expiry.Before(today) {
			return expiry
		}
		// The adjusted expiry already passed; look at next week's Thursday.
		anchor = thursday.AddDate(0, 0, 1)
	}
}

// DaysToExpiry returns calendar days from the local date of t to the next
// weekly expiry, clamped to at least 1. Expiry day itself counts as 1 so
// the most conservative sizing bucket applies.
func (c *Clock) DaysToExpiry(t time.Time) int {
	local := t.In(c.location)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.location)
	expiry := c.NextWeeklyExpiry(t)

	days := int(expiry.Sub(today).Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}
