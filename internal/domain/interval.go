package domain

import "time"

// WithinInterval reports whether a and b are closer than minInterval.
// A non-positive interval never conflicts.
func WithinInterval(a, b time.Time, minInterval time.Duration) bool {
	if minInterval <= 0 {
		return false
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < minInterval
}

// DayKey formats t as the local calendar day used by the daily quota.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

// DayBounds returns [start, end) of t's calendar day in t's location.
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
