package ledger

import "time"

// =============================================================================
// CLOCK AND DATE FORMATS
// =============================================================================

// Receipts carry the office's local wall-clock time. Dates are compared as
// DateLayout strings.
const (
	DateLayout      = "2006-01-02"
	ClockLayout     = "15:04:05"
	TimestampLayout = DateLayout + " " + ClockLayout
)

// Clock returns the current time. Services take one so tests can pin "today".
type Clock func() time.Time

func SystemClock() time.Time { return time.Now() }

// DayOf truncates t to local midnight.
func DayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// SameDay reports whether a and b fall on the same calendar date.
func SameDay(a, b time.Time) bool {
	return a.Format(DateLayout) == b.Format(DateLayout)
}

// DayRange returns [midnight, next midnight) for the day containing t.
func DayRange(t time.Time) (time.Time, time.Time) {
	start := DayOf(t)
	return start, start.AddDate(0, 0, 1)
}

// MonthRange returns [first day, first day of next month).
func MonthRange(year int, month time.Month, loc *time.Location) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}
