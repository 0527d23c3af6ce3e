package leave

import "time"

// =============================================================================
// CALENDAR DATES - All dates are UTC midnight
// =============================================================================

const DateLayout = "2006-01-02"

func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Day drops the time of day, keeping the calendar date as seen in t's zone.
func Day(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// DaysBetween is the signed number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

func StartOfYear(year int) time.Time { return Date(year, time.January, 1) }
func EndOfYear(year int) time.Time   { return Date(year, time.December, 31) }

func EndOfMonth(year int, month time.Month) time.Time {
	return Date(year, month+1, 1).AddDate(0, 0, -1)
}

// AddMonthsClamped moves t forward by n months, clamping to the last day of
// the target month. Jan 31 + 1 month is Feb 28 (or 29), not Mar 3.
func AddMonthsClamped(t time.Time, n int) time.Time {
	first := Date(t.Year(), t.Month(), 1).AddDate(0, n, 0)
	last := EndOfMonth(first.Year(), first.Month()).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return Date(first.Year(), first.Month(), day)
}

// RangesOverlap is the inclusive interval test startA <= endB && startB <= endA.
func RangesOverlap(startA, endA, startB, endB time.Time) bool {
	return !Day(startA).After(Day(endB)) && !Day(startB).After(Day(endA))
}

// IsWeekend is the local fallback used when no calendar is reachable.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// CountWeekdays counts Monday-to-Friday days in [start, end].
func CountWeekdays(start, end time.Time) int {
	n := 0
	for d := Day(start); !d.After(Day(end)); d = d.AddDate(0, 0, 1) {
		if !IsWeekend(d) {
			n++
		}
	}
	return n
}
