package allowance

import "time"

// CalendarMonth returns the UTC calendar month containing now as a half-open
// window [first instant of the month, first instant of the next month).
func CalendarMonth(now time.Time) (start, end time.Time) {
	n := now.UTC()
	start = time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = addMonthsSafe(start, 1)
	return start, end
}

// PreviousCalendarMonth returns the UTC calendar month before the one containing now
func PreviousCalendarMonth(now time.Time) (start, end time.Time) {
	cur, _ := CalendarMonth(now)
	return addMonthsSafe(cur, -1), cur
}

// addMonthsSafe adds months to t, clipping the day to the end of the target month.
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	targetDate := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(targetDate.Year(), targetDate.Month()+1, 0, 0, 0, 0, 0, targetDate.Location()).Day()

	actualDay := day
	if actualDay > lastDay {
		actualDay = lastDay
	}

	return time.Date(targetDate.Year(), targetDate.Month(), actualDay, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// rolloverTokens returns the unused balance of prev carried into a new
// period, clamped to [0, base]. A nil prev carries nothing.
func rolloverTokens(prev *AllowancePeriod, base int) int {
	if prev == nil || base <= 0 {
		return 0
	}
	unused := prev.TokensGranted - prev.TokensUsed
	if unused < 0 {
		return 0
	}
	if unused > base {
		return base
	}
	return unused
}

// defaultWindow is the calendar month containing now, starting no earlier
// than the end of prev so it never overlaps an expired period that ran into
// this month.
func defaultWindow(now time.Time, prev *AllowancePeriod) (start, end time.Time) {
	start, end = CalendarMonth(now)
	if prev != nil && prev.PeriodEnd.After(start) {
		start = prev.PeriodEnd.UTC()
	}
	return start, end
}
