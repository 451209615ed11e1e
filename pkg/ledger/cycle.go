package ledger

import "time"

// NextResetTime calculates the reset boundary that follows `from` for a grant
// with the given interval and count. It preserves the anniversary day-of-month
// across months, handling month-end edge cases.
//
// For example, a monthly grant attached on Jan 31 resets on:
//   - Feb 28 (or Feb 29 in leap years)
//   - Mar 31
//   - Apr 30
//   - etc.
//
// Returns the zero time for lifetime intervals.
func NextResetTime(from time.Time, interval ResetInterval, count int) time.Time {
	months := interval.Months()
	if months == 0 {
		return time.Time{}
	}
	if count <= 0 {
		count = 1
	}
	return addMonthsSafe(from.UTC(), months*count)
}

// addMonthsSafe adds months to a time, handling month-end edge cases.
// Standard Go pattern: use time.Date with day=1 to avoid overflow, then clip
// to the last day of the target month.
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

// epochMs converts a time to epoch milliseconds, the unit next_reset_at and
// rollover expiries are stored in.
func epochMs(t time.Time) int64 {
	return t.UnixMilli()
}

// msToTime converts epoch milliseconds back to a UTC time.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
