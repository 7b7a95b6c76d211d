package entitlement

import "time"

// CreditCycle returns the monthly credit period containing now, anchored on the
// day-of-month of anchor. Month-end anchors clip to the last day of shorter months:
// an anchor on Jan 31 yields Jan 31 - Feb 28, then Feb 28 - Mar 31, and so on.
func CreditCycle(anchor, now time.Time) (start, end time.Time) {
	a := anchor.UTC()
	n := now.UTC()
	if n.Before(a) {
		// Clock skew: clamp to the anchor.
		return a, addMonthsWithDay(a, 1, a.Day())
	}

	day := a.Day()
	months := monthsBetween(a, n)
	if months > 0 {
		months--
	}
	for {
		start = addMonthsWithDay(a, months, day)
		end = addMonthsWithDay(a, months+1, day)
		if end.After(n) {
			return start, end
		}
		months++
	}
}

// ResetDue reports whether a counter last reset at lastReset belongs to an
// earlier cycle than now, and returns the start of the current cycle. Cycles
// are anchored on anchor, not on lastReset, so clipping never accumulates.
func ResetDue(anchor, lastReset, now time.Time) (bool, time.Time) {
	if anchor.IsZero() {
		anchor = lastReset
	}
	if anchor.IsZero() {
		return true, now.UTC()
	}
	start, _ := CreditCycle(anchor, now)
	return lastReset.IsZero() || lastReset.UTC().Before(start), start
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// addMonthsWithDay adds months to base, landing on targetDay or the last day of
// the resulting month when targetDay does not exist there.
func addMonthsWithDay(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	first := time.Date(year, month+time.Month(months), 1,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())

	// day=0 of the following month is the last day of this one.
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location()).Day()
	if targetDay > lastDay {
		targetDay = lastDay
	}
	return time.Date(first.Year(), first.Month(), targetDay,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}
