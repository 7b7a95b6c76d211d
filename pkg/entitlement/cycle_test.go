package entitlement

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCreditCycle(t *testing.T) {
	tests := []struct {
		name      string
		anchor    time.Time
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"first cycle", date(2025, 1, 15), date(2025, 1, 20), date(2025, 1, 15), date(2025, 2, 15)},
		{"third cycle", date(2025, 1, 15), date(2025, 3, 20), date(2025, 3, 15), date(2025, 4, 15)},
		{"on boundary", date(2025, 1, 15), date(2025, 2, 15), date(2025, 2, 15), date(2025, 3, 15)},
		{"month end clip", date(2025, 1, 31), date(2025, 2, 10), date(2025, 1, 31), date(2025, 2, 28)},
		{"month end after clip", date(2025, 1, 31), date(2025, 3, 5), date(2025, 2, 28), date(2025, 3, 31)},
		{"leap year", date(2024, 1, 31), date(2024, 2, 29), date(2024, 2, 29), date(2024, 3, 31)},
		{"year rollover", date(2024, 12, 10), date(2025, 1, 11), date(2025, 1, 10), date(2025, 2, 10)},
		{"clock skew", date(2025, 5, 1), date(2025, 4, 1), date(2025, 5, 1), date(2025, 6, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := CreditCycle(tt.anchor, tt.now)
			if !start.Equal(tt.wantStart) || !end.Equal(tt.wantEnd) {
				t.Errorf("CreditCycle = %v - %v, want %v - %v", start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestResetDue(t *testing.T) {
	last := date(2025, 1, 15)

	due, _ := ResetDue(last, last, date(2025, 2, 1))
	if due {
		t.Error("reset must not be due inside the first cycle")
	}

	due, start := ResetDue(last, last, date(2025, 2, 20))
	if !due || !start.Equal(date(2025, 2, 15)) {
		t.Errorf("ResetDue = %v, %v", due, start)
	}

	// After resetting to the cycle start, no further reset is due in that cycle.
	due, _ = ResetDue(last, start, date(2025, 3, 1))
	if due {
		t.Error("reset must be idempotent within a cycle")
	}

	due, _ = ResetDue(time.Time{}, time.Time{}, date(2025, 3, 1))
	if !due {
		t.Error("a record that was never reset is due")
	}
}

func TestResetDue_MonthEndAnchorDoesNotDrift(t *testing.T) {
	anchor := date(2025, 1, 31)
	last := anchor
	var starts []time.Time
	for _, now := range []time.Time{date(2025, 3, 1), date(2025, 3, 29), date(2025, 3, 31), date(2025, 4, 30), date(2025, 5, 31)} {
		due, start := ResetDue(anchor, last, now)
		if due {
			last = start
			starts = append(starts, start)
		}
	}

	want := []time.Time{date(2025, 2, 28), date(2025, 3, 31), date(2025, 4, 30), date(2025, 5, 31)}
	if len(starts) != len(want) {
		t.Fatalf("resets = %v, want %v", starts, want)
	}
	for i := range want {
		if !starts[i].Equal(want[i]) {
			t.Errorf("reset %d at %v, want %v", i, starts[i], want[i])
		}
	}

	// Without an anchor the last reset is used.
	if due, _ := ResetDue(time.Time{}, date(2025, 1, 15), date(2025, 2, 20)); !due {
		t.Error("legacy record without anchor must still roll over")
	}
}
