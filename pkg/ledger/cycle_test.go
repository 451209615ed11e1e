package ledger

import (
	"testing"
	"time"
)

func TestNextResetTime_MonthEndClipping(t *testing.T) {
	tests := []struct {
		name     string
		from     time.Time
		interval ResetInterval
		count    int
		want     time.Time
	}{
		{
			name:     "jan 31 clips to feb 28",
			from:     time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC),
			interval: IntervalMonth,
			want:     time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "jan 31 clips to feb 29 in leap year",
			from:     time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC),
			interval: IntervalMonth,
			want:     time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "mid-month stays on anniversary day",
			from:     time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
			interval: IntervalMonth,
			want:     time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "quarter",
			from:     time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
			interval: IntervalQuarter,
			want:     time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "year",
			from:     time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
			interval: IntervalYear,
			want:     time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "interval count multiplies",
			from:     time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
			interval: IntervalMonth,
			count:    3,
			want:     time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextResetTime(tt.from, tt.interval, tt.count)
			if !got.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNextResetTime_LifetimeIsZero(t *testing.T) {
	got := NextResetTime(time.Now(), IntervalLifetime, 1)
	if !got.IsZero() {
		t.Errorf("expected zero time for lifetime, got %v", got)
	}
}

func TestEpochMsRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC)
	if got := msToTime(epochMs(now)); !got.Equal(now) {
		t.Errorf("round trip mismatch: %v != %v", got, now)
	}
}
