package account

import (
	"testing"
	"time"
)

func TestWindowBoundaries(t *testing.T) {
	day := func(d, h, m int) time.Time { return time.Date(2026, 3, d, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name      string
		at        time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{name: "first window", at: day(2, 0, 0), wantStart: day(2, 0, 0), wantEnd: day(2, 5, 0)},
		{name: "just before boundary", at: day(2, 4, 59), wantStart: day(2, 0, 0), wantEnd: day(2, 5, 0)},
		{name: "afternoon", at: day(2, 13, 27), wantStart: day(2, 10, 0), wantEnd: day(2, 15, 0)},
		{name: "on boundary", at: day(2, 15, 0), wantStart: day(2, 15, 0), wantEnd: day(2, 20, 0)},
		{name: "last window ends at midnight", at: day(2, 22, 10), wantStart: day(2, 20, 0), wantEnd: day(3, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WindowStart(tt.at, time.UTC); !got.Equal(tt.wantStart) {
				t.Errorf("WindowStart(%s) = %s, want %s", tt.at, got, tt.wantStart)
			}
			if got := WindowEnd(tt.at, time.UTC); !got.Equal(tt.wantEnd) {
				t.Errorf("WindowEnd(%s) = %s, want %s", tt.at, got, tt.wantEnd)
			}
		})
	}
}

func TestWindowEnd_UsesConfiguredLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 03:30 UTC is 12:30 in Tokyo, inside the 10:00-15:00 local window.
	at := time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC)

	want := time.Date(2026, 3, 2, 15, 0, 0, 0, tokyo)
	if got := WindowEnd(at, tokyo); !got.Equal(want) {
		t.Errorf("WindowEnd = %s, want %s", got, want)
	}
	if got := WindowEnd(at, time.UTC); !got.Equal(time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)) {
		t.Errorf("WindowEnd in UTC = %s", got)
	}
}

func TestWindowEnd_IsNotNowPlusFiveHours(t *testing.T) {
	at := time.Date(2026, 3, 2, 11, 45, 0, 0, time.UTC)
	end := WindowEnd(at, time.UTC)
	if end.Equal(at.Add(5 * time.Hour)) {
		t.Fatalf("window end must be aligned, got %s", end)
	}
	if !end.After(at) || end.Sub(WindowStart(at, time.UTC)) != 5*time.Hour {
		t.Fatalf("unexpected window for %s: end %s", at, end)
	}
}
