package adapters

import (
	"testing"
	"time"
)

func TestSessionAt(t *testing.T) {
	et := easternTime()
	if et == time.UTC {
		t.Skip("tzdata unavailable")
	}

	// Monday March 2 2026.
	day := func(h, m int) time.Time {
		return time.Date(2026, 3, 2, h, m, 0, 0, et)
	}

	tests := []struct {
		name string
		at   time.Time
		want SessionState
	}{
		{"before premarket", day(3, 59), SessionClosed},
		{"premarket opens", day(4, 0), SessionPre},
		{"one minute to open", day(9, 29), SessionPre},
		{"open", day(9, 30), SessionOpen},
		{"last regular minute", day(15, 59), SessionOpen},
		{"close", day(16, 0), SessionPost},
		{"last post minute", day(19, 59), SessionPost},
		{"after hours end", day(20, 0), SessionClosed},
		{"saturday noon", time.Date(2026, 3, 7, 12, 0, 0, 0, et), SessionClosed},
		{"sunday noon", time.Date(2026, 3, 8, 12, 0, 0, 0, et), SessionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SessionAt(tt.at); got != tt.want {
				t.Errorf("SessionAt(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestMinuteOfSession(t *testing.T) {
	et := easternTime()
	if et == time.UTC {
		t.Skip("tzdata unavailable")
	}

	tests := []struct {
		h, m int
		want int
	}{
		{9, 30, 0},
		{9, 31, 1},
		{9, 45, 15},
		{11, 30, 120},
		{15, 50, 380},
		{9, 0, -30},
	}

	for _, tt := range tests {
		at := time.Date(2026, 3, 2, tt.h, tt.m, 0, 0, et)
		if got := MinuteOfSession(at); got != tt.want {
			t.Errorf("MinuteOfSession(%02d:%02d) = %d, want %d", tt.h, tt.m, got, tt.want)
		}
	}
}

func TestSessionDate(t *testing.T) {
	et := easternTime()
	if et == time.UTC {
		t.Skip("tzdata unavailable")
	}

	// 1 AM UTC on March 3 is still the evening of March 2 in New York.
	at := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	if got := SessionDate(at); got != "2026-03-02" {
		t.Errorf("SessionDate() = %q, want 2026-03-02", got)
	}
}
