package store

import (
	"testing"
	"time"
)

func TestFormatLastRun(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		ago  time.Duration
		want string
	}{
		{0, "Just now"},
		{59999 * time.Millisecond, "Just now"},
		{60000 * time.Millisecond, "1 minute ago"},
		{2 * time.Minute, "2 minutes ago"},
		{3599999 * time.Millisecond, "59 minutes ago"},
		{3600000 * time.Millisecond, "1 hour ago"},
		{23*time.Hour + 59*time.Minute, "23 hours ago"},
		{24 * time.Hour, "1 day ago"},
		{29 * 24 * time.Hour, "29 days ago"},
		{30 * 24 * time.Hour, "May 16, 2024"},
		{-5 * time.Second, "Just now"},
	}
	for _, tc := range cases {
		if got := FormatLastRun(now, now.Add(-tc.ago), time.UTC); got != tc.want {
			t.Errorf("FormatLastRun(-%v) = %q, want %q", tc.ago, got, tc.want)
		}
	}
}

func TestFormatLastRunDateUsesLocation(t *testing.T) {
	start := time.Date(2024, 1, 1, 23, 30, 0, 0, time.UTC)
	now := start.Add(60 * 24 * time.Hour)
	east := time.FixedZone("UTC+2", 2*60*60)
	if got := FormatLastRun(now, start, east); got != "Jan 2, 2024" {
		t.Fatalf("got %q", got)
	}
}
