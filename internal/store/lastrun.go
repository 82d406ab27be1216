package store

import (
	"fmt"
	"time"
)

const lastRunDateLayout = "Jan 2, 2006"

// FormatLastRun renders how long ago start was, relative to now. Anything 30
// days or older is shown as a calendar date in loc.
func FormatLastRun(now, start time.Time, loc *time.Location) string {
	elapsed := now.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	switch {
	case elapsed < time.Minute:
		return "Just now"
	case elapsed < time.Hour:
		return plural(int(elapsed/time.Minute), "minute")
	case elapsed < 24*time.Hour:
		return plural(int(elapsed/time.Hour), "hour")
	case elapsed < 30*24*time.Hour:
		return plural(int(elapsed/(24*time.Hour)), "day")
	}
	if loc == nil {
		loc = time.Local
	}
	return start.In(loc).Format(lastRunDateLayout)
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
