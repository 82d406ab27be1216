package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// ValidateCron reports whether expr is a well-formed 5-field expression.
func ValidateCron(expr string) bool {
	_, err := ParseCron(expr)
	return err == nil
}

// IsDue reports whether the minute containing at matches expr. The match is
// evaluated in at's location, so callers convert to the configured timezone
// first. An invalid expression is never due.
func IsDue(expr string, at time.Time) bool {
	schedule, err := ParseCron(expr)
	if err != nil {
		return false
	}
	return isDue(schedule, at)
}

func isDue(schedule cron.Schedule, at time.Time) bool {
	minute := at.Truncate(time.Minute)
	// Next is strictly after its argument, so step back one second from the
	// minute boundary and check that the schedule lands exactly on it.
	return schedule.Next(minute.Add(-time.Second)).Equal(minute)
}

// NextRun returns the first fire time strictly after from. Across daylight
// saving transitions the result follows robfig/cron and may skip or repeat a
// wall-clock hour.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next, nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		if next.IsZero() {
			break
		}
		times = append(times, next)
	}
	return times
}
