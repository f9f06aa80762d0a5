package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron plus descriptors (@hourly, @every 15m).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses expr, wrapping any failure in ErrInvalidCron.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %s", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

// NextRun returns the first activation of expr after the given time.
func NextRun(expr string, after time.Time) (time.Time, error) {
	runs, err := Upcoming(expr, after, 1)
	if err != nil {
		return time.Time{}, err
	}
	return runs[0], nil
}

// Upcoming returns the next n activations of expr after the given time.
func Upcoming(expr string, after time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, max(n, 1))
	t := after
	for range max(n, 1) {
		t = sched.Next(t)
		runs = append(runs, t)
	}
	return runs, nil
}
