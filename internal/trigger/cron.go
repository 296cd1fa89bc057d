package trigger

import (
	"fmt"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/me/pipesched/pkg/model"
)

var cronParser = cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// ParseCron parses a cron expression. Errors wrap model.ErrInvalidCron.
func ParseCron(expr string) (cronv3.Schedule, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty expression", model.ErrInvalidCron)
	}
	sched, err := cronParser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", model.ErrInvalidCron, raw, err)
	}
	return sched, nil
}

// maxCronLookback bounds the search for a previous firing.
const maxCronLookback = 5 * 366 * 24 * time.Hour

// previousFiring returns the latest firing of sched at or before t. It widens
// the search window from one minute until a firing falls inside it.
func previousFiring(sched cronv3.Schedule, t time.Time) (time.Time, bool) {
	for window := time.Minute; window <= maxCronLookback; window *= 2 {
		candidate := sched.Next(t.Add(-window).Add(-time.Nanosecond))
		if candidate.IsZero() {
			return time.Time{}, false
		}
		if candidate.After(t) {
			continue
		}
		for {
			next := sched.Next(candidate)
			if next.IsZero() || next.After(t) {
				return candidate, true
			}
			candidate = next
		}
	}
	return time.Time{}, false
}

// nextFiring returns the earliest firing of sched at or after t.
func nextFiring(sched cronv3.Schedule, t time.Time) time.Time {
	return sched.Next(t.Add(-time.Nanosecond))
}
