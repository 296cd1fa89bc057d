package trigger

import (
	"fmt"
	"time"

	"github.com/me/pipesched/pkg/model"
)

// truncate aligns t to the start of its named interval in UTC. Weeks start on Monday.
func truncate(interval model.ScheduleInterval, t time.Time) time.Time {
	t = t.UTC()
	switch interval {
	case model.ScheduleIntervalHourly:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case model.ScheduleIntervalDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case model.ScheduleIntervalWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -((int(t.Weekday()) + 6) % 7))
	case model.ScheduleIntervalMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// step moves an aligned date n named intervals forward (or back for n < 0).
func step(interval model.ScheduleInterval, t time.Time, n int) time.Time {
	switch interval {
	case model.ScheduleIntervalHourly:
		return t.Add(time.Duration(n) * time.Hour)
	case model.ScheduleIntervalDaily:
		return t.AddDate(0, 0, n)
	case model.ScheduleIntervalWeekly:
		return t.AddDate(0, 0, 7*n)
	case model.ScheduleIntervalMonthly:
		return t.AddDate(0, n, 0)
	}
	return t
}

func isRecurringNamed(interval model.ScheduleInterval) bool {
	switch interval {
	case model.ScheduleIntervalHourly, model.ScheduleIntervalDaily,
		model.ScheduleIntervalWeekly, model.ScheduleIntervalMonthly:
		return true
	}
	return false
}

// intervalStart is the most recent interval boundary at or before t: the
// truncated date for named intervals, the previous firing for cron.
func intervalStart(interval model.ScheduleInterval, t time.Time) (time.Time, error) {
	if isRecurringNamed(interval) {
		return truncate(interval, t), nil
	}
	if !interval.IsCron() {
		return t.UTC(), nil
	}
	sched, err := ParseCron(string(interval))
	if err != nil {
		return time.Time{}, err
	}
	prev, ok := previousFiring(sched, t.UTC())
	if !ok {
		return time.Time{}, fmt.Errorf("cron %q has no firing before %s", interval, t.UTC().Format(time.RFC3339))
	}
	return prev, nil
}

// previousIntervalStart returns the boundary immediately before the aligned date d.
func previousIntervalStart(interval model.ScheduleInterval, d time.Time) (time.Time, error) {
	if isRecurringNamed(interval) {
		return step(interval, d, -1), nil
	}
	if !interval.IsCron() {
		return d, nil
	}
	sched, err := ParseCron(string(interval))
	if err != nil {
		return time.Time{}, err
	}
	prev, ok := previousFiring(sched, d.Add(-time.Second))
	if !ok {
		return d, nil
	}
	return prev, nil
}
