// Package trigger decides when a pipeline schedule is due, matches inbound
// events against stored patterns, and mirrors declared triggers into the store.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/me/pipesched/pkg/model"
)

// RunReader is the store capability the evaluator needs.
type RunReader interface {
	ListRuns(ctx context.Context, f model.RunFilter) ([]*model.PipelineRun, error)
	CountRuns(ctx context.Context, f model.RunFilter) (int, error)
}

// Evaluator answers "should this schedule fire now".
type Evaluator struct {
	runs RunReader
}

// NewEvaluator creates an Evaluator reading existing runs from runs.
func NewEvaluator(runs RunReader) *Evaluator {
	return &Evaluator{runs: runs}
}

// ShouldSchedule reports whether s should create a new run at now.
// previousRuntimes (seconds) feed landing-time prediction; p supplies the
// executor count for @once schedules and may be nil.
func (e *Evaluator) ShouldSchedule(ctx context.Context, s *model.PipelineSchedule, p *model.Pipeline, previousRuntimes []float64, now time.Time) (bool, error) {
	if !s.IsActive() || s.ScheduleType != model.ScheduleTypeTime {
		return false, nil
	}
	now = now.UTC()
	landing := s.LandingTimeEnabled()
	if !landing && s.StartTime != nil && now.Before(*s.StartTime) {
		return false, nil
	}

	switch s.ScheduleInterval {
	case model.ScheduleIntervalOnce:
		n, err := e.runs.CountRuns(ctx, model.RunFilter{PipelineScheduleID: s.ID})
		if err != nil {
			return false, err
		}
		if n == 0 {
			return true, nil
		}
		return p != nil && p.ExecutorCount > 1 && n < p.ExecutorCount, nil

	case model.ScheduleIntervalAlwaysOn:
		latest, err := e.runs.ListRuns(ctx, model.RunFilter{PipelineScheduleID: s.ID, NewestFirst: true, Limit: 1})
		if err != nil {
			return false, err
		}
		return len(latest) == 0 || !latest[0].Status.IsActive(), nil

	case "":
		return false, nil
	}

	execDate, err := e.ExecutionDate(s, now)
	if err != nil {
		return false, err
	}
	if s.StartTime != nil {
		earliest, err := intervalStart(s.ScheduleInterval, *s.StartTime)
		if err != nil {
			return false, err
		}
		if execDate.Before(earliest) {
			return false, nil
		}
	}

	n, err := e.runs.CountRuns(ctx, model.RunFilter{PipelineScheduleID: s.ID, ExecutionDate: &execDate})
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if landing && len(previousRuntimes) > 0 {
		return !now.Before(execDate.Add(-LandingLead(previousRuntimes))), nil
	}
	return true, nil
}

// ExecutionDate is the logical date a run created at now gets. Landing-time
// schedules target the upcoming landing time; others use CurrentExecutionDate.
func (e *Evaluator) ExecutionDate(s *model.PipelineSchedule, now time.Time) (time.Time, error) {
	if s.LandingTimeEnabled() {
		return NextLandingTime(s, now)
	}
	return CurrentExecutionDate(s, now)
}

// CurrentExecutionDate truncates now to the schedule interval, or returns the
// most recent cron firing at or before now. @once and @always_on use now.
func CurrentExecutionDate(s *model.PipelineSchedule, now time.Time) (time.Time, error) {
	return intervalStart(s.ScheduleInterval, now)
}

// NextLandingTime returns the first interval boundary at or after now, shifted
// by the start time's offset into its own interval. Cron schedules use the
// next firing.
func NextLandingTime(s *model.PipelineSchedule, now time.Time) (time.Time, error) {
	now = now.UTC()
	if s.ScheduleInterval.IsCron() {
		sched, err := ParseCron(string(s.ScheduleInterval))
		if err != nil {
			return time.Time{}, err
		}
		next := nextFiring(sched, now)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron %q has no upcoming firing", s.ScheduleInterval)
		}
		return next, nil
	}
	if !isRecurringNamed(s.ScheduleInterval) {
		return now, nil
	}

	var offset time.Duration
	if s.StartTime != nil {
		offset = s.StartTime.UTC().Sub(truncate(s.ScheduleInterval, *s.StartTime))
	}
	base := truncate(s.ScheduleInterval, now)
	landing := base.Add(offset)
	if landing.Before(now) {
		landing = step(s.ScheduleInterval, base, 1).Add(offset)
	}
	return landing, nil
}

// ValidateSchedule rejects schedules that can never be evaluated.
func ValidateSchedule(s *model.PipelineSchedule) error {
	switch s.ScheduleType {
	case model.ScheduleTypeTime:
		if s.ScheduleInterval == "" {
			return fmt.Errorf("%w: time trigger %q has no interval", model.ErrInvalidCron, s.Name)
		}
		if s.ScheduleInterval.IsCron() {
			if _, err := ParseCron(string(s.ScheduleInterval)); err != nil {
				return err
			}
		}
	case model.ScheduleTypeEvent, model.ScheduleTypeAPI:
	default:
		return fmt.Errorf("unknown schedule type %q", s.ScheduleType)
	}
	if s.Settings.TimeoutStatus != "" && !s.Settings.TimeoutStatus.IsTerminal() {
		return fmt.Errorf("timeout status %q is not terminal", s.Settings.TimeoutStatus)
	}
	return nil
}
