package model

import (
	"fmt"
	"time"
)

// MaxBackfillRuns bounds the number of runs a single backfill may create.
const MaxBackfillRuns = 10000

// IntervalType is the step unit of a Backfill.
type IntervalType string

const (
	IntervalTypeSecond IntervalType = "second"
	IntervalTypeMinute IntervalType = "minute"
	IntervalTypeHour   IntervalType = "hour"
	IntervalTypeDay    IntervalType = "day"
	IntervalTypeWeek   IntervalType = "week"
	IntervalTypeMonth  IntervalType = "month"
	IntervalTypeYear   IntervalType = "year"
)

// Backfill is a named batch of runs over a historical interval.
type Backfill struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	PipelineUUID       string         `json:"pipeline_uuid"`
	PipelineScheduleID string         `json:"pipeline_schedule_id,omitempty"`
	StartDatetime      time.Time      `json:"start_datetime"`
	EndDatetime        time.Time      `json:"end_datetime"`
	IntervalType       IntervalType   `json:"interval_type"`
	IntervalUnits      int            `json:"interval_units"`
	Status             BackfillStatus `json:"status"`
	Variables          map[string]any `json:"variables,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// ExecutionDates enumerates the logical dates covered by the backfill, from
// start to end inclusive. A range with more than MaxBackfillRuns steps is a
// validation error.
func (b *Backfill) ExecutionDates() ([]time.Time, error) {
	units := b.IntervalUnits
	if units < 1 {
		units = 1
	}
	var dates []time.Time
	for d := b.StartDatetime; !d.After(b.EndDatetime); d = addInterval(d, b.IntervalType, units) {
		if len(dates) == MaxBackfillRuns {
			return nil, NewValidationError(fmt.Sprintf(
				"backfill covers more than %d runs; narrow the range or widen the interval", MaxBackfillRuns),
				FieldError{Field: "end_datetime", Message: "range too large for interval"})
		}
		dates = append(dates, d)
	}
	return dates, nil
}

func addInterval(t time.Time, it IntervalType, n int) time.Time {
	switch it {
	case IntervalTypeSecond:
		return t.Add(time.Duration(n) * time.Second)
	case IntervalTypeMinute:
		return t.Add(time.Duration(n) * time.Minute)
	case IntervalTypeHour:
		return t.Add(time.Duration(n) * time.Hour)
	case IntervalTypeWeek:
		return t.AddDate(0, 0, 7*n)
	case IntervalTypeMonth:
		return t.AddDate(0, n, 0)
	case IntervalTypeYear:
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, 0, n)
	}
}
