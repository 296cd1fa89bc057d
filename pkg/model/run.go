package model

import (
	"fmt"
	"time"
)

// Keys with scheduler meaning inside PipelineRun.Variables and Metrics.
const (
	VariableExecutionPartition = "execution_partition"
	MetricPreviousRuntimes     = "previous_runtimes"
	MetricHeartbeat            = "heartbeat"
	MetricStreams              = "streams"
)

// ExecutionDateLayout formats execution dates inside partition keys.
const ExecutionDateLayout = "20060102T150405"

// PipelineRun is one attempt of a pipeline for a logical execution date.
type PipelineRun struct {
	ID                 string         `json:"id"`
	PipelineScheduleID string         `json:"pipeline_schedule_id"`
	PipelineUUID       string         `json:"pipeline_uuid"`
	ExecutionDate      time.Time      `json:"execution_date"`
	Status             RunStatus      `json:"status"`
	Variables          map[string]any `json:"variables,omitempty"`
	EventVariables     map[string]any `json:"event_variables,omitempty"`
	PassedSLA          bool           `json:"passed_sla"`
	Metrics            map[string]any `json:"metrics,omitempty"`
	BackfillID         string         `json:"backfill_id,omitempty"`
	ExecutorType       string         `json:"executor_type,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ExecutionPartition is the storage key isolating this run's artifacts. It is
// derived from the schedule id and execution date unless a variable overrides it.
func (r *PipelineRun) ExecutionPartition() string {
	if v, ok := r.Variables[VariableExecutionPartition].(string); ok && v != "" {
		return v
	}
	return fmt.Sprintf("%s/%s", r.PipelineScheduleID, r.ExecutionDate.UTC().Format(ExecutionDateLayout))
}

// Runtime returns the wall-clock duration of a finished run.
func (r *PipelineRun) Runtime() (time.Duration, bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return r.CompletedAt.Sub(*r.StartedAt), true
}

// PreviousRuntimes returns the runtime history tagged onto the run at creation.
func (r *PipelineRun) PreviousRuntimes() []float64 {
	if r.Metrics == nil {
		return nil
	}
	switch v := r.Metrics[MetricPreviousRuntimes].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			}
		}
		return out
	}
	return nil
}

// SetMetric stores a value on the metrics bag, allocating it if needed.
func (r *PipelineRun) SetMetric(key string, value any) {
	if r.Metrics == nil {
		r.Metrics = make(map[string]any)
	}
	r.Metrics[key] = value
}
