package trigger

import (
	"time"

	"github.com/me/pipesched/pkg/model"
)

// Runtime variables handed to integration streams.
const (
	VarStartDate          = "_start_date"
	VarEndDate            = "_end_date"
	VarExecutionDate      = "_execution_date"
	VarExecutionPartition = "_execution_partition"
)

// RuntimeWindow is the data interval a run covers: from the previous
// execution date up to its own.
type RuntimeWindow struct {
	Start time.Time
	End   time.Time
}

// WindowFor derives the runtime window of a run from its schedule interval.
// Schedules without a recurring interval get an empty window ending at the
// execution date.
func WindowFor(s *model.PipelineSchedule, executionDate time.Time) (RuntimeWindow, error) {
	end := executionDate.UTC()
	if s == nil {
		return RuntimeWindow{Start: end, End: end}, nil
	}
	start, err := previousIntervalStart(s.ScheduleInterval, end)
	if err != nil {
		return RuntimeWindow{}, err
	}
	return RuntimeWindow{Start: start, End: end}, nil
}

// Variables renders the window as run variables.
func (w RuntimeWindow) Variables(executionPartition string) map[string]any {
	return map[string]any{
		VarStartDate:          w.Start.Format(time.RFC3339),
		VarEndDate:            w.End.Format(time.RFC3339),
		VarExecutionDate:      w.End.Format(time.RFC3339),
		VarExecutionPartition: executionPartition,
	}
}
