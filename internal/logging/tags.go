package logging

import (
	"log/slog"

	"github.com/me/pipesched/pkg/model"
)

// ForRun returns a child logger tagged with the identity of a pipeline run.
// Every scheduler log line about a run carries these keys so a run can be
// followed across ticks and processes.
func ForRun(logger *slog.Logger, run *model.PipelineRun) *slog.Logger {
	return logger.With(
		"pipeline_uuid", run.PipelineUUID,
		"pipeline_run_id", run.ID,
		"pipeline_schedule_id", run.PipelineScheduleID,
		"execution_partition", run.ExecutionPartition(),
	)
}

// ForBlockRun extends a run logger with block run identity.
func ForBlockRun(logger *slog.Logger, br *model.BlockRun) *slog.Logger {
	return logger.With("block_run_id", br.ID, "block_uuid", br.BlockUUID)
}

// ForSchedule tags a logger with trigger identity.
func ForSchedule(logger *slog.Logger, s *model.PipelineSchedule) *slog.Logger {
	return logger.With("pipeline_schedule_id", s.ID, "pipeline_schedule_name", s.Name, "pipeline_uuid", s.PipelineUUID)
}
