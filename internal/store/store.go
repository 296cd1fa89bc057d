package store

import (
	"context"
	"time"

	"github.com/me/pipesched/pkg/model"
)

// Store defines the persistence layer for scheduler entities. Lookups of a
// missing row return (nil, nil).
type Store interface {
	// Pipeline schedules
	CreateSchedule(ctx context.Context, s *model.PipelineSchedule) error
	GetSchedule(ctx context.Context, id string) (*model.PipelineSchedule, error)
	GetScheduleByName(ctx context.Context, pipelineUUID, name string) (*model.PipelineSchedule, error)
	ListSchedules(ctx context.Context, f model.ScheduleFilter) ([]*model.PipelineSchedule, error)
	UpdateSchedule(ctx context.Context, s *model.PipelineSchedule) error

	// Pipeline runs
	CreateRun(ctx context.Context, r *model.PipelineRun) error
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]*model.PipelineRun, error)
	CountRuns(ctx context.Context, f model.RunFilter) (int, error)
	UpdateRun(ctx context.Context, r *model.PipelineRun) error
	// TransitionRun writes r only if the stored status is one of from and
	// reports whether it did.
	TransitionRun(ctx context.Context, r *model.PipelineRun, from ...model.RunStatus) (bool, error)
	UpdateRunMetrics(ctx context.Context, id string, metrics map[string]any) error
	// SetRunMetric merges a single metrics key without touching the others.
	SetRunMetric(ctx context.Context, id, key string, value any) error

	// Block runs
	CreateBlockRuns(ctx context.Context, runs []*model.BlockRun) error
	GetBlockRun(ctx context.Context, id string) (*model.BlockRun, error)
	GetBlockRunByUUID(ctx context.Context, pipelineRunID, blockUUID string) (*model.BlockRun, error)
	ListBlockRuns(ctx context.Context, pipelineRunID string) ([]*model.BlockRun, error)
	CountBlockRuns(ctx context.Context, pipelineRunID string, statuses ...model.BlockRunStatus) (int, error)
	// TransitionBlockRun writes br only if the stored status is one of from
	// and reports whether it did.
	TransitionBlockRun(ctx context.Context, br *model.BlockRun, from ...model.BlockRunStatus) (bool, error)
	// CompleteBlockRun is TransitionBlockRun plus the insert of children, as
	// one atomic write. Nothing is inserted when the guard fails.
	CompleteBlockRun(ctx context.Context, br *model.BlockRun, children []*model.BlockRun, from ...model.BlockRunStatus) (bool, error)
	// UpdateBlockRunStatuses atomically moves every listed block run to status.
	// completedAt is stamped when non-nil. When from is given only rows
	// currently in one of those statuses are written.
	UpdateBlockRunStatuses(ctx context.Context, ids []string, status model.BlockRunStatus, completedAt *time.Time, from ...model.BlockRunStatus) error

	// Backfills
	CreateBackfill(ctx context.Context, b *model.Backfill) error
	GetBackfill(ctx context.Context, id string) (*model.Backfill, error)
	ListBackfills(ctx context.Context) ([]*model.Backfill, error)
	UpdateBackfill(ctx context.Context, b *model.Backfill) error

	// Event matchers
	CreateEventMatcher(ctx context.Context, m *model.EventMatcher) error
	ListEventMatchers(ctx context.Context) ([]*model.EventMatcher, error)
	AttachEventMatcher(ctx context.Context, matcherID, scheduleID string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
