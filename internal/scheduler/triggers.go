package scheduler

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/me/pipesched/internal/logging"
	"github.com/me/pipesched/internal/trigger"
	"github.com/me/pipesched/pkg/model"
)

// Trigger kinds recorded on the runs-created metric.
const (
	TriggerTime     = "time"
	TriggerEvent    = "event"
	TriggerAPI      = "api"
	TriggerBackfill = "backfill"
)

// RunCreator turns trigger firings, events, API calls and backfills into
// INITIAL pipeline runs. The tick starts them.
type RunCreator struct {
	sc     *SchedulingContext
	logger *slog.Logger
}

// NewRunCreator creates a RunCreator.
func NewRunCreator(sc *SchedulingContext) *RunCreator {
	return &RunCreator{sc: sc, logger: sc.Logger.With("component", "run-creator")}
}

// CreateRun persists an INITIAL run of s for executionDate. Run variables are
// the schedule's variables overlaid with vars.
func (c *RunCreator) CreateRun(
	ctx context.Context,
	s *model.PipelineSchedule,
	executionDate time.Time,
	vars, eventVars map[string]any,
	backfillID, kind string,
) (*model.PipelineRun, error) {
	now := c.sc.now()
	run := &model.PipelineRun{
		ID:                 uuid.NewString(),
		PipelineScheduleID: s.ID,
		PipelineUUID:       s.PipelineUUID,
		ExecutionDate:      executionDate.UTC(),
		Status:             model.RunStatusInitial,
		EventVariables:     eventVars,
		BackfillID:         backfillID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if len(s.Variables) > 0 || len(vars) > 0 {
		run.Variables = make(map[string]any, len(s.Variables)+len(vars))
		maps.Copy(run.Variables, s.Variables)
		maps.Copy(run.Variables, vars)
	}
	if err := c.sc.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	c.sc.Metrics.RunCreated(kind)
	logging.ForRun(c.logger, run).Info("pipeline run created", "trigger", kind)
	return run, nil
}

// TriggerEvent creates a run for every ACTIVE event schedule whose matcher
// accepts payload. The payload becomes the runs' event variables.
func (c *RunCreator) TriggerEvent(ctx context.Context, payload map[string]any) ([]*model.PipelineRun, error) {
	matchers, err := c.sc.Store.ListEventMatchers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list event matchers: %w", err)
	}
	var runs []*model.PipelineRun
	for _, id := range trigger.MatchingSchedules(matchers, payload) {
		s, err := c.sc.Store.GetSchedule(ctx, id)
		if err != nil {
			return runs, fmt.Errorf("get schedule %s: %w", id, err)
		}
		if s == nil || !s.IsActive() || s.ScheduleType != model.ScheduleTypeEvent {
			continue
		}
		run, err := c.CreateRun(ctx, s, c.sc.now(), nil, payload, "", TriggerEvent)
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// TriggerAPI creates a run of an ACTIVE API schedule. token must equal the
// schedule's token.
func (c *RunCreator) TriggerAPI(ctx context.Context, scheduleID, token string, vars map[string]any) (*model.PipelineRun, error) {
	s, err := c.sc.Store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	if s == nil {
		return nil, model.NewNotFoundError("pipeline schedule", scheduleID)
	}
	if s.ScheduleType != model.ScheduleTypeAPI {
		return nil, model.NewValidationError(fmt.Sprintf("schedule %s is not an api trigger", scheduleID))
	}
	if !s.IsActive() {
		return nil, model.NewValidationError(fmt.Sprintf("schedule %s is inactive", scheduleID))
	}
	if s.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
		return nil, model.ErrInvalidToken
	}
	return c.CreateRun(ctx, s, c.sc.now(), vars, nil, "", TriggerAPI)
}

// BackfillRequest describes a backfill to create.
type BackfillRequest struct {
	Name          string             `json:"name"`
	PipelineUUID  string             `json:"pipeline_uuid"`
	StartDatetime time.Time          `json:"start_datetime"`
	EndDatetime   time.Time          `json:"end_datetime"`
	IntervalType  model.IntervalType `json:"interval_type"`
	IntervalUnits int                `json:"interval_units"`
	Variables     map[string]any     `json:"variables,omitempty"`
}

// CreateBackfill creates a backfill, the schedule that owns its runs, and one
// INITIAL run per execution date in the requested range.
func (c *RunCreator) CreateBackfill(ctx context.Context, req BackfillRequest) (*model.Backfill, []*model.PipelineRun, error) {
	if req.PipelineUUID == "" {
		return nil, nil, model.NewValidationError("pipeline_uuid is required")
	}
	if req.EndDatetime.Before(req.StartDatetime) {
		return nil, nil, model.NewValidationError("end_datetime is before start_datetime")
	}
	switch req.IntervalType {
	case model.IntervalTypeSecond, model.IntervalTypeMinute, model.IntervalTypeHour, model.IntervalTypeDay,
		model.IntervalTypeWeek, model.IntervalTypeMonth, model.IntervalTypeYear:
	default:
		return nil, nil, model.NewValidationError(fmt.Sprintf("unknown interval_type %q", req.IntervalType))
	}
	if _, err := c.sc.Resolver.Resolve(ctx, req.PipelineUUID, ""); err != nil {
		return nil, nil, fmt.Errorf("resolve pipeline: %w", err)
	}

	now := c.sc.now()
	bf := &model.Backfill{
		ID:            uuid.NewString(),
		Name:          req.Name,
		PipelineUUID:  req.PipelineUUID,
		StartDatetime: req.StartDatetime.UTC(),
		EndDatetime:   req.EndDatetime.UTC(),
		IntervalType:  req.IntervalType,
		IntervalUnits: req.IntervalUnits,
		Status:        model.BackfillStatusInitial,
		Variables:     req.Variables,
		CreatedAt:     now,
	}
	if bf.Name == "" {
		bf.Name = "backfill " + bf.ID
	}
	sched := &model.PipelineSchedule{
		ID:           uuid.NewString(),
		Name:         "backfill_" + bf.ID,
		PipelineUUID: req.PipelineUUID,
		ScheduleType: model.ScheduleTypeTime,
		Status:       model.ScheduleStatusActive,
		Variables:    req.Variables,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	bf.PipelineScheduleID = sched.ID

	dates, err := bf.ExecutionDates()
	if err != nil {
		return nil, nil, err
	}
	if err := c.sc.Store.CreateSchedule(ctx, sched); err != nil {
		return nil, nil, fmt.Errorf("create backfill schedule: %w", err)
	}
	if err := c.sc.Store.CreateBackfill(ctx, bf); err != nil {
		return nil, nil, fmt.Errorf("create backfill: %w", err)
	}

	runs := make([]*model.PipelineRun, 0, len(dates))
	for _, d := range dates {
		run, err := c.CreateRun(ctx, sched, d, nil, nil, bf.ID, TriggerBackfill)
		if err != nil {
			return bf, runs, err
		}
		runs = append(runs, run)
	}

	bf.Status = model.BackfillStatusRunning
	bf.StartedAt = &now
	if len(runs) == 0 {
		bf.Status = model.BackfillStatusCompleted
		bf.CompletedAt = &now
	}
	if err := c.sc.Store.UpdateBackfill(ctx, bf); err != nil {
		return bf, runs, fmt.Errorf("update backfill: %w", err)
	}
	c.logger.Info("backfill created", "backfill_id", bf.ID, "pipeline_uuid", bf.PipelineUUID, "runs", len(runs))
	return bf, runs, nil
}
