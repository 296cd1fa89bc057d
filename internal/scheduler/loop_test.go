package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pipesched/internal/executor"
	"github.com/me/pipesched/internal/metrics"
	"github.com/me/pipesched/internal/notify"
	"github.com/me/pipesched/pkg/model"
)

func timeSchedule(t *testing.T, env *testEnv, pipelineUUID string, interval model.ScheduleInterval, start time.Time) *model.PipelineSchedule {
	t.Helper()
	s := &model.PipelineSchedule{
		ID:               uuid.NewString(),
		Name:             "daily",
		PipelineUUID:     pipelineUUID,
		ScheduleType:     model.ScheduleTypeTime,
		ScheduleInterval: interval,
		StartTime:        &start,
		Status:           model.ScheduleStatusActive,
		CreatedAt:        start,
		UpdatedAt:        start,
	}
	require.NoError(t, env.st.CreateSchedule(context.Background(), s))
	return s
}

func TestLoop_DailyScheduleCreatesOneRunPerDay(t *testing.T) {
	p := &model.Pipeline{UUID: "etl", Blocks: []model.Block{block("load")}}
	env := testSetup(t, p)
	ctx := context.Background()
	s := timeSchedule(t, env, "etl", model.ScheduleIntervalDaily, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		require.NoError(t, env.loop.Tick(ctx))
		env.drain(t)
	}

	runs, err := env.st.ListRuns(ctx, model.RunFilter{PipelineScheduleID: s.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), runs[0].ExecutionDate)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)

	env.clock.Advance(24 * time.Hour)
	require.NoError(t, env.loop.Tick(ctx))
	env.drain(t)
	runs, err = env.st.ListRuns(ctx, model.RunFilter{PipelineScheduleID: s.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestLoop_ScheduleBeforeStartTimeDoesNotFire(t *testing.T) {
	p := &model.Pipeline{UUID: "etl", Blocks: []model.Block{block("load")}}
	env := testSetup(t, p)
	ctx := context.Background()
	s := timeSchedule(t, env, "etl", model.ScheduleIntervalDaily, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, env.loop.Tick(ctx))
	n, err := env.st.CountRuns(ctx, model.RunFilter{PipelineScheduleID: s.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoop_OnceScheduleDeactivatesAfterRun(t *testing.T) {
	p := &model.Pipeline{UUID: "etl", Blocks: []model.Block{block("load")}}
	env := testSetup(t, p)
	ctx := context.Background()
	s := timeSchedule(t, env, "etl", model.ScheduleIntervalOnce, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, env.loop.Tick(ctx))
	runs, err := env.st.ListRuns(ctx, model.RunFilter{PipelineScheduleID: s.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	env.settle(t, runs[0].ID)

	got, err := env.st.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusInactive, got.Status)
}

func TestLoop_SkipIfPreviousRunning(t *testing.T) {
	p := &model.Pipeline{UUID: "slow", Blocks: []model.Block{block("wait")}}
	env := testSetup(t, p)
	release := make(chan struct{})
	env.funcs.Handle("wait", func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return executor.Result{}, nil
	})
	ctx := context.Background()
	s := timeSchedule(t, env, "slow", model.ScheduleIntervalHourly, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	s.Settings.SkipIfPreviousRunning = true
	require.NoError(t, env.st.UpdateSchedule(ctx, s))

	require.NoError(t, env.loop.Tick(ctx))
	env.clock.Advance(time.Hour)
	require.NoError(t, env.loop.Tick(ctx))

	n, err := env.st.CountRuns(ctx, model.RunFilter{PipelineScheduleID: s.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	close(release)
	env.drain(t)
}

func TestLoop_PipelineRunLimit(t *testing.T) {
	tests := []struct {
		name       string
		policy     model.ConcurrencyPolicy
		wantSecond model.RunStatus
	}{
		{"wait holds the run", model.ConcurrencyPolicyWait, model.RunStatusInitial},
		{"skip cancels the run", model.ConcurrencyPolicySkip, model.RunStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &model.Pipeline{
				UUID:   "slow",
				Blocks: []model.Block{block("wait")},
				Concurrency: model.ConcurrencyConfig{
					PipelineRunLimit:          1,
					OnPipelineRunLimitReached: tt.policy,
				},
			}
			env := testSetup(t, p)
			release := make(chan struct{})
			env.funcs.Handle("wait", func(ctx context.Context, _ executor.Request) (executor.Result, error) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return executor.Result{}, nil
			})
			ctx := context.Background()

			s := env.schedule(t, "slow", model.ScheduleSettings{})
			first := env.newRun(t, s)
			env.clock.Advance(time.Second)
			second := env.newRun(t, s)

			require.NoError(t, env.loop.Tick(ctx))

			got, err := env.st.GetRun(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, model.RunStatusRunning, got.Status)
			got, err = env.st.GetRun(ctx, second.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSecond, got.Status)

			close(release)
			assert.Equal(t, model.RunStatusCompleted, env.settle(t, first.ID).Status)
			if tt.policy == model.ConcurrencyPolicyWait {
				assert.Equal(t, model.RunStatusCompleted, env.settle(t, second.ID).Status)
			}
		})
	}
}

func TestLoop_PassedSLANotifiesOnce(t *testing.T) {
	p := &model.Pipeline{UUID: "slow", Blocks: []model.Block{block("wait")}}
	env := testSetup(t, p)
	env.funcs.Handle("wait", func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})
	ctx := context.Background()

	s := env.schedule(t, "slow", model.ScheduleSettings{})
	s.SLA = 300
	require.NoError(t, env.st.UpdateSchedule(ctx, s))
	run := env.newRun(t, s)

	require.NoError(t, env.loop.Tick(ctx))
	assert.Zero(t, env.sender.count(notify.KindPassedSLA, run.ID))

	env.clock.Advance(10 * time.Minute)
	require.NoError(t, env.loop.Tick(ctx))
	require.NoError(t, env.loop.Tick(ctx))

	got, err := env.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.PassedSLA)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Equal(t, 1, env.sender.count(notify.KindPassedSLA, run.ID))

	require.NoError(t, env.runs.Stop(ctx, run.ID))
	env.drain(t)
}

func TestRunCreator_TriggerAPI(t *testing.T) {
	p := &model.Pipeline{UUID: "etl", Blocks: []model.Block{block("load")}}
	env := testSetup(t, p)
	ctx := context.Background()
	s := env.schedule(t, "etl", model.ScheduleSettings{})
	s.Variables = map[string]any{"env": "prod", "limit": float64(10)}
	require.NoError(t, env.st.UpdateSchedule(ctx, s))

	_, err := env.creator.TriggerAPI(ctx, s.ID, "wrong", nil)
	assert.ErrorIs(t, err, model.ErrInvalidToken)

	run, err := env.creator.TriggerAPI(ctx, s.ID, "secret", map[string]any{"limit": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusInitial, run.Status)
	assert.Equal(t, map[string]any{"env": "prod", "limit": float64(5)}, run.Variables)

	_, err = env.creator.TriggerAPI(ctx, "nope", "secret", nil)
	var apiErr *model.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestRunCreator_TriggerEvent(t *testing.T) {
	p := &model.Pipeline{UUID: "etl", Blocks: []model.Block{block("load")}}
	env := testSetup(t, p)
	ctx := context.Background()

	now := env.clock.Now()
	s := &model.PipelineSchedule{
		ID: uuid.NewString(), Name: "on-upload", PipelineUUID: "etl",
		ScheduleType: model.ScheduleTypeEvent, Status: model.ScheduleStatusActive,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, env.st.CreateSchedule(ctx, s))
	m := &model.EventMatcher{
		ID: uuid.NewString(), Name: "uploads",
		Pattern:   map[string]any{"source": "storage", "detail": map[string]any{"bucket": []any{"raw", "landing"}}},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, env.st.CreateEventMatcher(ctx, m))
	require.NoError(t, env.st.AttachEventMatcher(ctx, m.ID, s.ID))

	runs, err := env.creator.TriggerEvent(ctx, map[string]any{"source": "storage", "detail": map[string]any{"bucket": "raw"}})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "storage", runs[0].EventVariables["source"])

	runs, err = env.creator.TriggerEvent(ctx, map[string]any{"source": "storage", "detail": map[string]any{"bucket": "other"}})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunCreator_BackfillCompletes(t *testing.T) {
	p := &model.Pipeline{UUID: "etl", Blocks: []model.Block{block("load")}}
	env := testSetup(t, p)
	ctx := context.Background()

	bf, runs, err := env.creator.CreateBackfill(ctx, BackfillRequest{
		PipelineUUID:  "etl",
		StartDatetime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDatetime:   time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		IntervalType:  model.IntervalTypeDay,
		IntervalUnits: 1,
	})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, model.BackfillStatusRunning, bf.Status)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), runs[1].ExecutionDate)

	for _, r := range runs {
		assert.Equal(t, model.RunStatusCompleted, env.settle(t, r.ID).Status)
	}

	got, err := env.st.GetBackfill(ctx, bf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BackfillStatusCompleted, got.Status)
	sched, err := env.st.GetSchedule(ctx, bf.PipelineScheduleID)
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusInactive, sched.Status)

	_, _, err = env.creator.CreateBackfill(ctx, BackfillRequest{
		PipelineUUID:  "etl",
		StartDatetime: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
		EndDatetime:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		IntervalType:  model.IntervalTypeDay,
	})
	assert.Error(t, err)
}

func TestRunCreator_BackfillRejectsOversizedRange(t *testing.T) {
	p := &model.Pipeline{UUID: "etl", Blocks: []model.Block{block("load")}}
	env := testSetup(t, p)
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bf, runs, err := env.creator.CreateBackfill(ctx, BackfillRequest{
		PipelineUUID:  "etl",
		StartDatetime: start,
		EndDatetime:   start.Add(24 * time.Hour),
		IntervalType:  model.IntervalTypeSecond,
		IntervalUnits: 1,
	})
	require.Error(t, err)
	var apiErr *model.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, model.ErrValidation, apiErr.Code)
	assert.Nil(t, bf)
	assert.Empty(t, runs)

	// Nothing was persisted for the rejected request.
	all, err := env.st.ListBackfills(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	n, err := env.st.CountRuns(ctx, model.RunFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoop_IntegrationPipeline(t *testing.T) {
	p := &model.Pipeline{
		UUID: "sync",
		Type: model.PipelineTypeIntegration,
		Blocks: []model.Block{
			{UUID: "source", Type: model.BlockTypeDataLoader},
			{UUID: "dest", Type: model.BlockTypeDataExporter, UpstreamBlocks: []string{"source"}},
		},
		Streams: []model.Stream{
			{ID: "users", Parallel: true, Partitions: 2},
			{ID: "orders"},
			{ID: "items"},
		},
	}
	env := testSetup(t, p)
	env.funcs.Handle("source", func(_ context.Context, req executor.Request) (executor.Result, error) {
		if req.Variables["stream"] == nil || req.Variables["_start_date"] == nil {
			return executor.Result{}, errors.New("missing stream variables")
		}
		return executor.Result{Metrics: map[string]any{"records": 5}}, nil
	})

	s := env.schedule(t, "sync", model.ScheduleSettings{})
	run := env.settle(t, env.newRun(t, s).ID)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	brs := env.blockRuns(t, run.ID)
	assert.Len(t, brs, 8)
	for uuid, br := range brs {
		assert.Equal(t, model.BlockRunStatusCompleted, br.Status, uuid)
	}
	streams, ok := run.Metrics[model.MetricStreams].(map[string]any)
	require.True(t, ok)
	assert.Len(t, streams, 3)
	totals, ok := run.Metrics[metrics.MetricTotals].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(20), totals["records"])
}

func TestLoop_IntegrationFailureStopsStream(t *testing.T) {
	p := &model.Pipeline{
		UUID: "sync",
		Type: model.PipelineTypeIntegration,
		Blocks: []model.Block{
			{UUID: "source", Type: model.BlockTypeDataLoader},
			{UUID: "dest", Type: model.BlockTypeDataExporter, UpstreamBlocks: []string{"source"}},
		},
		Streams: []model.Stream{{ID: "users"}},
	}
	env := testSetup(t, p)
	env.funcs.Handle("source", func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{}, errors.New("auth failed")
	})

	s := env.schedule(t, "sync", model.ScheduleSettings{})
	run := env.settle(t, env.newRun(t, s).ID)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	brs := env.blockRuns(t, run.ID)
	assert.Equal(t, model.BlockRunStatusFailed, brs["source:users:0"].Status)
	assert.True(t, brs["dest:users:0"].Status.IsTerminal())
	assert.Equal(t, 1, env.sender.count(notify.KindFailure, run.ID))
}
