package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/pipesched/internal/concurrency"
	"github.com/me/pipesched/internal/lock"
	"github.com/me/pipesched/internal/logging"
	"github.com/me/pipesched/internal/trigger"
	"github.com/me/pipesched/pkg/model"
)

// Loop implements the Scheduler interface with a ticker-driven scheduling loop.
type Loop struct {
	sc      *SchedulingContext
	runs    *RunScheduler
	creator *RunCreator
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLoop creates a new scheduler loop.
func NewLoop(sc *SchedulingContext, runs *RunScheduler, creator *RunCreator) *Loop {
	return &Loop{
		sc:      sc,
		runs:    runs,
		creator: creator,
		logger:  sc.Logger.With("component", "scheduler"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started", "tick_interval", l.sc.Config.TickInterval)
	ticker := time.NewTicker(l.sc.Config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single scheduling iteration. Failures of one schedule or run
// are logged and do not stop the others.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { l.sc.Metrics.ObserveTick(time.Since(start)) }()

	// Phase 1: Mirror declared triggers into the store.
	if repo := l.sc.Config.RepoPath; repo != "" {
		if _, err := trigger.SyncRepository(ctx, l.sc.Store, repo, l.sc.now(), l.logger); err != nil {
			l.logger.Error("sync triggers", "repo_path", repo, "error", err)
		}
	}

	// Phase 2: Create due runs and start pending ones within run limits.
	if err := l.evaluateSchedules(ctx); err != nil {
		return fmt.Errorf("phase 2 (schedules): %w", err)
	}

	// Phase 3: Advance every running run.
	if err := l.advanceRuns(ctx); err != nil {
		return fmt.Errorf("phase 3 (runs): %w", err)
	}

	// Phase 4: Flag runs that passed their SLA.
	if err := l.checkSLAs(ctx); err != nil {
		return fmt.Errorf("phase 4 (sla): %w", err)
	}

	// Phase 5: Drop finished jobs.
	if err := l.sc.Queue.CleanUpJobs(ctx); err != nil {
		l.logger.Warn("clean up jobs", "error", err)
	}
	return nil
}

func (l *Loop) evaluateSchedules(ctx context.Context) error {
	schedules, err := l.sc.Store.ListSchedules(ctx, model.ScheduleFilter{Status: model.ScheduleStatusActive})
	if err != nil {
		return err
	}
	backfills, err := l.sc.Store.ListBackfills(ctx)
	if err != nil {
		return err
	}
	backfillSchedules := make(map[string]bool, len(backfills))
	for _, bf := range backfills {
		backfillSchedules[bf.PipelineScheduleID] = true
	}

	for _, s := range schedules {
		if err := l.processSchedule(ctx, s, backfillSchedules[s.ID]); err != nil {
			logging.ForSchedule(l.logger, s).Error("process schedule", "error", err)
		}
	}
	return nil
}

// processSchedule evaluates one schedule under its lock.
func (l *Loop) processSchedule(ctx context.Context, s *model.PipelineSchedule, backfill bool) error {
	key := lock.ScheduleKey(s.ID)
	ok, err := l.sc.Locker.TryAcquire(ctx, key, l.sc.Config.LockTimeout)
	if err != nil {
		return fmt.Errorf("acquire schedule lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := l.sc.Locker.Release(context.WithoutCancel(ctx), key); err != nil {
			l.logger.Warn("release schedule lock", "schedule_id", s.ID, "error", err)
		}
	}()

	p, err := l.sc.Resolver.Resolve(ctx, s.PipelineUUID, s.RepoPath)
	if err != nil {
		return err
	}
	if !backfill && s.ScheduleType == model.ScheduleTypeTime {
		if err := l.maybeCreateRun(ctx, s, p); err != nil {
			return err
		}
	}
	return l.startPending(ctx, s, p)
}

// maybeCreateRun creates a run of a time schedule that is due.
func (l *Loop) maybeCreateRun(ctx context.Context, s *model.PipelineSchedule, p *model.Pipeline) error {
	now := l.sc.now()
	var previous []float64
	if s.LandingTimeEnabled() {
		var err error
		if previous, err = l.previousRuntimes(ctx, s); err != nil {
			return err
		}
	}
	due, err := l.sc.Triggers.ShouldSchedule(ctx, s, p, previous, now)
	if err != nil || !due {
		return err
	}

	if s.Settings.SkipIfPreviousRunning {
		active, err := l.sc.Store.CountRuns(ctx, model.RunFilter{
			PipelineScheduleID: s.ID,
			Statuses:           []model.RunStatus{model.RunStatusInitial, model.RunStatusRunning},
		})
		if err != nil {
			return err
		}
		if active > 0 {
			logging.ForSchedule(l.logger, s).Info("skipping run, previous run still active", "active", active)
			return nil
		}
	}

	execDate, err := l.sc.Triggers.ExecutionDate(s, now)
	if err != nil {
		return err
	}
	run, err := l.creator.CreateRun(ctx, s, execDate, nil, nil, "", TriggerTime)
	if err != nil {
		return err
	}
	if len(previous) > 0 {
		run.SetMetric(model.MetricPreviousRuntimes, previous)
		if err := l.sc.Store.UpdateRunMetrics(ctx, run.ID, run.Metrics); err != nil {
			logging.ForRun(l.logger, run).Warn("record previous runtimes", "error", err)
		}
	}
	return nil
}

// previousRuntimes returns the runtimes in seconds of the schedule's most
// recent completed runs.
func (l *Loop) previousRuntimes(ctx context.Context, s *model.PipelineSchedule) ([]float64, error) {
	runs, err := l.sc.Store.ListRuns(ctx, model.RunFilter{
		PipelineScheduleID: s.ID,
		Statuses:           []model.RunStatus{model.RunStatusCompleted},
		NewestFirst:        true,
		Limit:              l.sc.Config.PreviousRuntimes,
	})
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(runs))
	for _, r := range runs {
		if d, ok := r.Runtime(); ok {
			out = append(out, d.Seconds())
		}
	}
	return out, nil
}

// startPending applies the run limits to the schedule's INITIAL runs, oldest
// first, and starts, holds or cancels each one.
func (l *Loop) startPending(ctx context.Context, s *model.PipelineSchedule, p *model.Pipeline) error {
	pending, err := l.sc.Store.ListRuns(ctx, model.RunFilter{
		PipelineScheduleID: s.ID,
		Statuses:           []model.RunStatus{model.RunStatusInitial},
	})
	if err != nil || len(pending) == 0 {
		return err
	}

	running := []model.RunStatus{model.RunStatusRunning}
	forSchedule, err := l.sc.Store.CountRuns(ctx, model.RunFilter{PipelineScheduleID: s.ID, Statuses: running})
	if err != nil {
		return err
	}
	forPipeline, err := l.sc.Store.CountRuns(ctx, model.RunFilter{PipelineUUID: s.PipelineUUID, Statuses: running})
	if err != nil {
		return err
	}

	actions := concurrency.Decide(concurrency.LimitsFor(p, s), concurrency.Counts{
		RunningForSchedule: forSchedule,
		RunningForPipeline: forPipeline,
	}, len(pending))
	for i, run := range pending {
		l.sc.Metrics.LimitDecision(string(actions[i]))
		switch actions[i] {
		case concurrency.ActionStart:
			if _, err := l.runs.Start(ctx, run.ID, true); err != nil {
				logging.ForRun(l.logger, run).Error("start run", "error", err)
			}
		case concurrency.ActionCancel:
			logging.ForRun(l.logger, run).Info("pipeline run limit reached, cancelling run")
			if err := l.runs.CancelBlockRunsAndJobs(ctx, run.ID, model.RunStatusCancelled); err != nil {
				logging.ForRun(l.logger, run).Error("cancel run", "error", err)
			}
		}
	}
	return nil
}

// advanceRuns schedules every RUNNING run, a bounded number at a time.
func (l *Loop) advanceRuns(ctx context.Context) error {
	runs, err := l.sc.Store.ListRuns(ctx, model.RunFilter{Statuses: []model.RunStatus{model.RunStatusRunning}})
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.SetLimit(l.sc.Config.TickParallelism)
	for _, run := range runs {
		g.Go(func() error {
			if err := l.runs.Schedule(ctx, run.ID); err != nil {
				logging.ForRun(l.logger, run).Error("schedule run", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// checkSLAs flags RUNNING runs that outlived their schedule's SLA and sends
// one passed-SLA notification per run.
func (l *Loop) checkSLAs(ctx context.Context) error {
	runs, err := l.sc.Store.ListRuns(ctx, model.RunFilter{Statuses: []model.RunStatus{model.RunStatusRunning}})
	if err != nil {
		return err
	}
	now := l.sc.now()
	schedules := make(map[string]*model.PipelineSchedule)
	for _, run := range runs {
		if run.PassedSLA || run.PipelineScheduleID == "" {
			continue
		}
		s, seen := schedules[run.PipelineScheduleID]
		if !seen {
			if s, err = l.sc.Store.GetSchedule(ctx, run.PipelineScheduleID); err != nil {
				return err
			}
			schedules[run.PipelineScheduleID] = s
		}
		if s == nil || s.SLADuration() <= 0 || now.Before(run.ExecutionDate.Add(s.SLADuration())) {
			continue
		}

		if err := l.flagPassedSLA(ctx, run.ID, s.SLADuration()); err != nil {
			logging.ForRun(l.logger, run).Error("flag passed sla", "error", err)
		}
	}
	return nil
}

// flagPassedSLA sets passed_sla under the run's lock so the notification is
// sent once. A locked run is retried on the next tick.
func (l *Loop) flagPassedSLA(ctx context.Context, runID string, sla time.Duration) error {
	ok, err := l.runs.acquire(ctx, runID)
	if err != nil || !ok {
		return err
	}
	defer l.runs.release(ctx, runID)

	run, err := l.sc.Store.GetRun(ctx, runID)
	if err != nil || run == nil || run.PassedSLA {
		return err
	}
	run.PassedSLA = true
	run.UpdatedAt = l.sc.now()
	flagged, err := l.sc.Store.TransitionRun(ctx, run, model.RunStatusRunning)
	if err != nil || !flagged {
		return err
	}
	logging.ForRun(l.logger, run).Warn("pipeline run passed its sla", "sla", sla)
	l.sc.Notifier.RunPassedSLA(ctx, run)
	return nil
}
