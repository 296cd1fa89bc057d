package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/me/pipesched/internal/executor"
	"github.com/me/pipesched/internal/jobqueue"
	"github.com/me/pipesched/internal/lock"
	"github.com/me/pipesched/internal/logging"
	"github.com/me/pipesched/internal/retry"
	"github.com/me/pipesched/pkg/model"
)

var errRunLocked = errors.New("pipeline run is locked by another scheduler")

// RunScheduler is the control loop of individual pipeline runs. It keeps no
// state between calls: every operation reloads the run from the store, and
// start and schedule hold the run's lock while they decide.
type RunScheduler struct {
	sc     *SchedulingContext
	logger *slog.Logger
}

// NewRunScheduler creates a RunScheduler.
func NewRunScheduler(sc *SchedulingContext) *RunScheduler {
	return &RunScheduler{
		sc:     sc,
		logger: sc.Logger.With("component", "run-scheduler"),
	}
}

// runState is everything one decision about a run reads.
type runState struct {
	run       *model.PipelineRun
	pipeline  *model.Pipeline
	schedule  *model.PipelineSchedule
	blockRuns []*model.BlockRun
	allowFail bool
	logger    *slog.Logger
}

func (s *RunScheduler) getRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	run, err := s.sc.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get pipeline run %s: %w", runID, err)
	}
	if run == nil {
		return nil, model.NewNotFoundError("pipeline run", runID)
	}
	return run, nil
}

// load refreshes the schedule, pipeline and block runs of run.
func (s *RunScheduler) load(ctx context.Context, run *model.PipelineRun) (*runState, error) {
	rs := &runState{run: run, logger: logging.ForRun(s.logger, run)}
	if run.PipelineScheduleID != "" {
		sched, err := s.sc.Store.GetSchedule(ctx, run.PipelineScheduleID)
		if err != nil {
			return nil, fmt.Errorf("get schedule %s: %w", run.PipelineScheduleID, err)
		}
		rs.schedule = sched
	}
	if rs.schedule != nil {
		rs.allowFail = rs.schedule.Settings.AllowBlocksToFail
	}

	repoPath := ""
	if rs.schedule != nil {
		repoPath = rs.schedule.RepoPath
	}
	p, err := s.sc.Resolver.Resolve(ctx, run.PipelineUUID, repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve pipeline %s: %w", run.PipelineUUID, err)
	}
	rs.pipeline = p

	brs, err := s.sc.Store.ListBlockRuns(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list block runs: %w", err)
	}
	rs.blockRuns = brs
	return rs, nil
}

func (s *RunScheduler) write(ctx context.Context, op func() error) error {
	return retry.Do(ctx, retry.DefaultPolicy(), op)
}

func (s *RunScheduler) acquire(ctx context.Context, runID string) (bool, error) {
	return s.sc.Locker.TryAcquire(ctx, lock.RunKey(runID), s.sc.Config.LockTimeout)
}

func (s *RunScheduler) release(ctx context.Context, runID string) {
	if err := s.sc.Locker.Release(context.WithoutCancel(ctx), lock.RunKey(runID)); err != nil {
		s.logger.Warn("release run lock", "pipeline_run_id", runID, "error", err)
	}
}

// Start moves an INITIAL run to RUNNING, creating its block runs first if
// none exist. It is a no-op for a run that is already RUNNING. A run whose
// pipeline cannot be loaded or whose block runs cannot be created is marked
// FAILED and false is returned. With schedule set, Start calls Schedule
// once the run is RUNNING.
func (s *RunScheduler) Start(ctx context.Context, runID string, schedule bool) (bool, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return false, err
	}
	switch run.Status {
	case model.RunStatusRunning:
		return true, nil
	case model.RunStatusInitial:
	default:
		return false, nil
	}

	ok, err := s.acquire(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		s.logger.Debug("run locked elsewhere, skipping start", "pipeline_run_id", runID)
		return false, nil
	}
	started, err := s.startLocked(ctx, runID)
	s.release(ctx, runID)
	if err != nil || !started || !schedule {
		return started, err
	}
	return true, s.Schedule(ctx, runID)
}

func (s *RunScheduler) startLocked(ctx context.Context, runID string) (bool, error) {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != model.RunStatusInitial {
		return run.Status == model.RunStatusRunning, nil
	}

	rs, err := s.load(ctx, run)
	if err != nil {
		if errors.Is(err, model.ErrPipelineNotFound) || errors.Is(err, model.ErrInvalidPipeline) {
			return false, s.failInitialization(ctx, run, err)
		}
		return false, err
	}

	if len(rs.blockRuns) == 0 {
		brs, err := s.initialBlockRuns(rs)
		if err == nil {
			err = s.write(ctx, func() error { return s.sc.Store.CreateBlockRuns(ctx, brs) })
		}
		if err != nil {
			return false, s.failInitialization(ctx, run, fmt.Errorf("create block runs: %w", err))
		}
		rs.blockRuns = brs
		rs.logger.Debug("block runs created", "count", len(brs))
	}

	now := s.sc.now()
	run.Status = model.RunStatusRunning
	run.StartedAt = &now
	run.UpdatedAt = now
	if run.ExecutorType == "" {
		run.ExecutorType = rs.pipeline.ExecutorType
	}
	ok, err := s.sc.Store.TransitionRun(ctx, run, model.RunStatusInitial)
	if err != nil {
		return false, fmt.Errorf("start run: %w", err)
	}
	if !ok {
		return false, nil
	}
	s.sc.Metrics.RunTransition(string(model.RunStatusRunning))
	rs.logger.Info("pipeline run started", "block_runs", len(rs.blockRuns))
	return true, nil
}

func (s *RunScheduler) failInitialization(ctx context.Context, run *model.PipelineRun, cause error) error {
	now := s.sc.now()
	run.Status = model.RunStatusFailed
	run.CompletedAt = &now
	run.UpdatedAt = now
	ok, err := s.sc.Store.TransitionRun(ctx, run, model.RunStatusInitial)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	if !ok {
		return nil
	}
	s.sc.Metrics.RunTransition(string(model.RunStatusFailed))
	logging.ForRun(s.logger, run).Error("pipeline run failed to initialize", "error", cause)
	s.sc.Notifier.RunFailure(ctx, run, cause.Error())
	return nil
}

// initialBlockRuns builds the block runs created eagerly at start: one per
// stream partition step for integration pipelines, otherwise one per block
// that is not downstream of a dynamic block.
func (s *RunScheduler) initialBlockRuns(rs *runState) ([]*model.BlockRun, error) {
	p, now := rs.pipeline, s.sc.now()
	var out []*model.BlockRun
	if p.IsIntegration() {
		chain := p.IntegrationChain()
		for _, stream := range p.Streams {
			for i := 0; i < stream.PartitionCount(); i++ {
				for _, b := range chain {
					out = append(out, newBlockRun(rs.run.ID, model.StreamBlockRunUUID(b.UUID, stream.ID, i), map[string]any{
						model.MetricStream:    stream.ID,
						model.MetricPartition: i,
					}, now))
				}
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: integration pipeline %s has no streams", model.ErrInvalidPipeline, p.UUID)
		}
		return out, nil
	}

	lazy := p.DynamicDescendants()
	for i := range p.Blocks {
		b := &p.Blocks[i]
		if lazy[b.UUID] {
			continue
		}
		out = append(out, newBlockRun(rs.run.ID, model.ReplicaBlockRunUUID(b), nil, now))
	}
	return out, nil
}

func newBlockRun(runID, blockUUID string, metrics map[string]any, now time.Time) *model.BlockRun {
	return &model.BlockRun{
		ID:            uuid.NewString(),
		PipelineRunID: runID,
		BlockUUID:     blockUUID,
		Status:        model.BlockRunStatusInitial,
		Metrics:       metrics,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Schedule advances a RUNNING run by one step: it settles the run if it is
// finished, timed out or failed, and otherwise lets the pipeline's strategy
// dispatch more work. If another process holds the run's lock, Schedule
// returns without doing anything.
func (s *RunScheduler) Schedule(ctx context.Context, runID string) error {
	ok, err := s.acquire(ctx, runID)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		s.logger.Debug("run locked elsewhere, skipping schedule", "pipeline_run_id", runID)
		return nil
	}
	defer s.release(ctx, runID)
	return s.scheduleLocked(ctx, runID)
}

func (s *RunScheduler) scheduleLocked(ctx context.Context, runID string) error {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusRunning {
		return nil
	}
	rs, err := s.load(ctx, run)
	if err != nil {
		return err
	}

	if stopped, err := s.heartbeat(ctx, rs); stopped || err != nil {
		return err
	}

	strategy := s.strategyFor(rs.pipeline)
	if !rs.pipeline.IsStreaming() {
		if done, err := s.settle(ctx, rs); done || err != nil {
			return err
		}
	}

	d, err := strategy.Advance(ctx, rs)
	if err != nil {
		return fmt.Errorf("%s strategy: %w", strategy.Name(), err)
	}
	if d.Dispatched > 0 || d.Recovered > 0 || d.Skipped > 0 {
		rs.logger.Debug("pipeline run advanced",
			"strategy", strategy.Name(),
			"dispatched", d.Dispatched,
			"recovered", d.Recovered,
			"skipped", d.Skipped,
			"waiting", d.Waiting,
		)
	}
	return nil
}

// settle moves the run to a terminal status when nothing is left to do, when
// its timeout elapsed, or when a block failed and failures are not allowed.
func (s *RunScheduler) settle(ctx context.Context, rs *runState) (bool, error) {
	if AllBlocksCompleted(rs.blockRuns, rs.allowFail) {
		status, reason := model.RunStatusCompleted, ""
		if failed := firstFailed(rs.blockRuns); failed != nil && !rs.allowFail {
			status, reason = model.RunStatusFailed, fmt.Sprintf("block %s failed", failed.BlockUUID)
		}
		return true, s.finish(ctx, rs, status, reason)
	}

	if rs.schedule != nil && rs.run.StartedAt != nil {
		if timeout := rs.schedule.TimeoutDuration(); timeout > 0 && s.sc.now().Sub(*rs.run.StartedAt) >= timeout {
			status := rs.schedule.TimeoutStatus()
			rs.logger.Warn("pipeline run timed out", "timeout", timeout, "status", status)
			ok, err := s.cancelBlockRunsAndJobs(ctx, rs, status)
			if ok && status == model.RunStatusFailed {
				s.sc.Notifier.RunFailure(ctx, rs.run, fmt.Sprintf("timed out after %s", timeout))
			}
			return true, err
		}
	}

	if failed := firstFailed(rs.blockRuns); failed != nil && !rs.allowFail {
		ok, err := s.cancelBlockRunsAndJobs(ctx, rs, model.RunStatusFailed)
		if ok {
			reason := fmt.Sprintf("block %s failed", failed.BlockUUID)
			if failed.Error != "" {
				reason += ": " + failed.Error
			}
			s.sc.Notifier.RunFailure(ctx, rs.run, reason)
		}
		return true, err
	}
	return false, nil
}

// finish records a terminal status for a run whose block runs are all done.
// Only the call that wins the transition notifies.
func (s *RunScheduler) finish(ctx context.Context, rs *runState, status model.RunStatus, reason string) error {
	run := rs.run
	if rs.pipeline.IsIntegration() {
		s.sc.Calculator.Apply(run, rs.blockRuns)
	}
	now := s.sc.now()
	run.Status = status
	run.CompletedAt = &now
	run.UpdatedAt = now

	var ok bool
	err := s.write(ctx, func() error {
		var err error
		ok, err = s.sc.Store.TransitionRun(ctx, run, model.RunStatusInitial, model.RunStatusRunning)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if !ok {
		return nil
	}
	s.sc.Metrics.RunTransition(string(status))
	rs.logger.Info("pipeline run finished", "status", status)

	if status == model.RunStatusCompleted {
		s.sc.Notifier.RunSuccess(ctx, run)
	} else {
		s.sc.Notifier.RunFailure(ctx, run, reason)
	}
	return s.afterTerminal(ctx, rs)
}

// afterTerminal deactivates a finished @once schedule and rolls the run's
// status up into its backfill.
func (s *RunScheduler) afterTerminal(ctx context.Context, rs *runState) error {
	sched := rs.schedule
	if sched == nil {
		return nil
	}
	if sched.ScheduleType == model.ScheduleTypeTime && sched.ScheduleInterval == model.ScheduleIntervalOnce &&
		sched.IsActive() && rs.run.BackfillID == "" {
		active, err := s.sc.Store.CountRuns(ctx, model.RunFilter{
			PipelineScheduleID: sched.ID,
			Statuses:           []model.RunStatus{model.RunStatusInitial, model.RunStatusRunning},
		})
		if err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		if active == 0 {
			if err := s.deactivate(ctx, sched); err != nil {
				return err
			}
			rs.logger.Info("once schedule deactivated")
		}
	}
	if rs.run.BackfillID != "" {
		return s.updateBackfill(ctx, rs.run.BackfillID, sched)
	}
	return nil
}

func (s *RunScheduler) deactivate(ctx context.Context, sched *model.PipelineSchedule) error {
	sched.Status = model.ScheduleStatusInactive
	sched.UpdatedAt = s.sc.now()
	if err := s.sc.Store.UpdateSchedule(ctx, sched); err != nil {
		return fmt.Errorf("deactivate schedule %s: %w", sched.ID, err)
	}
	return nil
}

func (s *RunScheduler) updateBackfill(ctx context.Context, backfillID string, sched *model.PipelineSchedule) error {
	bf, err := s.sc.Store.GetBackfill(ctx, backfillID)
	if err != nil {
		return fmt.Errorf("get backfill: %w", err)
	}
	if bf == nil {
		return nil
	}
	runs, err := s.sc.Store.ListRuns(ctx, model.RunFilter{BackfillID: backfillID})
	if err != nil {
		return fmt.Errorf("list backfill runs: %w", err)
	}
	status := model.AggregateBackfillStatus(runs)
	if status == bf.Status {
		return nil
	}
	bf.Status = status
	if status.IsTerminal() {
		now := s.sc.now()
		bf.CompletedAt = &now
	}
	if err := s.sc.Store.UpdateBackfill(ctx, bf); err != nil {
		return fmt.Errorf("update backfill: %w", err)
	}
	s.logger.Info("backfill status changed", "backfill_id", bf.ID, "status", status)
	if status == model.BackfillStatusCompleted && sched.IsActive() {
		return s.deactivate(ctx, sched)
	}
	return nil
}

// Stop cancels a run. It is shorthand for CancelBlockRunsAndJobs with CANCELLED.
func (s *RunScheduler) Stop(ctx context.Context, runID string) error {
	return s.CancelBlockRunsAndJobs(ctx, runID, model.RunStatusCancelled)
}

// CancelBlockRunsAndJobs moves an INITIAL or RUNNING run to status, cancels
// every unfinished block run, and kills the jobs executing them. Other runs
// are left alone. The run's lock is awaited briefly so a concurrent schedule
// pass does not dispatch into a cancelled run.
func (s *RunScheduler) CancelBlockRunsAndJobs(ctx context.Context, runID string, status model.RunStatus) error {
	if !status.IsTerminal() {
		return model.NewValidationError(fmt.Sprintf("status %q is not terminal", status))
	}
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsActive() {
		return nil
	}

	err = retry.Do(ctx, retry.Policy{Attempts: 5, Delay: 100 * time.Millisecond, MaxDelay: time.Second}, func() error {
		ok, err := s.acquire(ctx, runID)
		if err != nil {
			return retry.Permanent(err)
		}
		if !ok {
			return errRunLocked
		}
		return nil
	})
	switch {
	case err == nil:
		defer s.release(ctx, runID)
	case errors.Is(err, errRunLocked):
		s.logger.Warn("cancelling run without its lock", "pipeline_run_id", runID)
	default:
		return fmt.Errorf("acquire run lock: %w", err)
	}

	run, err = s.getRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsActive() {
		return nil
	}
	rs, err := s.load(ctx, run)
	if err != nil {
		// The pipeline may be gone; block jobs can still be killed by id.
		brs, lerr := s.sc.Store.ListBlockRuns(ctx, run.ID)
		if lerr != nil {
			return lerr
		}
		rs = &runState{run: run, pipeline: &model.Pipeline{UUID: run.PipelineUUID}, blockRuns: brs, logger: logging.ForRun(s.logger, run)}
		if run.PipelineScheduleID != "" {
			rs.schedule, _ = s.sc.Store.GetSchedule(ctx, run.PipelineScheduleID)
		}
	}
	_, err = s.cancelBlockRunsAndJobs(ctx, rs, status)
	return err
}

func (s *RunScheduler) cancelBlockRunsAndJobs(ctx context.Context, rs *runState, status model.RunStatus) (bool, error) {
	run := rs.run
	now := s.sc.now()
	run.Status = status
	run.CompletedAt = &now
	run.UpdatedAt = now
	ok, err := s.sc.Store.TransitionRun(ctx, run, model.RunStatusInitial, model.RunStatusRunning)
	if err != nil {
		return false, fmt.Errorf("cancel run: %w", err)
	}
	if !ok {
		return false, nil
	}
	s.sc.Metrics.RunTransition(string(status))
	rs.logger.Info("pipeline run stopped", "status", status)

	var open []*model.BlockRun
	for _, br := range rs.blockRuns {
		if !br.Status.IsTerminal() {
			open = append(open, br)
		}
	}
	if err := s.write(ctx, func() error {
		return s.sc.Store.UpdateBlockRunStatuses(ctx, idsOf(open), model.BlockRunStatusCancelled, &now,
			model.BlockRunSources(model.BlockRunStatusCancelled)...)
	}); err != nil {
		return true, fmt.Errorf("cancel block runs: %w", err)
	}

	p := rs.pipeline
	if p.IsIntegration() || p.RunsInOneProcess() {
		s.killJob(ctx, jobqueue.JobID(jobqueue.KindPipelineRun, run.ID))
		for _, stream := range p.Streams {
			s.killJob(ctx, jobqueue.StreamJobID(run.ID, stream.ID))
		}
	} else {
		for _, br := range open {
			if br.Status.IsInFlight() {
				s.killJob(ctx, jobqueue.JobID(jobqueue.KindBlockRun, br.ID))
			}
		}
	}
	for _, br := range open {
		br.Status = model.BlockRunStatusCancelled
		br.CompletedAt = &now
	}
	return true, s.afterTerminal(ctx, rs)
}

func (s *RunScheduler) killJob(ctx context.Context, jobID string) {
	if err := s.sc.Queue.KillJob(ctx, jobID); err != nil {
		s.logger.Warn("kill job", "job_id", jobID, "error", err)
	}
}

// heartbeat samples memory and load. At or above the memory threshold the
// run is cancelled and a failure notification is sent.
func (s *RunScheduler) heartbeat(ctx context.Context, rs *runState) (bool, error) {
	if s.sc.Probe == nil {
		return false, nil
	}
	sample, err := s.sc.Probe.Sample(ctx)
	if err != nil {
		rs.logger.Debug("resource sample failed", "error", err)
		return false, nil
	}
	ratio := sample.MemoryRatio()
	s.sc.Metrics.SetMemoryUsage(ratio)
	beat := map[string]any{
		"time":         s.sc.now().Format(time.RFC3339),
		"memory_ratio": ratio,
		"load1":        sample.Load1,
	}
	rs.run.SetMetric(model.MetricHeartbeat, beat)
	if err := s.sc.Store.SetRunMetric(ctx, rs.run.ID, model.MetricHeartbeat, beat); err != nil {
		rs.logger.Warn("record heartbeat", "error", err)
	}

	if ratio < s.sc.Config.MemoryThreshold {
		return false, nil
	}
	rs.logger.Warn("memory usage over threshold, stopping run",
		"memory_ratio", ratio, "threshold", s.sc.Config.MemoryThreshold)
	ok, err := s.cancelBlockRunsAndJobs(ctx, rs, model.RunStatusCancelled)
	if ok {
		s.sc.Notifier.RunFailure(ctx, rs.run,
			fmt.Sprintf("memory usage %.0f%% exceeds %.0f%%", ratio*100, s.sc.Config.MemoryThreshold*100))
	}
	return true, err
}

// blockVariables merges pipeline variables, run variables and the run's
// identity into the variables handed to a block.
func blockVariables(rs *runState) map[string]any {
	vars := make(map[string]any)
	maps.Copy(vars, rs.pipeline.Variables)
	maps.Copy(vars, rs.run.Variables)
	vars["execution_date"] = rs.run.ExecutionDate.UTC().Format(time.RFC3339)
	vars[model.VariableExecutionPartition] = rs.run.ExecutionPartition()
	if len(rs.run.EventVariables) > 0 {
		vars["event"] = rs.run.EventVariables
	}
	return vars
}

// buildRequest assembles the executor request for one block run. Fan-out
// children receive their element of the parent's output; blocks downstream
// of a fan-out receive the outputs of all their dynamic upstreams.
func buildRequest(rs *runState, block *model.Block, br *model.BlockRun) executor.Request {
	req := executor.Request{
		PipelineUUID:       rs.pipeline.UUID,
		PipelineRunID:      rs.run.ID,
		BlockRunID:         br.ID,
		BlockRunUUID:       br.BlockUUID,
		Block:              block,
		ExecutionDate:      rs.run.ExecutionDate,
		ExecutionPartition: rs.run.ExecutionPartition(),
		Variables:          blockVariables(rs),
		RetryConfig:        block.RetryConfig,
	}
	if req.RetryConfig == nil {
		req.RetryConfig = rs.pipeline.RetryConfig
	}

	dyn := br.DynamicUpstreamBlockUUIDs()
	if len(dyn) == 0 {
		return req
	}
	byUUID := BuildBlockRunsByUUID(rs.blockRuns)
	if idx, ok := dynamicIndex(br); ok && len(dyn) == 1 {
		if parent := byUUID[dyn[0]]; parent != nil && idx < len(parent.Output) {
			req.Input = parent.Output[idx]
		}
		return req
	}
	inputs := make([]any, 0, len(dyn))
	for _, u := range dyn {
		if up := byUUID[u]; up != nil {
			inputs = append(inputs, up.Output)
		}
	}
	req.Input = inputs
	return req
}

func dynamicIndex(br *model.BlockRun) (int, bool) {
	switch v := br.Metrics[model.MetricDynamicBlockIndex].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
