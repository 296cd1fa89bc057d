package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/me/pipesched/internal/executor"
	"github.com/me/pipesched/internal/jobqueue"
	"github.com/me/pipesched/internal/logging"
	"github.com/me/pipesched/pkg/model"
)

// OnBlockComplete records a block run's success and schedules the run again.
func (s *RunScheduler) OnBlockComplete(ctx context.Context, runID, blockRunUUID string, res executor.Result) error {
	if err := s.OnBlockCompleteWithoutSchedule(ctx, runID, blockRunUUID, res); err != nil {
		return err
	}
	return s.Schedule(ctx, runID)
}

// OnBlockCompleteWithoutSchedule marks the block run COMPLETED and stores its
// output. When the block is dynamic, the block runs of its fan-out children
// and their descendants are created from the output in the same write, so no
// scheduling pass can observe the parent done before its children exist. A
// block run that already finished is left alone.
func (s *RunScheduler) OnBlockCompleteWithoutSchedule(ctx context.Context, runID, blockRunUUID string, res executor.Result) error {
	br, err := s.getBlockRun(ctx, runID, blockRunUUID)
	if err != nil {
		return err
	}
	if !br.Status.CanTransitionTo(model.BlockRunStatusCompleted) {
		logging.ForBlockRun(s.logger, br).Debug("ignoring completion", "status", br.Status)
		return nil
	}

	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}
	rs, err := s.load(ctx, run)
	if err != nil {
		return err
	}

	now := s.sc.now()
	br.Status = model.BlockRunStatusCompleted
	br.CompletedAt = &now
	br.UpdatedAt = now
	br.Output = res.Output
	if len(res.Metrics) > 0 {
		if br.Metrics == nil {
			br.Metrics = make(map[string]any, len(res.Metrics))
		}
		maps.Copy(br.Metrics, res.Metrics)
	}

	var children []*model.BlockRun
	if b := rs.pipeline.BlockForRun(br.BlockUUID); b != nil && b.Dynamic {
		children = s.fanOut(rs, br)
	}

	var ok bool
	err = s.write(ctx, func() (err error) {
		ok, err = s.sc.Store.CompleteBlockRun(ctx, br, children, model.BlockRunSources(model.BlockRunStatusCompleted)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete block run: %w", err)
	}
	if !ok {
		logging.ForBlockRun(s.logger, br).Debug("ignoring completion, block run changed concurrently")
		return nil
	}
	logging.ForBlockRun(s.logger, br).Info("block run completed")
	if len(children) > 0 {
		rs.blockRuns = append(rs.blockRuns, children...)
		rs.logger.Info("dynamic block fanned out", "block_uuid", br.BlockUUID,
			"elements", len(br.Output), "block_runs", len(children))
	}
	return nil
}

// OnBlockFailure marks the block run FAILED. For an integration pipeline that
// does not allow failures, the run's stream jobs are killed and its stream
// metrics refreshed.
func (s *RunScheduler) OnBlockFailure(ctx context.Context, runID, blockRunUUID string, cause error) error {
	br, err := s.getBlockRun(ctx, runID, blockRunUUID)
	if err != nil {
		return err
	}
	if !br.Status.CanTransitionTo(model.BlockRunStatusFailed) {
		logging.ForBlockRun(s.logger, br).Debug("ignoring failure", "status", br.Status)
		return nil
	}

	now := s.sc.now()
	br.Status = model.BlockRunStatusFailed
	br.CompletedAt = &now
	br.UpdatedAt = now
	if cause != nil {
		br.Error = cause.Error()
	}
	var ok bool
	err = s.write(ctx, func() (err error) {
		ok, err = s.sc.Store.TransitionBlockRun(ctx, br, model.BlockRunSources(model.BlockRunStatusFailed)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("fail block run: %w", err)
	}
	if !ok {
		logging.ForBlockRun(s.logger, br).Debug("ignoring failure, block run changed concurrently")
		return nil
	}
	logging.ForBlockRun(s.logger, br).Warn("block run failed", "error", br.Error)

	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}
	rs, err := s.load(ctx, run)
	if err != nil {
		return err
	}
	if rs.pipeline.IsIntegration() && !rs.allowFail {
		s.refreshRunMetrics(ctx, run.ID)
		s.killJob(ctx, jobqueue.JobID(jobqueue.KindPipelineRun, run.ID))
		for _, stream := range rs.pipeline.Streams {
			s.killJob(ctx, jobqueue.StreamJobID(run.ID, stream.ID))
		}
	}
	return nil
}

func (s *RunScheduler) getBlockRun(ctx context.Context, runID, blockRunUUID string) (*model.BlockRun, error) {
	br, err := s.sc.Store.GetBlockRunByUUID(ctx, runID, blockRunUUID)
	if err != nil {
		return nil, fmt.Errorf("get block run %s: %w", blockRunUUID, err)
	}
	if br == nil {
		return nil, model.NewNotFoundError("block run", blockRunUUID)
	}
	return br, nil
}

// refreshRunMetrics recomputes a run's aggregated metrics. Failures are logged.
func (s *RunScheduler) refreshRunMetrics(ctx context.Context, runID string) {
	run, err := s.sc.Store.GetRun(ctx, runID)
	if err != nil || run == nil {
		s.logger.Warn("refresh run metrics", "pipeline_run_id", runID, "error", err)
		return
	}
	brs, err := s.sc.Store.ListBlockRuns(ctx, runID)
	if err != nil {
		s.logger.Warn("refresh run metrics", "pipeline_run_id", runID, "error", err)
		return
	}
	s.sc.Calculator.Apply(run, brs)
	if err := s.sc.Store.UpdateRunMetrics(ctx, runID, run.Metrics); err != nil {
		s.logger.Warn("refresh run metrics", "pipeline_run_id", runID, "error", err)
	}
}

// fanOut builds one block run per output element for every child of the
// dynamic block run parent, then one block run for every further descendant.
// Descendants wait on all fan-out copies of their upstream blocks. Block runs
// that already exist are skipped, so a repeated completion is harmless.
func (s *RunScheduler) fanOut(rs *runState, parent *model.BlockRun) []*model.BlockRun {
	p := rs.pipeline
	block := p.BlockForRun(parent.BlockUUID)
	children := p.FanOutChildren(block.UUID)
	if len(children) == 0 {
		return nil
	}
	n := len(parent.Output)
	if n == 0 {
		rs.logger.Info("dynamic block produced no output, nothing to fan out", "block_uuid", parent.BlockUUID)
		return nil
	}

	existing := BuildBlockRunsByUUID(rs.blockRuns)
	now := s.sc.now()
	var created []*model.BlockRun
	add := func(uuid string, metrics map[string]any) {
		if _, ok := existing[uuid]; ok {
			return
		}
		br := newBlockRun(rs.run.ID, uuid, metrics, now)
		existing[uuid] = br
		created = append(created, br)
	}

	copies := make(map[string][]string, len(children))
	for _, child := range children {
		for i := 0; i < n; i++ {
			uuid := model.FanOutBlockRunUUID(child, i)
			copies[child] = append(copies[child], uuid)
			add(uuid, map[string]any{
				model.MetricDynamicUpstreamBlockUUIDs: []string{parent.BlockUUID},
				model.MetricDynamicBlockIndex:         i,
			})
		}
	}

	for _, uuid := range descendantsOf(p, children) {
		b := p.GetBlock(uuid)
		var ups []string
		for _, u := range b.UpstreamBlocks {
			if c, ok := copies[u]; ok {
				ups = append(ups, c...)
			} else {
				ups = append(ups, u)
			}
		}
		add(uuid, map[string]any{model.MetricDynamicUpstreamBlockUUIDs: ups})
	}
	return created
}

// descendantsOf returns every block strictly downstream of roots in
// breadth-first order, excluding the roots.
func descendantsOf(p *model.Pipeline, roots []string) []string {
	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		seen[r] = true
	}
	var out []string
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		b := p.GetBlock(queue[0])
		queue = queue[1:]
		if b == nil {
			continue
		}
		for _, d := range b.DownstreamBlocks {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
				queue = append(queue, d)
			}
		}
	}
	return out
}

// Callbacks returns the executor callbacks that report block results of
// runID back into the scheduler.
func (s *RunScheduler) Callbacks(runID string) executor.Callbacks {
	return &runCallbacks{s: s, runID: runID, schedule: true}
}

type runCallbacks struct {
	s        *RunScheduler
	runID    string
	schedule bool
}

func (c *runCallbacks) OnComplete(ctx context.Context, blockRunUUID string, res executor.Result) error {
	if !c.schedule {
		return c.s.OnBlockCompleteWithoutSchedule(ctx, c.runID, blockRunUUID, res)
	}
	return c.s.OnBlockComplete(ctx, c.runID, blockRunUUID, res)
}

func (c *runCallbacks) OnFailure(ctx context.Context, blockRunUUID string, cause error) error {
	if err := c.s.OnBlockFailure(ctx, c.runID, blockRunUUID, cause); err != nil {
		return err
	}
	if !c.schedule {
		return nil
	}
	return c.s.Schedule(ctx, c.runID)
}

// runBlockJob is the body of a block_run job. It executes one QUEUED block
// run of a RUNNING pipeline run and reports the result through the callbacks.
func (s *RunScheduler) runBlockJob(ctx context.Context, runID, blockRunID string) error {
	br, err := s.sc.Store.GetBlockRun(ctx, blockRunID)
	if err != nil {
		return fmt.Errorf("get block run: %w", err)
	}
	if br == nil || br.Status != model.BlockRunStatusQueued {
		return nil
	}
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
	return s.executeBlock(ctx, rs, br, nil, s.Callbacks(runID))
}

// executeBlock marks br RUNNING and executes it with the run's executor.
// extra variables are layered over the block variables. A block run that is
// no longer INITIAL or QUEUED in the store, for example because the run was
// cancelled, is not executed.
func (s *RunScheduler) executeBlock(ctx context.Context, rs *runState, br *model.BlockRun, extra map[string]any, cb executor.Callbacks) error {
	block := rs.pipeline.BlockForRun(br.BlockUUID)
	if block == nil {
		return cb.OnFailure(ctx, br.BlockUUID, fmt.Errorf("%w: block %s not in pipeline", model.ErrInvalidPipeline, br.BlockUUID))
	}

	now := s.sc.now()
	br.Status = model.BlockRunStatusRunning
	br.StartedAt = &now
	br.UpdatedAt = now
	var ok bool
	err := s.write(ctx, func() (err error) {
		ok, err = s.sc.Store.TransitionBlockRun(ctx, br, model.BlockRunStatusInitial, model.BlockRunStatusQueued)
		return err
	})
	if err != nil {
		return fmt.Errorf("start block run: %w", err)
	}
	if !ok {
		logging.ForBlockRun(s.logger, br).Debug("not starting block run, status changed concurrently")
		return nil
	}

	req := buildRequest(rs, block, br)
	maps.Copy(req.Variables, extra)

	exec, err := s.sc.Executors.Get(rs.run.ExecutorType)
	if err != nil {
		return cb.OnFailure(ctx, br.BlockUUID, err)
	}
	err = executor.Execute(ctx, exec, req, cb, logging.ForBlockRun(s.logger, br))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
