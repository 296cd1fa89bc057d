package scheduler

import (
	"context"
	"fmt"

	"github.com/me/pipesched/internal/concurrency"
	"github.com/me/pipesched/internal/condition"
	"github.com/me/pipesched/internal/jobqueue"
	"github.com/me/pipesched/internal/logging"
	"github.com/me/pipesched/pkg/model"
)

// Decision summarizes what one Advance call did.
type Decision struct {
	Dispatched int
	Recovered  int
	Skipped    int
	Waiting    int
}

// Strategy advances a RUNNING run by one step according to how its pipeline
// executes.
type Strategy interface {
	Name() string
	Advance(ctx context.Context, rs *runState) (Decision, error)
}

func (s *RunScheduler) strategyFor(p *model.Pipeline) Strategy {
	switch {
	case p.IsIntegration():
		return &integrationStrategy{s: s}
	case p.RunsInOneProcess():
		return &singleProcessStrategy{s: s}
	default:
		return &batchStrategy{s: s}
	}
}

// batchStrategy dispatches every eligible block run as its own job.
type batchStrategy struct{ s *RunScheduler }

func (b *batchStrategy) Name() string { return "batch" }

func (b *batchStrategy) Advance(ctx context.Context, rs *runState) (Decision, error) {
	s := b.s
	var d Decision

	failedBefore := countStatus(rs.blockRuns, model.BlockRunStatusFailed)
	recovered, err := s.sc.Recoverer.Recover(ctx, rs.pipeline, rs.blockRuns)
	if err != nil {
		return d, fmt.Errorf("recover block runs: %w", err)
	}
	d.Recovered = len(recovered)
	if failed := countStatus(rs.blockRuns, model.BlockRunStatusFailed) - failedBefore; d.Recovered > 0 || failed > 0 {
		s.sc.Metrics.BlockRunsRecovered(d.Recovered, failed)
		if failed > 0 {
			if done, err := s.settle(ctx, rs); done || err != nil {
				return d, err
			}
		}
	}

	eligible, skipped, err := s.selectBlockRuns(ctx, rs)
	if err != nil {
		return d, err
	}
	d.Skipped = skipped

	inFlight := countInFlight(rs.blockRuns)
	n := concurrency.BlockSlots(rs.pipeline.Concurrency.BlockRunLimit, inFlight, len(eligible))
	d.Waiting = len(eligible) - n
	d.Dispatched, err = s.dispatch(ctx, rs, eligible[:n])
	if err != nil {
		return d, err
	}

	if d.Dispatched == 0 && inFlight == 0 && skipped > 0 {
		_, err = s.settle(ctx, rs)
	}
	return d, err
}

// selectBlockRuns propagates upstream failures, evaluates block conditions
// and returns the block runs ready to execute along with the number skipped.
func (s *RunScheduler) selectBlockRuns(ctx context.Context, rs *runState) ([]*model.BlockRun, int, error) {
	skipped := PropagateFailures(rs.pipeline, rs.blockRuns, rs.allowFail)
	if err := s.persistStatuses(ctx, skipped); err != nil {
		return nil, 0, err
	}

	var ready []*model.BlockRun
	conditionFailed := 0
	for _, br := range EligibleBlockRuns(rs.pipeline, rs.blockRuns, rs.allowFail) {
		ok, err := s.checkCondition(ctx, rs, br)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			ready = append(ready, br)
		} else {
			conditionFailed++
		}
	}
	if conditionFailed == 0 {
		return ready, len(skipped), nil
	}

	more := PropagateFailures(rs.pipeline, rs.blockRuns, rs.allowFail)
	if err := s.persistStatuses(ctx, more); err != nil {
		return nil, 0, err
	}
	return ready, len(skipped) + conditionFailed + len(more), nil
}

// checkCondition evaluates the block's condition. A false condition marks the
// block run CONDITION_FAILED; an evaluation error marks it FAILED.
func (s *RunScheduler) checkCondition(ctx context.Context, rs *runState, br *model.BlockRun) (bool, error) {
	block := rs.pipeline.BlockForRun(br.BlockUUID)
	if block == nil || block.Condition == "" {
		return true, nil
	}
	ok, err := s.sc.Conditions.Evaluate(block.Condition, condition.Context{
		Variables:     blockVariables(rs),
		Event:         rs.run.EventVariables,
		ExecutionDate: rs.run.ExecutionDate,
		BlockUUID:     br.BlockUUID,
	})
	if err == nil && ok {
		return true, nil
	}

	now := s.sc.now()
	br.CompletedAt = &now
	br.UpdatedAt = now
	if err != nil {
		br.Status = model.BlockRunStatusFailed
		br.Error = fmt.Sprintf("evaluate condition: %v", err)
	} else {
		br.Status = model.BlockRunStatusConditionFailed
	}
	if err := s.write(ctx, func() (err error) {
		_, err = s.sc.Store.TransitionBlockRun(ctx, br, model.BlockRunStatusInitial)
		return err
	}); err != nil {
		return false, fmt.Errorf("record condition result: %w", err)
	}
	logging.ForBlockRun(s.logger, br).Info("block skipped by condition", "status", br.Status, "error", br.Error)
	return false, nil
}

// persistStatuses writes the statuses of changed block runs, one statement per
// status. Rows that can no longer move to their new status are left as stored.
func (s *RunScheduler) persistStatuses(ctx context.Context, changed []*model.BlockRun) error {
	if len(changed) == 0 {
		return nil
	}
	now := s.sc.now()
	groups := make(map[model.BlockRunStatus][]*model.BlockRun)
	for _, br := range changed {
		groups[br.Status] = append(groups[br.Status], br)
	}
	for status, brs := range groups {
		err := s.write(ctx, func() error {
			return s.sc.Store.UpdateBlockRunStatuses(ctx, idsOf(brs), status, &now, model.BlockRunSources(status)...)
		})
		if err != nil {
			return fmt.Errorf("mark block runs %s: %w", status, err)
		}
	}
	return nil
}

// dispatch queues each block run and enqueues its job.
func (s *RunScheduler) dispatch(ctx context.Context, rs *runState, brs []*model.BlockRun) (int, error) {
	if len(brs) == 0 {
		return 0, nil
	}
	if err := s.write(ctx, func() error {
		return s.sc.Store.UpdateBlockRunStatuses(ctx, idsOf(brs), model.BlockRunStatusQueued, nil,
			model.BlockRunStatusInitial)
	}); err != nil {
		return 0, fmt.Errorf("queue block runs: %w", err)
	}

	runID := rs.run.ID
	n := 0
	for _, br := range brs {
		br.Status = model.BlockRunStatusQueued
		brID := br.ID
		_, err := s.sc.Queue.Enqueue(ctx, jobqueue.JobID(jobqueue.KindBlockRun, brID), func(jctx context.Context) error {
			return s.runBlockJob(jctx, runID, brID)
		})
		if err != nil {
			// Left QUEUED without a job; crash recovery resets it.
			logging.ForBlockRun(rs.logger, br).Error("enqueue block run", "error", err)
			continue
		}
		n++
	}
	s.sc.Metrics.BlocksDispatched(n)
	return n, nil
}

// singleProcessStrategy runs the whole pipeline inside one job.
type singleProcessStrategy struct{ s *RunScheduler }

func (sp *singleProcessStrategy) Name() string { return "single_process" }

func (sp *singleProcessStrategy) Advance(ctx context.Context, rs *runState) (Decision, error) {
	s := sp.s
	var d Decision
	jobID := jobqueue.JobID(jobqueue.KindPipelineRun, rs.run.ID)
	alive, err := s.sc.Queue.HasJob(ctx, jobID)
	if err != nil {
		return d, fmt.Errorf("check pipeline job: %w", err)
	}
	if alive {
		return d, nil
	}

	// With the job gone, anything still in flight was orphaned by it.
	recovered, err := s.sc.Recoverer.RecoverWith(ctx, rs.pipeline, rs.blockRuns, func(context.Context, *model.BlockRun) (bool, error) {
		return false, nil
	})
	if err != nil {
		return d, fmt.Errorf("recover block runs: %w", err)
	}
	d.Recovered = len(recovered)

	if done, err := s.settle(ctx, rs); done || err != nil {
		return d, err
	}

	runID := rs.run.ID
	ok, err := s.sc.Queue.Enqueue(ctx, jobID, func(jctx context.Context) error {
		return s.runPipelineJob(jctx, runID)
	})
	if err != nil {
		return d, fmt.Errorf("enqueue pipeline job: %w", err)
	}
	if ok {
		d.Dispatched = 1
		s.sc.Metrics.BlocksDispatched(countStatus(rs.blockRuns, model.BlockRunStatusInitial))
	}
	return d, nil
}

// runPipelineJob executes every block of the run in dependency order in the
// calling goroutine, then schedules the run once more.
func (s *RunScheduler) runPipelineJob(ctx context.Context, runID string) error {
	cb := &runCallbacks{s: s, runID: runID}
	for {
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
		if !rs.allowFail && firstFailed(rs.blockRuns) != nil {
			break
		}
		ready, _, err := s.selectBlockRuns(ctx, rs)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			break
		}
		for _, br := range ready {
			if err := s.executeBlock(ctx, rs, br, nil, cb); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
	return s.Schedule(context.WithoutCancel(ctx), runID)
}

func countStatus(brs []*model.BlockRun, status model.BlockRunStatus) int {
	n := 0
	for _, br := range brs {
		if br.Status == status {
			n++
		}
	}
	return n
}
