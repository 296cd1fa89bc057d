package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/me/pipesched/internal/jobqueue"
	"github.com/me/pipesched/internal/trigger"
	"github.com/me/pipesched/pkg/model"
)

// errStopStreams ends a stream job early without reporting an error.
var errStopStreams = errors.New("stop streams")

// integrationStrategy runs an integration pipeline stream by stream. Each
// parallel stream gets its own job; sequential streams share the run's
// pipeline job and execute in declared order.
type integrationStrategy struct{ s *RunScheduler }

func (is *integrationStrategy) Name() string { return "integration" }

func (is *integrationStrategy) Advance(ctx context.Context, rs *runState) (Decision, error) {
	s := is.s
	var d Decision
	p, runID := rs.pipeline, rs.run.ID

	parallel := make(map[string]bool, len(p.Streams))
	for _, stream := range p.Streams {
		parallel[stream.ID] = stream.Parallel
	}
	streamJob := func(stream string) string {
		if parallel[stream] {
			return jobqueue.StreamJobID(runID, stream)
		}
		return jobqueue.JobID(jobqueue.KindPipelineRun, runID)
	}

	recovered, err := s.sc.Recoverer.RecoverWith(ctx, p, rs.blockRuns, func(ctx context.Context, br *model.BlockRun) (bool, error) {
		return s.sc.Queue.HasJob(ctx, streamJob(model.ParseBlockRunUUID(br.BlockUUID).Stream))
	})
	if err != nil {
		return d, fmt.Errorf("recover block runs: %w", err)
	}
	d.Recovered = len(recovered)
	if d.Recovered > 0 {
		s.sc.Metrics.BlockRunsRecovered(d.Recovered, 0)
	}
	if done, err := s.settle(ctx, rs); done || err != nil {
		return d, err
	}

	pending := make(map[string]bool)
	for _, br := range rs.blockRuns {
		if !br.Status.IsTerminal() {
			pending[model.ParseBlockRunUUID(br.BlockUUID).Stream] = true
		}
	}

	var sequential []string
	for _, stream := range p.Streams {
		if !pending[stream.ID] {
			continue
		}
		if !stream.Parallel {
			sequential = append(sequential, stream.ID)
			continue
		}
		streams := []string{stream.ID}
		ok, err := s.sc.Queue.Enqueue(ctx, streamJob(stream.ID), func(jctx context.Context) error {
			return s.runStreamsJob(jctx, runID, streams)
		})
		if err != nil {
			return d, fmt.Errorf("enqueue stream %s: %w", stream.ID, err)
		}
		if ok {
			d.Dispatched++
		}
	}
	if len(sequential) > 0 {
		ok, err := s.sc.Queue.Enqueue(ctx, streamJob(sequential[0]), func(jctx context.Context) error {
			return s.runStreamsJob(jctx, runID, sequential)
		})
		if err != nil {
			return d, fmt.Errorf("enqueue sequential streams: %w", err)
		}
		if ok {
			d.Dispatched++
		}
	}
	s.sc.Metrics.BlocksDispatched(d.Dispatched)
	return d, nil
}

// runStreamsJob executes the given streams one after another, then schedules
// the run so it can settle.
func (s *RunScheduler) runStreamsJob(ctx context.Context, runID string, streams []string) error {
	for _, stream := range streams {
		err := s.runStream(ctx, runID, stream)
		if errors.Is(err, errStopStreams) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream %s: %w", stream, err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return s.Schedule(ctx, runID)
}

// runStream executes every partition of one stream. Within a partition the
// loader, transformers and exporter run in order; completed steps are
// skipped, and the steps after a failed one are marked UPSTREAM_FAILED.
func (s *RunScheduler) runStream(ctx context.Context, runID, stream string) error {
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusRunning {
		return errStopStreams
	}
	rs, err := s.load(ctx, run)
	if err != nil {
		return err
	}

	extra := map[string]any{"stream": stream}
	if rs.schedule != nil {
		w, err := trigger.WindowFor(rs.schedule, run.ExecutionDate)
		if err != nil {
			return fmt.Errorf("runtime window: %w", err)
		}
		for k, v := range w.Variables(run.ExecutionPartition()) {
			extra[k] = v
		}
	}

	byUUID := BuildBlockRunsByUUID(rs.blockRuns)
	partitions := make(map[int]bool)
	for _, br := range rs.blockRuns {
		if u := model.ParseBlockRunUUID(br.BlockUUID); u.Stream == stream && u.HasIndex() {
			partitions[u.Index] = true
		}
	}
	indexes := make([]int, 0, len(partitions))
	for i := range partitions {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	cb := &runCallbacks{s: s, runID: runID}
	chain := rs.pipeline.IntegrationChain()
	for _, idx := range indexes {
		var steps []*model.BlockRun
		for _, b := range chain {
			if br := byUUID[model.StreamBlockRunUUID(b.UUID, stream, idx)]; br != nil {
				steps = append(steps, br)
			}
		}
		extra["partition"] = idx

		for i, br := range steps {
			if br.Status == model.BlockRunStatusCompleted {
				continue
			}
			if br.Status.IsTerminal() {
				if err := s.skipSteps(ctx, steps[i+1:]); err != nil {
					return err
				}
				break
			}

			if err := s.executeBlock(ctx, rs, br, extra, cb); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			done, err := s.sc.Store.GetBlockRun(ctx, br.ID)
			if err != nil {
				return fmt.Errorf("reload block run: %w", err)
			}
			if done.Status != model.BlockRunStatusCompleted {
				if err := s.skipSteps(ctx, steps[i+1:]); err != nil {
					return err
				}
				if !rs.allowFail {
					return errStopStreams
				}
				break
			}
			if b := rs.pipeline.BlockForRun(br.BlockUUID); b != nil &&
				(b.Type == model.BlockTypeDataLoader || b.Type == model.BlockTypeDataExporter) {
				s.refreshRunMetrics(ctx, runID)
			}
		}
	}
	return nil
}

// skipSteps marks the unfinished steps of a partition UPSTREAM_FAILED.
func (s *RunScheduler) skipSteps(ctx context.Context, steps []*model.BlockRun) error {
	var open []*model.BlockRun
	for _, br := range steps {
		if !br.Status.IsTerminal() {
			br.Status = model.BlockRunStatusUpstreamFailed
			open = append(open, br)
		}
	}
	return s.persistStatuses(ctx, open)
}
