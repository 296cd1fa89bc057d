// Package recovery finds block runs whose backing job vanished and either
// resets them for another attempt or fails them.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/pipesched/internal/jobqueue"
	"github.com/me/pipesched/internal/retry"
	"github.com/me/pipesched/pkg/model"
)

// StatusWriter is the store capability recovery needs.
type StatusWriter interface {
	UpdateBlockRunStatuses(ctx context.Context, ids []string, status model.BlockRunStatus, completedAt *time.Time, from ...model.BlockRunStatus) error
}

// Recoverer detects orphaned block runs through Job Queue liveness.
type Recoverer struct {
	store          StatusWriter
	queue          jobqueue.Queue
	defaultRetries int
	now            func() time.Time
	logger         *slog.Logger
}

// New creates a Recoverer. defaultRetries is the repository-level budget used
// when neither the block nor the pipeline configures one.
func New(store StatusWriter, queue jobqueue.Queue, defaultRetries int, logger *slog.Logger) *Recoverer {
	return &Recoverer{
		store:          store,
		queue:          queue,
		defaultRetries: defaultRetries,
		now:            time.Now,
		logger:         logger.With("component", "recovery"),
	}
}

// RetryBudget resolves the effective retry count: block, then pipeline, then
// the repository default.
func RetryBudget(p *model.Pipeline, b *model.Block, defaultRetries int) int {
	if b != nil && b.RetryConfig != nil {
		return b.RetryConfig.Retries
	}
	if p != nil && p.RetryConfig != nil {
		return p.RetryConfig.Retries
	}
	return defaultRetries
}

// Liveness reports whether the job backing a block run still exists.
type Liveness func(ctx context.Context, br *model.BlockRun) (bool, error)

// Recover checks every QUEUED or RUNNING block run for a live block_run job.
// Orphans with a positive retry budget go back to INITIAL and are returned;
// the rest are marked FAILED. A positive budget only gates the reset and is
// not consumed. Only rows still QUEUED or RUNNING in the store are written.
// The passed block runs are updated in place.
func (r *Recoverer) Recover(ctx context.Context, p *model.Pipeline, blockRuns []*model.BlockRun) ([]*model.BlockRun, error) {
	return r.RecoverWith(ctx, p, blockRuns, func(ctx context.Context, br *model.BlockRun) (bool, error) {
		return r.queue.HasJob(ctx, jobqueue.JobID(jobqueue.KindBlockRun, br.ID))
	})
}

// RecoverWith is Recover with a caller-chosen liveness check, used when block
// runs execute inside a pipeline or stream job.
func (r *Recoverer) RecoverWith(ctx context.Context, p *model.Pipeline, blockRuns []*model.BlockRun, alive Liveness) ([]*model.BlockRun, error) {
	var recovered []*model.BlockRun
	var resetIDs, failedIDs []string
	var failed []*model.BlockRun

	for _, br := range blockRuns {
		if !br.Status.IsInFlight() {
			continue
		}
		live, err := alive(ctx, br)
		if err != nil {
			// Unknown liveness counts as alive; the next tick retries.
			r.logger.Warn("job liveness check failed", "block_run_id", br.ID, "error", err)
			continue
		}
		if live {
			continue
		}

		budget := RetryBudget(p, p.BlockForRun(br.BlockUUID), r.defaultRetries)
		if budget > 0 {
			r.logger.Warn("block run crashed, resetting", "block_run_id", br.ID, "block_uuid", br.BlockUUID, "retries", budget)
			resetIDs = append(resetIDs, br.ID)
			recovered = append(recovered, br)
		} else {
			r.logger.Warn("block run crashed, failing", "block_run_id", br.ID, "block_uuid", br.BlockUUID)
			failedIDs = append(failedIDs, br.ID)
			failed = append(failed, br)
		}
	}

	if err := r.write(ctx, resetIDs, model.BlockRunStatusInitial, nil); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	if err := r.write(ctx, failedIDs, model.BlockRunStatusFailed, &now); err != nil {
		return recovered, err
	}

	for _, br := range recovered {
		br.Status = model.BlockRunStatusInitial
	}
	for _, br := range failed {
		br.Status = model.BlockRunStatusFailed
		br.CompletedAt = &now
	}
	return recovered, nil
}

func (r *Recoverer) write(ctx context.Context, ids []string, status model.BlockRunStatus, completedAt *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return retry.Do(ctx, retry.DefaultPolicy(), func() error {
		return r.store.UpdateBlockRunStatuses(ctx, ids, status, completedAt,
			model.BlockRunStatusQueued, model.BlockRunStatusRunning)
	})
}
