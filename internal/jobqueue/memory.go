package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type jobState int

const (
	jobPending jobState = iota
	jobRunning
	jobFinished
)

type memoryJob struct {
	id       string
	state    jobState
	cancel   context.CancelFunc
	err      error
	finished time.Time
}

// MemoryQueue runs jobs on goroutines inside this process, at most workers at
// a time. Finished jobs are remembered until CleanUpJobs.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*memoryJob
	sem    *semaphore
	wg     sync.WaitGroup
	base   context.Context
	stop   context.CancelFunc
	logger *slog.Logger
}

// NewMemoryQueue creates a queue with the given worker limit (<= 0 is unlimited).
func NewMemoryQueue(workers int, logger *slog.Logger) *MemoryQueue {
	base, stop := context.WithCancel(context.Background())
	return &MemoryQueue{
		jobs:   make(map[string]*memoryJob),
		sem:    newSemaphore(workers),
		base:   base,
		stop:   stop,
		logger: logger.With("component", "jobqueue"),
	}
}

// Enqueue starts fn unless a job with the same id is pending or running.
func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, fn Func) (bool, error) {
	q.mu.Lock()
	if j, ok := q.jobs[jobID]; ok && j.state != jobFinished {
		q.mu.Unlock()
		return false, nil
	}
	ctx, cancel := context.WithCancel(q.base)
	j := &memoryJob{id: jobID, state: jobPending, cancel: cancel}
	q.jobs[jobID] = j
	q.wg.Add(1)
	q.mu.Unlock()

	go q.run(ctx, j, fn)
	q.logger.Debug("job enqueued", "job_id", jobID)
	return true, nil
}

func (q *MemoryQueue) run(ctx context.Context, j *memoryJob, fn Func) {
	defer q.wg.Done()
	defer j.cancel()

	var err error
	if q.sem.acquire(ctx) {
		q.setState(j, jobRunning, nil)
		err = q.safeCall(ctx, j.id, fn)
		q.sem.release()
	} else {
		err = ctx.Err()
	}
	q.setState(j, jobFinished, err)

	if err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn("job failed", "job_id", j.id, "error", err)
	} else {
		q.logger.Debug("job finished", "job_id", j.id)
	}
}

func (q *MemoryQueue) safeCall(ctx context.Context, jobID string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked", "job_id", jobID, "panic", r)
			err = errors.New("job panicked")
		}
	}()
	return fn(ctx)
}

func (q *MemoryQueue) setState(j *memoryJob, state jobState, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j.state = state
	if state == jobFinished {
		j.err = err
		j.finished = time.Now()
	}
}

// HasJob reports whether the job is pending or running.
func (q *MemoryQueue) HasJob(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	return ok && j.state != jobFinished, nil
}

// KillJob cancels the job's context. The job body decides how quickly it stops.
func (q *MemoryQueue) KillJob(_ context.Context, jobID string) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	q.mu.Unlock()
	if ok {
		j.cancel()
		q.logger.Info("job killed", "job_id", jobID)
	}
	return nil
}

// CleanUpJobs forgets finished jobs.
func (q *MemoryQueue) CleanUpJobs(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, j := range q.jobs {
		if j.state == jobFinished {
			delete(q.jobs, id)
		}
	}
	return nil
}

// Running returns the number of jobs currently holding a worker slot.
func (q *MemoryQueue) Running() int {
	return q.sem.inUse()
}

// Wait blocks until every enqueued job has finished or ctx is done.
func (q *MemoryQueue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all jobs and waits for them to return.
func (q *MemoryQueue) Close() error {
	q.stop()
	q.wg.Wait()
	return nil
}
