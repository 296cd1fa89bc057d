package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/me/pipesched/internal/executor"
	"github.com/me/pipesched/internal/jobqueue"
	"github.com/me/pipesched/internal/lock"
	"github.com/me/pipesched/internal/notify"
	"github.com/me/pipesched/internal/pipeline"
	"github.com/me/pipesched/internal/resource"
	"github.com/me/pipesched/internal/store"
	"github.com/me/pipesched/pkg/model"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingSender) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) count(kind notify.Kind, runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Kind == kind && m.PipelineRunID == runID {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	st       *store.SQLiteStore
	queue    *jobqueue.MemoryQueue
	funcs    *executor.FuncExecutor
	resolver *pipeline.StaticResolver
	sender   *recordingSender
	clock    *testClock
	sc       *SchedulingContext
	runs     *RunScheduler
	creator  *RunCreator
	loop     *Loop
}

// testSetup wires a scheduler over an in-memory store and queue, with blocks
// executed by a FuncExecutor.
func testSetup(t *testing.T, pipelines ...*model.Pipeline) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err, "create store")
	require.NoError(t, st.Migrate(context.Background()), "migrate")

	resolver, err := pipeline.NewStaticResolver(pipelines...)
	require.NoError(t, err, "register pipelines")

	queue := jobqueue.NewMemoryQueue(8, logger)
	t.Cleanup(func() {
		queue.Close()
		st.Close()
	})

	funcs := executor.NewFuncExecutor()
	reg := executor.NewRegistry(logger)
	reg.Register(funcs)

	env := &testEnv{
		st:       st,
		queue:    queue,
		funcs:    funcs,
		resolver: resolver,
		sender:   &recordingSender{},
		clock:    &testClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)},
	}
	sc := NewSchedulingContext(st, queue, lock.NewMemoryLocker(), resolver, reg, DefaultConfig(), logger)
	sc.Notifier = notify.NewNotifier(env.sender, logger)
	sc.Probe = resource.Static{MemoryUsed: 10, MemoryTotal: 100}
	sc.Now = env.clock.Now
	env.sc = sc
	env.runs = NewRunScheduler(sc)
	env.creator = NewRunCreator(sc)
	env.loop = NewLoop(sc, env.runs, env.creator)
	return env
}

// schedule stores an ACTIVE api schedule for pipelineUUID.
func (e *testEnv) schedule(t *testing.T, pipelineUUID string, settings model.ScheduleSettings) *model.PipelineSchedule {
	t.Helper()
	now := e.clock.Now()
	s := &model.PipelineSchedule{
		ID:           uuid.NewString(),
		Name:         "trigger-" + uuid.NewString()[:8],
		PipelineUUID: pipelineUUID,
		ScheduleType: model.ScheduleTypeAPI,
		Status:       model.ScheduleStatusActive,
		Settings:     settings,
		Token:        "secret",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, e.st.CreateSchedule(context.Background(), s), "create schedule")
	return s
}

// newRun creates an INITIAL run of s.
func (e *testEnv) newRun(t *testing.T, s *model.PipelineSchedule) *model.PipelineRun {
	t.Helper()
	run, err := e.creator.CreateRun(context.Background(), s, e.clock.Now(), nil, nil, "", TriggerAPI)
	require.NoError(t, err, "create run")
	return run
}

// settle ticks and drains the queue until the run is terminal.
func (e *testEnv) settle(t *testing.T, runID string) *model.PipelineRun {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, e.loop.Tick(ctx), "tick")
		e.drain(t)
		run, err := e.st.GetRun(ctx, runID)
		require.NoError(t, err, "get run")
		if run.Status.IsTerminal() {
			return run
		}
	}
	require.FailNowf(t, "run did not finish", "pipeline run %s", runID)
	return nil
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.queue.Wait(ctx), "wait for jobs")
}

func (e *testEnv) blockRuns(t *testing.T, runID string) map[string]*model.BlockRun {
	t.Helper()
	brs, err := e.st.ListBlockRuns(context.Background(), runID)
	require.NoError(t, err, "list block runs")
	out := make(map[string]*model.BlockRun, len(brs))
	for _, br := range brs {
		out[br.BlockUUID] = br
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNowf(t, "timed out", "waiting for %s", what)
}

func block(id string, upstream ...string) model.Block {
	return model.Block{UUID: id, Type: model.BlockTypeTransformer, UpstreamBlocks: upstream}
}

func outputs(vals ...any) executor.BlockFunc {
	return func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{Output: vals}, nil
	}
}

// interleavingStore wraps a store so tests can run code at the points where
// another scheduler process could act between two writes.
type interleavingStore struct {
	store.Store
	// afterComplete runs after a block run completion was written.
	afterComplete func(ctx context.Context, br *model.BlockRun)
	// beforeTransitionRun runs before a run status write.
	beforeTransitionRun func(ctx context.Context, r *model.PipelineRun)
	// failComplete makes completion writes of this block fail.
	failComplete string
}

func (w *interleavingStore) CompleteBlockRun(ctx context.Context, br *model.BlockRun, children []*model.BlockRun, from ...model.BlockRunStatus) (bool, error) {
	if br.BlockUUID == w.failComplete {
		return false, errors.New("database is locked")
	}
	ok, err := w.Store.CompleteBlockRun(ctx, br, children, from...)
	if ok && w.afterComplete != nil {
		w.afterComplete(ctx, br)
	}
	return ok, err
}

func (w *interleavingStore) TransitionRun(ctx context.Context, r *model.PipelineRun, from ...model.RunStatus) (bool, error) {
	if w.beforeTransitionRun != nil {
		w.beforeTransitionRun(ctx, r)
	}
	return w.Store.TransitionRun(ctx, r, from...)
}

// wrapStore routes every scheduler store call through w.
func (e *testEnv) wrapStore(w *interleavingStore) {
	w.Store = e.st
	e.sc.Store = w
}

type samplerFunc func(ctx context.Context) (resource.Sample, error)

func (f samplerFunc) Sample(ctx context.Context) (resource.Sample, error) { return f(ctx) }
