// Package scheduler drives pipeline runs: it creates runs from triggers,
// decides which block runs may start, dispatches them through the job queue,
// reacts to their completion, and moves each run to a terminal status.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/pipesched/internal/condition"
	"github.com/me/pipesched/internal/executor"
	"github.com/me/pipesched/internal/jobqueue"
	"github.com/me/pipesched/internal/lock"
	"github.com/me/pipesched/internal/metrics"
	"github.com/me/pipesched/internal/notify"
	"github.com/me/pipesched/internal/pipeline"
	"github.com/me/pipesched/internal/recovery"
	"github.com/me/pipesched/internal/resource"
	"github.com/me/pipesched/internal/store"
	"github.com/me/pipesched/internal/trigger"
)

// Scheduler runs the global tick.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error
}

// Config holds scheduler tuning.
type Config struct {
	TickInterval    time.Duration
	LockTimeout     time.Duration
	DefaultRetries  int
	MemoryThreshold float64
	TickParallelism int
	// RepoPath, when set, is scanned for triggers.yaml files every tick.
	RepoPath string
	// PreviousRuntimes is how many completed runs feed landing-time prediction.
	PreviousRuntimes int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:     5 * time.Second,
		LockTimeout:      10 * time.Second,
		MemoryThreshold:  0.95,
		TickParallelism:  4,
		PreviousRuntimes: 24,
	}
}

// SchedulingContext bundles the collaborators every scheduling component
// uses. Build one with NewSchedulingContext and share it.
type SchedulingContext struct {
	Store      store.Store
	Queue      jobqueue.Queue
	Locker     lock.Locker
	Resolver   pipeline.Resolver
	Executors  *executor.Registry
	Notifier   *notify.Notifier
	Metrics    *metrics.SchedulerMetrics
	Calculator *metrics.Calculator
	Probe      resource.Sampler
	Conditions *condition.Evaluator
	Recoverer  *recovery.Recoverer
	Triggers   *trigger.Evaluator
	Config     Config
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewSchedulingContext wires the store, queue, locker, resolver and executors
// together and fills the remaining collaborators with defaults. Fields may be
// replaced before the context is used.
func NewSchedulingContext(
	st store.Store,
	queue jobqueue.Queue,
	locker lock.Locker,
	resolver pipeline.Resolver,
	executors *executor.Registry,
	cfg Config,
	logger *slog.Logger,
) *SchedulingContext {
	def := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = def.MemoryThreshold
	}
	if cfg.TickParallelism <= 0 {
		cfg.TickParallelism = def.TickParallelism
	}
	if cfg.PreviousRuntimes <= 0 {
		cfg.PreviousRuntimes = def.PreviousRuntimes
	}
	return &SchedulingContext{
		Store:      st,
		Queue:      queue,
		Locker:     locker,
		Resolver:   resolver,
		Executors:  executors,
		Notifier:   notify.NewNotifier(nil, logger),
		Calculator: metrics.NewCalculator(logger),
		Probe:      resource.NewProbe("/"),
		Conditions: condition.NewEvaluator(time.Second),
		Recoverer:  recovery.New(st, queue, cfg.DefaultRetries, logger),
		Triggers:   trigger.NewEvaluator(st),
		Config:     cfg,
		Logger:     logger,
		Now:        time.Now,
	}
}

func (sc *SchedulingContext) now() time.Time {
	return sc.Now().UTC()
}
