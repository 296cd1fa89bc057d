// Package bootstrap builds the scheduler and its collaborators from a
// SchedulerConfig. The daemon and the CLI share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/me/pipesched/internal/config"
	"github.com/me/pipesched/internal/executor"
	"github.com/me/pipesched/internal/jobqueue"
	"github.com/me/pipesched/internal/lock"
	"github.com/me/pipesched/internal/metrics"
	"github.com/me/pipesched/internal/notify"
	"github.com/me/pipesched/internal/pipeline"
	"github.com/me/pipesched/internal/scheduler"
	"github.com/me/pipesched/internal/store"
)

// Queue is a job queue that can be drained and shut down.
type Queue interface {
	jobqueue.Queue
	Wait(ctx context.Context) error
	Close() error
}

// App holds the wired scheduler.
type App struct {
	Config    config.SchedulerConfig
	Store     *store.SQLiteStore
	Queue     Queue
	Locker    lock.Locker
	Executors *executor.Registry
	Metrics   *metrics.SchedulerMetrics
	Registry  *prometheus.Registry
	Context   *scheduler.SchedulingContext
	Runs      *scheduler.RunScheduler
	Creator   *scheduler.RunCreator
	Loop      *scheduler.Loop

	rdb    *goredis.Client
	logger *slog.Logger
}

// DefaultDBPath returns ~/.pipesched/pipesched.db, creating the directory.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".pipesched")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "pipesched.db"), nil
}

// OpenStore opens and migrates the SQLite store named by cfg.DBPath.
func OpenStore(ctx context.Context, cfg config.SchedulerConfig, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.DBPath
	if dbPath == "" {
		var err error
		if dbPath, err = DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", dbPath)
	return st, nil
}

// New opens the store, connects the queue and lock backends, and wires the
// scheduler. Close releases everything it opened.
func New(ctx context.Context, cfg config.SchedulerConfig, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Store: st, logger: logger}

	switch cfg.QueueBackend {
	case config.QueueRedis:
		app.rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := app.rdb.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		app.Queue = jobqueue.NewRedisQueue(app.rdb, cfg.Workers, cfg.JobTTL, logger)
		app.Locker = lock.NewRedisLocker(app.rdb, logger)
		logger.Info("redis backend ready", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	default:
		app.Queue = jobqueue.NewMemoryQueue(cfg.Workers, logger)
		app.Locker = lock.NewMemoryLocker()
	}

	app.Executors = executor.NewRegistry(logger)
	app.Executors.Register(executor.NewLocalExecutor(cfg.WorkDir, logger))
	for _, rt := range cfg.ContainerRuntimes {
		switch rt {
		case executor.TypeDocker:
			app.Executors.Register(executor.NewDockerExecutor(cfg.WorkDir, logger))
		case executor.TypeApptainer:
			app.Executors.Register(executor.NewApptainerExecutor(cfg.WorkDir, logger))
		}
	}

	app.Metrics = metrics.NewSchedulerMetrics()
	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		app.Metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.WebhookURL != "" {
		sender = notify.MultiSender{sender, notify.NewWebhookSender(cfg.WebhookURL)}
	}

	sc := scheduler.NewSchedulingContext(
		st,
		app.Queue,
		app.Locker,
		pipeline.NewFileResolver(cfg.RepoPath),
		app.Executors,
		scheduler.Config{
			TickInterval:    cfg.TickInterval,
			LockTimeout:     cfg.LockTimeout,
			DefaultRetries:  cfg.DefaultRetries,
			MemoryThreshold: cfg.MemoryThreshold,
			TickParallelism: cfg.TickParallelism,
			RepoPath:        cfg.RepoPath,
		},
		logger,
	)
	sc.Metrics = app.Metrics
	sc.Notifier = notify.NewNotifier(sender, logger).WithObserver(app.Metrics)

	app.Context = sc
	app.Runs = scheduler.NewRunScheduler(sc)
	app.Creator = scheduler.NewRunCreator(sc)
	app.Loop = scheduler.NewLoop(sc, app.Runs, app.Creator)
	return app, nil
}

// Close shuts down the queue, then the Redis client and the store.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
