package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/pipesched/internal/bootstrap"
	"github.com/me/pipesched/internal/config"
	"github.com/me/pipesched/internal/logging"
	"github.com/me/pipesched/internal/server"
)

func main() {
	cfg := config.DefaultSchedulerConfig()

	configFile := flag.String("config", "", "Path to scheduler config file (YAML)")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path (default ~/.pipesched/pipesched.db)")
	flag.StringVar(&cfg.RepoPath, "repo", cfg.RepoPath, "Pipeline repository path")
	flag.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "Global scheduling tick period")
	flag.StringVar(&cfg.QueueBackend, "queue", cfg.QueueBackend, "Job queue backend (memory, redis)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the redis backend")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent jobs per process")
	flag.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "Root of block work directories")
	var runtimes []string
	flag.Func("container-runtime", "Register a container executor (docker, apptainer); repeatable", func(v string) error {
		runtimes = append(runtimes, v)
		return nil
	})
	flag.StringVar(&cfg.WebhookURL, "webhook-url", cfg.WebhookURL, "Notification webhook URL")
	flag.StringVar(&cfg.CallbackToken, "callback-token", cfg.CallbackToken, "Bearer token required on executor callbacks")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")

	flag.Parse()

	// Explicit flags win over the config file.
	if *configFile != "" {
		explicit := make(map[string]string)
		flag.Visit(func(f *flag.Flag) {
			if f.Name != "container-runtime" {
				explicit[f.Name] = f.Value.String()
			}
		})
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
		for name, v := range explicit {
			flag.Set(name, v)
		}
	}

	if len(runtimes) > 0 {
		cfg.ContainerRuntimes = runtimes
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start scheduler: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	srv := server.New(app.Store, app.Runs, app.Creator, logger,
		server.WithScheduler(app.Loop),
		server.WithExecutorRegistry(app.Executors),
		server.WithMetrics(app.Registry),
		server.WithCallbackToken(cfg.CallbackToken),
	)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Start scheduler in background.
	srv.StartScheduler(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "queue", cfg.QueueBackend, "repo_path", cfg.RepoPath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop scheduler before HTTP server.
	if err := app.Loop.Stop(); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
