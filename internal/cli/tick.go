package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/pipesched/internal/bootstrap"
	"github.com/me/pipesched/internal/config"
	"github.com/me/pipesched/internal/trigger"
)

// localFlags select the store and repository for commands that bypass the
// server.
type localFlags struct {
	configFile string
	dbPath     string
	repoPath   string
}

func (f *localFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configFile, "config", "", "Scheduler config file (YAML)")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "Database path (default ~/.pipesched/pipesched.db)")
	cmd.Flags().StringVar(&f.repoPath, "repo", "", "Pipeline repository path")
}

func (f *localFlags) load() (config.SchedulerConfig, error) {
	cfg := config.DefaultSchedulerConfig()
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(f.configFile); err != nil {
			return cfg, err
		}
	}
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	if f.repoPath != "" {
		cfg.RepoPath = f.repoPath
	}
	return cfg, nil
}

func newTickCmd() *cobra.Command {
	var lf localFlags
	var count int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run scheduling ticks against the local store",
		Long: "tick runs the global scheduling tick count times against the store and " +
			"repository, waiting for dispatched block jobs after each tick.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lf.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			app, err := bootstrap.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			for i := 0; i < count; i++ {
				if err := app.Loop.Tick(ctx); err != nil {
					return fmt.Errorf("tick %d: %w", i+1, err)
				}
				if err := app.Queue.Wait(ctx); err != nil {
					return fmt.Errorf("wait for jobs: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ticks completed: %d\n", count)
			return nil
		},
	}
	lf.register(cmd)
	cmd.Flags().IntVar(&count, "count", 1, "Number of ticks")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up after this long")
	return cmd
}

func newSyncTriggersCmd() *cobra.Command {
	var lf localFlags
	cmd := &cobra.Command{
		Use:   "sync-triggers",
		Short: "Mirror triggers.yaml declarations into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lf.load()
			if err != nil {
				return err
			}
			st, err := bootstrap.OpenStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := trigger.SyncRepository(cmd.Context(), st, cfg.RepoPath, time.Now().UTC(), logger)
			if err != nil {
				return fmt.Errorf("sync triggers: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Triggers created: %d, updated: %d\n", res.Created, res.Updated)
			return nil
		},
	}
	lf.register(cmd)
	return cmd
}
