package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/pipesched/internal/logging"
)

var (
	flagServer    string
	flagToken     string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking PIPESCHED_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("PIPESCHED_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the pipesched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipesched",
		Short: "pipesched: DAG pipeline run scheduler",
		Long:  "pipesched triggers, inspects and cancels pipeline runs, and runs scheduling ticks against a local store.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
			client.Token = flagToken
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "pipesched server URL (or PIPESCHED_SERVER env)")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("PIPESCHED_CALLBACK_TOKEN"), "Bearer token for executor callbacks (or PIPESCHED_CALLBACK_TOKEN env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunsCmd(),
		newCancelCmd(),
		newTriggerCmd(),
		newEventCmd(),
		newBackfillCmd(),
		newBlockCmd(),
		newTickCmd(),
		newSyncTriggersCmd(),
	)

	return root
}
