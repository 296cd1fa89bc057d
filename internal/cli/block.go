package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/pipesched/pkg/model"
)

// newBlockCmd reports block run outcomes for executors running outside the
// scheduler process.
func newBlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block",
		Short: "Report the outcome of a block run",
	}
	cmd.AddCommand(newBlockCompleteCmd(), newBlockFailCmd())
	return cmd
}

func blockPath(runID, blockUUID, action string) string {
	return "/api/v1/pipeline_runs/" + url.PathEscape(runID) + "/block_runs/" + url.PathEscape(blockUUID) + "/" + action
}

// postBlockRun sends a block callback and prints the resulting block run.
func postBlockRun(cmd *cobra.Command, path string, body any) error {
	var br model.BlockRun
	if _, err := client.Call(cmd.Context(), http.MethodPost, path, body, &br); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Block run %s: %s\n", br.BlockUUID, br.Status)
	return nil
}

func newBlockCompleteCmd() *cobra.Command {
	var output, metrics string
	cmd := &cobra.Command{
		Use:   "complete <run_id> <block_uuid>",
		Short: "Mark a block run completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if output != "" {
				var out []any
				if err := json.Unmarshal([]byte(output), &out); err != nil {
					return fmt.Errorf("invalid --output: %w", err)
				}
				body["output"] = out
			}
			if metrics != "" {
				var m map[string]any
				if err := json.Unmarshal([]byte(metrics), &m); err != nil {
					return fmt.Errorf("invalid --metrics: %w", err)
				}
				body["metrics"] = m
			}
			if err := postBlockRun(cmd, blockPath(args[0], args[1], "complete"), body); err != nil {
				return fmt.Errorf("complete block run: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Block output as a JSON array")
	cmd.Flags().StringVar(&metrics, "metrics", "", "Block metrics as a JSON object")
	return cmd
}

func newBlockFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <run_id> <block_uuid>",
		Short: "Mark a block run failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := postBlockRun(cmd, blockPath(args[0], args[1], "fail"), map[string]any{"error": reason}); err != nil {
				return fmt.Errorf("fail block run: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "error", "", "Failure message")
	return cmd
}
