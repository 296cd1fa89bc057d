package cli

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/pipesched/pkg/model"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var run model.PipelineRun
			path := "/api/v1/pipeline_runs/" + url.PathEscape(id) + "/cancel"
			if _, err := client.Call(cmd.Context(), http.MethodPut, path, nil, &run); err != nil {
				return fmt.Errorf("cancel run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline run %s: %s\n", id, run.Status)
			return nil
		},
	}
}
