package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/pipesched/pkg/model"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List and inspect pipeline runs",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsGetCmd())
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var pipelineUUID, scheduleID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pipeline runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if pipelineUUID != "" {
				q.Set("pipeline_uuid", pipelineUUID)
			}
			if scheduleID != "" {
				q.Set("pipeline_schedule_id", scheduleID)
			}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", strconv.Itoa(limit))

			var runs []model.PipelineRun
			page, err := client.Call(cmd.Context(), http.MethodGet, "/api/v1/pipeline_runs?"+q.Encode(), nil, &runs)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No pipeline runs found.")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-20s  %-10s  %s\n", "ID", "PIPELINE", "STATUS", "EXECUTION DATE")
			for _, r := range runs {
				fmt.Fprintf(out, "%-36s  %-20s  %-10s  %s\n",
					r.ID, r.PipelineUUID, r.Status, r.ExecutionDate.Format("2006-01-02T15:04:05Z"))
			}
			if page != nil && page.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(runs), page.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineUUID, "pipeline", "", "Filter by pipeline uuid")
	cmd.Flags().StringVar(&scheduleID, "schedule", "", "Filter by pipeline schedule id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (comma separated)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of runs")
	return cmd
}

func newRunsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run_id>",
		Short: "Show a pipeline run and its block runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run struct {
				model.PipelineRun
				BlockRuns []model.BlockRun `json:"block_runs"`
			}
			if _, err := client.Call(cmd.Context(), http.MethodGet, "/api/v1/pipeline_runs/"+url.PathEscape(args[0]), nil, &run); err != nil {
				return fmt.Errorf("get run: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pipeline run: %s\n", run.ID)
			fmt.Fprintf(out, "  Pipeline:       %s\n", run.PipelineUUID)
			fmt.Fprintf(out, "  Status:         %s\n", run.Status)
			fmt.Fprintf(out, "  Execution date: %s\n", run.ExecutionDate.Format("2006-01-02T15:04:05Z"))
			if run.PassedSLA {
				fmt.Fprintln(out, "  SLA:            passed")
			}
			if len(run.BlockRuns) > 0 {
				fmt.Fprintln(out, "  Blocks:")
				for _, br := range run.BlockRuns {
					line := fmt.Sprintf("    - %s: %s", br.BlockUUID, br.Status)
					if br.Error != "" {
						line += " (" + br.Error + ")"
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
}
