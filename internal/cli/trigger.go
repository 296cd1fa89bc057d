package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/pipesched/internal/scheduler"
	"github.com/me/pipesched/pkg/model"
)

// parseVars turns key=value pairs into a variables map. Values that parse as
// JSON keep their type; everything else is a string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q: want key=value", p)
		}
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			vars[k] = parsed
		} else {
			vars[k] = v
		}
	}
	return vars, nil
}

func newTriggerCmd() *cobra.Command {
	var triggerToken string
	var vars []string
	cmd := &cobra.Command{
		Use:   "trigger <schedule_id>",
		Short: "Create a run of an API trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}
			body := map[string]any{
				"token":        triggerToken,
				"pipeline_run": map[string]any{"variables": variables},
			}
			var run model.PipelineRun
			path := "/api/v1/pipeline_schedules/" + url.PathEscape(args[0]) + "/pipeline_runs"
			if _, err := client.Call(cmd.Context(), http.MethodPost, path, body, &run); err != nil {
				return fmt.Errorf("trigger schedule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline run created: %s\n", run.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&triggerToken, "trigger-token", "", "API trigger token")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Run variable key=value (repeatable)")
	return cmd
}

func newEventCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "event [json]",
		Short: "Send an event to the event triggers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			switch {
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read event: %w", err)
				}
				data = b
			case len(args) == 1:
				data = []byte(args[0])
			default:
				return fmt.Errorf("event payload required (argument or --file)")
			}
			var payload map[string]any
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("parse event: %w", err)
			}

			var runs []model.PipelineRun
			if _, err := client.Call(cmd.Context(), http.MethodPost, "/api/v1/events", payload, &runs); err != nil {
				return fmt.Errorf("send event: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pipeline runs created: %d\n", len(runs))
			for _, r := range runs {
				fmt.Fprintf(out, "  - %s (%s)\n", r.ID, r.PipelineUUID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the event payload from a JSON file")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	var req scheduler.BackfillRequest
	var start, end, interval string
	var vars []string
	cmd := &cobra.Command{
		Use:   "backfill <pipeline_uuid>",
		Short: "Create runs for a historical interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			req.PipelineUUID = args[0]
			req.IntervalType = model.IntervalType(interval)
			if req.StartDatetime, err = time.Parse(time.RFC3339, start); err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			if req.EndDatetime, err = time.Parse(time.RFC3339, end); err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
			if req.Variables, err = parseVars(vars); err != nil {
				return err
			}

			var bf struct {
				ID           string              `json:"id"`
				PipelineRuns []model.PipelineRun `json:"pipeline_runs"`
			}
			if _, err := client.Call(cmd.Context(), http.MethodPost, "/api/v1/backfills", req, &bf); err != nil {
				return fmt.Errorf("create backfill: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backfill created: %s (%d runs)\n", bf.ID, len(bf.PipelineRuns))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "Backfill name")
	cmd.Flags().StringVar(&start, "start", "", "Start datetime (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "End datetime (RFC 3339)")
	cmd.Flags().StringVar(&interval, "interval", string(model.IntervalTypeDay), "Interval type (second, minute, hour, day, week, month, year)")
	cmd.Flags().IntVar(&req.IntervalUnits, "units", 1, "Interval units per step")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Run variable key=value (repeatable)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}
