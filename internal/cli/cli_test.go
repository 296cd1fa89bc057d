package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/me/pipesched/internal/bootstrap"
	"github.com/me/pipesched/internal/config"
	"github.com/me/pipesched/internal/server"
	"github.com/me/pipesched/internal/store"
	"github.com/me/pipesched/internal/trigger"
	"github.com/me/pipesched/pkg/model"
)

const etlMetadata = `uuid: etl
name: etl
blocks:
  - uuid: load
    type: data_loader
  - uuid: export
    type: data_exporter
    upstream_blocks: [load]
`

// writeRepo lays out a repository with the etl pipeline and triggers.
func writeRepo(t *testing.T, triggers string) string {
	t.Helper()
	repo := t.TempDir()
	dir := filepath.Join(repo, "pipelines", "etl")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.yaml"), []byte(etlMetadata), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "triggers.yaml"), []byte(triggers), 0o644); err != nil {
		t.Fatalf("write triggers: %v", err)
	}
	return repo
}

type testServer struct {
	url string
	app *bootstrap.App
}

// startTestServer starts a server over an in-memory store whose repository
// declares one API trigger with token "secret".
func startTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := writeRepo(t, `triggers:
  - name: on-demand
    schedule_type: api
    token: secret
`)

	cfg := config.DefaultSchedulerConfig()
	cfg.DBPath = ":memory:"
	cfg.RepoPath = repo
	app, err := bootstrap.New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { app.Close() })
	if _, err := trigger.SyncRepository(context.Background(), app.Store, repo, app.Context.Now(), logger); err != nil {
		t.Fatalf("sync triggers: %v", err)
	}

	srv := server.New(app.Store, app.Runs, app.Creator, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{url: ts.URL, app: app}
}

func (s *testServer) scheduleID(t *testing.T) string {
	t.Helper()
	scheds, err := s.app.Store.ListSchedules(context.Background(), model.ScheduleFilter{PipelineUUID: "etl"})
	if err != nil || len(scheds) != 1 {
		t.Fatalf("list schedules: %v (%d found)", err, len(scheds))
	}
	return scheds[0].ID
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))

	err := root.Execute()
	return buf.String(), err
}

// lastRunID returns the id of the newest run in the store.
func (s *testServer) lastRunID(t *testing.T) string {
	t.Helper()
	runs, err := s.app.Store.ListRuns(context.Background(), model.RunFilter{NewestFirst: true, Limit: 1})
	if err != nil || len(runs) == 0 {
		t.Fatalf("list runs: %v", err)
	}
	return runs[0].ID
}

func TestTriggerAndListCommands(t *testing.T) {
	srv := startTestServer(t)
	id := srv.scheduleID(t)

	output, err := runCLI(t, "--server", srv.url, "trigger", id, "--trigger-token", "secret", "--var", "env=prod", "--var", "n=3")
	if err != nil {
		t.Fatalf("trigger error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Pipeline run created: ") {
		t.Errorf("expected 'Pipeline run created' in output, got: %s", output)
	}
	runID := srv.lastRunID(t)
	run, err := srv.app.Store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Variables["env"] != "prod" || run.Variables["n"] != float64(3) {
		t.Errorf("variables = %v, want env=prod n=3", run.Variables)
	}

	output, err = runCLI(t, "--server", srv.url, "runs", "list", "--pipeline", "etl")
	if err != nil {
		t.Fatalf("runs list error: %v", err)
	}
	if !strings.Contains(output, runID) || !strings.Contains(output, "initial") {
		t.Errorf("expected run %s in output, got: %s", runID, output)
	}

	if _, err := runCLI(t, "--server", srv.url, "trigger", id, "--trigger-token", "wrong"); err == nil {
		t.Error("expected error for wrong trigger token")
	}
}

func TestBlockAndCancelCommands(t *testing.T) {
	srv := startTestServer(t)
	if _, err := runCLI(t, "--server", srv.url, "trigger", srv.scheduleID(t), "--trigger-token", "secret"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	runID := srv.lastRunID(t)
	if ok, err := srv.app.Runs.Start(context.Background(), runID, false); err != nil || !ok {
		t.Fatalf("start run: ok=%v err=%v", ok, err)
	}

	output, err := runCLI(t, "--server", srv.url, "block", "fail", runID, "load", "--error", "boom")
	if err != nil {
		t.Fatalf("block fail error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Block run load: failed") {
		t.Errorf("expected failed block run in output, got: %s", output)
	}

	output, err = runCLI(t, "--server", srv.url, "runs", "get", runID)
	if err != nil {
		t.Fatalf("runs get error: %v", err)
	}
	if !strings.Contains(output, "load: failed (boom)") {
		t.Errorf("expected block error in output, got: %s", output)
	}

	output, err = runCLI(t, "--server", srv.url, "cancel", runID)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if !strings.Contains(output, "cancelled") {
		t.Errorf("expected cancelled in output, got: %s", output)
	}
}

func TestEventAndBackfillCommands(t *testing.T) {
	srv := startTestServer(t)

	output, err := runCLI(t, "--server", srv.url, "event", `{"source":"s3"}`)
	if err != nil {
		t.Fatalf("event error: %v", err)
	}
	if !strings.Contains(output, "Pipeline runs created: 0") {
		t.Errorf("expected no runs for unmatched event, got: %s", output)
	}

	output, err = runCLI(t, "--server", srv.url, "backfill", "etl",
		"--start", "2026-01-01T00:00:00Z", "--end", "2026-01-03T00:00:00Z", "--interval", "day")
	if err != nil {
		t.Fatalf("backfill error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "(3 runs)") {
		t.Errorf("expected 3 runs in output, got: %s", output)
	}
}

func TestSyncTriggersAndTick(t *testing.T) {
	repo := writeRepo(t, `triggers:
  - name: once
    schedule_type: time
    schedule_interval: "@once"
`)
	db := filepath.Join(t.TempDir(), "pipesched.db")

	output, err := runCLI(t, "sync-triggers", "--db", db, "--repo", repo)
	if err != nil {
		t.Fatalf("sync-triggers error: %v", err)
	}
	if !strings.Contains(output, "Triggers created: 1, updated: 0") {
		t.Errorf("unexpected output: %s", output)
	}

	output, err = runCLI(t, "tick", "--db", db, "--repo", repo, "--count", "5")
	if err != nil {
		t.Fatalf("tick error: %v\noutput: %s", err, output)
	}
	if !strings.Contains(output, "Ticks completed: 5") {
		t.Errorf("unexpected output: %s", output)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(db, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	runs, err := st.ListRuns(context.Background(), model.RunFilter{PipelineUUID: "etl"})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != model.RunStatusCompleted {
		t.Fatalf("runs = %+v, want one completed run", runs)
	}
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"a=1", "b=text", "c={\"k\":true}"})
	if err != nil {
		t.Fatalf("parseVars: %v", err)
	}
	if vars["a"] != float64(1) || vars["b"] != "text" {
		t.Errorf("vars = %v", vars)
	}
	if m, ok := vars["c"].(map[string]any); !ok || m["k"] != true {
		t.Errorf("c = %v, want object", vars["c"])
	}
	if _, err := parseVars([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
}

func TestClientCall(t *testing.T) {
	var gotAuth, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		switch r.URL.Path {
		case "/ok":
			fmt.Fprint(w, `{"status":"ok","data":{"id":"run-1","status":"running"},"pagination":{"total":4,"has_more":true}}`)
		case "/invalid":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"status":"error","error":{"code":"VALIDATION_ERROR","message":"bad range"}}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "upstream down")
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Token = "tok"
	ctx := context.Background()

	var run model.PipelineRun
	page, err := c.Call(ctx, http.MethodGet, "/ok", nil, &run)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotPath != "/ok" || gotAuth != "Bearer tok" {
		t.Errorf("request path=%q auth=%q", gotPath, gotAuth)
	}
	if run.ID != "run-1" || run.Status != model.RunStatusRunning {
		t.Errorf("decoded run = %+v", run)
	}
	if page == nil || page.Total != 4 || !page.HasMore {
		t.Errorf("pagination = %+v", page)
	}

	_, err = c.Call(ctx, http.MethodPost, "/invalid", map[string]any{"x": 1}, nil)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrValidation {
		t.Errorf("err = %v, want validation APIError", err)
	}

	_, err = c.Call(ctx, http.MethodGet, "/down", nil, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadGateway {
		t.Errorf("err = %v, want StatusError 502", err)
	}
}
