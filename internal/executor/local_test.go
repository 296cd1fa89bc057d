package executor

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/me/pipesched/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shellRequest(script string) Request {
	return Request{
		PipelineUUID:       "etl",
		PipelineRunID:      "run-1",
		BlockRunID:         "br-1",
		BlockRunUUID:       "load:2",
		Block:              &model.Block{UUID: "load", Command: []string{"sh", "-c", script}},
		ExecutionDate:      time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		ExecutionPartition: "sched-1/20240102T000000",
		Variables:          map[string]any{"env": "prod"},
		Input:              map[string]any{"id": 7},
	}
}

func TestLocalExecutor_Type(t *testing.T) {
	e := NewLocalExecutor(t.TempDir(), newTestLogger())
	if got := e.Type(); got != TypeLocal {
		t.Fatalf("Type() = %q, want %q", got, TypeLocal)
	}
}

func TestLocalExecutor_ParsesResultLine(t *testing.T) {
	e := NewLocalExecutor(t.TempDir(), newTestLogger())
	req := shellRequest(`echo "loading"; echo '{"output":[1,2,3],"metrics":{"rows":3}}'`)

	res, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Output) != 3 {
		t.Fatalf("Output = %v, want 3 elements", res.Output)
	}
	if res.Metrics["rows"] != float64(3) {
		t.Errorf("metrics rows = %v, want 3", res.Metrics["rows"])
	}
	if _, ok := res.Metrics["duration_seconds"]; !ok {
		t.Error("duration_seconds metric missing")
	}
}

func TestLocalExecutor_PlainStdout(t *testing.T) {
	e := NewLocalExecutor(t.TempDir(), newTestLogger())
	res, err := e.Run(context.Background(), shellRequest("echo hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Output) != 0 {
		t.Errorf("Output = %v, want empty", res.Output)
	}
}

func TestLocalExecutor_Environment(t *testing.T) {
	e := NewLocalExecutor(t.TempDir(), newTestLogger())
	req := shellRequest(`printf '{"output":["%s","%s"]}\n' "$PIPESCHED_BLOCK_UUID" "$PIPESCHED_EXECUTION_PARTITION"`)

	res, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Output) != 2 || res.Output[0] != "load:2" || res.Output[1] != "sched-1/20240102T000000" {
		t.Errorf("Output = %v", res.Output)
	}
}

func TestLocalExecutor_FailingCommand(t *testing.T) {
	e := NewLocalExecutor(t.TempDir(), newTestLogger())
	_, err := e.Run(context.Background(), shellRequest("echo boom >&2; exit 3"))
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "exit code 3") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want exit code and stderr", err)
	}
}

func TestLocalExecutor_NoCommand(t *testing.T) {
	e := NewLocalExecutor(t.TempDir(), newTestLogger())
	res, err := e.Run(context.Background(), Request{Block: &model.Block{UUID: "noop"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output != nil || res.Metrics != nil {
		t.Errorf("Result = %+v, want empty", res)
	}
}

func TestParseResult_BadJSON(t *testing.T) {
	if _, err := parseResult("{not json"); err == nil {
		t.Fatal("expected decode error")
	}
}
