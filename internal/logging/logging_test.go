package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/me/pipesched/pkg/model"
)

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelInfo})

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected 'test message' in output, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected 'key=value' in output, got: %s", output)
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelInfo, Format: FormatJSON})

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("expected JSON msg field in output, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected JSON key field in output, got: %s", output)
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelWarn, Format: FormatText})

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestNew_ChildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelDebug})
	child := logger.With("component", "scheduler")

	child.Debug("tick", "pipeline_run_id", "run_abc")

	output := buf.String()
	if !strings.Contains(output, "component=scheduler") {
		t.Errorf("expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "pipeline_run_id=run_abc") {
		t.Errorf("expected pipeline_run_id in output, got: %s", output)
	}
}

func TestNew_DurationsAsStrings(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelInfo, Format: FormatJSON})

	logger.Info("tick", "elapsed", 1500*time.Millisecond)

	if !strings.Contains(buf.String(), `"elapsed":"1.5s"`) {
		t.Errorf("expected rendered duration, got: %s", buf.String())
	}
}

func TestNew_AddSource(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelDebug, AddSource: true})

	logger.Debug("dispatch")

	if !strings.Contains(buf.String(), "source=") {
		t.Errorf("expected source attribute, got: %s", buf.String())
	}
}

func TestForRunAndBlockRunTags(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelInfo})
	run := &model.PipelineRun{
		ID:                 "run_1",
		PipelineUUID:       "etl",
		PipelineScheduleID: "sched_1",
		ExecutionDate:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	br := &model.BlockRun{ID: "br_1", BlockUUID: "load"}

	ForBlockRun(ForRun(logger, run), br).Info("block run queued")

	output := buf.String()
	for _, want := range []string{
		"pipeline_uuid=etl",
		"pipeline_run_id=run_1",
		"execution_partition=sched_1/20240301T000000",
		"block_uuid=load",
		"block_run_id=br_1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"warn+2", slog.LevelWarn + 2},
		{" info ", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
