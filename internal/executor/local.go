package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Environment variables handed to block commands.
const (
	EnvPipelineUUID       = "PIPESCHED_PIPELINE_UUID"
	EnvPipelineRunID      = "PIPESCHED_PIPELINE_RUN_ID"
	EnvBlockRunID         = "PIPESCHED_BLOCK_RUN_ID"
	EnvBlockUUID          = "PIPESCHED_BLOCK_UUID"
	EnvExecutionDate      = "PIPESCHED_EXECUTION_DATE"
	EnvExecutionPartition = "PIPESCHED_EXECUTION_PARTITION"
	EnvVariables          = "PIPESCHED_VARIABLES"
	EnvInput              = "PIPESCHED_INPUT"
)

// maxStderr bounds the stderr tail copied into a block run error.
const maxStderr = 2048

// LocalExecutor runs a block's command as a local OS process.
//
// The command receives the run context through PIPESCHED_* environment
// variables. If the last non-empty stdout line is a JSON object, its
// "output" and "metrics" fields become the block result.
type LocalExecutor struct {
	logger  *slog.Logger
	workDir string
}

// NewLocalExecutor creates a LocalExecutor rooted at workDir.
// If workDir is empty, os.TempDir() is used.
func NewLocalExecutor(workDir string, logger *slog.Logger) *LocalExecutor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &LocalExecutor{
		workDir: workDir,
		logger:  logger.With("component", "local-executor"),
	}
}

// Type returns TypeLocal.
func (e *LocalExecutor) Type() string {
	return TypeLocal
}

// Run executes the block command synchronously in a per-block working
// directory under the run's execution partition. A block without a command
// completes with an empty result.
func (e *LocalExecutor) Run(ctx context.Context, req Request) (Result, error) {
	if req.Block == nil || len(req.Block.Command) == 0 {
		e.logger.Debug("block has no command", "block_uuid", req.BlockRunUUID)
		return Result{}, nil
	}

	dir := blockDir(e.workDir, req)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("block %s: create work dir: %w", req.BlockRunUUID, err)
	}

	env, err := blockEnv(req)
	if err != nil {
		return Result{}, fmt.Errorf("block %s: %w", req.BlockRunUUID, err)
	}

	parts := req.Block.Command
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	runErr := cmd.Run()

	switch err := runErr.(type) {
	case nil:
	case *exec.ExitError:
		return Result{}, fmt.Errorf("block %s: exit code %d: %s",
			req.BlockRunUUID, err.ExitCode(), tail(stderrBuf.String(), maxStderr))
	default:
		// Non-exit errors (e.g. binary not found) are returned directly.
		return Result{}, fmt.Errorf("block %s: run command: %w", req.BlockRunUUID, runErr)
	}

	res, err := parseResult(stdoutBuf.String())
	if err != nil {
		return Result{}, fmt.Errorf("block %s: %w", req.BlockRunUUID, err)
	}
	if res.Metrics == nil {
		res.Metrics = make(map[string]any)
	}
	res.Metrics["duration_seconds"] = time.Since(start).Seconds()

	e.logger.Debug("block command finished",
		"block_uuid", req.BlockRunUUID,
		"command", parts,
		"outputs", len(res.Output),
	)
	return res, nil
}

// blockDir is the block run's work directory under the run's execution partition.
func blockDir(root string, req Request) string {
	partition := filepath.FromSlash(req.ExecutionPartition)
	name := strings.ReplaceAll(req.BlockRunUUID, ":", "_")
	return filepath.Join(root, req.PipelineUUID, partition, name)
}

func blockEnv(req Request) ([]string, error) {
	vars := req.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("marshal variables: %w", err)
	}
	env := []string{
		EnvPipelineUUID + "=" + req.PipelineUUID,
		EnvPipelineRunID + "=" + req.PipelineRunID,
		EnvBlockRunID + "=" + req.BlockRunID,
		EnvBlockUUID + "=" + req.BlockRunUUID,
		EnvExecutionDate + "=" + req.ExecutionDate.UTC().Format(time.RFC3339),
		EnvExecutionPartition + "=" + req.ExecutionPartition,
		EnvVariables + "=" + string(varsJSON),
	}
	if req.Input != nil {
		inputJSON, err := json.Marshal(req.Input)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
		env = append(env, EnvInput+"="+string(inputJSON))
	}
	return env, nil
}

// parseResult decodes the last non-empty stdout line when it holds a JSON
// object. Other output is treated as logs.
func parseResult(stdout string) (Result, error) {
	var last string
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return Result{}, fmt.Errorf("read stdout: %w", err)
	}
	if !strings.HasPrefix(last, "{") {
		return Result{}, nil
	}
	var res Result
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return Result{}, fmt.Errorf("decode result line: %w", err)
	}
	return res, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
