package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	switch e := runErr.(type) {
	case nil:
		return stdout, stderr, 0, nil
	case *exec.ExitError:
		return stdout, stderr, e.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

// ConfigImage is the block configuration key naming the container image.
const ConfigImage = "image"

// ContainerExecutor runs a block's command inside a container through the
// docker or apptainer CLI. The block's work directory is mounted at /work and
// the run context is passed in the same environment variables the local
// executor sets.
type ContainerExecutor struct {
	runtime string
	logger  *slog.Logger
	workDir string
	runner  CommandRunner
}

// NewDockerExecutor creates a ContainerExecutor using the docker CLI.
// If workDir is empty, os.TempDir() is used.
func NewDockerExecutor(workDir string, logger *slog.Logger) *ContainerExecutor {
	return newContainerExecutor(TypeDocker, workDir, logger, &osCommandRunner{})
}

// NewApptainerExecutor creates a ContainerExecutor using the apptainer CLI.
func NewApptainerExecutor(workDir string, logger *slog.Logger) *ContainerExecutor {
	return newContainerExecutor(TypeApptainer, workDir, logger, &osCommandRunner{})
}

// newContainerExecutor is used by tests to inject a mock CommandRunner.
func newContainerExecutor(runtime, workDir string, logger *slog.Logger, runner CommandRunner) *ContainerExecutor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &ContainerExecutor{
		runtime: runtime,
		workDir: workDir,
		logger:  logger.With("component", runtime+"-executor"),
		runner:  runner,
	}
}

// Type returns TypeDocker or TypeApptainer.
func (e *ContainerExecutor) Type() string {
	return e.runtime
}

// Run executes the block synchronously in a fresh container. A block
// without a command completes with an empty result.
func (e *ContainerExecutor) Run(ctx context.Context, req Request) (Result, error) {
	if req.Block == nil || len(req.Block.Command) == 0 {
		return Result{}, nil
	}
	image, _ := req.Block.Configuration[ConfigImage].(string)
	if image == "" {
		return Result{}, fmt.Errorf("block %s: configuration.%s is missing or empty", req.BlockRunUUID, ConfigImage)
	}

	dir := blockDir(e.workDir, req)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("block %s: create work dir: %w", req.BlockRunUUID, err)
	}
	env, err := blockEnv(req)
	if err != nil {
		return Result{}, fmt.Errorf("block %s: %w", req.BlockRunUUID, err)
	}

	name := containerName(req)
	args := e.args(name, dir, image, env, req.Block.Command)

	start := time.Now()
	stdout, stderr, exitCode, runErr := e.runner.Run(ctx, e.runtime, args...)
	if ctx.Err() != nil && e.runtime == TypeDocker {
		// The CLI was killed; the container may still be running.
		e.runner.Run(context.WithoutCancel(ctx), "docker", "rm", "-f", name)
	}
	if runErr != nil {
		return Result{}, fmt.Errorf("block %s: %s run: %w", req.BlockRunUUID, e.runtime, runErr)
	}
	if exitCode != 0 {
		return Result{}, fmt.Errorf("block %s: exit code %d: %s", req.BlockRunUUID, exitCode, tail(stderr, maxStderr))
	}

	res, err := parseResult(stdout)
	if err != nil {
		return Result{}, fmt.Errorf("block %s: %w", req.BlockRunUUID, err)
	}
	if res.Metrics == nil {
		res.Metrics = make(map[string]any)
	}
	res.Metrics["duration_seconds"] = time.Since(start).Seconds()

	e.logger.Debug("container block finished",
		"block_uuid", req.BlockRunUUID,
		"image", image,
		"command", req.Block.Command,
		"outputs", len(res.Output),
	)
	return res, nil
}

func (e *ContainerExecutor) args(name, dir, image string, env, command []string) []string {
	var args []string
	switch e.runtime {
	case TypeApptainer:
		args = []string{"exec", "--bind", dir + ":/work", "--pwd", "/work"}
		for _, kv := range env {
			args = append(args, "--env", kv)
		}
		if !strings.Contains(image, "://") {
			image = "docker://" + image
		}
	default:
		args = []string{"run", "--rm", "--name", name, "-v", dir + ":/work", "-w", "/work"}
		for _, kv := range env {
			args = append(args, "-e", kv)
		}
	}
	args = append(args, image)
	return append(args, command...)
}

// containerName derives a docker-safe name from the block run id.
func containerName(req Request) string {
	return "pipesched-" + strings.NewReplacer(":", "-", "/", "-").Replace(req.BlockRunID)
}
