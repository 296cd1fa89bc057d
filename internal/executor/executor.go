// Package executor runs block code outside the scheduling path and reports
// back through completion and failure callbacks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/pipesched/internal/retry"
	"github.com/me/pipesched/pkg/model"
)

// Executor type identifiers stored on PipelineRun.ExecutorType.
const (
	TypeLocal     = "local"
	TypeFunc      = "func"
	TypeDocker    = "docker"
	TypeApptainer = "apptainer"
)

// Request carries everything an executor needs to run one block run
// without reading the store.
type Request struct {
	PipelineUUID       string
	PipelineRunID      string
	BlockRunID         string
	BlockRunUUID       string
	Block              *model.Block
	ExecutionDate      time.Time
	ExecutionPartition string
	Variables          map[string]any
	// Input is the fan-out element for children of a dynamic block.
	Input any
	// RetryConfig is the effective block retry config.
	RetryConfig *model.RetryConfig
}

// Result is what a finished block reports back.
type Result struct {
	Output  []any          `json:"output,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Callbacks receive the outcome of a block run. They may run in a different
// process than the scheduler that dispatched the block.
type Callbacks interface {
	OnComplete(ctx context.Context, blockRunUUID string, res Result) error
	OnFailure(ctx context.Context, blockRunUUID string, err error) error
}

// Executor is a pluggable backend that runs one block.
type Executor interface {
	// Type returns the executor type identifier.
	Type() string

	// Run executes the block once and returns its result.
	Run(ctx context.Context, req Request) (Result, error)
}

// Execute runs req on e, applying the block timeout and retry policy, then
// reports the outcome through cb. The returned error is the callback's.
func Execute(ctx context.Context, e Executor, req Request, cb Callbacks, logger *slog.Logger) error {
	log := logger.With("component", "executor", "type", e.Type(),
		"pipeline_run_id", req.PipelineRunID, "block_uuid", req.BlockRunUUID)

	var res Result
	attempt := 0
	err := retry.Do(ctx, retry.FromRetryConfig(req.RetryConfig), func() error {
		attempt++
		runCtx := ctx
		if req.Block != nil && req.Block.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, req.Block.Timeout)
			defer cancel()
		}
		r, err := e.Run(runCtx, req)
		if err != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = fmt.Errorf("block timed out after %s: %w", req.Block.Timeout, err)
			}
			log.Warn("block attempt failed", "attempt", attempt, "error", err)
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		log.Info("block failed", "attempts", attempt, "error", err)
		return cb.OnFailure(ctx, req.BlockRunUUID, err)
	}
	log.Debug("block completed", "attempts", attempt, "outputs", len(res.Output))
	return cb.OnComplete(ctx, req.BlockRunUUID, res)
}
