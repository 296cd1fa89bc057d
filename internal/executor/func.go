package executor

import (
	"context"
	"sync"
)

// BlockFunc runs one block in-process.
type BlockFunc func(ctx context.Context, req Request) (Result, error)

// FuncExecutor runs blocks as Go functions keyed by base block uuid.
// Blocks without a registered function complete with an empty result.
type FuncExecutor struct {
	mu    sync.RWMutex
	funcs map[string]BlockFunc
}

// NewFuncExecutor creates an empty FuncExecutor.
func NewFuncExecutor() *FuncExecutor {
	return &FuncExecutor{funcs: make(map[string]BlockFunc)}
}

// Handle registers fn for blockUUID.
func (e *FuncExecutor) Handle(blockUUID string, fn BlockFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[blockUUID] = fn
}

// Type returns TypeFunc.
func (e *FuncExecutor) Type() string {
	return TypeFunc
}

// Run calls the function registered for the request's block.
func (e *FuncExecutor) Run(ctx context.Context, req Request) (Result, error) {
	if req.Block == nil {
		return Result{}, nil
	}
	e.mu.RLock()
	fn, ok := e.funcs[req.Block.UUID]
	e.mu.RUnlock()
	if !ok {
		return Result{}, nil
	}
	return fn(ctx, req)
}
