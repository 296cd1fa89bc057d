// Package condition evaluates block run conditions written in JavaScript.
//
// A condition is either a bare expression, such as
//
//	variables.env === "prod" && event.size > 0
//
// or a code block wrapped in ${ ... } that returns a value. A condition that
// yields false stops the block with CONDITION_FAILED.
package condition

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Context is the data a condition can read.
type Context struct {
	Variables     map[string]any
	Event         map[string]any
	ExecutionDate time.Time
	BlockUUID     string
}

// Evaluator runs conditions on a fresh goja runtime per call.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates an Evaluator that aborts scripts running longer than timeout.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Evaluator{timeout: timeout}
}

func (e *Evaluator) setupVM(ctx Context) (*goja.Runtime, error) {
	vm := goja.New()
	vars := ctx.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	event := ctx.Event
	if event == nil {
		event = map[string]any{}
	}
	if err := vm.Set("variables", vars); err != nil {
		return nil, fmt.Errorf("set variables: %w", err)
	}
	if err := vm.Set("event", event); err != nil {
		return nil, fmt.Errorf("set event: %w", err)
	}
	if err := vm.Set("execution_date", ctx.ExecutionDate.UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("set execution_date: %w", err)
	}
	if err := vm.Set("block_uuid", ctx.BlockUUID); err != nil {
		return nil, fmt.Errorf("set block_uuid: %w", err)
	}
	return vm, nil
}

// Evaluate returns the truthiness of expr. An empty condition is true.
func (e *Evaluator) Evaluate(expr string, ctx Context) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	vm, err := e.setupVM(ctx)
	if err != nil {
		return false, err
	}

	code := "(" + expr + ")"
	if strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}") {
		body := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(expr, "${"), "}"))
		code = fmt.Sprintf("(function() { %s })()", body)
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("condition timed out")
	})
	defer timer.Stop()

	val, err := vm.RunString(code)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return val.ToBoolean(), nil
}
