package executor

import (
	"fmt"
	"log/slog"
	"sort"
)

// Registry maps executor type identifiers to their Executor implementations.
// Registration happens at startup before concurrent access, so no mutex is needed.
type Registry struct {
	executors map[string]Executor
	fallback  string
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry. The first registered executor
// serves runs that do not name one.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		logger:    logger.With("component", "executor-registry"),
	}
}

// Register adds an Executor to the registry, keyed by its Type().
func (r *Registry) Register(exec Executor) {
	t := exec.Type()
	r.executors[t] = exec
	if r.fallback == "" {
		r.fallback = t
	}
	r.logger.Info("executor registered", "type", t)
}

// Get returns the Executor for the given type or an error if none is registered.
// An empty type selects the default executor.
func (r *Registry) Get(t string) (Executor, error) {
	if t == "" {
		t = r.fallback
	}
	exec, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for type %q", t)
	}
	return exec, nil
}

// Types returns the registered executor types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
