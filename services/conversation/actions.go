package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/expr-lang/expr"

	"chatflow/api/services/flow"
)

// Invocation is what an action or integration executor receives for one node execution.
type Invocation struct {
	TenantID       string
	ConversationID string
	ExecutionID    string
	NodeID         string
	Type           string
	// Parameters are the node's configured parameters with {{tokens}} already rendered.
	Parameters map[string]any
	// Variables is a snapshot; executors must not modify it.
	Variables map[string]any
	// IdempotencyKey is stable across retries of the same node execution.
	IdempotencyKey string
}

// Executor performs a side-effecting operation for an action or integration node.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, inv Invocation) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, inv Invocation) (any, error) {
	return f(ctx, inv)
}

// VariableUpdates is a result type executors may return to assign several variables at once.
type VariableUpdates map[string]any

// Registry maps action or integration type names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds or replaces the executor for name.
func (r *Registry) Register(name string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = ex
}

// Lookup returns the executor registered for name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	return ex, ok
}

// Names lists registered type names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewActionRegistry returns a registry with the built-in set_variable and log actions.
func NewActionRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry()
	r.Register("set_variable", ExecutorFunc(setVariable))
	r.Register("log", logAction(logger))
	return r
}

// setVariable assigns parameters.variable from either an expr expression evaluated
// against the conversation variables, or a literal value.
func setVariable(_ context.Context, inv Invocation) (any, error) {
	name, _ := inv.Parameters["variable"].(string)
	if name == "" {
		return nil, errors.New("set_variable: parameter \"variable\" is required")
	}

	if expression, ok := inv.Parameters["expression"].(string); ok && expression != "" {
		env := make(map[string]any, len(inv.Variables))
		for k, v := range inv.Variables {
			env[k] = v
		}
		program, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("set_variable: compile %q: %w", expression, err)
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return nil, fmt.Errorf("set_variable: evaluate %q: %w", expression, err)
		}
		return VariableUpdates{name: normalize(out)}, nil
	}

	value, ok := inv.Parameters["value"]
	if !ok {
		return nil, errors.New("set_variable: one of \"expression\" or \"value\" is required")
	}
	return VariableUpdates{name: normalize(value)}, nil
}

// normalize stores integers as float64 so numeric variables have a single representation.
func normalize(v any) any {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		if f, ok := flow.ToFloat64(v); ok {
			return f
		}
	}
	return v
}

func logAction(logger *slog.Logger) ExecutorFunc {
	return func(ctx context.Context, inv Invocation) (any, error) {
		message, _ := inv.Parameters["message"].(string)
		logger.InfoContext(ctx, "Flow log action",
			"tenant_id", inv.TenantID,
			"conversation_id", inv.ConversationID,
			"node_id", inv.NodeID,
			"message", message,
		)
		return nil, nil
	}
}
