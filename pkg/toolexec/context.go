package toolexec

import "context"

// ToolFunc runs a single resolved tool.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// ToolStore resolves a tool name to its implementation.
type ToolStore interface {
	Resolve(name string) (ToolFunc, bool)
}

// Call is everything a dispatcher needs for one request. Executor is the
// executor running the call, so tools can talk back to it (for example to
// register background processes).
type Call struct {
	Request  CallRequest
	Stores   []ToolStore
	Executor *Executor
}

// Dispatcher resolves and invokes a single tool call.
type Dispatcher interface {
	Dispatch(ctx context.Context, call Call) (ExecutionOutcome, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, call Call) (ExecutionOutcome, error)

// Dispatch calls f(ctx, call).
func (f DispatcherFunc) Dispatch(ctx context.Context, call Call) (ExecutionOutcome, error) {
	return f(ctx, call)
}

type executorKey struct{}

// WithExecutor binds the executor running the current call to ctx.
func WithExecutor(ctx context.Context, e *Executor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if e == nil {
		return ctx
	}
	return context.WithValue(ctx, executorKey{}, e)
}

// ExecutorFromContext returns the executor bound to ctx, or nil outside a dispatch.
func ExecutorFromContext(ctx context.Context) *Executor {
	if ctx == nil {
		return nil
	}
	if e, ok := ctx.Value(executorKey{}).(*Executor); ok {
		return e
	}
	return nil
}
