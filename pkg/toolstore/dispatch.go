package toolstore

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/toolrun/pkg/toolexec"
)

// Dispatch resolves the requested tool against the call's stores in order and
// runs the first match. Unknown tools and tool errors become failed outcomes;
// Dispatch itself only errors when it has nothing to dispatch against.
func Dispatch(ctx context.Context, call toolexec.Call) (toolexec.ExecutionOutcome, error) {
	req := call.Request
	if len(call.Stores) == 0 {
		return toolexec.ExecutionOutcome{}, fmt.Errorf("no tool stores configured")
	}

	var fn toolexec.ToolFunc
	for _, store := range call.Stores {
		if store == nil {
			continue
		}
		if f, ok := store.Resolve(req.ToolName); ok {
			fn = f
			break
		}
	}
	if fn == nil {
		return toolexec.FailedOutcome(req, fmt.Sprintf("tool not found: %s", req.ToolName)), nil
	}

	start := time.Now()
	result, err := fn(ctx, req.Arguments)
	if err != nil {
		outcome := toolexec.FailedOutcome(req, err.Error())
		outcome.Duration = time.Since(start)
		return outcome, nil
	}

	return toolexec.ExecutionOutcome{
		Request:     req,
		Success:     true,
		Result:      result,
		Duration:    time.Since(start),
		CompletedAt: time.Now(),
	}, nil
}

// Dispatcher returns Dispatch as a toolexec.Dispatcher.
func Dispatcher() toolexec.Dispatcher {
	return toolexec.DispatcherFunc(Dispatch)
}

// Stores converts concrete stores to the interface slice the executor takes.
func Stores(stores ...*Store) []toolexec.ToolStore {
	out := make([]toolexec.ToolStore, 0, len(stores))
	for _, s := range stores {
		out = append(out, s)
	}
	return out
}
