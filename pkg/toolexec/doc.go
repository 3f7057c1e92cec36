// Package toolexec executes tool calls emitted by an agent loop in the background.
//
// Invariants:
// - At most PoolSize dispatches hold a concurrency slot at any time.
// - A call is dispatched at most once per idempotency key; repeats replay the cached outcome.
// - Outcomes reach the result buffer in completion order.
// - A failing tool never aborts the executor or its sibling calls.
// - Background processes stay registered until stopped-and-cleaned up.
//
// Usage:
//
//	exec := toolexec.New(toolstore.Dispatcher(), []toolexec.ToolStore{store}, toolexec.WithPoolSize(4))
//	_ = exec.Start(ctx)
//	_ = exec.Submit(ctx, toolexec.CallRequest{ToolName: "echo", Arguments: args, CallID: "call_1", Success: true})
//	outcomes := exec.Observe(ctx, toolexec.ObserveOptions{Wait: true, Timeout: time.Second})
//	_ = exec.Shutdown(ctx, true)
package toolexec
