package coretools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/harun/toolrun/pkg/toolstore"
)

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot is the base for relative working directories. Defaults to the process cwd.
	WorkspaceRoot string
	// ExecTimeout bounds the synchronous exec tool when the call sets no timeout.
	ExecTimeout time.Duration
}

// RegisterCoreTools registers the baseline tools, including the background
// process tools that talk back to the running executor.
func RegisterCoreTools(store *toolstore.Store, opts Options) error {
	if store == nil {
		return errors.New("tool store is required")
	}

	tools := []toolstore.ToolDefinition{
		echoTool(),
		sleepTool(),
		execTool(opts),
		execBackgroundTool(opts),
		processListTool(),
		processStopTool(),
		processCleanupTool(),
	}

	for _, tool := range tools {
		if err := store.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func echoTool() toolstore.ToolDefinition {
	return toolstore.ToolDefinition{
		Name:        "echo",
		Description: "Return the given text unchanged.",
		Parameters: []toolstore.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to return", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			text, _ := params["text"].(string)
			return text, nil
		},
	}
}

func sleepTool() toolstore.ToolDefinition {
	return toolstore.ToolDefinition{
		Name:        "sleep",
		Description: "Wait for the given number of seconds.",
		Parameters: []toolstore.ToolParameter{
			{Name: "seconds", Type: "number", Description: "Seconds to sleep", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			d := parseDurationSeconds(params["seconds"], 0)
			start := time.Now()

			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			return map[string]interface{}{
				"slept_ms": time.Since(start).Milliseconds(),
			}, nil
		},
	}
}

func workspaceRoot(opts Options) (string, error) {
	if opts.WorkspaceRoot != "" {
		return opts.WorkspaceRoot, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return wd, nil
}
