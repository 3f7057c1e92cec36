package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/harun/toolrun/pkg/toolstore"
)

const defaultExecTimeout = 30 * time.Second

func execTool(opts Options) toolstore.ToolDefinition {
	return toolstore.ToolDefinition{
		Name:        "exec",
		Description: "Run a command to completion and capture its output.",
		Parameters: []toolstore.ToolParameter{
			{Name: "command", Type: "string", Description: "Command to execute", Required: true},
			{Name: "args", Type: "array", Description: "Command arguments"},
			{Name: "cwd", Type: "string", Description: "Working directory (relative to workspace)"},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds"},
			{Name: "env", Type: "object", Description: "Extra environment variables"},
			{Name: "stdin", Type: "string", Description: "Standard input"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}

			root, err := workspaceRoot(opts)
			if err != nil {
				return nil, err
			}

			fallback := opts.ExecTimeout
			if fallback <= 0 {
				fallback = defaultExecTimeout
			}
			timeoutCtx, cancel := context.WithTimeout(ctx, parseDurationSeconds(params["timeout"], fallback))
			defer cancel()

			cmd := exec.CommandContext(timeoutCtx, command, toStringSlice(params["args"])...)
			cmd.Dir = resolveWorkspacePath(root, params["cwd"])
			cmd.Env = mergeEnv(toStringMap(params["env"]))
			if stdin, ok := params["stdin"].(string); ok && stdin != "" {
				cmd.Stdin = strings.NewReader(stdin)
			}
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			start := time.Now()
			runErr := cmd.Run()
			exitCode := 0
			if runErr != nil {
				var exitErr *exec.ExitError
				if !errors.As(runErr, &exitErr) {
					return nil, fmt.Errorf("failed to run %s: %w", command, runErr)
				}
				exitCode = exitErr.ExitCode()
			}

			return map[string]interface{}{
				"stdout":    stdout.String(),
				"stderr":    stderr.String(),
				"exit_code": exitCode,
				"duration":  time.Since(start).Milliseconds(),
			}, nil
		},
	}
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
