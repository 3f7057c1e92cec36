package coretools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/harun/toolrun/pkg/toolexec"
	"github.com/harun/toolrun/pkg/toolstore"
)

var errNoExecutor = errors.New("no active executor for background process tools")

func executorFrom(ctx context.Context) (*toolexec.Executor, error) {
	e := toolexec.ExecutorFromContext(ctx)
	if e == nil {
		return nil, errNoExecutor
	}
	return e, nil
}

func execBackgroundTool(opts Options) toolstore.ToolDefinition {
	return toolstore.ToolDefinition{
		Name:        "exec_background",
		Description: "Start a command in the background and track it for later stop or cleanup.",
		Parameters: []toolstore.ToolParameter{
			{Name: "command", Type: "string", Description: "Command to execute", Required: true},
			{Name: "args", Type: "array", Description: "Command arguments"},
			{Name: "cwd", Type: "string", Description: "Working directory (relative to workspace)"},
			{Name: "env", Type: "object", Description: "Extra environment variables"},
			{Name: "log_file", Type: "string", Description: "File receiving stdout and stderr (relative to workspace)"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			executor, err := executorFrom(ctx)
			if err != nil {
				return nil, err
			}

			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}
			args := toStringSlice(params["args"])

			root, err := workspaceRoot(opts)
			if err != nil {
				return nil, err
			}
			dir := resolveWorkspacePath(root, params["cwd"])

			// Not CommandContext: the process must outlive this call.
			cmd := exec.Command(command, args...)
			cmd.Dir = dir
			cmd.Env = mergeEnv(toStringMap(params["env"]))

			logPath, _ := params["log_file"].(string)
			if logPath != "" {
				target, err := resolvePathInWorkspace(root, logPath)
				if err != nil {
					return nil, err
				}
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					return nil, err
				}
				f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err != nil {
					return nil, fmt.Errorf("failed to open log file: %w", err)
				}
				defer f.Close()
				cmd.Stdout = f
				cmd.Stderr = f
			}

			if err := cmd.Start(); err != nil {
				return nil, fmt.Errorf("failed to start %s: %w", command, err)
			}

			commandLine := strings.TrimSpace(command + " " + strings.Join(args, " "))
			id, err := executor.RegisterBackgroundProcess(cmd.Process, commandLine, dir)
			if err != nil {
				_ = cmd.Process.Kill()
				return nil, err
			}

			return map[string]interface{}{
				"id":      id,
				"pid":     cmd.Process.Pid,
				"command": commandLine,
				"cwd":     dir,
			}, nil
		},
	}
}

func processListTool() toolstore.ToolDefinition {
	return toolstore.ToolDefinition{
		Name:        "process_list",
		Description: "List background processes with their live status.",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			executor, err := executorFrom(ctx)
			if err != nil {
				return nil, err
			}
			processes := executor.ListBackgroundProcesses()
			return map[string]interface{}{
				"processes": processes,
				"count":     len(processes),
			}, nil
		},
	}
}

func processStopTool() toolstore.ToolDefinition {
	return toolstore.ToolDefinition{
		Name:        "process_stop",
		Description: "Stop a background process: SIGTERM, then SIGKILL after the grace window.",
		Parameters: []toolstore.ToolParameter{
			{Name: "id", Type: "string", Description: "Background process id", Required: true},
			{Name: "force", Type: "boolean", Description: "Send SIGKILL immediately"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			executor, err := executorFrom(ctx)
			if err != nil {
				return nil, err
			}
			id, _ := params["id"].(string)
			force, _ := params["force"].(bool)

			result, err := executor.StopBackgroundProcess(id, force)
			if err != nil {
				return nil, err
			}
			return result, nil
		},
	}
}

func processCleanupTool() toolstore.ToolDefinition {
	return toolstore.ToolDefinition{
		Name:        "process_cleanup",
		Description: "Stop and forget every background process.",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			executor, err := executorFrom(ctx)
			if err != nil {
				return nil, err
			}
			report, err := executor.CleanupBackgroundProcesses()
			if err != nil {
				return nil, fmt.Errorf("cleanup of %d processes had failures: %w", report.Total, err)
			}
			return report, nil
		},
	}
}
