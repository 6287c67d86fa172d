package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellTool runs a shell command inside the workspace. The command inherits
// the call context, so a task abort kills the process.
type ShellTool struct {
	workspace      string
	restrict       bool
	defaultTimeout time.Duration
}

func NewShellTool(workspace string, restrict bool, defaultTimeout time.Duration) *ShellTool {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &ShellTool{workspace: workspace, restrict: restrict, defaultTimeout: defaultTimeout}
}

func (t *ShellTool) Name() string        { return "shell:exec" }
func (t *ShellTool) Description() string { return "Execute a shell command in the workspace" }

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Command line to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Working directory relative to the workspace",
				"default":     ".",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Seconds before the command is killed",
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return FailResult(CodeInvalidInput, "command is required", false)
	}

	workDir, _ := args["working_dir"].(string)
	if workDir == "" {
		workDir = "."
	}
	resolved, err := ValidatePath(workDir, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	timeout := t.defaultTimeout
	switch v := args["timeout_seconds"].(type) {
	case int:
		if v > 0 {
			timeout = time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			timeout = time.Duration(v) * time.Second
		}
	case float64:
		if v > 0 {
			timeout = time.Duration(v) * time.Second
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = resolved

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "stderr: " + stderr.String()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return FailResult(CodeTimeout, fmt.Sprintf("command timed out after %s", timeout), true)
	}
	if ctx.Err() != nil {
		return FailResult(CodeTimeout, "command canceled", false)
	}
	if runErr != nil {
		result := FailResult(CodeToolError, fmt.Sprintf("command failed: %v", runErr), false)
		if output != "" {
			result.Output = output + "\n" + result.Output
		}
		return result
	}

	if output == "" {
		output = "(no output)"
	}
	return OKResult(output)
}
