// kbagent - autonomous agent runtime
// License: MIT

// Package tools defines the tool surface the agent loop dispatches to:
// the Tool interface, the registry, and the executor façade that
// normalizes inputs, enforces permissions, and records results.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Error codes surfaced through ToolResult.Error.Code.
const (
	CodePermissionDenied = "permission_denied"
	CodeToolError        = "tool_error"
	CodeInvalidInput     = "invalid_input"
	CodeNotFound         = "not_found"
	CodeTimeout          = "timeout"
	CodeIOError          = "io_error"
)

// ToolError describes a failed tool call. Retryable tells the executor
// whether an automatic retry may help.
type ToolError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ToolResult is the outcome of a single tool execution.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Success    bool           `json:"success"`
	Output     string         `json:"output"`
	Error      *ToolError     `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// OKResult builds a successful result.
func OKResult(output string) *ToolResult {
	return &ToolResult{Success: true, Output: output}
}

// FailResult builds a failed result with the given error code.
func FailResult(code, message string, retryable bool) *ToolResult {
	return &ToolResult{
		Success: false,
		Output:  message,
		Error:   &ToolError{Code: code, Message: message, Retryable: retryable},
	}
}

// Tool is one executable capability offered to the model.
// Parameters returns a JSON Schema object describing the input.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *ToolResult
}

// ValidatePath resolves path against the workspace and, when restrict is
// set, refuses anything that escapes it (including via symlinks).
func ValidatePath(path, workspace string, restrict bool) (string, error) {
	if workspace == "" {
		return path, fmt.Errorf("workspace is not defined")
	}

	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath, err = filepath.Abs(filepath.Join(absWorkspace, path))
		if err != nil {
			return "", fmt.Errorf("failed to resolve file path: %w", err)
		}
	}

	if restrict {
		if !isWithinWorkspace(absPath, absWorkspace) {
			return "", fmt.Errorf("access denied: path is outside the workspace")
		}

		workspaceReal := absWorkspace
		if resolved, err := filepath.EvalSymlinks(absWorkspace); err == nil {
			workspaceReal = resolved
		}

		if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
			if !isWithinWorkspace(resolved, workspaceReal) {
				return "", fmt.Errorf("access denied: symlink resolves outside workspace")
			}
		} else if os.IsNotExist(err) {
			if parentResolved, perr := resolveExistingAncestor(filepath.Dir(absPath)); perr == nil {
				if !isWithinWorkspace(parentResolved, workspaceReal) {
					return "", fmt.Errorf("access denied: symlink resolves outside workspace")
				}
			} else if !os.IsNotExist(perr) {
				return "", fmt.Errorf("failed to resolve path: %w", perr)
			}
		} else {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
	}

	return absPath, nil
}

func resolveExistingAncestor(path string) (string, error) {
	for current := filepath.Clean(path); ; current = filepath.Dir(current) {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			return resolved, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		if filepath.Dir(current) == current {
			return "", os.ErrNotExist
		}
	}
}

func isWithinWorkspace(candidate, workspace string) bool {
	rel, err := filepath.Rel(filepath.Clean(workspace), filepath.Clean(candidate))
	return err == nil && filepath.IsLocal(rel)
}
