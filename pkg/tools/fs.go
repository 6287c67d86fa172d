package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Filesystem tools. All paths resolve against the task workspace; when
// restrict is set, anything escaping it is refused.

type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "fs:read" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return FailResult(CodeInvalidInput, "path is required", false)
	}

	resolved, err := ValidatePath(path, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return FailResult(CodeNotFound, fmt.Sprintf("file not found: %s", path), false)
		}
		return FailResult(CodeIOError, err.Error(), true)
	}
	result := OKResult(string(content))
	result.Metadata = map[string]any{"path": resolved, "bytes": len(content)}
	return result
}

type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string        { return "fs:write" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required":             []string{"path", "content"},
		"additionalProperties": false,
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return FailResult(CodeInvalidInput, "path is required", false)
	}

	resolved, err := ValidatePath(path, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return FailResult(CodeIOError, err.Error(), true)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return FailResult(CodeIOError, err.Error(), true)
	}
	result := OKResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	result.Metadata = map[string]any{"path": resolved, "bytes": len(content)}
	return result
}

type EditFileTool struct {
	workspace string
	restrict  bool
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "fs:edit" }
func (t *EditFileTool) Description() string {
	return "Replace an exact text snippet in a file with new text"
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "Exact text to replace (must occur exactly once)",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required":             []string{"path", "old_text", "new_text"},
		"additionalProperties": false,
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if path == "" || oldText == "" {
		return FailResult(CodeInvalidInput, "path and old_text are required", false)
	}

	resolved, err := ValidatePath(path, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return FailResult(CodeNotFound, fmt.Sprintf("file not found: %s", path), false)
		}
		return FailResult(CodeIOError, err.Error(), true)
	}

	content := string(data)
	count := strings.Count(content, oldText)
	if count == 0 {
		return FailResult(CodeInvalidInput, "old_text not found in file", false)
	}
	if count > 1 {
		return FailResult(CodeInvalidInput, fmt.Sprintf("old_text occurs %d times; provide a unique snippet", count), false)
	}

	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return FailResult(CodeIOError, err.Error(), true)
	}
	return OKResult(fmt.Sprintf("edited %s", path))
}

type ListDirTool struct {
	workspace string
	restrict  bool
}

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{workspace: workspace, restrict: restrict}
}

func (t *ListDirTool) Name() string        { return "fs:list" }
func (t *ListDirTool) Description() string { return "List the entries of a directory" }

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list",
				"default":     ".",
			},
		},
		"additionalProperties": false,
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}

	resolved, err := ValidatePath(path, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return FailResult(CodeNotFound, fmt.Sprintf("directory not found: %s", path), false)
		}
		return FailResult(CodeIOError, err.Error(), true)
	}

	var lines []string
	for _, entry := range entries {
		if entry.IsDir() {
			lines = append(lines, entry.Name()+"/")
		} else {
			lines = append(lines, entry.Name())
		}
	}
	sort.Strings(lines)
	return OKResult(strings.Join(lines, "\n"))
}

type ExistsTool struct {
	workspace string
	restrict  bool
}

func NewExistsTool(workspace string, restrict bool) *ExistsTool {
	return &ExistsTool{workspace: workspace, restrict: restrict}
}

func (t *ExistsTool) Name() string        { return "fs:exists" }
func (t *ExistsTool) Description() string { return "Check whether a file or directory exists" }

func (t *ExistsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to check",
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	}
}

func (t *ExistsTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return FailResult(CodeInvalidInput, "path is required", false)
	}

	resolved, err := ValidatePath(path, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return OKResult("false")
		}
		return FailResult(CodeIOError, err.Error(), true)
	}
	if info.IsDir() {
		return OKResult("true (directory)")
	}
	return OKResult("true (file)")
}
