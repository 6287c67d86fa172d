package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	searchMaxMatches  = 100
	searchMaxFileSize = 2 << 20
)

// skipDir filters the directories no search should descend into.
func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".kb", "vendor":
		return true
	}
	return false
}

// SearchTool greps file contents under the workspace with a regex.
type SearchTool struct {
	workspace string
	restrict  bool
}

func NewSearchTool(workspace string, restrict bool) *SearchTool {
	return &SearchTool{workspace: workspace, restrict: restrict}
}

func (t *SearchTool) Name() string { return "fs:search" }
func (t *SearchTool) Description() string {
	return "Search file contents recursively with a regular expression"
}

func (t *SearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search under",
				"default":     ".",
			},
		},
		"required":             []string{"pattern"},
		"additionalProperties": false,
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return FailResult(CodeInvalidInput, "pattern is required", false)
	}
	root, _ := args["path"].(string)
	if root == "" {
		root = "."
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return FailResult(CodeInvalidInput, fmt.Sprintf("invalid pattern: %v", err), false)
	}

	resolved, err := ValidatePath(root, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	var matches []string
	walkErr := filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > searchMaxFileSize {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()

		rel, _ := filepath.Rel(resolved, path)
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
				if len(matches) >= searchMaxMatches {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		if ctx.Err() != nil {
			return FailResult(CodeTimeout, "search canceled", false)
		}
	}

	if len(matches) == 0 {
		return OKResult("no matches")
	}
	result := OKResult(strings.Join(matches, "\n"))
	result.Metadata = map[string]any{"matches": len(matches)}
	return result
}

// GlobTool matches file paths against a glob pattern.
type GlobTool struct {
	workspace string
	restrict  bool
}

func NewGlobTool(workspace string, restrict bool) *GlobTool {
	return &GlobTool{workspace: workspace, restrict: restrict}
}

func (t *GlobTool) Name() string { return "fs:glob" }
func (t *GlobTool) Description() string {
	return "Find files whose names match a glob pattern"
}

func (t *GlobTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern, e.g. *.go or docs/*.md",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search under",
				"default":     ".",
			},
		},
		"required":             []string{"pattern"},
		"additionalProperties": false,
	}
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return FailResult(CodeInvalidInput, "pattern is required", false)
	}
	root, _ := args["path"].(string)
	if root == "" {
		root = "."
	}

	resolved, err := ValidatePath(root, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	var paths []string
	filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(resolved, path)
		matched, _ := filepath.Match(pattern, filepath.Base(path))
		if !matched {
			matched, _ = filepath.Match(pattern, rel)
		}
		if matched {
			paths = append(paths, rel)
			if len(paths) >= searchMaxMatches {
				return filepath.SkipAll
			}
		}
		return nil
	})

	if len(paths) == 0 {
		return OKResult("no matches")
	}
	result := OKResult(strings.Join(paths, "\n"))
	result.Metadata = map[string]any{"matches": len(paths)}
	return result
}
