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

// Code navigation tools. Definitions and usages are located with
// language-agnostic regex heuristics over common declaration shapes;
// good enough for the model to orient itself without a language server.

var definitionShapes = []string{
	`^\s*func\s+(?:\([^)]*\)\s*)?%s\s*[(\[]`,         // Go func / method
	`^\s*type\s+%s\b`,                                // Go type
	`^\s*(?:var|const)\s+%s\b`,                       // Go var/const
	`^\s*(?:export\s+)?(?:async\s+)?function\s+%s\b`, // JS/TS
	`^\s*(?:export\s+)?(?:abstract\s+)?class\s+%s\b`, // JS/TS/Python-ish
	`^\s*def\s+%s\s*\(`,                              // Python
	`^\s*(?:export\s+)?(?:const|let|var)\s+%s\s*=`,   // JS/TS binding
	`^\s*(?:export\s+)?interface\s+%s\b`,             // TS
}

func walkSourceFiles(root string, visit func(path, rel string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
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
		rel, _ := filepath.Rel(root, path)
		return visit(path, rel)
	})
}

func scanFileLines(path string, visit func(lineNo int, line string) bool) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if !visit(lineNo, scanner.Text()) {
			return
		}
	}
}

// FindDefinitionTool locates where a symbol is declared.
type FindDefinitionTool struct {
	workspace string
	restrict  bool
}

func NewFindDefinitionTool(workspace string, restrict bool) *FindDefinitionTool {
	return &FindDefinitionTool{workspace: workspace, restrict: restrict}
}

func (t *FindDefinitionTool) Name() string { return "code:find-definition" }
func (t *FindDefinitionTool) Description() string {
	return "Find where a symbol (function, type, class) is defined"
}

func (t *FindDefinitionTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"symbol": map[string]any{
				"type":        "string",
				"description": "Symbol name to locate",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search under",
				"default":     ".",
			},
		},
		"required":             []string{"symbol"},
		"additionalProperties": false,
	}
}

func (t *FindDefinitionTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	symbol, _ := args["symbol"].(string)
	if symbol == "" {
		return FailResult(CodeInvalidInput, "symbol is required", false)
	}
	root, _ := args["path"].(string)
	if root == "" {
		root = "."
	}

	resolved, err := ValidatePath(root, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	quoted := regexp.QuoteMeta(symbol)
	var patterns []*regexp.Regexp
	for _, shape := range definitionShapes {
		patterns = append(patterns, regexp.MustCompile(fmt.Sprintf(shape, quoted)))
	}

	var hits []string
	walkSourceFiles(resolved, func(path, rel string) error {
		scanFileLines(path, func(lineNo int, line string) bool {
			for _, re := range patterns {
				if re.MatchString(line) {
					hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
					break
				}
			}
			return len(hits) < searchMaxMatches
		})
		if len(hits) >= searchMaxMatches {
			return filepath.SkipAll
		}
		return nil
	})

	if len(hits) == 0 {
		return OKResult(fmt.Sprintf("no definition found for %q", symbol))
	}
	return OKResult(strings.Join(hits, "\n"))
}

// FindUsagesTool locates references to a symbol outside its definition.
type FindUsagesTool struct {
	workspace string
	restrict  bool
}

func NewFindUsagesTool(workspace string, restrict bool) *FindUsagesTool {
	return &FindUsagesTool{workspace: workspace, restrict: restrict}
}

func (t *FindUsagesTool) Name() string        { return "code:find-usages" }
func (t *FindUsagesTool) Description() string { return "Find references to a symbol" }

func (t *FindUsagesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"symbol": map[string]any{
				"type":        "string",
				"description": "Symbol name to find references to",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search under",
				"default":     ".",
			},
		},
		"required":             []string{"symbol"},
		"additionalProperties": false,
	}
}

func (t *FindUsagesTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	symbol, _ := args["symbol"].(string)
	if symbol == "" {
		return FailResult(CodeInvalidInput, "symbol is required", false)
	}
	root, _ := args["path"].(string)
	if root == "" {
		root = "."
	}

	resolved, err := ValidatePath(root, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}

	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(symbol) + `\b`)

	var hits []string
	walkSourceFiles(resolved, func(path, rel string) error {
		scanFileLines(path, func(lineNo int, line string) bool {
			if re.MatchString(line) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
			}
			return len(hits) < searchMaxMatches
		})
		if len(hits) >= searchMaxMatches {
			return filepath.SkipAll
		}
		return nil
	})

	if len(hits) == 0 {
		return OKResult(fmt.Sprintf("no usages found for %q", symbol))
	}
	result := OKResult(strings.Join(hits, "\n"))
	result.Metadata = map[string]any{"matches": len(hits)}
	return result
}

// OutlineTool summarizes the top-level declarations of a file.
type OutlineTool struct {
	workspace string
	restrict  bool
}

func NewOutlineTool(workspace string, restrict bool) *OutlineTool {
	return &OutlineTool{workspace: workspace, restrict: restrict}
}

func (t *OutlineTool) Name() string        { return "code:outline" }
func (t *OutlineTool) Description() string { return "Outline the top-level declarations of a file" }

var outlineShape = regexp.MustCompile(
	`^\s*(func|type|class|def|interface|(?:export\s+)?(?:async\s+)?function|var|const)\s+\S+`)

func (t *OutlineTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "File to outline",
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	}
}

func (t *OutlineTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	path, _ := args["path"].(string)
	if path == "" {
		return FailResult(CodeInvalidInput, "path is required", false)
	}

	resolved, err := ValidatePath(path, t.workspace, t.restrict)
	if err != nil {
		return FailResult(CodePermissionDenied, err.Error(), false)
	}
	if _, err := os.Stat(resolved); err != nil {
		if os.IsNotExist(err) {
			return FailResult(CodeNotFound, fmt.Sprintf("file not found: %s", path), false)
		}
		return FailResult(CodeIOError, err.Error(), true)
	}

	var lines []string
	scanFileLines(resolved, func(lineNo int, line string) bool {
		if outlineShape.MatchString(line) {
			lines = append(lines, fmt.Sprintf("%4d  %s", lineNo, strings.TrimSpace(line)))
		}
		return true
	})

	if len(lines) == 0 {
		return OKResult("no top-level declarations found")
	}
	return OKResult(strings.Join(lines, "\n"))
}
