package tools

import (
	"context"
	"strings"
	"testing"
)

// countingTool fails a configurable number of times before succeeding.
type countingTool struct {
	name      string
	failures  int
	retryable bool
	calls     int
	schema    map[string]any
	lastArgs  map[string]any
}

func (t *countingTool) Name() string        { return t.name }
func (t *countingTool) Description() string { return "counting tool" }
func (t *countingTool) Parameters() map[string]any {
	if t.schema != nil {
		return t.schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{
		"value": map[string]any{"type": "string"},
	}}
}

func (t *countingTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	t.calls++
	t.lastArgs = args
	if t.calls <= t.failures {
		return FailResult(CodeToolError, "transient failure", t.retryable)
	}
	return OKResult("ok")
}

func newTestExecutor(t *testing.T, tool Tool, allow, deny []string) (*Executor, *Registry) {
	t.Helper()
	registry := NewRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatal(err)
	}
	return NewExecutor(registry, allow, deny), registry
}

func TestExecutor_PermissionDenied(t *testing.T) {
	tool := &countingTool{name: "shell:exec"}
	executor, _ := newTestExecutor(t, tool, nil, []string{"shell:exec"})

	result := executor.Execute(context.Background(), "shell:exec", map[string]any{"value": "x"}, 1)
	if result.Success {
		t.Fatal("denied tool executed")
	}
	if result.Error == nil || result.Error.Code != CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", result.Error)
	}
	if tool.calls != 0 {
		t.Fatal("tool body ran despite denial")
	}
}

func TestExecutor_AllowlistPatterns(t *testing.T) {
	tool := &countingTool{name: "fs:read"}
	executor, _ := newTestExecutor(t, tool, []string{"fs:*"}, nil)

	if !executor.Permitted("fs:read") {
		t.Fatal("fs:* did not match fs:read")
	}
	if executor.Permitted("shell:exec") {
		t.Fatal("allowlist leaked shell:exec")
	}
}

func TestExecutor_RetryableRetriedTwice(t *testing.T) {
	// Two retryable failures, success on the 3rd attempt.
	tool := &countingTool{name: "fs:read", failures: 2, retryable: true}
	executor, _ := newTestExecutor(t, tool, nil, nil)

	result := executor.Execute(context.Background(), "fs:read", map[string]any{"value": "x"}, 1)
	if !result.Success {
		t.Fatalf("expected success on 3rd attempt: %+v", result.Error)
	}
	if tool.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", tool.calls)
	}
}

func TestExecutor_RetryableExhaustedAfterTwoRetries(t *testing.T) {
	tool := &countingTool{name: "fs:read", failures: 10, retryable: true}
	executor, _ := newTestExecutor(t, tool, nil, nil)

	result := executor.Execute(context.Background(), "fs:read", map[string]any{"value": "x"}, 1)
	if result.Success {
		t.Fatal("expected failure")
	}
	// Initial attempt + 2 retries, then returned as failure.
	if tool.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", tool.calls)
	}
}

func TestExecutor_NonRetryableNotRetried(t *testing.T) {
	tool := &countingTool{name: "fs:read", failures: 10, retryable: false}
	executor, _ := newTestExecutor(t, tool, nil, nil)

	executor.Execute(context.Background(), "fs:read", map[string]any{"value": "x"}, 1)
	if tool.calls != 1 {
		t.Fatalf("non-retryable failure retried: %d attempts", tool.calls)
	}
}

func TestExecutor_NormalizationCoercesAndDefaults(t *testing.T) {
	tool := &countingTool{name: "calc", schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer"},
			"ratio": map[string]any{"type": "number"},
			"mode":  map[string]any{"type": "string", "default": "fast"},
		},
	}}
	executor, _ := newTestExecutor(t, tool, nil, nil)

	result := executor.Execute(context.Background(), "calc", map[string]any{
		"count": "42",
		"ratio": "0.5",
	}, 1)
	if !result.Success {
		t.Fatalf("execution failed: %+v", result.Error)
	}
	if tool.lastArgs["count"] != 42 {
		t.Fatalf("count not coerced to int: %[1]v (%[1]T)", tool.lastArgs["count"])
	}
	if tool.lastArgs["ratio"] != 0.5 {
		t.Fatalf("ratio not coerced to float: %v", tool.lastArgs["ratio"])
	}
	if tool.lastArgs["mode"] != "fast" {
		t.Fatalf("default not filled: %v", tool.lastArgs["mode"])
	}
}

func TestExecutor_ClosedSchemaRejectsUnknownKeys(t *testing.T) {
	tool := &countingTool{name: "strict", schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"known": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	}}
	executor, _ := newTestExecutor(t, tool, nil, nil)

	result := executor.Execute(context.Background(), "strict", map[string]any{
		"known":   "x",
		"unknown": "y",
	}, 1)
	if result.Success {
		t.Fatal("unknown key accepted on closed schema")
	}
	if result.Error.Code != CodeInvalidInput {
		t.Fatalf("expected invalid_input, got %s", result.Error.Code)
	}
	if tool.calls != 0 {
		t.Fatal("tool ran with invalid input")
	}
}

func TestExecutor_OpenSchemaKeepsUnknownKeys(t *testing.T) {
	tool := &countingTool{name: "open"}
	executor, _ := newTestExecutor(t, tool, nil, nil)

	result := executor.Execute(context.Background(), "open", map[string]any{
		"value": "x",
		"extra": "kept",
	}, 1)
	if !result.Success {
		t.Fatalf("open schema rejected unknown key: %+v", result.Error)
	}
	if tool.lastArgs["extra"] != "kept" {
		t.Fatal("unknown key dropped on open schema")
	}
}

// mapCache is a trivial ResultCache for executor tests.
type mapCache struct {
	entries map[string]string
	iters   map[string]int
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]string{}, iters: map[string]int{}}
}

func (c *mapCache) Get(toolName string, input map[string]any) (string, int, bool) {
	key := cacheTestKey(toolName, input)
	output, ok := c.entries[key]
	return output, c.iters[key], ok
}

func (c *mapCache) Put(toolName string, input map[string]any, output string, iteration int) {
	key := cacheTestKey(toolName, input)
	c.entries[key] = output
	c.iters[key] = iteration
}

func cacheTestKey(toolName string, input map[string]any) string {
	return toolName + ":" + input["value"].(string)
}

func TestExecutor_CacheShortCircuits(t *testing.T) {
	tool := &countingTool{name: "fs:read"}
	executor, _ := newTestExecutor(t, tool, nil, nil)
	executor.SetCache(newMapCache())

	args := map[string]any{"value": "same"}
	first := executor.Execute(context.Background(), "fs:read", args, 1)
	if !first.Success || tool.calls != 1 {
		t.Fatalf("first call wrong: %+v calls=%d", first, tool.calls)
	}

	second := executor.Execute(context.Background(), "fs:read", args, 4)
	if tool.calls != 1 {
		t.Fatalf("cache did not short-circuit: %d calls", tool.calls)
	}
	if !strings.Contains(second.Output, "previously observed at iteration 1") {
		t.Fatalf("cache annotation missing: %q", second.Output)
	}
}

func TestExecutor_ResolvesSanitizedNames(t *testing.T) {
	tool := &countingTool{name: "fs:read"}
	executor, _ := newTestExecutor(t, tool, nil, nil)

	result := executor.Execute(context.Background(), "fs__read", map[string]any{"value": "x"}, 1)
	if !result.Success {
		t.Fatalf("sanitized name not resolved: %+v", result.Error)
	}
}

func TestExecutor_UnknownTool(t *testing.T) {
	executor := NewExecutor(NewRegistry(), nil, nil)
	result := executor.Execute(context.Background(), "nope", nil, 1)
	if result.Success || result.Error.Code != CodeNotFound {
		t.Fatalf("expected not_found, got %+v", result)
	}
}
