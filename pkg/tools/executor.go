package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kb-labs/kbagent/pkg/logger"
)

// ResultCache is implemented by the per-task context filter; identical
// calls within the TTL short-circuit execution.
type ResultCache interface {
	Get(toolName string, input map[string]any) (output string, iteration int, ok bool)
	Put(toolName string, input map[string]any, output string, iteration int)
}

// Truncator shortens tool output for history; the executor delegates to
// the context filter so the policy lives in one place.
type Truncator func(toolName, output string) string

const defaultMaxRetries = 2

// Executor is the façade every tool call goes through: permission check,
// input normalization and schema validation, execution with bounded
// retries, duration capture, truncation, and cache writeback.
type Executor struct {
	registry *Registry
	allow    []string
	deny     []string
	cache    ResultCache
	truncate Truncator

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewExecutor creates an executor over the registry. allow and deny hold
// tool names or "<namespace>:*" patterns; an empty allow list permits all.
func NewExecutor(registry *Registry, allow, deny []string) *Executor {
	return &Executor{
		registry: registry,
		allow:    allow,
		deny:     deny,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// SetCache attaches the per-task result cache.
func (e *Executor) SetCache(cache ResultCache) {
	e.cache = cache
}

// SetTruncator attaches the output truncation policy.
func (e *Executor) SetTruncator(truncate Truncator) {
	e.truncate = truncate
}

// Permitted reports whether a tool name passes the allow/deny lists.
func (e *Executor) Permitted(name string) bool {
	for _, pattern := range e.deny {
		if matchPattern(pattern, name) {
			return false
		}
	}
	if len(e.allow) == 0 {
		return true
	}
	for _, pattern := range e.allow {
		if matchPattern(pattern, name) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, name string) bool {
	if pattern == name || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		ns, _ := SplitName(name)
		return ns == strings.TrimSuffix(pattern, ":*")
	}
	return false
}

// Execute runs one tool call. iteration tags cache entries with the loop
// tick that produced them.
func (e *Executor) Execute(ctx context.Context, name string, input map[string]any, iteration int) *ToolResult {
	start := time.Now()

	tool, ok := e.registry.Resolve(name)
	if !ok {
		return finish(FailResult(CodeNotFound, fmt.Sprintf("tool %q not found", name), false), start)
	}
	registryName := tool.Name()

	if !e.Permitted(registryName) {
		logger.WarnCF("tool", "Tool blocked by permission policy", map[string]any{"tool": registryName})
		return finish(FailResult(CodePermissionDenied, fmt.Sprintf("tool %q is not permitted", registryName), false), start)
	}

	normalized, err := e.normalizeInput(tool, input)
	if err != nil {
		return finish(FailResult(CodeInvalidInput, err.Error(), false), start)
	}

	if e.cache != nil {
		if output, seenAt, hit := e.cache.Get(registryName, normalized); hit {
			result := OKResult(fmt.Sprintf("%s\n[previously observed at iteration %d]", output, seenAt))
			result.Metadata = map[string]any{"cache_hit": true, "seen_at_iteration": seenAt}
			return finish(result, start)
		}
	}

	logger.InfoCF("tool", "Tool execution started", map[string]any{"tool": registryName})

	result := e.executeWithRetry(ctx, tool, normalized)

	if result.Success && e.truncate != nil {
		result.Output = e.truncate(registryName, result.Output)
	}
	if result.Success && e.cache != nil {
		e.cache.Put(registryName, normalized, result.Output, iteration)
	}

	finish(result, start)
	if result.Success {
		logger.InfoCF("tool", "Tool execution completed", map[string]any{
			"tool":          registryName,
			"duration_ms":   result.DurationMs,
			"result_length": len(result.Output),
		})
	} else {
		logger.ErrorCF("tool", "Tool execution failed", map[string]any{
			"tool":        registryName,
			"duration_ms": result.DurationMs,
			"error":       result.Output,
		})
	}
	return result
}

// executeWithRetry retries only when the tool itself reports the failure
// as retryable, at most twice; the third failure is returned as-is.
func (e *Executor) executeWithRetry(ctx context.Context, tool Tool, input map[string]any) *ToolResult {
	var result *ToolResult
	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		result = tool.Execute(ctx, input)
		if result == nil {
			result = FailResult(CodeToolError, "tool returned no result", false)
		}
		if result.Success || result.Error == nil || !result.Error.Retryable {
			return result
		}
		if attempt < defaultMaxRetries {
			logger.WarnCF("tool", "Retrying retryable tool failure", map[string]any{
				"tool":    tool.Name(),
				"attempt": attempt + 1,
				"error":   result.Error.Message,
			})
		}
	}
	return result
}

func finish(result *ToolResult, start time.Time) *ToolResult {
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// normalizeInput coerces values toward the tool's schema (string→number,
// string→bool), fills declared defaults, rejects unknown keys on closed
// schemas, then validates the result against the compiled schema.
func (e *Executor) normalizeInput(tool Tool, input map[string]any) (map[string]any, error) {
	schema := tool.Parameters()
	if schema == nil {
		return input, nil
	}

	normalized := make(map[string]any, len(input))
	for k, v := range input {
		normalized[k] = v
	}

	properties, _ := schema["properties"].(map[string]any)
	open := true
	if ap, ok := schema["additionalProperties"].(bool); ok {
		open = ap
	}

	for key, value := range normalized {
		propSchema, known := properties[key].(map[string]any)
		if !known {
			if !open {
				return nil, fmt.Errorf("unknown parameter %q for tool %s", key, tool.Name())
			}
			continue
		}
		normalized[key] = coerceValue(value, propSchema)
	}

	for key, raw := range properties {
		propSchema, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, present := normalized[key]; !present {
			if def, hasDefault := propSchema["default"]; hasDefault {
				normalized[key] = def
			}
		}
	}

	compiled, err := e.compiledSchema(tool)
	if err != nil {
		// A schema the tool author got wrong should not break dispatch.
		logger.WarnCF("tool", "Schema compilation failed, skipping validation", map[string]any{
			"tool":  tool.Name(),
			"error": err.Error(),
		})
		return normalized, nil
	}
	if compiled != nil {
		plain, err := roundTripJSON(normalized)
		if err != nil {
			return nil, err
		}
		if err := compiled.Validate(plain); err != nil {
			return nil, fmt.Errorf("input for %s rejected: %v", tool.Name(), err)
		}
	}

	return normalized, nil
}

func coerceValue(value any, propSchema map[string]any) any {
	declaredType, _ := propSchema["type"].(string)
	switch declaredType {
	case "number":
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	case "integer":
		if s, ok := value.(string); ok {
			if n, err := strconv.Atoi(s); err == nil {
				return n
			}
		}
		if f, ok := value.(float64); ok && f == float64(int64(f)) {
			return int64(f)
		}
	case "boolean":
		if s, ok := value.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
		}
	}
	return value
}

func (e *Executor) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if schema, ok := e.schemas[tool.Name()]; ok {
		return schema, nil
	}

	raw, err := json.Marshal(tool.Parameters())
	if err != nil {
		return nil, err
	}
	compiled, err := jsonschema.CompileString(tool.Name()+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	e.schemas[tool.Name()] = compiled
	return compiled, nil
}

// roundTripJSON converts typed Go values (int, []string, ...) into the
// generic form the validator expects.
func roundTripJSON(input map[string]any) (any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, err
	}
	return plain, nil
}
