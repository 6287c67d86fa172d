package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kb-labs/kbagent/pkg/providers"
)

// Registry holds the tools available to a task.
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Invalid names are rejected so the sanitize/restore
// round trip stays lossless.
func (r *Registry) Register(tool Tool) error {
	if !ValidName(tool.Name()) {
		return fmt.Errorf("invalid tool name %q", tool.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Resolve looks a name up directly, then as a sanitized provider name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	if tool, ok := r.Get(name); ok {
		return tool, true
	}
	return r.Get(RestoreName(name))
}

// sortedToolNames returns tool names in sorted order for deterministic
// iteration. Non-deterministic map order would produce different tool
// definitions per call and invalidate the model's prefix cache.
func (r *Registry) sortedToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedToolNames()
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ProviderDefs converts the given tools (all registered tools when names is
// nil) to provider format with sanitized function names.
func (r *Registry) ProviderDefs(names []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if names == nil {
		names = r.sortedToolNames()
	}
	definitions := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		definitions = append(definitions, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        SanitizeName(tool.Name()),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return definitions
}

// Summaries returns "name - description" lines for prompt injection.
func (r *Registry) Summaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := r.sortedToolNames()
	summaries := make([]string, 0, len(sorted))
	for _, name := range sorted {
		tool := r.tools[name]
		summaries = append(summaries, fmt.Sprintf("- `%s` - %s", tool.Name(), tool.Description()))
	}
	return summaries
}
