package tools

import (
	"context"
	"fmt"
)

// PluginRunner executes one plugin command. Manifest discovery and the
// plugin process lifecycle live outside this module; the runtime only sees
// commands exposed through this interface.
type PluginRunner interface {
	Run(ctx context.Context, pluginID, command string, input map[string]any) (output string, retryable bool, err error)
}

// PluginTool adapts one plugin command into the registry under the
// namespaced name "<pluginId>:<command>".
type PluginTool struct {
	pluginID    string
	command     string
	description string
	schema      map[string]any
	runner      PluginRunner
}

// NewPluginTool wraps a plugin command. schema may be nil for open inputs.
func NewPluginTool(pluginID, command, description string, schema map[string]any, runner PluginRunner) (*PluginTool, error) {
	if _, err := QualifiedPluginName(pluginID, command); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, fmt.Errorf("plugin runner is required")
	}
	return &PluginTool{
		pluginID:    pluginID,
		command:     command,
		description: description,
		schema:      schema,
		runner:      runner,
	}, nil
}

func (t *PluginTool) Name() string {
	return t.pluginID + namespaceSeparator + t.command
}

func (t *PluginTool) Description() string {
	if t.description != "" {
		return t.description
	}
	return fmt.Sprintf("Run the %s command of the %s plugin", t.command, t.pluginID)
}

func (t *PluginTool) Parameters() map[string]any {
	if t.schema != nil {
		return t.schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *PluginTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	output, retryable, err := t.runner.Run(ctx, t.pluginID, t.command, args)
	if err != nil {
		return FailResult(CodeToolError, err.Error(), retryable)
	}
	return OKResult(output)
}
