package providers

import (
	"context"
	"time"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Type      string         `json:"type,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Function  *FunctionCall  `json:"function,omitempty"`
	IssuedAt  time.Time      `json:"issued_at,omitempty"`
}

// FunctionCall carries the raw serialized arguments for providers that
// round-trip tool calls as JSON strings.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
	Model        string     `json:"model,omitempty"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Message is one entry in a task's conversation history.
// Iteration records the loop tick that produced the message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Iteration  int        `json:"iteration,omitempty"`
}

// LLMProvider is the injected model handle.
//
// Recognized options for Chat: "max_tokens" (int), "temperature" (float64),
// "tool_choice" (string: name of the tool the model MUST call).
// Recognized options for Complete: "max_tokens", "temperature",
// "system_prompt" (string).
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any) (*LLMResponse, error)
	Complete(ctx context.Context, prompt string, model string, options map[string]any) (*LLMResponse, error)
	GetDefaultModel() string
}

type ToolDefinition struct {
	Type     string                 `json:"type"`
	Function ToolFunctionDefinition `json:"function"`
}

type ToolFunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
