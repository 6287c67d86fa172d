package agent

import (
	"context"
	"sync"

	"github.com/kb-labs/kbagent/pkg/providers"
)

// scriptedStep is one canned provider response (or error).
type scriptedStep struct {
	resp *providers.LLMResponse
	err  error
}

// scriptedCall records what the loop sent to the provider.
type scriptedCall struct {
	messages []providers.Message
	tools    []providers.ToolDefinition
	options  map[string]any
}

// scriptedProvider replays a fixed sequence of responses. Once the script
// is exhausted, the last step repeats.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []scriptedStep
	idx   int
	calls []scriptedCall
}

func newScriptedProvider(steps ...scriptedStep) *scriptedProvider {
	return &scriptedProvider{steps: steps}
}

func textStep(content string) scriptedStep {
	return scriptedStep{resp: &providers.LLMResponse{
		Content:      content,
		FinishReason: "stop",
		Usage:        &providers.UsageInfo{PromptTokens: 50, CompletionTokens: 20, TotalTokens: 70},
	}}
}

func toolStep(id, name string, args map[string]any) scriptedStep {
	return scriptedStep{resp: &providers.LLMResponse{
		FinishReason: "tool_calls",
		ToolCalls: []providers.ToolCall{
			{ID: id, Name: name, Arguments: args},
		},
		Usage: &providers.UsageInfo{PromptTokens: 80, CompletionTokens: 30, TotalTokens: 110},
	}}
}

func withUsage(step scriptedStep, total int) scriptedStep {
	step.resp.Usage = &providers.UsageInfo{PromptTokens: total - total/4, CompletionTokens: total / 4, TotalTokens: total}
	return step
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]any) (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, scriptedCall{messages: messages, tools: tools, options: options})

	if len(p.steps) == 0 {
		return &providers.LLMResponse{Content: "done", FinishReason: "stop"}, nil
	}
	step := p.steps[p.idx]
	if p.idx < len(p.steps)-1 {
		p.idx++
	}
	if step.err != nil {
		return nil, step.err
	}
	// Copy so callers mutating the response don't corrupt the script.
	resp := *step.resp
	resp.ToolCalls = append([]providers.ToolCall(nil), step.resp.ToolCalls...)
	return &resp, nil
}

func (p *scriptedProvider) Complete(ctx context.Context, prompt string, model string, options map[string]any) (*providers.LLMResponse, error) {
	return p.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, model, options)
}

func (p *scriptedProvider) GetDefaultModel() string { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// testSelector binds one provider to every tier.
func testSelector(p providers.LLMProvider) *providers.Selector {
	s := providers.NewSelector()
	s.Bind(providers.TierSmall, p, "scripted-small")
	s.Bind(providers.TierMedium, p, "scripted-medium")
	s.Bind(providers.TierLarge, p, "scripted-large")
	return s
}

// tieredSelector binds a distinct provider per tier.
func tieredSelector(small, medium, large providers.LLMProvider) *providers.Selector {
	s := providers.NewSelector()
	s.Bind(providers.TierSmall, small, "scripted-small")
	s.Bind(providers.TierMedium, medium, "scripted-medium")
	s.Bind(providers.TierLarge, large, "scripted-large")
	return s
}
