package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
)

const (
	// SynthHeartbeat is how often a still-running synthesis call reports
	// liveness.
	SynthHeartbeat = 10 * time.Second
	// SynthTimeout is the total cap on a forced-synthesis call.
	SynthTimeout = 90 * time.Second
)

const synthesisDirective = "Emit only a final answer using the information in this context — no tool calls. " +
	"Summarize what was accomplished and answer the original task as completely as the gathered information allows."

// forceSynthesize issues the terminal LLM call: synthesis directive
// prepended, empty tool set, heartbeat logging, 90 s total cap.
func forceSynthesize(
	ctx context.Context,
	provider providers.LLMProvider,
	model string,
	messages []providers.Message,
	maxTokens int,
	reason string,
) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, SynthTimeout)
	defer cancel()

	synthMessages := make([]providers.Message, 0, len(messages)+1)
	synthMessages = append(synthMessages, providers.Message{Role: "system", Content: synthesisDirective})
	synthMessages = append(synthMessages, messages...)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(SynthHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				logger.InfoCF("synthesis", "Forced synthesis still running", map[string]any{"reason": reason})
			}
		}
	}()
	defer close(done)

	resp, err := provider.Chat(callCtx, synthMessages, nil, model, map[string]any{
		"max_tokens":  maxTokens,
		"temperature": 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("forced synthesis failed: %w", err)
	}
	return resp.Content, nil
}
