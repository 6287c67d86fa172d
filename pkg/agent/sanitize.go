package agent

import (
	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
)

// sanitizeToolPairs ensures every assistant message with ToolCalls has
// matching tool results, and every tool result has its preceding tool_call.
// Orphaned messages are removed to prevent provider API errors when a
// sliding-window cut splits a pair.
func sanitizeToolPairs(messages []providers.Message) []providers.Message {
	toolCallIDs := make(map[string]bool)
	for _, m := range messages {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					toolCallIDs[tc.ID] = true
				}
			}
		}
	}

	toolResultIDs := make(map[string]bool)
	for _, m := range messages {
		if m.Role == "tool" && m.ToolCallID != "" {
			toolResultIDs[m.ToolCallID] = true
		}
	}

	result := make([]providers.Message, 0, len(messages))
	removed := 0

	for _, m := range messages {
		switch {
		case m.Role == "tool" && m.ToolCallID != "":
			if toolCallIDs[m.ToolCallID] {
				result = append(result, m)
			} else {
				removed++
			}

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			allHaveResults := true
			for _, tc := range m.ToolCalls {
				if tc.ID != "" && !toolResultIDs[tc.ID] {
					allHaveResults = false
					break
				}
			}
			switch {
			case allHaveResults:
				result = append(result, m)
			case m.Content != "":
				// Keep the text content but strip the tool calls.
				removed++
				result = append(result, providers.Message{
					Role:      "assistant",
					Content:   m.Content,
					Iteration: m.Iteration,
				})
			default:
				removed++
			}

		default:
			result = append(result, m)
		}
	}

	if removed > 0 {
		logger.DebugCF("agent", "sanitizeToolPairs removed orphaned messages",
			map[string]any{"removed_count": removed})
	}

	return result
}
