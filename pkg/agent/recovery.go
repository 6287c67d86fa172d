package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
)

// RecoveryAction is the error-recovery decision for a stuck episode.
type RecoveryAction string

const (
	RecoveryRetry               RecoveryAction = "retry"
	RecoveryAlternativeTool     RecoveryAction = "alternative_tool"
	RecoveryParameterAdjustment RecoveryAction = "parameter_adjustment"
	RecoveryEscalate            RecoveryAction = "escalate"
	RecoveryGiveUp              RecoveryAction = "give_up"
)

// Recovery consults a medium-tier model once per stuck episode for a way
// out. Parsing failures degrade to give_up.
type Recovery struct {
	selector *providers.Selector
}

func NewRecovery(selector *providers.Selector) *Recovery {
	return &Recovery{selector: selector}
}

type recoveryDecision struct {
	Action string `json:"action"`
	Hint   string `json:"hint"`
}

// Decide picks a recovery action given the stuck context. The hint, when
// present, is injected into the conversation as user guidance.
func (r *Recovery) Decide(ctx context.Context, goal, detail, attempted string) (RecoveryAction, string) {
	provider, model, _, err := r.selector.HandleForNode(providers.NodeReflection, providers.TierMedium)
	if err != nil {
		return RecoveryGiveUp, ""
	}

	prompt := strings.Join([]string{
		"An agent working on this task is stuck:",
		"Task: " + goal,
		"Problem: " + detail,
		"Tools attempted: " + attempted,
		"",
		`Reply with JSON only: {"action": "retry"|"alternative_tool"|"parameter_adjustment"|"escalate"|"give_up", "hint": "<one sentence of guidance>"}`,
	}, "\n")

	resp, err := provider.Complete(ctx, prompt, model, map[string]any{
		"max_tokens":  256,
		"temperature": 0.2,
	})
	if err != nil {
		logger.WarnCF("recovery", "Recovery call failed", map[string]any{"error": err.Error()})
		return RecoveryGiveUp, ""
	}

	var decision recoveryDecision
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &decision); err != nil {
		logger.WarnCF("recovery", "Unparseable recovery decision", map[string]any{"content": resp.Content})
		return RecoveryGiveUp, ""
	}

	switch RecoveryAction(decision.Action) {
	case RecoveryRetry, RecoveryAlternativeTool, RecoveryParameterAdjustment, RecoveryEscalate, RecoveryGiveUp:
		return RecoveryAction(decision.Action), decision.Hint
	default:
		return RecoveryGiveUp, ""
	}
}

// extractJSON pulls the first JSON object out of a possibly fenced reply.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.Index(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return content
	}
	return content[start:]
}
