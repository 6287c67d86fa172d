package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
)

const stoppingConfidenceMin = 0.7

// stoppingDecision is the early-solve / cancellation verdict.
type stoppingDecision struct {
	IsSolved     bool    `json:"is_solved"`
	ShouldCancel bool    `json:"should_cancel"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

// actOn reports whether the decision is positive AND confident enough.
func (d stoppingDecision) actOn() bool {
	return (d.IsSolved || d.ShouldCancel) && d.Confidence >= stoppingConfidenceMin
}

// assessStopping asks a large-tier model whether the goal is already
// solved or the remaining work is pointless. Called after each successful
// subtask while at least two remain.
func (o *Orchestrator) assessStopping(ctx context.Context, goal string, completed []string, remaining int) stoppingDecision {
	provider, model, err := o.selector.Handle(providers.TierLarge)
	if err != nil {
		return stoppingDecision{}
	}

	prompt := strings.Join([]string{
		"Task: " + goal,
		"",
		"Completed subtask results:",
		strings.Join(completed, "\n"),
		"",
		fmt.Sprintf("%d subtasks remain. Is the task already solved, or should the remaining work be canceled as pointless?", remaining),
		`Reply with JSON only: {"is_solved": bool, "should_cancel": bool, "confidence": 0.0-1.0, "reason": "<why>"}`,
	}, "\n")

	resp, err := provider.Complete(ctx, prompt, model, map[string]any{
		"max_tokens":  512,
		"temperature": 0.1,
	})
	if err != nil {
		logger.WarnCF("orchestrator", "Stopping assessment failed", map[string]any{"error": err.Error()})
		return stoppingDecision{}
	}

	var decision stoppingDecision
	if err := json.Unmarshal([]byte(extractJSONBlock(resp.Content)), &decision); err != nil {
		return stoppingDecision{}
	}
	return decision
}

// extractJSONBlock strips code fences and leading prose from a JSON reply.
func extractJSONBlock(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if idx := strings.Index(content, "```"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
	}
	if start := strings.IndexAny(content, "{["); start > 0 {
		content = content[start:]
	}
	return content
}
