package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
)

// synthesize produces the final answer from the subtask roll-up with a
// large-tier call. When synthesis itself fails but at least one specialist
// succeeded, a "Partial Results" fallback concatenates their outputs.
func (o *Orchestrator) synthesize(ctx context.Context, goal string, order []string, results map[string]SpecialistOutcome) (string, bool) {
	rollup := formatRollup(order, results)

	provider, model, err := o.selector.Handle(providers.TierLarge)
	if err == nil {
		messages := []providers.Message{
			{Role: "system", Content: "Synthesize the subtask results into one coherent final answer for the user. Do not mention the orchestration mechanics."},
			{Role: "user", Content: fmt.Sprintf("Task: %s\n\nSubtask results:\n%s", goal, rollup)},
		}
		resp, chatErr := provider.Chat(ctx, messages, nil, model, map[string]any{
			"max_tokens":  4096,
			"temperature": 0.3,
		})
		if chatErr == nil && strings.TrimSpace(resp.Content) != "" {
			return resp.Content, true
		}
		if chatErr != nil {
			logger.WarnCF("orchestrator", "Synthesis call failed, falling back", map[string]any{"error": chatErr.Error()})
		}
	}

	anySuccess := false
	for _, outcome := range results {
		if outcome.Succeeded() {
			anySuccess = true
			break
		}
	}
	if !anySuccess {
		return "", false
	}

	var sb strings.Builder
	sb.WriteString("## Partial Results\n\n")
	for _, id := range order {
		outcome := results[id]
		if outcome.OK == nil {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n%s\n\n", id, outcome.OK.Output)
	}
	return strings.TrimSpace(sb.String()), true
}

func formatRollup(order []string, results map[string]SpecialistOutcome) string {
	var sb strings.Builder
	for _, id := range order {
		outcome, ok := results[id]
		if !ok {
			continue
		}
		if outcome.OK != nil {
			fmt.Fprintf(&sb, "[%s] ok:\n%s\n\n", id, outcome.OK.Output)
		} else if outcome.Failure != nil {
			fmt.Fprintf(&sb, "[%s] failed (%s): %s\n\n", id, outcome.Failure.Kind, outcome.Failure.Message)
			if outcome.Failure.Partial != "" {
				fmt.Fprintf(&sb, "partial output:\n%s\n\n", outcome.Failure.Partial)
			}
		}
	}
	return sb.String()
}
