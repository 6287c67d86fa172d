package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
)

const adaptConfidenceMin = 0.7

// hasActionableFindings reports whether any finding warrants plan
// adaptation: severity ≥ high or an explicit actionable flag.
func hasActionableFindings(findings []Finding) bool {
	for _, f := range findings {
		if f.Actionable || severityRank(f.Severity) >= severityRank(SeverityHigh) {
			return true
		}
	}
	return false
}

func reviseToolDef(specialistIDs []string) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionDefinition{
			Name:        "revise_execution_plan",
			Description: "Optionally add follow-up subtasks in response to findings",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []string{"add", "none"},
					},
					"confidence": map[string]any{
						"type":    "number",
						"minimum": 0,
						"maximum": 1,
					},
					"subtasks": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id":               map[string]any{"type": "string"},
								"description":      map[string]any{"type": "string"},
								"expected_outcome": map[string]any{"type": "string"},
								"specialist_id": map[string]any{
									"type": "string",
									"enum": specialistIDs,
								},
								"priority": map[string]any{
									"type":    "integer",
									"minimum": 1,
									"maximum": 10,
								},
								"estimated_complexity": map[string]any{
									"type": "string",
									"enum": []string{"low", "medium", "high"},
								},
							},
							"required": []string{"id", "description", "specialist_id", "priority", "estimated_complexity"},
						},
					},
				},
				"required": []string{"action", "confidence"},
			},
		},
	}
}

type revision struct {
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Subtasks   []Subtask `json:"subtasks"`
}

// adaptPlan consults a large-tier model after actionable findings. The
// revise tool is offered but NOT forced; the model may decline. Returned
// subtasks carry dependencies=[current.ID] and are injected immediately
// after the current position by the caller.
func (o *Orchestrator) adaptPlan(ctx context.Context, goal string, current Subtask, findings []Finding) []Subtask {
	provider, model, err := o.selector.Handle(providers.TierLarge)
	if err != nil {
		return nil
	}

	var report strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&report, "- [%s] %s: %s", f.Severity, f.Title, f.Description)
		if f.SuggestedAction != nil {
			fmt.Fprintf(&report, " (suggested: %s %s)", f.SuggestedAction.Type, f.SuggestedAction.Description)
		}
		report.WriteString("\n")
	}

	messages := []providers.Message{
		{Role: "system", Content: "You adapt execution plans. If the findings require follow-up work, call revise_execution_plan with action=add; otherwise reply normally or use action=none."},
		{Role: "user", Content: fmt.Sprintf(
			"Task: %s\n\nSubtask %s (%s) just completed and reported findings:\n%s\nShould the plan gain follow-up subtasks?",
			goal, current.ID, current.Description, report.String())},
	}

	resp, err := provider.Chat(ctx, messages, []providers.ToolDefinition{reviseToolDef(o.specialistIDs())}, model, map[string]any{
		"max_tokens":  2048,
		"temperature": 0.2,
	})
	if err != nil {
		logger.WarnCF("orchestrator", "Adaptation call failed", map[string]any{"error": err.Error()})
		return nil
	}
	if len(resp.ToolCalls) == 0 {
		return nil
	}

	raw, err := json.Marshal(resp.ToolCalls[0].Arguments)
	if err != nil {
		return nil
	}
	var rev revision
	if err := json.Unmarshal(raw, &rev); err != nil {
		logger.WarnCF("orchestrator", "Unparseable revision", map[string]any{"error": err.Error()})
		return nil
	}

	if rev.Action != "add" || rev.Confidence < adaptConfidenceMin || len(rev.Subtasks) == 0 {
		return nil
	}

	for i := range rev.Subtasks {
		rev.Subtasks[i].Dependencies = []string{current.ID}
		if rev.Subtasks[i].Priority < 1 || rev.Subtasks[i].Priority > 10 {
			rev.Subtasks[i].Priority = current.Priority
		}
	}
	return rev.Subtasks
}
