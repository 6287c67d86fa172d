package agent

import (
	"context"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
)

// Intent is the coarse task class the budget is derived from.
type Intent string

const (
	IntentAction    Intent = "action"
	IntentDiscovery Intent = "discovery"
	IntentAnalysis  Intent = "analysis"
)

const (
	classifierBudgetMin     = 4
	classifierBudgetCeiling = 20
	classifierDefaultBudget = 12
)

// Classifier derives the iteration budget from the task goal with one
// small-tier LLM call. Failures fall back to action/12.
type Classifier struct {
	selector *providers.Selector
}

func NewClassifier(selector *providers.Selector) *Classifier {
	return &Classifier{selector: selector}
}

func classificationToolDef(maxBudget int) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionDefinition{
			Name:        "classify_task",
			Description: "Classify the task intent and pick an iteration budget",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"intent": map[string]any{
						"type": "string",
						"enum": []string{"action", "discovery", "analysis"},
					},
					"budget": map[string]any{
						"type":    "integer",
						"minimum": classifierBudgetMin,
						"maximum": maxBudget,
					},
				},
				"required": []string{"intent", "budget"},
			},
		},
	}
}

// Classify returns the intent and iteration budget for a goal.
// configuredMax bounds the budget ceiling at min(configured, 20).
func (c *Classifier) Classify(ctx context.Context, goal string, configuredMax int) (Intent, int) {
	maxBudget := classifierBudgetCeiling
	if configuredMax > 0 && configuredMax < maxBudget {
		maxBudget = configuredMax
	}

	provider, model, _, err := c.selector.HandleForNode(providers.NodeClassification, providers.TierSmall)
	if err != nil {
		logger.WarnCF("classifier", "No small-tier handle, using defaults", map[string]any{"error": err.Error()})
		return IntentAction, clampBudget(classifierDefaultBudget, maxBudget)
	}

	messages := []providers.Message{
		{Role: "system", Content: "You classify agent tasks. Call classify_task with the intent and a realistic iteration budget."},
		{Role: "user", Content: "Task: " + goal},
	}

	resp, err := provider.Chat(ctx, messages, []providers.ToolDefinition{classificationToolDef(maxBudget)}, model, map[string]any{
		"max_tokens":  256,
		"temperature": 0.0,
		"tool_choice": "classify_task",
	})
	if err != nil || len(resp.ToolCalls) == 0 {
		if err != nil {
			logger.WarnCF("classifier", "Classification call failed, using defaults", map[string]any{"error": err.Error()})
		}
		return IntentAction, clampBudget(classifierDefaultBudget, maxBudget)
	}

	args := resp.ToolCalls[0].Arguments
	intent := IntentAction
	switch args["intent"] {
	case "discovery":
		intent = IntentDiscovery
	case "analysis":
		intent = IntentAnalysis
	}

	budget := classifierDefaultBudget
	switch v := args["budget"].(type) {
	case float64:
		budget = int(v)
	case int:
		budget = v
	}

	return intent, clampBudget(budget, maxBudget)
}

func clampBudget(budget, maxBudget int) int {
	if budget < classifierBudgetMin {
		return classifierBudgetMin
	}
	if budget > maxBudget {
		return maxBudget
	}
	return budget
}
