package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
	"github.com/kb-labs/kbagent/pkg/verifier"
)

// Planner turns a goal into a validated execution plan with one forced
// large-tier tool call, retrying once when the rubric allows it.
type Planner struct {
	selector    *providers.Selector
	specialists map[string]SpecialistConfig
	workingDir  string
}

func NewPlanner(selector *providers.Selector, specialists map[string]SpecialistConfig, workingDir string) *Planner {
	return &Planner{selector: selector, specialists: specialists, workingDir: workingDir}
}

func (p *Planner) specialistIDs() []string {
	ids := make([]string, 0, len(p.specialists))
	for id := range p.specialists {
		ids = append(ids, id)
	}
	return ids
}

func (p *Planner) planToolDef() providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionDefinition{
			Name:        "create_execution_plan",
			Description: "Decompose the task into ordered subtasks assigned to specialists",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subtasks": map[string]any{
						"type":     "array",
						"minItems": 1,
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"id": map[string]any{
									"type":        "string",
									"pattern":    "^subtask-[0-9]+$",
									"description": "subtask-1, subtask-2, ...",
								},
								"description": map[string]any{"type": "string"},
								"expected_outcome": map[string]any{
									"type":        "string",
									"description": "What this subtask must produce",
								},
								"specialist_id": map[string]any{
									"type": "string",
									"enum": p.specialistIDs(),
								},
								"dependencies": map[string]any{
									"type":  "array",
									"items": map[string]any{"type": "string"},
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
							"required": []string{"id", "description", "expected_outcome", "specialist_id", "priority", "estimated_complexity"},
						},
					},
				},
				"required": []string{"subtasks"},
			},
		},
	}
}

// CreatePlan produces a validated plan for the goal.
func (p *Planner) CreatePlan(ctx context.Context, goal string) (*ExecutionPlan, error) {
	plan, assessment, err := p.draftPlan(ctx, goal, "")
	if err != nil {
		return nil, err
	}

	if assessment.RetryAllowed {
		logger.WarnCF("planner", "Plan draft has severe issues, retrying once", map[string]any{
			"issues": strings.Join(assessment.SevereIssues, "; "),
		})
		feedback := "The previous plan was rejected: " + strings.Join(assessment.SevereIssues, "; ") +
			". Produce a corrected plan."
		retried, retriedAssessment, retryErr := p.draftPlan(ctx, goal, feedback)
		if retryErr == nil && len(retriedAssessment.SevereIssues) == 0 {
			return retried, nil
		}
		if retryErr == nil && retriedAssessment.Score >= assessment.Score {
			return retried, nil
		}
	}

	if len(assessment.SevereIssues) > 0 && !assessment.MostlyUsable {
		return nil, fmt.Errorf("plan rejected: %s", strings.Join(assessment.SevereIssues, "; "))
	}
	return plan, nil
}

func (p *Planner) draftPlan(ctx context.Context, goal, feedback string) (*ExecutionPlan, verifier.PlanAssessment, error) {
	provider, model, err := p.selector.Handle(providers.TierLarge)
	if err != nil {
		return nil, verifier.PlanAssessment{}, fmt.Errorf("no large-tier handle: %w", err)
	}

	var roster strings.Builder
	for id, spec := range p.specialists {
		fmt.Fprintf(&roster, "- %s: %s\n", id, spec.Identity)
	}

	messages := []providers.Message{
		{Role: "system", Content: "You are a planning engine. Decompose the task into subtasks and assign each to a specialist. Dependencies may only reference earlier subtasks. Call create_execution_plan."},
		{Role: "user", Content: fmt.Sprintf("Task: %s\n\nAvailable specialists:\n%s", goal, roster.String())},
	}
	if feedback != "" {
		messages = append(messages, providers.Message{Role: "user", Content: feedback})
	}

	resp, err := provider.Chat(ctx, messages, []providers.ToolDefinition{p.planToolDef()}, model, map[string]any{
		"max_tokens":  4096,
		"temperature": 0.2,
		"tool_choice": "create_execution_plan",
	})
	if err != nil {
		return nil, verifier.PlanAssessment{}, fmt.Errorf("planning call failed: %w", err)
	}
	if len(resp.ToolCalls) == 0 {
		return nil, verifier.PlanAssessment{}, fmt.Errorf("planner returned no plan tool call")
	}

	plan, err := parsePlanArguments(resp.ToolCalls[0].Arguments)
	if err != nil {
		return nil, verifier.PlanAssessment{}, err
	}

	known := make(map[string]bool, len(p.specialists))
	for id := range p.specialists {
		known[id] = true
	}
	if err := ValidatePlan(plan, known); err != nil {
		return nil, verifier.PlanAssessment{}, fmt.Errorf("invalid plan: %w", err)
	}

	assessment := verifier.AssessPlan(planDraft(plan), nil, p.fileExists)
	return plan, assessment, nil
}

func (p *Planner) fileExists(path string) bool {
	if p.workingDir == "" {
		return true
	}
	_, err := os.Stat(filepath.Join(p.workingDir, path))
	return err == nil
}

// planDraft maps a plan onto the verifier's rubric input.
func planDraft(plan *ExecutionPlan) verifier.PlanDraft {
	draft := verifier.PlanDraft{}
	for _, st := range plan.Subtasks {
		draft.Steps = append(draft.Steps, verifier.PlanStep{
			Action:          st.Description,
			ExpectedOutcome: st.ExpectedOutcome,
			IsChange:        st.EstimatedComplexity != ComplexityLow,
		})
	}
	return draft
}

func parsePlanArguments(args map[string]any) (*ExecutionPlan, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("re-encode plan arguments: %w", err)
	}
	var plan ExecutionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("parse plan arguments: %w", err)
	}
	return &plan, nil
}
