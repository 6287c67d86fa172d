// kbagent - autonomous agent runtime
// License: MIT

// Package orchestrator decomposes a goal into subtasks, delegates them to
// specialist agents with retry and tier escalation, adapts the plan from
// findings, and synthesizes the final answer.
package orchestrator

import (
	"context"

	"github.com/kb-labs/kbagent/pkg/providers"
)

// Complexity is the planner's effort estimate for a subtask.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Subtask is one node of the execution plan. Dependencies reference
// earlier subtasks only.
type Subtask struct {
	ID                  string     `json:"id"`
	Description         string     `json:"description"`
	ExpectedOutcome     string     `json:"expected_outcome,omitempty"`
	SpecialistID        string     `json:"specialist_id"`
	Dependencies        []string   `json:"dependencies,omitempty"`
	Priority            int        `json:"priority"`
	EstimatedComplexity Complexity `json:"estimated_complexity"`
}

// ExecutionPlan is the ordered DAG of subtasks.
type ExecutionPlan struct {
	Subtasks []Subtask `json:"subtasks"`
}

// FailureKind classifies a specialist failure.
type FailureKind string

const (
	FailureTimeout            FailureKind = "timeout"
	FailureToolError          FailureKind = "tool_error"
	FailureLLMError           FailureKind = "llm_error"
	FailureVerificationFailed FailureKind = "verification_failed"
	FailureMaxIterations      FailureKind = "max_iterations"
)

// SpecialistSuccess is the ok branch of a specialist outcome.
type SpecialistSuccess struct {
	Output     string    `json:"output"`
	TokensUsed int       `json:"tokens_used"`
	TraceRef   string    `json:"trace_ref,omitempty"`
	Findings   []Finding `json:"findings,omitempty"`
}

// SpecialistFailure is the failure branch of a specialist outcome.
type SpecialistFailure struct {
	Kind           FailureKind `json:"kind"`
	Message        string      `json:"message"`
	SuggestedRetry bool        `json:"suggested_retry"`
	Partial        string      `json:"partial,omitempty"`
}

// SpecialistOutcome is a tagged variant: exactly one of OK or Failure is set.
type SpecialistOutcome struct {
	OK      *SpecialistSuccess `json:"ok,omitempty"`
	Failure *SpecialistFailure `json:"failure,omitempty"`
}

// Succeeded reports whether the outcome is the ok branch.
func (o SpecialistOutcome) Succeeded() bool { return o.OK != nil }

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// severityRank orders severities for threshold checks.
func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// SuggestedAction is a finding's proposed follow-up.
type SuggestedAction struct {
	Type               string `json:"type"`
	Description        string `json:"description"`
	TargetSpecialistID string `json:"target_specialist_id,omitempty"`
}

// Finding is a structured observation a specialist reports; it may trigger
// plan adaptation.
type Finding struct {
	ID              string           `json:"id"`
	Severity        Severity         `json:"severity"`
	Category        string           `json:"category"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Actionable      bool             `json:"actionable"`
	SuggestedAction *SuggestedAction `json:"suggested_action,omitempty"`
}

// SpecialistConfig describes one delegate the orchestrator can assign work
// to: an identity prompt, a tool permission set, and an escalation ladder.
type SpecialistConfig struct {
	ID               string
	Identity         string
	Tier             providers.Tier
	EscalationLadder []providers.Tier
	ToolAllow        []string
}

// Ladder returns the escalation ladder, defaulting to the specialist's own
// tier.
func (c SpecialistConfig) Ladder() []providers.Tier {
	if len(c.EscalationLadder) > 0 {
		return c.EscalationLadder
	}
	return []providers.Tier{c.Tier}
}

// SpecialistRunner executes one subtask as a configured specialist at a
// given tier. Implementations wrap the agent iteration loop.
type SpecialistRunner interface {
	Run(ctx context.Context, spec SpecialistConfig, subtask Subtask, tier providers.Tier, priorResults map[string]string) SpecialistOutcome
}

// CostTable maps tiers to the per-call cost unit accumulated during
// execution.
type CostTable map[providers.Tier]float64

// DefaultCostTable returns relative per-attempt cost units.
func DefaultCostTable() CostTable {
	return CostTable{
		providers.TierSmall:  1,
		providers.TierMedium: 5,
		providers.TierLarge:  25,
	}
}
