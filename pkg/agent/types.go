// kbagent - autonomous agent runtime
// License: MIT

// Package agent drives a single task: the bounded ReAct iteration loop
// with budget control, loop/stuck detection, context filtering, async
// summarization, and tier escalation.
package agent

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kb-labs/kbagent/pkg/providers"
	"github.com/kb-labs/kbagent/pkg/tools"
)

// TaskMode selects the agent's operating profile.
type TaskMode string

const (
	ModeExecute TaskMode = "execute"
	ModePlan    TaskMode = "plan"
	ModeDebug   TaskMode = "debug"
	ModeEdit    TaskMode = "edit"
)

// Task describes one unit of work. Immutable after the loop starts.
type Task struct {
	ID            string   `json:"id"`
	Goal          string   `json:"goal"`
	Mode          TaskMode `json:"mode"`
	WorkingDir    string   `json:"working_dir"`
	SessionID     string   `json:"session_id"`
	ParentAgentID string   `json:"parent_agent_id,omitempty"`
}

// NewTask creates a task with a generated id.
func NewTask(goal, workingDir, sessionID string, mode TaskMode) Task {
	if mode == "" {
		mode = ModeExecute
	}
	return Task{
		ID:         "task-" + uuid.New().String()[:8],
		Goal:       goal,
		Mode:       mode,
		WorkingDir: workingDir,
		SessionID:  sessionID,
	}
}

// PhaseTag labels the loop's coarse progress phase. Transitions form a DAG
// with reporting terminal.
type PhaseTag string

const (
	PhaseScoping      PhaseTag = "scoping"
	PhasePlanningLite PhaseTag = "planning_lite"
	PhaseExecuting    PhaseTag = "executing"
	PhaseConverging   PhaseTag = "converging"
	PhaseVerifying    PhaseTag = "verifying"
	PhaseReporting    PhaseTag = "reporting"
)

// IterationState captures one loop tick.
type IterationState struct {
	Seq            int                  `json:"seq"`
	StartedAt      time.Time            `json:"started_at"`
	Tier           providers.Tier       `json:"tier"`
	MessagesDigest string               `json:"messages_digest,omitempty"`
	ToolCalls      []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolResults    []*tools.ToolResult  `json:"tool_results,omitempty"`
	TokensConsumed int                  `json:"tokens_consumed"`
	PhaseTag       PhaseTag             `json:"phase_tag"`
}

// ReasonCode explains why a loop terminated.
type ReasonCode string

const (
	ReasonReportComplete         ReasonCode = "report_complete"
	ReasonTaskComplete           ReasonCode = "task_complete"
	ReasonImplicitComplete       ReasonCode = "implicit_complete"
	ReasonLoopDetected           ReasonCode = "loop_detected"
	ReasonStuck                  ReasonCode = "stuck"
	ReasonMaxIterations          ReasonCode = "max_iterations"
	ReasonMaxIterationsExhausted ReasonCode = "max_iterations_exhausted"
	ReasonHardTokenLimit         ReasonCode = "hard_token_limit"
	ReasonAbortSignal            ReasonCode = "abort_signal"
	ReasonGiveUp                 ReasonCode = "give_up"
	ReasonLLMError               ReasonCode = "llm_error"
	ReasonEscalationExhausted    ReasonCode = "escalation_exhausted"
)

// TaskResult is the loop's terminal outcome.
type TaskResult struct {
	Success        bool       `json:"success"`
	Answer         string     `json:"answer"`
	IterationsUsed int        `json:"iterations_used"`
	TokensUsed     int        `json:"tokens_used"`
	ReasonCode     ReasonCode `json:"reason_code"`
	Summary        string     `json:"summary,omitempty"`
}

// Termination markers the model may emit on a clean stop.
var (
	markerComplete   = "[TASK_COMPLETE]"
	markerEscalation = regexp.MustCompile(`\[NEED_ESCALATION:([^\]]*)\]`)
	markerGiveUp     = regexp.MustCompile(`\[GIVE_UP:([^\]]*)\]`)
)

type markerKind int

const (
	markerNone markerKind = iota
	markerDone
	markerEscalate
	markerQuit
)

// parseTerminationMarker extracts an explicit termination marker from
// assistant text. Absence of a marker on a clean stop is implicit success.
func parseTerminationMarker(text string) (markerKind, string) {
	if strings.Contains(text, markerComplete) {
		return markerDone, ""
	}
	if m := markerEscalation.FindStringSubmatch(text); m != nil {
		return markerEscalate, strings.TrimSpace(m[1])
	}
	if m := markerGiveUp.FindStringSubmatch(text); m != nil {
		return markerQuit, strings.TrimSpace(m[1])
	}
	return markerNone, ""
}

// stripMarkers removes termination markers from an answer.
func stripMarkers(text string) string {
	text = strings.ReplaceAll(text, markerComplete, "")
	text = markerEscalation.ReplaceAllString(text, "")
	text = markerGiveUp.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// buildSummary renders the user-visible terminal summary with counters and,
// where useful, suggested next steps.
func buildSummary(result *TaskResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "reason=%s iterations=%d tokens=%d",
		result.ReasonCode, result.IterationsUsed, result.TokensUsed)

	switch result.ReasonCode {
	case ReasonMaxIterationsExhausted, ReasonMaxIterations:
		sb.WriteString("\nSuggested next steps: increase the iteration budget or narrow the task scope.")
	case ReasonLoopDetected:
		sb.WriteString("\nSuggested next steps: rephrase the goal or provide an exact file path to break the repetition.")
	case ReasonStuck:
		sb.WriteString("\nSuggested next steps: provide more context or split the task into smaller steps.")
	case ReasonHardTokenLimit:
		sb.WriteString("\nSuggested next steps: raise the token budget or narrow scope.")
	}
	return sb.String()
}
