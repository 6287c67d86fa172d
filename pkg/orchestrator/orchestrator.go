package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/memory"
	"github.com/kb-labs/kbagent/pkg/providers"
	"github.com/kb-labs/kbagent/pkg/trace"
	"github.com/kb-labs/kbagent/pkg/utils"
	"github.com/kb-labs/kbagent/pkg/verifier"
)

const (
	maxRetriesPerTier  = 2
	abortPriority      = 8
	backoffBaseDefault = time.Second
)

// OrchestrationResult is the workflow's terminal outcome.
type OrchestrationResult struct {
	Success        bool                         `json:"success"`
	Answer         string                       `json:"answer"`
	Order          []string                     `json:"order"`
	SubtaskResults map[string]SpecialistOutcome `json:"subtask_results"`
	CostUnits      float64                      `json:"cost_units"`
	Canceled       bool                         `json:"canceled"`
	CancelReason   string                       `json:"cancel_reason,omitempty"`
}

// Orchestrator runs the plan-execute-synthesize workflow over a roster of
// specialists.
type Orchestrator struct {
	sessionID   string
	workingDir  string
	selector    *providers.Selector
	runner      SpecialistRunner
	specialists map[string]SpecialistConfig
	planner     *Planner
	findings    *FindingsStore
	session     *memory.SessionState
	costs       CostTable

	mu          sync.Mutex
	costAccrued float64

	backoffBase time.Duration
}

// New assembles an orchestrator. findings may be nil (findings are then
// kept only in session state).
func New(
	sessionID, workingDir string,
	selector *providers.Selector,
	runner SpecialistRunner,
	specialists []SpecialistConfig,
	findings *FindingsStore,
) *Orchestrator {
	roster := make(map[string]SpecialistConfig, len(specialists))
	for _, spec := range specialists {
		roster[spec.ID] = spec
	}
	return &Orchestrator{
		sessionID:   sessionID,
		workingDir:  workingDir,
		selector:    selector,
		runner:      runner,
		specialists: roster,
		planner:     NewPlanner(selector, roster, workingDir),
		findings:    findings,
		session:     memory.NewSessionState(),
		costs:       DefaultCostTable(),
		backoffBase: backoffBaseDefault,
	}
}

func (o *Orchestrator) specialistIDs() []string {
	ids := make([]string, 0, len(o.specialists))
	for id := range o.specialists {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) addCost(tier providers.Tier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.costAccrued += o.costs[tier]
}

// Execute plans, runs, adapts, and synthesizes. Session cleanup runs on
// every exit path and never fails the orchestrator.
func (o *Orchestrator) Execute(ctx context.Context, goal string) (*OrchestrationResult, error) {
	defer o.cleanup()

	plan, err := o.planner.CreatePlan(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	logger.InfoCF("orchestrator", "Plan created", map[string]any{
		"session_id": o.sessionID,
		"subtasks":   len(plan.Subtasks),
	})

	result := &OrchestrationResult{
		SubtaskResults: make(map[string]SpecialistOutcome),
	}

	subtasks := make([]Subtask, len(plan.Subtasks))
	copy(subtasks, plan.Subtasks)

	for i := 0; i < len(subtasks); i++ {
		st := subtasks[i]

		if dep, failed := dependencyFailed(st, result.SubtaskResults); failed {
			logger.WarnCF("orchestrator", "Skipping subtask with failed dependency", map[string]any{
				"subtask": st.ID,
				"dep":     dep,
			})
			result.SubtaskResults[st.ID] = SpecialistOutcome{Failure: &SpecialistFailure{
				Kind:    FailureToolError,
				Message: fmt.Sprintf("skipped: dependency %s failed", dep),
			}}
			result.Order = append(result.Order, st.ID)
			continue
		}

		outcome := o.executeWithEscalation(ctx, st, priorOutputs(result))
		result.SubtaskResults[st.ID] = outcome
		result.Order = append(result.Order, st.ID)

		if !outcome.Succeeded() {
			if st.Priority >= abortPriority {
				logger.WarnCF("orchestrator", "High-priority subtask failed, aborting plan", map[string]any{
					"subtask":  st.ID,
					"priority": st.Priority,
				})
				break
			}
			continue
		}

		// Record findings and consider plan adaptation.
		for _, f := range outcome.OK.Findings {
			o.session.AddFinding(f.Title)
			if o.findings != nil {
				if err := o.findings.Add(ctx, o.sessionID, st.ID, f); err != nil {
					logger.WarnCF("orchestrator", "Findings store write failed", map[string]any{"error": err.Error()})
				}
			}
		}
		if hasActionableFindings(outcome.OK.Findings) {
			if injected := o.adaptPlan(ctx, goal, st, outcome.OK.Findings); len(injected) > 0 {
				rest := append([]Subtask{}, subtasks[i+1:]...)
				subtasks = append(subtasks[:i+1], append(injected, rest...)...)
				logger.InfoCF("orchestrator", "Plan adapted", map[string]any{
					"after":    st.ID,
					"injected": len(injected),
				})
			}
		}

		o.session.SetSummary(utils.Truncate(outcome.OK.Output, 200))

		// Early stopping: only meaningful while at least 2 subtasks remain.
		if remaining := len(subtasks) - (i + 1); remaining >= 2 {
			decision := o.assessStopping(ctx, goal, completedSummaries(result), remaining)
			if decision.actOn() {
				result.Canceled = decision.ShouldCancel && !decision.IsSolved
				result.CancelReason = decision.Reason
				logger.InfoCF("orchestrator", "Early stop", map[string]any{
					"solved":     decision.IsSolved,
					"canceled":   decision.ShouldCancel,
					"confidence": decision.Confidence,
				})
				break
			}
		}
	}

	answer, ok := o.synthesize(ctx, goal, result.Order, result.SubtaskResults)
	result.Answer = answer
	result.Success = ok && anySubtaskSucceeded(result.SubtaskResults)
	result.CostUnits = o.costAccrued
	return result, nil
}

// executeWithEscalation walks the specialist's escalation ladder, retrying
// within each tier with exponential backoff before moving up.
func (o *Orchestrator) executeWithEscalation(ctx context.Context, st Subtask, prior map[string]string) SpecialistOutcome {
	spec, ok := o.specialists[st.SpecialistID]
	if !ok {
		return SpecialistOutcome{Failure: &SpecialistFailure{
			Kind:    FailureToolError,
			Message: fmt.Sprintf("unknown specialist %q", st.SpecialistID),
		}}
	}

	var last SpecialistOutcome
	for _, tier := range spec.Ladder() {
		last = o.executeWithRetry(ctx, spec, st, tier, prior)
		if last.Succeeded() {
			return last
		}
		logger.WarnCF("orchestrator", "Tier exhausted for subtask", map[string]any{
			"subtask": st.ID,
			"tier":    string(tier),
			"error":   last.Failure.Message,
		})
	}
	return last
}

// executeWithRetry runs the subtask at one tier with up to 2 retries,
// honoring suggestedRetry, with backoff 1s·2^(attempt-1). A success that
// fails verification counts as a retryable failure.
func (o *Orchestrator) executeWithRetry(ctx context.Context, spec SpecialistConfig, st Subtask, tier providers.Tier, prior map[string]string) SpecialistOutcome {
	var last SpecialistOutcome
	for attempt := 1; attempt <= 1+maxRetriesPerTier; attempt++ {
		if attempt > 1 {
			backoff := o.backoffBase * time.Duration(1<<(attempt-2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return SpecialistOutcome{Failure: &SpecialistFailure{
					Kind:    FailureTimeout,
					Message: "canceled during retry backoff",
				}}
			}
		}

		o.addCost(tier)
		last = o.runner.Run(ctx, spec, st, tier, prior)

		if last.Succeeded() {
			if check := o.verifyOutcome(last.OK); !check.Valid {
				last = SpecialistOutcome{Failure: &SpecialistFailure{
					Kind:           FailureVerificationFailed,
					Message:        "verification failed: " + strings.Join(check.Violations, "; "),
					SuggestedRetry: true,
					Partial:        last.OK.Output,
				}}
			} else {
				return last
			}
		}

		if last.Failure == nil || !last.Failure.SuggestedRetry {
			return last
		}
	}
	return last
}

// verifyOutcome applies the specialist-output verifier against the
// recorded trace, when a trace ref exists.
func (o *Orchestrator) verifyOutcome(success *SpecialistSuccess) verifier.OutputCheck {
	claims := make([]verifier.OutputClaim, 0, len(success.Findings))
	for _, f := range success.Findings {
		claims = append(claims, verifier.OutputClaim{
			Severity: string(f.Severity),
			Category: f.Category,
			Title:    f.Title,
		})
	}

	var events []trace.Event
	if success.TraceRef != "" {
		if taskID, ok := taskIDFromTraceRef(success.TraceRef); ok {
			if read, err := trace.Read(o.workingDir, taskID, 0); err == nil {
				events = read
			}
		}
	}

	return verifier.VerifySpecialistOutput(success.Output, claims, events, o.workingDir)
}

// taskIDFromTraceRef extracts "<taskId>" from ".../<taskId>.ndjson".
func taskIDFromTraceRef(ref string) (string, bool) {
	base := ref
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if !strings.HasSuffix(base, ".ndjson") {
		return "", false
	}
	id := strings.TrimSuffix(base, ".ndjson")
	return id, trace.ValidID(id)
}

// cleanup prunes the session's findings and purges its temporary
// "<sessionID>-tmp" memory directory. Best-effort: failures are logged and
// swallowed.
func (o *Orchestrator) cleanup() {
	if o.findings != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.findings.PruneSession(ctx, o.sessionID); err != nil {
			logger.WarnCF("orchestrator", "Findings prune failed", map[string]any{"error": err.Error()})
		}
	}
	if o.workingDir != "" {
		if err := memory.Purge(o.workingDir, o.sessionID+"-tmp"); err != nil {
			logger.WarnCF("orchestrator", "Temp artifact purge failed", map[string]any{"error": err.Error()})
		}
	}
}

func priorOutputs(result *OrchestrationResult) map[string]string {
	prior := make(map[string]string)
	for id, outcome := range result.SubtaskResults {
		if outcome.OK != nil {
			prior[id] = outcome.OK.Output
		}
	}
	return prior
}

func completedSummaries(result *OrchestrationResult) []string {
	var out []string
	for _, id := range result.Order {
		if outcome := result.SubtaskResults[id]; outcome.OK != nil {
			out = append(out, fmt.Sprintf("%s: %s", id, utils.Truncate(outcome.OK.Output, 300)))
		}
	}
	return out
}

func anySubtaskSucceeded(results map[string]SpecialistOutcome) bool {
	for _, outcome := range results {
		if outcome.Succeeded() {
			return true
		}
	}
	return false
}
