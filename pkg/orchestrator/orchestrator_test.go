package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kb-labs/kbagent/pkg/providers"
)

// scriptedProvider replays canned responses across every LLM call the
// orchestrator makes (planning, adaptation, stopping, synthesis).
type scriptedProvider struct {
	mu    sync.Mutex
	steps []*providers.LLMResponse
	errs  []error
	idx   int
}

func (p *scriptedProvider) next() (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx >= len(p.steps) {
		return &providers.LLMResponse{Content: "fallback", FinishReason: "stop"}, nil
	}
	resp, err := p.steps[p.idx], error(nil)
	if p.idx < len(p.errs) {
		err = p.errs[p.idx]
	}
	p.idx++
	return resp, err
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]any) (*providers.LLMResponse, error) {
	return p.next()
}

func (p *scriptedProvider) Complete(ctx context.Context, prompt string, model string, options map[string]any) (*providers.LLMResponse, error) {
	return p.next()
}

func (p *scriptedProvider) GetDefaultModel() string { return "scripted" }

func selectorFor(p providers.LLMProvider) *providers.Selector {
	s := providers.NewSelector()
	s.Bind(providers.TierSmall, p, "s")
	s.Bind(providers.TierMedium, p, "m")
	s.Bind(providers.TierLarge, p, "l")
	return s
}

func planResponse(subtasks []map[string]any) *providers.LLMResponse {
	return &providers.LLMResponse{
		FinishReason: "tool_calls",
		ToolCalls: []providers.ToolCall{{
			ID:   "plan-1",
			Name: "create_execution_plan",
			Arguments: map[string]any{
				"subtasks": anySlice(subtasks),
			},
		}},
	}
}

func anySlice(in []map[string]any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func planSubtask(id, description string) map[string]any {
	return map[string]any{
		"id":                   id,
		"description":          description,
		"expected_outcome":     "a concrete verifiable result",
		"specialist_id":        "researcher",
		"priority":             5,
		"estimated_complexity": "medium",
	}
}

func textResponse(content string) *providers.LLMResponse {
	return &providers.LLMResponse{Content: content, FinishReason: "stop"}
}

var noStop = textResponse(`{"is_solved": false, "should_cancel": false, "confidence": 0.2, "reason": "keep going"}`)

// recordingRunner returns preset outcomes and records execution order.
type recordingRunner struct {
	mu       sync.Mutex
	order    []string
	tiers    []providers.Tier
	outcomes map[string][]SpecialistOutcome
	served   map[string]int
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{
		outcomes: make(map[string][]SpecialistOutcome),
		served:   make(map[string]int),
	}
}

func (r *recordingRunner) on(subtaskID string, outcomes ...SpecialistOutcome) {
	r.outcomes[subtaskID] = outcomes
}

func (r *recordingRunner) Run(ctx context.Context, spec SpecialistConfig, subtask Subtask, tier providers.Tier, prior map[string]string) SpecialistOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, subtask.ID)
	r.tiers = append(r.tiers, tier)

	queue := r.outcomes[subtask.ID]
	idx := r.served[subtask.ID]
	r.served[subtask.ID]++
	if idx < len(queue) {
		return queue[idx]
	}
	if len(queue) > 0 {
		return queue[len(queue)-1]
	}
	return SpecialistOutcome{OK: &SpecialistSuccess{Output: "did " + subtask.ID}}
}

func roster() []SpecialistConfig {
	return []SpecialistConfig{{
		ID:       "researcher",
		Identity: "research things",
		Tier:     providers.TierMedium,
	}}
}

func newTestOrchestrator(t *testing.T, provider providers.LLMProvider, runner SpecialistRunner) *Orchestrator {
	t.Helper()
	o := New("sess-test", "", selectorFor(provider), runner, roster(), nil)
	o.backoffBase = time.Millisecond
	return o
}

func TestOrchestrator_AdaptationInjectsAfterCurrent(t *testing.T) {
	provider := &scriptedProvider{steps: []*providers.LLMResponse{
		// 1. plan: A, B, C
		planResponse([]map[string]any{
			planSubtask("subtask-1", "investigate the failing login flow"),
			planSubtask("subtask-2", "document the session architecture"),
			planSubtask("subtask-3", "summarize remaining risks clearly"),
		}),
		// 2. adaptation after subtask-1's high finding
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{{
				ID:   "rev-1",
				Name: "revise_execution_plan",
				Arguments: map[string]any{
					"action":     "add",
					"confidence": 0.9,
					"subtasks": []any{map[string]any{
						"id":                   "fix-1",
						"description":          "fix the login token refresh bug",
						"expected_outcome":     "login flow works after token expiry",
						"specialist_id":        "researcher",
						"priority":             6,
						"estimated_complexity": "medium",
					}},
				},
			}},
		},
		// 3-4. stopping assessments
		noStop,
		noStop,
		// 5. synthesis
		textResponse("All subtasks completed; login bug fixed."),
	}}

	runner := newRecordingRunner()
	runner.on("subtask-1", SpecialistOutcome{OK: &SpecialistSuccess{
		Output: "found the bug",
		Findings: []Finding{{
			ID:          "f-1",
			Severity:    SeverityHigh,
			Category:    "bug",
			Title:       "login token refresh broken",
			Description: "refresh path drops the session",
			Actionable:  true,
			SuggestedAction: &SuggestedAction{
				Type:        "fix",
				Description: "repair the refresh path",
			},
		}},
	}})

	o := newTestOrchestrator(t, provider, runner)
	result, err := o.Execute(context.Background(), "fix login")
	require.NoError(t, err)

	require.Equal(t, []string{"subtask-1", "fix-1", "subtask-2", "subtask-3"}, runner.order)
	require.Equal(t, runner.order, result.Order)
	require.True(t, result.Success)
	require.Contains(t, result.Answer, "login bug fixed")

	// Injected subtask depends on the one that produced the findings.
	// (Observable through the prior-results context handed to the runner,
	// and through the recorded order above.)
}

func TestOrchestrator_SkipsSubtaskWithFailedDependency(t *testing.T) {
	subtasks := []map[string]any{
		planSubtask("subtask-1", "collect the environment details"),
		planSubtask("subtask-2", "act on the collected details"),
	}
	subtasks[1]["dependencies"] = []any{"subtask-1"}

	provider := &scriptedProvider{steps: []*providers.LLMResponse{
		planResponse(subtasks),
		textResponse("Partial work summarized."),
	}}

	runner := newRecordingRunner()
	runner.on("subtask-1", SpecialistOutcome{Failure: &SpecialistFailure{
		Kind:    FailureToolError,
		Message: "tool exploded",
	}})

	o := newTestOrchestrator(t, provider, runner)
	result, err := o.Execute(context.Background(), "goal")
	require.NoError(t, err)

	// subtask-2 never reached the runner.
	require.Equal(t, []string{"subtask-1"}, runner.order)
	outcome := result.SubtaskResults["subtask-2"]
	require.NotNil(t, outcome.Failure)
	require.Contains(t, outcome.Failure.Message, "dependency subtask-1 failed")
}

func TestOrchestrator_HighPriorityFailureAborts(t *testing.T) {
	subtasks := []map[string]any{
		planSubtask("subtask-1", "critical foundation work for the task"),
		planSubtask("subtask-2", "follow-up work that is independent"),
		planSubtask("subtask-3", "more follow-up work after that"),
	}
	subtasks[0]["priority"] = 9

	provider := &scriptedProvider{steps: []*providers.LLMResponse{
		planResponse(subtasks),
		textResponse("Nothing succeeded."),
	}}

	runner := newRecordingRunner()
	runner.on("subtask-1", SpecialistOutcome{Failure: &SpecialistFailure{
		Kind:    FailureToolError,
		Message: "fatal",
	}})

	o := newTestOrchestrator(t, provider, runner)
	result, err := o.Execute(context.Background(), "goal")
	require.NoError(t, err)

	require.Equal(t, []string{"subtask-1"}, runner.order)
	require.False(t, result.Success)
}

func TestOrchestrator_RetriesOnSuggestedRetry(t *testing.T) {
	provider := &scriptedProvider{steps: []*providers.LLMResponse{
		planResponse([]map[string]any{
			planSubtask("subtask-1", "a task that flakes twice first"),
		}),
		textResponse("Recovered and finished."),
	}}

	runner := newRecordingRunner()
	runner.on("subtask-1",
		SpecialistOutcome{Failure: &SpecialistFailure{Kind: FailureLLMError, Message: "flake", SuggestedRetry: true}},
		SpecialistOutcome{Failure: &SpecialistFailure{Kind: FailureLLMError, Message: "flake", SuggestedRetry: true}},
		SpecialistOutcome{OK: &SpecialistSuccess{Output: "finally"}},
	)

	o := newTestOrchestrator(t, provider, runner)
	result, err := o.Execute(context.Background(), "goal")
	require.NoError(t, err)

	require.Len(t, runner.order, 3)
	require.True(t, result.SubtaskResults["subtask-1"].Succeeded())
	require.True(t, result.Success)
}

func TestOrchestrator_NoRetryWithoutSuggestion(t *testing.T) {
	provider := &scriptedProvider{steps: []*providers.LLMResponse{
		planResponse([]map[string]any{
			planSubtask("subtask-1", "a task that fails permanently"),
		}),
		textResponse("synthesis"),
	}}

	runner := newRecordingRunner()
	runner.on("subtask-1", SpecialistOutcome{Failure: &SpecialistFailure{
		Kind:           FailureToolError,
		Message:        "permanent",
		SuggestedRetry: false,
	}})

	o := newTestOrchestrator(t, provider, runner)
	result, err := o.Execute(context.Background(), "goal")
	require.NoError(t, err)

	require.Len(t, runner.order, 1)
	require.False(t, result.Success)
}

func TestOrchestrator_EscalationLadderWalked(t *testing.T) {
	provider := &scriptedProvider{steps: []*providers.LLMResponse{
		planResponse([]map[string]any{
			planSubtask("subtask-1", "needs the bigger model eventually"),
		}),
		textResponse("Done at large tier."),
	}}

	runner := newRecordingRunner()
	runner.on("subtask-1",
		SpecialistOutcome{Failure: &SpecialistFailure{Kind: FailureMaxIterations, Message: "too hard", SuggestedRetry: false}},
		SpecialistOutcome{OK: &SpecialistSuccess{Output: "solved at higher tier"}},
	)

	specs := []SpecialistConfig{{
		ID:               "researcher",
		Identity:         "research things",
		Tier:             providers.TierMedium,
		EscalationLadder: []providers.Tier{providers.TierMedium, providers.TierLarge},
	}}
	o := New("sess-esc", "", selectorFor(provider), runner, specs, nil)
	o.backoffBase = time.Millisecond

	result, err := o.Execute(context.Background(), "goal")
	require.NoError(t, err)

	require.Equal(t, []providers.Tier{providers.TierMedium, providers.TierLarge}, runner.tiers)
	require.True(t, result.Success)
	require.Greater(t, result.CostUnits, 0.0)
}

func TestOrchestrator_SynthesisFallbackConcatenates(t *testing.T) {
	provider := &scriptedProvider{
		steps: []*providers.LLMResponse{
			planResponse([]map[string]any{
				planSubtask("subtask-1", "produce something usable quickly"),
			}),
			nil, // synthesis fails
		},
		errs: []error{nil, errors.New("synthesis model unavailable")},
	}

	runner := newRecordingRunner()
	runner.on("subtask-1", SpecialistOutcome{OK: &SpecialistSuccess{Output: "useful partial output"}})

	o := newTestOrchestrator(t, provider, runner)
	result, err := o.Execute(context.Background(), "goal")
	require.NoError(t, err)

	require.True(t, result.Success)
	require.Contains(t, result.Answer, "Partial Results")
	require.Contains(t, result.Answer, "useful partial output")
}

func TestOrchestrator_EarlySolveStops(t *testing.T) {
	provider := &scriptedProvider{steps: []*providers.LLMResponse{
		planResponse([]map[string]any{
			planSubtask("subtask-1", "the first and possibly only step"),
			planSubtask("subtask-2", "probably unnecessary follow-up"),
			planSubtask("subtask-3", "definitely unnecessary follow-up"),
		}),
		textResponse(`{"is_solved": true, "should_cancel": false, "confidence": 0.95, "reason": "first step solved it"}`),
		textResponse("Solved after the first step."),
	}}

	runner := newRecordingRunner()

	o := newTestOrchestrator(t, provider, runner)
	result, err := o.Execute(context.Background(), "goal")
	require.NoError(t, err)

	require.Equal(t, []string{"subtask-1"}, runner.order)
	require.True(t, result.Success)
}

func TestOrchestrator_LowConfidenceDecisionIgnored(t *testing.T) {
	provider := &scriptedProvider{steps: []*providers.LLMResponse{
		planResponse([]map[string]any{
			planSubtask("subtask-1", "the first step of several here"),
			planSubtask("subtask-2", "the second step of several here"),
			planSubtask("subtask-3", "the third step of several here"),
		}),
		textResponse(`{"is_solved": true, "should_cancel": false, "confidence": 0.4, "reason": "maybe"}`),
		textResponse("All three ran."),
	}}

	runner := newRecordingRunner()
	o := newTestOrchestrator(t, provider, runner)
	result, err := o.Execute(context.Background(), "goal")
	require.NoError(t, err)

	require.Equal(t, []string{"subtask-1", "subtask-2", "subtask-3"}, runner.order)
	require.True(t, result.Success)
}
