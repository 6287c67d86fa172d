// kbagent - autonomous agent runtime
// License: MIT

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/memory"
	"github.com/kb-labs/kbagent/pkg/providers"
	"github.com/kb-labs/kbagent/pkg/tools"
	"github.com/kb-labs/kbagent/pkg/trace"
)

// maxTierAttempts bounds tier escalation: small → medium → large.
const maxTierAttempts = 3

// expensiveTools are pruned from the offered tool set when the remaining
// budget drops below 25% or the soft token limit restricts exploration.
var expensiveTools = map[string]bool{
	"fs:search":        true,
	"fs:glob":          true,
	"code:find-usages": true,
}

// LoopConfig carries the per-task loop settings.
type LoopConfig struct {
	SystemPrompt          string
	MaxTokensPerCall      int
	Temperature           float64
	MaxOutputLength       int
	SlidingWindowSize     int
	SummarizationInterval int
	EnableEscalation      bool
	GlobalMaxIterations   int

	// DisableForcedReasoning turns off the reflection pause that follows
	// every tool-executing iteration.
	DisableForcedReasoning bool
}

// Loop drives one task to completion. It owns the task's context filter,
// detectors, fact sheet, and archive; all are destroyed with the loop.
type Loop struct {
	task     Task
	cfg      LoopConfig
	selector *providers.Selector
	registry *tools.Registry
	executor *tools.Executor
	tracer   *trace.Writer

	filter   *ContextFilter
	detector *LoopDetector
	recovery *Recovery
	facts    *memory.FactSheet
	archive  *memory.Archive
	budget   *Budget

	factsMu sync.Mutex
}

// NewLoop assembles a loop over the given task. facts and archive are
// task-owned; pass fresh instances.
func NewLoop(
	task Task,
	cfg LoopConfig,
	selector *providers.Selector,
	registry *tools.Registry,
	executor *tools.Executor,
	tracer *trace.Writer,
	facts *memory.FactSheet,
	archive *memory.Archive,
) *Loop {
	if cfg.MaxTokensPerCall <= 0 {
		cfg.MaxTokensPerCall = 8192
	}
	if cfg.SummarizationInterval <= 0 {
		cfg.SummarizationInterval = 5
	}
	if cfg.GlobalMaxIterations <= 0 {
		cfg.GlobalMaxIterations = 20
	}
	l := &Loop{
		task:     task,
		cfg:      cfg,
		selector: selector,
		registry: registry,
		executor: executor,
		tracer:   tracer,
		recovery: NewRecovery(selector),
		facts:    facts,
		archive:  archive,
	}
	l.resetTierState()
	return l
}

// resetTierState gives a tier attempt a clean history and detectors.
// The fact sheet survives: knowledge gathered at a lower tier stays useful.
func (l *Loop) resetTierState() {
	l.filter = NewContextFilter(l.cfg.MaxOutputLength, l.cfg.SlidingWindowSize)
	l.detector = NewLoopDetector()
	l.executor.SetCache(l.filter)
	l.executor.SetTruncator(l.filter.TruncateResult)
}

// Facts exposes the task's fact sheet (read-mostly; used by specialists).
func (l *Loop) Facts() *memory.FactSheet { return l.facts }

// Budget exposes the current budget for observers.
func (l *Loop) Budget() *Budget { return l.budget }

// writeFacts serializes fact-sheet writes between the main loop and the
// summarizer callback, archives evictions, and traces additions.
func (l *Loop) writeFacts(facts []memory.Fact) {
	l.factsMu.Lock()
	defer l.factsMu.Unlock()
	for _, fact := range facts {
		evicted, added := l.facts.Add(fact)
		for _, e := range evicted {
			l.archive.AddFact(e)
		}
		if added {
			l.traceEvent(trace.EventFactAdded, fact.Iteration, map[string]any{
				"category":   string(fact.Category),
				"text":       fact.Text,
				"confidence": fact.Confidence,
				"source":     fact.Source,
			})
		}
	}
}

func (l *Loop) traceEvent(eventType trace.EventType, iteration int, data map[string]any) {
	if l.tracer == nil {
		return
	}
	if err := l.tracer.Append(trace.NewEvent(eventType, iteration, data)); err != nil {
		logger.WarnCF("agent", "Trace append failed", map[string]any{"error": err.Error()})
	}
}

// tierOutcome is the internal result of one tier attempt.
type tierOutcome struct {
	result   *TaskResult
	escalate bool
	reason   string
}

// Run executes the task, escalating through the tier ladder on demand
// (at most 3 attempts). Token usage and escalation records accumulate
// across attempts.
func (l *Loop) Run(ctx context.Context, iterationsMax int, policy TokenPolicy, startTier providers.Tier) *TaskResult {
	l.traceEvent(trace.EventTaskStart, 0, map[string]any{
		"task_id": l.task.ID,
		"goal":    l.task.Goal,
		"mode":    string(l.task.Mode),
		"tier":    string(startTier),
	})

	tier := startTier
	cumTokens := 0
	totalIterations := 0
	var escalations []Escalation

	for attempt := 1; attempt <= maxTierAttempts; attempt++ {
		l.budget = NewBudget(iterationsMax, l.cfg.GlobalMaxIterations, policy, tier, cumTokens)
		for _, esc := range escalations {
			l.budget.RecordEscalation(esc.From, esc.To, esc.Reason)
		}

		outcome := l.runTier(ctx, tier)

		totalIterations += l.budget.IterationsUsed()
		cumTokens = l.budget.TokensUsed()
		escalations = l.budget.Escalations()

		if outcome.escalate && l.cfg.EnableEscalation {
			next, ok := providers.NextTier(tier)
			if !ok || attempt == maxTierAttempts {
				result := &TaskResult{
					Success:    false,
					Answer:     fmt.Sprintf("Escalation exhausted at tier %s: %s", tier, outcome.reason),
					ReasonCode: ReasonEscalationExhausted,
				}
				return l.finalize(result, totalIterations, cumTokens)
			}
			l.budget.RecordEscalation(tier, next, outcome.reason)
			escalations = l.budget.Escalations()
			logger.InfoCF("agent", "Escalating tier", map[string]any{
				"task_id": l.task.ID,
				"from":    string(tier),
				"to":      string(next),
				"reason":  outcome.reason,
			})
			tier = next
			l.resetTierState()
			continue
		}

		if outcome.escalate {
			// Escalation disabled: report the signal as a failure.
			result := &TaskResult{
				Success:    false,
				Answer:     "Task requested escalation but escalation is disabled: " + outcome.reason,
				ReasonCode: ReasonEscalationExhausted,
			}
			return l.finalize(result, totalIterations, cumTokens)
		}

		return l.finalize(outcome.result, totalIterations, cumTokens)
	}

	result := &TaskResult{
		Success:    false,
		Answer:     "Tier attempts exhausted",
		ReasonCode: ReasonEscalationExhausted,
	}
	return l.finalize(result, totalIterations, cumTokens)
}

func (l *Loop) finalize(result *TaskResult, iterations, tokens int) *TaskResult {
	result.IterationsUsed = iterations
	result.TokensUsed = tokens
	result.Summary = buildSummary(result)
	return result
}

// runTier is the six-phase iteration loop at a fixed tier.
func (l *Loop) runTier(ctx context.Context, tier providers.Tier) tierOutcome {
	provider, model, err := l.selector.Handle(tier)
	if err != nil {
		return tierOutcome{result: &TaskResult{
			Success:    false,
			Answer:     "No provider for tier " + string(tier) + ": " + err.Error(),
			ReasonCode: ReasonLLMError,
		}}
	}

	summarizer := NewSummarizer(l.selector, l.writeFacts, l.tracer)
	summarizer.Start(ctx)
	defer summarizer.Close()

	l.filter.Append(providers.Message{Role: "user", Content: l.task.Goal, Iteration: 0})

	prevExecutedTools := false
	softNudgeInjected := false
	stuckRecoveryUsed := false
	recoveryRetries := make(map[string]int)
	lastSummarizedIter := 0
	var progressIters []int

	for {
		seq := l.budget.BeginIteration()
		if seq == 0 {
			// Iteration budget spent without the model requesting more work.
			return tierOutcome{result: &TaskResult{
				Success:    false,
				Answer:     "Iteration budget exhausted before the task converged.",
				ReasonCode: ReasonMaxIterationsExhausted,
			}}
		}

		state := IterationState{
			Seq:       seq,
			StartedAt: time.Now().UTC(),
			Tier:      tier,
			PhaseTag:  l.phaseFor(seq),
		}
		l.traceEvent(trace.EventIterationDetail, seq, map[string]any{
			"tier":  string(tier),
			"phase": string(state.PhaseTag),
		})

		// Phase 1: pre-flight.
		if ctx.Err() != nil {
			return tierOutcome{result: &TaskResult{
				Success:    false,
				Answer:     "Task aborted.",
				ReasonCode: ReasonAbortSignal,
			}}
		}
		if l.budget.HardLimitReached() && l.budget.Policy().ForceSynthesisOnHardLimit {
			return l.synthesizeAndReturn(ctx, provider, model, seq, ReasonHardTokenLimit, "hard token limit")
		}

		// Phase 2: tool-set selection.
		forcedPause := prevExecutedTools && !l.cfg.DisableForcedReasoning
		var toolDefs []providers.ToolDefinition
		var offered []string
		if !forcedPause {
			offered = l.selectToolNames()
			toolDefs = l.registry.ProviderDefs(offered)
		}
		l.traceEvent(trace.EventToolFilter, seq, map[string]any{
			"forced_reasoning": forcedPause,
			"offered":          offered,
		})

		// Phase 3: LLM call through the context filter projection.
		messages := l.filter.Project(l.cfg.SystemPrompt, l.contextBlocks())
		state.MessagesDigest = messagesDigest(messages)

		if l.budget.SoftLimitReached() && !softNudgeInjected {
			nudge := providers.Message{
				Role:      "user",
				Content:   "Token budget is running low. Converge: stop exploring and produce your best final answer soon.",
				Iteration: seq,
			}
			l.filter.Append(nudge)
			messages = append(messages, nudge)
			softNudgeInjected = true
		}

		response, err := provider.Chat(ctx, messages, toolDefs, model, map[string]any{
			"max_tokens":  l.cfg.MaxTokensPerCall,
			"temperature": l.cfg.Temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return tierOutcome{result: &TaskResult{
					Success:    false,
					Answer:     "Task aborted during LLM call.",
					ReasonCode: ReasonAbortSignal,
				}}
			}
			l.traceEvent(trace.EventErrorCaptured, seq, map[string]any{"error": err.Error(), "stage": "llm"})
			return tierOutcome{result: &TaskResult{
				Success:    false,
				Answer:     "LLM call failed: " + err.Error(),
				ReasonCode: ReasonLLMError,
			}}
		}

		usage := map[string]any{}
		if response.Usage != nil {
			l.budget.AddTokens(response.Usage.TotalTokens)
			state.TokensConsumed = response.Usage.TotalTokens
			usage = map[string]any{
				"prompt_tokens":     response.Usage.PromptTokens,
				"completion_tokens": response.Usage.CompletionTokens,
			}
		}
		l.traceEvent(trace.EventLLMCall, seq, map[string]any{
			"model":      response.Model,
			"tier":       string(tier),
			"messages":   len(messages),
			"tools":      len(toolDefs),
			"tool_calls": len(response.ToolCalls),
			"usage":      usage,
		})

		// Phase 4: sequential tool dispatch in the model's declared order.
		var observed []ObservedCall
		var reportAnswer string
		sawReport := false
		progressThisIter := false

		if len(response.ToolCalls) > 0 {
			assistantMsg := providers.Message{
				Role:      "assistant",
				Content:   response.Content,
				Iteration: seq,
			}
			for i := range response.ToolCalls {
				tc := &response.ToolCalls[i]
				tc.Name = tools.RestoreName(tc.Name)
				if tc.ID == "" {
					tc.ID = "call-" + uuid.New().String()[:8]
				}
				tc.IssuedAt = time.Now().UTC()
				assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, *tc)
			}
			l.filter.Append(assistantMsg)
			state.ToolCalls = assistantMsg.ToolCalls

			for _, tc := range assistantMsg.ToolCalls {
				if tc.Name == tools.ReportToolName {
					sawReport = true
					if answer, ok := tc.Arguments["answer"].(string); ok {
						reportAnswer = answer
					}
				}

				result := l.executor.Execute(ctx, tc.Name, tc.Arguments, seq)
				result.ToolCallID = tc.ID
				state.ToolResults = append(state.ToolResults, result)

				l.traceEvent(trace.EventToolExecution, seq, map[string]any{
					"tool":        tc.Name,
					"success":     result.Success,
					"duration_ms": result.DurationMs,
					"error":       errorCode(result),
				})

				observed = append(observed, ObservedCall{
					Name:   tc.Name,
					Args:   tc.Arguments,
					Failed: !result.Success,
				})

				// Failed calls do not abort the iteration; the error is the
				// model's next observation.
				l.filter.Append(providers.Message{
					Role:       "tool",
					Content:    result.Output,
					ToolCallID: tc.ID,
					Iteration:  seq,
				})

				if result.Success {
					newFacts := heuristicFacts(tc.Name, tc.Arguments, result, seq)
					if len(newFacts) > 0 {
						l.writeFacts(newFacts)
						progressThisIter = true
					}
					if tc.Name == "fs:read" || (tc.Name == "fs:search" && !strings.HasPrefix(result.Output, "no matches")) {
						progressThisIter = true
					}
				}
			}

			l.filter.ObserveToolSet(sequenceSignature(observed))
		} else if response.Content != "" {
			l.filter.Append(providers.Message{Role: "assistant", Content: response.Content, Iteration: seq})
		}

		if progressThisIter {
			progressIters = append(progressIters, seq)
		}

		// Phase 5: post-processing — async summarization and detector update.
		if seq-lastSummarizedIter >= l.cfg.SummarizationInterval {
			summarizer.Enqueue(SummarizationTask{
				StartIter: lastSummarizedIter + 1,
				EndIter:   seq,
				Snapshot:  l.filter.Snapshot(),
			})
			lastSummarizedIter = seq
		}

		detection := l.detector.Observe(IterationObservation{
			Seq:           seq,
			ToolCalls:     observed,
			AssistantText: response.Content,
		})

		// One-shot budget extension when progress is visible late in the run.
		if l.budget.ExtensionEligible() && progressInWindow(progressIters, seq, 3) {
			if added := l.budget.TryExtend(true); added > 0 {
				l.traceEvent(trace.EventStatusChange, seq, map[string]any{
					"change":           "budget_extended",
					"iterations_added": added,
				})
			}
		}

		// Phase 6: termination checks, in priority order.
		l.traceEvent(trace.EventStoppingAnalysis, seq, map[string]any{
			"saw_report":    sawReport,
			"tool_calls":    len(observed),
			"forced_pause":  forcedPause,
			"detection":     string(detection.Signal),
			"at_iter_limit": l.budget.AtIterationLimit(),
		})

		if sawReport {
			return tierOutcome{result: &TaskResult{
				Success:    true,
				Answer:     reportAnswer,
				ReasonCode: ReasonReportComplete,
			}}
		}

		if len(response.ToolCalls) == 0 {
			kind, detail := parseTerminationMarker(response.Content)
			switch kind {
			case markerEscalate:
				return tierOutcome{escalate: true, reason: "model requested escalation: " + detail}
			case markerQuit:
				return tierOutcome{result: &TaskResult{
					Success:    false,
					Answer:     "Task abandoned: " + detail,
					ReasonCode: ReasonGiveUp,
				}}
			case markerDone:
				return tierOutcome{result: &TaskResult{
					Success:    true,
					Answer:     stripMarkers(response.Content),
					ReasonCode: ReasonTaskComplete,
				}}
			default:
				// A clean stop without a marker is implicit success — but a
				// forced-reasoning pause is reflection, not an answer.
				if !forcedPause {
					return tierOutcome{result: &TaskResult{
						Success:    true,
						Answer:     response.Content,
						ReasonCode: ReasonImplicitComplete,
					}}
				}
			}
		}

		if detection.Signal == SignalExactRepeat || detection.Signal == SignalSequenceRepeat {
			return tierOutcome{result: &TaskResult{
				Success: false,
				Answer: fmt.Sprintf("Loop detected (%s, confidence %.1f). Attempted tools: %s.",
					detection.Signal, detection.Confidence, l.detector.AttemptedPatterns()),
				ReasonCode: ReasonLoopDetected,
			}}
		}

		if detection.Signal == SignalStuck {
			outcome, done := l.handleStuck(ctx, seq, detection, &stuckRecoveryUsed, recoveryRetries, observed)
			if done {
				return outcome
			}
		}

		if l.budget.AtIterationLimit() {
			if len(response.ToolCalls) > 0 {
				// The model still wants to act; synthesize from what exists.
				return l.synthesizeAndReturn(ctx, provider, model, seq, ReasonMaxIterations, "iteration budget exhausted")
			}
			return tierOutcome{result: &TaskResult{
				Success:    false,
				Answer:     "Iteration budget exhausted before the task converged.",
				ReasonCode: ReasonMaxIterationsExhausted,
			}}
		}

		prevExecutedTools = len(response.ToolCalls) > 0
	}
}

// handleStuck attempts one recovery per stuck episode. done=true means the
// returned outcome terminates the tier run.
func (l *Loop) handleStuck(
	ctx context.Context,
	seq int,
	detection Detection,
	recoveryUsed *bool,
	recoveryRetries map[string]int,
	observed []ObservedCall,
) (tierOutcome, bool) {
	if *recoveryUsed {
		return tierOutcome{result: &TaskResult{
			Success:    false,
			Answer:     "Agent is stuck and recovery was already attempted: " + detection.Detail,
			ReasonCode: ReasonStuck,
		}}, true
	}
	*recoveryUsed = true

	action, hint := l.recovery.Decide(ctx, l.task.Goal, detection.Detail, l.detector.AttemptedPatterns())
	l.traceEvent(trace.EventDecisionPoint, seq, map[string]any{
		"kind":   "stuck_recovery",
		"action": string(action),
		"hint":   hint,
	})

	switch action {
	case RecoveryEscalate:
		return tierOutcome{escalate: true, reason: "stuck recovery requested escalation"}, true
	case RecoveryGiveUp:
		return tierOutcome{result: &TaskResult{
			Success:    false,
			Answer:     "Recovery gave up: " + detection.Detail,
			ReasonCode: ReasonStuck,
		}}, true
	case RecoveryRetry:
		// Retries are capped per tool name.
		if name := dominantTool(observed); name != "" {
			recoveryRetries[name]++
			if recoveryRetries[name] > 2 {
				return tierOutcome{result: &TaskResult{
					Success:    false,
					Answer:     fmt.Sprintf("Tool %s exhausted its recovery retries.", name),
					ReasonCode: ReasonStuck,
				}}, true
			}
		}
	}

	guidance := "You appear to be repeating unproductive steps."
	if hint != "" {
		guidance += " Guidance: " + hint
	}
	l.filter.Append(providers.Message{Role: "user", Content: guidance, Iteration: seq})
	return tierOutcome{}, false
}

// synthesizeAndReturn runs forced synthesis and wraps the answer.
func (l *Loop) synthesizeAndReturn(
	ctx context.Context,
	provider providers.LLMProvider,
	model string,
	seq int,
	reason ReasonCode,
	why string,
) tierOutcome {
	l.traceEvent(trace.EventSynthesisForced, seq, map[string]any{"reason": why})

	messages := l.filter.Project(l.cfg.SystemPrompt, l.contextBlocks())
	answer, err := forceSynthesize(ctx, provider, model, messages, l.cfg.MaxTokensPerCall, why)
	if err != nil {
		l.traceEvent(trace.EventErrorCaptured, seq, map[string]any{"error": err.Error(), "stage": "synthesis"})
		return tierOutcome{result: &TaskResult{
			Success:    false,
			Answer:     "Forced synthesis failed: " + err.Error(),
			ReasonCode: reason,
		}}
	}
	if usage := estimateSynthesisTokens(answer); usage > 0 {
		l.budget.AddTokens(usage)
	}
	return tierOutcome{result: &TaskResult{
		Success:    true,
		Answer:     answer,
		ReasonCode: reason,
	}}
}

// selectToolNames applies the deny/allow lists and cost-aware pruning.
func (l *Loop) selectToolNames() []string {
	pruneExpensive := l.budget.RemainingRatio() < 0.25 ||
		(l.budget.SoftLimitReached() && l.budget.Policy().RestrictBroadExplorationAtSoftLimit)

	var names []string
	for _, name := range l.registry.List() {
		if !l.executor.Permitted(name) {
			continue
		}
		if pruneExpensive && expensiveTools[name] {
			continue
		}
		names = append(names, name)
	}
	return names
}

// contextBlocks renders the prompt-injected memory blocks.
func (l *Loop) contextBlocks() []string {
	var blocks []string
	if rendered := l.facts.Render(); rendered != "" {
		blocks = append(blocks, rendered)
	}
	return blocks
}

// phaseFor derives the coarse phase tag for an iteration.
func (l *Loop) phaseFor(seq int) PhaseTag {
	max := l.budget.IterationsMax()
	switch {
	case seq == 1:
		return PhaseScoping
	case seq == 2:
		return PhasePlanningLite
	case seq >= max:
		return PhaseReporting
	case float64(seq) >= 0.75*float64(max):
		return PhaseConverging
	default:
		return PhaseExecuting
	}
}

func errorCode(result *tools.ToolResult) string {
	if result == nil || result.Error == nil {
		return ""
	}
	return result.Error.Code
}

func dominantTool(observed []ObservedCall) string {
	counts := make(map[string]int)
	best, bestCount := "", 0
	for _, call := range observed {
		counts[call.Name]++
		if counts[call.Name] > bestCount {
			best, bestCount = call.Name, counts[call.Name]
		}
	}
	return best
}

func progressInWindow(progressIters []int, seq, window int) bool {
	for _, iter := range progressIters {
		if iter > seq-window {
			return true
		}
	}
	return false
}

func messagesDigest(messages []providers.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s:%d;", m.Role, len(m.Content))
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			fmt.Fprintf(&sb, "%s(%d);", tc.Name, len(args))
		}
	}
	return hashText(sb.String())
}

// estimateSynthesisTokens approximates usage for the synthesis reply when
// the provider returned no usage block.
func estimateSynthesisTokens(answer string) int {
	return len(answer) / 4
}
