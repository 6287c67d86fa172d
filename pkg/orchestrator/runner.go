package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kb-labs/kbagent/pkg/agent"
	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/memory"
	"github.com/kb-labs/kbagent/pkg/providers"
	"github.com/kb-labs/kbagent/pkg/tools"
	"github.com/kb-labs/kbagent/pkg/trace"
)

// RegistryFactory builds a fresh tool registry for one specialist run.
type RegistryFactory func() *tools.Registry

// LoopRunner executes subtasks as agent iteration loops: each run gets its
// own tool registry, context filter, fact sheet, and trace file.
type LoopRunner struct {
	selector      *providers.Selector
	workingDir    string
	sessionID     string
	newRegistry   RegistryFactory
	loopCfg       agent.LoopConfig
	tokenPolicy   agent.TokenPolicy
	iterationsMax int
	memoryCfg     MemoryLimits
}

// MemoryLimits bounds the per-specialist fact sheet and archive.
type MemoryLimits struct {
	FactMaxEntries    int
	FactMaxTokens     int
	ArchiveMaxEntries int
	ArchiveMaxChars   int
}

// NewLoopRunner creates the default specialist runner.
func NewLoopRunner(
	selector *providers.Selector,
	workingDir, sessionID string,
	newRegistry RegistryFactory,
	loopCfg agent.LoopConfig,
	tokenPolicy agent.TokenPolicy,
	iterationsMax int,
	memoryCfg MemoryLimits,
) *LoopRunner {
	return &LoopRunner{
		selector:      selector,
		workingDir:    workingDir,
		sessionID:     sessionID,
		newRegistry:   newRegistry,
		loopCfg:       loopCfg,
		tokenPolicy:   tokenPolicy,
		iterationsMax: iterationsMax,
		memoryCfg:     memoryCfg,
	}
}

const specialistFindingsInstruction = `
When you uncover issues worth the orchestrator's attention, include a fenced block in your final answer:
` + "```findings\n" + `[{"severity": "critical|high|medium|low|info", "category": "<short>", "title": "<short>", "description": "<detail>", "actionable": true|false, "suggested_action": {"type": "fix|investigate|verify", "description": "<what>"}}]
` + "```"

// Run implements SpecialistRunner.
func (r *LoopRunner) Run(ctx context.Context, spec SpecialistConfig, subtask Subtask, tier providers.Tier, priorResults map[string]string) SpecialistOutcome {
	task := agent.Task{
		ID:         fmt.Sprintf("%s-%s-%s", r.sessionID, subtask.ID, uuid.New().String()[:8]),
		Goal:       subtaskGoal(subtask, priorResults),
		Mode:       agent.ModeExecute,
		WorkingDir: r.workingDir,
		SessionID:  r.sessionID,
	}

	tracer, err := trace.NewWriter(r.workingDir, task.ID, 0)
	if err != nil {
		logger.WarnCF("orchestrator", "Trace writer unavailable for specialist", map[string]any{"error": err.Error()})
		tracer = nil
	}
	if tracer != nil {
		defer tracer.Close()
	}

	registry := r.newRegistry()
	executor := tools.NewExecutor(registry, spec.ToolAllow, nil)

	facts := memory.NewFactSheet(r.memoryCfg.FactMaxEntries, r.memoryCfg.FactMaxTokens, nil)
	archive := memory.NewArchive(r.memoryCfg.ArchiveMaxEntries, r.memoryCfg.ArchiveMaxChars)

	cfg := r.loopCfg
	cfg.SystemPrompt = spec.Identity + "\n" + specialistFindingsInstruction
	cfg.EnableEscalation = false // the orchestrator owns the ladder

	loop := agent.NewLoop(task, cfg, r.selector, registry, executor, tracer, facts, archive)
	result := loop.Run(ctx, r.iterationsMax, r.tokenPolicy, tier)

	if err := memory.Persist(r.workingDir, r.sessionID, facts, archive); err != nil {
		logger.WarnCF("orchestrator", "Specialist memory persist failed", map[string]any{"error": err.Error()})
	}

	traceRef := ""
	if tracer != nil {
		traceRef = tracer.Path()
	}

	if result.Success {
		answer, findings := extractFindings(result.Answer, subtask.ID)
		return SpecialistOutcome{OK: &SpecialistSuccess{
			Output:     answer,
			TokensUsed: result.TokensUsed,
			TraceRef:   traceRef,
			Findings:   findings,
		}}
	}

	return SpecialistOutcome{Failure: &SpecialistFailure{
		Kind:           failureKindFor(result.ReasonCode),
		Message:        result.Answer,
		SuggestedRetry: retrySuggested(result.ReasonCode),
		Partial:        partialFor(result),
	}}
}

func subtaskGoal(subtask Subtask, priorResults map[string]string) string {
	var sb strings.Builder
	sb.WriteString(subtask.Description)
	if subtask.ExpectedOutcome != "" {
		sb.WriteString("\n\nExpected outcome: " + subtask.ExpectedOutcome)
	}
	if len(subtask.Dependencies) > 0 {
		sb.WriteString("\n\nResults from prerequisite subtasks:")
		for _, dep := range subtask.Dependencies {
			if output, ok := priorResults[dep]; ok {
				fmt.Fprintf(&sb, "\n[%s]\n%s", dep, output)
			}
		}
	}
	return sb.String()
}

// extractFindings pulls the ```findings fenced JSON block out of an answer.
func extractFindings(answer, subtaskID string) (string, []Finding) {
	const fence = "```findings"
	start := strings.Index(answer, fence)
	if start < 0 {
		return answer, nil
	}
	rest := answer[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return answer, nil
	}

	var findings []Finding
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &findings); err != nil {
		logger.WarnCF("orchestrator", "Unparseable findings block", map[string]any{"error": err.Error()})
		return answer, nil
	}
	for i := range findings {
		if findings[i].ID == "" {
			findings[i].ID = fmt.Sprintf("%s-finding-%d", subtaskID, i+1)
		}
	}

	cleaned := strings.TrimSpace(answer[:start] + rest[end+3:])
	return cleaned, findings
}

func failureKindFor(reason agent.ReasonCode) FailureKind {
	switch reason {
	case agent.ReasonMaxIterations, agent.ReasonMaxIterationsExhausted:
		return FailureMaxIterations
	case agent.ReasonLLMError:
		return FailureLLMError
	case agent.ReasonAbortSignal:
		return FailureTimeout
	default:
		return FailureToolError
	}
}

// retrySuggested marks the transient failure modes worth another attempt.
func retrySuggested(reason agent.ReasonCode) bool {
	switch reason {
	case agent.ReasonLLMError:
		return true
	default:
		return false
	}
}

func partialFor(result *agent.TaskResult) string {
	if result.ReasonCode == agent.ReasonMaxIterationsExhausted || result.ReasonCode == agent.ReasonStuck {
		return result.Answer
	}
	return ""
}
