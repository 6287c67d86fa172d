package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/memory"
	"github.com/kb-labs/kbagent/pkg/providers"
	"github.com/kb-labs/kbagent/pkg/trace"
)

// summarizerQueueSize bounds the pending extraction backlog.
const summarizerQueueSize = 16

const summarizeCallTimeout = 60 * time.Second

// SummarizationTask is one extraction request: a frozen history slice
// covering iterations [StartIter, EndIter].
type SummarizationTask struct {
	StartIter int
	EndIter   int
	Snapshot  []providers.Message
}

// Summarizer is the async fact extractor: a bounded FIFO drained by a
// single background worker. It never blocks the main loop; extraction
// failures are logged, not propagated.
type Summarizer struct {
	selector *providers.Selector
	onFacts  func([]memory.Fact)
	tracer   *trace.Writer

	queue    chan SummarizationTask
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSummarizer creates a summarizer. onFacts is invoked from the worker
// goroutine; the caller must serialize it with its own fact writes.
func NewSummarizer(selector *providers.Selector, onFacts func([]memory.Fact), tracer *trace.Writer) *Summarizer {
	return &Summarizer{
		selector: selector,
		onFacts:  onFacts,
		tracer:   tracer,
		queue:    make(chan SummarizationTask, summarizerQueueSize),
	}
}

// Start launches the worker.
func (s *Summarizer) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case task, ok := <-s.queue:
				if !ok {
					return
				}
				s.process(ctx, task)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Enqueue submits a task without blocking; a full queue drops the task.
func (s *Summarizer) Enqueue(task SummarizationTask) bool {
	select {
	case s.queue <- task:
		return true
	default:
		logger.WarnCF("summarizer", "Queue full, dropping summarization task", map[string]any{
			"start_iter": task.StartIter,
			"end_iter":   task.EndIter,
		})
		return false
	}
}

// Close stops accepting tasks and waits for the worker to drain.
func (s *Summarizer) Close() {
	s.stopOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

type extractedFact struct {
	Category   string  `json:"category"`
	Fact       string  `json:"fact"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

func (s *Summarizer) process(ctx context.Context, task SummarizationTask) {
	transcript := projectTranscript(task.Snapshot)
	if transcript == "" {
		return
	}

	provider, model, _, err := s.selector.HandleForNode(providers.NodeSummarization, providers.TierSmall)
	if err != nil {
		logger.WarnCF("summarizer", "No summarization handle", map[string]any{"error": err.Error()})
		return
	}

	s.traceEvent(trace.EventSummarizationLLMCall, task.EndIter, map[string]any{
		"start_iter":      task.StartIter,
		"end_iter":        task.EndIter,
		"transcript_size": len(transcript),
	})

	callCtx, cancel := context.WithTimeout(ctx, summarizeCallTimeout)
	defer cancel()

	prompt := strings.Join([]string{
		"Extract durable facts from this agent transcript. Reply with a JSON array only:",
		`[{"category": "file_content|architecture|finding|decision|blocker|correction|tool_result|environment", "fact": "<one sentence>", "confidence": 0.0-1.0, "source": "<tool name or agent_reasoning>"}]`,
		"",
		transcript,
	}, "\n")

	resp, err := provider.Complete(callCtx, prompt, model, map[string]any{
		"max_tokens":  1024,
		"temperature": 0.2,
	})
	if err != nil {
		logger.WarnCF("summarizer", "Fact extraction call failed", map[string]any{"error": err.Error()})
		return
	}

	var extracted []extractedFact
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &extracted); err != nil {
		logger.WarnCF("summarizer", "Unparseable fact extraction output", map[string]any{
			"error": err.Error(),
		})
		return
	}

	facts := make([]memory.Fact, 0, len(extracted))
	for _, e := range extracted {
		if e.Fact == "" {
			continue
		}
		category := memory.FactCategory(e.Category)
		if !memory.ValidCategory(category) {
			category = memory.CategoryFinding
		}
		source := e.Source
		if source == "" {
			source = "agent_reasoning"
		}
		facts = append(facts, memory.NewFact(category, e.Fact, source, e.Confidence, task.EndIter))
	}

	s.traceEvent(trace.EventSummarizationResult, task.EndIter, map[string]any{
		"facts_extracted": len(facts),
	})

	if len(facts) > 0 && s.onFacts != nil {
		s.onFacts(facts)
	}
}

func (s *Summarizer) traceEvent(eventType trace.EventType, iteration int, data map[string]any) {
	if s.tracer == nil {
		return
	}
	if err := s.tracer.Append(trace.NewEvent(eventType, iteration, data)); err != nil {
		logger.WarnCF("summarizer", "Trace append failed", map[string]any{"error": err.Error()})
	}
}

// projectTranscript compacts a history snapshot into an
// "Agent reasoning:" / "Tool:/Result:" transcript for the extractor.
func projectTranscript(messages []providers.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			if m.Content != "" {
				fmt.Fprintf(&sb, "Agent reasoning: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				fmt.Fprintf(&sb, "Tool: %s(%s)\n", tc.Name, args)
			}
		case "tool":
			fmt.Fprintf(&sb, "Result: %s\n", m.Content)
		}
	}
	return strings.TrimSpace(sb.String())
}
