package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kb-labs/kbagent/pkg/memory"
	"github.com/kb-labs/kbagent/pkg/providers"
)

func TestSummarizer_ExtractsFacts(t *testing.T) {
	provider := newScriptedProvider(textStep(`[
		{"category": "finding", "fact": "The config loader ignores empty files", "confidence": 0.8, "source": "fs:read"},
		{"category": "bogus-category", "fact": "Falls back to finding", "confidence": 1.5, "source": ""}
	]`))

	var mu sync.Mutex
	var collected []memory.Fact
	s := NewSummarizer(testSelector(provider), func(facts []memory.Fact) {
		mu.Lock()
		defer mu.Unlock()
		collected = append(collected, facts...)
	}, nil)

	s.Start(context.Background())
	ok := s.Enqueue(SummarizationTask{
		StartIter: 1,
		EndIter:   5,
		Snapshot: []providers.Message{
			{Role: "assistant", Content: "I read the config loader"},
			{Role: "tool", Content: "func Load(path string) ..."},
		},
	})
	if !ok {
		t.Fatal("enqueue refused on empty queue")
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(collected) != 2 {
		t.Fatalf("expected 2 facts, got %d", len(collected))
	}
	if collected[0].Category != memory.CategoryFinding {
		t.Fatalf("unexpected category: %s", collected[0].Category)
	}
	if collected[0].Iteration != 5 {
		t.Fatalf("facts must carry the end iteration, got %d", collected[0].Iteration)
	}
	// Unknown category degrades to finding; confidence clamps to [0,1].
	if collected[1].Category != memory.CategoryFinding {
		t.Fatalf("unknown category not degraded: %s", collected[1].Category)
	}
	if collected[1].Confidence != 1.0 {
		t.Fatalf("confidence not clamped: %v", collected[1].Confidence)
	}
	if collected[1].Source != "agent_reasoning" {
		t.Fatalf("empty source not defaulted: %q", collected[1].Source)
	}
}

func TestSummarizer_FailureDoesNotPropagate(t *testing.T) {
	provider := newScriptedProvider(textStep("not json at all"))

	called := false
	s := NewSummarizer(testSelector(provider), func([]memory.Fact) { called = true }, nil)
	s.Start(context.Background())
	s.Enqueue(SummarizationTask{
		StartIter: 1, EndIter: 2,
		Snapshot: []providers.Message{{Role: "assistant", Content: "text"}},
	})
	s.Close()

	if called {
		t.Fatal("callback invoked for unparseable output")
	}
}

func TestSummarizer_QueueBounded(t *testing.T) {
	// A summarizer that is never started cannot drain; the 17th enqueue
	// must be dropped, not block.
	s := NewSummarizer(testSelector(newScriptedProvider()), nil, nil)

	task := SummarizationTask{Snapshot: []providers.Message{{Role: "assistant", Content: "x"}}}
	accepted := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < summarizerQueueSize+1; i++ {
			if s.Enqueue(task) {
				accepted++
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	if accepted != summarizerQueueSize {
		t.Fatalf("expected %d accepted, got %d", summarizerQueueSize, accepted)
	}
}
