package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/kb-labs/kbagent/pkg/providers"
)

func TestContextFilter_SnapshotImmutable(t *testing.T) {
	f := NewContextFilter(500, 30)
	f.Append(providers.Message{Role: "user", Content: "first"})
	f.Append(providers.Message{
		Role: "assistant",
		ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "fs:read", Arguments: map[string]any{"path": "a.txt"}},
		},
	})

	snapshot := f.Snapshot()
	f.Append(providers.Message{Role: "tool", Content: "later", ToolCallID: "c1"})

	if len(snapshot) != 2 {
		t.Fatalf("snapshot grew after append: %d", len(snapshot))
	}

	// Mutating the snapshot must not reach the filter's history.
	snapshot[0].Content = "mutated"
	snapshot[1].ToolCalls[0].Arguments["path"] = "evil.txt"

	again := f.Snapshot()
	if again[0].Content != "first" {
		t.Fatal("history content mutated through snapshot")
	}
	if again[1].ToolCalls[0].Arguments["path"] != "a.txt" {
		t.Fatal("tool call arguments mutated through snapshot")
	}
}

func TestContextFilter_TruncateResult(t *testing.T) {
	f := NewContextFilter(50, 30)

	short := "short output"
	if got := f.TruncateResult("fs:read", short); got != short {
		t.Fatalf("short output modified: %q", got)
	}

	long := strings.Repeat("x", 200)
	got := f.TruncateResult("fs:read", long)
	if !strings.Contains(got, "200 chars total") {
		t.Fatalf("truncation suffix missing original length: %q", got)
	}
	if !strings.Contains(got, "fs:read") {
		t.Fatal("truncation suffix missing retrieval hint")
	}
	if !strings.HasPrefix(got, strings.Repeat("x", 50)) {
		t.Fatal("truncated prefix wrong")
	}
}

func TestContextFilter_SlidingWindowKeepsInitialTask(t *testing.T) {
	f := NewContextFilter(500, 4)
	f.Append(providers.Message{Role: "user", Content: "the original task"})
	for i := 0; i < 10; i++ {
		f.Append(providers.Message{Role: "assistant", Content: "step"})
	}

	projected := f.Project("system prompt", nil)

	if projected[0].Role != "system" || projected[0].Content != "system prompt" {
		t.Fatal("system prompt not first")
	}
	if projected[1].Content != "the original task" {
		t.Fatal("initial task message dropped by the window")
	}
	// system + initial + window of 4
	if len(projected) != 6 {
		t.Fatalf("expected 6 projected messages, got %d", len(projected))
	}
}

func TestContextFilter_ProjectSanitizesOrphanedToolPairs(t *testing.T) {
	f := NewContextFilter(500, 3)
	f.Append(providers.Message{Role: "user", Content: "task"})
	// This pair will be split by the window: the assistant tool_call falls
	// outside, its result inside.
	f.Append(providers.Message{
		Role:      "assistant",
		ToolCalls: []providers.ToolCall{{ID: "c1", Name: "fs:read", Arguments: map[string]any{}}},
	})
	f.Append(providers.Message{Role: "tool", Content: "result", ToolCallID: "c1"})
	f.Append(providers.Message{Role: "assistant", Content: "after"})
	f.Append(providers.Message{Role: "assistant", Content: "final"})

	projected := f.Project("sys", nil)
	for _, m := range projected {
		if m.Role == "tool" {
			t.Fatal("orphaned tool result survived projection")
		}
	}
}

func TestContextFilter_DedupCacheTTL(t *testing.T) {
	f := NewContextFilter(500, 30)
	now := time.Now()
	f.now = func() time.Time { return now }

	input := map[string]any{"path": "a.txt"}
	f.Put("fs:read", input, "cached output", 2)

	output, iteration, ok := f.Get("fs:read", input)
	if !ok || output != "cached output" || iteration != 2 {
		t.Fatalf("cache miss for fresh entry: %v %q %d", ok, output, iteration)
	}

	// Same tool, different input: miss.
	if _, _, ok := f.Get("fs:read", map[string]any{"path": "b.txt"}); ok {
		t.Fatal("cache hit for different input")
	}

	// Past the TTL: miss.
	f.now = func() time.Time { return now.Add(61 * time.Second) }
	if _, _, ok := f.Get("fs:read", input); ok {
		t.Fatal("cache hit past the 60s TTL")
	}
}

func TestContextFilter_CoarseLoopSignature(t *testing.T) {
	f := NewContextFilter(500, 30)

	if f.ObserveToolSet("fs:read") {
		t.Fatal("fired on first observation")
	}
	if f.ObserveToolSet("fs:read") {
		t.Fatal("fired on second observation")
	}
	if !f.ObserveToolSet("fs:read") {
		t.Fatal("did not fire on third identical set")
	}
	if f.ObserveToolSet("fs:list") {
		t.Fatal("fired after the signature changed")
	}
}
