package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func charEstimate(s string) int { return len(s) }

func TestFactSheet_AddAndMerge(t *testing.T) {
	fs := NewFactSheet(10, 10000, charEstimate)

	_, added := fs.Add(NewFact(CategoryFinding, "the parser skips comments", "fs:read", 0.5, 1))
	if !added {
		t.Fatal("first add not counted as new")
	}

	// Re-adding with identical category+text merges: count stays the same,
	// confidence takes the max, iteration takes the later.
	_, added = fs.Add(NewFact(CategoryFinding, "the parser skips comments", "fs:read", 0.9, 3))
	if added {
		t.Fatal("duplicate add created a new entry")
	}
	if fs.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", fs.Len())
	}

	facts := fs.Facts()
	if facts[0].Confidence != 0.9 {
		t.Fatalf("merge did not keep max confidence: %v", facts[0].Confidence)
	}
	if facts[0].Iteration != 3 {
		t.Fatalf("merge did not keep later iteration: %d", facts[0].Iteration)
	}

	// Lower-confidence duplicate: confidence unchanged.
	fs.Add(NewFact(CategoryFinding, "the parser skips comments", "fs:read", 0.2, 2))
	if fs.Facts()[0].Confidence != 0.9 {
		t.Fatal("lower-confidence duplicate lowered confidence")
	}
}

func TestFactSheet_NormalizedSemanticKey(t *testing.T) {
	fs := NewFactSheet(10, 10000, charEstimate)
	fs.Add(NewFact(CategoryFinding, "The  Parser   skips comments", "a", 0.5, 1))
	fs.Add(NewFact(CategoryFinding, "the parser skips comments", "b", 0.6, 2))
	if fs.Len() != 1 {
		t.Fatalf("whitespace/case variants not merged: %d entries", fs.Len())
	}

	// Same text, different category: distinct facts.
	fs.Add(NewFact(CategoryDecision, "the parser skips comments", "c", 0.6, 2))
	if fs.Len() != 2 {
		t.Fatalf("category must participate in the key: %d entries", fs.Len())
	}
}

func TestFactSheet_EntryCountBound(t *testing.T) {
	fs := NewFactSheet(3, 100000, charEstimate)

	var allEvicted []Fact
	for i := 0; i < 5; i++ {
		fact := NewFact(CategoryFinding, fmt.Sprintf("fact number %d", i), "t", 0.5+float64(i)/10, i)
		evicted, _ := fs.Add(fact)
		allEvicted = append(allEvicted, evicted...)
	}

	if fs.Len() != 3 {
		t.Fatalf("entry bound violated: %d", fs.Len())
	}
	if len(allEvicted) != 2 {
		t.Fatalf("expected 2 evictions, got %d", len(allEvicted))
	}
	// Lowest confidence goes first.
	if allEvicted[0].Text != "fact number 0" {
		t.Fatalf("wrong eviction order: %q first", allEvicted[0].Text)
	}
}

func TestFactSheet_TokenBound(t *testing.T) {
	fs := NewFactSheet(100, 30, charEstimate)

	fs.Add(NewFact(CategoryFinding, "aaaaaaaaaaaaaaaaaaaa", "t", 0.9, 1)) // 20 chars
	evicted, _ := fs.Add(NewFact(CategoryFinding, "bbbbbbbbbbbbbbbbbbbb", "t", 0.8, 2))

	if fs.EstimatedTokens() > 30 {
		t.Fatalf("token bound violated: %d", fs.EstimatedTokens())
	}
	if len(evicted) != 1 {
		t.Fatalf("expected 1 eviction, got %d", len(evicted))
	}
	// The lower-confidence fact is the victim even though it is newer.
	if evicted[0].Text != "bbbbbbbbbbbbbbbbbbbb" {
		t.Fatalf("wrong victim: %q", evicted[0].Text)
	}
}

func TestFactSheet_EvictionTieBreaksOnAge(t *testing.T) {
	fs := NewFactSheet(2, 100000, charEstimate)

	older := NewFact(CategoryFinding, "older fact", "t", 0.5, 1)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := NewFact(CategoryFinding, "newer fact", "t", 0.5, 2)

	fs.Add(older)
	fs.Add(newer)
	evicted, _ := fs.Add(NewFact(CategoryFinding, "third fact", "t", 0.9, 3))

	if len(evicted) != 1 || evicted[0].Text != "older fact" {
		t.Fatalf("tie must evict the oldest, got %+v", evicted)
	}
}

func TestFactSheet_NewSinceAndRender(t *testing.T) {
	fs := NewFactSheet(10, 100000, charEstimate)
	fs.Add(NewFact(CategoryFinding, "early", "t", 0.5, 1))
	fs.Add(NewFact(CategoryDecision, "late", "t", 0.5, 4))

	if got := fs.NewSince(3); got != 1 {
		t.Fatalf("NewSince(3) = %d, want 1", got)
	}

	rendered := fs.Render()
	for _, want := range []string{"## Known facts", "finding", "decision", "early", "late"} {
		if !strings.Contains(rendered, want) {
			t.Fatalf("render missing %q:\n%s", want, rendered)
		}
	}
}
