// kbagent - autonomous agent runtime
// License: MIT

// Package memory holds the task's structured long-term memory: the
// FactSheet working set, the archive overflow store, and orchestrator
// session state.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kb-labs/kbagent/pkg/utils"
)

// FactCategory classifies a fact.
type FactCategory string

const (
	CategoryFileContent  FactCategory = "file_content"
	CategoryArchitecture FactCategory = "architecture"
	CategoryFinding      FactCategory = "finding"
	CategoryDecision     FactCategory = "decision"
	CategoryBlocker      FactCategory = "blocker"
	CategoryCorrection   FactCategory = "correction"
	CategoryToolResult   FactCategory = "tool_result"
	CategoryEnvironment  FactCategory = "environment"
)

// ValidCategory reports whether c is one of the known categories.
func ValidCategory(c FactCategory) bool {
	switch c {
	case CategoryFileContent, CategoryArchitecture, CategoryFinding,
		CategoryDecision, CategoryBlocker, CategoryCorrection,
		CategoryToolResult, CategoryEnvironment:
		return true
	}
	return false
}

// Fact is a compact, categorized sentence derived from tool output or
// model reasoning.
type Fact struct {
	ID         string       `json:"id"`
	Category   FactCategory `json:"category"`
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Source     string       `json:"source"`
	Iteration  int          `json:"iteration"`
	CreatedAt  time.Time    `json:"created_at"`
}

// NewFact builds a fact with a fresh id and clamped confidence.
func NewFact(category FactCategory, text, source string, confidence float64, iteration int) Fact {
	return Fact{
		ID:         "fact-" + uuid.New().String()[:8],
		Category:   category,
		Text:       text,
		Confidence: clamp01(confidence),
		Source:     source,
		Iteration:  iteration,
		CreatedAt:  time.Now().UTC(),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

const semanticPrefixLen = 80

// semanticKey is the idempotence key: category plus the normalized text prefix.
func semanticKey(category FactCategory, text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if len(normalized) > semanticPrefixLen {
		normalized = normalized[:semanticPrefixLen]
	}
	return string(category) + "|" + normalized
}

// FactSheet is the bounded working memory kept in every prompt.
// Bounded by entry count AND an estimated-token budget; on overflow the
// lowest-confidence, then oldest, facts are evicted.
type FactSheet struct {
	mu         sync.Mutex
	entries    []Fact
	byKey      map[string]int
	maxEntries int
	maxTokens  int
	estimate   func(string) int
}

// NewFactSheet creates a fact sheet with the given bounds. A nil estimator
// defaults to the shared tokenizer.
func NewFactSheet(maxEntries, maxTokens int, estimate func(string) int) *FactSheet {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	if estimate == nil {
		estimate = utils.CountTokensSimple
	}
	return &FactSheet{
		byKey:      make(map[string]int),
		maxEntries: maxEntries,
		maxTokens:  maxTokens,
		estimate:   estimate,
	}
}

// Add inserts a fact, merging idempotently on the semantic key: a duplicate
// add keeps the higher confidence and the later iteration. It returns the
// facts evicted to satisfy the bounds (in eviction order) and whether the
// add created a new entry.
func (fs *FactSheet) Add(fact Fact) (evicted []Fact, added bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fact.Confidence = clamp01(fact.Confidence)
	key := semanticKey(fact.Category, fact.Text)

	if idx, ok := fs.byKey[key]; ok {
		existing := &fs.entries[idx]
		if fact.Confidence > existing.Confidence {
			existing.Confidence = fact.Confidence
		}
		if fact.Iteration > existing.Iteration {
			existing.Iteration = fact.Iteration
		}
		return nil, false
	}

	fs.entries = append(fs.entries, fact)
	fs.rebuildIndex()
	evicted = fs.evictOverflow()
	return evicted, true
}

// evictOverflow enforces both bounds. Called with the lock held.
func (fs *FactSheet) evictOverflow() []Fact {
	var evicted []Fact
	for len(fs.entries) > fs.maxEntries || fs.estimatedTokens() > fs.maxTokens {
		victim := fs.pickVictim()
		if victim < 0 {
			break
		}
		evicted = append(evicted, fs.entries[victim])
		fs.entries = append(fs.entries[:victim], fs.entries[victim+1:]...)
		fs.rebuildIndex()
	}
	return evicted
}

// pickVictim selects the lowest-confidence fact, breaking ties by age
// (oldest first). Called with the lock held.
func (fs *FactSheet) pickVictim() int {
	if len(fs.entries) == 0 {
		return -1
	}
	victim := 0
	for i := 1; i < len(fs.entries); i++ {
		e, v := fs.entries[i], fs.entries[victim]
		if e.Confidence < v.Confidence ||
			(e.Confidence == v.Confidence && e.CreatedAt.Before(v.CreatedAt)) {
			victim = i
		}
	}
	return victim
}

func (fs *FactSheet) rebuildIndex() {
	fs.byKey = make(map[string]int, len(fs.entries))
	for i, f := range fs.entries {
		fs.byKey[semanticKey(f.Category, f.Text)] = i
	}
}

func (fs *FactSheet) estimatedTokens() int {
	total := 0
	for _, f := range fs.entries {
		total += fs.estimate(f.Text)
	}
	return total
}

// Len returns the number of stored facts.
func (fs *FactSheet) Len() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.entries)
}

// EstimatedTokens returns the current token estimate across all facts.
func (fs *FactSheet) EstimatedTokens() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.estimatedTokens()
}

// Facts returns a copy of the entries in insertion order.
func (fs *FactSheet) Facts() []Fact {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]Fact, len(fs.entries))
	copy(out, fs.entries)
	return out
}

// NewSince returns how many facts were created at or after iteration.
func (fs *FactSheet) NewSince(iteration int) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	count := 0
	for _, f := range fs.entries {
		if f.Iteration >= iteration {
			count++
		}
	}
	return count
}

// Render formats the sheet for prompt injection, grouped by category.
func (fs *FactSheet) Render() string {
	facts := fs.Facts()
	if len(facts) == 0 {
		return ""
	}

	byCategory := make(map[FactCategory][]Fact)
	var order []FactCategory
	for _, f := range facts {
		if _, ok := byCategory[f.Category]; !ok {
			order = append(order, f.Category)
		}
		byCategory[f.Category] = append(byCategory[f.Category], f)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	var sb strings.Builder
	sb.WriteString("## Known facts\n")
	for _, cat := range order {
		sb.WriteString("### " + string(cat) + "\n")
		for _, f := range byCategory[cat] {
			sb.WriteString("- " + f.Text + "\n")
		}
	}
	return sb.String()
}
