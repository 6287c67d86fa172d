package memory

import (
	"sync"
	"time"
)

// ArchiveEntry is one archived record: an evicted fact or a full summary.
type ArchiveEntry struct {
	Kind      string    `json:"kind"` // "fact" or "summary"
	Fact      *Fact     `json:"fact,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	StoredAt  time.Time `json:"stored_at"`
	Iteration int       `json:"iteration,omitempty"`
}

// Archive is the overflow store for evicted facts and full summaries.
// Bounded by entry count and total characters; FIFO eviction.
type Archive struct {
	mu         sync.Mutex
	entries    []ArchiveEntry
	maxEntries int
	maxChars   int
	totalChars int
}

// NewArchive creates an archive with the given bounds.
func NewArchive(maxEntries, maxChars int) *Archive {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if maxChars <= 0 {
		maxChars = 1 << 20
	}
	return &Archive{maxEntries: maxEntries, maxChars: maxChars}
}

// AddFact archives an evicted fact.
func (a *Archive) AddFact(fact Fact) {
	a.add(ArchiveEntry{
		Kind:      "fact",
		Fact:      &fact,
		StoredAt:  time.Now().UTC(),
		Iteration: fact.Iteration,
	})
}

// AddSummary archives a full summary.
func (a *Archive) AddSummary(summary string, iteration int) {
	a.add(ArchiveEntry{
		Kind:      "summary",
		Summary:   summary,
		StoredAt:  time.Now().UTC(),
		Iteration: iteration,
	})
}

func (a *Archive) add(entry ArchiveEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = append(a.entries, entry)
	a.totalChars += entrySize(entry)

	for len(a.entries) > a.maxEntries || a.totalChars > a.maxChars {
		if len(a.entries) == 0 {
			break
		}
		a.totalChars -= entrySize(a.entries[0])
		a.entries = a.entries[1:]
	}
}

func entrySize(entry ArchiveEntry) int {
	if entry.Fact != nil {
		return len(entry.Fact.Text)
	}
	return len(entry.Summary)
}

// Len returns the number of archived entries.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Entries returns a copy of the archive, oldest first.
func (a *Archive) Entries() []ArchiveEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ArchiveEntry, len(a.entries))
	copy(out, a.entries)
	return out
}
