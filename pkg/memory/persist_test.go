package memory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPersistAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	fs := NewFactSheet(10, 10000, func(s string) int { return len(s) })
	fs.Add(NewFact(CategoryFinding, "persisted fact", "fs:read", 0.7, 2))

	archive := NewArchive(10, 10000)
	archive.AddSummary("a summary of earlier work", 3)

	if err := Persist(dir, "sess-1", fs, archive); err != nil {
		t.Fatalf("persist: %v", err)
	}

	for _, name := range []string{"factsheet.json", "archive.json"} {
		if _, err := os.Stat(filepath.Join(Dir(dir, "sess-1"), name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	facts, err := LoadFacts(dir, "sess-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(facts) != 1 || facts[0].Text != "persisted fact" {
		t.Fatalf("round trip mismatch: %+v", facts)
	}
}

func TestPersistRejectsBadSessionID(t *testing.T) {
	dir := t.TempDir()
	fs := NewFactSheet(10, 10000, func(s string) int { return len(s) })
	archive := NewArchive(10, 10000)

	for _, bad := range []string{"../escape", "a/b", "", "x y"} {
		if err := Persist(dir, bad, fs, archive); err == nil {
			t.Fatalf("session id %q accepted", bad)
		}
	}
}

func TestLoadFactsMissingSession(t *testing.T) {
	facts, err := LoadFacts(t.TempDir(), "nothere")
	if err != nil {
		t.Fatalf("missing snapshot must not error: %v", err)
	}
	if facts != nil {
		t.Fatalf("expected nil facts, got %+v", facts)
	}
}

func TestPurge(t *testing.T) {
	dir := t.TempDir()
	fs := NewFactSheet(10, 10000, func(s string) int { return len(s) })
	archive := NewArchive(10, 10000)
	if err := Persist(dir, "sess-2", fs, archive); err != nil {
		t.Fatal(err)
	}
	if err := Purge(dir, "sess-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(Dir(dir, "sess-2")); !os.IsNotExist(err) {
		t.Fatal("session directory survived purge")
	}
}

func TestArchive_FIFOBounds(t *testing.T) {
	a := NewArchive(3, 1000)
	for i := 0; i < 5; i++ {
		a.AddFact(NewFact(CategoryFinding, string(rune('a'+i)), "t", 0.5, i))
	}
	if a.Len() != 3 {
		t.Fatalf("entry bound violated: %d", a.Len())
	}
	entries := a.Entries()
	if entries[0].Fact.Text != "c" {
		t.Fatalf("FIFO eviction broken, oldest kept: %q", entries[0].Fact.Text)
	}
}

func TestSessionState_Bounds(t *testing.T) {
	s := NewSessionState()

	long := make([]byte, 300)
	for i := range long {
		long[i] = 's'
	}
	s.SetSummary(string(long))
	if len(s.Summary()) != 200 {
		t.Fatalf("summary not truncated to 200: %d", len(s.Summary()))
	}

	for i := 0; i < 12; i++ {
		s.AddFinding(string(rune('a' + i)))
	}
	findings := s.Findings()
	if len(findings) != 10 {
		t.Fatalf("findings bound violated: %d", len(findings))
	}
	if findings[0] != "c" {
		t.Fatalf("FIFO eviction broken: %q first", findings[0])
	}
}
