package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/kb-labs/kbagent/pkg/utils"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Dir returns the memory directory for a session under workingDir.
func Dir(workingDir, sessionID string) string {
	return filepath.Join(workingDir, ".kb", "memory", sessionID)
}

type factSheetSnapshot struct {
	Facts []Fact `json:"facts"`
}

type archiveSnapshot struct {
	Entries []ArchiveEntry `json:"entries"`
}

// Persist writes factsheet.json and archive.json for the session using
// temp-file + rename so a crash never leaves a torn snapshot.
func Persist(workingDir, sessionID string, sheet *FactSheet, archive *Archive) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	dir := Dir(workingDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory directory: %w", err)
	}

	sheetData, err := json.MarshalIndent(factSheetSnapshot{Facts: sheet.Facts()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal factsheet: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, "factsheet.json"), sheetData, 0o644, 0o755); err != nil {
		return fmt.Errorf("write factsheet: %w", err)
	}

	archData, err := json.MarshalIndent(archiveSnapshot{Entries: archive.Entries()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, "archive.json"), archData, 0o644, 0o755); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	return nil
}

// LoadFacts restores the persisted fact snapshot for a session. A missing
// snapshot returns an empty slice.
func LoadFacts(workingDir, sessionID string) ([]Fact, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}

	data, err := os.ReadFile(filepath.Join(Dir(workingDir, sessionID), "factsheet.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var snapshot factSheetSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parse factsheet: %w", err)
	}
	return snapshot.Facts, nil
}

// Purge removes the session's memory directory. Best-effort cleanup.
func Purge(workingDir, sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	return os.RemoveAll(Dir(workingDir, sessionID))
}
