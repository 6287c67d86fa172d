package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// FindingsStore persists findings keyed by (sessionId, subtaskId) for the
// lifetime of an orchestrator session; rows are pruned at session end.
type FindingsStore struct {
	db *sql.DB
}

// NewFindingsStore opens (or creates) the sqlite store at dbPath. Use
// ":memory:" for an ephemeral store.
func NewFindingsStore(dbPath string) (*FindingsStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open findings store: %w", err)
	}
	s := &FindingsStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *FindingsStore) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS findings (
		session_id TEXT NOT NULL,
		subtask_id TEXT NOT NULL,
		id TEXT NOT NULL,
		severity TEXT,
		category TEXT,
		title TEXT,
		description TEXT,
		actionable INTEGER,
		suggested_action JSON
	)`)
	if err != nil {
		return fmt.Errorf("init findings schema: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_findings_session ON findings (session_id, subtask_id)`)
	return err
}

// Add stores one finding.
func (s *FindingsStore) Add(ctx context.Context, sessionID, subtaskID string, f Finding) error {
	var action []byte
	if f.SuggestedAction != nil {
		var err error
		action, err = json.Marshal(f.SuggestedAction)
		if err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (session_id, subtask_id, id, severity, category, title, description, actionable, suggested_action)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, subtaskID, f.ID, string(f.Severity), f.Category, f.Title, f.Description, f.Actionable, action)
	return err
}

// List returns the findings for a subtask in insertion order.
func (s *FindingsStore) List(ctx context.Context, sessionID, subtaskID string) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, severity, category, title, description, actionable, suggested_action
		 FROM findings WHERE session_id=? AND subtask_id=? ORDER BY rowid`,
		sessionID, subtaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []Finding
	for rows.Next() {
		var f Finding
		var severity string
		var action []byte
		if err := rows.Scan(&f.ID, &severity, &f.Category, &f.Title, &f.Description, &f.Actionable, &action); err != nil {
			return nil, err
		}
		f.Severity = Severity(severity)
		if len(action) > 0 {
			var sa SuggestedAction
			if err := json.Unmarshal(action, &sa); err == nil {
				f.SuggestedAction = &sa
			}
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// PruneSession deletes every finding of a session.
func (s *FindingsStore) PruneSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM findings WHERE session_id=?`, sessionID)
	return err
}

// Close releases the database handle.
func (s *FindingsStore) Close() error {
	return s.db.Close()
}
