package memory

import "sync"

const (
	maxSessionSummaryChars = 200
	maxSessionFindings     = 10
)

// SessionState is the orchestrator-side per-session memory: a short rolling
// summary, a FIFO of recent findings, and references to external artifacts.
// Large artifacts never live inline; only refs do.
type SessionState struct {
	mu           sync.Mutex
	summary      string
	findings     []string
	artifactRefs []string
}

// NewSessionState creates an empty session state.
func NewSessionState() *SessionState {
	return &SessionState{}
}

// SetSummary stores the rolling summary, truncated to 200 characters.
func (s *SessionState) SetSummary(summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runes := []rune(summary)
	if len(runes) > maxSessionSummaryChars {
		summary = string(runes[:maxSessionSummaryChars])
	}
	s.summary = summary
}

// Summary returns the rolling summary.
func (s *SessionState) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// AddFinding appends a finding description, evicting the oldest past 10.
func (s *SessionState) AddFinding(finding string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, finding)
	if len(s.findings) > maxSessionFindings {
		s.findings = s.findings[len(s.findings)-maxSessionFindings:]
	}
}

// Findings returns a copy of the retained findings, oldest first.
func (s *SessionState) Findings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.findings))
	copy(out, s.findings)
	return out
}

// AddArtifactRef records a reference to an externally cached artifact.
func (s *SessionState) AddArtifactRef(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifactRefs = append(s.artifactRefs, ref)
}

// ArtifactRefs returns a copy of the recorded artifact references.
func (s *SessionState) ArtifactRefs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.artifactRefs))
	copy(out, s.artifactRefs)
	return out
}
