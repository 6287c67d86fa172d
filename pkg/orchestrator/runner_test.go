package orchestrator

import (
	"strings"
	"testing"
)

func TestExtractFindings(t *testing.T) {
	answer := "I audited the package.\n\n```findings\n" +
		`[{"severity": "high", "category": "bug", "title": "race in refresh", "description": "concurrent refresh drops sessions", "actionable": true, "suggested_action": {"type": "fix", "description": "serialize refresh"}}]` +
		"\n```\n\nEverything else looks fine."

	cleaned, findings := extractFindings(answer, "subtask-1")

	if strings.Contains(cleaned, "```findings") {
		t.Fatal("findings block left in answer")
	}
	if !strings.Contains(cleaned, "audited the package") || !strings.Contains(cleaned, "looks fine") {
		t.Fatalf("answer text damaged: %q", cleaned)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Severity != SeverityHigh || !f.Actionable || f.SuggestedAction == nil {
		t.Fatalf("finding parsed wrong: %+v", f)
	}
	if f.ID != "subtask-1-finding-1" {
		t.Fatalf("missing id not filled: %q", f.ID)
	}
}

func TestExtractFindings_NoBlock(t *testing.T) {
	cleaned, findings := extractFindings("just an answer", "subtask-1")
	if cleaned != "just an answer" || findings != nil {
		t.Fatalf("no-block answer altered: %q %v", cleaned, findings)
	}
}

func TestExtractFindings_BadJSONKeepsAnswer(t *testing.T) {
	answer := "text\n```findings\nnot json\n```"
	cleaned, findings := extractFindings(answer, "subtask-1")
	if findings != nil {
		t.Fatal("bad JSON produced findings")
	}
	if cleaned != answer {
		t.Fatal("bad JSON altered the answer")
	}
}

func TestHasActionableFindings(t *testing.T) {
	if hasActionableFindings([]Finding{{Severity: SeverityLow}}) {
		t.Fatal("low non-actionable flagged")
	}
	if !hasActionableFindings([]Finding{{Severity: SeverityHigh}}) {
		t.Fatal("high severity not flagged")
	}
	if !hasActionableFindings([]Finding{{Severity: SeverityInfo, Actionable: true}}) {
		t.Fatal("actionable info not flagged")
	}
}

func TestFailureKindMapping(t *testing.T) {
	if kind := failureKindFor("max_iterations"); kind != FailureMaxIterations {
		t.Fatalf("max_iterations -> %s", kind)
	}
	if kind := failureKindFor("llm_error"); kind != FailureLLMError {
		t.Fatalf("llm_error -> %s", kind)
	}
	if !retrySuggested("llm_error") {
		t.Fatal("llm_error must suggest retry")
	}
	if retrySuggested("loop_detected") {
		t.Fatal("loop_detected must not suggest retry")
	}
}
