package verifier

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kb-labs/kbagent/pkg/trace"
)

// OutputClaim is the schema-relevant slice of a specialist finding.
type OutputClaim struct {
	Severity string
	Category string
	Title    string
}

// OutputCheck lists every violated check; Valid is true only when none
// were violated.
type OutputCheck struct {
	Valid      bool
	Violations []string
}

var validSeverities = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
	"info":     true,
}

// pathLike matches tokens that read as relative file paths with an
// extension; used for deterministic file-path validation.
var pathLike = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])((?:[\w.-]+/)+[\w.-]+\.\w{1,8})`)

// VerifySpecialistOutput applies the three verification levels:
// declared-output schema conformance, alignment with the recorded tool
// trace, and deterministic file-path validity.
func VerifySpecialistOutput(output string, claims []OutputClaim, traceEvents []trace.Event, workingDir string) OutputCheck {
	var violations []string

	// Level 1: schema conformance of the declared claims.
	for i, claim := range claims {
		if strings.TrimSpace(claim.Title) == "" {
			violations = append(violations, fmt.Sprintf("claim %d has no title", i+1))
		}
		if claim.Severity != "" && !validSeverities[claim.Severity] {
			violations = append(violations, fmt.Sprintf("claim %d has invalid severity %q", i+1, claim.Severity))
		}
	}

	// Level 2: trace alignment. When a trace exists, every claimed fact
	// must be backed by at least one observed tool result.
	if traceEvents != nil {
		observedTools := 0
		for _, event := range traceEvents {
			if event.Type == trace.EventToolExecution {
				if success, ok := event.Data["success"].(bool); !ok || success {
					observedTools++
				}
			}
		}
		if len(claims) > 0 && observedTools == 0 {
			violations = append(violations, "claims are not backed by any observed tool result")
		}
	}

	// Level 3: deterministic file-path validity for referenced files.
	if workingDir != "" {
		for _, match := range pathLike.FindAllStringSubmatch(output, 20) {
			path := match[1]
			if _, err := os.Stat(filepath.Join(workingDir, path)); err != nil {
				violations = append(violations, fmt.Sprintf("referenced file does not exist: %s", path))
			}
		}
	}

	return OutputCheck{Valid: len(violations) == 0, Violations: violations}
}
