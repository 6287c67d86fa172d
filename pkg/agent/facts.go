package agent

import (
	"fmt"
	"strings"

	"github.com/kb-labs/kbagent/pkg/memory"
	"github.com/kb-labs/kbagent/pkg/tools"
	"github.com/kb-labs/kbagent/pkg/utils"
)

// heuristicFacts derives facts from a successful tool call, one rule per
// tool family. The LLM-based extractor (Summarizer) covers everything the
// heuristics miss.
func heuristicFacts(name string, args map[string]any, result *tools.ToolResult, iteration int) []memory.Fact {
	if result == nil || !result.Success {
		return nil
	}

	switch {
	case name == "fs:read":
		path, _ := args["path"].(string)
		if path == "" {
			return nil
		}
		head := utils.Truncate(strings.TrimSpace(result.Output), 120)
		return []memory.Fact{memory.NewFact(
			memory.CategoryFileContent,
			fmt.Sprintf("File %s starts with: %s", path, head),
			name, 0.9, iteration,
		)}

	case name == "fs:search":
		pattern, _ := args["pattern"].(string)
		if strings.HasPrefix(result.Output, "no matches") {
			return []memory.Fact{memory.NewFact(
				memory.CategoryFinding,
				fmt.Sprintf("Search for %q found no matches", pattern),
				name, 0.8, iteration,
			)}
		}
		count := len(strings.Split(strings.TrimSpace(result.Output), "\n"))
		return []memory.Fact{memory.NewFact(
			memory.CategoryFinding,
			fmt.Sprintf("Search for %q matched %d lines, first: %s",
				pattern, count, utils.Truncate(firstLine(result.Output), 120)),
			name, 0.85, iteration,
		)}

	case name == "fs:glob", name == "fs:list":
		target, _ := args["pattern"].(string)
		if target == "" {
			target, _ = args["path"].(string)
		}
		count := len(strings.Split(strings.TrimSpace(result.Output), "\n"))
		if strings.HasPrefix(result.Output, "no matches") {
			count = 0
		}
		return []memory.Fact{memory.NewFact(
			memory.CategoryEnvironment,
			fmt.Sprintf("Listing %q yielded %d entries", target, count),
			name, 0.7, iteration,
		)}

	case strings.HasPrefix(name, "code:"):
		symbol, _ := args["symbol"].(string)
		if symbol == "" {
			symbol, _ = args["path"].(string)
		}
		return []memory.Fact{memory.NewFact(
			memory.CategoryArchitecture,
			fmt.Sprintf("%s for %q: %s", name, symbol, utils.Truncate(firstLine(result.Output), 140)),
			name, 0.8, iteration,
		)}

	case name == "shell:exec":
		command, _ := args["command"].(string)
		return []memory.Fact{memory.NewFact(
			memory.CategoryToolResult,
			fmt.Sprintf("Command %q output: %s",
				utils.Truncate(command, 60), utils.Truncate(firstLine(result.Output), 120)),
			name, 0.75, iteration,
		)}
	}

	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
