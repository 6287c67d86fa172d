package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kb-labs/kbagent/pkg/trace"
)

// buildTraceCmd creates the "trace" command group for offline NDJSON
// trace inspection.
func buildTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect NDJSON trace files under .kb/traces/incremental",
	}
	cmd.AddCommand(
		buildTraceListCmd(),
		buildTraceFilterCmd(),
		buildTraceStatsCmd(),
	)
	return cmd
}

func buildTraceListCmd() *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task ids that have trace files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolvedDir, err := resolveWorkingDir(workDir)
			if err != nil {
				return err
			}
			ids, err := trace.List(resolvedDir)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workDir, "dir", "C", "", "working directory (default: cwd)")
	return cmd
}

func buildTraceFilterCmd() *cobra.Command {
	var (
		workDir   string
		eventType string
	)

	cmd := &cobra.Command{
		Use:   "filter <task-id>",
		Short: "Print a task's trace events, optionally filtered by type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			if !trace.ValidID(taskID) {
				return invalidInput("task id %q must match [A-Za-z0-9_-]+", taskID)
			}
			if eventType != "" && !knownEventType(trace.EventType(eventType)) {
				return invalidInput("unknown event type %q", eventType)
			}

			resolvedDir, err := resolveWorkingDir(workDir)
			if err != nil {
				return err
			}
			events, err := trace.Read(resolvedDir, taskID, 0)
			if err != nil {
				return err
			}
			if eventType != "" {
				events = trace.Filter(events, trace.EventType(eventType))
			}

			encoder := json.NewEncoder(os.Stdout)
			for _, event := range events {
				if err := encoder.Encode(event); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workDir, "dir", "C", "", "working directory (default: cwd)")
	cmd.Flags().StringVarP(&eventType, "type", "t", "", "event type to keep (e.g. llm:call)")
	return cmd
}

func buildTraceStatsCmd() *cobra.Command {
	var (
		workDir    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats <task-id>",
		Short: "Recompute run counters from a task's trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			if !trace.ValidID(taskID) {
				return invalidInput("task id %q must match [A-Za-z0-9_-]+", taskID)
			}

			resolvedDir, err := resolveWorkingDir(workDir)
			if err != nil {
				return err
			}
			events, err := trace.Read(resolvedDir, taskID, 0)
			if err != nil {
				return err
			}
			stats := trace.ComputeStats(events)

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(stats)
			}
			fmt.Printf("events:            %d\n", stats.Events)
			fmt.Printf("iterations:        %d\n", stats.Iterations)
			fmt.Printf("llm calls:         %d\n", stats.LLMCalls)
			fmt.Printf("tool executions:   %d\n", stats.ToolExecutions)
			fmt.Printf("prompt tokens:     %d\n", stats.PromptTokens)
			fmt.Printf("completion tokens: %d\n", stats.CompletionTokens)
			fmt.Printf("errors:            %d\n", stats.Errors)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workDir, "dir", "C", "", "working directory (default: cwd)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output statistics as JSON")
	return cmd
}

func knownEventType(t trace.EventType) bool {
	switch t {
	case trace.EventTaskStart, trace.EventIterationDetail, trace.EventLLMCall,
		trace.EventToolExecution, trace.EventMemorySnapshot, trace.EventFactAdded,
		trace.EventDecisionPoint, trace.EventSynthesisForced, trace.EventErrorCaptured,
		trace.EventStoppingAnalysis, trace.EventToolFilter, trace.EventContextTrim,
		trace.EventLLMValidation, trace.EventStatusChange,
		trace.EventSummarizationLLMCall, trace.EventSummarizationResult:
		return true
	}
	return false
}
