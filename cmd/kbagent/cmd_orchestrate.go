package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kb-labs/kbagent/pkg/agent"
	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/orchestrator"
	"github.com/kb-labs/kbagent/pkg/providers"
	"github.com/kb-labs/kbagent/pkg/tools"
	"github.com/kb-labs/kbagent/pkg/trace"
)

// defaultSpecialists is the built-in roster. Identities are system prompts;
// tool permissions scope what each specialist may touch.
func defaultSpecialists() []orchestrator.SpecialistConfig {
	return []orchestrator.SpecialistConfig{
		{
			ID:               "researcher",
			Identity:         "You are a research specialist. You read code and documentation to answer questions precisely. You never modify files.",
			Tier:             providers.TierSmall,
			EscalationLadder: []providers.Tier{providers.TierSmall, providers.TierMedium},
			ToolAllow:        []string{"fs:*", "code:*", "report"},
		},
		{
			ID:               "implementer",
			Identity:         "You are an implementation specialist. You make precise, minimal code changes and verify them.",
			Tier:             providers.TierMedium,
			EscalationLadder: []providers.Tier{providers.TierMedium, providers.TierLarge},
			ToolAllow:        []string{"fs:*", "code:*", "shell:exec", "report"},
		},
		{
			ID:               "reviewer",
			Identity:         "You are a review specialist. You inspect changes for defects and report findings with severities.",
			Tier:             providers.TierMedium,
			EscalationLadder: []providers.Tier{providers.TierMedium, providers.TierLarge},
			ToolAllow:        []string{"fs:*", "code:*", "shell:exec", "report"},
		},
	}
}

func buildOrchestrateCmd() *cobra.Command {
	var (
		workDir   string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "orchestrate <goal>",
		Short: "Plan the goal into subtasks and execute them with specialists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal := args[0]
			if goal == "" {
				return invalidInput("goal must not be empty")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			selector, err := buildSelector(cfg)
			if err != nil {
				return err
			}
			resolvedDir, err := resolveWorkingDir(workDir)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = "session-" + uuid.New().String()[:8]
			}
			if !trace.ValidID(sessionID) {
				return invalidInput("session id %q must match [A-Za-z0-9_-]+", sessionID)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			findingsPath := filepath.Join(resolvedDir, ".kb", "findings.db")
			if err := os.MkdirAll(filepath.Dir(findingsPath), 0o755); err != nil {
				return fmt.Errorf("create .kb directory: %w", err)
			}
			findings, err := orchestrator.NewFindingsStore(findingsPath)
			if err != nil {
				return fmt.Errorf("open findings store: %w", err)
			}
			defer findings.Close()

			runner := orchestrator.NewLoopRunner(
				selector,
				resolvedDir,
				sessionID,
				func() *tools.Registry { return buildRegistry(cfg, resolvedDir) },
				agent.LoopConfig{
					SystemPrompt:          defaultSystemPrompt,
					MaxTokensPerCall:      cfg.Agent.MaxTokensPerCall,
					Temperature:           cfg.Agent.Temperature,
					MaxOutputLength:       cfg.Tools.MaxOutputLength,
					SlidingWindowSize:     cfg.Agent.SlidingWindowSize,
					SummarizationInterval: cfg.Agent.SummarizationInterval,
					GlobalMaxIterations:   cfg.Agent.MaxIterations,
				},
				agent.TokenPolicy{
					Active:                              cfg.Budget.Active,
					TokensMax:                           cfg.Budget.TokensMax,
					SoftLimitRatio:                      cfg.Budget.SoftLimitRatio,
					HardLimitRatio:                      cfg.Budget.HardLimitRatio,
					ForceSynthesisOnHardLimit:           cfg.Budget.ForceSynthesisOnHardLimit,
					RestrictBroadExplorationAtSoftLimit: cfg.Budget.RestrictBroadExplorationAtSoftLimit,
				},
				cfg.Agent.DefaultBudget,
				orchestrator.MemoryLimits{
					FactMaxEntries:    cfg.Memory.MaxEntries,
					FactMaxTokens:     cfg.Memory.MaxTokens,
					ArchiveMaxEntries: cfg.Memory.ArchiveMaxEntries,
					ArchiveMaxChars:   cfg.Memory.ArchiveMaxChars,
				},
			)

			orch := orchestrator.New(sessionID, resolvedDir, selector, runner, defaultSpecialists(), findings)

			result, err := orch.Execute(ctx, goal)
			if err != nil {
				return err
			}

			fmt.Println(result.Answer)
			logger.InfoCF("cli", "Orchestration finished", map[string]any{
				"session_id": sessionID,
				"subtasks":   len(result.Order),
				"cost_units": result.CostUnits,
				"success":    result.Success,
			})

			if !result.Success {
				return fmt.Errorf("orchestration failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workDir, "dir", "C", "", "working directory (default: cwd)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id (default: generated)")
	return cmd
}
