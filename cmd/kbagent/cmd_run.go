package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kb-labs/kbagent/pkg/agent"
	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/memory"
	"github.com/kb-labs/kbagent/pkg/providers"
	"github.com/kb-labs/kbagent/pkg/tools"
	"github.com/kb-labs/kbagent/pkg/trace"
)

const defaultSystemPrompt = `You are an autonomous engineering agent working inside a user workspace.
Work step by step: inspect before you change, verify after you act.
When the task is done, call the report tool with your final answer, or end your reply with [TASK_COMPLETE].
If the task exceeds your capability, emit [NEED_ESCALATION:<reason>]; if it is impossible, emit [GIVE_UP:<reason>].`

func buildRunCmd() *cobra.Command {
	var (
		workDir   string
		sessionID string
		mode      string
		tierName  string
	)

	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run a single task through the agent loop",
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
				sessionID = "cli"
			}
			if !trace.ValidID(sessionID) {
				return invalidInput("session id %q must match [A-Za-z0-9_-]+", sessionID)
			}
			tier, err := providers.ParseTier(tierName)
			if err != nil {
				return invalidInput("%v", err)
			}

			taskMode := agent.TaskMode(mode)
			switch taskMode {
			case agent.ModeExecute, agent.ModePlan, agent.ModeDebug, agent.ModeEdit:
			case "":
				taskMode = agent.ModeExecute
			default:
				return invalidInput("unknown mode %q", mode)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			task := agent.NewTask(goal, resolvedDir, sessionID, taskMode)

			tracer, err := trace.NewWriter(resolvedDir, task.ID, cfg.Trace.MaxFileBytes)
			if err != nil {
				return fmt.Errorf("open trace: %w", err)
			}
			defer tracer.Close()

			registry := buildRegistry(cfg, resolvedDir)
			executor := tools.NewExecutor(registry, cfg.Tools.Allow, cfg.Tools.Deny)

			facts := memory.NewFactSheet(cfg.Memory.MaxEntries, cfg.Memory.MaxTokens, nil)
			archive := memory.NewArchive(cfg.Memory.ArchiveMaxEntries, cfg.Memory.ArchiveMaxChars)

			// Resume session memory from earlier runs in this working dir.
			if persisted, err := memory.LoadFacts(resolvedDir, sessionID); err == nil {
				for _, fact := range persisted {
					facts.Add(fact)
				}
			} else {
				logger.WarnCF("cli", "Could not load session memory", map[string]any{"error": err.Error()})
			}

			classifier := agent.NewClassifier(selector)
			intent, budget := classifier.Classify(ctx, goal, cfg.Agent.MaxIterations)
			logger.InfoCF("cli", "Task classified", map[string]any{
				"task_id": task.ID,
				"intent":  string(intent),
				"budget":  budget,
			})

			loop := agent.NewLoop(task, agent.LoopConfig{
				SystemPrompt:          defaultSystemPrompt,
				MaxTokensPerCall:      cfg.Agent.MaxTokensPerCall,
				Temperature:           cfg.Agent.Temperature,
				MaxOutputLength:       cfg.Tools.MaxOutputLength,
				SlidingWindowSize:     cfg.Agent.SlidingWindowSize,
				SummarizationInterval: cfg.Agent.SummarizationInterval,
				EnableEscalation:      cfg.Agent.EnableEscalation,
				GlobalMaxIterations:   cfg.Agent.MaxIterations,
			}, selector, registry, executor, tracer, facts, archive)

			policy := agent.TokenPolicy{
				Active:                              cfg.Budget.Active,
				TokensMax:                           cfg.Budget.TokensMax,
				SoftLimitRatio:                      cfg.Budget.SoftLimitRatio,
				HardLimitRatio:                      cfg.Budget.HardLimitRatio,
				HardStop:                            cfg.Budget.HardStop,
				ForceSynthesisOnHardLimit:           cfg.Budget.ForceSynthesisOnHardLimit,
				RestrictBroadExplorationAtSoftLimit: cfg.Budget.RestrictBroadExplorationAtSoftLimit,
			}

			result := loop.Run(ctx, budget, policy, tier)

			if err := memory.Persist(resolvedDir, sessionID, facts, archive); err != nil {
				logger.WarnCF("cli", "Memory persist failed", map[string]any{"error": err.Error()})
			}

			fmt.Println(result.Answer)
			fmt.Fprintln(os.Stderr, "---")
			fmt.Fprintln(os.Stderr, result.Summary)

			if err := result.Err(); err != nil {
				return fmt.Errorf("task failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workDir, "dir", "C", "", "task working directory (default: cwd)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "session id")
	cmd.Flags().StringVarP(&mode, "mode", "m", "execute", "task mode: execute|plan|debug|edit")
	cmd.Flags().StringVarP(&tierName, "tier", "t", "medium", "starting tier: small|medium|large")
	return cmd
}
