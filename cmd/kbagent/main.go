// kbagent - autonomous agent runtime
// License: MIT

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kb-labs/kbagent/pkg/config"
	"github.com/kb-labs/kbagent/pkg/logger"
	"github.com/kb-labs/kbagent/pkg/providers"
	anthropicprovider "github.com/kb-labs/kbagent/pkg/providers/anthropic"
	openaiprovider "github.com/kb-labs/kbagent/pkg/providers/openai"
	"github.com/kb-labs/kbagent/pkg/tools"
)

var version = "dev"

// errInvalidInput marks user errors that exit with code 2.
var errInvalidInput = errors.New("invalid input")

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errInvalidInput}, args...)...)
}

var (
	flagConfigPath string
	flagDebug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "kbagent",
		Short:         "Autonomous LLM agent runtime for KB Labs workspaces",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				logger.SetLevel(logger.DEBUG)
			}
		},
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to config.json")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(
		buildRunCmd(),
		buildOrchestrateCmd(),
		buildTraceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, errInvalidInput) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, invalidInput("%v", err)
	}
	return cfg, nil
}

// buildSelector binds each tier to a provider inferred from the model
// name prefix; with rate limiting enabled, each handle gets its own limiter.
func buildSelector(cfg *config.Config) (*providers.Selector, error) {
	selector := providers.NewSelector()

	bind := func(tier providers.Tier, model string) error {
		var provider providers.LLMProvider
		switch {
		case strings.HasPrefix(model, "claude-"):
			if cfg.LLM.Anthropic.APIKey == "" {
				return invalidInput("tier %s uses %s but no anthropic api key is configured", tier, model)
			}
			provider = anthropicprovider.NewProviderWithBaseURL(cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.BaseURL)
		default:
			if cfg.LLM.OpenAI.APIKey == "" {
				return invalidInput("tier %s uses %s but no openai api key is configured", tier, model)
			}
			provider = openaiprovider.NewProvider(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.BaseURL)
		}
		if cfg.RateLimit.Enabled {
			provider = providers.NewRateLimited(provider, cfg.RateLimit.RequestsPerMinute)
		}
		selector.Bind(tier, provider, model)
		return nil
	}

	if err := bind(providers.TierSmall, cfg.LLM.Tiers.Small); err != nil {
		return nil, err
	}
	if err := bind(providers.TierMedium, cfg.LLM.Tiers.Medium); err != nil {
		return nil, err
	}
	if err := bind(providers.TierLarge, cfg.LLM.Tiers.Large); err != nil {
		return nil, err
	}
	return selector, nil
}

// buildRegistry registers the built-in tool set for a workspace.
func buildRegistry(cfg *config.Config, workspace string) *tools.Registry {
	restrict := cfg.Tools.RestrictToWorkspace
	shellTimeout := time.Duration(cfg.Tools.ShellTimeoutSeconds) * time.Second

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(workspace, restrict))
	registry.Register(tools.NewWriteFileTool(workspace, restrict))
	registry.Register(tools.NewEditFileTool(workspace, restrict))
	registry.Register(tools.NewListDirTool(workspace, restrict))
	registry.Register(tools.NewExistsTool(workspace, restrict))
	registry.Register(tools.NewSearchTool(workspace, restrict))
	registry.Register(tools.NewGlobTool(workspace, restrict))
	registry.Register(tools.NewShellTool(workspace, restrict, shellTimeout))
	registry.Register(tools.NewFindDefinitionTool(workspace, restrict))
	registry.Register(tools.NewFindUsagesTool(workspace, restrict))
	registry.Register(tools.NewOutlineTool(workspace, restrict))
	registry.Register(tools.NewReportTool())
	return registry
}

// resolveWorkingDir validates the task working directory.
func resolveWorkingDir(path string) (string, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return cwd, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", invalidInput("working directory %s: %v", path, err)
	}
	if !info.IsDir() {
		return "", invalidInput("working directory %s is not a directory", path)
	}
	return path, nil
}
