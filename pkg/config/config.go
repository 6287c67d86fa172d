// kbagent - autonomous agent runtime
// License: MIT

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type AnthropicConfig struct {
	APIKey  string `json:"api_key" env:"KBAGENT_ANTHROPIC_API_KEY"`
	BaseURL string `json:"base_url" env:"KBAGENT_ANTHROPIC_BASE_URL"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" env:"KBAGENT_OPENAI_API_KEY"`
	BaseURL string `json:"base_url" env:"KBAGENT_OPENAI_BASE_URL"`
}

// TierModels binds each capability tier to a concrete model name.
// The provider is inferred from the model prefix ("claude-*" → anthropic,
// anything else → openai-compatible).
type TierModels struct {
	Small  string `json:"small" env:"KBAGENT_TIER_SMALL"`
	Medium string `json:"medium" env:"KBAGENT_TIER_MEDIUM"`
	Large  string `json:"large" env:"KBAGENT_TIER_LARGE"`
}

type LLMConfig struct {
	Anthropic AnthropicConfig `json:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai"`
	Tiers     TierModels      `json:"tiers"`
}

type AgentConfig struct {
	MaxIterations         int     `json:"max_iterations" env:"KBAGENT_AGENT_MAX_ITERATIONS"`
	DefaultBudget         int     `json:"default_budget" env:"KBAGENT_AGENT_DEFAULT_BUDGET"`
	MaxTokensPerCall      int     `json:"max_tokens_per_call" env:"KBAGENT_AGENT_MAX_TOKENS_PER_CALL"`
	Temperature           float64 `json:"temperature" env:"KBAGENT_AGENT_TEMPERATURE"`
	SlidingWindowSize     int     `json:"sliding_window_size" env:"KBAGENT_AGENT_SLIDING_WINDOW_SIZE"`
	SummarizationInterval int     `json:"summarization_interval" env:"KBAGENT_AGENT_SUMMARIZATION_INTERVAL"`
	EnableEscalation      bool    `json:"enable_escalation" env:"KBAGENT_AGENT_ENABLE_ESCALATION"`
}

type BudgetConfig struct {
	Active                              bool    `json:"active" env:"KBAGENT_BUDGET_ACTIVE"`
	TokensMax                           int     `json:"tokens_max" env:"KBAGENT_BUDGET_TOKENS_MAX"`
	SoftLimitRatio                      float64 `json:"soft_limit_ratio" env:"KBAGENT_BUDGET_SOFT_LIMIT_RATIO"`
	HardLimitRatio                      float64 `json:"hard_limit_ratio" env:"KBAGENT_BUDGET_HARD_LIMIT_RATIO"`
	HardStop                            bool    `json:"hard_stop" env:"KBAGENT_BUDGET_HARD_STOP"`
	ForceSynthesisOnHardLimit           bool    `json:"force_synthesis_on_hard_limit" env:"KBAGENT_BUDGET_FORCE_SYNTHESIS"`
	RestrictBroadExplorationAtSoftLimit bool    `json:"restrict_broad_exploration_at_soft_limit" env:"KBAGENT_BUDGET_RESTRICT_EXPLORATION"`
}

type MemoryConfig struct {
	MaxEntries        int `json:"max_entries" env:"KBAGENT_MEMORY_MAX_ENTRIES"`
	MaxTokens         int `json:"max_tokens" env:"KBAGENT_MEMORY_MAX_TOKENS"`
	ArchiveMaxEntries int `json:"archive_max_entries" env:"KBAGENT_MEMORY_ARCHIVE_MAX_ENTRIES"`
	ArchiveMaxChars   int `json:"archive_max_chars" env:"KBAGENT_MEMORY_ARCHIVE_MAX_CHARS"`
}

type ToolsConfig struct {
	Allow               []string `json:"allow" env:"KBAGENT_TOOLS_ALLOW"`
	Deny                []string `json:"deny" env:"KBAGENT_TOOLS_DENY"`
	MaxOutputLength     int      `json:"max_output_length" env:"KBAGENT_TOOLS_MAX_OUTPUT_LENGTH"`
	ShellTimeoutSeconds int      `json:"shell_timeout_seconds" env:"KBAGENT_TOOLS_SHELL_TIMEOUT_SECONDS"`
	RestrictToWorkspace bool     `json:"restrict_to_workspace" env:"KBAGENT_TOOLS_RESTRICT_TO_WORKSPACE"`
}

type TraceConfig struct {
	MaxFileBytes int64 `json:"max_file_bytes" env:"KBAGENT_TRACE_MAX_FILE_BYTES"`
}

type RateLimitConfig struct {
	Enabled           bool `json:"enabled" env:"KBAGENT_RATELIMIT_ENABLED"`
	RequestsPerMinute int  `json:"requests_per_minute" env:"KBAGENT_RATELIMIT_REQUESTS_PER_MINUTE"`
}

type Config struct {
	LLM       LLMConfig       `json:"llm"`
	Agent     AgentConfig     `json:"agent"`
	Budget    BudgetConfig    `json:"budget"`
	Memory    MemoryConfig    `json:"memory"`
	Tools     ToolsConfig     `json:"tools"`
	Trace     TraceConfig     `json:"trace"`
	RateLimit RateLimitConfig `json:"rate_limits"`
}

// DefaultConfigPath returns ~/.kbagent/config.json.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".kbagent", "config.json")
}

// Load reads the config file (if present), overlays environment variables,
// and fills defaults. A missing file is not an error: env + defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = DefaultConfigPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LLM.Tiers.Small == "" {
		c.LLM.Tiers.Small = "claude-haiku-4-5"
	}
	if c.LLM.Tiers.Medium == "" {
		c.LLM.Tiers.Medium = "claude-sonnet-4-5"
	}
	if c.LLM.Tiers.Large == "" {
		c.LLM.Tiers.Large = "claude-opus-4-1"
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Agent.DefaultBudget == 0 {
		c.Agent.DefaultBudget = 12
	}
	if c.Agent.MaxTokensPerCall == 0 {
		c.Agent.MaxTokensPerCall = 8192
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = 0.7
	}
	if c.Agent.SlidingWindowSize == 0 {
		c.Agent.SlidingWindowSize = 30
	}
	if c.Agent.SummarizationInterval == 0 {
		c.Agent.SummarizationInterval = 5
	}

	if c.Budget.TokensMax == 0 {
		c.Budget.TokensMax = 200000
	}
	if c.Budget.SoftLimitRatio == 0 {
		c.Budget.SoftLimitRatio = 0.75
	}
	if c.Budget.HardLimitRatio == 0 {
		c.Budget.HardLimitRatio = 0.95
	}

	if c.Memory.MaxEntries == 0 {
		c.Memory.MaxEntries = 100
	}
	if c.Memory.MaxTokens == 0 {
		c.Memory.MaxTokens = 4000
	}
	if c.Memory.ArchiveMaxEntries == 0 {
		c.Memory.ArchiveMaxEntries = 500
	}
	if c.Memory.ArchiveMaxChars == 0 {
		c.Memory.ArchiveMaxChars = 1 << 20
	}

	if c.Tools.MaxOutputLength == 0 {
		c.Tools.MaxOutputLength = 500
	}
	if c.Tools.ShellTimeoutSeconds == 0 {
		c.Tools.ShellTimeoutSeconds = 60
	}

	if c.Trace.MaxFileBytes == 0 {
		c.Trace.MaxFileBytes = 100 << 20
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 60
	}
}
