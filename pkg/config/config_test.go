package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing config must not error: %v", err)
	}

	if cfg.Agent.DefaultBudget != 12 {
		t.Fatalf("default budget %d", cfg.Agent.DefaultBudget)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Fatalf("default max iterations %d", cfg.Agent.MaxIterations)
	}
	if cfg.Budget.SoftLimitRatio != 0.75 || cfg.Budget.HardLimitRatio != 0.95 {
		t.Fatalf("default ratios %v/%v", cfg.Budget.SoftLimitRatio, cfg.Budget.HardLimitRatio)
	}
	if cfg.Tools.MaxOutputLength != 500 {
		t.Fatalf("default max output length %d", cfg.Tools.MaxOutputLength)
	}
	if cfg.Trace.MaxFileBytes != 100<<20 {
		t.Fatalf("default trace cap %d", cfg.Trace.MaxFileBytes)
	}
	if cfg.LLM.Tiers.Small == "" || cfg.LLM.Tiers.Medium == "" || cfg.LLM.Tiers.Large == "" {
		t.Fatal("tier models not defaulted")
	}
}

func TestLoad_FileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{
		"agent": {"max_iterations": 8, "default_budget": 6},
		"budget": {"tokens_max": 50000},
		"llm": {"tiers": {"small": "gpt-4o-mini"}}
	}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxIterations != 8 || cfg.Agent.DefaultBudget != 6 {
		t.Fatalf("file values ignored: %+v", cfg.Agent)
	}
	if cfg.Budget.TokensMax != 50000 {
		t.Fatalf("tokens max %d", cfg.Budget.TokensMax)
	}
	if cfg.LLM.Tiers.Small != "gpt-4o-mini" {
		t.Fatalf("tier small %q", cfg.LLM.Tiers.Small)
	}
	// Unset values still get defaults.
	if cfg.LLM.Tiers.Medium == "" {
		t.Fatal("medium tier not defaulted")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"agent": {"max_iterations": 8}}`), 0o644)

	t.Setenv("KBAGENT_AGENT_MAX_ITERATIONS", "15")
	t.Setenv("KBAGENT_TIER_LARGE", "claude-opus-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.MaxIterations != 15 {
		t.Fatalf("env override ignored: %d", cfg.Agent.MaxIterations)
	}
	if cfg.LLM.Tiers.Large != "claude-opus-env" {
		t.Fatalf("env tier ignored: %q", cfg.LLM.Tiers.Large)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte("{not json"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}
