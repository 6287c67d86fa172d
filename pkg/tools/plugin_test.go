package tools

import (
	"context"
	"errors"
	"testing"
)

type fakeRunner struct {
	output    string
	retryable bool
	err       error
	gotPlugin string
	gotCmd    string
	gotInput  map[string]any
}

func (r *fakeRunner) Run(ctx context.Context, pluginID, command string, input map[string]any) (string, bool, error) {
	r.gotPlugin, r.gotCmd, r.gotInput = pluginID, command, input
	return r.output, r.retryable, r.err
}

func TestPluginTool_NamespacedName(t *testing.T) {
	runner := &fakeRunner{output: "plugin says hi"}
	tool, err := NewPluginTool("kb-search", "query", "search the knowledge base", nil, runner)
	if err != nil {
		t.Fatal(err)
	}
	if tool.Name() != "kb-search:query" {
		t.Fatalf("name %q", tool.Name())
	}

	result := tool.Execute(context.Background(), map[string]any{"q": "agents"})
	if !result.Success || result.Output != "plugin says hi" {
		t.Fatalf("execute: %+v", result)
	}
	if runner.gotPlugin != "kb-search" || runner.gotCmd != "query" {
		t.Fatalf("runner got %s %s", runner.gotPlugin, runner.gotCmd)
	}
}

func TestPluginTool_ErrorCarriesRetryable(t *testing.T) {
	runner := &fakeRunner{err: errors.New("upstream busy"), retryable: true}
	tool, err := NewPluginTool("kb-search", "query", "", nil, runner)
	if err != nil {
		t.Fatal(err)
	}

	result := tool.Execute(context.Background(), nil)
	if result.Success {
		t.Fatal("error reported as success")
	}
	if result.Error == nil || !result.Error.Retryable {
		t.Fatalf("retryable flag lost: %+v", result.Error)
	}
}

func TestPluginTool_RejectsBadNames(t *testing.T) {
	if _, err := NewPluginTool("bad id", "cmd", "", nil, &fakeRunner{}); err == nil {
		t.Fatal("invalid plugin id accepted")
	}
	if _, err := NewPluginTool("ok", "cmd", "", nil, nil); err == nil {
		t.Fatal("nil runner accepted")
	}
}

func TestPluginTool_RegistersAndRoundTrips(t *testing.T) {
	registry := NewRegistry()
	tool, _ := NewPluginTool("kb-search", "query", "", nil, &fakeRunner{output: "x"})
	if err := registry.Register(tool); err != nil {
		t.Fatal(err)
	}

	sanitized := SanitizeName(tool.Name())
	if resolved, ok := registry.Resolve(sanitized); !ok || resolved.Name() != "kb-search:query" {
		t.Fatalf("sanitized resolution failed: %v", ok)
	}
}
