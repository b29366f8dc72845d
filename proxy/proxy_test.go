package proxy

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/m4xw311/cpp-acp-bridge/config"
)

func TestBackendFlagsGemini(t *testing.T) {
	flags := BackendFlags("gemini", nil, "gemini-1.5-pro")
	if !contains(flags, "--experimental-acp") {
		t.Errorf("expected --experimental-acp, got %v", flags)
	}
	if !contains(flags, "--model") {
		t.Errorf("expected --model flag, got %v", flags)
	}
}

func TestBackendFlagsClaudeCodeNoExtraFlags(t *testing.T) {
	flags := BackendFlags("claude-code", []string{"--verbose"}, "claude-opus-4-20250514")
	want := []string{"--verbose"}
	if len(flags) != len(want) || flags[0] != want[0] {
		t.Errorf("expected no extra flags beyond passthrough, got %v", flags)
	}
}

func TestBackendFlagsCopilot(t *testing.T) {
	flags := BackendFlags("copilot", nil, "")
	if !contains(flags, "--acp") {
		t.Errorf("expected --acp, got %v", flags)
	}
}

func TestModelsForBackend(t *testing.T) {
	if got := ModelsForBackend("gemini"); len(got) != 2 {
		t.Errorf("expected 2 gemini models, got %v", got)
	}
	if got := ModelsForBackend("unknown"); len(got) != 1 || got[0] != "default" {
		t.Errorf("expected [default] for unknown backend, got %v", got)
	}
}

func TestConvertMCPServersExpandsEnvVar(t *testing.T) {
	os.Setenv("PROXY_TEST_TOKEN", "secret123")
	defer os.Unsetenv("PROXY_TEST_TOKEN")

	servers := map[string]config.CopilotMCPServer{
		"search": {
			Type:    "local",
			Command: "search-server",
			Args:    []string{"--flag"},
			Env:     map[string]string{"TOKEN": "${PROXY_TEST_TOKEN}", "LITERAL": "value"},
		},
	}
	out := ConvertMCPServers(servers)
	if len(out) != 1 {
		t.Fatalf("expected 1 server, got %d", len(out))
	}
	if out[0].Name != "search" || out[0].Command != "search-server" {
		t.Errorf("unexpected conversion: %+v", out[0])
	}
	if out[0].Env["TOKEN"] != "secret123" {
		t.Errorf("expected expanded token, got %q", out[0].Env["TOKEN"])
	}
	if out[0].Env["LITERAL"] != "value" {
		t.Errorf("expected literal passthrough, got %q", out[0].Env["LITERAL"])
	}
}

func TestConvertMCPServersMissingEnvVarIsEmpty(t *testing.T) {
	os.Unsetenv("PROXY_TEST_MISSING")
	servers := map[string]config.CopilotMCPServer{
		"x": {Command: "x", Env: map[string]string{"K": "${PROXY_TEST_MISSING}"}},
	}
	out := ConvertMCPServers(servers)
	if out[0].Env["K"] != "" {
		t.Errorf("expected empty string for missing env var, got %q", out[0].Env["K"])
	}
}

func TestResumeUnknownSessionReportsNotFound(t *testing.T) {
	m := New(&config.Config{Backend: "gemini"}, nil)
	_, found := m.Resume("does-not-exist", nil)
	if found {
		t.Error("expected Resume to report not-found for an unregistered session")
	}
}

func TestListSessionsEmpty(t *testing.T) {
	m := New(&config.Config{Backend: "gemini"}, nil)
	if got := m.ListSessions(); len(got) != 0 {
		t.Errorf("expected no sessions, got %v", got)
	}
}

func TestDeleteSessionUnknownReturnsFalse(t *testing.T) {
	m := New(&config.Config{Backend: "gemini"}, nil)
	if m.DeleteSession("nope") {
		t.Error("expected false for deleting an unknown session")
	}
}

func TestUsesEmbeddedAgentForClaudeCodeWithNoOverride(t *testing.T) {
	m := New(&config.Config{Backend: "claude-code"}, nil)
	if !m.usesEmbeddedAgent("claude-code") {
		t.Error("expected claude-code with no BackendCommand override to use the embedded agent")
	}
}

func TestUsesEmbeddedAgentFalseWhenOverrideConfigured(t *testing.T) {
	m := New(&config.Config{
		Backend:        "claude-code",
		BackendCommand: map[string]string{"claude-code": "claude-code-acp"},
	}, nil)
	if m.usesEmbeddedAgent("claude-code") {
		t.Error("expected an explicit BackendCommand override to bypass the embedded agent")
	}
}

func TestUsesEmbeddedAgentFalseForOtherBackends(t *testing.T) {
	m := New(&config.Config{Backend: "gemini"}, nil)
	if m.usesEmbeddedAgent("gemini") {
		t.Error("expected the embedded agent to be claude-code-only")
	}
}

// TestCreateSessionEmbeddedAgentRoundTrip drives CreateSession over the
// in-process pipe wiring end to end (no subprocess, no network call):
// connectEmbedded's handshake (initialize + new_session) exercises the
// full acpclient <-> acpagent transport without ever invoking the
// embedded assistant factory, which only runs lazily on a prompt.
func TestCreateSessionEmbeddedAgentRoundTrip(t *testing.T) {
	m := New(&config.Config{Backend: "claude-code", Workspace: "/tmp"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := m.CreateSession(ctx, CreateOptions{Cwd: "/tmp"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !sess.Active {
		t.Error("expected the new session to be active")
	}

	m.DestroySession(sess.SessionID)
	if sess.Active {
		t.Error("expected DestroySession to mark the session inactive")
	}
}
