package acpagent

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/transport"
)

func TestFlattenPromptText(t *testing.T) {
	blocks := []contentBlock{{Type: "text", Text: "hello"}}
	if got := flattenPrompt(blocks); got != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
}

func TestFlattenPromptResourceAndLink(t *testing.T) {
	blocks := []contentBlock{
		{Type: "text", Text: "intro"},
		{Type: "resource", Resource: &struct {
			URI  string `json:"uri"`
			Text string `json:"text,omitempty"`
		}{URI: "file:///a.go", Text: "package a"}},
		{Type: "resource_link", URI: "file:///b.go", Name: "b.go"},
	}
	got := flattenPrompt(blocks)
	want := "intro\n\n<context ref=\"file:///a.go\">\npackage a\n</context>\n[@b.go](file:///b.go)"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestDedupStateExactEmptyPrefixDivergent(t *testing.T) {
	var d dedupState

	out, emit := d.apply("hello")
	if !emit || out != "hello" {
		t.Fatalf("first chunk: got %q emit=%v", out, emit)
	}

	out, emit = d.apply("hello")
	if emit {
		t.Fatalf("exact duplicate should not emit, got %q", out)
	}

	out, emit = d.apply("hello world")
	if !emit || out != " world" {
		t.Fatalf("prefix extension: got %q emit=%v", out, emit)
	}

	out, emit = d.apply("goodbye")
	if !emit || out != "goodbye" {
		t.Fatalf("divergent chunk: got %q emit=%v", out, emit)
	}
	if d.buffer != "hello worldgoodbye" {
		t.Errorf("expected buffer to accumulate divergent chunk, got %q", d.buffer)
	}
}

func TestDedupStateDisabled(t *testing.T) {
	d := dedupState{disabled: true}
	out, emit := d.apply("a")
	if !emit || out != "a" {
		t.Fatalf("expected passthrough, got %q emit=%v", out, emit)
	}
	out, emit = d.apply("a")
	if !emit || out != "a" {
		t.Fatalf("expected disabled dedup to always emit, got %q emit=%v", out, emit)
	}
}

func TestToolTitleRules(t *testing.T) {
	marshal := func(v interface{}) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}

	cases := []struct {
		name  string
		input json.RawMessage
		want  string
	}{
		{"Read", marshal(map[string]string{"file_path": "a.go"}), "Read a.go"},
		{"Write", marshal(map[string]string{"path": "b.go"}), "Write b.go"},
		{"Edit", marshal(map[string]string{"file_path": "c.go"}), "Edit c.go"},
		{"Bash", marshal(map[string]string{"command": "echo hi"}), "Run: echo hi"},
		{"Glob", marshal(map[string]string{"pattern": "**/*.go"}), "Find files: **/*.go"},
		{"Grep", marshal(map[string]string{"pattern": "TODO"}), "Search: TODO"},
		{"CustomTool", marshal(map[string]string{}), "CustomTool"},
	}
	for _, c := range cases {
		if got := toolTitle(c.name, c.input); got != c.want {
			t.Errorf("%s: got %q want %q", c.name, got, c.want)
		}
	}
}

func TestToolTitleBashTruncation(t *testing.T) {
	longCmd := ""
	for i := 0; i < 60; i++ {
		longCmd += "x"
	}
	input, _ := json.Marshal(map[string]string{"command": longCmd})
	got := toolTitle("Bash", input)
	want := "Run: " + longCmd[:50] + "…"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

// dispatchHarness wires an Agent to one end of a pipe pair and a raw
// transport.Conn to the other, letting a test send requests and read
// responses without going through acpclient.
type dispatchHarness struct {
	agent *Agent
	conn  *transport.Conn
	id    int64
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()
	aR, aW := io.Pipe()
	bR, bW := io.Pipe()

	agentConn := transport.NewConn(aR, bW, nil)
	noAssistant := func(ctx context.Context, model string) (assistant.Assistant, error) {
		return nil, nil
	}
	agt := New(agentConn, noAssistant, nil, false)
	go agt.Serve(context.Background())

	return &dispatchHarness{agent: agt, conn: transport.NewConn(bR, aW, nil)}
}

func (h *dispatchHarness) call(t *testing.T, method string, params interface{}) *transport.Envelope {
	t.Helper()
	h.id++
	id, err := json.Marshal(h.id)
	if err != nil {
		t.Fatalf("marshal id: %v", err)
	}
	p, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	if err := h.conn.WriteMessage(&transport.Envelope{JSONRPC: "2.0", ID: id, Method: method, Params: p}); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	type result struct {
		env *transport.Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		env, err := h.conn.ReadMessage()
		done <- result{env, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("read response to %s: %v", method, r.err)
		}
		return r.env
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for response to %s", method)
		return nil
	}
}

func TestHandleAuthenticateAcceptsAdvertisedMethod(t *testing.T) {
	h := newDispatchHarness(t)
	env := h.call(t, "authenticate", map[string]string{"methodId": "claude-login"})
	if env.Error != nil {
		t.Fatalf("expected success, got error %+v", env.Error)
	}
}

func TestHandleAuthenticateRejectsUnknownMethod(t *testing.T) {
	h := newDispatchHarness(t)
	env := h.call(t, "authenticate", map[string]string{"methodId": "something-else"})
	if env.Error == nil {
		t.Fatal("expected an error for an unadvertised auth method")
	}
}

func TestHandleSessionLoadResumesKnownSession(t *testing.T) {
	h := newDispatchHarness(t)
	newEnv := h.call(t, "new_session", map[string]string{"cwd": "/tmp"})
	if newEnv.Error != nil {
		t.Fatalf("new_session: %+v", newEnv.Error)
	}
	var newResult struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(newEnv.Result, &newResult); err != nil {
		t.Fatalf("unmarshal new_session result: %v", err)
	}

	loadEnv := h.call(t, "session/load", map[string]string{"sessionId": newResult.SessionID, "cwd": "/tmp"})
	if loadEnv.Error != nil {
		t.Fatalf("expected session/load to resume a known session, got %+v", loadEnv.Error)
	}
}

func TestHandleSessionLoadUnknownSessionErrors(t *testing.T) {
	h := newDispatchHarness(t)
	env := h.call(t, "session/load", map[string]string{"sessionId": "does-not-exist", "cwd": "/tmp"})
	if env.Error == nil {
		t.Fatal("expected an error resuming a session this process never created")
	}
}

func TestHandleExtMethodAcknowledges(t *testing.T) {
	h := newDispatchHarness(t)
	env := h.call(t, "ext_method", map[string]string{"anything": "goes"})
	if env.Error != nil {
		t.Fatalf("expected ext_method to be acknowledged, got %+v", env.Error)
	}
}
