package acpclient

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/m4xw311/cpp-acp-bridge/acpagent"
	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/transport"
)

// fakeAgent builds an exec.Cmd for a tiny shell script that speaks just
// enough of the framed protocol to exercise Connect/NewSession/Prompt
// without depending on a real ACP agent binary.
func fakeAgent(t *testing.T, script string) (string, []string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return "sh", []string{"-c", script}
}

// respond is a minimal shell program that replies to exactly one
// initialize request and one new_session request, then blocks, enough
// to prove the handshake completes and a session ID comes back.
const respondScript = `
read_frame() {
  IFS= read -r line
  len=${line#Content-Length: }
  len=${len%$'\r'}
  read -r blank
  dd bs=1 count=$len 2>/dev/null
}
write_frame() {
  body="$1"
  n=${#body}
  printf 'Content-Length: %d\r\n\r\n%s' "$n" "$body"
}
body=$(read_frame)
write_frame '{"jsonrpc":"2.0","id":1,"result":{}}'
body=$(read_frame)
write_frame '{"jsonrpc":"2.0","id":2,"result":{"sessionId":"sess-1"}}'
sleep 5
`

func TestConnectAndNewSession(t *testing.T) {
	cmdPath, args := fakeAgent(t, respondScript)

	c := New(Callbacks{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx, cmdPath, args, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	sessionID, err := c.NewSession(ctx, "/tmp", nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if sessionID != "sess-1" {
		t.Errorf("expected sess-1, got %q", sessionID)
	}
}

func TestSetPendingModelStoresSlot(t *testing.T) {
	c := New(Callbacks{}, nil)
	c.SetPendingModel("gpt-5")
	c.pendingModelMu.Lock()
	got := c.pendingModel
	c.pendingModelMu.Unlock()
	if got != "gpt-5" {
		t.Fatalf("expected pending model set, got %q", got)
	}
}

func TestHandleSessionUpdateDispatchesText(t *testing.T) {
	var gotText string
	c := New(Callbacks{OnText: func(text string) { gotText = text }}, nil)

	params, _ := json.Marshal(map[string]interface{}{
		"sessionId": "sess-1",
		"update": map[string]interface{}{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]string{"type": "text", "text": "hello"},
		},
	})
	c.handleSessionUpdate(params)

	if gotText != "hello" {
		t.Errorf("expected hello, got %q", gotText)
	}
}

func TestHandleSessionUpdateDispatchesToolStart(t *testing.T) {
	var id, title string
	c := New(Callbacks{OnToolStart: func(toolID, toolTitle string, _ json.RawMessage) {
		id, title = toolID, toolTitle
	}}, nil)

	params, _ := json.Marshal(map[string]interface{}{
		"sessionId": "sess-1",
		"update": map[string]interface{}{
			"sessionUpdate": "tool_call",
			"toolCallId":    "call-1",
			"title":         "Read file.go",
		},
	})
	c.handleSessionUpdate(params)

	if id != "call-1" || title != "Read file.go" {
		t.Errorf("expected call-1/Read file.go, got %s/%s", id, title)
	}
}

func TestHandleSessionUpdateUnknownVariantIgnored(t *testing.T) {
	c := New(Callbacks{}, nil)
	params, _ := json.Marshal(map[string]interface{}{
		"sessionId": "sess-1",
		"update":    map[string]interface{}{"sessionUpdate": "something_new"},
	})
	c.handleSessionUpdate(params) // must not panic
}

type nopLogger struct{}

func (nopLogger) Warning(format string, a ...interface{}) {}
func (nopLogger) Debug(format string, a ...interface{})   {}

type pairCloser struct{ a, b io.Closer }

func (p pairCloser) Close() error {
	p.a.Close()
	p.b.Close()
	return nil
}

// TestConnectPipesHandshakeWithEmbeddedAgent proves out the in-process
// wiring proxy.Manager.connectEmbedded relies on: a Client and an
// acpagent.Agent talking over two io.Pipe pairs, with no subprocess and
// no embedded assistant invoked (that only happens lazily on a prompt).
func TestConnectPipesHandshakeWithEmbeddedAgent(t *testing.T) {
	aR, aW := io.Pipe()
	bR, bW := io.Pipe()

	agentConn := transport.NewConn(aR, bW, nopLogger{})
	noAssistant := func(ctx context.Context, model string) (assistant.Assistant, error) {
		return nil, nil
	}
	agt := acpagent.New(agentConn, noAssistant, nil, false)
	go agt.Serve(context.Background())

	c := New(Callbacks{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.ConnectPipes(ctx, bR, aW, pairCloser{aW, bR}); err != nil {
		t.Fatalf("ConnectPipes: %v", err)
	}
	defer c.Disconnect()

	sessionID, err := c.NewSession(ctx, "/tmp", nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if sessionID == "" {
		t.Error("expected a generated session id")
	}
}
