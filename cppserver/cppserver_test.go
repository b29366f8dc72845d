package cppserver

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/m4xw311/cpp-acp-bridge/config"
	"github.com/m4xw311/cpp-acp-bridge/proxy"
	"github.com/m4xw311/cpp-acp-bridge/transport"
)

func newServerForTest(backend string) (*Server, *config.Config) {
	cfg := &config.Config{Backend: backend}
	mgr := proxy.New(cfg, nil)
	var buf bytes.Buffer
	conn := transport.NewConn(&buf, &buf, nil)
	return New(conn, mgr, cfg, nil), cfg
}

func TestHandlePingDefaultsToPong(t *testing.T) {
	s, _ := newServerForTest("gemini")
	result, err := s.handlePing(json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	m := result.(map[string]interface{})
	if m["message"] != "pong" {
		t.Errorf("expected pong, got %v", m["message"])
	}
	if m["protocolVersion"] != ProtocolVersion {
		t.Errorf("expected protocol version %d, got %v", ProtocolVersion, m["protocolVersion"])
	}
}

func TestHandlePingEchoesMessage(t *testing.T) {
	s, _ := newServerForTest("gemini")
	result, err := s.handlePing(json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	if result.(map[string]interface{})["message"] != "hi" {
		t.Errorf("expected echoed message")
	}
}

func TestHandleStatusGet(t *testing.T) {
	s, _ := newServerForTest("gemini")
	result, _ := s.handleStatusGet()
	m := result.(map[string]interface{})
	if m["version"] != Version || m["protocolVersion"] != ProtocolVersion {
		t.Errorf("unexpected status: %+v", m)
	}
}

func TestHandleAuthGetStatusAlwaysAuthenticated(t *testing.T) {
	s, _ := newServerForTest("gemini")
	result, _ := s.handleAuthGetStatus()
	m := result.(map[string]interface{})
	if m["isAuthenticated"] != true {
		t.Errorf("expected always authenticated, got %+v", m)
	}
}

func TestHandleModelsListGemini(t *testing.T) {
	s, _ := newServerForTest("gemini")
	result, _ := s.handleModelsList()
	models := result.(map[string]interface{})["models"].([]map[string]interface{})
	if len(models) != 2 {
		t.Errorf("expected 2 gemini models, got %d", len(models))
	}
}

func TestHandleSessionListEmpty(t *testing.T) {
	s, _ := newServerForTest("gemini")
	result, _ := s.handleSessionList()
	sessions := result.(map[string]interface{})["sessions"].([]map[string]interface{})
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %v", sessions)
	}
}

func TestHandleSessionGetLastIDEmpty(t *testing.T) {
	s, _ := newServerForTest("gemini")
	result, _ := s.handleSessionGetLastID()
	if result.(map[string]interface{})["sessionId"] != "" {
		t.Errorf("expected empty last session id")
	}
}

func TestHandleUnknownMethodReportsMethodNotFound(t *testing.T) {
	s, _ := newServerForTest("gemini")
	_, err := s.handle(context.Background(), "no.such.method", nil)
	if err == nil {
		t.Fatal("expected an error for unknown method")
	}
	if _, ok := err.(*unknownMethodError); !ok {
		t.Errorf("expected unknownMethodError, got %T", err)
	}
}

func TestHandleSessionSendMissingSessionIDErrors(t *testing.T) {
	s, _ := newServerForTest("gemini")
	_, err := s.handleSessionSend(context.Background(), json.RawMessage(`{"prompt":"hi"}`))
	if err == nil {
		t.Fatal("expected error for missing sessionId")
	}
}

// fakeAgent mirrors acpclient's own test harness: a tiny shell script
// that answers exactly one initialize, one new_session, and one prompt
// request, enough to drive a full session.create -> session.send ->
// session.destroy round trip without a real ACP agent binary.
const fakeAgentScript = `
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
body=$(read_frame)
write_frame '{"jsonrpc":"2.0","id":3,"result":{"stopReason":"end_turn"}}'
sleep 30
`

func TestSessionCreateSendDestroyEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	cfg := &config.Config{
		Backend:        "gemini",
		BackendCommand: map[string]string{"gemini": "sh"},
		BackendArgs:    []string{"-c", fakeAgentScript},
	}
	mgr := proxy.New(cfg, nil)
	var buf bytes.Buffer
	conn := transport.NewConn(&buf, &buf, nil)
	s := New(conn, mgr, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	createParams, _ := json.Marshal(map[string]interface{}{"workingDirectory": "/tmp"})
	created, err := s.handleSessionCreate(ctx, createParams)
	if err != nil {
		t.Fatalf("handleSessionCreate: %v", err)
	}
	sessionID := created.(map[string]interface{})["sessionId"].(string)
	if sessionID == "" {
		t.Fatal("expected a generated sessionId")
	}

	sendParams, _ := json.Marshal(map[string]interface{}{"sessionId": sessionID, "prompt": "hi"})
	sendResult, err := s.handleSessionSend(ctx, sendParams)
	if err != nil {
		t.Fatalf("handleSessionSend: %v", err)
	}
	if sendResult.(map[string]interface{})["messageId"] == "" {
		t.Error("expected a messageId")
	}

	if got := mgr.Get(sessionID).Events(); len(got) == 0 {
		t.Error("expected the session's event log to contain appended events")
	}

	destroyParams, _ := json.Marshal(map[string]interface{}{"sessionId": sessionID})
	if _, err := s.handleSessionDestroy(destroyParams); err != nil {
		t.Fatalf("handleSessionDestroy: %v", err)
	}
}
