// Package proxy implements component E: the per-CPP-session manager
// that owns one ACP client stub (component B) per session, wires its
// callbacks to CPP event envelopes, and is driven by component F.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/cpp-acp-bridge/acpagent"
	"github.com/m4xw311/cpp-acp-bridge/acpclient"
	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/config"
	"github.com/m4xw311/cpp-acp-bridge/errors"
	"github.com/m4xw311/cpp-acp-bridge/fileterm"
	"github.com/m4xw311/cpp-acp-bridge/llm"
	"github.com/m4xw311/cpp-acp-bridge/logging"
	"github.com/m4xw311/cpp-acp-bridge/tools"
	"github.com/m4xw311/cpp-acp-bridge/transport"
	"github.com/m4xw311/cpp-acp-bridge/uuid"
)

// Event is a CPP event envelope: {id, type, timestamp, data}.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func newEvent(typ string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      typ,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// EventSink receives every event appended to a session's log, in
// strict order, matching what session.getMessages later replays.
type EventSink func(Event)

// ProxySession is the data-model record owned by E (spec §3).
type ProxySession struct {
	SessionID  string
	Client     *acpclient.Client
	Model      string
	Cwd        string
	CreatedAt  time.Time
	ModifiedAt time.Time
	Active     bool

	terminals *fileterm.Service

	mu           sync.Mutex
	events       []Event
	eventSink    EventSink
	acpSessionID string // the id returned by B's new_session, distinct from SessionID
	responseBuf  strings.Builder
}

// LastResponse returns the full assistant text accumulated since the
// most recent SendMessage call, for F to attach to the terminal
// assistant.message event (spec §4.F session.send).
func (s *ProxySession) LastResponse() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseBuf.String()
}

func (s *ProxySession) append(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	sink := s.eventSink
	s.mu.Unlock()
	if sink != nil {
		sink(e)
	}
}

// Emit appends an F-originated event (session.start, user.message,
// assistant.turn_start, assistant.message, session.shutdown, abort,
// …) to the same ordered log that E's own translation handlers append
// to, and forwards it to the current sink — so getMessages replays
// exactly what a live subscriber saw regardless of which component
// produced the event (spec §3).
func (s *ProxySession) Emit(typ string, data map[string]interface{}) {
	s.append(newEvent(typ, data))
}

// Events returns a snapshot of the session's event log, used by
// session.getMessages.
func (s *ProxySession) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// RebindSink changes where future events are forwarded, used by
// session.resume to reattach a live session to a new CPP connection.
func (s *ProxySession) RebindSink(sink EventSink) {
	s.mu.Lock()
	s.eventSink = sink
	s.mu.Unlock()
}

// CreateOptions configures CreateSession.
type CreateOptions struct {
	SessionID  string
	Model      string
	Cwd        string
	MCPServers map[string]config.CopilotMCPServer
	EventSink  EventSink
}

// Manager holds the live ProxySession map (one Manager per process).
type Manager struct {
	cfg *config.Config
	log *logging.Logger

	mu            sync.Mutex
	sessions      map[string]*ProxySession
	lastSessionID string
}

// New creates a Manager bound to cfg's backend/workspace defaults.
func New(cfg *config.Config, log *logging.Logger) *Manager {
	return &Manager{cfg: cfg, log: log, sessions: make(map[string]*ProxySession)}
}

// backendCommand resolves the binary to launch for a backend
// identifier, honoring Config.BackendCommand overrides and otherwise
// using the identifier itself as the command name.
func (m *Manager) backendCommand(backend string) string {
	if m.cfg.BackendCommand != nil {
		if cmd, ok := m.cfg.BackendCommand[backend]; ok {
			return cmd
		}
	}
	return backend
}

// usesEmbeddedAgent reports whether backend should be driven by this
// bridge's own in-process agent (component D) rather than a spawned
// subprocess — true for "claude-code" whenever no external binary
// override has been configured for it, letting a CPP client select the
// embedded assistant through the same backend identifier used for
// external agents (spec §1, §6.3).
func (m *Manager) usesEmbeddedAgent(backend string) bool {
	if backend != "claude-code" {
		return false
	}
	if m.cfg.BackendCommand != nil {
		if _, ok := m.cfg.BackendCommand[backend]; ok {
			return false
		}
	}
	return true
}

// connectEmbedded wires client to an in-process acpagent.Agent over two
// io.Pipe pairs instead of a subprocess: aR/aW carries client->agent
// traffic, bR/bW carries agent->client traffic. Closing aW and bR (the
// two ends reachable from the client side) unblocks both read loops
// without requiring the agent side to cooperate, which is what
// Client.Disconnect's pipeCloser branch does.
func (m *Manager) connectEmbedded(ctx context.Context, client *acpclient.Client) error {
	aR, aW := io.Pipe()
	bR, bW := io.Pipe()

	agentConn := transport.NewConn(aR, bW, proxyTransportLogger{m.log})
	agt := acpagent.New(agentConn, m.embeddedAssistantFactory(), m.log, m.cfg.DisableDedup)
	go func() {
		if err := agt.Serve(ctx); err != nil && m.log != nil {
			m.log.Debug("embedded agent connection ended: %v", err)
		}
	}()

	return client.ConnectPipes(ctx, bR, aW, multiCloser{aW, bR})
}

type proxyTransportLogger struct{ log *logging.Logger }

func (t proxyTransportLogger) Warning(format string, a ...interface{}) {
	if t.log != nil {
		t.log.Warning(format, a...)
	}
}
func (t proxyTransportLogger) Debug(format string, a ...interface{}) {
	if t.log != nil {
		t.log.Debug(format, a...)
	}
}

// multiCloser closes both underlying closers, ignoring individual
// errors — used only to unblock blocked pipe reads on disconnect.
type multiCloser struct{ a, b io.Closer }

func (m multiCloser) Close() error {
	m.a.Close()
	m.b.Close()
	return nil
}

// embeddedAssistantFactory builds an acpagent.AssistantFactory backed
// by the configured llm backend, used only for the embedded-agent path
// (spec §6.4's streaming boundary, Config.LLMClient selecting among
// Anthropic/OpenAI/Bedrock/Gemini).
func (m *Manager) embeddedAssistantFactory() acpagent.AssistantFactory {
	registry := tools.NewToolRegistry(m.cfg)
	return func(ctx context.Context, model string) (assistant.Assistant, error) {
		modelID := model
		if modelID == "" {
			modelID = m.cfg.Model
		}
		var active []tools.Tool
		if ts, err := m.cfg.GetToolset("default"); err == nil {
			active, _ = registry.GetActiveTools(ts)
		}
		switch m.cfg.LLMClient {
		case "openai":
			return llm.NewOpenAIAssistant(ctx, modelID, registry, active)
		case "bedrock":
			return llm.NewBedrockAssistant(ctx, modelID, registry, active)
		case "gemini":
			return llm.NewGeminiAssistant(ctx, modelID, registry, active)
		default:
			return llm.NewAnthropicAssistant(ctx, modelID, registry, active)
		}
	}
}

// BackendFlags computes the backend-specific launch arguments per
// spec §6.3, folding in Config.BackendArgs.
func BackendFlags(backend string, extra []string, model string) []string {
	args := append([]string{}, extra...)
	switch backend {
	case "gemini":
		if !contains(args, "--experimental-acp") {
			args = append(args, "--experimental-acp")
		}
		if model != "" && !contains(args, "--model") && !contains(args, "-m") {
			args = append(args, "--model", model)
		}
	case "claude-code", "claude-code-acp":
		// model is set via set_session_model; no extra flags.
	case "copilot":
		if !contains(args, "--acp") {
			args = append(args, "--acp")
		}
		if model != "" && !contains(args, "--model") {
			args = append(args, "--model", model)
		}
	}
	return args
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// ModelsForBackend returns the static models.list table per spec §6.3.
func ModelsForBackend(backend string) []string {
	switch backend {
	case "gemini":
		return []string{"gemini-2.0-flash", "gemini-1.5-pro"}
	case "claude-code", "claude-code-acp":
		return []string{"claude-sonnet-4-20250514", "claude-opus-4-20250514"}
	default:
		return []string{"default"}
	}
}

// ConvertMCPServers turns the caller's map-keyed MCP server
// configuration into the ACP stub's list form, expanding `${VAR}` env
// references from the process environment (missing → empty string).
func ConvertMCPServers(servers map[string]config.CopilotMCPServer) []acpclient.MCPServer {
	if len(servers) == 0 {
		return nil
	}
	out := make([]acpclient.MCPServer, 0, len(servers))
	for name, srv := range servers {
		entry := acpclient.MCPServer{
			Name:    name,
			Command: srv.Command,
			Args:    append([]string{}, srv.Args...),
		}
		if len(srv.Env) > 0 {
			entry.Env = make(map[string]string, len(srv.Env))
			for k, v := range srv.Env {
				entry.Env[k] = expandEnvRef(v)
			}
		}
		out = append(out, entry)
	}
	return out
}

func expandEnvRef(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// CreateSession implements spec §4.E create_session.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*ProxySession, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.New()
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd = m.cfg.Workspace
	}
	if cwd == "" {
		cwd = "."
	}

	backend := m.cfg.Backend
	command := m.backendCommand(backend)
	args := BackendFlags(backend, m.cfg.BackendArgs, opts.Model)
	mcpServers := ConvertMCPServers(opts.MCPServers)

	sess := &ProxySession{
		SessionID:  sessionID,
		Model:      opts.Model,
		Cwd:        cwd,
		CreatedAt:  time.Now().UTC(),
		ModifiedAt: time.Now().UTC(),
		Active:     true,
		eventSink:  opts.EventSink,
		terminals:  fileterm.New(fileterm.Hooks{}),
	}

	client := acpclient.New(m.setupHandlers(sess), m.log)
	sess.Client = client

	if m.usesEmbeddedAgent(backend) {
		if err := m.connectEmbedded(ctx, client); err != nil {
			return nil, errors.Wrapf(err, "starting embedded agent")
		}
	} else if err := client.Connect(ctx, command, args, nil); err != nil {
		return nil, errors.Wrapf(err, "connecting to backend %s", command)
	}

	acpSessionID, err := client.NewSession(ctx, cwd, mcpServers)
	if err != nil {
		client.Disconnect()
		return nil, errors.Wrapf(err, "creating ACP session")
	}
	sess.acpSessionID = acpSessionID

	if opts.Model != "" {
		if err := client.SetSessionModel(ctx, acpSessionID, opts.Model); err != nil {
			if m.log != nil {
				m.log.Warning("failed to set model for session %s (backend may not support it): %v", sessionID, err)
			}
		}
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.lastSessionID = sessionID
	m.mu.Unlock()

	return sess, nil
}

// setupHandlers wires B's callbacks to CPP event translation, per the
// table in spec §4.E.
func (m *Manager) setupHandlers(sess *ProxySession) acpclient.Callbacks {
	return acpclient.Callbacks{
		OnText: func(text string) {
			sess.mu.Lock()
			sess.responseBuf.WriteString(text)
			sess.mu.Unlock()
			sess.append(newEvent("assistant.message_delta", map[string]interface{}{"deltaContent": text}))
		},
		OnThinking: func(text string) {
			sess.append(newEvent("assistant.reasoning_delta", map[string]interface{}{"deltaContent": text}))
		},
		OnToolStart: func(id, title string, rawInput json.RawMessage) {
			sess.append(newEvent("tool.execution_start", map[string]interface{}{
				"toolCallId": id, "toolName": title, "arguments": rawInput,
			}))
		},
		OnToolEnd: func(id, status string, rawOutput json.RawMessage) {
			sess.append(newEvent("tool.execution_complete", map[string]interface{}{
				"toolCallId": id,
				"success":    status == "" || status == "completed" || status == "success",
				"result":     rawOutput,
			}))
		},
		OnComplete: func() {
			sess.append(newEvent("assistant.turn_end", map[string]interface{}{}))
			sess.append(newEvent("session.idle", map[string]interface{}{}))
		},
		OnError: func(err error) {
			if m.log != nil {
				m.log.Warning("session %s backend error: %v", sess.SessionID, err)
			}
		},

		// Reverse calls routed to C (spec §4.B). The reference
		// implementation auto-approves permission requests
		// unconditionally at this layer (D owns the real
		// mode-sensitive permission logic for embedded sessions).
		OnPermissionRequest: func(_ context.Context, _ string, _ json.RawMessage, _ []acpclient.PermissionOption) string {
			return "allow"
		},
		OnReadTextFile: func(_ context.Context, path string) (string, string) {
			res := sess.terminals.ReadTextFile(path)
			return res.Content, res.Error
		},
		OnWriteTextFile: func(_ context.Context, path, content string) string {
			if err := sess.terminals.WriteTextFile(path, content); err != nil {
				return err.Error()
			}
			return ""
		},
		OnCreateTerminal: func(_ context.Context, command string, args []string, cwd string, env map[string]string) (string, string) {
			res := sess.terminals.CreateTerminal(command, args, cwd, env)
			return res.TerminalID, res.Error
		},
		OnTerminalOutput: func(_ context.Context, terminalID string) (string, string) {
			res, err := sess.terminals.TerminalOutput(terminalID)
			if err != nil {
				return "", err.Error()
			}
			return res.Output, ""
		},
		OnWaitForTerminalExit: func(_ context.Context, terminalID string) (int, string) {
			res := sess.terminals.WaitForExit(terminalID)
			return res.ExitCode, res.Error
		},
		OnReleaseTerminal: func(_ context.Context, terminalID string) {
			sess.terminals.Release(terminalID)
		},
		OnKillTerminal: func(_ context.Context, terminalID string) {
			sess.terminals.Kill(terminalID)
		},
		OnDisconnectKillTerminals: func() {
			sess.terminals.KillAll()
		},
	}
}

// SendMessage implements spec §4.E send_message.
func (m *Manager) SendMessage(ctx context.Context, sessionID, prompt string) error {
	sess := m.Get(sessionID)
	if sess == nil {
		return errors.New("session not found: %s", sessionID)
	}
	sess.mu.Lock()
	sess.ModifiedAt = time.Now().UTC()
	sess.responseBuf.Reset()
	sess.mu.Unlock()

	if err := sess.Client.Prompt(ctx, sess.acpSessionID, prompt); err != nil {
		sess.append(newEvent("session.error", map[string]interface{}{"error": err.Error()}))
		return err
	}
	return nil
}

// DestroySession implements spec §4.E destroy_session.
func (m *Manager) DestroySession(sessionID string) {
	sess := m.Get(sessionID)
	if sess == nil {
		return
	}
	sess.append(newEvent("session.shutdown", map[string]interface{}{}))
	if sess.Client != nil {
		sess.Client.Disconnect()
	}
	sess.mu.Lock()
	sess.Active = false
	sess.mu.Unlock()
}

// AbortSession implements spec §4.E abort_session.
func (m *Manager) AbortSession(sessionID string) {
	sess := m.Get(sessionID)
	if sess == nil {
		return
	}
	if sess.Client != nil {
		if err := sess.Client.Cancel(sess.acpSessionID); err != nil && m.log != nil {
			m.log.Warning("aborting session %s: %v", sessionID, err)
		}
	}
	sess.append(newEvent("abort", map[string]interface{}{}))
}

// DeleteSession destroys (if active) and removes the record entirely.
func (m *Manager) DeleteSession(sessionID string) bool {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.DestroySession(sessionID)
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return true
}

// Get returns the session record, or nil.
func (m *Manager) Get(sessionID string) *ProxySession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// ListSessions implements spec §4.F session.list's backing data.
func (m *Manager) ListSessions() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, map[string]interface{}{
			"sessionId":    s.SessionID,
			"startTime":    s.CreatedAt.Format(time.RFC3339Nano),
			"modifiedTime": s.ModifiedAt.Format(time.RFC3339Nano),
			"summary":      fmt.Sprintf("Session with %s", m.cfg.Backend),
			"isRemote":     false,
		})
	}
	return out
}

// LastSessionID returns the most recently created/resumed session id.
func (m *Manager) LastSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSessionID
}

// Resume rebinds an existing session's event sink and reports whether
// one was found; per the Open Question decision, an unknown id is the
// caller's cue to fall back to CreateSession.
func (m *Manager) Resume(sessionID string, sink EventSink) (*ProxySession, bool) {
	sess := m.Get(sessionID)
	if sess == nil {
		return nil, false
	}
	sess.RebindSink(sink)
	m.mu.Lock()
	m.lastSessionID = sessionID
	m.mu.Unlock()
	sess.append(newEvent("session.resume", map[string]interface{}{"cwd": sess.Cwd}))
	return sess, true
}

// CloseAll destroys every session, used on proxy shutdown (spec §5
// process lifecycle).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.DestroySession(id)
	}
}
