// Package acpagent implements component D: the ACP *agent* role,
// backed by an embedded assistant.Assistant instead of an external
// subprocess. It is driven over a transport.Conn by whatever plays the
// ACP client role against it — in this bridge, an in-process pipe
// wired up by the proxy when a session's backend is the embedded
// assistant rather than a spawned CLI.
package acpagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/logging"
	"github.com/m4xw311/cpp-acp-bridge/transport"
	"github.com/m4xw311/cpp-acp-bridge/uuid"
)

const protocolVersion = 1

// PermissionMode mirrors the ACP session permission-mode enum.
type PermissionMode string

const (
	ModeDefault           PermissionMode = "default"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModePlan              PermissionMode = "plan"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
	ModeDontAsk           PermissionMode = "dontAsk"
)

// toolUseRecord is the cached ToolUseBlock data kept until its result
// arrives.
type toolUseRecord struct {
	name  string
	title string
}

// Session is the AcpSession data-model record (spec §3), owned by D.
type Session struct {
	ID             string
	Cwd            string
	PermissionMode PermissionMode
	Cancelled      bool

	mu          sync.Mutex
	toolUseByID map[string]toolUseRecord
	dedup       dedupState
	cancel      context.CancelFunc
}

func (s *Session) setCancelled(v bool) {
	s.mu.Lock()
	s.Cancelled = v
	s.mu.Unlock()
}

func (s *Session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Cancelled
}

// AssistantFactory builds the embedded assistant used for one session,
// keyed by an opaque model identifier (empty for default).
type AssistantFactory func(ctx context.Context, model string) (assistant.Assistant, error)

// Agent implements the ACP agent role. One Agent serves one
// transport.Conn (one client).
type Agent struct {
	newAssistant AssistantFactory
	log          *logging.Logger
	disableDedup bool

	conn *transport.Conn

	mu       sync.Mutex
	sessions map[string]*Session
	model    string // last model set via set_session_model, applied to new prompts
}

// New creates an Agent. conn must already be wired to a live duplex
// stream; Serve starts reading it. disableDedup plumbs
// Config.DisableDedup through to every session's text_buffer heuristic
// (spec §4.D notes it "should be toggleable").
func New(conn *transport.Conn, newAssistant AssistantFactory, log *logging.Logger, disableDedup bool) *Agent {
	return &Agent{
		conn:         conn,
		newAssistant: newAssistant,
		log:          log,
		disableDedup: disableDedup,
		sessions:     make(map[string]*Session),
	}
}

// Serve reads requests until the connection is closed. Requests other
// than "cancel" are dispatched onto their own goroutine so a long
// in-flight prompt doesn't block reading a subsequent cancel
// notification, per spec §5 (suspension-point cancellation).
func (a *Agent) Serve(ctx context.Context) error {
	for {
		env, err := a.conn.ReadMessage()
		if err != nil {
			return err
		}
		switch {
		case transport.IsResponse(env):
			a.conn.Resolve(env)
		case env.Method == "cancel":
			a.handleCancel(env)
		case len(env.ID) > 0:
			go a.dispatch(ctx, env)
		case env.Method == "ext_notification":
			if a.log != nil {
				a.log.Debug("ext_notification received, no extension registered")
			}
		default:
			if a.log != nil {
				a.log.Debug("ignoring notification %s", env.Method)
			}
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, env *transport.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			a.conn.WriteError(env.ID, transport.CodeInternalError, fmt.Sprintf("panic: %v", r))
		}
	}()

	switch env.Method {
	case "initialize":
		a.handleInitialize(env)
	case "new_session":
		a.handleNewSession(ctx, env)
	case "prompt":
		a.handlePrompt(ctx, env)
	case "set_session_mode":
		a.handleSetSessionMode(env)
	case "set_session_model":
		a.handleSetSessionModel(env)
	case "session/load":
		a.handleSessionLoad(env)
	case "authenticate":
		a.handleAuthenticate(env)
	case "ext_method":
		a.handleExtMethod(env)
	default:
		a.conn.WriteError(env.ID, transport.CodeMethodNotFound, "method not found: "+env.Method)
	}
}

func (a *Agent) handleInitialize(env *transport.Envelope) {
	result := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"agentCapabilities": map[string]interface{}{
			"promptCapabilities": map[string]bool{
				"image":           true,
				"embeddedContext": true,
			},
			"sessionCapabilities": map[string]interface{}{
				"fork":   map[string]interface{}{},
				"list":   map[string]interface{}{},
				"resume": map[string]interface{}{},
			},
		},
		"agentInfo": map[string]string{
			"name":    "cpp-acp-bridge-embedded",
			"title":   "Embedded Assistant",
			"version": "0.1.0",
		},
		"authMethods": []map[string]string{
			{"id": "claude-login", "name": "Log in with Claude Code", "description": "Run `claude /login` in the terminal"},
		},
	}
	a.conn.WriteResult(env.ID, result)
}

func (a *Agent) handleNewSession(ctx context.Context, env *transport.Envelope) {
	var p struct {
		Cwd string `json:"cwd"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}

	id := uuid.New()
	sess := &Session{
		ID:             id,
		Cwd:            p.Cwd,
		PermissionMode: ModeDefault,
		toolUseByID:    make(map[string]toolUseRecord),
		dedup:          dedupState{disabled: a.disableDedup},
	}
	a.mu.Lock()
	a.sessions[id] = sess
	a.mu.Unlock()

	if a.log != nil {
		a.log.Info("new session %s in %s", id, p.Cwd)
	}

	a.conn.WriteResult(env.ID, map[string]interface{}{
		"sessionId": id,
		"modes": map[string]interface{}{
			"currentModeId": "default",
			"availableModes": []map[string]string{
				{"id": "default", "name": "Default", "description": "Standard behavior, prompts for dangerous operations"},
				{"id": "acceptEdits", "name": "Accept Edits", "description": "Auto-accept file edit operations"},
				{"id": "plan", "name": "Plan Mode", "description": "Planning mode, no actual tool execution"},
				{"id": "bypassPermissions", "name": "Bypass Permissions", "description": "Bypass all permission checks"},
			},
		},
	})
}

func (a *Agent) handleSetSessionMode(env *transport.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
		ModeID    string `json:"modeId"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	sess := a.session(p.SessionID)
	if sess == nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, "session not found: "+p.SessionID)
		return
	}
	switch PermissionMode(p.ModeID) {
	case ModeDefault, ModeAcceptEdits, ModePlan, ModeBypassPermissions, ModeDontAsk:
		sess.mu.Lock()
		sess.PermissionMode = PermissionMode(p.ModeID)
		sess.mu.Unlock()
		a.conn.WriteResult(env.ID, map[string]interface{}{})
	default:
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, "invalid mode: "+p.ModeID)
	}
}

func (a *Agent) handleSetSessionModel(env *transport.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
		ModelID   string `json:"modelId"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	if a.session(p.SessionID) == nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, "session not found: "+p.SessionID)
		return
	}
	a.mu.Lock()
	a.model = p.ModelID
	a.mu.Unlock()
	if a.log != nil {
		a.log.Info("model change requested for session %s: %s", p.SessionID, p.ModelID)
	}
	a.conn.WriteResult(env.ID, map[string]interface{}{})
}

// handleSessionLoad resumes a session this Agent already holds in
// memory. There is no on-disk session store in this bridge (spec.md
// names persistent session storage across restarts as a Non-goal), so
// "resume" here only ever succeeds for a session created earlier in
// this same process — there is no history to replay beyond what the
// session's own toolUseByID/dedup state already carries.
func (a *Agent) handleSessionLoad(env *transport.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
		Cwd       string `json:"cwd"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	sess := a.session(p.SessionID)
	if sess == nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, "no in-memory session to resume: "+p.SessionID)
		return
	}
	sess.mu.Lock()
	modeID := string(sess.PermissionMode)
	sess.mu.Unlock()
	a.conn.WriteResult(env.ID, map[string]interface{}{
		"modes": map[string]interface{}{
			"currentModeId": modeID,
			"availableModes": []map[string]string{
				{"id": "default", "name": "Default", "description": "Standard behavior, prompts for dangerous operations"},
				{"id": "acceptEdits", "name": "Accept Edits", "description": "Auto-accept file edit operations"},
				{"id": "plan", "name": "Plan Mode", "description": "Planning mode, no actual tool execution"},
				{"id": "bypassPermissions", "name": "Bypass Permissions", "description": "Bypass all permission checks"},
			},
		},
	})
}

// handleAuthenticate answers the single auth method handleInitialize
// advertises. There's no real login flow behind it — "claude-login"
// stands for whatever credential the embedded assistant's SDK client
// already picked up from its environment — so any other methodId is
// rejected and the advertised one always succeeds.
func (a *Agent) handleAuthenticate(env *transport.Envelope) {
	var p struct {
		MethodID string `json:"methodId"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	if p.MethodID != "claude-login" {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, "unknown auth method: "+p.MethodID)
		return
	}
	a.conn.WriteResult(env.ID, map[string]interface{}{})
}

// handleExtMethod answers the ACP extension-method escape hatch.
// assistant.Assistant has no extension hook of its own, so this is a
// no-op acknowledgement rather than a real pass-through; it exists so a
// client probing for a backend-specific extension gets an empty result
// instead of method-not-found.
func (a *Agent) handleExtMethod(env *transport.Envelope) {
	a.conn.WriteResult(env.ID, map[string]interface{}{})
}

func (a *Agent) handleCancel(env *transport.Envelope) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return
	}
	if sess := a.session(p.SessionID); sess != nil {
		sess.setCancelled(true)
		if a.log != nil {
			a.log.Info("session %s cancelled", p.SessionID)
		}
	}
}

func (a *Agent) session(id string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

// contentBlock mirrors the wire shape of one element of a prompt array.
type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Resource *struct {
		URI  string `json:"uri"`
		Text string `json:"text,omitempty"`
	} `json:"resource,omitempty"`
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`
}

// flattenPrompt implements spec §4.D prompt translation.
func flattenPrompt(blocks []contentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "resource":
			if b.Resource != nil && b.Resource.Text != "" {
				parts = append(parts, fmt.Sprintf("\n<context ref=\"%s\">\n%s\n</context>", b.Resource.URI, b.Resource.Text))
			}
		case "resource_link":
			name := b.Name
			if name == "" {
				segs := strings.Split(b.URI, "/")
				name = segs[len(segs)-1]
			}
			parts = append(parts, fmt.Sprintf("[@%s](%s)", name, b.URI))
		}
	}
	return strings.Join(parts, "\n")
}

func (a *Agent) handlePrompt(ctx context.Context, env *transport.Envelope) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	sess := a.session(p.SessionID)
	if sess == nil {
		a.conn.WriteError(env.ID, transport.CodeInvalidParams, "session not found: "+p.SessionID)
		return
	}
	sess.setCancelled(false)
	sess.mu.Lock()
	sess.dedup = dedupState{disabled: sess.dedup.disabled}
	sess.mu.Unlock()

	promptText := flattenPrompt(p.Prompt)
	if a.log != nil {
		preview := promptText
		if len(preview) > 100 {
			preview = preview[:100]
		}
		a.log.Info("prompt for session %s: %s...", p.SessionID, preview)
	}

	a.mu.Lock()
	model := a.model
	a.mu.Unlock()

	ast, err := a.newAssistant(ctx, model)
	if err != nil {
		a.conn.WriteError(env.ID, transport.CodeInternalError, err.Error())
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	sess.mu.Lock()
	sess.cancel = cancel
	sess.mu.Unlock()
	defer cancel()

	canUseTool := a.permissionCallback(turnCtx, sess)

	events, err := ast.Run(turnCtx, promptText, canUseTool)
	if err != nil {
		a.conn.WriteError(env.ID, transport.CodeInternalError, err.Error())
		return
	}

	stopReason := "end_turn"
eventLoop:
	for ev := range events {
		if sess.isCancelled() {
			cancel()
			stopReason = "cancelled"
			for range events {
				// drain
			}
			break eventLoop
		}
		if ev.Err != nil {
			a.conn.WriteError(env.ID, transport.CodeInternalError, ev.Err.Error())
			return
		}
		if ev.Message != nil {
			a.handleMessage(p.SessionID, sess, ev.Message)
		}
		if ev.Stream != nil {
			a.handleStreamEvent(p.SessionID, sess, ev.Stream)
		}
		if ev.Done {
			break eventLoop
		}
	}

	a.conn.WriteResult(env.ID, map[string]string{"stopReason": stopReason})
}

func (a *Agent) handleMessage(sessionID string, sess *Session, msg *assistant.Message) {
	for _, block := range msg.Content {
		switch block.Kind {
		case assistant.BlockText:
			a.emitText(sessionID, sess, block.Text)
		case assistant.BlockThinking:
			a.notify(sessionID, "agent_thought_chunk", map[string]interface{}{
				"content": map[string]string{"type": "text", "text": block.Text},
			})
		case assistant.BlockToolUse:
			title := toolTitle(block.ToolName, block.ToolInput)
			sess.mu.Lock()
			sess.toolUseByID[block.ToolUseID] = toolUseRecord{name: block.ToolName, title: title}
			sess.mu.Unlock()
			a.notify(sessionID, "tool_call", map[string]interface{}{
				"toolCallId": block.ToolUseID,
				"title":      title,
				"status":     "pending",
				"rawInput":   block.ToolInput,
			})
		case assistant.BlockToolResult:
			status := "completed"
			if block.IsError {
				status = "failed"
			}
			a.notify(sessionID, "tool_call_update", map[string]interface{}{
				"toolCallId": block.ToolResultID,
				"status":     status,
				"rawOutput":  block.ToolOutput,
			})
			sess.mu.Lock()
			delete(sess.toolUseByID, block.ToolResultID)
			sess.mu.Unlock()
		}
	}
}

func (a *Agent) handleStreamEvent(sessionID string, sess *Session, ev *assistant.StreamEvent) {
	switch ev.Kind {
	case assistant.StreamTextDelta:
		if ev.Delta != "" {
			a.emitText(sessionID, sess, ev.Delta)
		}
	case assistant.StreamThinkingDelta:
		if ev.Delta != "" {
			a.notify(sessionID, "agent_thought_chunk", map[string]interface{}{
				"content": map[string]string{"type": "text", "text": ev.Delta},
			})
		}
	}
}

// emitText applies the streaming dedup heuristic (spec §4.D) before
// notifying.
func (a *Agent) emitText(sessionID string, sess *Session, t string) {
	sess.mu.Lock()
	out, emit := sess.dedup.apply(t)
	sess.mu.Unlock()
	if !emit {
		return
	}
	a.notify(sessionID, "agent_message_chunk", map[string]interface{}{
		"content": map[string]string{"type": "text", "text": out},
	})
}

func (a *Agent) notify(sessionID, kind string, update map[string]interface{}) {
	update["sessionUpdate"] = kind
	params, _ := json.Marshal(map[string]interface{}{
		"sessionId": sessionID,
		"update":    update,
	})
	if err := a.conn.WriteNotification("session/update", params); err != nil && a.log != nil {
		a.log.Warning("writing session/update: %v", err)
	}
}

// dedupState implements the per-prompt text_buffer dedup heuristic.
type dedupState struct {
	buffer   string
	disabled bool
}

// apply returns (text to emit, whether to emit anything).
func (d *dedupState) apply(t string) (string, bool) {
	if d.disabled {
		return t, true
	}
	if d.buffer == "" {
		d.buffer = t
		return t, true
	}
	if t == d.buffer {
		return "", false
	}
	if strings.HasPrefix(t, d.buffer) {
		suffix := t[len(d.buffer):]
		d.buffer = t
		return suffix, true
	}
	d.buffer += t
	return t, true
}

// toolTitle derives a human-readable title per spec §4.D's fixed rule.
func toolTitle(name string, input json.RawMessage) string {
	var fields map[string]interface{}
	_ = json.Unmarshal(input, &fields)
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := fields[k].(string); ok {
				return v
			}
		}
		return ""
	}

	switch name {
	case "Read":
		return "Read " + str("file_path", "path")
	case "Write", "Edit":
		return name + " " + str("file_path", "path")
	case "Bash":
		cmd := str("command")
		if len(cmd) > 50 {
			return "Run: " + cmd[:50] + "…"
		}
		return "Run: " + cmd
	case "Glob":
		return "Find files: " + str("pattern")
	case "Grep":
		return "Search: " + str("pattern")
	default:
		return name
	}
}

// permissionCallback implements spec §4.D permission auto-allow rules,
// falling back to a session/request_permission reverse-call.
func (a *Agent) permissionCallback(ctx context.Context, sess *Session) assistant.CanUseTool {
	return func(ctx context.Context, toolName string, toolInput json.RawMessage) (assistant.PermissionDecision, error) {
		sess.mu.Lock()
		mode := sess.PermissionMode
		sess.mu.Unlock()

		if mode == ModeBypassPermissions {
			return assistant.PermissionDecision{Allow: true}, nil
		}
		if mode == ModeAcceptEdits && (toolName == "Write" || toolName == "Edit" || toolName == "MultiEdit") {
			return assistant.PermissionDecision{Allow: true}, nil
		}

		id, ch := a.conn.NextID()
		title := toolTitle(toolName, toolInput)
		params, _ := json.Marshal(map[string]interface{}{
			"sessionId": sess.ID,
			"options": []map[string]string{
				{"kind": "allow_always", "name": "Always Allow", "optionId": "allow_always"},
				{"kind": "allow_once", "name": "Allow", "optionId": "allow"},
				{"kind": "reject_once", "name": "Reject", "optionId": "reject"},
			},
			"toolCall": map[string]interface{}{
				"toolCallId": uuid.New(),
				"title":      title,
				"rawInput":   toolInput,
			},
		})
		if err := a.conn.WriteMessage(&transport.Envelope{ID: id, Method: "session/request_permission", Params: params}); err != nil {
			return assistant.PermissionDecision{Allow: false, Reason: "permission request failed"}, nil
		}

		select {
		case resp := <-ch:
			if resp.Error != nil {
				return assistant.PermissionDecision{Allow: false, Reason: "user denied permission"}, nil
			}
			var out struct {
				Outcome struct {
					Outcome  string `json:"outcome"`
					OptionID string `json:"optionId"`
				} `json:"outcome"`
			}
			if err := json.Unmarshal(resp.Result, &out); err == nil && out.Outcome.Outcome == "selected" {
				if out.Outcome.OptionID == "allow" || out.Outcome.OptionID == "allow_always" {
					return assistant.PermissionDecision{Allow: true}, nil
				}
			}
			return assistant.PermissionDecision{Allow: false, Reason: "user denied permission"}, nil
		case <-ctx.Done():
			return assistant.PermissionDecision{Allow: false, Reason: "cancelled"}, ctx.Err()
		}
	}
}
