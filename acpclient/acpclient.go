// Package acpclient implements component B: it spawns an ACP agent
// subprocess, speaks the framed transport over its stdio pipes, and
// drives the ACP client-side method surface (initialize, new_session,
// prompt, cancel, set_session_mode, set_session_model), dispatching
// inbound session/update notifications and agent→client reverse calls
// to registered callbacks.
package acpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/m4xw311/cpp-acp-bridge/errors"
	"github.com/m4xw311/cpp-acp-bridge/logging"
	"github.com/m4xw311/cpp-acp-bridge/transport"
)

const protocolVersion = 1

// PermissionOption is one of the three choices offered to a
// session/request_permission reverse-call.
type PermissionOption struct {
	OptionID string
	Name     string
}

// MCPServer is the ACP stub's list form passed to new_session.
type MCPServer struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"`
}

// Callbacks wires inbound agent traffic to the caller (component E in
// production, a test harness otherwise). Every field may be left nil;
// a nil callback is treated as a no-op / default-allow.
type Callbacks struct {
	OnText      func(text string)
	OnThinking  func(text string)
	OnToolStart func(id, title string, rawInput json.RawMessage)
	OnToolEnd   func(id, status string, rawOutput json.RawMessage)
	OnComplete  func()
	OnError     func(err error)

	// Reverse calls, routed by the caller to component C or a
	// permission handler.
	OnPermissionRequest   func(ctx context.Context, title string, rawInput json.RawMessage, options []PermissionOption) (optionID string)
	OnReadTextFile        func(ctx context.Context, path string) (content string, errMsg string)
	OnWriteTextFile       func(ctx context.Context, path, content string) (errMsg string)
	OnCreateTerminal      func(ctx context.Context, command string, args []string, cwd string, env map[string]string) (terminalID string, errMsg string)
	OnTerminalOutput      func(ctx context.Context, terminalID string) (output string, errMsg string)
	OnWaitForTerminalExit func(ctx context.Context, terminalID string) (exitCode int, errMsg string)
	OnReleaseTerminal     func(ctx context.Context, terminalID string)
	OnKillTerminal        func(ctx context.Context, terminalID string)

	// OnDisconnectKillTerminals is invoked first in Disconnect, before
	// any shutdown escalation, so component C's terminals for this
	// client die before the subprocess does (spec §4.B).
	OnDisconnectKillTerminals func()
}

// Client is one ACP client stub: one subprocess, one framed
// connection, one set of callbacks. A Client is owned exclusively by
// whatever created it (a ProxySession in production).
type Client struct {
	callbacks Callbacks
	log       *logging.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	conn       *transport.Conn
	connected  bool
	pipeCloser io.Closer

	pendingModelMu sync.Mutex
	pendingModel   string

	readerDone chan struct{}
}

// New creates a disconnected Client.
func New(callbacks Callbacks, log *logging.Logger) *Client {
	return &Client{callbacks: callbacks, log: log}
}

// Connect spawns command+args with the inherited environment
// (augmented by envOverrides) and performs the initialize handshake.
// Connect is idempotent: a second call on an already-connected Client
// is a no-op.
func (c *Client) Connect(ctx context.Context, command string, args []string, envOverrides map[string]string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range envOverrides {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrapf(err, "creating stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(err, "creating stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting ACP agent subprocess %s", command)
	}

	conn := transport.NewConn(stdout, stdin, transportLogger{c.log})

	c.mu.Lock()
	c.cmd = cmd
	c.conn = conn
	c.connected = true
	c.readerDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop()

	if err := c.initialize(ctx); err != nil {
		c.Disconnect()
		return errors.Wrapf(err, "initialize failed")
	}
	return nil
}

// ConnectPipes wires the client directly to an in-process agent over an
// already-open reader/writer pair, skipping subprocess spawn entirely.
// closer is whatever Disconnect should close to unblock both ends of
// the pipe (see proxy's embedded-agent wiring, which passes the two
// io.PipeWriter/io.PipeReader ends it owns). ConnectPipes is idempotent
// like Connect.
func (c *Client) ConnectPipes(ctx context.Context, r io.Reader, w io.Writer, closer io.Closer) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn := transport.NewConn(r, w, transportLogger{c.log})

	c.mu.Lock()
	c.cmd = nil
	c.conn = conn
	c.pipeCloser = closer
	c.connected = true
	c.readerDone = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop()

	if err := c.initialize(ctx); err != nil {
		c.Disconnect()
		return errors.Wrapf(err, "initialize failed")
	}
	return nil
}

type transportLogger struct{ log *logging.Logger }

func (t transportLogger) Warning(format string, a ...interface{}) {
	if t.log != nil {
		t.log.Warning(format, a...)
	}
}
func (t transportLogger) Debug(format string, a ...interface{}) {
	if t.log != nil {
		t.log.Debug(format, a...)
	}
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		env, err := c.conn.ReadMessage()
		if err != nil {
			c.conn.Abort(err)
			if c.callbacks.OnError != nil {
				c.callbacks.OnError(err)
			}
			return
		}
		switch {
		case transport.IsResponse(env):
			c.conn.Resolve(env)
		case len(env.ID) > 0 && env.Method != "":
			c.handleReverseCall(env)
		default:
			c.handleNotification(env)
		}
	}
}

func (c *Client) initialize(ctx context.Context) error {
	params, _ := json.Marshal(map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]string{"name": "cpp-acp-bridge", "version": "0.1.0"},
	})
	_, err := c.call(ctx, "initialize", params)
	return err
}

// call sends a request and blocks for its response.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("not connected")
	}

	id, ch := conn.NextID()
	if err := conn.WriteMessage(&transport.Envelope{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string, params json.RawMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	return conn.WriteNotification(method, params)
}

// NewSession issues new_session and, if a model was set before the
// session existed, applies it via set_session_model and clears the
// pending slot. Failure to apply the pending model is logged, not
// propagated, per spec.
func (c *Client) NewSession(ctx context.Context, cwd string, mcpServers []MCPServer) (string, error) {
	params, _ := json.Marshal(map[string]interface{}{
		"cwd":        cwd,
		"mcpServers": mcpServers,
	})
	result, err := c.call(ctx, "new_session", params)
	if err != nil {
		return "", errors.Wrapf(err, "new_session failed")
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", errors.Wrapf(err, "parsing new_session result")
	}

	c.pendingModelMu.Lock()
	model := c.pendingModel
	c.pendingModel = ""
	c.pendingModelMu.Unlock()
	if model != "" {
		if err := c.SetSessionModel(ctx, out.SessionID, model); err != nil {
			if c.log != nil {
				c.log.Warning("applying pending model %s to session %s: %v", model, out.SessionID, err)
			}
		}
	}

	return out.SessionID, nil
}

// SetPendingModel records a model to be applied to the next session
// created, used when a caller sets a model before new_session.
func (c *Client) SetPendingModel(modelID string) {
	c.pendingModelMu.Lock()
	c.pendingModel = modelID
	c.pendingModelMu.Unlock()
}

// Prompt sends a single text content block and blocks until the agent
// completes the turn, invoking OnComplete on success.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) error {
	params, _ := json.Marshal(map[string]interface{}{
		"sessionId": sessionID,
		"prompt": []map[string]string{
			{"type": "text", "text": text},
		},
	})
	_, err := c.call(ctx, "prompt", params)
	if err != nil {
		return err
	}
	if c.callbacks.OnComplete != nil {
		c.callbacks.OnComplete()
	}
	return nil
}

// Cancel sends the cancel notification; it does not wait for the
// in-flight prompt to resolve.
func (c *Client) Cancel(sessionID string) error {
	params, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	return c.notify("cancel", params)
}

// SetSessionMode issues set_session_mode.
func (c *Client) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	params, _ := json.Marshal(map[string]string{"sessionId": sessionID, "modeId": modeID})
	_, err := c.call(ctx, "set_session_mode", params)
	return err
}

// SetSessionModel issues set_session_model directly (bypassing the
// pending-model slot); used both by NewSession's flush and by callers
// changing the model mid-session.
func (c *Client) SetSessionModel(ctx context.Context, sessionID, modelID string) error {
	params, _ := json.Marshal(map[string]string{"sessionId": sessionID, "modelId": modelID})
	_, err := c.call(ctx, "set_session_model", params)
	return err
}

// Disconnect performs the escalating shutdown: it kills terminals via
// OnDisconnectKillTerminals, fails pending calls, then waits up to 5s
// for the subprocess to exit on its own (its stdin pipe is not closed
// first), sends os.Interrupt and waits 3s, then kills it and waits 2s.
// Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	cmd := c.cmd
	conn := c.conn
	pipeCloser := c.pipeCloser
	c.connected = false
	c.mu.Unlock()

	if c.callbacks.OnDisconnectKillTerminals != nil {
		c.callbacks.OnDisconnectKillTerminals()
	}

	if conn != nil {
		conn.Abort(errors.New("disconnecting"))
	}

	// An embedded agent has no OS process to signal/kill; closing its
	// pipe ends unblocks both read loops and we're done.
	if pipeCloser != nil {
		pipeCloser.Close()
		if c.readerDone != nil {
			waitFor(c.readerDone, 2*time.Second)
		}
		return
	}

	done := make(chan struct{})
	go func() {
		if cmd != nil && cmd.Process != nil {
			cmd.Wait()
		}
		close(done)
	}()

	if waitFor(done, 5*time.Second) {
		return
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(os.Interrupt)
	}
	if waitFor(done, 3*time.Second) {
		return
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	waitFor(done, 2*time.Second)
}

func waitFor(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// sessionUpdateEnvelope is the outer shape of a session/update
// notification's params.
type sessionUpdateEnvelope struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// updateKind discriminates the tagged union in Update.
type updateKind struct {
	SessionUpdate string `json:"sessionUpdate"`
}

func (c *Client) handleNotification(env *transport.Envelope) {
	switch env.Method {
	case "session/update":
		c.handleSessionUpdate(env.Params)
	default:
		if c.log != nil {
			c.log.Debug("ignoring unknown notification %s", env.Method)
		}
	}
}

func (c *Client) handleSessionUpdate(params json.RawMessage) {
	var outer sessionUpdateEnvelope
	if err := json.Unmarshal(params, &outer); err != nil {
		if c.log != nil {
			c.log.Warning("malformed session/update: %v", err)
		}
		return
	}
	var kind updateKind
	if err := json.Unmarshal(outer.Update, &kind); err != nil {
		if c.log != nil {
			c.log.Warning("malformed session/update variant: %v", err)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil && c.callbacks.OnError != nil {
			c.callbacks.OnError(fmt.Errorf("panic handling session/update %s: %v", kind.SessionUpdate, r))
		}
	}()

	switch kind.SessionUpdate {
	case "agent_message_chunk":
		var v struct {
			Content struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(outer.Update, &v); err == nil && c.callbacks.OnText != nil {
			c.callbacks.OnText(v.Content.Text)
		}
	case "agent_thought_chunk":
		var v struct {
			Content struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(outer.Update, &v); err == nil && c.callbacks.OnThinking != nil {
			c.callbacks.OnThinking(v.Content.Text)
		}
	case "tool_call":
		var v struct {
			ToolCallID string          `json:"toolCallId"`
			Title      string          `json:"title"`
			RawInput   json.RawMessage `json:"rawInput"`
		}
		if err := json.Unmarshal(outer.Update, &v); err == nil && c.callbacks.OnToolStart != nil {
			c.callbacks.OnToolStart(v.ToolCallID, v.Title, v.RawInput)
		}
	case "tool_call_update":
		var v struct {
			ToolCallID string          `json:"toolCallId"`
			Status     string          `json:"status"`
			RawOutput  json.RawMessage `json:"rawOutput"`
		}
		if err := json.Unmarshal(outer.Update, &v); err == nil && c.callbacks.OnToolEnd != nil {
			c.callbacks.OnToolEnd(v.ToolCallID, v.Status, v.RawOutput)
		}
	default:
		// Other variants ignored silently per spec.
	}
}

func (c *Client) handleReverseCall(env *transport.Envelope) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			c.conn.WriteError(env.ID, transport.CodeInternalError, fmt.Sprintf("panic: %v", r))
		}
	}()

	switch env.Method {
	case "session/request_permission":
		c.handlePermissionRequest(ctx, env)
	case "fs/read_text_file":
		c.handleReadTextFile(ctx, env)
	case "fs/write_text_file":
		c.handleWriteTextFile(ctx, env)
	case "terminal/create":
		c.handleCreateTerminal(ctx, env)
	case "terminal/output":
		c.handleTerminalOutput(ctx, env)
	case "terminal/wait_for_exit":
		c.handleWaitForExit(ctx, env)
	case "terminal/release":
		c.handleReleaseTerminal(ctx, env)
	case "terminal/kill":
		c.handleKillTerminal(ctx, env)
	default:
		c.conn.WriteError(env.ID, transport.CodeMethodNotFound, "method not found: "+env.Method)
	}
}

func (c *Client) handlePermissionRequest(ctx context.Context, env *transport.Envelope) {
	var p struct {
		Title    string          `json:"title"`
		RawInput json.RawMessage `json:"rawInput"`
		Options  []struct {
			OptionID string `json:"optionId"`
			Name     string `json:"name"`
		} `json:"options"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		c.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	options := make([]PermissionOption, len(p.Options))
	for i, o := range p.Options {
		options[i] = PermissionOption{OptionID: o.OptionID, Name: o.Name}
	}
	optionID := "allow"
	if c.callbacks.OnPermissionRequest != nil {
		optionID = c.callbacks.OnPermissionRequest(ctx, p.Title, p.RawInput, options)
	}
	c.conn.WriteResult(env.ID, map[string]interface{}{
		"outcome": map[string]string{"outcome": "selected", "optionId": optionID},
	})
}

func (c *Client) handleReadTextFile(ctx context.Context, env *transport.Envelope) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		c.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	if c.callbacks.OnReadTextFile == nil {
		c.conn.WriteResult(env.ID, map[string]string{"content": ""})
		return
	}
	content, errMsg := c.callbacks.OnReadTextFile(ctx, p.Path)
	c.conn.WriteResult(env.ID, map[string]string{"content": content, "error": errMsg})
}

func (c *Client) handleWriteTextFile(ctx context.Context, env *transport.Envelope) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		c.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	var errMsg string
	if c.callbacks.OnWriteTextFile != nil {
		errMsg = c.callbacks.OnWriteTextFile(ctx, p.Path, p.Content)
	}
	if errMsg != "" {
		c.conn.WriteError(env.ID, transport.CodeInternalError, errMsg)
		return
	}
	c.conn.WriteResult(env.ID, map[string]interface{}{})
}

func (c *Client) handleCreateTerminal(ctx context.Context, env *transport.Envelope) {
	var p struct {
		Command string            `json:"command"`
		Args    []string          `json:"args"`
		Cwd     string            `json:"cwd"`
		Env     map[string]string `json:"env"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		c.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	if c.callbacks.OnCreateTerminal == nil {
		c.conn.WriteResult(env.ID, map[string]string{"terminalId": "", "error": "terminal service unavailable"})
		return
	}
	id, errMsg := c.callbacks.OnCreateTerminal(ctx, p.Command, p.Args, p.Cwd, p.Env)
	c.conn.WriteResult(env.ID, map[string]string{"terminalId": id, "error": errMsg})
}

func (c *Client) handleTerminalOutput(ctx context.Context, env *transport.Envelope) {
	var p struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		c.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	var output, errMsg string
	if c.callbacks.OnTerminalOutput != nil {
		output, errMsg = c.callbacks.OnTerminalOutput(ctx, p.TerminalID)
	}
	if errMsg != "" {
		c.conn.WriteError(env.ID, transport.CodeInternalError, errMsg)
		return
	}
	c.conn.WriteResult(env.ID, map[string]string{"output": output})
}

func (c *Client) handleWaitForExit(ctx context.Context, env *transport.Envelope) {
	var p struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		c.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	exitCode, errMsg := -1, ""
	if c.callbacks.OnWaitForTerminalExit != nil {
		exitCode, errMsg = c.callbacks.OnWaitForTerminalExit(ctx, p.TerminalID)
	}
	c.conn.WriteResult(env.ID, map[string]interface{}{"exitCode": exitCode, "error": errMsg})
}

func (c *Client) handleReleaseTerminal(ctx context.Context, env *transport.Envelope) {
	var p struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		c.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	if c.callbacks.OnReleaseTerminal != nil {
		c.callbacks.OnReleaseTerminal(ctx, p.TerminalID)
	}
	c.conn.WriteResult(env.ID, map[string]interface{}{})
}

func (c *Client) handleKillTerminal(ctx context.Context, env *transport.Envelope) {
	var p struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		c.conn.WriteError(env.ID, transport.CodeInvalidParams, err.Error())
		return
	}
	if c.callbacks.OnKillTerminal != nil {
		c.callbacks.OnKillTerminal(ctx, p.TerminalID)
	}
	c.conn.WriteResult(env.ID, map[string]interface{}{})
}
