// Package cppserver implements component F: the framed JSON-RPC server
// that speaks the outer Control-Plane Protocol on stdio and drives a
// proxy.Manager (component E) for every session.
package cppserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m4xw311/cpp-acp-bridge/config"
	"github.com/m4xw311/cpp-acp-bridge/errors"
	"github.com/m4xw311/cpp-acp-bridge/logging"
	"github.com/m4xw311/cpp-acp-bridge/proxy"
	"github.com/m4xw311/cpp-acp-bridge/transport"
	"github.com/m4xw311/cpp-acp-bridge/uuid"
)

// ProtocolVersion is the CPP protocol version this server reports.
const ProtocolVersion = 2

// Version is this bridge's own reported version string.
const Version = "0.1.0"

// Server is the CPP-facing front door: one per process, one *Conn,
// driving one proxy.Manager.
type Server struct {
	conn    *transport.Conn
	manager *proxy.Manager
	cfg     *config.Config
	log     *logging.Logger
}

// New builds a Server around an already-open framed connection.
func New(conn *transport.Conn, manager *proxy.Manager, cfg *config.Config, log *logging.Logger) *Server {
	return &Server{conn: conn, manager: manager, cfg: cfg, log: log}
}

// Serve reads framed CPP requests until the connection closes or ctx
// is cancelled, dispatching each to its handler. Per spec §5, each
// request is dispatched on its own goroutine so a slow session.send
// cannot stall a concurrent ping or session.abort on another session.
func (s *Server) Serve(ctx context.Context) error {
	for {
		env, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if transport.IsResponse(env) {
			// The CPP side never receives responses to calls it didn't
			// make; nothing outbound from this server expects one.
			continue
		}
		go s.dispatch(ctx, env)
	}
}

func (s *Server) dispatch(ctx context.Context, env *transport.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			if len(env.ID) > 0 {
				_ = s.conn.WriteError(env.ID, transport.CodeInternalError, errors.New("panic in handler: %v", r).Error())
			}
			if s.log != nil {
				s.log.Error("panic handling %s: %v", env.Method, r)
			}
		}
	}()

	result, err := s.handle(ctx, env.Method, env.Params)
	if len(env.ID) == 0 {
		return // notification; no response expected even on error
	}
	if err != nil {
		code := transport.CodeInternalError
		if _, ok := err.(*unknownMethodError); ok {
			code = transport.CodeMethodNotFound
		}
		_ = s.conn.WriteError(env.ID, code, err.Error())
		return
	}
	if err := s.conn.WriteResult(env.ID, result); err != nil && s.log != nil {
		s.log.Warning("writing result for %s: %v", env.Method, err)
	}
}

type unknownMethodError struct{ method string }

func (e *unknownMethodError) Error() string { return "method not found: " + e.method }

func (s *Server) handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "ping":
		return s.handlePing(params)
	case "status.get":
		return s.handleStatusGet()
	case "auth.getStatus":
		return s.handleAuthGetStatus()
	case "models.list":
		return s.handleModelsList()
	case "session.create":
		return s.handleSessionCreate(ctx, params)
	case "session.resume":
		return s.handleSessionResume(ctx, params)
	case "session.send":
		return s.handleSessionSend(ctx, params)
	case "session.destroy":
		return s.handleSessionDestroy(params)
	case "session.abort":
		return s.handleSessionAbort(params)
	case "session.list":
		return s.handleSessionList()
	case "session.delete":
		return s.handleSessionDelete(params)
	case "session.getMessages":
		return s.handleSessionGetMessages(params)
	case "session.getLastId":
		return s.handleSessionGetLastID()
	case "session.getForeground":
		return s.handleSessionGetLastID()
	case "session.setForeground":
		return map[string]interface{}{"success": true}, nil
	default:
		return nil, &unknownMethodError{method: method}
	}
}

// emit appends an F-originated event to sessionID's log via
// ProxySession.Emit, which also forwards it through the bound sink.
func (s *Server) emit(sessionID, typ string, data map[string]interface{}) {
	if sess := s.manager.Get(sessionID); sess != nil {
		sess.Emit(typ, data)
	}
}

// eventSink returns the sink bound into every ProxySession's
// event_sink field: forward each appended event as a session.event
// notification on this connection.
func (s *Server) eventSink(sessionID string) proxy.EventSink {
	return func(ev proxy.Event) {
		s.writeSessionEvent(sessionID, ev)
	}
}

func (s *Server) writeSessionEvent(sessionID string, ev proxy.Event) {
	if err := s.conn.WriteNotification("session.event", map[string]interface{}{
		"sessionId": sessionID,
		"event":     ev,
	}); err != nil && s.log != nil {
		s.log.Warning("writing session.event for %s: %v", sessionID, err)
	}
}

func (s *Server) handlePing(params json.RawMessage) (interface{}, error) {
	var p struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(params, &p)
	msg := p.Message
	if msg == "" {
		msg = "pong"
	}
	return map[string]interface{}{
		"message":         msg,
		"timestamp":       time.Now().UnixMilli(),
		"protocolVersion": ProtocolVersion,
	}, nil
}

func (s *Server) handleStatusGet() (interface{}, error) {
	return map[string]interface{}{
		"version":         Version,
		"protocolVersion": ProtocolVersion,
	}, nil
}

func (s *Server) handleAuthGetStatus() (interface{}, error) {
	return map[string]interface{}{
		"isAuthenticated": true,
		"authType":        "env",
		"host":            "https://github.com",
		"login":           "proxy-user",
		"statusMessage":   "Connected via ACP Proxy to " + s.cfg.Backend,
	}, nil
}

func (s *Server) handleModelsList() (interface{}, error) {
	ids := proxy.ModelsForBackend(s.cfg.Backend)
	models := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		models = append(models, map[string]interface{}{
			"id":           id,
			"name":         id,
			"capabilities": map[string]interface{}{},
		})
	}
	return map[string]interface{}{"models": models}, nil
}

type sessionCreateParams struct {
	SessionID        string                              `json:"sessionId"`
	Model            string                              `json:"model"`
	WorkingDirectory string                              `json:"workingDirectory"`
	MCPServers       map[string]config.CopilotMCPServer `json:"mcpServers"`
}

func (s *Server) handleSessionCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p sessionCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.Wrapf(err, "invalid session.create params")
	}
	sess, err := s.manager.CreateSession(ctx, proxy.CreateOptions{
		SessionID:  p.SessionID,
		Model:      p.Model,
		Cwd:        p.WorkingDirectory,
		MCPServers: p.MCPServers,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating session")
	}
	sess.RebindSink(s.eventSink(sess.SessionID))

	s.emit(sess.SessionID, "session.start", map[string]interface{}{"cwd": sess.Cwd, "model": modelOrDefault(p.Model)})

	return map[string]interface{}{
		"sessionId":     sess.SessionID,
		"workspacePath": sess.Cwd,
	}, nil
}

func modelOrDefault(m string) string {
	if m == "" {
		return "default"
	}
	return m
}

func (s *Server) handleSessionResume(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.Wrapf(err, "invalid session.resume params")
	}
	if p.SessionID == "" {
		return nil, errors.New("sessionId is required")
	}
	if sess, found := s.manager.Resume(p.SessionID, s.eventSink(p.SessionID)); found {
		return map[string]interface{}{
			"sessionId":     sess.SessionID,
			"workspacePath": sess.Cwd,
		}, nil
	}
	if s.log != nil {
		s.log.Warning("session.resume: unknown session %s, creating it", p.SessionID)
	}
	return s.handleSessionCreate(ctx, params)
}

func (s *Server) handleSessionSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		Prompt    string `json:"prompt"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.Wrapf(err, "invalid session.send params")
	}
	if p.SessionID == "" {
		return nil, errors.New("sessionId is required")
	}
	if p.Prompt == "" {
		return nil, errors.New("prompt is required")
	}

	messageID := uuid.New()
	s.emit(p.SessionID, "user.message", map[string]interface{}{"content": p.Prompt, "messageId": messageID})

	turnID := uuid.New()
	s.emit(p.SessionID, "assistant.turn_start", map[string]interface{}{"turnId": turnID})

	if err := s.manager.SendMessage(ctx, p.SessionID, p.Prompt); err != nil {
		s.emit(p.SessionID, "session.error", map[string]interface{}{"error": err.Error()})
		return nil, errors.Wrapf(err, "sending message")
	}

	sess := s.manager.Get(p.SessionID)
	content := ""
	if sess != nil {
		content = sess.LastResponse()
	}
	s.emit(p.SessionID, "assistant.message", map[string]interface{}{
		"messageId":    messageID,
		"content":      content,
		"toolRequests": []interface{}{},
	})

	return map[string]interface{}{"messageId": messageID}, nil
}

func (s *Server) handleSessionDestroy(params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.Wrapf(err, "invalid session.destroy params")
	}
	if p.SessionID != "" {
		// DestroySession itself emits session.shutdown (spec §4.E); F
		// only needs to trigger it, not duplicate the event.
		s.manager.DestroySession(p.SessionID)
	}
	return map[string]interface{}{}, nil
}

func (s *Server) handleSessionAbort(params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.Wrapf(err, "invalid session.abort params")
	}
	if p.SessionID != "" {
		s.manager.AbortSession(p.SessionID)
	}
	return map[string]interface{}{}, nil
}

func (s *Server) handleSessionList() (interface{}, error) {
	return map[string]interface{}{"sessions": s.manager.ListSessions()}, nil
}

func (s *Server) handleSessionDelete(params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.Wrapf(err, "invalid session.delete params")
	}
	success := false
	if p.SessionID != "" {
		success = s.manager.DeleteSession(p.SessionID)
	}
	return map[string]interface{}{"success": success}, nil
}

func (s *Server) handleSessionGetMessages(params json.RawMessage) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errors.Wrapf(err, "invalid session.getMessages params")
	}
	var events []proxy.Event
	if p.SessionID != "" {
		if sess := s.manager.Get(p.SessionID); sess != nil {
			events = sess.Events()
		}
	}
	if events == nil {
		events = []proxy.Event{}
	}
	return map[string]interface{}{"events": events}, nil
}

func (s *Server) handleSessionGetLastID() (interface{}, error) {
	return map[string]interface{}{"sessionId": s.manager.LastSessionID()}, nil
}
