// Package assistant defines the narrow streaming boundary between the
// ACP agent adapter (component D) and an embedded assistant SDK, per
// spec §6.4. The embedded assistant SDK itself is an external
// collaborator out of scope for this system; this package only
// defines the interface shape D programs against, plus the concrete
// implementations in the sibling llm package.
package assistant

import (
	"context"
	"encoding/json"
)

// BlockKind tags one element of an AssistantMessage's content.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockThinking   BlockKind = "thinking"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// Block carries exactly the fields relevant to its Kind; callers
// switch on Kind before reading the others.
type Block struct {
	Kind BlockKind

	// BlockText / BlockThinking
	Text string

	// BlockToolUse
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage

	// BlockToolResult
	ToolResultID string
	ToolOutput   json.RawMessage
	IsError      bool
}

// Message is a complete assistant turn message, built from one or more
// Blocks.
type Message struct {
	Content []Block
}

// StreamEventKind distinguishes the two incremental delta kinds the
// upstream assistant stream emits between full Messages.
type StreamEventKind string

const (
	StreamTextDelta     StreamEventKind = "text_delta"
	StreamThinkingDelta StreamEventKind = "thinking_delta"
)

// StreamEvent is an incremental content_block_delta-style update.
type StreamEvent struct {
	Kind  StreamEventKind
	Delta string
}

// Event is the sum type flowing out of Assistant.Run: exactly one of
// Message or Stream is non-nil, or Done is set to signal turn
// completion, or Err is set to report a failed turn.
type Event struct {
	Message *Message
	Stream  *StreamEvent
	Done    bool
	Err     error
}

// PermissionDecision is returned by a CanUseTool callback.
type PermissionDecision struct {
	Allow  bool
	Reason string // populated when Allow is false
}

// CanUseTool is invoked by an Assistant implementation before
// executing a tool call, letting component D interpose a permission
// round-trip across the ACP wire.
type CanUseTool func(ctx context.Context, toolName string, toolInput json.RawMessage) (PermissionDecision, error)

// Assistant is the narrow interface an embedded assistant SDK backend
// must satisfy. Run streams one turn's worth of Events in response to
// a flattened prompt string, honoring ctx cancellation (component D
// cancels ctx when AcpSession.Cancelled is observed at the next
// suspension point).
type Assistant interface {
	Run(ctx context.Context, prompt string, canUseTool CanUseTool) (<-chan Event, error)
}
