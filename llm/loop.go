package llm

import (
	"context"
	"encoding/json"

	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/tools"
)

// ToolCall is one function-call request surfaced by a backend turn.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]interface{}
}

// Msg is the backend-agnostic message history entry each backend's
// TurnFunc converts to and from its own wire format. This
// replaces the predecessor's session.Message now that persisted
// session history is out of scope (spec.md Non-goals); history here
// lives only for the duration of one Run call.
type Msg struct {
	Role      string // "user", "assistant", "tool", "system"
	Content   string
	ToolCalls []ToolCall
}

// TurnFunc performs one model call given the accumulated history and
// the active toolset, returning the assistant's reply as a Msg
// (Content and/or ToolCalls populated).
type TurnFunc func(ctx context.Context, history []Msg, availableTools []tools.Tool) (*Msg, error)

// RunToolLoop drives the assistant.Assistant streaming contract
// (spec §6.4) on top of a backend's single-shot TurnFunc: it calls
// turn repeatedly, translating each reply into assistant.Event values
// and executing any requested tool calls against registry, honoring
// canUseTool for permission interception before every execution. This
// is the generalized shape of the predecessor's agent.processTurn
// LLM-then-tool loop, now emitting a channel of streaming events
// instead of mutating a session.Session in place.
func RunToolLoop(ctx context.Context, prompt string, canUseTool assistant.CanUseTool, registry *tools.ToolRegistry, activeTools []tools.Tool, turn TurnFunc) (<-chan assistant.Event, error) {
	events := make(chan assistant.Event, 8)

	go func() {
		defer close(events)

		history := []Msg{{Role: "user", Content: prompt}}

		for {
			if ctx.Err() != nil {
				events <- assistant.Event{Done: true}
				return
			}

			reply, err := turn(ctx, history, activeTools)
			if err != nil {
				events <- assistant.Event{Err: err}
				return
			}

			var blocks []assistant.Block
			if reply.Content != "" {
				blocks = append(blocks, assistant.Block{Kind: assistant.BlockText, Text: reply.Content})
			}
			for _, tc := range reply.ToolCalls {
				input, _ := json.Marshal(tc.Args)
				blocks = append(blocks, assistant.Block{
					Kind:      assistant.BlockToolUse,
					ToolUseID: tc.ID,
					ToolName:  tc.Name,
					ToolInput: input,
				})
			}
			if len(blocks) > 0 {
				events <- assistant.Event{Message: &assistant.Message{Content: blocks}}
			}

			history = append(history, Msg{Role: "assistant", Content: reply.Content, ToolCalls: reply.ToolCalls})

			if len(reply.ToolCalls) == 0 {
				events <- assistant.Event{Done: true}
				return
			}

			for _, tc := range reply.ToolCalls {
				result, isError := executeTool(ctx, canUseTool, registry, tc)
				output, _ := json.Marshal(result)
				events <- assistant.Event{Message: &assistant.Message{Content: []assistant.Block{{
					Kind:         assistant.BlockToolResult,
					ToolResultID: tc.ID,
					ToolOutput:   output,
					IsError:      isError,
				}}}}
				history = append(history, Msg{Role: "tool", Content: result, ToolCalls: []ToolCall{tc}})

				if ctx.Err() != nil {
					events <- assistant.Event{Done: true}
					return
				}
			}
		}
	}()

	return events, nil
}

func executeTool(ctx context.Context, canUseTool assistant.CanUseTool, registry *tools.ToolRegistry, tc ToolCall) (result string, isError bool) {
	input, _ := json.Marshal(tc.Args)
	if canUseTool != nil {
		decision, err := canUseTool(ctx, tc.Name, input)
		if err != nil {
			return "permission check failed: " + err.Error(), true
		}
		if !decision.Allow {
			reason := decision.Reason
			if reason == "" {
				reason = "user denied permission"
			}
			return reason, true
		}
	}

	tool, ok := registry.GetTool(tc.Name)
	if !ok {
		return "tool not found: " + tc.Name, true
	}
	out, err := tool.Execute(ctx, tc.Args)
	if err != nil {
		return err.Error(), true
	}
	return out, false
}
