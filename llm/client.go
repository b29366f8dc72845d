package llm

import (
	"context"
	"fmt"

	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/tools"
)

// MockAssistant is a configurable assistant.Assistant that stands in
// for a real backend; it returns one mock text response, or
// one mock tool call followed by a configured response to the tool
// result, without making any network call.
type MockAssistant struct {
	MockResponseContent string
	MockToolResponse    string
	ReturnToolCall      bool
	ToolNameToCall      string
	ToolArgsToCall      map[string]interface{}
}

// Run implements assistant.Assistant.
func (m *MockAssistant) Run(ctx context.Context, prompt string, canUseTool assistant.CanUseTool) (<-chan assistant.Event, error) {
	return RunToolLoop(ctx, prompt, canUseTool, tools.NewEmptyToolRegistry(), nil, m.turn)
}

func (m *MockAssistant) turn(ctx context.Context, history []Msg, availableTools []tools.Tool) (*Msg, error) {
	fmt.Println("\n--- MOCK ASSISTANT ---")
	fmt.Printf("Received %d messages.\n", len(history))

	if len(history) > 0 && history[len(history)-1].Role == "tool" {
		fmt.Println("MockAssistant: Received tool response. Returning configured MockToolResponse.")
		return &Msg{Role: "assistant", Content: m.MockToolResponse}, nil
	}

	if m.ReturnToolCall {
		fmt.Println("MockAssistant: Returning a mock tool call.")
		return &Msg{
			Role: "assistant",
			ToolCalls: []ToolCall{{
				ID:   "mock_call_1",
				Name: m.ToolNameToCall,
				Args: m.ToolArgsToCall,
			}},
		}, nil
	}

	fmt.Println("MockAssistant: Returning a mock text response.")
	return &Msg{Role: "assistant", Content: m.MockResponseContent}, nil
}
