package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/errors"
	"github.com/m4xw311/cpp-acp-bridge/tools"
)

// AnthropicAssistant is an embedded assistant backend satisfying
// assistant.Assistant directly against the Anthropic API.
type AnthropicAssistant struct {
	client   *anthropic.Client
	model    string
	registry *tools.ToolRegistry
	active   []tools.Tool
}

// NewAnthropicAssistant creates a new AnthropicAssistant.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicAssistant(ctx context.Context, modelName string, registry *tools.ToolRegistry, active []tools.Tool) (*AnthropicAssistant, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicAssistant{
		client:   &client,
		model:    modelName,
		registry: registry,
		active:   active,
	}, nil
}

// Run implements assistant.Assistant.
func (a *AnthropicAssistant) Run(ctx context.Context, prompt string, canUseTool assistant.CanUseTool) (<-chan assistant.Event, error) {
	return RunToolLoop(ctx, prompt, canUseTool, a.registry, a.active, a.turn)
}

func (a *AnthropicAssistant) turn(ctx context.Context, history []Msg, availableTools []tools.Tool) (*Msg, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(history)
	anthropicTools := convertToolsToAnthropicTools(availableTools)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages:  anthropicMessages,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	params.Tools = make([]anthropic.ToolUnionParam, len(anthropicTools))
	for i, toolParam := range anthropicTools {
		params.Tools[i] = anthropic.ToolUnionParam{OfTool: &toolParam}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Anthropic")
	}

	return processAnthropicResponse(resp)
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
func convertMessagesToAnthropicMessages(messages []Msg) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				// Handle tool calls
				var contentItems []anthropic.ContentBlockParamUnion
				for _, tc := range msg.ToolCalls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						fmt.Printf("Warning: could not marshal tool call arguments for %s: %v. Skipping.\n", tc.Name, err)
						continue
					}

					contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							Type:  "tool_use",
							ID:    tc.ID,
							Name:  tc.Name,
							Input: argsBytes,
						}})
				}

				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: contentItems,
				})
			} else if msg.Content != "" {
				// Handle regular assistant messages
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{{
						OfText: &anthropic.TextBlockParam{
							Text: msg.Content,
						},
					}},
				})
			}
		case "tool":
			// Handle tool responses
			if len(msg.ToolCalls) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleUser,
					Content: []anthropic.ContentBlockParamUnion{{
						OfToolResult: &anthropic.ToolResultBlockParam{
							ToolUseID: msg.ToolCalls[0].ID,
							Content: []anthropic.ToolResultBlockParamContentUnion{{
								OfText: &anthropic.TextBlockParam{
									Text: msg.Content,
								},
							}},
						},
					},
					}})
			}
		case "system":
			// Handle system messages (take the last one as the system prompt)
			systemPrompt = msg.Content
		}
	}

	return anthropicMessages, systemPrompt
}

// convertToolsToAnthropicTools converts our Tool interface to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Tool) []anthropic.ToolParam {
	if len(ts) == 0 {
		return nil
	}

	var anthropicTools []anthropic.ToolParam
	for _, t := range ts {
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{},
			},
		})
	}
	return anthropicTools
}

// processAnthropicResponse converts an Anthropic API response into our internal Msg format.
func processAnthropicResponse(resp *anthropic.Message) (*Msg, error) {
	if len(resp.Content) == 0 {
		return &Msg{Role: "assistant"}, nil
	}

	var responseContent string
	var toolCalls []ToolCall

	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			responseContent += c.Text
		case anthropic.ToolUseBlock:
			// Extract tool call information
			var args map[string]interface{}
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal tool call input")
			}

			toolCalls = append(toolCalls, ToolCall{
				ID:   c.ID,
				Name: c.Name,
				Args: args,
			})
		}
	}

	return &Msg{
		Role:      "assistant",
		Content:   responseContent,
		ToolCalls: toolCalls,
	}, nil
}
