package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/errors"
	"github.com/m4xw311/cpp-acp-bridge/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIAssistant is an embedded assistant backend using the OpenAI
// Chat Completions API.
type OpenAIAssistant struct {
	client   *openai.Client
	model    string
	registry *tools.ToolRegistry
	active   []tools.Tool
}

// NewOpenAIAssistant creates a new OpenAIAssistant. It requires the
// OPENAI_API_KEY environment variable to be set, and also supports
// OPENAI_BASE_URL for custom API endpoints.
func NewOpenAIAssistant(ctx context.Context, modelName string, registry *tools.ToolRegistry, active []tools.Tool) (*OpenAIAssistant, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	return &OpenAIAssistant{client: &c, model: modelName, registry: registry, active: active}, nil
}

// Run implements assistant.Assistant.
func (o *OpenAIAssistant) Run(ctx context.Context, prompt string, canUseTool assistant.CanUseTool) (<-chan assistant.Event, error) {
	return RunToolLoop(ctx, prompt, canUseTool, o.registry, o.active, o.turn)
}

func (o *OpenAIAssistant) turn(ctx context.Context, history []Msg, availableTools []tools.Tool) (*Msg, error) {
	chatMessages := convertMessagesToOpenaiContent(history)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: chatMessages,
		Tools:    convertToolsToOpenAITools(availableTools),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to OpenAI")
	}

	return processOpenaiResponse(resp)
}

// processOpenaiResponse converts an OpenAI API response into our internal Msg format.
func processOpenaiResponse(resp *openai.ChatCompletion) (*Msg, error) {
	if len(resp.Choices) == 0 {
		return &Msg{Role: "assistant"}, nil
	}

	choice := resp.Choices[0].Message

	if len(choice.ToolCalls) > 0 {
		var toolCalls []ToolCall
		for _, tc := range choice.ToolCalls {
			var toolArgs map[string]interface{}
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolArgs); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal function call arguments from OpenAI")
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: toolArgs,
			})
		}
		return &Msg{
			Role:      "assistant",
			Content:   choice.Content,
			ToolCalls: toolCalls,
		}, nil
	}

	return &Msg{Role: "assistant", Content: choice.Content}, nil
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
func convertMessagesToOpenaiContent(messages []Msg) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnion
				for _, tc := range msg.ToolCalls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						fmt.Printf("Warning: could not marshal tool call arguments for %s: %v. Skipping function call in history.\n", tc.Name, err)
						continue
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnion{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageFunctionToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsBytes),
						},
					})
				}
				assistantMessage.ToolCalls = toolCalls
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case "tool":
			if len(msg.ToolCalls) != 1 {
				fmt.Printf("Warning: tool message is malformed; expected exactly one ToolCall to identify the function name, but found %d. Skipping.\n", len(msg.ToolCalls))
				continue
			}
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCalls[0].ID))
		case "user":
			fallthrough
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts our Tool interface to the OpenAI Tool format.
func convertToolsToOpenAITools(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		// Unlike Gemini, OpenAI models work better when the parameters are not nested.
		// We define a generic object schema and let the model infer the arguments.
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": map[string]any{},
		}

		toolParam := openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name(),
			Description: openai.String(t.Description()),
			Parameters:  params,
		})
		openAITools = append(openAITools, toolParam)
	}
	return openAITools
}
