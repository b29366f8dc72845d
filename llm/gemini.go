package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/errors"
	"github.com/m4xw311/cpp-acp-bridge/tools"
	"google.golang.org/api/option"
)

// GeminiAssistant is an embedded assistant backend using the Google
// Gemini API.
type GeminiAssistant struct {
	model    *genai.GenerativeModel
	registry *tools.ToolRegistry
	active   []tools.Tool
}

// NewGeminiAssistant creates a new GeminiAssistant.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiAssistant(ctx context.Context, modelName string, registry *tools.ToolRegistry, active []tools.Tool) (*GeminiAssistant, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	model := client.GenerativeModel(modelName)

	return &GeminiAssistant{model: model, registry: registry, active: active}, nil
}

// Run implements assistant.Assistant.
func (g *GeminiAssistant) Run(ctx context.Context, prompt string, canUseTool assistant.CanUseTool) (<-chan assistant.Event, error) {
	return RunToolLoop(ctx, prompt, canUseTool, g.registry, g.active, g.turn)
}

func (g *GeminiAssistant) turn(ctx context.Context, history []Msg, availableTools []tools.Tool) (*Msg, error) {
	contents := convertMessagesToGeminiContent(history)
	if len(contents) == 0 {
		return &Msg{Role: "assistant"}, nil
	}

	g.model.Tools = convertToolsToGeminiTools(availableTools)

	lastMessage := contents[len(contents)-1]

	chatSession := g.model.StartChat()
	chatSession.History = contents[:len(contents)-1]
	resp, err := chatSession.SendMessage(ctx, lastMessage.Parts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}

	return processGeminiResponse(resp)
}

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
func convertMessagesToGeminiContent(messages []Msg) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user" // Default role
		var parts []genai.Part

		switch msg.Role {
		case "assistant":
			role = "model"
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{
					Name: tc.Name,
					// The arguments from the model are nested under an "args" key,
					// so we replicate that structure when adding to history.
					Args: map[string]interface{}{"args": tc.Args},
				})
			}
		case "tool":
			role = "user" // Tool responses are sent with the 'user' role to Gemini.
			if len(msg.ToolCalls) != 1 {
				fmt.Printf("Warning: tool message is malformed; expected exactly one ToolCall to identify the function name, but found %d. Skipping.\n", len(msg.ToolCalls))
				continue
			}
			toolName := msg.ToolCalls[0].Name
			parts = append(parts, genai.FunctionResponse{
				Name:     toolName,
				Response: map[string]interface{}{"output": msg.Content},
			})
		case "user":
			fallthrough
		default:
			role = "user"
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: parts,
			})
		}
	}
	return contents
}

// convertToolsToGeminiTools converts our Tool interface to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration

	for _, tool := range ts {
		// For now, we assume every tool takes a generic map of string-to-any arguments.
		fd := &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"args": {
						Type:        genai.TypeObject,
						Description: "Arguments for the function call, as a map.",
					},
				},
				Required: []string{"args"},
			},
		}
		funcDecls = append(funcDecls, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// processGeminiResponse converts a Gemini API response into our internal Msg format.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*Msg, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return &Msg{Role: "assistant"}, nil
	}

	content := resp.Candidates[0].Content
	var responseContent string
	var toolCalls []ToolCall
	toolCallIDCounter := 0

	for _, part := range content.Parts {
		switch v := part.(type) {
		case genai.Text:
			responseContent += string(v)
		case genai.FunctionCall:
			toolArgs, ok := v.Args["args"].(map[string]interface{})
			if !ok {
				fmt.Printf("Warning: invalid arguments for tool '%s', expected a map under 'args' key\n", v.Name)
				continue
			}

			toolCalls = append(toolCalls, ToolCall{
				ID:   fmt.Sprintf("call_%d_%s", toolCallIDCounter, v.Name),
				Name: v.Name,
				Args: toolArgs,
			})
			toolCallIDCounter++
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}

	return &Msg{
		Role:      "assistant",
		Content:   responseContent,
		ToolCalls: toolCalls,
	}, nil
}
