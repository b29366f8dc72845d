package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/m4xw311/cpp-acp-bridge/assistant"
	"github.com/m4xw311/cpp-acp-bridge/errors"
	"github.com/m4xw311/cpp-acp-bridge/tools"
)

// BedrockAssistant is an embedded assistant backend for Anthropic
// models hosted on AWS Bedrock.
type BedrockAssistant struct {
	client   *bedrockruntime.Client
	modelID  string
	region   string
	endpoint string
	registry *tools.ToolRegistry
	active   []tools.Tool
}

// NewBedrockAssistant creates a new BedrockAssistant.
// It requires AWS credentials to be configured in the environment.
func NewBedrockAssistant(ctx context.Context, modelID string, registry *tools.ToolRegistry, active []tools.Tool) (*BedrockAssistant, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	client := bedrockruntime.NewFromConfig(cfg)

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1" // Default region
	}

	endpoint := os.Getenv("BEDROCK_ENDPOINT_URL")

	return &BedrockAssistant{
		client:   client,
		modelID:  modelID,
		region:   region,
		endpoint: endpoint,
		registry: registry,
		active:   active,
	}, nil
}

// Run implements assistant.Assistant.
func (b *BedrockAssistant) Run(ctx context.Context, prompt string, canUseTool assistant.CanUseTool) (<-chan assistant.Event, error) {
	return RunToolLoop(ctx, prompt, canUseTool, b.registry, b.active, b.turn)
}

func (b *BedrockAssistant) turn(ctx context.Context, history []Msg, availableTools []tools.Tool) (*Msg, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicFormat(history)

	requestBody, err := createAnthropicRequest(anthropicMessages, systemPrompt, availableTools)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	return processBedrockResponse(resp.Body)
}

// convertMessagesToAnthropicFormat converts our internal message format to Anthropic's format.
func convertMessagesToAnthropicFormat(messages []Msg) ([]map[string]interface{}, string) {
	var anthropicMessages []map[string]interface{}
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type": "text",
						"text": msg.Content,
					},
				},
			})
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var toolUses []map[string]interface{}
				for _, tc := range msg.ToolCalls {
					toolUses = append(toolUses, map[string]interface{}{
						"type":  "tool_use",
						"id":    tc.ID,
						"name":  tc.Name,
						"input": tc.Args,
					})
				}

				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role":    "assistant",
					"content": toolUses,
				})
			} else if msg.Content != "" {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role": "assistant",
					"content": []map[string]interface{}{
						{
							"type": "text",
							"text": msg.Content,
						},
					},
				})
			}
		case "tool":
			if len(msg.ToolCalls) > 0 {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role": "user",
					"content": []map[string]interface{}{
						{
							"type":        "tool_result",
							"tool_use_id": msg.ToolCalls[0].ID,
							"content":     msg.Content,
						},
					},
				})
			}
		case "system":
			systemPrompt = msg.Content
		}
	}

	return anthropicMessages, systemPrompt
}

// createAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string, availableTools []tools.Tool) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          messages,
	}

	if systemPrompt != "" {
		request["system"] = systemPrompt
	}

	if len(availableTools) > 0 {
		var toolDefs []map[string]interface{}
		for _, tool := range availableTools {
			toolDefs = append(toolDefs, map[string]interface{}{
				"name":        tool.Name(),
				"description": tool.Description(),
				"input_schema": map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			})
		}
		request["tools"] = toolDefs
	}

	return json.Marshal(request)
}

// processBedrockResponse converts a Bedrock API response into our internal Msg format.
func processBedrockResponse(body []byte) (*Msg, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}

	if errMsg, ok := response["error"]; ok {
		return nil, errors.New("Bedrock API error: %v", errMsg)
	}

	content, ok := response["content"]
	if !ok {
		return &Msg{Role: "assistant"}, nil
	}

	contentArray, ok := content.([]interface{})
	if !ok {
		return nil, errors.New("unexpected content format in Bedrock response")
	}

	var responseContent string
	var toolCalls []ToolCall
	toolCallIDCounter := 0

	for _, item := range contentArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		itemType, ok := itemMap["type"].(string)
		if !ok {
			continue
		}

		switch itemType {
		case "text":
			if text, ok := itemMap["text"].(string); ok {
				responseContent += text
			}
		case "tool_use":
			if name, ok := itemMap["name"].(string); ok {
				if input, ok := itemMap["input"].(map[string]interface{}); ok {
					id := fmt.Sprintf("call_%d_%s", toolCallIDCounter, name)
					if toolID, ok := itemMap["id"].(string); ok {
						id = toolID
					}

					toolCalls = append(toolCalls, ToolCall{
						ID:   id,
						Name: name,
						Args: input,
					})
					toolCallIDCounter++
				}
			}
		}
	}

	return &Msg{
		Role:      "assistant",
		Content:   responseContent,
		ToolCalls: toolCalls,
	}, nil
}
