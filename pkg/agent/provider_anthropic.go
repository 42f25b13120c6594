package agent

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harida/titian/pkg/mcp"
)

// AnthropicProvider implements LLMProvider for Anthropic Claude.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete makes an API call to Anthropic Claude.
func (p *AnthropicProvider) Complete(ctx context.Context, request LLMRequest) (*ModelReply, error) {
	messages := make([]anthropic.MessageParam, 0, len(request.Turns))

	for _, turn := range request.Turns {
		switch turn.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(turn.Content),
			))

		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if turn.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
			}
			for _, tc := range turn.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case RoleToolResult:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(turn.ToolCallID, turn.Content, turn.IsError),
			))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		Messages:  messages,
		MaxTokens: int64(request.MaxTokens),
	}

	if request.Temperature > 0 {
		params.Temperature = anthropic.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, tool := range request.Tools {
			toolParam, err := anthropicToolParam(tool)
			if err != nil {
				return nil, err
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: toolParam})
		}
		params.Tools = tools
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	// Preserve block order: text and tool-use interleaving is what the
	// dispatch step keys on.
	reply := &ModelReply{
		Usage: TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			reply.Blocks = append(reply.Blocks, ContentBlock{
				Type: BlockText,
				Text: b.Text,
			})
		case anthropic.ToolUseBlock:
			reply.Blocks = append(reply.Blocks, ContentBlock{
				Type: BlockToolUse,
				ToolCall: ToolCall{
					ID:        b.ID,
					Name:      b.Name,
					Arguments: json.RawMessage(b.JSON.Input.Raw()),
				},
			})
		}
	}

	return reply, nil
}

// anthropicToolParam converts a tool descriptor, splitting its raw input
// schema into the SDK's properties/required shape.
func anthropicToolParam(tool mcp.Tool) (*anthropic.ToolParam, error) {
	param := &anthropic.ToolParam{
		Name:        tool.Name,
		Description: anthropic.String(tool.Description),
	}

	if len(tool.InputSchema) > 0 {
		var schema struct {
			Properties interface{} `json:"properties"`
			Required   []string    `json:"required"`
		}
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, err
		}
		param.InputSchema = anthropic.ToolInputSchemaParam{
			Properties: schema.Properties,
			Required:   schema.Required,
		}
	}

	return param, nil
}
