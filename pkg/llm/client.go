// Package llm adapts the Anthropic Messages API (direct or via AWS
// Bedrock) to the agent loop's client interface.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/choiros/choird/pkg/agent"
	"github.com/choiros/choird/pkg/config"
)

const defaultModel = "claude-sonnet-4-5"

// messagesClient is the subset of the SDK used by the adapter; it is
// satisfied by *sdk.MessageService and by mocks in tests.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements agent.LLMClient on top of Anthropic Messages.
type Client struct {
	msg   messagesClient
	model string
}

// New builds the provider named by the configuration: "anthropic" uses
// the direct API, "bedrock" routes through AWS with ambient credentials.
func New(ctx context.Context, cfg config.LLMConfig) (*Client, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	var sc sdk.Client
	switch cfg.Provider {
	case "", "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("llm provider anthropic requires an API key")
		}
		sc = sdk.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
	case "bedrock":
		opt := bedrock.WithLoadDefaultConfig(ctx)
		if cfg.AWSRegion != "" {
			opt = bedrock.WithLoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		}
		sc = sdk.NewClient(opt)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	return &Client{msg: &sc.Messages, model: model}, nil
}

// Generate issues one Messages call and streams its blocks as chunks.
func (c *Client) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	params, err := c.encodeRequest(input)
	if err != nil {
		return nil, err
	}

	out := make(chan agent.Chunk, 8)
	go func() {
		defer close(out)

		msg, err := c.msg.New(ctx, *params)
		if err != nil {
			out <- &agent.ErrorChunk{Message: err.Error(), Retryable: true}
			return
		}

		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					out <- &agent.TextChunk{Content: block.Text}
				}
			case "tool_use":
				out <- &agent.ToolCallChunk{Call: agent.ToolCall{
					ID:    block.ID,
					Name:  block.Name,
					Input: json.RawMessage(block.Input),
				}}
			}
		}
		if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
			out <- &agent.UsageChunk{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
		}
	}()
	return out, nil
}

func (c *Client) Close() error { return nil }

func (c *Client) encodeRequest(input *agent.GenerateInput) (*sdk.MessageNewParams, error) {
	if len(input.Messages) == 0 {
		return nil, fmt.Errorf("llm: messages are required")
	}
	maxTokens := input.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
	}
	if input.System != "" {
		params.System = []sdk.TextBlockParam{{Text: input.System}}
	}

	for _, m := range input.Messages {
		switch m.Role {
		case "user":
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, call.Input, call.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
			}
		case "tool":
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, fmt.Errorf("llm: unsupported message role %q", m.Role)
		}
	}

	for _, def := range input.Tools {
		params.Tools = append(params.Tools, sdk.ToolUnionParamOfTool(
			sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name))
		if last := params.Tools[len(params.Tools)-1].OfTool; last != nil {
			last.Description = sdk.String(def.Description)
		}
	}

	return params, nil
}
