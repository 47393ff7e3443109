package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// AnthropicOptions configures [NewAnthropicClient].
type AnthropicOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(opts AnthropicOptions, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(reqOpts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Chat sends a non-streaming Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	// Requests carrying tool_use or tool_result blocks must define tools,
	// so a tool-less call sees earlier calls as plain text.
	msgs, system := convertToAnthropic(messages, len(tools) > 0)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertToolsToAnthropic(tools)
	}

	c.logger.Log(ctx, LevelTrace, "chat request",
		"model", model,
		"messages", len(msgs),
		"tools", len(tools),
	)

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	out := &ChatResponse{
		Model:        string(resp.Model),
		Message:      Message{Role: RoleAssistant},
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					c.logger.Warn("unparseable tool input", "tool", block.Name, "error", err)
					args = map[string]any{}
				}
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:       block.ID,
				Function: FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}
	out.Message.Content = text.String()

	c.logger.Debug("chat response",
		"model", out.Model,
		"stop_reason", resp.StopReason,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	return out, nil
}

// convertToAnthropic splits out the system prompt and folds tool results
// into user turns. Consecutive messages with the same role are merged,
// since the Messages API expects alternating turns. Without toolBlocks,
// tool calls and results are rendered as text blocks instead.
func convertToAnthropic(messages []Message, toolBlocks bool) ([]anthropic.MessageParam, string) {
	var (
		system []string
		out    []anthropic.MessageParam
		names  = make(map[string]string) // tool call ID -> tool name
	)

	appendBlocks := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleTool:
			if !toolBlocks {
				appendBlocks(anthropic.MessageParamRoleUser,
					anthropic.NewTextBlock(fmt.Sprintf("[result of %s]\n%s", names[m.ToolCallID], m.Content)))
				continue
			}
			appendBlocks(anthropic.MessageParamRoleUser,
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, strings.HasPrefix(m.Content, "Error:")))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				names[tc.ID] = tc.Function.Name
				if !toolBlocks {
					raw, _ := json.Marshal(args)
					blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[called %s %s]", tc.Function.Name, raw)))
					continue
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Function.Name))
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, blocks...)
		default:
			if m.Content == "" {
				continue
			}
			appendBlocks(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(m.Content))
		}
	}

	return out, strings.Join(system, "\n\n")
}

func convertToolsToAnthropic(tools []map[string]any) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name, desc, params := toolFunction(t)
		if name == "" {
			continue
		}
		tool := anthropic.ToolParam{
			Name: name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: params["properties"],
				Required:   stringSlice(params["required"]),
			},
		}
		if desc != "" {
			tool.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
