package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient talks to the OpenAI chat completions API, or any
// compatible endpoint reachable through BaseURL.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// OpenAIOptions configures [NewOpenAIClient].
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string // empty for api.openai.com
	HTTPClient *http.Client
	MaxRetries int
}

// NewOpenAIClient creates an OpenAI-backed client.
func NewOpenAIClient(opts OpenAIOptions, logger *slog.Logger) *OpenAIClient {
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

	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: convertToOpenAI(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertToolsToOpenAI(tools)
	}

	c.logger.Log(ctx, LevelTrace, "chat request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: response has no choices")
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{
		Model: resp.Model,
		Message: Message{
			Role:    RoleAssistant,
			Content: choice.Content,
		},
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}

	for _, tc := range choice.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				c.logger.Warn("unparseable tool arguments",
					"tool", tc.Function.Name,
					"error", err,
				)
				args = map[string]any{}
			}
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}

	c.logger.Debug("chat response",
		"model", out.Model,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
	)
	return out, nil
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Function.Arguments)
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: string(args),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func convertToolsToOpenAI(tools []map[string]any) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name, desc, params := toolFunction(t)
		if name == "" {
			continue
		}
		def := openai.FunctionDefinitionParam{
			Name:       name,
			Parameters: openai.FunctionParameters(params),
		}
		if desc != "" {
			def.Description = openai.String(desc)
		}
		out = append(out, openai.ChatCompletionFunctionTool(def))
	}
	return out
}

// toolFunction unpacks an OpenAI-shaped tool definition.
func toolFunction(t map[string]any) (name, description string, parameters map[string]any) {
	fn, ok := t["function"].(map[string]any)
	if !ok {
		return "", "", nil
	}
	name, _ = fn["name"].(string)
	description, _ = fn["description"].(string)
	parameters, _ = fn["parameters"].(map[string]any)
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return name, description, parameters
}
