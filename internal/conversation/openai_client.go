package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/wolfman30/dentaldesk/internal/tools"
)

type openAIChatAPI interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAILLMClient implements LLMClient with OpenAI-compatible chat
// completions and function tools.
type OpenAILLMClient struct {
	api   openAIChatAPI
	model string
}

// NewOpenAILLMClient builds a client for apiKey. baseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAILLMClient(apiKey, baseURL, model string) (*OpenAILLMClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("conversation: openai api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
		opts = append(opts, option.WithBaseURL(trimmed))
	}
	client := openai.NewClient(opts...)
	return newOpenAILLMClientWithAPI(&client.Chat.Completions, model), nil
}

func newOpenAILLMClientWithAPI(api openAIChatAPI, model string) *OpenAILLMClient {
	if api == nil {
		panic("conversation: openai chat api cannot be nil")
	}
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAILLMClient{api: api, model: model}
}

func (c *OpenAILLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: openAIMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature >= 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if req.TopP != 0 {
		params.TopP = openai.Float(float64(req.TopP))
	}
	for _, def := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(def.Schema()),
			},
		})
	}

	completion, err := c.api.New(ctx, params)
	if err != nil {
		return LLMResponse{}, fmt.Errorf("conversation: openai completion failed: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return LLMResponse{}, errors.New("conversation: openai returned no choices")
	}

	choice := completion.Choices[0]
	resp := LLMResponse{
		Text:       strings.TrimSpace(choice.Message.Content),
		StopReason: choice.FinishReason,
		Usage: TokenUsage{
			InputTokens:  int32(completion.Usage.PromptTokens),
			OutputTokens: int32(completion.Usage.CompletionTokens),
			TotalTokens:  int32(completion.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, tools.Call{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	if resp.Text == "" && len(resp.ToolCalls) == 0 {
		return LLMResponse{}, errors.New("conversation: openai response contained no text or tool calls")
	}
	return resp, nil
}

func openAIMessages(req LLMRequest) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(strings.Join(req.System, "\n\n")); system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case ChatRoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case ChatRoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case ChatRoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if strings.TrimSpace(msg.Content) != "" {
				asst.Content.OfString = openai.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				args := string(call.Arguments)
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case ChatRoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out
}
