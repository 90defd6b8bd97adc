package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/wolfman30/dentaldesk/internal/tools"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockLLMClient calls the Bedrock Converse API with tool use.
type BedrockLLMClient struct {
	api     bedrockConverseAPI
	modelID string
}

func NewBedrockLLMClient(api bedrockConverseAPI, modelID string) *BedrockLLMClient {
	if api == nil {
		panic("conversation: bedrock converse client cannot be nil")
	}
	return &BedrockLLMClient{api: api, modelID: modelID}
}

func (c *BedrockLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.modelID
	}
	if strings.TrimSpace(model) == "" {
		return LLMResponse{}, errors.New("conversation: bedrock model id is required")
	}

	systemBlocks := make([]brtypes.SystemContentBlock, 0, len(req.System))
	for _, block := range req.System {
		if strings.TrimSpace(block) == "" {
			continue
		}
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: block})
	}

	messages, err := bedrockMessages(req.Messages)
	if err != nil {
		return LLMResponse{}, err
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	// Allow callers to omit temperature by passing a negative value.
	if req.Temperature >= 0 {
		inference.Temperature = aws.Float32(req.Temperature)
	}
	if req.TopP != 0 {
		inference.TopP = aws.Float32(req.TopP)
	}
	if inference.MaxTokens == nil && inference.Temperature == nil && inference.TopP == nil {
		inference = nil
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(model),
		System:          systemBlocks,
		Messages:        messages,
		InferenceConfig: inference,
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = bedrockToolConfig(req.Tools)
	}

	out, err := c.api.Converse(ctx, input)
	if err != nil {
		return LLMResponse{}, err
	}

	resp, err := bedrockResponse(out)
	if err != nil {
		return LLMResponse{}, err
	}
	if out.Usage != nil {
		resp.Usage = TokenUsage{
			InputTokens:  int32OrZero(out.Usage.InputTokens),
			OutputTokens: int32OrZero(out.Usage.OutputTokens),
			TotalTokens:  int32OrZero(out.Usage.TotalTokens),
		}
	}
	return resp, nil
}

func bedrockToolConfig(defs []tools.Definition) *brtypes.ToolConfiguration {
	specs := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(def.Schema())},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: specs}
}

// bedrockMessages maps chat messages to Converse messages. Tool results are
// user content on Bedrock, and consecutive messages with the same role are
// merged because Converse requires alternating roles.
func bedrockMessages(msgs []ChatMessage) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	appendBlocks := func(role brtypes.ConversationRole, blocks ...brtypes.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}

	for _, msg := range msgs {
		content := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case ChatRoleUser:
			if content != "" {
				appendBlocks(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberText{Value: content})
			}
		case ChatRoleAssistant:
			var blocks []brtypes.ContentBlock
			if content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: content})
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(call.Name),
					Input:     document.NewLazyDocument(callArguments(call)),
				}})
			}
			appendBlocks(brtypes.ConversationRoleAssistant, blocks...)
		case ChatRoleTool:
			status := brtypes.ToolResultStatusSuccess
			if msg.ToolError {
				status = brtypes.ToolResultStatusError
			}
			appendBlocks(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: msg.Content}},
				Status:    status,
			}})
		case ChatRoleSystem:
			continue
		default:
			return nil, fmt.Errorf("conversation: unsupported role %q", msg.Role)
		}
	}
	return out, nil
}

func bedrockResponse(out *bedrockruntime.ConverseOutput) (LLMResponse, error) {
	if out == nil {
		return LLMResponse{}, errors.New("conversation: bedrock response is nil")
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return LLMResponse{}, errors.New("conversation: bedrock response did not include a message output")
	}

	var (
		resp    LLMResponse
		builder strings.Builder
	)
	for _, block := range msgOut.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			builder.WriteString(v.Value)
		case *brtypes.ContentBlockMemberToolUse:
			var args json.RawMessage
			if v.Value.Input != nil {
				raw, err := v.Value.Input.MarshalSmithyDocument()
				if err != nil {
					return LLMResponse{}, fmt.Errorf("conversation: bedrock tool input: %w", err)
				}
				args = raw
			}
			resp.ToolCalls = append(resp.ToolCalls, tools.Call{
				ID:        aws.ToString(v.Value.ToolUseId),
				Name:      aws.ToString(v.Value.Name),
				Arguments: args,
			})
		}
	}
	resp.Text = strings.TrimSpace(builder.String())
	resp.StopReason = string(out.StopReason)
	if resp.Text == "" && len(resp.ToolCalls) == 0 {
		return LLMResponse{}, errors.New("conversation: bedrock response contained no text or tool use")
	}
	return resp, nil
}

// callArguments decodes call arguments into a JSON object for providers
// that take structured input. Arguments that were never an object are
// passed back verbatim under "raw" so the history stays replayable.
func callArguments(call tools.Call) map[string]any {
	args := map[string]any{}
	if len(call.Arguments) == 0 {
		return args
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args == nil {
		return map[string]any{"raw": string(call.Arguments)}
	}
	return args
}

func int32OrZero(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
