package conversation

import (
	"context"

	"github.com/wolfman30/dentaldesk/internal/tools"
)

const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
	ChatRoleTool      = "tool"
)

// ChatMessage is the provider-neutral message representation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []tools.Call `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// ToolError marks a tool result that reports a failure.
	ToolError bool `json:"tool_error,omitempty"`
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

type LLMRequest struct {
	Model       string
	System      []string
	Messages    []ChatMessage
	Tools       []tools.Definition
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// LLMResponse carries either reply text or tool calls, possibly both.
type LLMResponse struct {
	Text       string
	ToolCalls  []tools.Call
	Usage      TokenUsage
	StopReason string
}

type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}
