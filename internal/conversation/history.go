package conversation

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	defaultHistoryWindow = 40
	maxSummaryChars      = 4000
)

// Summarizer folds turns that leave the history window into a running summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []Turn) (string, error)
}

// splitWindow returns the turns to fold into the summary and the turns to
// keep verbatim. The kept window always starts at a patient turn so tool
// calls are never separated from their results.
func splitWindow(turns []Turn, maxTurns int) (fold, keep []Turn) {
	if maxTurns <= 0 {
		maxTurns = defaultHistoryWindow
	}
	if len(turns) <= maxTurns {
		return nil, turns
	}
	cut := len(turns) - maxTurns
	for cut < len(turns) && turns[cut].Role != RolePatient {
		cut++
	}
	return turns[:cut], turns[cut:]
}

// chatMessages renders stored turns for the model.
func chatMessages(turns []Turn) []ChatMessage {
	out := make([]ChatMessage, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RolePatient:
			out = append(out, ChatMessage{Role: ChatRoleUser, Content: t.Content})
		case RoleAssistant:
			out = append(out, ChatMessage{Role: ChatRoleAssistant, Content: t.Content, ToolCalls: t.ToolCalls})
		case RoleTool:
			out = append(out, ChatMessage{
				Role:       ChatRoleTool,
				Content:    t.Content,
				ToolCallID: t.ToolCallID,
				ToolName:   t.ToolName,
				ToolError:  t.ToolError,
			})
		}
	}
	return out
}

// ExtractiveSummarizer keeps the latest patient and assistant lines. It never
// fails and backs the model summarizer.
type ExtractiveSummarizer struct{}

func (ExtractiveSummarizer) Summarize(_ context.Context, previous string, turns []Turn) (string, error) {
	var b strings.Builder
	if previous = strings.TrimSpace(previous); previous != "" {
		b.WriteString(previous)
		b.WriteString("\n")
	}
	for _, t := range turns {
		if t.Role == RoleTool || strings.TrimSpace(t.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Role, oneLine(t.Content))
	}
	return tail(strings.TrimSpace(b.String()), maxSummaryChars), nil
}

// ModelSummarizer asks the model for a summary and falls back to the
// extractive one when the call fails.
type ModelSummarizer struct {
	llm       LLMClient
	maxTokens int32
}

func NewModelSummarizer(llm LLMClient) *ModelSummarizer {
	if llm == nil {
		panic("conversation: llm client cannot be nil")
	}
	return &ModelSummarizer{llm: llm, maxTokens: 400}
}

func (s *ModelSummarizer) Summarize(ctx context.Context, previous string, turns []Turn) (string, error) {
	var transcript strings.Builder
	if strings.TrimSpace(previous) != "" {
		fmt.Fprintf(&transcript, "Earlier summary:\n%s\n\n", previous)
	}
	transcript.WriteString("Transcript:\n")
	for _, t := range turns {
		switch t.Role {
		case RoleTool:
			fmt.Fprintf(&transcript, "tool %s result: %s\n", t.ToolName, oneLine(t.Content))
		default:
			fmt.Fprintf(&transcript, "%s: %s\n", t.Role, oneLine(t.Content))
		}
	}

	resp, err := s.llm.Complete(ctx, LLMRequest{
		System: []string{summaryPrompt},
		Messages: []ChatMessage{
			{Role: ChatRoleUser, Content: transcript.String()},
		},
		MaxTokens:   s.maxTokens,
		Temperature: 0,
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		return ExtractiveSummarizer{}.Summarize(ctx, previous, turns)
	}
	return tail(strings.TrimSpace(resp.Text), maxSummaryChars), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
