package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/wolfman30/dentaldesk/internal/tools"
)

// GeminiLLMClient implements LLMClient using Google's Gemini API.
type GeminiLLMClient struct {
	client  *genai.Client
	modelID string
}

// NewGeminiLLMClient creates a new Gemini LLM client.
func NewGeminiLLMClient(ctx context.Context, apiKey, modelID string) (*GeminiLLMClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("conversation: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to create gemini client: %w", err)
	}

	return &GeminiLLMClient{
		client:  client,
		modelID: modelID,
	}, nil
}

// Complete sends a completion request to Gemini and returns the response.
func (c *GeminiLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	model := c.client.GenerativeModel(c.modelID)

	if req.Temperature >= 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.TopP > 0 {
		model.SetTopP(req.TopP)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(req.MaxTokens)
	}
	if systemText := strings.TrimSpace(strings.Join(req.System, "\n\n")); systemText != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(systemText))
	}
	if len(req.Tools) > 0 {
		model.Tools = []*genai.Tool{geminiTool(req.Tools)}
	}

	history := geminiContents(req.Messages)
	if len(history) == 0 {
		return LLMResponse{}, errors.New("conversation: gemini requires at least one message")
	}
	last := history[len(history)-1]
	cs := model.StartChat()
	cs.History = history[:len(history)-1]

	resp, err := cs.SendMessage(ctx, last.Parts...)
	if err != nil {
		return LLMResponse{}, fmt.Errorf("conversation: gemini completion failed: %w", err)
	}
	return geminiResponse(resp)
}

func geminiResponse(resp *genai.GenerateContentResponse) (LLMResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return LLMResponse{}, errors.New("conversation: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return LLMResponse{}, errors.New("conversation: gemini returned empty content")
	}

	var (
		result LLMResponse
		text   strings.Builder
	)
	for i, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil {
				return LLMResponse{}, fmt.Errorf("conversation: gemini function args: %w", err)
			}
			// Gemini has no call ids; the position keeps them unique per response.
			result.ToolCalls = append(result.ToolCalls, tools.Call{
				ID:        fmt.Sprintf("gemini-%s-%d", p.Name, i),
				Name:      p.Name,
				Arguments: args,
			})
		}
	}
	result.Text = strings.TrimSpace(text.String())
	result.StopReason = candidate.FinishReason.String()
	if resp.UsageMetadata != nil {
		result.Usage = TokenUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		}
	}
	if result.Text == "" && len(result.ToolCalls) == 0 {
		return LLMResponse{}, errors.New("conversation: gemini returned no text or function calls")
	}
	return result, nil
}

// geminiContents maps chat messages to Gemini contents, merging consecutive
// parts of the same role.
func geminiContents(msgs []ChatMessage) []*genai.Content {
	var out []*genai.Content
	add := func(role string, parts ...genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, parts...)
			return
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range msgs {
		content := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case ChatRoleUser:
			if content != "" {
				add("user", genai.Text(content))
			}
		case ChatRoleAssistant:
			var parts []genai.Part
			if content != "" {
				parts = append(parts, genai.Text(content))
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: call.Name, Args: callArguments(call)})
			}
			add("model", parts...)
		case ChatRoleTool:
			response := map[string]any{}
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"content": msg.Content}
			}
			add("user", genai.FunctionResponse{Name: msg.ToolName, Response: response})
		}
	}
	return out
}

func geminiTool(defs []tools.Definition) *genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(def.Params)),
		}
		for _, p := range def.Params {
			prop := &genai.Schema{Description: p.Description, Enum: p.Enum}
			if p.Type == tools.TypeInteger {
				prop.Type = genai.TypeInteger
			} else {
				prop.Type = genai.TypeString
			}
			schema.Properties[p.Name] = prop
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decl := &genai.FunctionDeclaration{Name: def.Name, Description: def.Description}
		if len(def.Params) > 0 {
			decl.Parameters = schema
		}
		decls = append(decls, decl)
	}
	return &genai.Tool{FunctionDeclarations: decls}
}

// Close releases resources held by the Gemini client.
func (c *GeminiLLMClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
