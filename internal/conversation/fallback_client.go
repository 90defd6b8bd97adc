package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// FallbackLLMClient tries a primary provider and, when it fails, a fallback.
// Context cancellation is never retried on the fallback.
type FallbackLLMClient struct {
	primary  LLMClient
	fallback LLMClient
	logger   *logging.Logger
}

// NewFallbackLLMClient wraps primary. A nil fallback makes it a pass-through.
func NewFallbackLLMClient(primary, fallback LLMClient, logger *logging.Logger) *FallbackLLMClient {
	if primary == nil {
		panic("conversation: primary llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackLLMClient{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (c *FallbackLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	resp, err := c.primary.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	if c.fallback == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return LLMResponse{}, err
	}

	c.logger.Warn("model provider failed, trying fallback", "error", err)
	// The fallback serves its own default model.
	req.Model = ""
	resp, ferr := c.fallback.Complete(ctx, req)
	if ferr != nil {
		return LLMResponse{}, fmt.Errorf("conversation: primary and fallback model failed: %w", errors.Join(err, ferr))
	}
	return resp, nil
}
