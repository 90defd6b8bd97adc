package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/dentaldesk/internal/config"
	"github.com/wolfman30/dentaldesk/internal/conversation"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// BuildLLMClient returns the configured model provider, wrapped with the
// fallback provider when one is set.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (conversation.LLMClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	primary, err := buildProvider(ctx, cfg.ModelProvider, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	fallbackName := strings.TrimSpace(cfg.FallbackProvider)
	if fallbackName == "" || fallbackName == cfg.ModelProvider {
		logger.Info("model provider configured", "provider", cfg.ModelProvider)
		return primary, nil
	}

	fallback, err := buildProvider(ctx, fallbackName, cfg, awsCfg)
	if err != nil {
		logger.Warn("fallback model provider unavailable; continuing without it", "provider", fallbackName, "error", err)
		return primary, nil
	}
	logger.Info("model provider configured", "provider", cfg.ModelProvider, "fallback", fallbackName)
	return conversation.NewFallbackLLMClient(primary, fallback, logger), nil
}

func buildProvider(ctx context.Context, name string, cfg *appconfig.Config, awsCfg aws.Config) (conversation.LLMClient, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bedrock", "":
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, fmt.Errorf("bootstrap: BEDROCK_MODEL_ID is required for the bedrock provider")
		}
		return conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), nil
	case "openai":
		client, err := conversation.NewOpenAILLMClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: openai: %w", err)
		}
		return client, nil
	case "gemini":
		client, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: gemini: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown model provider %q", name)
	}
}
