package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/finance-pipeline/internal/config"
)

// New returns a Client for cfg.Provider. Supported providers are mock, openai,
// anthropic, gemini (REST) and gemini-sdk. An empty provider yields the mock.
func New(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	prov := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if prov != "" && prov != "mock" && cfg.APIKey == "" {
		return nil, fmt.Errorf("llm provider %q: %w", prov, ErrNotConfigured)
	}
	timeout := cfg.Timeout.Duration
	switch prov {
	case "", "mock":
		return &MockClient{}, nil
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL, timeout), nil
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.BaseURL, timeout), nil
	case "gemini":
		return NewGeminiHTTPClient(cfg.APIKey, cfg.Model, cfg.BaseURL, timeout), nil
	case "gemini-sdk":
		return NewGeminiSDKClient(ctx, cfg.APIKey, cfg.Model)
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}
