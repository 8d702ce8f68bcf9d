package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/finance-pipeline/internal/config"
)

// ImageClient turns a prompt into a hosted image URL.
type ImageClient interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// NoImages is the ImageClient used when no image backend is configured.
type NoImages struct{}

func (NoImages) GenerateImage(context.Context, string) (string, error) {
	return "", fmt.Errorf("images: %w", ErrNotConfigured)
}

// OpenAIImageClient calls the images/generations endpoint.
type OpenAIImageClient struct {
	APIKey  string
	Model   string
	Size    string
	BaseURL string

	http jsonPoster
}

func NewOpenAIImageClient(apiKey, model, size, baseURL string, timeout time.Duration) *OpenAIImageClient {
	if model == "" {
		model = "dall-e-3"
	}
	if size == "" {
		size = "1024x1024"
	}
	return &OpenAIImageClient{
		APIKey:  apiKey,
		Model:   model,
		Size:    size,
		BaseURL: strings.TrimRight(baseURL, "/"),
		http:    newJSONPoster("openai-images", timeout),
	}
}

func (c *OpenAIImageClient) GenerateImage(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"model":  c.Model,
		"prompt": prompt,
		"n":      1,
		"size":   c.Size,
	}
	var resp struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	base := c.BaseURL
	if base == "" {
		base = defaultOpenAIBase
	}
	headers := map[string]string{"Authorization": "Bearer " + c.APIKey}
	if err := c.http.post(ctx, base+"/v1/images/generations", headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", ErrEmptyReply
	}
	return resp.Data[0].URL, nil
}

// NewImageClient returns the image backend selected by cfg.
func NewImageClient(cfg config.ImagesConfig) (ImageClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return NoImages{}, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("images provider openai: %w", ErrNotConfigured)
		}
		return NewOpenAIImageClient(cfg.APIKey, cfg.Model, cfg.Size, cfg.BaseURL, cfg.Timeout.Duration), nil
	}
	return nil, fmt.Errorf("unknown images provider %q", cfg.Provider)
}
