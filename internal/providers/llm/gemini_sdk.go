package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiSDKClient uses the official Go SDK instead of raw HTTP.
type GeminiSDKClient struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiSDKClient(ctx context.Context, apiKey, model string) (*GeminiSDKClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini-sdk: %w", ErrNotConfigured)
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini-sdk: %w", err)
	}
	return &GeminiSDKClient{client: c, model: c.GenerativeModel(model)}, nil
}

func (g *GeminiSDKClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	txt := responseText(resp)
	if strings.TrimSpace(txt) == "" {
		return "", ErrEmptyReply
	}
	return txt, nil
}

func (g *GeminiSDKClient) GenerateTextStream(ctx context.Context, prompt string, onDelta func(chunk string) error) error {
	it := g.model.GenerateContentStream(ctx, genai.Text(prompt))
	for {
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		if txt := responseText(resp); txt != "" {
			if err := onDelta(txt); err != nil {
				return err
			}
		}
	}
}

func (g *GeminiSDKClient) Close() error { return g.client.Close() }

func responseText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		break
	}
	return b.String()
}
