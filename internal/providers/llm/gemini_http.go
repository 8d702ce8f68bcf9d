package llm

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const defaultGeminiBase = "https://generativelanguage.googleapis.com/v1beta"

// GeminiHTTPClient talks to the Gemini REST API directly.
type GeminiHTTPClient struct {
	APIKey  string
	Model   string
	BaseURL string

	http jsonPoster
}

func NewGeminiHTTPClient(apiKey, model, baseURL string, timeout time.Duration) *GeminiHTTPClient {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiHTTPClient{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		http:    newJSONPoster("gemini", timeout),
	}
}

func (c *GeminiHTTPClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"contents": []map[string]any{{
			"role":  "user",
			"parts": []map[string]string{{"text": prompt}},
		}},
	}
	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := c.http.post(ctx, c.endpoint(), nil, body, &out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyReply
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}

func (c *GeminiHTTPClient) endpoint() string {
	base := c.BaseURL
	if base == "" {
		base = defaultGeminiBase
	}
	return fmt.Sprintf("%s/models/%s:generateContent?key=%s", base, url.PathEscape(c.Model), url.QueryEscape(c.APIKey))
}
