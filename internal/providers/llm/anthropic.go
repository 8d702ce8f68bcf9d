package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const defaultAnthropicURL = "https://api.anthropic.com/v1/messages"

type AnthropicClient struct {
	APIKey    string
	Model     string
	URL       string
	MaxTokens int

	http jsonPoster
}

func NewAnthropicClient(apiKey, model, url string, timeout time.Duration) *AnthropicClient {
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	if url == "" {
		url = defaultAnthropicURL
	}
	return &AnthropicClient{
		APIKey:    apiKey,
		Model:     model,
		URL:       url,
		MaxTokens: 1024,
		http:      newJSONPoster("anthropic", timeout),
	}
}

func (c *AnthropicClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := c.http.post(ctx, c.URL, c.headers(), c.body(prompt, false), &resp); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, part := range resp.Content {
		b.WriteString(part.Text)
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyReply
	}
	return b.String(), nil
}

// GenerateTextStream consumes the Messages API event stream and forwards
// text deltas.
func (c *AnthropicClient) GenerateTextStream(ctx context.Context, prompt string, onDelta func(chunk string) error) error {
	res, err := c.http.open(ctx, c.URL, c.headers(), c.body(prompt, true))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return readSSEData(res.Body, func(data string) (bool, error) {
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return false, nil
		}
		switch ev.Type {
		case "message_stop":
			return true, nil
		case "content_block_delta":
			if ev.Delta.Text != "" {
				return false, onDelta(ev.Delta.Text)
			}
		}
		return false, nil
	})
}

func (c *AnthropicClient) body(prompt string, stream bool) map[string]any {
	b := map[string]any{
		"model":      c.Model,
		"max_tokens": c.MaxTokens,
		"messages": []map[string]any{{
			"role":    "user",
			"content": []map[string]string{{"type": "text", "text": prompt}},
		}},
	}
	if stream {
		b["stream"] = true
	}
	return b
}

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.APIKey,
		"anthropic-version": "2023-06-01",
	}
}
