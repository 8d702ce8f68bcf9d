package llm

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

const defaultOpenAIBase = "https://api.openai.com"

type OpenAIClient struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64

	http jsonPoster
}

func NewOpenAIClient(apiKey, model, baseURL string, timeout time.Duration) *OpenAIClient {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		APIKey:      apiKey,
		Model:       model,
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Temperature: 0.3,
		http:        newJSONPoster("openai", timeout),
	}
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	var resp chatCompletion
	if err := c.http.post(ctx, c.endpoint("/v1/chat/completions"), c.headers(), c.body(prompt, false), &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyReply
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateTextStream streams via Chat Completions SSE.
func (c *OpenAIClient) GenerateTextStream(ctx context.Context, prompt string, onDelta func(chunk string) error) error {
	res, err := c.http.open(ctx, c.endpoint("/v1/chat/completions"), c.headers(), c.body(prompt, true))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return readSSEData(res.Body, func(data string) (bool, error) {
		if data == "[DONE]" {
			return true, nil
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil || len(chunk.Choices) == 0 {
			return false, nil
		}
		if s := chunk.Choices[0].Delta.Content; s != "" {
			return false, onDelta(s)
		}
		return false, nil
	})
}

func (c *OpenAIClient) body(prompt string, stream bool) map[string]any {
	b := map[string]any{
		"model":       c.Model,
		"messages":    []map[string]string{{"role": "user", "content": prompt}},
		"temperature": c.Temperature,
	}
	if stream {
		b["stream"] = true
	}
	return b
}

func (c *OpenAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.APIKey}
}

func (c *OpenAIClient) endpoint(path string) string {
	base := c.BaseURL
	if base == "" {
		base = defaultOpenAIBase
	}
	return base + path
}

// readSSEData calls fn with the payload of every "data:" line until fn asks
// to stop, returns an error, or the stream ends.
func readSSEData(r io.Reader, fn func(data string) (stop bool, err error)) error {
	sc := newLineReader(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		stop, err := fn(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return sc.Err()
}
