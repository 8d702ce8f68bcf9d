package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

type HTTPGetTool struct {
	Client   *http.Client
	MaxBytes int
}

func NewHTTPGetTool(timeout time.Duration, maxBytes int) *HTTPGetTool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return &HTTPGetTool{Client: &http.Client{Timeout: timeout}, MaxBytes: maxBytes}
}

func (h *HTTPGetTool) Name() string { return "http_get" }

func (h *HTTPGetTool) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	url, _ := inputs["url"].(string)
	if url == "" {
		return nil, "", fmt.Errorf("missing url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	if accept, _ := inputs["accept"].(string); accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Sprintf("status=%d", resp.StatusCode), fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	// limit body to avoid huge transfers
	lr := io.LimitedReader{R: resp.Body, N: int64(h.MaxBytes)}
	b, err := io.ReadAll(&lr)
	if err != nil {
		return nil, "", err
	}
	logs := fmt.Sprintf("status=%d", resp.StatusCode)
	if lr.N == 0 {
		logs += " truncated=true"
	}
	return string(b), logs, nil
}
