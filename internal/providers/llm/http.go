package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxHTTPAttempts = 3

// backoff is a var so tests can shorten it.
var backoff = func(i int) time.Duration {
	return time.Duration(500*(1<<i)) * time.Millisecond
}

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Code, e.Body)
}

// Retryable reports whether the provider asked us to come back later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || (e.Code >= 500 && e.Code <= 599)
}

// jsonPoster posts JSON with the retry policy every HTTP provider shares:
// up to three attempts, retrying on timeouts, 408, 429 and 5xx.
type jsonPoster struct {
	provider string
	client   *http.Client
}

func newJSONPoster(provider string, timeout time.Duration) jsonPoster {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return jsonPoster{provider: provider, client: &http.Client{Timeout: timeout}}
}

func (p jsonPoster) post(ctx context.Context, url string, headers map[string]string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", p.provider, err)
	}
	var lastErr error
	for attempt := 0; attempt < maxHTTPAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt-1)); err != nil {
				return err
			}
		}
		res, err := p.do(ctx, url, headers, b)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if isTimeout(err) {
				continue
			}
			return err
		}
		err = decodeReply(p.provider, res, out)
		var se *StatusError
		if errors.As(err, &se) && se.Retryable() {
			lastErr = err
			continue
		}
		return err
	}
	return lastErr
}

// open sends a single request and returns the raw 2xx response for streaming.
func (p jsonPoster) open(ctx context.Context, url string, headers map[string]string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p.provider, err)
	}
	res, err := p.do(ctx, url, headers, b)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		return nil, statusError(p.provider, res)
	}
	return res, nil
}

func (p jsonPoster) do(ctx context.Context, url string, headers map[string]string, b []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return p.client.Do(req)
}

func decodeReply(provider string, res *http.Response, out any) error {
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return statusError(provider, res)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode reply: %w", provider, err)
	}
	return nil
}

func statusError(provider string, res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return &StatusError{Provider: provider, Code: res.StatusCode, Body: string(bytes.TrimSpace(b))}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}

// newLineReader returns a scanner for SSE lines.
func newLineReader(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 1024*1024)
	return sc
}
