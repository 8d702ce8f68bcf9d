package llm

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured is returned by clients that have no backend behind them.
	ErrNotConfigured = errors.New("provider not configured")
	// ErrEmptyReply means the backend answered with no usable text.
	ErrEmptyReply = errors.New("empty reply")
)

// Client is the minimal text generation interface used by the LLM-backed stages.
// Any provider implementation should satisfy this.
type Client interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Streamer is implemented by clients that can deliver text incrementally.
type Streamer interface {
	GenerateTextStream(ctx context.Context, prompt string, onDelta func(chunk string) error) error
}

// StreamText streams through c when it supports it and otherwise delivers the
// whole reply as a single chunk. It returns the accumulated text.
func StreamText(ctx context.Context, c Client, prompt string, onDelta func(chunk string) error) (string, error) {
	s, ok := c.(Streamer)
	if !ok {
		txt, err := c.GenerateText(ctx, prompt)
		if err != nil {
			return "", err
		}
		if txt != "" {
			if err := onDelta(txt); err != nil {
				return "", err
			}
		}
		return txt, nil
	}
	var acc []byte
	err := s.GenerateTextStream(ctx, prompt, func(chunk string) error {
		acc = append(acc, chunk...)
		return onDelta(chunk)
	})
	if err != nil {
		return "", err
	}
	return string(acc), nil
}
