package llm

import (
	"context"
	"strings"
)

// MockClient is used when no real provider is configured. Reply, when set,
// is returned verbatim; otherwise the reply echoes the prompt's last line.
type MockClient struct {
	Reply string
	Err   error
}

func (m *MockClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	return "[mock] " + strings.TrimSpace(lines[len(lines)-1]), nil
}

// GenerateTextStream emits the reply word by word.
func (m *MockClient) GenerateTextStream(ctx context.Context, prompt string, onDelta func(chunk string) error) error {
	txt, err := m.GenerateText(ctx, prompt)
	if err != nil {
		return err
	}
	words := strings.SplitAfter(txt, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if err := onDelta(w); err != nil {
			return err
		}
	}
	return nil
}
