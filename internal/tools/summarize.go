package tools

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/example/finance-pipeline/internal/providers/llm"
)

// SummarizeTool condenses text with the LLM. Texts longer than ChunkChars
// are summarized per chunk (bounded concurrency) and then reduced.
type SummarizeTool struct {
	Client      llm.Client
	ChunkChars  int
	Overlap     int
	MaxParallel int
}

func (s *SummarizeTool) Name() string { return "summarize" }

func (s *SummarizeTool) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	text, _ := inputs["text"].(string)
	if strings.TrimSpace(text) == "" {
		return nil, "", fmt.Errorf("missing text")
	}
	chunk := getInt(inputs, "chunk_chars", orDefault(s.ChunkChars, 8000))
	if chunk < 1000 {
		chunk = 1000
	}
	overlap := getInt(inputs, "overlap_chars", orDefault(s.Overlap, 400))
	parts := splitChunks(text, chunk, overlap)
	if len(parts) == 1 {
		prompt := fmt.Sprintf("Resume el siguiente texto de forma concisa (3-5 viñetas o un párrafo corto). Céntrate en los datos clave.\n\nTexto:\n%s", text)
		out, err := s.Client.GenerateText(ctx, prompt)
		if err != nil {
			return nil, "", err
		}
		return out, "chunks=1", nil
	}

	sums := make([]string, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(orDefault(s.MaxParallel, 3))
	for i, p := range parts {
		g.Go(func() error {
			prompt := fmt.Sprintf("Resume esta sección en 3-5 viñetas concisas con los datos clave.\n\nSección %d/%d:\n%s", i+1, len(parts), p)
			out, err := s.Client.GenerateText(gctx, prompt)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i+1, err)
			}
			sums[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	var combined strings.Builder
	combined.WriteString("Combina los siguientes resúmenes en uno solo, claro y sin repeticiones.\n\nResúmenes:")
	for i, sum := range sums {
		fmt.Fprintf(&combined, "\n\n[Sección %d]\n%s", i+1, sum)
	}
	out, err := s.Client.GenerateText(ctx, combined.String())
	if err != nil {
		return nil, "", err
	}
	return out, fmt.Sprintf("chunks=%d", len(parts)), nil
}

func splitChunks(s string, size, overlap int) []string {
	r := []rune(s)
	if size <= 0 || len(r) <= size {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(r); {
		end := min(start+size, len(r))
		out = append(out, string(r[start:end]))
		if end == len(r) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
