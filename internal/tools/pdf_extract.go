package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	pdfx "github.com/ledongthuc/pdf"
)

// PDFExtractTool reads plain text out of a PDF given either a path on disk
// or base64 data (data: URIs allowed).
type PDFExtractTool struct {
	MaxPages int
	MaxBytes int
}

func (t *PDFExtractTool) Name() string { return "pdf_extract" }

func (t *PDFExtractTool) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	path, _ := inputs["path"].(string)
	dataB64, _ := inputs["data_base64"].(string)
	maxBytes := getInt(inputs, "max_bytes", orDefault(t.MaxBytes, 20*1024*1024))
	maxPages := getInt(inputs, "max_pages", orDefault(t.MaxPages, 20))

	switch {
	case path != "":
		st, err := os.Stat(path)
		if err != nil {
			return nil, "", err
		}
		if st.Size() > int64(maxBytes) {
			return nil, "", fmt.Errorf("pdf too large: %d bytes > limit %d", st.Size(), maxBytes)
		}
	case dataB64 != "":
		if i := strings.Index(dataB64, ","); i != -1 {
			dataB64 = dataB64[i+1:]
		}
		buf, err := base64.StdEncoding.DecodeString(dataB64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid base64: %w", err)
		}
		if len(buf) > maxBytes {
			return nil, "", fmt.Errorf("pdf too large: %d bytes > limit %d", len(buf), maxBytes)
		}
		// the pdf lib expects a path
		f, err := os.CreateTemp("", "extract-*.pdf")
		if err != nil {
			return nil, "", err
		}
		path = f.Name()
		defer os.Remove(path)
		_, werr := f.Write(buf)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return nil, "", werr
		}
	default:
		return nil, "", fmt.Errorf("missing path or data_base64")
	}

	f, r, err := pdfx.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	totalPages := r.NumPage()
	pagesSpec, _ := inputs["pages"].(string)
	selected := expandPages(pagesSpec, totalPages)
	if len(selected) == 0 {
		for i := 1; i <= totalPages; i++ {
			selected = append(selected, i)
		}
	}
	if len(selected) > maxPages {
		selected = selected[:maxPages]
	}

	cb := TokenCallbackFrom(ctx)
	var out strings.Builder
	for _, page := range selected {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		p := r.Page(page)
		if p.V.IsNull() {
			continue
		}
		txt, _ := p.GetPlainText(nil)
		if t := strings.TrimSpace(txt); t != "" {
			if cb != nil {
				cb(fmt.Sprintf("\n\n--- Page %d ---\n%s", page, t))
			}
			out.WriteString(t)
			out.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(out.String()), fmt.Sprintf("pages=%d/%d", len(selected), totalPages), nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func getInt(m map[string]any, key string, def int) int {
	if v, ok := m[key]; ok {
		switch t := v.(type) {
		case float64:
			return int(t)
		case int:
			return t
		case string:
			if n, err := strconv.Atoi(t); err == nil {
				return n
			}
		}
	}
	return def
}

// expandPages turns "1-3,7" into [1 2 3 7], dropping out-of-range pages.
func expandPages(spec string, total int) []int {
	var out []int
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return out
	}
	seen := map[int]struct{}{}
	add := func(n int) {
		if n < 1 || n > total {
			return
		}
		if _, ok := seen[n]; !ok {
			out = append(out, n)
			seen[n] = struct{}{}
		}
	}
	for _, p := range strings.Split(spec, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if a, b, ok := strings.Cut(p, "-"); ok {
			lo, _ := strconv.Atoi(strings.TrimSpace(a))
			hi, _ := strconv.Atoi(strings.TrimSpace(b))
			if lo > hi {
				lo, hi = hi, lo
			}
			for i := lo; i <= hi; i++ {
				add(i)
			}
			continue
		}
		n, _ := strconv.Atoi(p)
		add(n)
	}
	return out
}
