package tools

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// HTMLToTextTool strips markup. With mode "headlines" it returns only the
// text of h1-h3 elements, one per line.
type HTMLToTextTool struct{}

func (t *HTMLToTextTool) Name() string { return "html_to_text" }

func (t *HTMLToTextTool) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	htmlStr, _ := inputs["html"].(string)
	if htmlStr == "" {
		return "", "", nil
	}
	node, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return "", "", err
	}
	if mode, _ := inputs["mode"].(string); mode == "headlines" {
		var heads []string
		collectHeadlines(node, &heads)
		return strings.Join(heads, "\n"), fmt.Sprintf("headlines=%d", len(heads)), nil
	}
	var b strings.Builder
	extractText(node, &b, false)
	return strings.TrimSpace(compactWhitespace(b.String())), "", nil
}

func extractText(n *html.Node, b *strings.Builder, inHidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript":
			inHidden = true
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3":
			b.WriteString("\n")
		}
	}
	if !inHidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, inHidden)
	}
}

func collectHeadlines(n *html.Node, out *[]string) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript":
			return
		case "h1", "h2", "h3":
			var b strings.Builder
			extractText(n, &b, false)
			if s := strings.Join(strings.Fields(b.String()), " "); s != "" {
				*out = append(*out, s)
			}
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectHeadlines(c, out)
	}
}

// compactWhitespace collapses runs of spaces and drops empty lines.
func compactWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}
