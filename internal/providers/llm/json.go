package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

var errNoJSON = errors.New("no JSON object in reply")

// DecodeJSONObject parses the first JSON object in an LLM reply into v.
// Code fences and surrounding prose are tolerated.
func DecodeJSONObject(raw string, v any) error {
	text := NormalizeJSONText(raw)
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	obj := extractJSON(text, '{', '}')
	if obj == "" {
		return errNoJSON
	}
	return json.Unmarshal([]byte(obj), v)
}

// NormalizeJSONText strips code fences like ```json ... ```.
func NormalizeJSONText(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		// drop the language hint
		if idx := strings.IndexByte(t, '\n'); idx != -1 {
			t = t[idx+1:]
		}
		if j := strings.LastIndex(t, "```"); j != -1 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}
	return t
}

// extractJSON returns the first balanced open...close span of s. Brackets
// inside string literals are ignored.
func extractJSON(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
