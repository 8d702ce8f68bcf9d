package models

import (
	"maps"
	"strings"
	"time"
)

// Query is the caller's question. It is never mutated after NewQuery.
// RequestID is the caller's correlation id (X-Request-ID). It is recorded
// alongside the query but never used as the query id.
type Query struct {
	RequestID string         `json:"request_id,omitempty"`
	Text      string         `json:"query_text"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewQuery copies ctx so later changes by the caller are not observed.
func NewQuery(text string, ctx map[string]any) Query {
	c := make(map[string]any, len(ctx))
	maps.Copy(c, ctx)
	return Query{Text: text, Context: c, CreatedAt: time.Now().UTC()}
}

// CleanText returns the query text without surrounding whitespace.
func (q Query) CleanText() string { return strings.TrimSpace(q.Text) }

type Intent struct {
	MainTopic  string   `json:"main_topic"`
	Subtopics  []string `json:"subtopics,omitempty"`
	Intention  string   `json:"intention,omitempty"`
	Confidence float64  `json:"confidence"`
}

type Information struct {
	Data            map[string]any `json:"data"`
	Sources         []string       `json:"sources"`
	MarketSentiment string         `json:"market_sentiment,omitempty"`
	RetrievedAt     time.Time      `json:"retrieved_at"`
}

type Analysis struct {
	Topic           string         `json:"topic"`
	KeyFactors      []string       `json:"key_factors,omitempty"`
	KeyFindings     []string       `json:"key_findings,omitempty"`
	Implications    []string       `json:"implications,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
	MarketSentiment string         `json:"market_sentiment,omitempty"`
	Confidence      float64        `json:"confidence"`
	ReasoningChain  []string       `json:"reasoning_chain,omitempty"`
	LiveData        map[string]any `json:"live_data,omitempty"`
}

type Visualization struct {
	VisualizationURL string         `json:"visualization_url,omitempty"`
	ImageURL         string         `json:"image_url,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Empty reports whether the visualization carries no reference at all.
func (v *Visualization) Empty() bool {
	return v == nil || (v.VisualizationURL == "" && v.ImageURL == "")
}

// StageOutput is the partial update a stage hands back to the coordinator.
// Only the slot owned by the stage is read; Context entries are merged under
// the stage's ownership. Warnings are non-fatal problems (a source that did
// not answer, a fallback that was taken) surfaced on the Response.
type StageOutput struct {
	Intent        *Intent        `json:"intent,omitempty"`
	Information   *Information   `json:"information,omitempty"`
	Analysis      *Analysis      `json:"analysis,omitempty"`
	Response      string         `json:"response,omitempty"`
	Visualization *Visualization `json:"visualization,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
}

// Response is the caller-facing result of one query.
type Response struct {
	QueryID       string         `json:"query_id"`
	Text          string         `json:"text"`
	Visualization *Visualization `json:"visualization,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// VisualizationURL returns nil when no chart reference exists.
func (r *Response) VisualizationURL() *string {
	if r.Visualization == nil || r.Visualization.VisualizationURL == "" {
		return nil
	}
	s := r.Visualization.VisualizationURL
	return &s
}

// ImageURL returns nil when no illustration reference exists.
func (r *Response) ImageURL() *string {
	if r.Visualization == nil || r.Visualization.ImageURL == "" {
		return nil
	}
	s := r.Visualization.ImageURL
	return &s
}

// BuildResponse converts a finished state into a Response. It reads the state
// only, so two calls over the same state differ at most in CreatedAt.
func BuildResponse(s *PipelineState, now time.Time) *Response {
	var vis *Visualization
	if !s.Visualization.Empty() {
		v := *s.Visualization
		v.Metadata = maps.Clone(s.Visualization.Metadata)
		vis = &v
	}
	var warnings []string
	if len(s.Warnings) > 0 {
		warnings = append([]string(nil), s.Warnings...)
	}
	return &Response{
		QueryID:       s.QueryID,
		Text:          s.ResponseText,
		Visualization: vis,
		Warnings:      warnings,
		CreatedAt:     now,
	}
}
