package models

import "time"

// QueryRecord is the terminal outcome of one query, as kept in history.
type QueryRecord struct {
	QueryID     string    `json:"query_id"`
	RequestID   string    `json:"request_id,omitempty"`
	Query       string    `json:"query"`
	Topic       string    `json:"topic,omitempty"`
	Phase       Phase     `json:"phase"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	Response    *Response `json:"response,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// NewQueryRecord snapshots s. resp is nil for failed queries.
func NewQueryRecord(s *PipelineState, resp *Response, err error, finished time.Time) QueryRecord {
	rec := QueryRecord{
		QueryID:     s.QueryID,
		RequestID:   s.RequestID,
		Query:       s.Query,
		Topic:       s.View().Topic(),
		Phase:       s.Phase,
		FailedStage: s.FailedStage,
		Response:    resp,
		Warnings:    append([]string(nil), s.Warnings...),
		StartedAt:   s.StartedAt,
		FinishedAt:  finished,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func (r QueryRecord) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }
