package models

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"time"
)

type Phase string

const (
	PhaseInit      Phase = "INIT"
	PhaseIntent    Phase = "INTENT"
	PhaseRetrieve  Phase = "RETRIEVE"
	PhaseReason    Phase = "REASON"
	PhaseWrite     Phase = "WRITE"
	PhaseVisualize Phase = "VISUALIZE"
	PhaseDone      Phase = "DONE"
	PhaseFailed    Phase = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

var transitions = map[Phase][]Phase{
	PhaseInit:      {PhaseIntent},
	PhaseIntent:    {PhaseRetrieve, PhaseFailed},
	PhaseRetrieve:  {PhaseReason, PhaseFailed},
	PhaseReason:    {PhaseWrite, PhaseFailed},
	PhaseWrite:     {PhaseVisualize, PhaseFailed},
	PhaseVisualize: {PhaseDone},
}

// Context key owners that are not stages.
const (
	OwnerCaller      = "caller"
	OwnerCoordinator = "coordinator"
)

var (
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrSlotFilled        = errors.New("result slot already written")
)

// PipelineState accumulates everything the stages produce for one query.
// It belongs to a single ProcessQuery call and is never shared.
type PipelineState struct {
	QueryID       string
	RequestID     string
	Query         string
	Context       map[string]any
	Intent        *Intent
	Information   *Information
	Analysis      *Analysis
	ResponseText  string
	Visualization *Visualization
	Phase         Phase
	FailedStage   string
	Warnings      []string
	StartedAt     time.Time

	owners      map[string]string
	responseSet bool
}

// NewPipelineState seeds the context with the caller's keys followed by the
// coordinator's bookkeeping keys.
func NewPipelineState(queryID, query string, callerCtx map[string]any, now time.Time) *PipelineState {
	s := &PipelineState{
		QueryID:   queryID,
		Query:     query,
		Context:   map[string]any{},
		Phase:     PhaseInit,
		StartedAt: now,
		owners:    map[string]string{},
	}
	s.MergeContext(OwnerCaller, callerCtx)
	s.MergeContext(OwnerCoordinator, map[string]any{
		"query_id":       queryID,
		"timestamp":      now.UTC().Format(time.RFC3339Nano),
		"original_query": query,
	})
	return s
}

// Owner returns who wrote key, or "" when the key is absent.
func (s *PipelineState) Owner(key string) string { return s.owners[key] }

// MergeContext adds kv under owner. Keys owned by someone else keep their
// value; the refused write is recorded as a warning. Nothing is ever removed.
// The coordinator may claim keys the caller supplied (query_id, timestamp).
func (s *PipelineState) MergeContext(owner string, kv map[string]any) []string {
	var refused []string
	for k, v := range kv {
		prev, exists := s.owners[k]
		switch {
		case !exists, prev == owner:
		case owner == OwnerCoordinator && prev == OwnerCaller:
		default:
			if reflect.DeepEqual(s.Context[k], v) {
				continue
			}
			refused = append(refused, k)
			s.Warnings = append(s.Warnings, fmt.Sprintf("%s may not overwrite context key %q owned by %s", owner, k, prev))
			continue
		}
		s.Context[k] = v
		s.owners[k] = owner
	}
	return refused
}

// Advance moves the state machine forward.
func (s *PipelineState) Advance(to Phase) error {
	for _, next := range transitions[s.Phase] {
		if next == to {
			s.Phase = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, to)
}

// Fail moves the state to FAILED and remembers the stage responsible.
func (s *PipelineState) Fail(stage string) error {
	if err := s.Advance(PhaseFailed); err != nil {
		return err
	}
	s.FailedStage = stage
	return nil
}

func (s *PipelineState) SetIntent(v *Intent) error {
	if s.Intent != nil {
		return fmt.Errorf("%w: intent", ErrSlotFilled)
	}
	s.Intent = v
	return nil
}

func (s *PipelineState) SetInformation(v *Information) error {
	if s.Information != nil {
		return fmt.Errorf("%w: information", ErrSlotFilled)
	}
	s.Information = v
	return nil
}

func (s *PipelineState) SetAnalysis(v *Analysis) error {
	if s.Analysis != nil {
		return fmt.Errorf("%w: analysis", ErrSlotFilled)
	}
	s.Analysis = v
	return nil
}

func (s *PipelineState) SetResponse(text string) error {
	if s.responseSet {
		return fmt.Errorf("%w: response", ErrSlotFilled)
	}
	s.ResponseText = text
	s.responseSet = true
	return nil
}

func (s *PipelineState) SetVisualization(v *Visualization) error {
	if s.Visualization != nil {
		return fmt.Errorf("%w: visualization", ErrSlotFilled)
	}
	s.Visualization = v
	return nil
}

// StateView is the snapshot a stage receives. Mutating it has no effect on
// the pipeline state.
type StateView struct {
	QueryID     string
	Query       string
	Context     map[string]any
	Intent      *Intent
	Information *Information
	Analysis    *Analysis
	Response    string
}

// View copies the state for handing to a stage.
func (s *PipelineState) View() StateView {
	v := StateView{
		QueryID:  s.QueryID,
		Query:    s.Query,
		Context:  maps.Clone(s.Context),
		Response: s.ResponseText,
	}
	if s.Intent != nil {
		c := *s.Intent
		c.Subtopics = append([]string(nil), s.Intent.Subtopics...)
		v.Intent = &c
	}
	if s.Information != nil {
		c := *s.Information
		c.Data = maps.Clone(s.Information.Data)
		c.Sources = append([]string(nil), s.Information.Sources...)
		v.Information = &c
	}
	if s.Analysis != nil {
		c := *s.Analysis
		c.LiveData = maps.Clone(s.Analysis.LiveData)
		c.KeyFactors = append([]string(nil), s.Analysis.KeyFactors...)
		c.ReasoningChain = append([]string(nil), s.Analysis.ReasoningChain...)
		c.KeyFindings = append([]string(nil), s.Analysis.KeyFindings...)
		c.Implications = append([]string(nil), s.Analysis.Implications...)
		c.Recommendations = append([]string(nil), s.Analysis.Recommendations...)
		v.Analysis = &c
	}
	if v.Context == nil {
		v.Context = map[string]any{}
	}
	return v
}

// Topic returns the best known topic: the analysis topic, then the intent.
func (v StateView) Topic() string {
	if v.Analysis != nil && v.Analysis.Topic != "" {
		return v.Analysis.Topic
	}
	if v.Intent != nil && v.Intent.MainTopic != "" {
		return v.Intent.MainTopic
	}
	return ""
}
