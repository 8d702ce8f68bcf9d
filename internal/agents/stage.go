// Package agents holds the pipeline stages and the contract they share.
package agents

import (
	"context"
	"errors"

	"github.com/example/finance-pipeline/internal/models"
)

// ErrMissingInput is returned by a stage invoked without the slots it reads.
var ErrMissingInput = errors.New("missing stage input")

// Kind identifies a pipeline position.
type Kind string

const (
	KindIntent    Kind = "intent"
	KindRetrieve  Kind = "retrieve"
	KindReason    Kind = "reason"
	KindWrite     Kind = "write"
	KindVisualize Kind = "visualize"
)

// Order is the fixed execution order of the pipeline.
var Order = []Kind{KindIntent, KindRetrieve, KindReason, KindWrite, KindVisualize}

// Criticality decides whether a stage failure aborts the query.
type Criticality int

const (
	Mandatory Criticality = iota
	BestEffort
)

func (c Criticality) String() string {
	if c == BestEffort {
		return "best-effort"
	}
	return "mandatory"
}

// DefaultCriticality marks only visualization as best-effort.
func DefaultCriticality(k Kind) Criticality {
	if k == KindVisualize {
		return BestEffort
	}
	return Mandatory
}

// Stage is implemented by every pipeline component. Process receives a copy
// of the accumulated state and returns the partial update for its own slot.
// Implementations must be safe for concurrent use.
type Stage interface {
	Name() string
	Process(ctx context.Context, view models.StateView) (*models.StageOutput, error)
}

// Func adapts a function to Stage.
func Func(name string, fn func(ctx context.Context, view models.StateView) (*models.StageOutput, error)) Stage {
	return stageFunc{name: name, fn: fn}
}

type stageFunc struct {
	name string
	fn   func(ctx context.Context, view models.StateView) (*models.StageOutput, error)
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Process(ctx context.Context, view models.StateView) (*models.StageOutput, error) {
	return s.fn(ctx, view)
}
