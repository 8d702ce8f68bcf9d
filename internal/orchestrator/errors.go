package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQuery is a caller error: the query text is blank.
	ErrEmptyQuery = errors.New("query cannot be empty")
	// ErrMissingResponse means the write stage succeeded without any text.
	ErrMissingResponse = errors.New("stage produced no response text")
	// ErrMissingOutput means a stage succeeded without filling its slot.
	ErrMissingOutput = errors.New("stage returned no output for its slot")
	// ErrPrecondition means a stage was about to run without its inputs.
	ErrPrecondition = errors.New("stage precondition not met")
	// ErrStageTimeout is returned when a stage exceeds the stage timeout.
	ErrStageTimeout = errors.New("stage timed out")
)

// StageError identifies the stage responsible for a failed query.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// FallbackMessage is shown to callers for failures outside any stage.
const FallbackMessage = "Lo sentimos, ocurrió un error inesperado al procesar su consulta."

// InternalError is a failure in the coordinator itself (state handling,
// preconditions, a recovered panic). Its details are for logs only.
type InternalError struct {
	Stage string
	Err   error
}

func (e *InternalError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("internal error at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// UserMessage is the text callers see instead of Error().
func (e *InternalError) UserMessage() string { return FallbackMessage }
