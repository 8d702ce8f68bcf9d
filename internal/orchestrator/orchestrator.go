// Package orchestrator runs one query through the five pipeline stages.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/finance-pipeline/internal/agents"
	"github.com/example/finance-pipeline/internal/logging"
	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/tools"
)

// Recorder receives the terminal outcome of every query.
type Recorder interface {
	RecordQuery(ctx context.Context, rec models.QueryRecord) error
}

// Stages holds one implementation per pipeline position.
type Stages struct {
	Intent    agents.Stage
	Retrieve  agents.Stage
	Reason    agents.Stage
	Write     agents.Stage
	Visualize agents.Stage
}

func (s Stages) byKind() map[agents.Kind]agents.Stage {
	return map[agents.Kind]agents.Stage{
		agents.KindIntent:    s.Intent,
		agents.KindRetrieve:  s.Retrieve,
		agents.KindReason:    s.Reason,
		agents.KindWrite:     s.Write,
		agents.KindVisualize: s.Visualize,
	}
}

var phaseOf = map[agents.Kind]models.Phase{
	agents.KindIntent:    models.PhaseIntent,
	agents.KindRetrieve:  models.PhaseRetrieve,
	agents.KindReason:    models.PhaseReason,
	agents.KindWrite:     models.PhaseWrite,
	agents.KindVisualize: models.PhaseVisualize,
}

// Coordinator sequences the stages for each query. It keeps no per-query
// state between calls and is safe for concurrent use.
type Coordinator struct {
	stages       map[agents.Kind]agents.Stage
	criticality  map[agents.Kind]agents.Criticality
	log          *zap.Logger
	hub          *Hub
	recorder     Recorder
	stageTimeout time.Duration
	maxAttempts  int
	retryBackoff time.Duration
	previewMax   int
	now          func() time.Time
	newID        func() string
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }

func WithHub(h *Hub) Option { return func(c *Coordinator) { c.hub = h } }

func WithRecorder(r Recorder) Option { return func(c *Coordinator) { c.recorder = r } }

// WithStageTimeout bounds every stage invocation. Zero disables the bound.
func WithStageTimeout(d time.Duration) Option { return func(c *Coordinator) { c.stageTimeout = d } }

// WithRetry allows up to maxAttempts invocations per stage, waiting backoff,
// 2*backoff, ... between them. The default is a single attempt.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(c *Coordinator) {
		c.maxAttempts = max(maxAttempts, 1)
		c.retryBackoff = backoff
	}
}

func WithCriticality(k agents.Kind, crit agents.Criticality) Option {
	return func(c *Coordinator) { c.criticality[k] = crit }
}

// WithPreviewLimit caps the stage output preview published to the hub.
func WithPreviewLimit(n int) Option { return func(c *Coordinator) { c.previewMax = n } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func WithIDGenerator(f func() string) Option { return func(c *Coordinator) { c.newID = f } }

func New(stages Stages, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		stages:       stages.byKind(),
		criticality:  map[agents.Kind]agents.Criticality{},
		log:          zap.NewNop(),
		stageTimeout: 60 * time.Second,
		maxAttempts:  1,
		retryBackoff: 500 * time.Millisecond,
		previewMax:   20000,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, k := range agents.Order {
		if c.stages[k] == nil {
			return nil, fmt.Errorf("orchestrator: no %s stage", k)
		}
		c.criticality[k] = agents.DefaultCriticality(k)
	}
	for _, o := range opts {
		o(c)
	}
	// FAILED is unreachable from VISUALIZE, so its failures are always absorbed.
	if c.criticality[agents.KindVisualize] != agents.BestEffort {
		return nil, errors.New("orchestrator: the visualize stage must be best-effort")
	}
	return c, nil
}

// ProcessQuery runs q through every stage in order and builds the Response.
// Mandatory stage failures are returned as *StageError, coordinator failures
// as *InternalError; both leave no Response.
func (c *Coordinator) ProcessQuery(ctx context.Context, q models.Query) (resp *models.Response, err error) {
	text := q.CleanText()
	if text == "" {
		return nil, ErrEmptyQuery
	}
	// Query ids are always minted here; a caller id is kept only for correlation.
	id := c.newID()
	base := c.log
	if q.RequestID != "" {
		base = base.With(zap.String("request_id", q.RequestID))
	}
	ctx = logging.WithQueryID(logging.WithLogger(ctx, base), id)
	log := logging.FromContext(ctx)

	state := models.NewPipelineState(id, text, q.Context, c.now())
	if q.RequestID != "" {
		state.RequestID = q.RequestID
		state.MergeContext(models.OwnerCoordinator, map[string]any{"request_id": q.RequestID})
	}
	c.publish(id, "query_status", map[string]any{"status": "running", "phase": state.Phase})
	log.Info("query started", zap.String("query", text))

	var appendToken func(stage, chunk string)
	if c.hub != nil {
		appendToken = c.hub.TokenAppender(id)
	}

	defer func() {
		if r := recover(); r != nil {
			stage := strings.ToLower(string(state.Phase))
			log.Error("coordinator panic", zap.Any("panic", r), zap.Stack("stack"))
			resp, err = nil, &InternalError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
			if !state.Phase.Terminal() {
				_ = state.Fail(stage)
			}
		}
		// remaining tokens go out before the terminal status
		if c.hub != nil {
			c.hub.StopTokenAppender(id)
		}
		c.finish(ctx, state, resp, err)
	}()

	for _, kind := range agents.Order {
		if err := state.Advance(phaseOf[kind]); err != nil {
			return nil, &InternalError{Stage: string(kind), Err: err}
		}
		err := c.runStage(ctx, state, kind, appendToken)
		if err == nil {
			continue
		}
		if c.criticality[kind] == agents.BestEffort && !isInternal(err) {
			log.Warn("best-effort stage failed", zap.String("stage", string(kind)), zap.Error(err))
			c.warn(state, string(kind), fmt.Sprintf("%s skipped: %v", kind, err))
			continue
		}
		if ferr := state.Fail(string(kind)); ferr != nil {
			return nil, &InternalError{Stage: string(kind), Err: errors.Join(err, ferr)}
		}
		return nil, err
	}
	if err := state.Advance(models.PhaseDone); err != nil {
		return nil, &InternalError{Err: err}
	}
	return models.BuildResponse(state, c.now().UTC()), nil
}

func isInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

// runStage checks preconditions, invokes the stage and merges its output.
// The state is only touched once the stage's output has been validated.
func (c *Coordinator) runStage(ctx context.Context, state *models.PipelineState, kind agents.Kind, appendToken func(stage, chunk string)) error {
	if err := checkPreconditions(state, kind); err != nil {
		return &InternalError{Stage: string(kind), Err: err}
	}
	var tap *tokenTap
	if appendToken != nil {
		tap = &tokenTap{stage: string(kind), forward: appendToken}
		ctx = tools.WithTokenCallback(ctx, tap.append)
	}
	log := logging.FromContext(ctx).With(zap.String("stage", string(kind)))
	stage := c.stages[kind]
	start := c.now()
	c.publish(state.QueryID, "stage_status", map[string]any{"stage": kind, "status": "running"})
	log.Debug("stage started", zap.String("impl", stage.Name()))

	out, attempts, err := c.invoke(logging.WithLogger(ctx, log), state, stage, tap)
	if err == nil {
		err = c.merge(state, kind, out)
	}
	elapsed := c.now().Sub(start)
	if err != nil {
		var se *StageError
		if !errors.As(err, &se) && !isInternal(err) {
			err = &StageError{Stage: string(kind), Err: err}
		}
		log.Warn("stage failed", zap.Error(err), zap.Int("attempts", attempts), zap.Int64("elapsed_ms", elapsed.Milliseconds()))
		c.publish(state.QueryID, "stage_status", map[string]any{
			"stage": kind, "status": "failed", "error": err.Error(), "attempts": attempts, "elapsed_ms": elapsed.Milliseconds(),
		})
		return err
	}
	log.Info("stage finished", zap.Int("attempts", attempts), zap.Int64("elapsed_ms", elapsed.Milliseconds()))
	c.publish(state.QueryID, "stage_result", c.preview(kind, out))
	c.publish(state.QueryID, "stage_status", map[string]any{
		"stage": kind, "status": "done", "attempts": attempts, "elapsed_ms": elapsed.Milliseconds(),
	})
	return nil
}

func checkPreconditions(s *models.PipelineState, kind agents.Kind) error {
	var missing []string
	switch kind {
	case agents.KindRetrieve:
		if s.Intent == nil {
			missing = append(missing, "intent")
		}
	case agents.KindReason:
		if s.Intent == nil {
			missing = append(missing, "intent")
		}
		if s.Information == nil {
			missing = append(missing, "information")
		}
	case agents.KindWrite:
		if s.Analysis == nil {
			missing = append(missing, "analysis")
		}
	case agents.KindVisualize:
		if strings.TrimSpace(s.ResponseText) == "" {
			missing = append(missing, "response")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s needs %s", ErrPrecondition, kind, strings.Join(missing, ", "))
	}
	return nil
}

// invoke calls the stage up to maxAttempts times. Cancellation of ctx and
// missing-input errors are never retried. Tokens streamed by an attempt that
// failed, or that disagree with the text the attempt returned, are retracted.
func (c *Coordinator) invoke(ctx context.Context, state *models.PipelineState, stage agents.Stage, tap *tokenTap) (*models.StageOutput, int, error) {
	for attempt := 1; ; attempt++ {
		out, err := c.callOnce(ctx, stage, state.View())
		if streamed := tap.take(); streamed != "" {
			if err != nil || (out != nil && strings.TrimSpace(out.Response) != strings.TrimSpace(streamed)) {
				c.hub.ResetTokens(state.QueryID, tap.stage)
			}
		}
		if err == nil {
			return out, attempt, nil
		}
		if attempt >= c.maxAttempts || ctx.Err() != nil || errors.Is(err, agents.ErrMissingInput) {
			return nil, attempt, err
		}
		wait := c.retryBackoff << (attempt - 1)
		logging.FromContext(ctx).Info("retrying stage", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tokenTap remembers what one stage attempt streamed.
type tokenTap struct {
	stage   string
	forward func(stage, chunk string)

	mu  sync.Mutex
	buf strings.Builder
}

func (t *tokenTap) append(chunk string) {
	t.mu.Lock()
	t.buf.WriteString(chunk)
	t.mu.Unlock()
	t.forward(t.stage, chunk)
}

// take returns and clears the text streamed so far. A nil tap streams nothing.
func (t *tokenTap) take() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.buf.String()
	t.buf.Reset()
	return s
}

type callResult struct {
	out *models.StageOutput
	err error
}

// callOnce runs the stage in its own goroutine so that a stage ignoring its
// context cannot hold the query past the timeout.
func (c *Coordinator) callOnce(ctx context.Context, stage agents.Stage, view models.StateView) (*models.StageOutput, error) {
	sctx, cancel := ctx, context.CancelFunc(func() {})
	if c.stageTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, c.stageTimeout)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.FromContext(ctx).Error("stage panic", zap.Any("panic", r), zap.Stack("stack"))
				done <- callResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := stage.Process(sctx, view)
		done <- callResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrStageTimeout, c.stageTimeout, r.err)
		}
		return r.out, r.err
	case <-sctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s: %w", ErrStageTimeout, c.stageTimeout, sctx.Err())
	}
}

// merge validates the slot owned by kind and applies the output.
func (c *Coordinator) merge(state *models.PipelineState, kind agents.Kind, out *models.StageOutput) error {
	if out == nil {
		return &StageError{Stage: string(kind), Err: ErrMissingOutput}
	}
	var err error
	switch kind {
	case agents.KindIntent:
		if out.Intent == nil || out.Intent.MainTopic == "" {
			return &StageError{Stage: string(kind), Err: fmt.Errorf("%w: intent", ErrMissingOutput)}
		}
		err = state.SetIntent(out.Intent)
	case agents.KindRetrieve:
		if out.Information == nil {
			return &StageError{Stage: string(kind), Err: fmt.Errorf("%w: information", ErrMissingOutput)}
		}
		err = state.SetInformation(out.Information)
	case agents.KindReason:
		if out.Analysis == nil {
			return &StageError{Stage: string(kind), Err: fmt.Errorf("%w: analysis", ErrMissingOutput)}
		}
		err = state.SetAnalysis(out.Analysis)
	case agents.KindWrite:
		if strings.TrimSpace(out.Response) == "" {
			return &StageError{Stage: string(kind), Err: ErrMissingResponse}
		}
		err = state.SetResponse(out.Response)
	case agents.KindVisualize:
		if out.Visualization.Empty() {
			return &StageError{Stage: string(kind), Err: fmt.Errorf("%w: visualization", ErrMissingOutput)}
		}
		err = state.SetVisualization(out.Visualization)
	}
	if err != nil {
		return &InternalError{Stage: string(kind), Err: err}
	}

	before := len(state.Warnings)
	state.MergeContext(string(kind), out.Context)
	for _, w := range state.Warnings[before:] {
		c.publish(state.QueryID, "warning", map[string]any{"stage": kind, "message": w})
	}
	for _, w := range out.Warnings {
		c.warn(state, string(kind), w)
	}
	return nil
}

func (c *Coordinator) warn(state *models.PipelineState, stage, msg string) {
	state.Warnings = append(state.Warnings, msg)
	c.publish(state.QueryID, "warning", map[string]any{"stage": stage, "message": msg})
}

// finish publishes the terminal status and hands the outcome to the recorder.
func (c *Coordinator) finish(ctx context.Context, state *models.PipelineState, resp *models.Response, err error) {
	finished := c.now()
	payload := map[string]any{"status": "done", "phase": state.Phase, "elapsed_ms": finished.Sub(state.StartedAt).Milliseconds()}
	log := logging.FromContext(ctx)
	if err != nil {
		payload["status"] = "failed"
		payload["stage"] = state.FailedStage
		payload["error"] = err.Error()
		log.Warn("query failed", zap.String("stage", state.FailedStage), zap.Error(err))
	} else {
		log.Info("query finished", zap.Int("warnings", len(state.Warnings)), zap.Int64("elapsed_ms", finished.Sub(state.StartedAt).Milliseconds()))
	}
	c.publish(state.QueryID, "query_status", payload)

	if c.recorder == nil {
		return
	}
	rec := models.NewQueryRecord(state, resp, err, finished)
	if rerr := c.recorder.RecordQuery(context.WithoutCancel(ctx), rec); rerr != nil {
		log.Error("recording query failed", zap.Error(rerr))
	}
}

func (c *Coordinator) publish(queryID, event string, payload any) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(Event{Event: event, QueryID: queryID, Payload: payload})
}

// preview summarizes a stage output for event subscribers, truncating the
// JSON form to previewMax bytes.
func (c *Coordinator) preview(kind agents.Kind, out *models.StageOutput) map[string]any {
	b, _ := json.Marshal(out)
	s := string(b)
	res := map[string]any{"stage": kind, "bytes_total": len(s)}
	if c.previewMax > 0 && len(s) > c.previewMax {
		cut := c.previewMax
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
		res["preview_truncated"] = true
	}
	res["output"] = s
	return res
}
