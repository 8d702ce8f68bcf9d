package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/example/finance-pipeline/internal/agents"
	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/providers/llm"
	"github.com/example/finance-pipeline/internal/store"
	"github.com/example/finance-pipeline/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []models.QueryRecord
}

func (r *memRecorder) RecordQuery(_ context.Context, rec models.QueryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) all() []models.QueryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.QueryRecord(nil), r.recs...)
}

type memSaver struct{ n atomic.Int32 }

func (m *memSaver) Save(ext string, _ []byte) (string, error) {
	return fmt.Sprintf("/images/%d.%s", m.n.Add(1), ext), nil
}

// stubStages returns trivially successful stages that record the order in
// which they ran.
func stubStages(order *[]string, mu *sync.Mutex) Stages {
	record := func(name string) {
		mu.Lock()
		*order = append(*order, name)
		mu.Unlock()
	}
	return Stages{
		Intent: agents.Func("intent", func(ctx context.Context, v models.StateView) (*models.StageOutput, error) {
			record("intent")
			return &models.StageOutput{Intent: &models.Intent{MainTopic: agents.TopicCurrency, Confidence: 0.9}}, nil
		}),
		Retrieve: agents.Func("retrieve", func(ctx context.Context, v models.StateView) (*models.StageOutput, error) {
			record("retrieve")
			return &models.StageOutput{Information: &models.Information{Data: map[string]any{}}, Context: map[string]any{"market_sentiment": "neutral"}}, nil
		}),
		Reason: agents.Func("reason", func(ctx context.Context, v models.StateView) (*models.StageOutput, error) {
			record("reason")
			return &models.StageOutput{Analysis: &models.Analysis{Topic: v.Intent.MainTopic}}, nil
		}),
		Write: agents.Func("write", func(ctx context.Context, v models.StateView) (*models.StageOutput, error) {
			record("write")
			return &models.StageOutput{Response: "Los tipos de cambio se mantienen estables."}, nil
		}),
		Visualize: agents.Func("visualize", func(ctx context.Context, v models.StateView) (*models.StageOutput, error) {
			record("visualize")
			return &models.StageOutput{Visualization: &models.Visualization{VisualizationURL: "/images/x.png"}}, nil
		}),
	}
}

func newStub(t *testing.T, mutate func(*Stages), opts ...Option) (*Coordinator, *[]string) {
	t.Helper()
	var order []string
	var mu sync.Mutex
	s := stubStages(&order, &mu)
	if mutate != nil {
		mutate(&s)
	}
	c, err := New(s, opts...)
	require.NoError(t, err)
	return c, &order
}

func failing(err error) agents.Stage {
	return agents.Func("failing", func(context.Context, models.StateView) (*models.StageOutput, error) {
		return nil, err
	})
}

func TestEmptyQueryInvokesNoStage(t *testing.T) {
	rec := &memRecorder{}
	c, order := newStub(t, nil, WithRecorder(rec))
	for _, q := range []string{"", "   \n\t"} {
		resp, err := c.ProcessQuery(context.Background(), models.NewQuery(q, nil))
		assert.ErrorIs(t, err, ErrEmptyQuery)
		assert.Nil(t, resp)
	}
	assert.Empty(t, *order)
	assert.Empty(t, rec.all())
}

func TestStagesRunInOrder(t *testing.T) {
	rec := &memRecorder{}
	c, order := newStub(t, nil, WithRecorder(rec), WithIDGenerator(func() string { return "q-1" }))
	resp, err := c.ProcessQuery(context.Background(), models.NewQuery("¿Cómo está el dólar?", nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"intent", "retrieve", "reason", "write", "visualize"}, *order)
	assert.Equal(t, "q-1", resp.QueryID)
	assert.Equal(t, "Los tipos de cambio se mantienen estables.", resp.Text)
	require.NotNil(t, resp.VisualizationURL())
	assert.Equal(t, "/images/x.png", *resp.VisualizationURL())

	recs := rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, models.PhaseDone, recs[0].Phase)
	assert.Equal(t, agents.TopicCurrency, recs[0].Topic)
	assert.Equal(t, resp, recs[0].Response)
}

func TestRequestIDNeverBecomesTheQueryID(t *testing.T) {
	history, err := store.OpenHistory(":memory:")
	require.NoError(t, err)
	defer history.Close()

	var mu sync.Mutex
	var seen []any
	c, _ := newStub(t, func(s *Stages) {
		s.Reason = agents.Func("reason", func(_ context.Context, v models.StateView) (*models.StageOutput, error) {
			mu.Lock()
			seen = append(seen, v.Context["request_id"])
			mu.Unlock()
			return &models.StageOutput{Analysis: &models.Analysis{Topic: v.Intent.MainTopic}}, nil
		})
	}, WithRecorder(history))

	first := models.NewQuery("dólar", nil)
	first.RequestID = "req-42"
	resp1, err := c.ProcessQuery(context.Background(), first)
	require.NoError(t, err)

	second := models.NewQuery("inflación", nil)
	second.RequestID = "req-42"
	resp2, err := c.ProcessQuery(context.Background(), second)
	require.NoError(t, err)

	assert.NotEqual(t, "req-42", resp1.QueryID)
	assert.NotEqual(t, resp1.QueryID, resp2.QueryID)
	assert.Equal(t, []any{"req-42", "req-42"}, seen)

	recs, err := history.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	rec, err := history.Get(context.Background(), resp1.QueryID)
	require.NoError(t, err)
	assert.Equal(t, "req-42", rec.RequestID)
	assert.Equal(t, "dólar", rec.Query)
	assert.Equal(t, models.PhaseDone, rec.Phase)
	require.NotNil(t, rec.Response)
	assert.Equal(t, resp1.Text, rec.Response.Text)
}

func TestClockStampsRecords(t *testing.T) {
	start := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time { return start.Add(time.Duration(ticks.Add(1)) * 10 * time.Millisecond) }

	rec := &memRecorder{}
	c, _ := newStub(t, nil, WithRecorder(rec), WithClock(clock))
	_, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	require.NoError(t, err)

	recs := rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, start.Add(10*time.Millisecond), recs[0].StartedAt)
	assert.True(t, recs[0].FinishedAt.After(recs[0].StartedAt))
	assert.Equal(t, start.Add(time.Duration(ticks.Load())*10*time.Millisecond), recs[0].FinishedAt)
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	c, _ := newStub(t, nil)
	seen := map[string]bool{}
	for range 50 {
		resp, err := c.ProcessQuery(context.Background(), models.NewQuery("misma consulta", nil))
		require.NoError(t, err)
		assert.False(t, seen[resp.QueryID], "duplicate id %s", resp.QueryID)
		seen[resp.QueryID] = true
	}
}

func TestInvestmentScenarioWithRealStages(t *testing.T) {
	saver := &memSaver{}
	c, err := New(Stages{
		Intent:    agents.KeywordClassifier{},
		Retrieve:  agents.NewRetriever(2, 0, agents.StaticSource{}),
		Reason:    agents.RuleReasoner{},
		Write:     agents.TemplateWriter{},
		Visualize: agents.NewChartVisualizer(saver, llm.NoImages{}),
	})
	require.NoError(t, err)

	resp, err := c.ProcessQuery(context.Background(), models.NewQuery("¿Cómo está el mercado de inversiones hoy?", map[string]any{}))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Text)
	assert.Contains(t, resp.Text, "señales positivas")
	require.NotNil(t, resp.VisualizationURL())
	assert.Equal(t, "/images/1.png", *resp.VisualizationURL())
	assert.Nil(t, resp.ImageURL())

	b, err := json.Marshal(map[string]any{"visualization_url": resp.VisualizationURL(), "image_url": resp.ImageURL()})
	require.NoError(t, err)
	assert.JSONEq(t, `{"visualization_url": "/images/1.png", "image_url": null}`, string(b))
}

func TestVisualizeFailureIsAbsorbed(t *testing.T) {
	rec := &memRecorder{}
	c, _ := newStub(t, func(s *Stages) { s.Visualize = failing(errors.New("renderer crashed")) }, WithRecorder(rec))

	resp, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	require.NoError(t, err)
	assert.Equal(t, "Los tipos de cambio se mantienen estables.", resp.Text)
	assert.Nil(t, resp.VisualizationURL())
	assert.Nil(t, resp.ImageURL())
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "renderer crashed")
	assert.Equal(t, models.PhaseDone, rec.all()[0].Phase)
}

func TestVisualizeWithoutReferenceIsAbsorbed(t *testing.T) {
	c, _ := newStub(t, func(s *Stages) {
		s.Visualize = agents.Func("empty", func(context.Context, models.StateView) (*models.StageOutput, error) {
			return &models.StageOutput{Visualization: &models.Visualization{}}, nil
		})
	})
	resp, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	require.NoError(t, err)
	assert.Nil(t, resp.Visualization)
	assert.NotEmpty(t, resp.Warnings)
}

func TestMandatoryFailureIdentifiesStage(t *testing.T) {
	for _, kind := range []agents.Kind{agents.KindIntent, agents.KindRetrieve, agents.KindReason, agents.KindWrite} {
		t.Run(string(kind), func(t *testing.T) {
			rec := &memRecorder{}
			boom := errors.New("model unavailable")
			c, order := newStub(t, func(s *Stages) {
				switch kind {
				case agents.KindIntent:
					s.Intent = failing(boom)
				case agents.KindRetrieve:
					s.Retrieve = failing(boom)
				case agents.KindReason:
					s.Reason = failing(boom)
				case agents.KindWrite:
					s.Write = failing(boom)
				}
			}, WithRecorder(rec))

			resp, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
			assert.Nil(t, resp)
			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, string(kind), se.Stage)
			assert.ErrorIs(t, err, boom)
			assert.NotContains(t, *order, "visualize")

			recs := rec.all()
			require.Len(t, recs, 1)
			assert.Equal(t, models.PhaseFailed, recs[0].Phase)
			assert.Equal(t, string(kind), recs[0].FailedStage)
			assert.Nil(t, recs[0].Response)
			assert.Contains(t, recs[0].Error, "model unavailable")
		})
	}
}

func TestMissingSlotIsAFailure(t *testing.T) {
	c, _ := newStub(t, func(s *Stages) {
		s.Retrieve = agents.Func("lazy", func(context.Context, models.StateView) (*models.StageOutput, error) {
			return &models.StageOutput{Context: map[string]any{"note": "nothing found"}}, nil
		})
	})
	_, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "retrieve", se.Stage)
	assert.ErrorIs(t, err, ErrMissingOutput)
}

func TestEmptyResponseFailsWrite(t *testing.T) {
	c, order := newStub(t, func(s *Stages) {
		s.Write = agents.Func("blank", func(context.Context, models.StateView) (*models.StageOutput, error) {
			return &models.StageOutput{Response: "  "}, nil
		})
	})
	resp, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrMissingResponse)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "write", se.Stage)
	assert.NotContains(t, *order, "visualize")
}

func TestStagesObserveTheirInputs(t *testing.T) {
	check := func(name string, ok func(v models.StateView) bool, out *models.StageOutput) agents.Stage {
		return agents.Func(name, func(_ context.Context, v models.StateView) (*models.StageOutput, error) {
			if !ok(v) {
				return nil, fmt.Errorf("%s observed incomplete state", name)
			}
			return out, nil
		})
	}
	c, err := New(Stages{
		Intent: check("intent", func(v models.StateView) bool { return v.Query != "" && v.Intent == nil },
			&models.StageOutput{Intent: &models.Intent{MainTopic: "budget"}}),
		Retrieve: check("retrieve", func(v models.StateView) bool { return v.Intent != nil },
			&models.StageOutput{Information: &models.Information{}}),
		Reason: check("reason", func(v models.StateView) bool { return v.Intent != nil && v.Information != nil },
			&models.StageOutput{Analysis: &models.Analysis{Topic: "budget"}}),
		Write: check("write", func(v models.StateView) bool { return v.Analysis != nil },
			&models.StageOutput{Response: "texto"}),
		Visualize: check("visualize", func(v models.StateView) bool { return v.Response == "texto" },
			&models.StageOutput{Visualization: &models.Visualization{ImageURL: "/images/i.png"}}),
	})
	require.NoError(t, err)
	resp, err := c.ProcessQuery(context.Background(), models.NewQuery("presupuesto", nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Warnings)
	require.NotNil(t, resp.ImageURL())
}

func TestContextGrowsMonotonically(t *testing.T) {
	var snapshots []map[string]any
	snap := func(name string, out func() *models.StageOutput) agents.Stage {
		return agents.Func(name, func(_ context.Context, v models.StateView) (*models.StageOutput, error) {
			snapshots = append(snapshots, maps.Clone(v.Context))
			return out(), nil
		})
	}
	c, err := New(Stages{
		Intent: snap("intent", func() *models.StageOutput {
			return &models.StageOutput{Intent: &models.Intent{MainTopic: "market"}, Context: map[string]any{"intent_source": "keywords"}}
		}),
		Retrieve: snap("retrieve", func() *models.StageOutput {
			return &models.StageOutput{Information: &models.Information{}, Context: map[string]any{
				"market_sentiment": "positiva",
				"intent_source":    "hijacked",
				"query_id":         "forged",
			}}
		}),
		Reason: snap("reason", func() *models.StageOutput {
			return &models.StageOutput{Analysis: &models.Analysis{}, Context: map[string]any{"market_sentiment": "negativa", "risk": "bajo"}}
		}),
		Write: snap("write", func() *models.StageOutput {
			return &models.StageOutput{Response: "ok", Context: map[string]any{"user": "someone else"}}
		}),
		Visualize: snap("visualize", func() *models.StageOutput {
			return &models.StageOutput{Visualization: &models.Visualization{VisualizationURL: "/v.png"}}
		}),
	}, WithIDGenerator(func() string { return "q-7" }))
	require.NoError(t, err)

	resp, err := c.ProcessQuery(context.Background(), models.NewQuery("bolsa", map[string]any{"user": "ana"}))
	require.NoError(t, err)
	require.Len(t, snapshots, 5)

	for i := 1; i < len(snapshots); i++ {
		prev, next := snapshots[i-1], snapshots[i]
		kept := map[string]any{}
		for k := range prev {
			kept[k] = next[k]
		}
		if diff := cmp.Diff(prev, kept); diff != "" {
			t.Errorf("context changed between stage %d and %d (-before +after):\n%s", i-1, i, diff)
		}
	}
	last := snapshots[4]
	assert.Equal(t, "q-7", last["query_id"])
	assert.Equal(t, "keywords", last["intent_source"])
	assert.Equal(t, "positiva", last["market_sentiment"])
	assert.Equal(t, "bajo", last["risk"])
	assert.Equal(t, "ana", last["user"])
	assert.Len(t, resp.Warnings, 4, "four refused overwrites")
}

func TestStageTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	hang := agents.Func("hang", func(context.Context, models.StateView) (*models.StageOutput, error) {
		<-release // ignores its context
		return nil, errors.New("released")
	})
	c, _ := newStub(t, func(s *Stages) { s.Reason = hang }, WithStageTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, ErrStageTimeout)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "reason", se.Stage)
}

func TestRetryIsOptIn(t *testing.T) {
	var calls atomic.Int32
	flaky := agents.Func("flaky", func(context.Context, models.StateView) (*models.StageOutput, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("503")
		}
		return &models.StageOutput{Information: &models.Information{}}, nil
	})

	c, _ := newStub(t, func(s *Stages) { s.Retrieve = flaky })
	_, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "fail fast by default")

	calls.Store(0)
	c, _ = newStub(t, func(s *Stages) { s.Retrieve = flaky }, WithRetry(3, time.Millisecond))
	_, err = c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestCancellationIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	c, _ := newStub(t, func(s *Stages) {
		s.Intent = agents.Func("cancels", func(ctx context.Context, _ models.StateView) (*models.StageOutput, error) {
			calls.Add(1)
			cancel()
			return nil, ctx.Err()
		})
	}, WithRetry(5, time.Millisecond))

	_, err := c.ProcessQuery(ctx, models.NewQuery("dólar", nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, calls.Load())
}

func TestStagePanicIsAStageFailure(t *testing.T) {
	c, _ := newStub(t, func(s *Stages) {
		s.Reason = agents.Func("panics", func(context.Context, models.StateView) (*models.StageOutput, error) {
			panic("index out of range")
		})
	})
	_, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "reason", se.Stage)
	assert.ErrorContains(t, err, "index out of range")
}

func TestBestEffortStageMustNotBreakPreconditions(t *testing.T) {
	c, _ := newStub(t, func(s *Stages) { s.Retrieve = failing(errors.New("down")) },
		WithCriticality(agents.KindRetrieve, agents.BestEffort))
	_, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	var ie *InternalError
	require.ErrorAs(t, err, &ie)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Equal(t, FallbackMessage, ie.UserMessage())
}

func TestNewValidatesStages(t *testing.T) {
	var order []string
	var mu sync.Mutex
	s := stubStages(&order, &mu)
	s.Write = nil
	_, err := New(s)
	assert.ErrorContains(t, err, "no write stage")

	_, err = New(stubStages(&order, &mu), WithCriticality(agents.KindVisualize, agents.Mandatory))
	assert.ErrorContains(t, err, "best-effort")
}

func TestConcurrentQueriesAreIndependent(t *testing.T) {
	c, err := New(Stages{
		Intent:    agents.KeywordClassifier{},
		Retrieve:  agents.NewRetriever(2, time.Minute, agents.StaticSource{}),
		Reason:    agents.RuleReasoner{},
		Write:     agents.TemplateWriter{},
		Visualize: agents.NewChartVisualizer(&memSaver{}, nil),
	}, WithHub(NewHub()))
	require.NoError(t, err)

	queries := []string{"¿Sube el dólar?", "inflación de precios", "tasa de un préstamo", "presupuesto y gastos"}
	var wg sync.WaitGroup
	results := make([]*models.Response, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.ProcessQuery(context.Background(), models.NewQuery(queries[i%len(queries)], nil))
		}()
	}
	wg.Wait()
	for i, r := range results {
		require.NoError(t, errs[i])
		assert.Contains(t, r.Text, queries[i%len(queries)])
	}
}

func TestEventsArePublished(t *testing.T) {
	hub := NewHub()
	events, unsubscribe := hub.Subscribe(AllQueries)
	defer unsubscribe()

	c, err := New(Stages{
		Intent:    agents.KeywordClassifier{},
		Retrieve:  agents.NewRetriever(1, 0, agents.StaticSource{}),
		Reason:    agents.RuleReasoner{},
		Write:     &agents.LLMWriter{Client: &llm.MockClient{Reply: "Respuesta en streaming."}, Stream: true},
		Visualize: failing(errors.New("no chart")),
	}, WithHub(hub), WithIDGenerator(func() string { return "q-ev" }))
	require.NoError(t, err)

	_, err = c.ProcessQuery(context.Background(), models.NewQuery("¿Cómo está el dólar?", nil))
	require.NoError(t, err)

	var kinds []string
	var tokens string
	var final map[string]any
	for len(events) > 0 {
		var ev struct {
			Event   string         `json:"event"`
			QueryID string         `json:"query_id"`
			Payload map[string]any `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(<-events, &ev))
		assert.Equal(t, "q-ev", ev.QueryID)
		kinds = append(kinds, ev.Event)
		switch ev.Event {
		case "token":
			assert.Equal(t, "write", ev.Payload["stage"])
			tokens += ev.Payload["chunk"].(string)
		case "query_status":
			final = ev.Payload
		}
	}
	assert.Equal(t, "query_status", kinds[0])
	assert.Equal(t, "query_status", kinds[len(kinds)-1], "nothing follows the terminal status")
	assert.Contains(t, kinds, "stage_result")
	assert.Contains(t, kinds, "warning")
	assert.Equal(t, "Respuesta en streaming.", tokens)
	assert.Equal(t, "done", final["status"])
}

// drainEvents decodes everything buffered on ch.
func drainEvents(t *testing.T, ch <-chan []byte) []Event {
	t.Helper()
	var out []Event
	for len(ch) > 0 {
		out = append(out, decode(t, <-ch))
	}
	return out
}

func TestTokensStopBeforeTerminalStatus(t *testing.T) {
	hub := NewHub()
	hub.flushEvery = time.Hour
	events, unsubscribe := hub.Subscribe(AllQueries)
	defer unsubscribe()

	c, _ := newStub(t, func(s *Stages) {
		s.Write = agents.Func("write", func(ctx context.Context, _ models.StateView) (*models.StageOutput, error) {
			tools.TokenCallbackFrom(ctx)("Hola.")
			return &models.StageOutput{Response: "Hola."}, nil
		})
		s.Visualize = failing(errors.New("no chart"))
	}, WithHub(hub))
	_, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	require.NoError(t, err)

	evs := drainEvents(t, events)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, "query_status", last.Event)
	assert.Equal(t, "done", last.Payload.(map[string]any)["status"])
	var tokens int
	for _, ev := range evs {
		if ev.Event == "token" {
			tokens++
		}
	}
	assert.Equal(t, 1, tokens)
}

type halfStream struct{ sent string }

func (h *halfStream) GenerateText(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

func (h *halfStream) GenerateTextStream(_ context.Context, _ string, onDelta func(string) error) error {
	if err := onDelta(h.sent); err != nil {
		return err
	}
	return errors.New("connection reset")
}

func TestWriterFallbackRetractsStreamedTokens(t *testing.T) {
	hub := NewHub()
	hub.flushEvery = time.Hour
	events, unsubscribe := hub.Subscribe(AllQueries)
	defer unsubscribe()

	c, err := New(Stages{
		Intent:    agents.KeywordClassifier{},
		Retrieve:  agents.NewRetriever(1, 0, agents.StaticSource{}),
		Reason:    agents.RuleReasoner{},
		Write:     &agents.LLMWriter{Client: &halfStream{sent: "El dólar "}, Stream: true},
		Visualize: failing(errors.New("no chart")),
	}, WithHub(hub))
	require.NoError(t, err)

	resp, err := c.ProcessQuery(context.Background(), models.NewQuery("¿Cómo está el dólar?", nil))
	require.NoError(t, err)
	assert.NotContains(t, resp.Text, "connection reset")

	var kinds []string
	for _, ev := range drainEvents(t, events) {
		kinds = append(kinds, ev.Event)
		if ev.Event == "token_reset" {
			assert.Equal(t, map[string]any{"stage": "write"}, ev.Payload)
		}
	}
	assert.Contains(t, kinds, "token_reset")
	assert.NotContains(t, kinds, "token", "the partial stream was dropped before flushing")
}

func TestRetriedAttemptRetractsItsTokens(t *testing.T) {
	hub := NewHub()
	hub.flushEvery = time.Hour
	events, unsubscribe := hub.Subscribe(AllQueries)
	defer unsubscribe()

	var calls atomic.Int32
	c, _ := newStub(t, func(s *Stages) {
		s.Write = agents.Func("write", func(ctx context.Context, _ models.StateView) (*models.StageOutput, error) {
			emit := tools.TokenCallbackFrom(ctx)
			if calls.Add(1) == 1 {
				emit("Primer ")
				return nil, errors.New("stream cut")
			}
			emit("Segundo intento.")
			return &models.StageOutput{Response: "Segundo intento."}, nil
		})
	}, WithHub(hub), WithRetry(2, time.Millisecond))

	_, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	require.NoError(t, err)

	var tokens string
	var resets int
	for _, ev := range drainEvents(t, events) {
		switch ev.Event {
		case "token_reset":
			resets++
		case "token":
			tokens += ev.Payload.(map[string]any)["chunk"].(string)
		}
	}
	assert.Equal(t, 1, resets)
	assert.Equal(t, "Segundo intento.", tokens)
}

func TestPreviewKeepsRunesWhole(t *testing.T) {
	hub := NewHub()
	events, unsubscribe := hub.Subscribe(AllQueries)
	defer unsubscribe()

	c, _ := newStub(t, func(s *Stages) {
		s.Write = agents.Func("write", func(context.Context, models.StateView) (*models.StageOutput, error) {
			return &models.StageOutput{Response: "ñññññññññññññññññññññññ"}, nil
		})
	}, WithHub(hub), WithPreviewLimit(16))
	_, err := c.ProcessQuery(context.Background(), models.NewQuery("dólar", nil))
	require.NoError(t, err)

	var checked int
	for _, ev := range drainEvents(t, events) {
		if ev.Event != "stage_result" {
			continue
		}
		p := ev.Payload.(map[string]any)
		out := p["output"].(string)
		assert.True(t, utf8.ValidString(out), "stage %v preview %q", p["stage"], out)
		assert.LessOrEqual(t, len(out), 16)
		if p["stage"] == "write" {
			assert.Equal(t, true, p["preview_truncated"])
		}
		checked++
	}
	assert.Equal(t, 5, checked)
}
