package agents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/providers/llm"
	"github.com/example/finance-pipeline/internal/tools"
)

func reasonView(query, topic string, data map[string]any) models.StateView {
	sources := make([]string, 0, len(data))
	for k := range data {
		sources = append(sources, k)
	}
	return models.StateView{
		Query:       query,
		Context:     map[string]any{},
		Intent:      &models.Intent{MainTopic: topic, Confidence: 0.95},
		Information: &models.Information{Data: data, Sources: sources},
	}
}

func TestRuleReasonerRequiresInputs(t *testing.T) {
	_, err := RuleReasoner{}.Process(context.Background(), models.StateView{})
	assert.ErrorIs(t, err, ErrMissingInput)

	_, err = RuleReasoner{}.Process(context.Background(), models.StateView{Intent: &models.Intent{MainTopic: TopicBudget}})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestRuleReasonerInvestment(t *testing.T) {
	data := map[string]any{"reference": map[string]any{}, "news": map[string]any{}}
	out, err := RuleReasoner{}.Process(context.Background(), reasonView("¿Cómo está el mercado de inversiones hoy?", TopicInvestment, data))
	require.NoError(t, err)
	a := out.Analysis
	require.NotNil(t, a)

	assert.Equal(t, TopicInvestment, a.Topic, "a classified topic is kept")
	assert.Equal(t, SentimentPositive, a.MarketSentiment, "indices are up")
	assert.Contains(t, a.KeyFindings, "SP500: 4,780.25 (+0.8%)")
	assert.Contains(t, a.LiveData, "investments")
	assert.Len(t, a.ReasoningChain, 4)
	assert.InDelta(t, 0.76, a.Confidence, 0.001)
	assert.Equal(t, "rules", out.Context["analysis_source"])
}

func TestRuleReasonerRefinesGeneralTopic(t *testing.T) {
	a, err := RuleReasoner{}.Analyze(reasonView("algo sobre la bolsa", TopicGeneral, nil))
	require.NoError(t, err)
	assert.Equal(t, TopicMarket, a.Topic)

	a, err = RuleReasoner{}.Analyze(reasonView("hola", TopicGeneral, nil))
	require.NoError(t, err)
	assert.Equal(t, TopicGeneral, a.Topic)
	assert.Nil(t, a.LiveData)
}

func TestRuleReasonerUsesLiveExchangeRates(t *testing.T) {
	data := map[string]any{"exchange_rates": map[string]any{"rates": map[string]any{"USD/EUR": 0.91}}}
	a, err := RuleReasoner{}.Analyze(reasonView("dólar", TopicCurrency, data))
	require.NoError(t, err)
	assert.Equal(t, []string{"USD/EUR: 0.91"}, a.KeyFindings)
	assert.Equal(t, "exchange_rates", a.LiveData["forex"].(map[string]any)["source"])
}

func TestRuleReasonerAddsRetrievedFindings(t *testing.T) {
	data := map[string]any{
		"news":    map[string]any{"headlines": []any{"Uno", "Dos", "Tres"}},
		"reports": map[string]any{"excerpts": []any{map[string]any{"report": "ipc.pdf", "excerpt": "sube"}}},
	}
	a, err := RuleReasoner{}.Analyze(reasonView("presupuesto", TopicBudget, data))
	require.NoError(t, err)
	assert.Contains(t, a.KeyFindings, "Titular: Dos")
	assert.NotContains(t, a.KeyFindings, "Titular: Tres")
	assert.Contains(t, a.KeyFindings, "Informe ipc.pdf: sube")
}

const llmAnalysis = `1) Factores clave: tasas
2) Relaciones: más tasa, más cuota
**Hallazgos clave:**
- La hipoteca está en 6.75%
Implicaciones: cuotas más altas
Recomendaciones:
• Comparar bancos
• Negociar plazo
Confianza: 85%`

func TestLLMReasonerOverlaysSections(t *testing.T) {
	r := &LLMReasoner{Client: &llm.MockClient{Reply: llmAnalysis}}
	out, err := r.Process(context.Background(), reasonView("tasa hipoteca", TopicInterest, map[string]any{"reference": map[string]any{}}))
	require.NoError(t, err)
	a := out.Analysis
	assert.Equal(t, []string{"La hipoteca está en 6.75%"}, a.KeyFindings)
	assert.Equal(t, []string{"cuotas más altas"}, a.Implications)
	assert.Equal(t, []string{"Comparar bancos", "Negociar plazo"}, a.Recommendations)
	assert.Equal(t, 0.85, a.Confidence)
	assert.Len(t, a.ReasoningChain, 2)
	assert.Contains(t, a.LiveData, "interest_rates", "rule data is kept")
	assert.Equal(t, "llm", out.Context["analysis_source"])
}

func TestLLMReasonerFallsBack(t *testing.T) {
	for name, client := range map[string]llm.Client{
		"error":       &llm.MockClient{Err: errors.New("429")},
		"no sections": &llm.MockClient{Reply: "texto libre sin estructura"},
	} {
		t.Run(name, func(t *testing.T) {
			r := &LLMReasoner{Client: client}
			out, err := r.Process(context.Background(), reasonView("inflación", TopicInflation, nil))
			require.NoError(t, err)
			assert.Equal(t, "rules", out.Context["analysis_source"])
			assert.Len(t, out.Warnings, 1)
			assert.Contains(t, out.Analysis.KeyFindings, "Inflación general: 4.2%")
		})
	}
}

func TestParseConfidence(t *testing.T) {
	assert.Equal(t, 0.85, parseConfidence(" 85% "))
	assert.Equal(t, 0.7, parseConfidence("0,7"))
	assert.Equal(t, 0.9, parseConfidence("90"))
	assert.Zero(t, parseConfidence("alta"))
	assert.Zero(t, parseConfidence("250%"))
}

func analysisView(topic, sentiment string) models.StateView {
	return models.StateView{
		Query:   "¿Cómo está el mercado de inversiones hoy?",
		Context: map[string]any{},
		Analysis: &models.Analysis{
			Topic:           topic,
			KeyFindings:     []string{"SP500: 4,780.25 (+0.8%)"},
			Recommendations: []string{"Diversificar"},
			MarketSentiment: sentiment,
		},
	}
}

func TestTemplateWriter(t *testing.T) {
	out, err := TemplateWriter{}.Process(context.Background(), analysisView(TopicInvestment, SentimentPositive))
	require.NoError(t, err)
	assert.Contains(t, out.Response, "El mercado muestra señales positivas.")
	assert.Contains(t, out.Response, "• SP500: 4,780.25 (+0.8%)")
	assert.Contains(t, out.Response, "Recomendaciones:\n• Diversificar")
	assert.NotContains(t, out.Response, "Implicaciones", "empty sections are left out")

	text, err := TemplateWriter{}.Compose(analysisView(TopicInflation, ""))
	require.NoError(t, err)
	assert.Contains(t, text, "¿Qué puedes hacer?")

	_, err = TemplateWriter{}.Process(context.Background(), models.StateView{})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestLLMWriterStreamsTokens(t *testing.T) {
	var chunks []string
	ctx := tools.WithTokenCallback(context.Background(), func(c string) { chunks = append(chunks, c) })
	w := &LLMWriter{Client: &llm.MockClient{Reply: "Todo bien hoy."}, Stream: true}

	out, err := w.Process(ctx, analysisView(TopicMarket, SentimentNeutral))
	require.NoError(t, err)
	assert.Equal(t, "Todo bien hoy.", out.Response)
	assert.Equal(t, []string{"Todo ", "bien ", "hoy."}, chunks)
	assert.Equal(t, "llm", out.Context["response_style"])
}

func TestLLMWriterFallsBackToTemplate(t *testing.T) {
	w := &LLMWriter{Client: &llm.MockClient{Err: errors.New("quota")}}
	out, err := w.Process(context.Background(), analysisView(TopicMarket, SentimentNegative))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Response, "En respuesta a su consulta"))
	assert.Contains(t, out.Response, "señales negativas")
	assert.Equal(t, "template", out.Context["response_style"])
	require.Len(t, out.Warnings, 1)
}
