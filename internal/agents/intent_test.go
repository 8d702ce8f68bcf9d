package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/providers/llm"
)

func TestKeywordClassifierTopics(t *testing.T) {
	cases := []struct {
		query     string
		topic     string
		intention string
	}{
		{"¿Cómo está el mercado de inversiones hoy?", TopicInvestment, "get_information"},
		{"¿Por qué sube el dólar?", TopicCurrency, "understand_reason"},
		{"¿Qué tasa de interés tiene un préstamo hipotecario?", TopicInterest, "get_recommendation"},
		{"La inflación y los precios en 2026", TopicInflation, "get_analysis"},
		{"Quiero organizar mi presupuesto y mis gastos", TopicBudget, "get_analysis"},
		{"Hola, buenos días", TopicGeneral, "get_analysis"},
	}
	var k KeywordClassifier
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			got := k.Classify(tc.query)
			assert.Equal(t, tc.topic, got.MainTopic)
			assert.Equal(t, tc.intention, got.Intention)
		})
	}
}

func TestKeywordClassifierSubtopicsAndConfidence(t *testing.T) {
	var k KeywordClassifier
	got := k.Classify("¿Cómo está el mercado de inversiones hoy?")
	assert.Equal(t, []string{TopicMarket}, got.Subtopics)
	assert.Equal(t, 0.95, got.Confidence)

	assert.Equal(t, 0.9, k.Classify("nada que ver").Confidence)
}

func TestKeywordClassifierProcess(t *testing.T) {
	out, err := KeywordClassifier{}.Process(context.Background(), models.StateView{Query: "tipo de cambio"})
	require.NoError(t, err)
	require.NotNil(t, out.Intent)
	assert.Equal(t, TopicCurrency, out.Intent.MainTopic)
	assert.Equal(t, "keywords", out.Context["intent_source"])
}

func TestLLMClassifierUsesModelReply(t *testing.T) {
	c := &LLMClassifier{Client: &llm.MockClient{
		Reply: "```json\n{\"main_topic\": \"stocks\", \"subtopics\": [\"market\", \"stocks\", \"astrology\"], \"intention\": \"get_analysis\", \"confidence\": 0.7}\n```",
	}}
	out, err := c.Process(context.Background(), models.StateView{Query: "acciones"})
	require.NoError(t, err)
	assert.Equal(t, &models.Intent{
		MainTopic:  TopicInvestment,
		Subtopics:  []string{TopicMarket},
		Intention:  "get_analysis",
		Confidence: 0.7,
	}, out.Intent)
	assert.Equal(t, "llm", out.Context["intent_source"])
	assert.Empty(t, out.Warnings)
}

func TestLLMClassifierFallsBack(t *testing.T) {
	cases := map[string]llm.Client{
		"error":         &llm.MockClient{Err: errors.New("boom")},
		"not json":      &llm.MockClient{Reply: "no sé"},
		"unknown topic": &llm.MockClient{Reply: `{"main_topic": "weather"}`},
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			c := &LLMClassifier{Client: client}
			out, err := c.Process(context.Background(), models.StateView{Query: "¿Sube la inflación?"})
			require.NoError(t, err)
			assert.Equal(t, TopicInflation, out.Intent.MainTopic)
			assert.Equal(t, "keywords", out.Context["intent_source"])
			assert.Len(t, out.Warnings, 1)
		})
	}
}

func TestLLMClassifierReturnsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &LLMClassifier{Client: &llm.MockClient{}}
	_, err := c.Process(ctx, models.StateView{Query: "dólar"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFold(t *testing.T) {
	assert.Equal(t, "inflacion ano", fold("Inflación AÑO"))
	assert.Equal(t, []string{"por", "que", "sube"}, words(fold("¿Por qué sube?")))
}
