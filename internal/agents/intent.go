package agents

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/example/finance-pipeline/internal/logging"
	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/providers/llm"
)

const (
	TopicCurrency   = "currency"
	TopicInterest   = "interest"
	TopicInflation  = "inflation"
	TopicInvestment = "investment"
	TopicBudget     = "budget"
	TopicMarket     = "market"
	TopicGeneral    = "general_finance"
)

// topicKeywords is checked in order; ties go to the earlier topic.
// Keywords are accent-free and lowercase.
var topicKeywords = []struct {
	topic string
	words []string
}{
	{TopicCurrency, []string{"dolar", "usd", "$", "tipo de cambio", "divisa", "euro", "moneda"}},
	{TopicInterest, []string{"tasa", "interes", "prestamo", "credito", "hipoteca"}},
	{TopicInflation, []string{"inflacion", "tasa de inflacion", "precios", "ipc", "costo de vida"}},
	{TopicInvestment, []string{"invertir", "inversion", "acciones", "bonos", "fondos", "cartera", "conviene"}},
	{TopicBudget, []string{"presupuesto", "gastos", "ingresos", "ahorrar", "organizar"}},
	{TopicMarket, []string{"bolsa", "mercado", "indice"}},
}

// KnownTopic reports whether t is one of the classifier's topics.
func KnownTopic(t string) bool {
	if t == TopicGeneral {
		return true
	}
	for _, tk := range topicKeywords {
		if tk.topic == t {
			return true
		}
	}
	return false
}

func keywordsFor(topic string) []string {
	for _, tk := range topicKeywords {
		if tk.topic == topic {
			return tk.words
		}
	}
	return nil
}

// KeywordClassifier scores the query against fixed Spanish keyword tables.
type KeywordClassifier struct{}

func (KeywordClassifier) Name() string { return "keyword_classifier" }

func (k KeywordClassifier) Process(ctx context.Context, view models.StateView) (*models.StageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &models.StageOutput{
		Intent:  k.Classify(view.Query),
		Context: map[string]any{"intent_source": "keywords"},
	}, nil
}

// Classify is exported for reuse as the LLM fallback.
func (KeywordClassifier) Classify(query string) *models.Intent {
	q := fold(query)
	best, bestScore := TopicGeneral, 0
	var matched []string
	for _, tk := range topicKeywords {
		score := 0
		for _, w := range tk.words {
			if strings.Contains(q, w) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		matched = append(matched, tk.topic)
		if score > bestScore {
			best, bestScore = tk.topic, score
		}
	}
	intent := &models.Intent{
		MainTopic:  best,
		Intention:  detectIntention(q),
		Confidence: 0.9,
	}
	if bestScore > 0 {
		intent.Confidence = 0.95
	}
	for _, t := range matched {
		if t != best && len(intent.Subtopics) < 3 {
			intent.Subtopics = append(intent.Subtopics, t)
		}
	}
	return intent
}

// detectIntention maps question words to what the user wants out of the answer.
func detectIntention(folded string) string {
	ws := words(folded)
	for i, w := range ws {
		if w == "porque" || (w == "por" && i+1 < len(ws) && ws[i+1] == "que") {
			return "understand_reason"
		}
	}
	switch {
	case slices.Contains(ws, "como") || slices.Contains(ws, "cual") || slices.Contains(ws, "cuanto"):
		return "get_information"
	case slices.Contains(ws, "donde") || slices.Contains(ws, "que") || slices.Contains(ws, "conviene"):
		return "get_recommendation"
	}
	return "get_analysis"
}

// LLMClassifier asks the model for a JSON intent and falls back to the
// keyword tables when the reply is unusable.
type LLMClassifier struct {
	Client   llm.Client
	Fallback KeywordClassifier
}

func (c *LLMClassifier) Name() string { return "llm_classifier" }

func (c *LLMClassifier) Process(ctx context.Context, view models.StateView) (*models.StageOutput, error) {
	raw, err := c.Client.GenerateText(ctx, intentPrompt(view.Query))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return c.fallback(ctx, view.Query, fmt.Sprintf("llm intent unavailable: %v", err)), nil
	}
	var reply struct {
		MainTopic  string   `json:"main_topic"`
		Subtopics  []string `json:"subtopics"`
		Intention  string   `json:"intention"`
		Confidence float64  `json:"confidence"`
	}
	if err := llm.DecodeJSONObject(raw, &reply); err != nil {
		return c.fallback(ctx, view.Query, "llm intent reply was not JSON"), nil
	}
	topic := normalizeTopic(reply.MainTopic)
	if !KnownTopic(topic) {
		return c.fallback(ctx, view.Query, fmt.Sprintf("llm returned unknown topic %q", reply.MainTopic)), nil
	}
	intent := &models.Intent{
		MainTopic:  topic,
		Intention:  reply.Intention,
		Confidence: reply.Confidence,
	}
	for _, s := range reply.Subtopics {
		if s = normalizeTopic(s); KnownTopic(s) && s != topic && !slices.Contains(intent.Subtopics, s) {
			intent.Subtopics = append(intent.Subtopics, s)
		}
	}
	if intent.Intention == "" {
		intent.Intention = detectIntention(fold(view.Query))
	}
	if intent.Confidence <= 0 || intent.Confidence > 1 {
		intent.Confidence = 0.8
	}
	return &models.StageOutput{
		Intent:  intent,
		Context: map[string]any{"intent_source": "llm"},
	}, nil
}

func (c *LLMClassifier) fallback(ctx context.Context, query, reason string) *models.StageOutput {
	logging.FromContext(ctx).Warn("intent fallback to keywords", zap.String("reason", reason))
	return &models.StageOutput{
		Intent:   c.Fallback.Classify(query),
		Context:  map[string]any{"intent_source": "keywords"},
		Warnings: []string{reason},
	}
}

// normalizeTopic accepts the aliases models tend to produce.
func normalizeTopic(t string) string {
	t = strings.TrimSpace(fold(t))
	switch t {
	case "currency_impact", "forex", "exchange_rate":
		return TopicCurrency
	case "investments", "stock", "stocks":
		return TopicInvestment
	case "interest_rates", "loan", "loans":
		return TopicInterest
	case "general", "finance", "":
		return TopicGeneral
	}
	return t
}

func intentPrompt(query string) string {
	return fmt.Sprintf(`Analiza la siguiente consulta financiera e identifica:
1. Tema principal (uno de: currency, interest, inflation, investment, budget, market, general_finance)
2. Subtemas
3. Intención del usuario (get_information, get_recommendation, understand_reason, get_analysis)

Responde SOLO con JSON, sin texto adicional:
{"main_topic": "...", "subtopics": ["..."], "intention": "...", "confidence": 0.95}

Consulta: %q`, query)
}
