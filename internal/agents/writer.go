package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/example/finance-pipeline/internal/logging"
	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/providers/llm"
	"github.com/example/finance-pipeline/internal/tools"
)

type answerTemplate struct {
	intro, points, implications, recommendations string
}

var answerTemplates = map[string]answerTemplate{
	TopicCurrency: {
		intro:           "Así afecta el dólar a tu economía personal:",
		points:          "Puntos clave:",
		implications:    "Implicaciones principales:",
		recommendations: "Recomendaciones:",
	},
	TopicInflation: {
		intro:           "Análisis simple de la situación inflacionaria:",
		points:          "Datos actuales:",
		implications:    "¿Cómo te afecta?",
		recommendations: "¿Qué puedes hacer?",
	},
	"": {
		intro:           "Análisis financiero:",
		points:          "Puntos clave:",
		implications:    "Implicaciones:",
		recommendations: "Recomendaciones:",
	},
}

// headline opens the answer with the overall picture for the topic.
func headline(topic, sentiment string) string {
	switch topic {
	case TopicInvestment, TopicMarket:
		return fmt.Sprintf("El mercado muestra señales %s.", sentimentPlural(sentiment))
	case TopicCurrency:
		return "Los tipos de cambio se mantienen estables."
	case TopicInterest:
		return "Las tasas de interés están en niveles competitivos."
	case TopicInflation:
		return "La inflación actual está en niveles moderados."
	case TopicBudget:
		return "Es importante mantener un presupuesto balanceado entre gastos e ingresos."
	}
	return "La situación financiera general es estable."
}

func sentimentPlural(s string) string {
	switch s {
	case SentimentPositive:
		return "positivas"
	case SentimentNegative:
		return "negativas"
	}
	return "neutrales"
}

// TemplateWriter composes the answer from fixed Spanish templates.
type TemplateWriter struct{}

func (TemplateWriter) Name() string { return "template_writer" }

func (w TemplateWriter) Process(ctx context.Context, view models.StateView) (*models.StageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := w.Compose(view)
	if err != nil {
		return nil, err
	}
	return &models.StageOutput{
		Response: text,
		Context:  map[string]any{"response_style": "template"},
	}, nil
}

// Compose renders the answer for view.Analysis.
func (TemplateWriter) Compose(view models.StateView) (string, error) {
	a := view.Analysis
	if a == nil {
		return "", fmt.Errorf("writer: %w: analysis", ErrMissingInput)
	}
	tpl, ok := answerTemplates[a.Topic]
	if !ok {
		tpl = answerTemplates[""]
	}

	var b strings.Builder
	if q := strings.TrimSpace(view.Query); q != "" {
		fmt.Fprintf(&b, "En respuesta a su consulta sobre %q:\n\n", q)
	}
	b.WriteString(headline(a.Topic, a.MarketSentiment))
	b.WriteString("\n\n")
	b.WriteString(tpl.intro)
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n\n")
		b.WriteString(title)
		b.WriteByte('\n')
		b.WriteString(bullets(items))
	}
	section(tpl.points, a.KeyFindings)
	section(tpl.implications, a.Implications)
	section(tpl.recommendations, a.Recommendations)
	return b.String(), nil
}

const writerPersona = `Eres un experto financiero que explica conceptos complejos de manera simple y clara.
Tu objetivo es que cualquier persona pueda entender las implicaciones financieras en su vida diaria.
Usa un tono amigable y cercano, pero mantén la precisión técnica.`

// LLMWriter rewrites the template answer through the model. With Stream set
// and a token callback in the context, text is forwarded as it arrives.
type LLMWriter struct {
	Client   llm.Client
	Template TemplateWriter
	Stream   bool
}

func (w *LLMWriter) Name() string { return "llm_writer" }

func (w *LLMWriter) Process(ctx context.Context, view models.StateView) (*models.StageOutput, error) {
	draft, err := w.Template.Compose(view)
	if err != nil {
		return nil, err
	}
	prompt := writerPrompt(draft)

	var text string
	if cb := tools.TokenCallbackFrom(ctx); w.Stream && cb != nil {
		text, err = llm.StreamText(ctx, w.Client, prompt, func(chunk string) error {
			cb(chunk)
			return nil
		})
	} else {
		text, err = w.Client.GenerateText(ctx, prompt)
	}
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = llm.ErrEmptyReply
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.FromContext(ctx).Warn("writer fallback to template", zap.Error(err))
		return &models.StageOutput{
			Response: draft,
			Context:  map[string]any{"response_style": "template"},
			Warnings: []string{fmt.Sprintf("llm writer unavailable: %v", err)},
		}, nil
	}
	return &models.StageOutput{
		Response: text,
		Context:  map[string]any{"response_style": "llm"},
	}, nil
}

func writerPrompt(draft string) string {
	return writerPersona + `

Basado en el siguiente análisis, genera una respuesta clara y concisa que explique las implicaciones financieras al usuario común:

` + draft + `

Asegúrate de:
1. Usar lenguaje simple y directo
2. Dar ejemplos concretos cuando sea posible
3. Mantener un tono tranquilizador pero honesto
4. Incluir acciones específicas que el usuario puede tomar`
}
