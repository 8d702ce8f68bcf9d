package agents

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/finance-pipeline/internal/logging"
	"github.com/example/finance-pipeline/internal/models"
	"github.com/example/finance-pipeline/internal/providers/llm"
)

var topicFactors = map[string][]string{
	TopicInflation:  {"precio", "aumento", "ajuste", "costo", "inflacion"},
	TopicInvestment: {"acciones", "bonos", "fondos", "riesgo", "cartera", "balance"},
	TopicCurrency:   {"dolar", "usd", "$", "tipo de cambio", "precio"},
	TopicInterest:   {"tasa", "interes", "anual", "mensual", "prestamo"},
	TopicBudget:     {"gasto", "ingreso", "necesidad", "ahorro"},
	TopicMarket:     {"bolsa", "mercado", "acciones", "indice", "tendencia"},
	TopicGeneral:    {"precio", "aumento", "ajuste"},
}

var topicRecommendations = map[string][]string{
	TopicInvestment: {
		"Diversificar cartera considerando el perfil de riesgo y objetivos",
		"Mantener exposición a tecnología con un horizonte de mediano plazo",
	},
	TopicCurrency: {
		"Monitorear tipos de cambio y considerar coberturas",
		"Evitar concentrar todos los ahorros en una sola moneda",
	},
	TopicInterest: {
		"Comparar tasas entre instituciones y evaluar refinanciamiento",
	},
	TopicInflation: {
		"Ajustar presupuesto y buscar inversiones que superen la inflación",
	},
	TopicBudget: {
		"Optimizar gastos y aumentar el porcentaje de ahorro",
		"Aplicar la regla 50/30/20 como punto de partida",
	},
	TopicMarket: {
		"Mantener estrategia a largo plazo y evitar decisiones emocionales",
	},
	TopicGeneral: {
		"Consultar con un asesor financiero para un análisis personalizado",
	},
}

var topicImplications = map[string][]string{
	TopicInflation: {
		"El consumo diario se encarece, sobre todo en alimentos",
		"El ahorro en efectivo pierde poder adquisitivo",
	},
	TopicInvestment: {
		"Los índices al alza favorecen a la renta variable",
		"Una cartera concentrada queda expuesta a la volatilidad del sector",
	},
	TopicCurrency: {
		"Las importaciones y los viajes al exterior cambian de costo",
		"Las deudas en moneda extranjera varían con el tipo de cambio",
	},
	TopicInterest: {
		"El costo de los créditos depende de la tasa y del plazo",
		"Las cuentas de ahorro ofrecen rendimientos moderados",
	},
	TopicBudget: {
		"Un gasto mayor al planificado en deseos reduce la capacidad de ahorro",
	},
	TopicMarket: {
		"La tendencia del mercado influye en el valor de las inversiones",
	},
	TopicGeneral: {
		"Las decisiones financieras dependen de objetivos y plazos personales",
	},
}

// refineTopic looks for a more specific topic in the query text. The order
// matches the keyword priority of the analysis step, not the classifier.
func refineTopic(folded string) string {
	switch {
	case containsAny(folded, "bolsa", "mercado"):
		return TopicMarket
	case containsAny(folded, "dolar", "tipo de cambio", "$"):
		return TopicCurrency
	case containsAny(folded, "tasa", "interes"):
		return TopicInterest
	case containsAny(folded, "inflacion", "precios"):
		return TopicInflation
	case containsAny(folded, "inversion", "invertir", "acciones"):
		return TopicInvestment
	case containsAny(folded, "presupuesto", "gastos"):
		return TopicBudget
	}
	return TopicGeneral
}

// RuleReasoner builds the analysis from fixed per-topic tables plus whatever
// the retriever brought back.
type RuleReasoner struct{}

func (RuleReasoner) Name() string { return "rule_reasoner" }

func (r RuleReasoner) Process(ctx context.Context, view models.StateView) (*models.StageOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := r.Analyze(view)
	if err != nil {
		return nil, err
	}
	return &models.StageOutput{
		Analysis: a,
		Context:  map[string]any{"analysis_source": "rules", "analysis_topic": a.Topic},
	}, nil
}

// Analyze is exported for reuse as the LLM reasoner's baseline.
func (RuleReasoner) Analyze(view models.StateView) (*models.Analysis, error) {
	if view.Intent == nil {
		return nil, fmt.Errorf("reasoner: %w: intent", ErrMissingInput)
	}
	if view.Information == nil {
		return nil, fmt.Errorf("reasoner: %w: information", ErrMissingInput)
	}
	topic := view.Intent.MainTopic
	if topic == "" || topic == TopicGeneral {
		topic = refineTopic(fold(view.Query))
	}
	if _, ok := topicFactors[topic]; !ok {
		topic = TopicGeneral
	}

	live, findings := liveData(topic, view.Information)
	findings = append(findings, retrievedFindings(view.Information)...)

	sentiment := view.Information.MarketSentiment
	if sentiment == "" || sentiment == SentimentNeutral {
		sentiment = marketSentiment(live)
	}

	a := &models.Analysis{
		Topic:           topic,
		KeyFactors:      slices.Clone(topicFactors[topic]),
		KeyFindings:     findings,
		Implications:    slices.Clone(topicImplications[topic]),
		Recommendations: slices.Clone(topicRecommendations[topic]),
		MarketSentiment: sentiment,
		Confidence:      confidence(view.Intent.Confidence, len(view.Information.Sources)),
		LiveData:        live,
	}
	a.ReasoningChain = []string{
		"1) Factores clave: " + strings.Join(a.KeyFactors, ", "),
		fmt.Sprintf("2) Datos considerados: %d fuentes, %d hallazgos", len(view.Information.Sources), len(a.KeyFindings)),
		"3) Implicaciones: " + strings.Join(a.Implications, "; "),
		"4) Conclusión: " + strings.Join(a.Recommendations, "; "),
	}
	return a, nil
}

// confidence scales the intent confidence by how many sources answered.
func confidence(intent float64, sources int) float64 {
	if intent <= 0 {
		intent = 0.5
	}
	coverage := 0.6 + 0.1*float64(min(sources, 4))
	return math.Round(intent*coverage*100) / 100
}

// liveData returns the reference figures for topic and the findings that
// describe them.
func liveData(topic string, info *models.Information) (map[string]any, []string) {
	switch topic {
	case TopicMarket:
		stocks := []struct{ sym, price, change string }{
			{"AAPL", "175.50", "+1.25%"},
			{"GOOGL", "2850.75", "+0.85%"},
			{"MSFT", "335.25", "+0.95%"},
		}
		m := map[string]any{}
		var findings []string
		for _, s := range stocks {
			m[s.sym] = map[string]any{"price": s.price, "change_percent": s.change}
			findings = append(findings, fmt.Sprintf("%s: $%s (%s)", s.sym, s.price, s.change))
		}
		return map[string]any{"stocks": m}, findings

	case TopicCurrency:
		rates := map[string]any{"USD/EUR": 0.92, "USD/MXN": 17.50, "EUR/GBP": 0.86}
		source := "reference"
		if feed, ok := info.Data["exchange_rates"].(map[string]any); ok {
			if live, ok := feed["rates"].(map[string]any); ok && len(live) > 0 {
				rates, source = live, "exchange_rates"
			}
		}
		var findings []string
		for _, k := range sortedKeys(rates) {
			findings = append(findings, fmt.Sprintf("%s: %s", k, formatNumber(rates[k])))
		}
		return map[string]any{"forex": map[string]any{"rates": rates, "source": source}}, findings

	case TopicInterest:
		rates := map[string]any{"hipoteca": 6.75, "personal": 12.50, "auto": 7.25, "ahorro": 4.50}
		return map[string]any{"interest_rates": rates}, []string{
			"Tasas actuales - Hipoteca: 6.75%, Personal: 12.5%, Auto: 7.25%, Ahorro: 4.5%",
		}

	case TopicInflation:
		cats := map[string]any{"alimentos": 5.8, "vivienda": 3.5, "transporte": 4.0, "salud": 2.8}
		findings := []string{"Inflación general: 4.2%"}
		for _, k := range sortedKeys(cats) {
			findings = append(findings, fmt.Sprintf("Inflación %s: %s%%", k, formatNumber(cats[k])))
		}
		findings = append(findings, "Tendencia estable, pronóstico 4.0%")
		return map[string]any{"inflation": map[string]any{
			"current_rate": 4.2,
			"categories":   cats,
			"trend":        "estable",
			"forecast":     4.0,
		}}, findings

	case TopicInvestment:
		indices := []struct{ name, value, change string }{
			{"SP500", "4,780.25", "+0.8%"},
			{"NASDAQ", "15,120.75", "+1.2%"},
			{"DOW", "35,950.50", "+0.5%"},
		}
		sectors := []struct {
			name, trend string
			ytd         float64
		}{
			{"tecnologia", "alcista", 15.5},
			{"finanzas", "estable", 8.2},
			{"salud", "moderado", 6.5},
		}
		im, sm := map[string]any{}, map[string]any{}
		var findings []string
		for _, i := range indices {
			im[i.name] = map[string]any{"value": i.value, "change": i.change}
			findings = append(findings, fmt.Sprintf("%s: %s (%s)", i.name, i.value, i.change))
		}
		for _, s := range sectors {
			sm[s.name] = map[string]any{"trend": s.trend, "return_ytd": s.ytd}
			findings = append(findings, fmt.Sprintf("Sector %s: %s (YTD: %s%%)", s.name, s.trend, formatNumber(s.ytd)))
		}
		return map[string]any{"investments": map[string]any{
			"market_indices":     im,
			"sector_performance": sm,
		}}, findings

	case TopicBudget:
		budget := map[string]any{
			"income_allocation": map[string]any{"necesidades": 50, "deseos": 30, "ahorro": 20},
			"actual_vs_planned": map[string]any{
				"necesidades": map[string]any{"planned": 5000, "actual": 4800},
				"deseos":      map[string]any{"planned": 3000, "actual": 3200},
				"ahorro":      map[string]any{"planned": 2000, "actual": 1800},
			},
		}
		return map[string]any{"budget": budget}, []string{
			"Distribución sugerida: 50% necesidades, 30% deseos, 20% ahorro",
			"Gasto en deseos 3200 sobre 3000 planificado; ahorro 1800 de 2000",
		}
	}
	return nil, nil
}

// retrievedFindings turns news headlines and report excerpts into findings.
func retrievedFindings(info *models.Information) []string {
	var out []string
	if news, ok := info.Data["news"].(map[string]any); ok {
		if s, ok := news["summary"].(string); ok && s != "" {
			out = append(out, "Resumen de noticias: "+s)
		} else if hs, ok := news["headlines"].([]any); ok {
			for _, h := range hs[:min(len(hs), 2)] {
				out = append(out, fmt.Sprintf("Titular: %v", h))
			}
		}
	}
	if reports, ok := info.Data["reports"].(map[string]any); ok {
		if ex, ok := reports["excerpts"].([]any); ok {
			for _, e := range ex[:min(len(ex), 2)] {
				if m, ok := e.(map[string]any); ok {
					out = append(out, fmt.Sprintf("Informe %v: %v", m["report"], m["excerpt"]))
				}
			}
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatNumber(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	}
	return fmt.Sprint(v)
}

// LLMReasoner asks the model for a step-by-step analysis over the rule-based
// baseline and keeps the baseline when the reply has no usable sections.
type LLMReasoner struct {
	Client llm.Client
	Rules  RuleReasoner
}

func (r *LLMReasoner) Name() string { return "llm_reasoner" }

func (r *LLMReasoner) Process(ctx context.Context, view models.StateView) (*models.StageOutput, error) {
	base, err := r.Rules.Analyze(view)
	if err != nil {
		return nil, err
	}
	out := &models.StageOutput{
		Analysis: base,
		Context:  map[string]any{"analysis_source": "rules", "analysis_topic": base.Topic},
	}
	raw, err := r.Client.GenerateText(ctx, reasonPrompt(view.Query, base))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.FromContext(ctx).Warn("reasoner fallback to rules", zap.Error(err))
		out.Warnings = []string{fmt.Sprintf("llm analysis unavailable: %v", err)}
		return out, nil
	}
	parsed := parseAnalysis(raw)
	if len(parsed.KeyFindings)+len(parsed.Implications)+len(parsed.Recommendations) == 0 {
		out.Warnings = []string{"llm analysis had no recognizable sections"}
		return out, nil
	}
	if len(parsed.KeyFindings) > 0 {
		base.KeyFindings = parsed.KeyFindings
	}
	if len(parsed.Implications) > 0 {
		base.Implications = parsed.Implications
	}
	if len(parsed.Recommendations) > 0 {
		base.Recommendations = parsed.Recommendations
	}
	if parsed.Confidence > 0 {
		base.Confidence = parsed.Confidence
	}
	if len(parsed.ReasoningChain) > 0 {
		base.ReasoningChain = parsed.ReasoningChain
	}
	out.Context["analysis_source"] = "llm"
	return out, nil
}

func reasonPrompt(query string, base *models.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analiza las implicaciones financieras de la siguiente consulta paso a paso.\n\nConsulta: %s\nTema: %s\n\n", query, base.Topic)
	b.WriteString("Información disponible:\n")
	for _, f := range base.KeyFindings {
		b.WriteString("- " + f + "\n")
	}
	b.WriteString(`
Razona así:
1) Factores clave
2) Relaciones entre los factores
3) Implicaciones
4) Conclusiones

Luego responde con estas secciones, una viñeta por línea:
Hallazgos clave:
Implicaciones:
Recomendaciones:
Confianza: <porcentaje>
`)
	return b.String()
}

// parseAnalysis reads the section layout requested by reasonPrompt.
func parseAnalysis(text string) models.Analysis {
	var a models.Analysis
	var section *[]string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		head, rest, hasColon := strings.Cut(line, ":")
		key := strings.Trim(fold(head), "#*• ")
		switch {
		case hasColon && strings.HasPrefix(key, "hallazgos"):
			section = &a.KeyFindings
		case hasColon && strings.HasPrefix(key, "implicaciones"):
			section = &a.Implications
		case hasColon && strings.HasPrefix(key, "recomendaciones"):
			section = &a.Recommendations
		case hasColon && strings.HasPrefix(key, "confianza"):
			a.Confidence = parseConfidence(rest)
			section = nil
			continue
		case len(line) > 1 && line[0] >= '1' && line[0] <= '9' && line[1] == ')':
			a.ReasoningChain = append(a.ReasoningChain, line)
			continue
		default:
			if section != nil {
				*section = append(*section, strings.TrimLeft(line, "-•* "))
			}
			continue
		}
		if r := strings.Trim(rest, " *#"); r != "" {
			*section = append(*section, r)
		}
	}
	return a
}

// parseConfidence accepts "85%", "0.85" or "85". Anything else is 0.
func parseConfidence(s string) float64 {
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || v <= 0 {
		return 0
	}
	if pct || v > 1 {
		v /= 100
	}
	if v > 1 {
		return 0
	}
	return v
}
