package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/example/finance-pipeline/internal/tools"
)

// StaticSource serves reference figures per topic. It never fails.
type StaticSource struct{}

func (StaticSource) Name() string { return "reference" }

func (StaticSource) Fetch(ctx context.Context, topic, _ string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch topic {
	case TopicInflation:
		return map[string]any{"inflation_analysis": map[string]any{
			"inflation_rate":  4.5,
			"price_changes":   map[string]any{"alimentos": 6.2, "vivienda": 3.8, "transporte": 5.1},
			"historical_data": []any{3.2, 3.8, 4.1, 4.5},
		}}, nil
	case TopicCurrency:
		return map[string]any{"savings_advice": map[string]any{
			"interest_rates": map[string]any{"ahorro": 2.5, "plazo_fijo": 4.8},
			"currency_rates": map[string]any{"USD": 1.0, "EUR": 0.85},
			"user_savings":   5000,
		}}, nil
	case TopicInvestment, TopicMarket:
		return map[string]any{"investment_advice": map[string]any{
			"market_data": map[string]any{"stocks": []any{"AAPL", "GOOGL", "MSFT"}, "indices": []any{"S&P500"}},
			"risk_levels": map[string]any{"acciones": "medio", "bonos": "bajo", "cripto": "alto"},
			"returns":     map[string]any{"acciones": 8.5, "bonos": 4.2, "cripto": 15.0},
		}}, nil
	case TopicInterest:
		return map[string]any{"loan_analysis": map[string]any{
			"interest_rates":    map[string]any{"personal": 12.5, "hipoteca": 6.8},
			"user_credit_score": 720,
			"debt_capacity":     15000,
		}}, nil
	case TopicBudget:
		return map[string]any{"budget_planning": map[string]any{
			"income":            3000,
			"expenses":          map[string]any{"vivienda": 900, "alimentos": 400, "transporte": 200},
			"savings_potential": 500,
		}}, nil
	}
	return map[string]any{
		"market_data":    map[string]any{"stocks": []any{"AAPL", "GOOGL"}},
		"user_portfolio": map[string]any{"balance": 10000},
	}, nil
}

// watchedCurrencies are the pairs kept from the exchange-rate feed.
var watchedCurrencies = []string{"EUR", "MXN", "GBP", "JPY", "CLP", "ARS", "BRL"}

// ExchangeRateSource reads an exchangerate-api style feed
// ({"base":"USD","date":"...","rates":{"EUR":0.92}}) through the http_get tool.
type ExchangeRateSource struct {
	Tools *tools.Registry
	URL   string
}

func (s *ExchangeRateSource) Name() string { return "exchange_rates" }

func (s *ExchangeRateSource) Fetch(ctx context.Context, topic, _ string) (map[string]any, error) {
	if topic != TopicCurrency && topic != TopicGeneral {
		return nil, ErrNotApplicable
	}
	body, err := s.Tools.RunText(ctx, "http_get", map[string]any{"url": s.URL, "accept": "application/json"})
	if err != nil {
		return nil, err
	}
	var feed struct {
		Base  string             `json:"base"`
		Date  string             `json:"date"`
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.Unmarshal([]byte(body), &feed); err != nil {
		return nil, fmt.Errorf("decode exchange rates: %w", err)
	}
	if len(feed.Rates) == 0 {
		return nil, fmt.Errorf("exchange rate feed has no rates")
	}
	base := feed.Base
	if base == "" {
		base = "USD"
	}
	rates := map[string]any{}
	for _, cur := range watchedCurrencies {
		if v, ok := feed.Rates[cur]; ok {
			rates[base+"/"+cur] = v
		}
	}
	return map[string]any{"base": base, "date": feed.Date, "rates": rates}, nil
}

// NewsSource fetches a news page for the topic and keeps its headlines,
// optionally condensed by the summarize tool.
type NewsSource struct {
	Tools     *tools.Registry
	URL       string
	Summarize bool
}

func (s *NewsSource) Name() string { return "news" }

func (s *NewsSource) Fetch(ctx context.Context, topic, _ string) (map[string]any, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("news url: %w", err)
	}
	q := u.Query()
	q.Set("q", topic)
	u.RawQuery = q.Encode()

	page, err := s.Tools.RunText(ctx, "http_get", map[string]any{"url": u.String()})
	if err != nil {
		return nil, err
	}
	heads, err := s.Tools.RunText(ctx, "html_to_text", map[string]any{"html": page, "mode": "headlines"})
	if err != nil {
		return nil, err
	}
	var headlines []any
	for _, h := range strings.Split(heads, "\n") {
		if h = strings.TrimSpace(h); h != "" && len(headlines) < 10 {
			headlines = append(headlines, h)
		}
	}
	out := map[string]any{"headlines": headlines}
	if s.Summarize && len(headlines) > 0 {
		if sum, err := s.Tools.RunText(ctx, "summarize", map[string]any{"text": heads}); err == nil {
			out["summary"] = sum
		}
	}
	return out, nil
}

// ReportSource pulls paragraphs mentioning the topic out of local PDF reports.
type ReportSource struct {
	Tools *tools.Registry
	Paths []string
}

func (s *ReportSource) Name() string { return "reports" }

func (s *ReportSource) Fetch(ctx context.Context, topic, _ string) (map[string]any, error) {
	if len(s.Paths) == 0 {
		return nil, ErrNotApplicable
	}
	keys := keywordsFor(topic)
	var excerpts []any
	var failures []string
	for _, p := range s.Paths {
		text, err := s.Tools.RunText(ctx, "pdf_extract", map[string]any{"path": p})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures = append(failures, fmt.Sprintf("%s: %v", filepath.Base(p), err))
			continue
		}
		for _, para := range relevantParagraphs(text, keys, 3) {
			excerpts = append(excerpts, map[string]any{"report": filepath.Base(p), "excerpt": para})
		}
	}
	if len(failures) == len(s.Paths) {
		return nil, fmt.Errorf("no report could be read: %s", strings.Join(failures, "; "))
	}
	if len(excerpts) == 0 {
		return nil, ErrNotApplicable
	}
	return map[string]any{"excerpts": excerpts}, nil
}

// relevantParagraphs returns up to limit paragraphs containing any keyword.
// With no keywords the first paragraphs are returned.
func relevantParagraphs(text string, keys []string, limit int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		if len(keys) == 0 || slices.ContainsFunc(keys, func(k string) bool { return strings.Contains(fold(para), k) }) {
			if len(para) > 400 {
				para = truncateRunes(para, 400) + "…"
			}
			out = append(out, para)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
