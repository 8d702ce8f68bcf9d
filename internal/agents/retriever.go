package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/finance-pipeline/internal/logging"
	"github.com/example/finance-pipeline/internal/models"
)

// ErrNotApplicable is returned by a Source that has nothing for a topic.
// It is not counted as a failure.
var ErrNotApplicable = errors.New("source not applicable")

// Source is one place the retriever can look for data.
type Source interface {
	Name() string
	Fetch(ctx context.Context, topic, query string) (map[string]any, error)
}

// Retriever queries every Source concurrently and fails only when none of
// the applicable sources answered.
type Retriever struct {
	sources     []Source
	maxParallel int
	cache       *ttlCache
	now         func() time.Time
}

func NewRetriever(maxParallel int, cacheTTL time.Duration, sources ...Source) *Retriever {
	if maxParallel < 1 {
		maxParallel = 1
	}
	r := &Retriever{sources: sources, maxParallel: maxParallel, now: time.Now}
	if cacheTTL > 0 {
		r.cache = newTTLCache(cacheTTL)
	}
	return r
}

func (r *Retriever) Name() string { return "retriever" }

type fetchResult struct {
	data map[string]any
	err  error
}

func (r *Retriever) Process(ctx context.Context, view models.StateView) (*models.StageOutput, error) {
	if view.Intent == nil {
		return nil, fmt.Errorf("retriever: %w: intent", ErrMissingInput)
	}
	topic := view.Intent.MainTopic
	log := logging.FromContext(ctx)

	results := make([]fetchResult, len(r.sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)
	for i, src := range r.sources {
		g.Go(func() error {
			key := src.Name() + "|" + topic
			if data, ok := r.cache.get(key, r.now()); ok {
				results[i] = fetchResult{data: data}
				return nil
			}
			data, err := src.Fetch(gctx, topic, view.Query)
			if err == nil {
				r.cache.put(key, data, r.now())
			}
			results[i] = fetchResult{data: data, err: err}
			// a failing source must not cancel its siblings
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info := &models.Information{Data: map[string]any{}, RetrievedAt: r.now().UTC()}
	var warnings []string
	var errs []error
	for i, res := range results {
		name := r.sources[i].Name()
		switch {
		case errors.Is(res.err, ErrNotApplicable):
		case res.err != nil:
			log.Warn("source failed", zap.String("source", name), zap.Error(res.err))
			errs = append(errs, fmt.Errorf("%s: %w", name, res.err))
			warnings = append(warnings, fmt.Sprintf("source %s unavailable: %v", name, res.err))
		default:
			info.Data[name] = res.data
			info.Sources = append(info.Sources, name)
		}
	}
	if len(info.Sources) == 0 {
		if len(errs) == 0 {
			return nil, fmt.Errorf("retriever: no source applies to topic %q", topic)
		}
		return nil, fmt.Errorf("retriever: all sources failed: %w", errors.Join(errs...))
	}
	info.MarketSentiment = marketSentiment(info.Data)

	return &models.StageOutput{
		Information: info,
		Context: map[string]any{
			"market_sentiment": info.MarketSentiment,
			"sources":          append([]string(nil), info.Sources...),
		},
		Warnings: warnings,
	}, nil
}

const (
	SentimentPositive = "positiva"
	SentimentNegative = "negativa"
	SentimentNeutral  = "neutral"
)

// marketSentiment scores signed percentage strings ("+1.2%") and trend words
// found anywhere in the retrieved data.
func marketSentiment(data map[string]any) string {
	score := 0
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for _, x := range t {
				walk(x)
			}
		case []any:
			for _, x := range t {
				walk(x)
			}
		case []string:
			for _, x := range t {
				walk(x)
			}
		case string:
			s := strings.TrimSpace(fold(t))
			switch {
			case strings.HasSuffix(s, "%") && strings.HasPrefix(s, "+"):
				score++
			case strings.HasSuffix(s, "%") && strings.HasPrefix(s, "-"):
				score--
			case s == "alcista":
				score++
			case s == "bajista":
				score--
			}
		}
	}
	walk(data)
	switch {
	case score > 0:
		return SentimentPositive
	case score < 0:
		return SentimentNegative
	}
	return SentimentNeutral
}

type cacheEntry struct {
	data    map[string]any
	expires time.Time
}

// ttlCache is private to one Retriever. A nil cache never hits. Cached maps
// are shared between queries and must be treated as read-only.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, entries: map[string]cacheEntry{}}
}

func (c *ttlCache) get(key string, now time.Time) (map[string]any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.data, true
}

func (c *ttlCache) put(key string, data map[string]any, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{data: data, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}
