package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownTool = errors.New("unknown tool")

// Tool is a single retrieval capability. logs is a short human-readable note
// about what happened (status code, pages read, truncation).
type Tool interface {
	Name() string
	Execute(ctx context.Context, inputs map[string]any) (output any, logs string, err error)
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: map[string]Tool{}}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Run looks up name and executes it.
func (r *Registry) Run(ctx context.Context, name string, inputs map[string]any) (any, string, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t.Execute(ctx, inputs)
}

// RunText is Run for tools whose output is a string.
func (r *Registry) RunText(ctx context.Context, name string, inputs map[string]any) (string, error) {
	out, _, err := r.Run(ctx, name, inputs)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", fmt.Errorf("tool %s returned %T, want string", name, out)
	}
	return s, nil
}
