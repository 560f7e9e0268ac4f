package fetch

import (
	"context"
	"sort"
	"sync"

	"oddspipe/internal/quote"
)

// Request narrows a fetch to specific instruments. Empty means everything
// the source currently tracks.
type Request struct {
	InstrumentKeys []string
}

type SourceInfo struct {
	SourceType string
	Endpoint   string
}

// SourceAdapter is one upstream quote source. Adapters receive payloads that
// the transport layer has already parsed into RawQuote records; they never
// see venue-specific wire shapes.
type SourceAdapter interface {
	SourceID() string
	Fetch(ctx context.Context, req Request) ([]quote.RawQuote, error)
	Info() SourceInfo
}

// Registry is the capability table mapping source ids to adapters. Sources
// are registered at wiring time; the controller only ever talks to sources
// through it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]SourceAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]SourceAdapter{}}
}

func (r *Registry) Register(a SourceAdapter) {
	if r == nil || a == nil || a.SourceID() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.SourceID()] = a
}

func (r *Registry) Get(sourceID string) (SourceAdapter, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[sourceID]
	return a, ok
}

func (r *Registry) SourceIDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
