package feed

import (
	"context"
	"fmt"
	"sync"

	"oddspipe/internal/fetch"
	"oddspipe/internal/quote"
)

// StaticFeed serves quotes set by hand, for seeded environments and manual
// entry of sources without a machine feed.
type StaticFeed struct {
	sourceID string

	mu     sync.RWMutex
	quotes []quote.RawQuote
}

func NewStaticFeed(sourceID string) *StaticFeed {
	return &StaticFeed{sourceID: sourceID}
}

func (f *StaticFeed) SourceID() string { return f.sourceID }

func (f *StaticFeed) Info() fetch.SourceInfo {
	return fetch.SourceInfo{SourceType: "static"}
}

// Set replaces the served quote set.
func (f *StaticFeed) Set(quotes []quote.RawQuote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes = make([]quote.RawQuote, len(quotes))
	copy(f.quotes, quotes)
}

func (f *StaticFeed) Fetch(ctx context.Context, req fetch.Request) ([]quote.RawQuote, error) {
	wanted := map[string]struct{}{}
	for _, k := range req.InstrumentKeys {
		wanted[k] = struct{}{}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]quote.RawQuote, 0, len(f.quotes))
	for _, q := range f.quotes {
		if len(wanted) > 0 {
			if _, ok := wanted[q.InstrumentKey]; !ok {
				continue
			}
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("static %s: no quotes", f.sourceID)
	}
	return out, nil
}
