package feed

import (
	"context"
	"testing"
	"time"

	"oddspipe/internal/fetch"
	"oddspipe/internal/quote"
)

func TestStreamFeedCachesLatestQuote(t *testing.T) {
	f := NewStreamFeed(StreamFeedOptions{SourceID: "src-stream", MaxQuoteAge: 10 * time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	f.handle([]byte(`{"event_type":"quote","instrument_key":"evt-1","description":"Team A vs Team B","outcome":"yes","price_format":"american","price":-230,"observed_at":"2026-03-01T11:58:00Z"}`))
	f.handle([]byte(`{"event_type":"quote","instrument_key":"evt-1","description":"Team A vs Team B","outcome":"yes","price_format":"american","price":-240,"observed_at":"2026-03-01T11:59:00Z"}`))

	quotes, err := f.Fetch(context.Background(), fetch.Request{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("got %d quotes, want 1", len(quotes))
	}
	q := quotes[0]
	if q.Price != -240 {
		t.Fatalf("price = %v, want latest -240", q.Price)
	}
	if q.Outcome != quote.SideYes {
		t.Fatalf("outcome = %q, want normalized %q", q.Outcome, quote.SideYes)
	}
	if q.PriceFormat != quote.FormatAmerican {
		t.Fatalf("format = %q, want american", q.PriceFormat)
	}
}

func TestStreamFeedDropsStaleQuotes(t *testing.T) {
	f := NewStreamFeed(StreamFeedOptions{SourceID: "src-stream", MaxQuoteAge: 5 * time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	f.handle([]byte(`{"event_type":"quote","instrument_key":"evt-old","outcome":"YES","price_format":"probability","price":0.5,"observed_at":"2026-03-01T11:00:00Z"}`))

	if _, err := f.Fetch(context.Background(), fetch.Request{}); err == nil {
		t.Fatal("expected error when all cached quotes are stale")
	}
}

func TestStreamFeedIgnoresNonQuoteMessages(t *testing.T) {
	f := NewStreamFeed(StreamFeedOptions{SourceID: "src-stream"})
	f.handle([]byte(`{"event_type":"pong"}`))
	f.handle([]byte(`not json`))

	if _, err := f.Fetch(context.Background(), fetch.Request{}); err == nil {
		t.Fatal("expected error on empty cache")
	}
}

func TestStaticFeedFiltersByInstrument(t *testing.T) {
	f := NewStaticFeed("src-static")
	f.Set([]quote.RawQuote{
		{SourceID: "src-static", InstrumentKey: "evt-1", Outcome: quote.SideYes, PriceFormat: quote.FormatProbability, Price: 0.6},
		{SourceID: "src-static", InstrumentKey: "evt-2", Outcome: quote.SideYes, PriceFormat: quote.FormatProbability, Price: 0.4},
	})

	quotes, err := f.Fetch(context.Background(), fetch.Request{InstrumentKeys: []string{"evt-2"}})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(quotes) != 1 || quotes[0].InstrumentKey != "evt-2" {
		t.Fatalf("got %+v, want only evt-2", quotes)
	}
}
