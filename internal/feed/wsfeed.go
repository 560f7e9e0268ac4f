// Package feed provides source adapters for the fetch layer: a websocket
// stream that caches the latest quotes per instrument, and a static adapter
// for seeded or manually entered quotes.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"oddspipe/internal/fetch"
	"oddspipe/internal/quote"
)

// quoteMessage is the stream's wire shape for one priced outcome.
type quoteMessage struct {
	EventType     string  `json:"event_type"`
	InstrumentKey string  `json:"instrument_key"`
	Description   string  `json:"description"`
	Category      string  `json:"category"`
	Outcome       string  `json:"outcome"`
	PriceFormat   string  `json:"price_format"`
	Price         float64 `json:"price"`
	ObservedAt    string  `json:"observed_at"`
}

type StreamFeedOptions struct {
	SourceID          string
	URL               string
	MaxQuoteAge       time.Duration
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	Logger            *zap.Logger
}

// StreamFeed consumes a quote stream in the background and serves the latest
// cached quote per instrument/outcome through the SourceAdapter interface.
// A Fetch never waits on the network; it reads the cache.
type StreamFeed struct {
	opts StreamFeedOptions

	mu    sync.RWMutex
	cache map[string]quote.RawQuote // keyed by instrument_key + "/" + outcome

	now func() time.Time
}

func NewStreamFeed(opts StreamFeedOptions) *StreamFeed {
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.PingTimeout == 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.BackoffMin == 0 {
		opts.BackoffMin = 1 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.MaxQuoteAge == 0 {
		opts.MaxQuoteAge = 10 * time.Minute
	}
	return &StreamFeed{
		opts:  opts,
		cache: map[string]quote.RawQuote{},
		now:   time.Now,
	}
}

func (f *StreamFeed) SourceID() string { return f.opts.SourceID }

func (f *StreamFeed) Info() fetch.SourceInfo {
	return fetch.SourceInfo{SourceType: "stream", Endpoint: f.opts.URL}
}

// Fetch returns the cached quotes, dropping entries older than MaxQuoteAge.
// An empty cache is an error so the controller treats a dead stream as an
// unhealthy source.
func (f *StreamFeed) Fetch(ctx context.Context, req fetch.Request) ([]quote.RawQuote, error) {
	wanted := map[string]struct{}{}
	for _, k := range req.InstrumentKeys {
		wanted[k] = struct{}{}
	}

	cutoff := f.now().Add(-f.opts.MaxQuoteAge)
	f.mu.RLock()
	out := make([]quote.RawQuote, 0, len(f.cache))
	for _, q := range f.cache {
		if q.ObservedAt.Before(cutoff) {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[q.InstrumentKey]; !ok {
				continue
			}
		}
		out = append(out, q)
	}
	f.mu.RUnlock()

	if len(out) == 0 {
		return nil, fmt.Errorf("stream %s: no fresh quotes", f.opts.SourceID)
	}
	return out, nil
}

// Run maintains the websocket connection until ctx is cancelled, reconnecting
// with exponential backoff.
func (f *StreamFeed) Run(ctx context.Context) error {
	backoff := f.opts.BackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := websocket.Dial(ctx, f.opts.URL, nil)
		if err != nil {
			if f.opts.Logger != nil {
				f.opts.Logger.Warn("stream connect failed", zap.String("source_id", f.opts.SourceID), zap.Error(err))
			}
			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}
			backoff = nextBackoff(backoff, f.opts.BackoffMax)
			continue
		}
		conn.SetReadLimit(1 << 20)
		if f.opts.Logger != nil {
			f.opts.Logger.Info("stream connected", zap.String("source_id", f.opts.SourceID))
		}
		backoff = f.opts.BackoffMin

		err = f.consume(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnect")
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, f.opts.BackoffMax)
	}
}

func (f *StreamFeed) consume(ctx context.Context, conn *websocket.Conn) error {
	heartbeatErr := make(chan error, 1)
	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(f.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				heartbeatErr <- heartbeatCtx.Err()
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(heartbeatCtx, f.opts.PingTimeout)
				err := conn.Ping(pingCtx)
				cancelPing()
				if err != nil {
					heartbeatErr <- err
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-heartbeatErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			if f.opts.Logger != nil && !errors.Is(err, context.Canceled) {
				f.opts.Logger.Warn("stream read failed", zap.String("source_id", f.opts.SourceID), zap.Error(err))
			}
			return err
		}
		f.handle(data)
	}
}

func (f *StreamFeed) handle(data []byte) {
	var msg quoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if !strings.EqualFold(msg.EventType, "quote") || msg.InstrumentKey == "" || msg.Outcome == "" {
		return
	}
	observedAt, err := time.Parse(time.RFC3339, msg.ObservedAt)
	if err != nil {
		observedAt = f.now()
	}
	q := quote.RawQuote{
		SourceID:      f.opts.SourceID,
		InstrumentKey: msg.InstrumentKey,
		Description:   msg.Description,
		EventType:     strings.ToLower(strings.TrimSpace(msg.Category)),
		Outcome:       strings.ToUpper(strings.TrimSpace(msg.Outcome)),
		PriceFormat:   quote.PriceFormat(strings.ToLower(msg.PriceFormat)),
		Price:         msg.Price,
		ObservedAt:    observedAt,
	}
	f.mu.Lock()
	f.cache[q.InstrumentKey+"/"+q.Outcome] = q
	f.mu.Unlock()
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base/2) + 1))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
