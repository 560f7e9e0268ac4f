package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"oddspipe/internal/config"
	"oddspipe/internal/models"
	"oddspipe/internal/quote"
	"oddspipe/internal/repository"
)

var (
	// ErrCircuitOpen is returned without touching the network when a source's
	// breaker is open and its cooldown has not elapsed.
	ErrCircuitOpen   = errors.New("fetch: circuit open")
	ErrSourceUnknown = errors.New("fetch: unknown source")
)

// Controller executes fetches against registered sources with retries,
// per-source circuit breaking and latency tracking. One fetch per source runs
// at a time; when a breaker is half-open that serialization is what limits
// the probe to a single call.
type Controller struct {
	Registry *Registry
	Repo     repository.Repository
	Logger   *zap.Logger
	Config   config.FetchConfig

	mu     sync.Mutex
	states map[string]*sourceState

	// Overridable in tests.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

type sourceState struct {
	mu     sync.Mutex
	loaded bool
	rec    models.SourceHealthRecord
}

func NewController(reg *Registry, repo repository.Repository, logger *zap.Logger, cfg config.FetchConfig) *Controller {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Controller{
		Registry: reg,
		Repo:     repo,
		Logger:   logger,
		Config:   cfg,
		states:   map[string]*sourceState{},
		now:      time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rng.Int63n(int64(max)))
		},
	}
}

// Fetch runs one guarded fetch against the named source. On an open breaker
// it fails fast with ErrCircuitOpen. Otherwise it makes up to retries+1
// attempts with backoff, records the outcome in the health registry, and
// transitions the breaker per the usual closed/open/half-open rules.
func (c *Controller) Fetch(ctx context.Context, sourceID string, req Request) ([]quote.RawQuote, error) {
	adapter, ok := c.Registry.Get(sourceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceUnknown, sourceID)
	}

	st := c.state(sourceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.loaded {
		c.hydrate(ctx, st, sourceID)
	}

	now := c.now()
	probe := false
	switch st.rec.CircuitState {
	case models.CircuitOpen:
		if st.rec.CooldownUntil != nil && now.Before(*st.rec.CooldownUntil) {
			return nil, fmt.Errorf("%w: %s until %s", ErrCircuitOpen, sourceID, st.rec.CooldownUntil.Format(time.RFC3339))
		}
		// Cooldown elapsed: this call is the half-open probe.
		st.rec.CircuitState = models.CircuitHalfOpen
		probe = true
	case models.CircuitHalfOpen:
		probe = true
	}

	attempts := c.Config.Retries + 1
	if probe {
		// A probe is a single call; retrying would hammer a recovering source.
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
		quotes, err := c.attempt(ctx, adapter, req, &st.rec)
		if err == nil {
			st.rec.CircuitState = models.CircuitClosed
			st.rec.ConsecutiveFailures = 0
			st.rec.CooldownUntil = nil
			st.rec.LastError = nil
			t := c.now()
			st.rec.LastSuccessAt = &t
			c.persist(ctx, &st.rec)
			return quotes, nil
		}
		lastErr = err
		c.Logger.Warn("fetch attempt failed",
			zap.String("source_id", sourceID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}

	t := c.now()
	st.rec.LastFailureAt = &t
	st.rec.ConsecutiveFailures++
	msg := lastErr.Error()
	st.rec.LastError = &msg

	if probe || st.rec.ConsecutiveFailures >= c.Config.FailureThreshold {
		until := t.Add(c.Config.Cooldown)
		st.rec.CircuitState = models.CircuitOpen
		st.rec.CooldownUntil = &until
		c.Logger.Warn("circuit opened",
			zap.String("source_id", sourceID),
			zap.Int("consecutive_failures", st.rec.ConsecutiveFailures),
			zap.Time("cooldown_until", until))
	}
	c.persist(ctx, &st.rec)
	return nil, fmt.Errorf("fetch %s: %w", sourceID, lastErr)
}

// FetchAll fans out over every registered source concurrently. Failed or
// circuit-open sources are logged and skipped; the pipeline runs degraded on
// whatever came back.
func (c *Controller) FetchAll(ctx context.Context, req Request) map[string][]quote.RawQuote {
	ids := c.Registry.SourceIDs()
	type result struct {
		sourceID string
		quotes   []quote.RawQuote
		err      error
	}
	results := make(chan result, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			quotes, err := c.Fetch(ctx, id, req)
			results <- result{sourceID: id, quotes: quotes, err: err}
		}(id)
	}
	wg.Wait()
	close(results)

	out := make(map[string][]quote.RawQuote, len(ids))
	for r := range results {
		if r.err != nil {
			// Circuit-open is expected degraded-mode operation, not a fault;
			// it still shows up in the log and the health snapshot.
			if errors.Is(r.err, ErrCircuitOpen) {
				c.Logger.Debug("source circuit open, skipped this cycle", zap.String("source_id", r.sourceID))
			} else {
				c.Logger.Warn("source skipped this cycle", zap.String("source_id", r.sourceID), zap.Error(r.err))
			}
			continue
		}
		out[r.sourceID] = r.quotes
	}
	return out
}

// Snapshot reports the current health of every registered source, merging
// in-memory breaker state over whatever is persisted.
func (c *Controller) Snapshot(ctx context.Context) ([]models.SourceHealthRecord, error) {
	out := make([]models.SourceHealthRecord, 0)
	for _, id := range c.Registry.SourceIDs() {
		st := c.state(id)
		st.mu.Lock()
		if !st.loaded {
			c.hydrate(ctx, st, id)
		}
		out = append(out, st.rec)
		st.mu.Unlock()
	}
	return out, nil
}

func (c *Controller) attempt(ctx context.Context, adapter SourceAdapter, req Request, rec *models.SourceHealthRecord) ([]quote.RawQuote, error) {
	callCtx := ctx
	if c.Config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Config.Timeout)
		defer cancel()
	}
	start := c.now()
	quotes, err := adapter.Fetch(callCtx, req)
	latencyMs := float64(c.now().Sub(start)) / float64(time.Millisecond)

	// Every attempt feeds the latency EMA, including failed ones: a slow
	// timeout is signal too.
	alpha := c.Config.LatencySmoothing
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	if rec.AvgLatencyMs == 0 {
		rec.AvgLatencyMs = latencyMs
	} else {
		rec.AvgLatencyMs = alpha*latencyMs + (1-alpha)*rec.AvgLatencyMs
	}
	return quotes, err
}

func (c *Controller) backoff(attempt int) time.Duration {
	base := c.Config.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	d := time.Duration(math.Pow(2, float64(attempt-1)) * float64(base))
	return d + c.jitter(c.Config.BackoffJitter)
}

func (c *Controller) state(sourceID string) *sourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sourceID]
	if !ok {
		st = &sourceState{rec: models.SourceHealthRecord{
			SourceID:     sourceID,
			CircuitState: models.CircuitClosed,
		}}
		c.states[sourceID] = st
	}
	return st
}

// hydrate loads persisted breaker state so an open circuit survives restarts.
func (c *Controller) hydrate(ctx context.Context, st *sourceState, sourceID string) {
	st.loaded = true
	if c.Repo == nil {
		return
	}
	rec, err := c.Repo.GetSourceHealth(ctx, sourceID)
	if err != nil {
		c.Logger.Warn("load source health failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	if rec != nil {
		st.rec = *rec
	}
}

func (c *Controller) persist(ctx context.Context, rec *models.SourceHealthRecord) {
	if c.Repo == nil {
		return
	}
	if err := c.Repo.UpsertSourceHealth(ctx, rec); err != nil {
		c.Logger.Error("persist source health failed", zap.String("source_id", rec.SourceID), zap.Error(err))
	}
}
