package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"oddspipe/internal/confidence"
	"oddspipe/internal/config"
	"oddspipe/internal/edge"
	"oddspipe/internal/feed"
	"oddspipe/internal/fetch"
	"oddspipe/internal/matcher"
	"oddspipe/internal/models"
	"oddspipe/internal/odds"
	"oddspipe/internal/portfolio"
	"oddspipe/internal/quote"
	memoryrepository "oddspipe/internal/repository/memory"
	"oddspipe/internal/sizing"
)

func newTestPipeline(t *testing.T, adapters ...fetch.SourceAdapter) (*Pipeline, *memoryrepository.Store, time.Time) {
	t.Helper()
	repo := memoryrepository.New()
	logger := zap.NewNop()

	reg := fetch.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	ctrl := fetch.NewController(reg, repo, logger, config.FetchConfig{
		Retries:          2,
		BackoffBase:      time.Millisecond,
		Timeout:          8 * time.Second,
		FailureThreshold: 5,
		Cooldown:         30 * time.Minute,
		LatencySmoothing: 0.2,
	})

	confCfg := config.ConfidenceConfig{
		LaplaceAlpha:       4,
		AgreementBonus:     8,
		AgreementBonusCap:  20,
		FreshnessThreshold: 5 * time.Minute,
		StalenessPerMin:    1.0,
		MaxAge:             time.Hour,
		MinFloor:           40,
	}
	scorer := confidence.New(repo, logger, confCfg)
	det := edge.New(repo, scorer, logger, config.EdgeConfig{MinEdge: 0.10}, confCfg.MinFloor)
	sizer := sizing.New(repo, logger, config.SizingConfig{
		KellyMultiplier:     0.25,
		MaxFraction:         0.25,
		BootstrapIterations: 1000,
		DrawdownCeiling:     0,
	})
	eng := portfolio.New(repo, sizer, scorer, logger, config.PortfolioConfig{
		InitialBalance:     10000,
		TransactionCost:    0.02,
		LossStreakLimit:    3,
		LossStreakCooldown: 6 * time.Hour,
		SnapshotOnResolve:  true,
		MaxOpenPositions:   20,
		Phases:             config.DefaultPhases(),
	})
	m := matcher.New(repo, logger, config.MatcherConfig{MinConfidence: 0.7})

	p := New(ctrl, odds.Normalizer{Config: config.NormalizerConfig{ShinSkewThreshold: 4.0, SumEpsilon: 1e-6}}, m, det, eng, repo, logger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	return p, repo, now
}

// Two sources quote the same market through manual mappings; the blend clears
// the edge threshold off a 0.50 market price and a position opens.
func TestTickEndToEnd(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	feedA := feed.NewStaticFeed("src-a")
	feedA.Set([]quote.RawQuote{{
		SourceID:      "src-a",
		InstrumentKey: "nba-lal-bos",
		Description:   "Lakers vs Celtics",
		EventType:     "basketball",
		Outcome:       quote.SideYes,
		PriceFormat:   quote.FormatProbability,
		Price:         0.70,
		ObservedAt:    now.Add(-120 * time.Second),
	}})
	feedB := feed.NewStaticFeed("src-b")
	feedB.Set([]quote.RawQuote{{
		SourceID:      "src-b",
		InstrumentKey: "lal_boston",
		Description:   "LA Lakers at Boston Celtics",
		EventType:     "basketball",
		Outcome:       quote.SideYes,
		PriceFormat:   quote.FormatProbability,
		Price:         0.64,
		ObservedAt:    now.Add(-300 * time.Second),
	}})

	p, repo, _ := newTestPipeline(t, feedA, feedB)
	ctx := context.Background()

	err := repo.UpsertCanonicalMarket(ctx, &models.CanonicalMarket{
		ID:             "mkt-1",
		Title:          "Lakers vs Celtics",
		EventType:      "basketball",
		YesPrice:       0.50,
		Active:         true,
		LastActivityAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
	for _, m := range []models.ManualMapping{
		{SourceID: "src-a", SourceInstrumentKey: "nba-lal-bos", CanonicalMarketID: "mkt-1"},
		{SourceID: "src-b", SourceInstrumentKey: "lal_boston", CanonicalMarketID: "mkt-1"},
	} {
		mapping := m
		if err := repo.UpsertManualMapping(ctx, &mapping); err != nil {
			t.Fatalf("seed mapping: %v", err)
		}
	}

	report, err := p.RunTick(ctx)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if report.SourcesFetched != 2 || report.QuotesSeen != 2 || report.Matched != 2 {
		t.Fatalf("report = %+v, want 2 sources, 2 quotes, 2 matches", report)
	}
	if len(report.Signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(report.Signals))
	}
	sig := report.Signals[0]
	if sig.Edge < 0.14 {
		t.Fatalf("edge = %v, want >= 0.14", sig.Edge)
	}
	if math.Abs(sig.TrueProb-0.67) > 1e-9 {
		t.Fatalf("blended prob = %v, want 0.67", sig.TrueProb)
	}
	if len(sig.SourcesUsed) != 2 {
		t.Fatalf("sources used = %v, want [src-a src-b]", sig.SourcesUsed)
	}
	if report.Opened != 1 {
		t.Fatalf("opened = %d, want 1", report.Opened)
	}

	open, err := repo.ListOpenPositions(ctx)
	if err != nil {
		t.Fatalf("ListOpenPositions: %v", err)
	}
	if len(open) != 1 || open[0].CanonicalMarketID != "mkt-1" {
		t.Fatalf("open positions = %+v, want one on mkt-1", open)
	}

	// Matched market activity is refreshed for future tie-breaking.
	mkt, _ := repo.GetCanonicalMarket(ctx, "mkt-1")
	if !mkt.LastActivityAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("last activity = %v, want tick time", mkt.LastActivityAt)
	}
}

func TestTickSingleFlight(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	p.running.Store(true)

	if _, err := p.RunTick(context.Background()); err != ErrTickInProgress {
		t.Fatalf("err = %v, want ErrTickInProgress", err)
	}
	p.running.Store(false)
	if _, err := p.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick after release: %v", err)
	}
}

func TestTickDropsInvalidQuotes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bad := feed.NewStaticFeed("src-bad")
	bad.Set([]quote.RawQuote{{
		SourceID:      "src-bad",
		InstrumentKey: "evt-1",
		Outcome:       quote.SideYes,
		PriceFormat:   quote.FormatAmerican,
		Price:         50, // american odds in (-100, 100) are invalid
		ObservedAt:    now,
	}})

	p, _, _ := newTestPipeline(t, bad)
	report, err := p.RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if len(report.Signals) != 0 || report.Opened != 0 {
		t.Fatalf("report = %+v, want nothing detected or opened", report)
	}
}

func TestTickProceedsWithDegradedSources(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	good := feed.NewStaticFeed("src-good")
	good.Set([]quote.RawQuote{{
		SourceID:      "src-good",
		InstrumentKey: "evt-1",
		Description:   "Lakers vs Celtics",
		EventType:     "basketball",
		Outcome:       quote.SideYes,
		PriceFormat:   quote.FormatProbability,
		Price:         0.70,
		ObservedAt:    now.Add(-time.Minute),
	}})
	dead := feed.NewStaticFeed("src-dead") // empty: every fetch fails

	p, repo, _ := newTestPipeline(t, good, dead)
	ctx := context.Background()

	err := repo.UpsertCanonicalMarket(ctx, &models.CanonicalMarket{
		ID: "mkt-1", Title: "Lakers vs Celtics", EventType: "basketball",
		YesPrice: 0.50, Active: true, LastActivityAt: now,
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
	err = repo.UpsertManualMapping(ctx, &models.ManualMapping{
		SourceID: "src-good", SourceInstrumentKey: "evt-1", CanonicalMarketID: "mkt-1",
	})
	if err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	report, err := p.RunTick(ctx)
	if err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if report.SourcesFetched != 1 {
		t.Fatalf("sources fetched = %d, want 1 (dead source skipped)", report.SourcesFetched)
	}
	if len(report.Signals) != 1 {
		t.Fatalf("got %d signals, want 1 from the healthy source", len(report.Signals))
	}
	if len(report.Signals[0].SourcesUsed) != 1 || report.Signals[0].SourcesUsed[0] != "src-good" {
		t.Fatalf("sources used = %v, want [src-good]", report.Signals[0].SourcesUsed)
	}
}
