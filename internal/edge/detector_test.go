package edge

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"oddspipe/internal/confidence"
	"oddspipe/internal/config"
	memoryrepository "oddspipe/internal/repository/memory"
)

func newTestDetector(t *testing.T) (*Detector, *memoryrepository.Store) {
	t.Helper()
	repo := memoryrepository.New()
	scorer := confidence.New(repo, zap.NewNop(), config.ConfidenceConfig{
		LaplaceAlpha:       4,
		AgreementBonus:     8,
		AgreementBonusCap:  20,
		FreshnessThreshold: 5 * time.Minute,
		StalenessPerMin:    1.0,
		MaxAge:             time.Hour,
		MinFloor:           40,
	})
	d := New(repo, scorer, zap.NewNop(), config.EdgeConfig{MinEdge: 0.10}, 40)
	return d, repo
}

func TestDetectEmitsSignalAboveThreshold(t *testing.T) {
	d, repo := newTestDetector(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	signals, err := d.Detect(ctx, []Candidate{{
		CanonicalMarketID: "mkt-1",
		Side:              "YES",
		MarketPrice:       0.50,
		Inputs: []confidence.Input{
			{SourceID: "src-a", TrueProb: 0.70, ObservedAt: now.Add(-120 * time.Second)},
			{SourceID: "src-b", TrueProb: 0.64, ObservedAt: now.Add(-300 * time.Second)},
		},
	}}, now)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}
	sig := signals[0]
	// Equal default trust: blended prob is the plain mean 0.67, edge 0.17.
	if math.Abs(sig.TrueProb-0.67) > 1e-9 {
		t.Fatalf("true prob = %v, want 0.67", sig.TrueProb)
	}
	if math.Abs(sig.Edge-0.17) > 1e-9 {
		t.Fatalf("edge = %v, want 0.17", sig.Edge)
	}
	if sig.Edge < 0.14 {
		t.Fatalf("edge = %v, want >= 0.14", sig.Edge)
	}
	if len(sig.SourcesUsed) != 2 {
		t.Fatalf("sources used = %v, want both", sig.SourcesUsed)
	}
	if sig.DataAgeSeconds != 300 {
		t.Fatalf("data age = %d, want 300", sig.DataAgeSeconds)
	}

	// Each emitted signal lands in the history log.
	samples, err := repo.ListEdgeSamples(ctx, "mkt-1", "YES", 10)
	if err != nil {
		t.Fatalf("ListEdgeSamples: %v", err)
	}
	if len(samples) != 1 || math.Abs(samples[0]-0.17) > 1e-9 {
		t.Fatalf("samples = %v, want [0.17]", samples)
	}
}

func TestDetectSuppressesSmallEdge(t *testing.T) {
	d, _ := newTestDetector(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	signals, err := d.Detect(context.Background(), []Candidate{{
		CanonicalMarketID: "mkt-1",
		Side:              "YES",
		MarketPrice:       0.50,
		Inputs: []confidence.Input{
			{SourceID: "src-a", TrueProb: 0.55, ObservedAt: now.Add(-time.Minute)},
		},
	}}, now)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("got %d signals, want 0 for edge 0.05", len(signals))
	}
}

func TestDetectSuppressesLowConfidence(t *testing.T) {
	d, _ := newTestDetector(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// 25 minutes stale: 20 penalty points drop the score to 30, below the
	// floor of 40, even though the edge is large.
	signals, err := d.Detect(context.Background(), []Candidate{{
		CanonicalMarketID: "mkt-1",
		Side:              "YES",
		MarketPrice:       0.50,
		Inputs: []confidence.Input{
			{SourceID: "src-a", TrueProb: 0.70, ObservedAt: now.Add(-25 * time.Minute)},
		},
	}}, now)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("got %d signals, want 0 below the confidence floor", len(signals))
	}
}

func TestDetectRanksByEdgeThenConfidence(t *testing.T) {
	d, _ := newTestDetector(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	signals, err := d.Detect(context.Background(), []Candidate{
		{
			CanonicalMarketID: "mkt-small",
			Side:              "YES",
			MarketPrice:       0.50,
			Inputs: []confidence.Input{
				{SourceID: "src-a", TrueProb: 0.62, ObservedAt: now.Add(-time.Minute)},
			},
		},
		{
			CanonicalMarketID: "mkt-big",
			Side:              "YES",
			MarketPrice:       0.50,
			Inputs: []confidence.Input{
				{SourceID: "src-a", TrueProb: 0.70, ObservedAt: now.Add(-time.Minute)},
			},
		},
	}, now)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(signals) != 2 {
		t.Fatalf("got %d signals, want 2", len(signals))
	}
	if signals[0].CanonicalMarketID != "mkt-big" {
		t.Fatalf("first signal = %s, want mkt-big (larger edge)", signals[0].CanonicalMarketID)
	}
}
