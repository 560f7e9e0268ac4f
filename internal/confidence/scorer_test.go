package confidence

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"oddspipe/internal/config"
	"oddspipe/internal/models"
	"oddspipe/internal/quote"
	memoryrepository "oddspipe/internal/repository/memory"
)

func testConfig() config.ConfidenceConfig {
	return config.ConfidenceConfig{
		LaplaceAlpha:       4,
		AgreementBonus:     8,
		AgreementBonusCap:  20,
		FreshnessThreshold: 5 * time.Minute,
		StalenessPerMin:    1.0,
		MaxAge:             time.Hour,
		MinFloor:           40,
	}
}

func newTestScorer(t *testing.T) (*Scorer, *memoryrepository.Store) {
	t.Helper()
	repo := memoryrepository.New()
	return New(repo, zap.NewNop(), testConfig()), repo
}

func TestSmoothedWinRate(t *testing.T) {
	got := SmoothedWinRate(10, 4, 4)
	want := 14.0 / 22.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("SmoothedWinRate(10,4,4) = %v, want %v", got, want)
	}
	// No history lands at exactly 0.5.
	if got := SmoothedWinRate(0, 0, 4); got != 0.5 {
		t.Fatalf("SmoothedWinRate(0,0,4) = %v, want 0.5", got)
	}
}

func TestScoreNeutralSingleSource(t *testing.T) {
	s, _ := newTestScorer(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := s.Score(context.Background(), []Input{
		{SourceID: "src-a", TrueProb: 0.67, ObservedAt: now.Add(-time.Minute)},
	}, 0.50, now)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	// Unseen source: smoothed rate 0.5 on the 0-100 scale, fresh, no bonus.
	if math.Abs(res.Confidence-50) > 1e-9 {
		t.Fatalf("confidence = %v, want 50", res.Confidence)
	}
	if len(res.SourcesUsed) != 1 || res.SourcesUsed[0] != "src-a" {
		t.Fatalf("sources = %v, want [src-a]", res.SourcesUsed)
	}
}

func TestScoreAgreementBonus(t *testing.T) {
	s, _ := newTestScorer(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := s.Score(context.Background(), []Input{
		{SourceID: "src-a", TrueProb: 0.70, ObservedAt: now.Add(-2 * time.Minute)},
		{SourceID: "src-b", TrueProb: 0.64, ObservedAt: now.Add(-5 * time.Minute)},
	}, 0.50, now)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	// Base 50 + one agreement bonus of 8, both within freshness.
	if math.Abs(res.Confidence-58) > 1e-9 {
		t.Fatalf("confidence = %v, want 58", res.Confidence)
	}
	if res.DataAgeSeconds != 300 {
		t.Fatalf("data age = %d, want 300 (oldest contribution)", res.DataAgeSeconds)
	}
}

func TestScoreStalenessPenalty(t *testing.T) {
	s, _ := newTestScorer(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := s.Score(context.Background(), []Input{
		{SourceID: "src-a", TrueProb: 0.67, ObservedAt: now.Add(-15 * time.Minute)},
	}, 0.50, now)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	// 10 minutes past the 5 minute freshness threshold at 1 point/min.
	if math.Abs(res.Confidence-40) > 1e-9 {
		t.Fatalf("confidence = %v, want 40", res.Confidence)
	}
}

func TestScoreRejectsPastMaxAge(t *testing.T) {
	s, _ := newTestScorer(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	res, err := s.Score(context.Background(), []Input{
		{SourceID: "src-a", TrueProb: 0.67, ObservedAt: now.Add(-2 * time.Hour)},
	}, 0.50, now)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result for data past max_age, got %+v", res)
	}
}

func TestScoreTrustWeighting(t *testing.T) {
	s, repo := newTestScorer(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// src-good has a strong record; src-bad a weak one with double weight.
	seed := []models.SourceTrustState{
		{SourceID: "src-good", Wins: 10, Losses: 4, TrustMultiplier: 1},
		{SourceID: "src-bad", Wins: 2, Losses: 10, TrustMultiplier: 2},
	}
	for i := range seed {
		seed[i].SmoothedWinRate = SmoothedWinRate(seed[i].Wins, seed[i].Losses, 4)
		if err := repo.UpsertSourceTrust(ctx, &seed[i]); err != nil {
			t.Fatalf("seed trust: %v", err)
		}
	}

	res, err := s.Score(ctx, []Input{
		{SourceID: "src-good", TrueProb: 0.70, ObservedAt: now.Add(-time.Minute)},
		{SourceID: "src-bad", TrueProb: 0.68, ObservedAt: now.Add(-time.Minute)},
	}, 0.50, now)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	good := SmoothedWinRate(10, 4, 4)
	bad := SmoothedWinRate(2, 10, 4)
	want := (good*1+bad*2)/3*100 + 8
	if math.Abs(res.Confidence-want) > 1e-9 {
		t.Fatalf("confidence = %v, want %v", res.Confidence, want)
	}
}

func TestRecordOutcome(t *testing.T) {
	s, repo := newTestScorer(t)
	ctx := context.Background()

	if err := s.RecordOutcome(ctx, []string{"src-a", "src-b"}, quote.ResolutionWin); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := s.RecordOutcome(ctx, []string{"src-a"}, quote.ResolutionLoss); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := s.RecordOutcome(ctx, []string{"src-a"}, quote.ResolutionVoid); err != nil {
		t.Fatalf("RecordOutcome void: %v", err)
	}

	st, err := repo.GetSourceTrust(ctx, "src-a")
	if err != nil {
		t.Fatalf("GetSourceTrust: %v", err)
	}
	if st == nil || st.Wins != 1 || st.Losses != 1 {
		t.Fatalf("src-a trust = %+v, want 1 win 1 loss", st)
	}
	want := SmoothedWinRate(1, 1, 4)
	if math.Abs(st.SmoothedWinRate-want) > 1e-9 {
		t.Fatalf("smoothed = %v, want %v", st.SmoothedWinRate, want)
	}
}
