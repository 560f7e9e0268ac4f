package matcher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"oddspipe/internal/config"
	"oddspipe/internal/models"
	"oddspipe/internal/quote"
	memoryrepository "oddspipe/internal/repository/memory"
)

func newTestMatcher(t *testing.T) (*Matcher, *memoryrepository.Store) {
	t.Helper()
	repo := memoryrepository.New()
	m := New(repo, zap.NewNop(), config.MatcherConfig{MinConfidence: 0.7})
	return m, repo
}

func seedMarket(t *testing.T, repo *memoryrepository.Store, id, title, eventType string, entities []byte, lastActivity time.Time) {
	t.Helper()
	err := repo.UpsertCanonicalMarket(context.Background(), &models.CanonicalMarket{
		ID:             id,
		Title:          title,
		EventType:      eventType,
		Entities:       datatypes.JSON(entities),
		Active:         true,
		LastActivityAt: lastActivity,
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
}

func TestManualMappingWins(t *testing.T) {
	m, repo := newTestMatcher(t)
	ctx := context.Background()
	seedMarket(t, repo, "mkt-1", "Lakers vs Celtics", "basketball", nil, time.Now())

	err := repo.UpsertManualMapping(ctx, &models.ManualMapping{
		SourceID:            "src-a",
		SourceInstrumentKey: "lal-bos-20260301",
		CanonicalMarketID:   "mkt-override",
	})
	if err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	res, err := m.Match(ctx, "src-a", "lal-bos-20260301", "Lakers vs Celtics", "basketball")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res == nil {
		t.Fatal("expected a match")
	}
	if res.CanonicalMarketID != "mkt-override" {
		t.Fatalf("market = %s, want manual override mkt-override", res.CanonicalMarketID)
	}
	if res.MatchType != quote.MatchManual || res.Confidence != 1.0 {
		t.Fatalf("got %s/%v, want manual/1.0", res.MatchType, res.Confidence)
	}
}

func TestFuzzyMatchAboveThreshold(t *testing.T) {
	m, repo := newTestMatcher(t)
	ctx := context.Background()
	seedMarket(t, repo, "mkt-1", "Lakers vs Celtics", "basketball", nil, time.Now())
	seedMarket(t, repo, "mkt-2", "Yankees vs Red Sox", "baseball", nil, time.Now())

	res, err := m.Match(ctx, "src-a", "key-1", "Lakers Celtics", "basketball")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res == nil {
		t.Fatal("expected a match")
	}
	if res.CanonicalMarketID != "mkt-1" {
		t.Fatalf("market = %s, want mkt-1", res.CanonicalMarketID)
	}
	if res.MatchType != quote.MatchFuzzy {
		t.Fatalf("type = %s, want fuzzy", res.MatchType)
	}
	// Full entity overlap plus matching event type: 0.5*1 + 0.5*1.
	if res.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", res.Confidence)
	}
}

func TestNoMatchBelowThreshold(t *testing.T) {
	m, repo := newTestMatcher(t)
	ctx := context.Background()
	seedMarket(t, repo, "mkt-1", "Lakers vs Celtics", "basketball", nil, time.Now())

	// Wrong event type and one overlapping entity out of two: 0.5*0.5 = 0.25.
	res, err := m.Match(ctx, "src-a", "key-1", "Lakers Warriors", "hockey")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no match, got %+v", res)
	}
}

func TestTieBreaksOnRecentActivity(t *testing.T) {
	m, repo := newTestMatcher(t)
	ctx := context.Background()
	old := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedMarket(t, repo, "mkt-old", "Lakers vs Celtics", "basketball", nil, old)
	seedMarket(t, repo, "mkt-recent", "Lakers vs Celtics", "basketball", nil, recent)

	res, err := m.Match(ctx, "src-a", "key-1", "Lakers vs Celtics", "basketball")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res == nil {
		t.Fatal("expected a match")
	}
	if res.CanonicalMarketID != "mkt-recent" {
		t.Fatalf("market = %s, want the more recently active mkt-recent", res.CanonicalMarketID)
	}
}

func TestStoredEntitiesPreferredOverTitle(t *testing.T) {
	m, repo := newTestMatcher(t)
	ctx := context.Background()
	seedMarket(t, repo, "mkt-1", "Game 7", "basketball", []byte(`["lakers","celtics"]`), time.Now())

	res, err := m.Match(ctx, "src-a", "key-1", "Lakers Celtics", "basketball")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res == nil || res.CanonicalMarketID != "mkt-1" {
		t.Fatalf("got %+v, want match on stored entities", res)
	}
}

func TestExtractEntities(t *testing.T) {
	got := ExtractEntities("Will the Lakers win at Boston?")
	want := []string{"lakers", "boston"}
	if len(got) != len(want) {
		t.Fatalf("entities = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entities = %v, want %v", got, want)
		}
	}
}
