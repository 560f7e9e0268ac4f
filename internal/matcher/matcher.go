// Package matcher binds source instruments to canonical markets: manual
// overrides first, fuzzy entity matching as fallback.
package matcher

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"oddspipe/internal/config"
	"oddspipe/internal/models"
	"oddspipe/internal/quote"
	"oddspipe/internal/repository"
)

// stopwords excluded from entity extraction. Everything else in a title or
// description counts as an entity token.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "at": {}, "by": {}, "for": {}, "in": {},
	"of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "vs": {}, "v": {},
	"will": {}, "win": {}, "match": {}, "game": {},
}

type Matcher struct {
	Repo   repository.Repository
	Logger *zap.Logger
	Config config.MatcherConfig
}

func New(repo repository.Repository, logger *zap.Logger, cfg config.MatcherConfig) *Matcher {
	return &Matcher{Repo: repo, Logger: logger, Config: cfg}
}

// Match resolves one source instrument against the active canonical markets.
// Returns nil when nothing clears the confidence threshold; the caller drops
// the instrument for this cycle.
func (m *Matcher) Match(ctx context.Context, sourceID, instrumentKey, description, eventType string) (*quote.MatchResult, error) {
	if m == nil {
		return nil, nil
	}

	// Manual override wins unconditionally.
	mapping, err := m.Repo.GetManualMapping(ctx, sourceID, instrumentKey)
	if err != nil {
		return nil, err
	}
	if mapping != nil {
		return &quote.MatchResult{
			SourceID:            sourceID,
			SourceInstrumentKey: instrumentKey,
			CanonicalMarketID:   mapping.CanonicalMarketID,
			Confidence:          1.0,
			MatchType:           quote.MatchManual,
		}, nil
	}

	markets, err := m.Repo.ListActiveCanonicalMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, nil
	}

	sourceEntities := ExtractEntities(description)
	if len(sourceEntities) == 0 {
		return nil, nil
	}

	type candidate struct {
		market  models.CanonicalMarket
		score   float64
		overlap int
	}
	best := make([]candidate, 0, 4)
	for _, mkt := range markets {
		entities := marketEntities(mkt)
		overlap := overlapCount(sourceEntities, entities)
		ratio := 0.0
		if n := maxInt(len(sourceEntities), len(entities)); n > 0 {
			ratio = float64(overlap) / float64(n)
		}
		typeEq := 0.0
		if eventType != "" && strings.EqualFold(eventType, mkt.EventType) {
			typeEq = 1.0
		}
		score := 0.5*ratio + 0.5*typeEq
		if score >= m.Config.MinConfidence {
			best = append(best, candidate{market: mkt, score: score, overlap: overlap})
		}
	}
	if len(best) == 0 {
		return nil, nil
	}

	// Ties break on entity overlap, then recency of market activity.
	sort.Slice(best, func(i, j int) bool {
		if best[i].score != best[j].score {
			return best[i].score > best[j].score
		}
		if best[i].overlap != best[j].overlap {
			return best[i].overlap > best[j].overlap
		}
		return best[i].market.LastActivityAt.After(best[j].market.LastActivityAt)
	})

	top := best[0]
	m.Logger.Debug("fuzzy match",
		zap.String("source_id", sourceID),
		zap.String("instrument_key", instrumentKey),
		zap.String("canonical_market_id", top.market.ID),
		zap.Float64("confidence", top.score))
	return &quote.MatchResult{
		SourceID:            sourceID,
		SourceInstrumentKey: instrumentKey,
		CanonicalMarketID:   top.market.ID,
		Confidence:          top.score,
		MatchType:           quote.MatchFuzzy,
	}, nil
}

// UpsertMapping stores a curated override. The next cycle picks it up with
// confidence 1.0.
func (m *Matcher) UpsertMapping(ctx context.Context, sourceID, instrumentKey, canonicalMarketID string) error {
	return m.Repo.UpsertManualMapping(ctx, &models.ManualMapping{
		SourceID:            sourceID,
		SourceInstrumentKey: instrumentKey,
		CanonicalMarketID:   canonicalMarketID,
	})
}

// ExtractEntities lowercases, strips punctuation and drops stopwords,
// returning the distinct entity tokens of a free-text label.
func ExtractEntities(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := map[string]struct{}{}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, skip := stopwords[f]; skip {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func marketEntities(mkt models.CanonicalMarket) []string {
	if len(mkt.Entities) > 0 {
		var stored []string
		if err := json.Unmarshal(mkt.Entities, &stored); err == nil && len(stored) > 0 {
			out := make([]string, 0, len(stored))
			seen := map[string]struct{}{}
			for _, e := range stored {
				e = strings.ToLower(strings.TrimSpace(e))
				if e == "" {
					continue
				}
				if _, dup := seen[e]; dup {
					continue
				}
				seen[e] = struct{}{}
				out = append(out, e)
			}
			return out
		}
	}
	return ExtractEntities(mkt.Title)
}

func overlapCount(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, e := range a {
		set[e] = struct{}{}
	}
	n := 0
	for _, e := range b {
		if _, ok := set[e]; ok {
			n++
		}
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
