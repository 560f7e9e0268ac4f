// Package edge blends matched, scored probabilities into ranked opportunity
// signals and records them for later bootstrap sampling.
package edge

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"oddspipe/internal/confidence"
	"oddspipe/internal/config"
	"oddspipe/internal/models"
	"oddspipe/internal/odds"
	"oddspipe/internal/quote"
	"oddspipe/internal/repository"
)

// Candidate is one canonical market/side with its contributing normalized
// probabilities, assembled by the pipeline from matcher output.
type Candidate struct {
	CanonicalMarketID string
	Side              string
	MarketPrice       float64
	Inputs            []confidence.Input
}

type Detector struct {
	Repo    repository.Repository
	Scorer  *confidence.Scorer
	Logger  *zap.Logger
	Config  config.EdgeConfig
	MinConf float64 // confidence floor, shared with the scorer's config
}

func New(repo repository.Repository, scorer *confidence.Scorer, logger *zap.Logger, cfg config.EdgeConfig, minConf float64) *Detector {
	return &Detector{Repo: repo, Scorer: scorer, Logger: logger, Config: cfg, MinConf: minConf}
}

// Detect scores each candidate, keeps those clearing both the edge and
// confidence thresholds, ranks them and appends each to the signal history.
func (d *Detector) Detect(ctx context.Context, candidates []Candidate, now time.Time) ([]quote.EdgeSignal, error) {
	signals := make([]quote.EdgeSignal, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Inputs) == 0 {
			continue
		}
		fresh := d.Scorer.Fresh(c.Inputs, now)
		if len(fresh) == 0 {
			// Everything contributing was past max_age.
			continue
		}
		res, err := d.Scorer.Score(ctx, fresh, c.MarketPrice, now)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}

		blended, err := d.blend(ctx, fresh)
		if err != nil {
			return nil, err
		}
		e := odds.Edge(blended, c.MarketPrice)
		if math.Abs(e) < d.Config.MinEdge || res.Confidence < d.MinConf {
			continue
		}

		sig := quote.EdgeSignal{
			CanonicalMarketID: c.CanonicalMarketID,
			Side:              c.Side,
			TrueProb:          blended,
			MarketPrice:       c.MarketPrice,
			Edge:              e,
			Confidence:        res.Confidence,
			SourcesUsed:       res.SourcesUsed,
			DataAgeSeconds:    res.DataAgeSeconds,
			DetectedAt:        now,
		}
		if err := d.record(ctx, sig); err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}

	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Edge != signals[j].Edge {
			return signals[i].Edge > signals[j].Edge
		}
		if signals[i].Confidence != signals[j].Confidence {
			return signals[i].Confidence > signals[j].Confidence
		}
		return signals[i].DataAgeSeconds < signals[j].DataAgeSeconds
	})
	return signals, nil
}

// blend averages the fresh contributions weighted by source trust multiplier.
func (d *Detector) blend(ctx context.Context, inputs []confidence.Input) (float64, error) {
	var weighted, weights float64
	for _, in := range inputs {
		trust, err := d.Scorer.Trust(ctx, in.SourceID)
		if err != nil {
			return 0, err
		}
		weighted += in.TrueProb * trust.TrustMultiplier
		weights += trust.TrustMultiplier
	}
	if weights <= 0 {
		return 0, nil
	}
	return weighted / weights, nil
}

func (d *Detector) record(ctx context.Context, sig quote.EdgeSignal) error {
	sources, err := json.Marshal(sig.SourcesUsed)
	if err != nil {
		return err
	}
	return d.Repo.InsertEdgeSignal(ctx, &models.EdgeSignalRecord{
		CanonicalMarketID: sig.CanonicalMarketID,
		Side:              sig.Side,
		TrueProb:          sig.TrueProb,
		MarketPrice:       sig.MarketPrice,
		Edge:              sig.Edge,
		Confidence:        sig.Confidence,
		SourcesUsed:       datatypes.JSON(sources),
		DataAgeSeconds:    sig.DataAgeSeconds,
		DetectedAt:        sig.DetectedAt,
	})
}
