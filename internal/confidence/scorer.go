// Package confidence turns per-source trust history and quote freshness into
// a composite 0-100 confidence for an edge candidate, and absorbs resolved
// outcomes back into per-source trust state.
package confidence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"oddspipe/internal/config"
	"oddspipe/internal/models"
	"oddspipe/internal/quote"
	"oddspipe/internal/repository"
)

// Input is one source's contribution to a market/side candidate.
type Input struct {
	SourceID   string
	TrueProb   float64
	ObservedAt time.Time
}

// Result carries the composite score plus the contributions that survived
// the max-age cutoff.
type Result struct {
	Confidence     float64
	SourcesUsed    []string
	DataAgeSeconds int
}

type Scorer struct {
	Repo   repository.Repository
	Logger *zap.Logger
	Config config.ConfidenceConfig
}

func New(repo repository.Repository, logger *zap.Logger, cfg config.ConfidenceConfig) *Scorer {
	return &Scorer{Repo: repo, Logger: logger, Config: cfg}
}

// SmoothedWinRate is the Laplace-smoothed win rate (wins+α)/(wins+losses+2α).
// The smoothing keeps unseen sources at 0.5 instead of undefined or extreme.
func SmoothedWinRate(wins, losses int, alpha float64) float64 {
	return (float64(wins) + alpha) / (float64(wins+losses) + 2*alpha)
}

// Trust returns the stored trust state for a source, or the neutral default
// for sources with no resolved history.
func (s *Scorer) Trust(ctx context.Context, sourceID string) (models.SourceTrustState, error) {
	st, err := s.Repo.GetSourceTrust(ctx, sourceID)
	if err != nil {
		return models.SourceTrustState{}, err
	}
	if st == nil {
		return models.SourceTrustState{
			SourceID:        sourceID,
			SmoothedWinRate: SmoothedWinRate(0, 0, s.Config.LaplaceAlpha),
			TrustMultiplier: 1,
		}, nil
	}
	if st.TrustMultiplier <= 0 {
		st.TrustMultiplier = 1
	}
	return *st, nil
}

// Fresh drops inputs older than max_age; those are not scoreable at all.
func (s *Scorer) Fresh(inputs []Input, now time.Time) []Input {
	out := make([]Input, 0, len(inputs))
	for _, in := range inputs {
		if now.Sub(in.ObservedAt) > s.Config.MaxAge {
			continue
		}
		out = append(out, in)
	}
	return out
}

// Score computes the composite confidence for one market/side candidate.
// marketPrice decides direction agreement. Inputs older than max_age are
// dropped; a nil Result means nothing scoreable remained.
func (s *Scorer) Score(ctx context.Context, inputs []Input, marketPrice float64, now time.Time) (*Result, error) {
	fresh := s.Fresh(inputs, now)
	if len(fresh) == 0 {
		return nil, nil
	}

	// Base: trust-multiplier weighted average of smoothed win rates, on the
	// 0-100 scale.
	var weighted, weights float64
	sources := make([]string, 0, len(fresh))
	seen := map[string]struct{}{}
	agreeing := 0
	oldest := 0
	for _, in := range fresh {
		trust, err := s.Trust(ctx, in.SourceID)
		if err != nil {
			return nil, err
		}
		rate := SmoothedWinRate(trust.Wins, trust.Losses, s.Config.LaplaceAlpha)
		weighted += rate * trust.TrustMultiplier
		weights += trust.TrustMultiplier

		if _, dup := seen[in.SourceID]; !dup {
			seen[in.SourceID] = struct{}{}
			sources = append(sources, in.SourceID)
			if in.TrueProb > marketPrice {
				agreeing++
			}
		}
		if age := int(now.Sub(in.ObservedAt) / time.Second); age > oldest {
			oldest = age
		}
	}
	if weights <= 0 {
		return nil, nil
	}
	score := weighted / weights * 100

	// Agreement bonus: distinct sources on the same side of the market price,
	// beyond the first, each add the bonus up to the cap.
	majority := agreeing
	if other := len(sources) - agreeing; other > majority {
		majority = other
	}
	if majority >= 2 {
		bonus := s.Config.AgreementBonus * float64(majority-1)
		if bonus > s.Config.AgreementBonusCap {
			bonus = s.Config.AgreementBonusCap
		}
		score += bonus
	}

	// Staleness penalty past the freshness threshold, per minute.
	if over := time.Duration(oldest)*time.Second - s.Config.FreshnessThreshold; over > 0 {
		score -= s.Config.StalenessPerMin * over.Minutes()
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return &Result{Confidence: score, SourcesUsed: sources, DataAgeSeconds: oldest}, nil
}

// RecordOutcome folds one resolved outcome into the trust state of every
// contributing source. Voids change nothing.
func (s *Scorer) RecordOutcome(ctx context.Context, sourceIDs []string, outcome string) error {
	if outcome == quote.ResolutionVoid {
		return nil
	}
	for _, id := range sourceIDs {
		trust, err := s.Trust(ctx, id)
		if err != nil {
			return err
		}
		switch outcome {
		case quote.ResolutionWin:
			trust.Wins++
		case quote.ResolutionLoss:
			trust.Losses++
		default:
			continue
		}
		trust.SmoothedWinRate = SmoothedWinRate(trust.Wins, trust.Losses, s.Config.LaplaceAlpha)
		if err := s.Repo.UpsertSourceTrust(ctx, &trust); err != nil {
			return err
		}
		s.Logger.Info("trust updated",
			zap.String("source_id", id),
			zap.String("outcome", outcome),
			zap.Int("wins", trust.Wins),
			zap.Int("losses", trust.Losses),
			zap.Float64("smoothed_win_rate", trust.SmoothedWinRate))
	}
	return nil
}
