// Package sizing converts an edge signal into a bounded capital allocation:
// Kelly fraction, bootstrap-uncertainty haircut, conservative multiplier,
// hard caps, and a Monte Carlo drawdown gate.
package sizing

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"oddspipe/internal/config"
	"oddspipe/internal/quote"
	"oddspipe/internal/repository"
)

// Rejection reasons, reported but never treated as faults.
const (
	ReasonNonPositiveEdge  = "non_positive_edge"
	ReasonNonPositiveKelly = "non_positive_kelly"
	ReasonHaircutZero      = "haircut_zeroed_fraction"
	ReasonDrawdownCeiling  = "drawdown_ceiling"
)

// Decision is the sizer's verdict for one signal. Size is zero whenever
// Accepted is false.
type Decision struct {
	Accepted  bool
	Reason    string
	FullKelly float64
	CV        float64
	Fraction  float64
	Size      decimal.Decimal
	Shares    decimal.Decimal
}

// edgeSampleWindow bounds how much signal history feeds the bootstrap.
const edgeSampleWindow = 200

type Sizer struct {
	Repo   repository.Repository
	Logger *zap.Logger
	Config config.SizingConfig

	rng *rand.Rand
}

func New(repo repository.Repository, logger *zap.Logger, cfg config.SizingConfig) *Sizer {
	return &Sizer{
		Repo:   repo,
		Logger: logger,
		Config: cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Kelly is the full Kelly fraction for a binary outcome priced at marketPrice:
// f* = (b·p − q)/b with b = 1/price − 1 and q = 1−p.
func Kelly(trueProb, marketPrice float64) float64 {
	if marketPrice <= 0 || marketPrice >= 1 {
		return 0
	}
	b := 1/marketPrice - 1
	if b <= 0 {
		return 0
	}
	q := 1 - trueProb
	return (b*trueProb - q) / b
}

// Size computes the allocation for one signal against the current balance.
// phaseMaxFraction is the active phase's per-trade cap; zero means no phase
// cap. Rejections carry a reason and a zero size.
func (s *Sizer) Size(ctx context.Context, sig quote.EdgeSignal, balance decimal.Decimal, phaseMaxFraction float64) (Decision, error) {
	if sig.Edge <= 0 {
		return Decision{Reason: ReasonNonPositiveEdge, Size: decimal.Zero, Shares: decimal.Zero}, nil
	}

	full := Kelly(sig.TrueProb, sig.MarketPrice)
	if full <= 0 {
		return Decision{Reason: ReasonNonPositiveKelly, FullKelly: full, Size: decimal.Zero, Shares: decimal.Zero}, nil
	}

	samples, err := s.Repo.ListEdgeSamples(ctx, sig.CanonicalMarketID, sig.Side, edgeSampleWindow)
	if err != nil {
		return Decision{}, err
	}
	cv := s.bootstrapCV(samples)

	f := full * (1 - cv)
	if f <= 0 {
		return Decision{Reason: ReasonHaircutZero, FullKelly: full, CV: cv, Size: decimal.Zero, Shares: decimal.Zero}, nil
	}
	f *= s.Config.KellyMultiplier
	if s.Config.MaxFraction > 0 && f > s.Config.MaxFraction {
		f = s.Config.MaxFraction
	}
	if phaseMaxFraction > 0 && f > phaseMaxFraction {
		f = phaseMaxFraction
	}

	f, ok := s.drawdownGate(sig.TrueProb, sig.MarketPrice, f)
	if !ok {
		return Decision{Reason: ReasonDrawdownCeiling, FullKelly: full, CV: cv, Size: decimal.Zero, Shares: decimal.Zero}, nil
	}

	size := balance.Mul(decimal.NewFromFloat(f)).Round(2)
	if size.LessThanOrEqual(decimal.Zero) {
		return Decision{Reason: ReasonHaircutZero, FullKelly: full, CV: cv, Size: decimal.Zero, Shares: decimal.Zero}, nil
	}
	shares := size.Div(decimal.NewFromFloat(sig.MarketPrice)).Round(4)

	s.Logger.Debug("allocation sized",
		zap.String("canonical_market_id", sig.CanonicalMarketID),
		zap.String("side", sig.Side),
		zap.Float64("full_kelly", full),
		zap.Float64("cv", cv),
		zap.Float64("fraction", f),
		zap.String("size", size.String()))
	return Decision{
		Accepted:  true,
		FullKelly: full,
		CV:        cv,
		Fraction:  f,
		Size:      size,
		Shares:    shares,
	}, nil
}

// bootstrapCV resamples the historical edge estimates with replacement and
// returns the coefficient of variation of the resampled means, clamped to
// [0,1]. Under two samples there is nothing to resample: CV 0.
func (s *Sizer) bootstrapCV(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	iters := s.Config.BootstrapIterations
	if iters < 1000 {
		iters = 1000
	}
	means := make([]float64, iters)
	for i := 0; i < iters; i++ {
		total := 0.0
		for range samples {
			total += samples[s.rng.Intn(len(samples))]
		}
		means[i] = total / float64(len(samples))
	}

	var sum float64
	for _, m := range means {
		sum += m
	}
	mean := sum / float64(iters)
	if mean == 0 {
		return 1
	}
	var ss float64
	for _, m := range means {
		d := m - mean
		ss += d * d
	}
	cv := math.Sqrt(ss/float64(iters)) / math.Abs(mean)
	if cv < 0 {
		cv = 0
	}
	if cv > 1 {
		cv = 1
	}
	return cv
}

// drawdownGate simulates forward Bernoulli paths at the proposed fraction and
// requires the 95th-percentile max drawdown to stay under the ceiling,
// scaling the fraction down until it passes. Returns false when no workable
// fraction remains.
func (s *Sizer) drawdownGate(trueProb, marketPrice, fraction float64) (float64, bool) {
	if s.Config.DrawdownCeiling <= 0 {
		return fraction, true
	}
	b := 1/marketPrice - 1
	for fraction > 1e-4 {
		if s.percentileDrawdown(trueProb, b, fraction) < s.Config.DrawdownCeiling {
			return fraction, true
		}
		fraction *= 0.8
	}
	return 0, false
}

func (s *Sizer) percentileDrawdown(p, b, fraction float64) float64 {
	paths := s.Config.MonteCarloPaths
	if paths <= 0 {
		paths = 500
	}
	horizon := s.Config.MonteCarloHorizon
	if horizon <= 0 {
		horizon = 50
	}

	drawdowns := make([]float64, paths)
	for i := 0; i < paths; i++ {
		bankroll, peak, worst := 1.0, 1.0, 0.0
		for j := 0; j < horizon; j++ {
			stake := bankroll * fraction
			if s.rng.Float64() < p {
				bankroll += stake * b
			} else {
				bankroll -= stake
			}
			if bankroll > peak {
				peak = bankroll
			}
			if dd := (peak - bankroll) / peak; dd > worst {
				worst = dd
			}
		}
		drawdowns[i] = worst
	}
	sort.Float64s(drawdowns)
	idx := int(math.Ceil(0.95*float64(paths))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= paths {
		idx = paths - 1
	}
	return drawdowns[idx]
}
