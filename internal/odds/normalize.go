// Package odds converts raw price formats into de-vigged true probabilities.
// Everything here is deterministic and side-effect free.
package odds

import (
	"errors"
	"fmt"
	"math"
	"time"

	"oddspipe/internal/config"
	"oddspipe/internal/quote"
)

var (
	ErrInvalidPrice = errors.New("odds: invalid price")
	// ErrProbSum signals a normalization invariant violation: the de-vigged
	// outcome set did not sum to 1.0. This is a defect, not bad input data.
	ErrProbSum = errors.New("odds: normalized probabilities do not sum to 1")
)

// AmericanToProbability converts American odds to an implied probability.
// Negative odds are favorites: |odds|/(|odds|+100). Non-negative: 100/(odds+100).
func AmericanToProbability(american float64) float64 {
	if american < 0 {
		return -american / (-american + 100)
	}
	return 100 / (american + 100)
}

// DecimalToProbability converts European decimal odds to an implied probability.
func DecimalToProbability(dec float64) float64 {
	if dec <= 0 {
		return 0
	}
	return 1 / dec
}

// ImpliedProbability converts a format-tagged price into an implied
// probability, before vig removal.
func ImpliedProbability(format quote.PriceFormat, price float64) (float64, error) {
	switch format {
	case quote.FormatAmerican:
		if price > -100 && price < 100 {
			return 0, fmt.Errorf("%w: american odds %v", ErrInvalidPrice, price)
		}
		return AmericanToProbability(price), nil
	case quote.FormatDecimal:
		if price < 1 {
			return 0, fmt.Errorf("%w: decimal odds %v", ErrInvalidPrice, price)
		}
		return DecimalToProbability(price), nil
	case quote.FormatProbability:
		if price <= 0 || price >= 1 {
			return 0, fmt.Errorf("%w: probability %v", ErrInvalidPrice, price)
		}
		return price, nil
	default:
		return 0, fmt.Errorf("%w: unknown format %q", ErrInvalidPrice, format)
	}
}

// RemoveVigProportional scales each implied probability by the inverse of
// their sum. The result sums to exactly 1.0 (modulo float rounding).
func RemoveVigProportional(probs []float64) []float64 {
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		return nil
	}
	out := make([]float64, len(probs))
	for i, p := range probs {
		out[i] = p / sum
	}
	return out
}

// RemoveVigShin applies Shin's insider-trading adjustment, which corrects the
// favorite/longshot bias that proportional scaling leaves in heavily skewed
// markets. It falls back to proportional removal when the solve does not
// converge or the inputs are degenerate.
func RemoveVigShin(probs []float64) []float64 {
	if len(probs) < 2 {
		return RemoveVigProportional(probs)
	}
	sum := 0.0
	for _, p := range probs {
		if p <= 0 {
			return RemoveVigProportional(probs)
		}
		sum += p
	}
	if sum <= 1 {
		// No overround; nothing to remove.
		return RemoveVigProportional(probs)
	}

	z, ok := solveShinZ(probs, sum)
	if !ok {
		return RemoveVigProportional(probs)
	}
	out := make([]float64, len(probs))
	total := 0.0
	for i, p := range probs {
		out[i] = shinProb(z, p, sum)
		total += out[i]
	}
	if total <= 0 || math.IsNaN(total) {
		return RemoveVigProportional(probs)
	}
	// Renormalize the residual rounding so the set sums to exactly 1.
	for i := range out {
		out[i] /= total
	}
	return out
}

// shinProb is the Shin fair probability for implied prob pi given insider
// fraction z and bookmaker sum.
func shinProb(z, pi, sum float64) float64 {
	return (math.Sqrt(z*z+4*(1-z)*pi*pi/sum) - z) / (2 * (1 - z))
}

// solveShinZ finds the insider fraction z in [0, 0.5) such that the Shin
// probabilities sum to 1, by bisection.
func solveShinZ(probs []float64, sum float64) (float64, bool) {
	f := func(z float64) float64 {
		total := 0.0
		for _, p := range probs {
			total += shinProb(z, p, sum)
		}
		return total - 1
	}

	lo, hi := 0.0, 0.5
	flo := f(lo)
	fhi := f(hi)
	if math.IsNaN(flo) || math.IsNaN(fhi) || flo*fhi > 0 {
		return 0, false
	}
	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		fm := f(mid)
		if math.IsNaN(fm) {
			return 0, false
		}
		if math.Abs(fm) < 1e-12 {
			return mid, true
		}
		if flo*fm < 0 {
			hi = mid
		} else {
			lo = mid
			flo = fm
		}
	}
	return (lo + hi) / 2, true
}

// Edge is the detector's core quantity: fair probability minus market price.
func Edge(trueProb, marketPrice float64) float64 {
	return trueProb - marketPrice
}

// Skew is the max/min ratio of an implied probability set, used to decide
// between proportional and Shin vig removal.
func Skew(probs []float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	min, max := probs[0], probs[0]
	for _, p := range probs[1:] {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	if min <= 0 {
		return math.Inf(1)
	}
	return max / min
}

// Normalizer converts a source's quotes for one instrument into de-vigged
// probabilities. The vig-removal method is chosen per outcome set: Shin when
// the implied skew is at or above the configured threshold, proportional
// otherwise.
type Normalizer struct {
	Config config.NormalizerConfig
}

// NormalizeSet de-vigs the quotes of one mutually exclusive outcome set.
// All quotes must share source and instrument. Re-running on the same input
// yields the same output.
func (n Normalizer) NormalizeSet(quotes []quote.RawQuote, now time.Time) ([]quote.NormalizedProbability, error) {
	if len(quotes) == 0 {
		return nil, nil
	}
	implied := make([]float64, len(quotes))
	for i, q := range quotes {
		p, err := ImpliedProbability(q.PriceFormat, q.Price)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", q.SourceID, q.InstrumentKey, err)
		}
		implied[i] = p
	}

	var fair []float64
	if len(implied) == 1 {
		// Single-sided quote: the source only priced one outcome. Treat the
		// implied probability as fair; there is no set to de-vig against.
		fair = []float64{implied[0]}
	} else {
		threshold := n.Config.ShinSkewThreshold
		if threshold > 0 && Skew(implied) >= threshold {
			fair = RemoveVigShin(implied)
		} else {
			fair = RemoveVigProportional(implied)
		}
		eps := n.Config.SumEpsilon
		if eps <= 0 {
			eps = 1e-6
		}
		sum := 0.0
		for _, p := range fair {
			sum += p
		}
		if math.Abs(sum-1) > eps {
			return nil, fmt.Errorf("%w: sum=%v", ErrProbSum, sum)
		}
	}

	out := make([]quote.NormalizedProbability, len(quotes))
	for i, q := range quotes {
		out[i] = quote.NormalizedProbability{
			SourceID:       q.SourceID,
			InstrumentKey:  q.InstrumentKey,
			Outcome:        q.Outcome,
			RawImpliedProb: implied[i],
			TrueProb:       fair[i],
			ObservedAt:     q.ObservedAt,
			DerivedAt:      now,
		}
	}
	return out, nil
}
