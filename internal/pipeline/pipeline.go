// Package pipeline runs one detection cycle end to end: fetch, normalize,
// match, score, detect, size, open. Ticks are single-flight; a tick that
// overruns its schedule finishes, the next one skips.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"oddspipe/internal/confidence"
	"oddspipe/internal/edge"
	"oddspipe/internal/fetch"
	"oddspipe/internal/matcher"
	"oddspipe/internal/odds"
	"oddspipe/internal/portfolio"
	"oddspipe/internal/quote"
	"oddspipe/internal/repository"
)

// ErrTickInProgress is returned when a tick is requested while the previous
// one is still running.
var ErrTickInProgress = errors.New("pipeline: tick already in progress")

// TickReport summarizes one cycle for logs and the ops surface.
type TickReport struct {
	StartedAt      time.Time
	Duration       time.Duration
	SourcesFetched int
	QuotesSeen     int
	Matched        int
	Signals        []quote.EdgeSignal
	Opened         int
	Rotated        int
	OpeningAborted bool
}

type Pipeline struct {
	Controller *fetch.Controller
	Normalizer odds.Normalizer
	Matcher    *matcher.Matcher
	Detector   *edge.Detector
	Engine     *portfolio.Engine
	Repo       repository.Repository
	Logger     *zap.Logger

	running atomic.Bool
	now     func() time.Time
}

func New(ctrl *fetch.Controller, norm odds.Normalizer, match *matcher.Matcher, det *edge.Detector, eng *portfolio.Engine, repo repository.Repository, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		Controller: ctrl,
		Normalizer: norm,
		Matcher:    match,
		Detector:   det,
		Engine:     eng,
		Repo:       repo,
		Logger:     logger,
		now:        time.Now,
	}
}

// instrumentGroup is one source's outcome set for one instrument.
type instrumentGroup struct {
	sourceID      string
	instrumentKey string
	description   string
	eventType     string
	quotes        []quote.RawQuote
}

// RunTick executes one full cycle. Transient source problems degrade the
// cycle; a normalization invariant violation aborts only the
// position-opening step, with detection results still reported.
func (p *Pipeline) RunTick(ctx context.Context) (*TickReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrTickInProgress
	}
	defer p.running.Store(false)

	now := p.now()
	report := &TickReport{StartedAt: now}

	quotesBySource := p.Controller.FetchAll(ctx, fetch.Request{})
	report.SourcesFetched = len(quotesBySource)

	groups := groupByInstrument(quotesBySource)
	for _, g := range groups {
		report.QuotesSeen += len(g.quotes)
	}

	// Normalize per outcome set. ErrProbSum is a defect, not bad data: keep
	// detecting, never open positions off a broken invariant.
	normalized := make(map[string][]quote.NormalizedProbability, len(groups))
	for _, g := range groups {
		probs, err := p.Normalizer.NormalizeSet(g.quotes, now)
		if err != nil {
			if errors.Is(err, odds.ErrProbSum) {
				report.OpeningAborted = true
				p.Logger.Error("normalization invariant violated",
					zap.String("source_id", g.sourceID),
					zap.String("instrument_key", g.instrumentKey),
					zap.Error(err))
				continue
			}
			p.Logger.Warn("quote set dropped",
				zap.String("source_id", g.sourceID),
				zap.String("instrument_key", g.instrumentKey),
				zap.Error(err))
			continue
		}
		normalized[groupKey(g.sourceID, g.instrumentKey)] = probs
	}

	// Match each instrument to a canonical market; unmatched sets drop for
	// this cycle.
	type sideKey struct {
		marketID string
		side     string
	}
	inputs := map[sideKey][]confidence.Input{}
	matchedMarkets := map[string]struct{}{}
	for _, g := range groups {
		probs, ok := normalized[groupKey(g.sourceID, g.instrumentKey)]
		if !ok {
			continue
		}
		res, err := p.Matcher.Match(ctx, g.sourceID, g.instrumentKey, g.description, g.eventType)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		report.Matched++
		matchedMarkets[res.CanonicalMarketID] = struct{}{}
		for _, np := range probs {
			if np.Outcome != quote.SideYes && np.Outcome != quote.SideNo {
				continue
			}
			k := sideKey{marketID: res.CanonicalMarketID, side: np.Outcome}
			inputs[k] = append(inputs[k], confidence.Input{
				SourceID:   np.SourceID,
				TrueProb:   np.TrueProb,
				ObservedAt: np.ObservedAt,
			})
		}
	}

	candidates := make([]edge.Candidate, 0, len(inputs))
	for k, ins := range inputs {
		mkt, err := p.Repo.GetCanonicalMarket(ctx, k.marketID)
		if err != nil {
			return nil, err
		}
		if mkt == nil || !mkt.Active || mkt.YesPrice <= 0 || mkt.YesPrice >= 1 {
			continue
		}
		price := mkt.YesPrice
		if k.side == quote.SideNo {
			price = 1 - price
		}
		candidates = append(candidates, edge.Candidate{
			CanonicalMarketID: k.marketID,
			Side:              k.side,
			MarketPrice:       price,
			Inputs:            ins,
		})
	}

	signals, err := p.Detector.Detect(ctx, candidates, now)
	if err != nil {
		return nil, err
	}
	report.Signals = signals

	p.touchMarkets(ctx, matchedMarkets, now)

	if report.OpeningAborted {
		p.Logger.Error("position opening aborted for this tick")
	} else {
		for _, sig := range signals {
			res, err := p.Engine.Consider(ctx, sig)
			if err != nil {
				return nil, err
			}
			if res.Opened {
				report.Opened++
			}
			if res.Rotated != "" {
				report.Rotated++
			}
			if !res.Opened && res.SkipReason != "" {
				p.Logger.Info("signal skipped",
					zap.String("canonical_market_id", sig.CanonicalMarketID),
					zap.String("side", sig.Side),
					zap.String("reason", res.SkipReason))
			}
		}
	}

	report.Duration = p.now().Sub(now)
	p.Logger.Info("tick complete",
		zap.Int("sources", report.SourcesFetched),
		zap.Int("quotes", report.QuotesSeen),
		zap.Int("matched", report.Matched),
		zap.Int("signals", len(report.Signals)),
		zap.Int("opened", report.Opened),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// ApplyResolutions forwards settlements to the portfolio engine. Exposed here
// so the transport layer has one pipeline-shaped dependency.
func (p *Pipeline) ApplyResolutions(ctx context.Context, resolutions []quote.Resolution) error {
	return p.Engine.ApplyResolutions(ctx, resolutions)
}

func (p *Pipeline) touchMarkets(ctx context.Context, ids map[string]struct{}, now time.Time) {
	for id := range ids {
		mkt, err := p.Repo.GetCanonicalMarket(ctx, id)
		if err != nil || mkt == nil {
			continue
		}
		mkt.LastActivityAt = now
		if err := p.Repo.UpsertCanonicalMarket(ctx, mkt); err != nil {
			p.Logger.Warn("touch market failed", zap.String("canonical_market_id", id), zap.Error(err))
		}
	}
}

func groupKey(sourceID, instrumentKey string) string {
	return sourceID + "\x00" + instrumentKey
}

func groupByInstrument(bySource map[string][]quote.RawQuote) []instrumentGroup {
	idx := map[string]int{}
	groups := make([]instrumentGroup, 0)
	for sourceID, quotes := range bySource {
		for _, q := range quotes {
			key := groupKey(sourceID, q.InstrumentKey)
			i, ok := idx[key]
			if !ok {
				i = len(groups)
				idx[key] = i
				groups = append(groups, instrumentGroup{
					sourceID:      sourceID,
					instrumentKey: q.InstrumentKey,
					description:   q.Description,
					eventType:     q.EventType,
				})
			}
			groups[i].quotes = append(groups[i].quotes, q)
		}
	}
	return groups
}
