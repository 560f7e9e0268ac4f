// Package quote holds the transient values that flow through one detection
// cycle. None of these are persisted directly; durable rows live in
// internal/models.
package quote

import "time"

type PriceFormat string

const (
	FormatAmerican    PriceFormat = "american"
	FormatDecimal     PriceFormat = "decimal"
	FormatProbability PriceFormat = "probability"
)

const (
	SideYes = "YES"
	SideNo  = "NO"
)

// RawQuote is one priced outcome as reported by a source, already parsed out
// of the source's own payload shape by the transport layer.
type RawQuote struct {
	SourceID      string
	InstrumentKey string
	// Description is the source's human-readable label for the instrument,
	// used by the matcher's entity extraction. EventType is the source's
	// category tag (sport, election, ...).
	Description string
	EventType   string
	Outcome     string
	PriceFormat PriceFormat
	Price       float64
	ObservedAt  time.Time
}

// NormalizedProbability is a RawQuote after format conversion and vig
// removal. TrueProb sums to 1.0 across the instrument's outcome set.
type NormalizedProbability struct {
	SourceID       string
	InstrumentKey  string
	Outcome        string
	RawImpliedProb float64
	TrueProb       float64
	ObservedAt     time.Time
	DerivedAt      time.Time
}

const (
	MatchManual = "manual"
	MatchFuzzy  = "fuzzy"
)

type MatchResult struct {
	SourceID            string
	SourceInstrumentKey string
	CanonicalMarketID   string
	Confidence          float64
	MatchType           string
}

// EdgeSignal is one scored opportunity for a canonical market/side. It is
// superseded by the next cycle's value for the same market/side.
type EdgeSignal struct {
	CanonicalMarketID string
	Side              string
	TrueProb          float64
	MarketPrice       float64
	Edge              float64
	Confidence        float64
	SourcesUsed       []string
	DataAgeSeconds    int
	DetectedAt        time.Time
}

const (
	ResolutionWin  = "win"
	ResolutionLoss = "loss"
	ResolutionVoid = "void"
)

// Resolution is a settlement reported by the external resolution feed.
// Outcome names the side that won ("YES"/"NO") or is void.
type Resolution struct {
	CanonicalMarketID string
	WinningSide       string
	Void              bool
	SettledAt         time.Time
}
