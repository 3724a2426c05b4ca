package model

import "time"

// SourceType identifies an external provider.
type SourceType string

const (
	SourceWikidata        SourceType = "wikidata"
	SourceWikipedia       SourceType = "wikipedia"
	SourceLegacy          SourceType = "legacy"
	SourceNewsFeed        SourceType = "news_feed"
	SourceJinaSearch      SourceType = "jina_search"
	SourcePerplexity      SourceType = "perplexity"
	SourceOpenLibrary     SourceType = "open_library"
	SourceInternetArchive SourceType = "internet_archive"
)

// ReliabilityTier is an editorial trust ranking of a source. Lower values are
// more trusted.
type ReliabilityTier int

const (
	TierAuthoritative ReliabilityTier = iota
	TierMajorPublisher
	TierStructuredData
	TierReference
	TierSearchAggregator
	TierUserGenerated
	TierUnreliable
)

var tierScores = map[ReliabilityTier]float64{
	TierAuthoritative:    1.0,
	TierMajorPublisher:   0.95,
	TierStructuredData:   0.9,
	TierReference:        0.85,
	TierSearchAggregator: 0.7,
	TierUserGenerated:    0.6,
	TierUnreliable:       0.3,
}

var tierNames = map[ReliabilityTier]string{
	TierAuthoritative:    "authoritative",
	TierMajorPublisher:   "major_publisher",
	TierStructuredData:   "structured_data",
	TierReference:        "reference",
	TierSearchAggregator: "search_aggregator",
	TierUserGenerated:    "user_generated",
	TierUnreliable:       "unreliable",
}

// Score maps the tier to its numeric reliability in [0,1]. Unknown tiers are
// treated as unreliable.
func (t ReliabilityTier) Score() float64 {
	if s, ok := tierScores[t]; ok {
		return s
	}
	return tierScores[TierUnreliable]
}

func (t ReliabilityTier) String() string {
	if n, ok := tierNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseReliabilityTier converts a tier name back to its enum value.
func ParseReliabilityTier(name string) (ReliabilityTier, bool) {
	for t, n := range tierNames {
		if n == name {
			return t, true
		}
	}
	return TierUnreliable, false
}

// SourceDescriptor is the static identity of a source.
type SourceDescriptor struct {
	Name                  string          `json:"name"`
	Type                  SourceType      `json:"type"`
	IsFree                bool            `json:"is_free"`
	EstimatedCostPerQuery float64         `json:"estimated_cost_per_query"`
	ReliabilityTier       ReliabilityTier `json:"reliability_tier"`
	MinDelay              time.Duration   `json:"min_delay"`
}

// ReliabilityScore is derived from the tier; it is never stored separately.
func (d SourceDescriptor) ReliabilityScore() float64 {
	return d.ReliabilityTier.Score()
}

// SourceEntry records one source attempt for a subject.
type SourceEntry struct {
	Type             SourceType      `json:"type"`
	URL              string          `json:"url,omitempty"`
	RetrievedAt      time.Time       `json:"retrieved_at"`
	Confidence       float64         `json:"confidence"`
	ReliabilityTier  ReliabilityTier `json:"reliability_tier"`
	ReliabilityScore float64         `json:"reliability_score"`
	CostUSD          float64         `json:"cost_usd"`
	QueryUsed        string          `json:"query_used,omitempty"`
	Error            string          `json:"error,omitempty"`
	Cached           bool            `json:"cached,omitempty"`
	LatencyMs        int64           `json:"latency_ms,omitempty"`
}

// RawEvidence is unstructured text gathered from one source, with provenance.
type RawEvidence struct {
	Source      SourceType `json:"source"`
	Text        string     `json:"text"`
	Publication string     `json:"publication,omitempty"`
	URL         string     `json:"url,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
}

// LookupResult is the outcome of a single source call.
type LookupResult struct {
	Success bool         `json:"success"`
	Data    *RawEvidence `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
	Entry   SourceEntry  `json:"entry"`
}

// Failed builds an unsuccessful result with the given message.
func Failed(entry SourceEntry, msg string) *LookupResult {
	entry.Error = msg
	return &LookupResult{Success: false, Error: msg, Entry: entry}
}

// Succeeded builds a successful result carrying evidence.
func Succeeded(entry SourceEntry, data *RawEvidence) *LookupResult {
	return &LookupResult{Success: true, Data: data, Entry: entry}
}
