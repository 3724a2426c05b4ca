package model

import "time"

// Kind names an enrichment pipeline.
type Kind string

const (
	KindCauseOfDeath Kind = "cause_of_death"
	KindBiography    Kind = "biography"
)

// StopReason explains why source iteration ended for a subject.
type StopReason string

const (
	StopExhausted StopReason = "exhausted"
	StopEarly     StopReason = "early_stop"
	StopBudget    StopReason = "budget"
)

// CauseOfDeath is the structured output of the cause-of-death pipeline.
type CauseOfDeath struct {
	Cause      string   `json:"cause"`
	Manner     string   `json:"manner,omitempty"`
	Details    string   `json:"details,omitempty"`
	Location   string   `json:"location,omitempty"`
	Confidence string   `json:"confidence,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}

// Biography is the structured output of the biography pipeline.
type Biography struct {
	Narrative string   `json:"narrative"`
	EarlyLife string   `json:"early_life,omitempty"`
	Education string   `json:"education,omitempty"`
	Family    string   `json:"family,omitempty"`
	Career    string   `json:"career,omitempty"`
	Legacy    string   `json:"legacy,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

// StructuredResult is the synthesized output for one subject. Exactly one
// of CauseOfDeath or Biography is set, matching Kind.
type StructuredResult struct {
	Kind         Kind          `json:"kind"`
	CauseOfDeath *CauseOfDeath `json:"cause_of_death,omitempty"`
	Biography    *Biography    `json:"biography,omitempty"`
	Model        string        `json:"model,omitempty"`
}

// ReviewKind classifies a review item.
type ReviewKind string

const (
	ReviewBlocked ReviewKind = "blocked"
	ReviewTimeout ReviewKind = "timeout"
)

// ReviewItem is a block or timeout collected for offline review instead of
// being treated as a subject-level failure.
type ReviewItem struct {
	ID         string     `json:"id"`
	SubjectID  int64      `json:"subject_id"`
	Source     SourceType `json:"source"`
	Kind       ReviewKind `json:"kind"`
	Priority   string     `json:"priority,omitempty"`
	StatusCode int        `json:"status_code,omitempty"`
	URL        string     `json:"url,omitempty"`
	Message    string     `json:"message"`
	At         time.Time  `json:"at"`
}

// EnrichmentStats summarizes one subject's run.
type EnrichmentStats struct {
	Attempted        int        `json:"attempted"`
	Succeeded        int        `json:"succeeded"`
	CostUSD          float64    `json:"cost_usd"`
	SourceCostUSD    float64    `json:"source_cost_usd"`
	SynthesisCostUSD float64    `json:"synthesis_cost_usd"`
	ElapsedMs        int64      `json:"elapsed_ms"`
	StopReason       StopReason `json:"stop_reason,omitempty"`
}

// EnrichmentResult is created fresh per subject by the orchestrator.
type EnrichmentResult struct {
	Subject        Subject           `json:"subject"`
	Kind           Kind              `json:"kind"`
	Sources        []SourceEntry     `json:"sources"`
	RawEvidence    []RawEvidence     `json:"raw_evidence"`
	Synthesized    *StructuredResult `json:"synthesized,omitempty"`
	SynthesisError string            `json:"synthesis_error,omitempty"`
	Review         []ReviewItem      `json:"review,omitempty"`
	Stats          EnrichmentStats   `json:"stats"`
}

// PendingSynthesis is stored raw evidence still awaiting a structured result.
type PendingSynthesis struct {
	Subject  Subject       `json:"subject"`
	Kind     Kind          `json:"kind"`
	Evidence []RawEvidence `json:"evidence"`
}
