package models

import (
	"errors"
	"time"
)

// ErrSessionClosed is returned by Session.AppendTurn once the session has
// been closed; closing is terminal.
var ErrSessionClosed = errors.New("models: session is closed")

// ContentType classifies what a Memory's content represents.
type ContentType string

const (
	ContentFact             ContentType = "fact"
	ContentNote             ContentType = "note"
	ContentUserMessage      ContentType = "user_message"
	ContentAssistantMessage ContentType = "assistant_message"
	ContentFileContent      ContentType = "file_content"
	ContentWebContent       ContentType = "web_content"
	ContentSummary          ContentType = "summary"
)

// ConfidenceSource is the provenance kind feeding the base confidence score.
type ConfidenceSource string

const (
	SourceStated   ConfidenceSource = "stated"
	SourceObserved ConfidenceSource = "observed"
	SourceInferred ConfidenceSource = "inferred"
	SourceSystem   ConfidenceSource = "system"
)

// Confidence is the composite record driving a Memory's recall score.
type Confidence struct {
	Source             ConfidenceSource `json:"source"`
	ReinforcementCount int              `json:"reinforcement_count"`
	Superseded         bool             `json:"superseded"`
	SupersededBy       string           `json:"superseded_by,omitempty"`

	// Score is the derived value, recomputed by ComputeScore and cached here.
	Score float64 `json:"score"`
}

// CitationType discriminates the Citation tagged union.
type CitationType string

const (
	CitationSession CitationType = "session"
	CitationFile    CitationType = "file"
	CitationWeb     CitationType = "web"
	CitationUser    CitationType = "user"
	CitationSystem  CitationType = "system"
)

// Citation is a tagged union of provenance records. Only the fields for
// Type are meaningful.
type Citation struct {
	Type CitationType `json:"type"`

	// session
	SessionID    string    `json:"session_id,omitempty"`
	MessageIndex int       `json:"message_index,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`

	// file
	Path        string    `json:"path,omitempty"`
	LineStart   int       `json:"line_start,omitempty"`
	LineEnd     int       `json:"line_end,omitempty"`
	CommitHash  string    `json:"commit_hash,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	MTime       time.Time `json:"mtime,omitempty"`

	// web
	URL       string    `json:"url,omitempty"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
	Title     string    `json:"title,omitempty"`
	ETag      string    `json:"etag,omitempty"`

	// user
	StatedAt time.Time `json:"stated_at,omitempty"`

	// system
	DerivedAt time.Time `json:"derived_at,omitempty"`
	Method    string    `json:"method,omitempty"`
}

// MemoryMetadata carries the (subject, predicate) semantic fingerprint used
// for contradiction/reinforcement matching, plus free-form extras.
type MemoryMetadata struct {
	Subject   string         `json:"subject,omitempty"`
	Predicate string         `json:"predicate,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Memory is a durable, optionally embedded record of a fact, note, or
// excerpt with a scalar confidence and a provenance citation.
type Memory struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	ContentType    ContentType    `json:"content_type"`
	Embedding      []float32      `json:"-"`
	Metadata       MemoryMetadata `json:"metadata"`
	Confidence     Confidence     `json:"confidence"`
	Citation       *Citation      `json:"citation,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

// StoreFactOutcome discriminates the result of StoreFact.
type StoreFactOutcome string

const (
	FactInserted   StoreFactOutcome = "inserted"
	FactReinforced StoreFactOutcome = "reinforced"
	FactSuperseded StoreFactOutcome = "superseded"
)

// StoreFactResult is the tagged union StoreFact returns.
type StoreFactResult struct {
	Outcome StoreFactOutcome `json:"outcome"`
	NewID   string           `json:"new_id"`
	OldIDs  []string         `json:"old_ids,omitempty"`
}

// StalenessKind discriminates the Staleness tagged union.
type StalenessKind string

const (
	StalenessFresh            StalenessKind = "fresh"
	StalenessPotentiallyStale StalenessKind = "potentially_stale"
	StalenessInvalidated      StalenessKind = "invalidated"
	StalenessUnknown          StalenessKind = "unknown"
)

// Staleness carries the classification kind plus its reason, when any.
type Staleness struct {
	Kind   StalenessKind `json:"kind"`
	Reason string        `json:"reason,omitempty"`
}

// Fresh is the zero-reason fresh staleness value.
func Fresh() Staleness { return Staleness{Kind: StalenessFresh} }

// UnknownStaleness is the zero-reason unknown staleness value.
func UnknownStaleness() Staleness { return Staleness{Kind: StalenessUnknown} }

// PotentiallyStale builds a potentially_stale staleness with a reason.
func PotentiallyStale(reason string) Staleness {
	return Staleness{Kind: StalenessPotentiallyStale, Reason: reason}
}

// Invalidated builds an invalidated staleness with a reason.
func Invalidated(reason string) Staleness {
	return Staleness{Kind: StalenessInvalidated, Reason: reason}
}

// RecallQuery parameterizes Store.Recall.
type RecallQuery struct {
	Embedding    []float32
	Limit        int
	MinScore     float64
	FilterByType ContentType // zero value means no filter
	SessionScope string      // not consulted by memory.Store.Recall; results are never session-scoped
}

// RecallMatch is one ranked result from Recall.
type RecallMatch struct {
	Memory          *Memory   `json:"memory"`
	SimilarityScore float64   `json:"similarity_score"`
	ConfidenceScore float64   `json:"confidence_score"`
	GraphRelevance  float64   `json:"graph_relevance"`
	FinalScore      float64   `json:"final_score"`
	Staleness       Staleness `json:"staleness"`
}

// Entity is a knowledge-graph node.
type Entity struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
	Context    string `json:"context,omitempty"`
}

// Relationship is a labeled directed knowledge-graph edge.
type Relationship struct {
	FromID           string `json:"from_id"`
	ToID             string `json:"to_id"`
	RelationshipType string `json:"relationship_type"`
}

// IndexReport summarizes one session-indexer run.
type IndexReport struct {
	EntitiesStored      int      `json:"entities_stored"`
	FactsStored         int      `json:"facts_stored"`
	RelationshipsStored int      `json:"relationships_stored"`
	SummaryProduced     bool     `json:"summary_produced"`
	StageErrors         []string `json:"stage_errors,omitempty"`
}

// ConfidenceParams configures the time-decay portion of ComputeScore.
type ConfidenceParams struct {
	FreshDays     float64
	StalenessDays float64
	Floor         float64
	Cap           float64
}

// DefaultConfidenceParams matches spec defaults: fresh_days=30,
// staleness_days=365, floor=0.3, cap=1.5.
func DefaultConfidenceParams() ConfidenceParams {
	return ConfidenceParams{FreshDays: 30, StalenessDays: 365, Floor: 0.3, Cap: 1.5}
}

// BaseConfidence maps a ConfidenceSource to its base score per spec.md §4.C.
var BaseConfidence = map[ConfidenceSource]float64{
	SourceStated:   1.0,
	SourceSystem:   0.9,
	SourceObserved: 0.7,
	SourceInferred: 0.5,
}

// ComputeScore is the pure confidence-scoring function: base(source) *
// reinforcement_factor * staleness_factor, clamped to [0,1]. Superseded
// memories always score 0.
func (c Confidence) ComputeScore(ageDays float64, params ConfidenceParams) float64 {
	if c.Superseded {
		return 0
	}
	base := BaseConfidence[c.Source]

	reinforcement := 1 + 0.1*float64(c.ReinforcementCount)
	if reinforcement > params.Cap {
		reinforcement = params.Cap
	}

	staleness := stalenessFactor(ageDays, params)

	score := base * reinforcement * staleness
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// stalenessFactor linearly interpolates from 1.0 at fresh_days down to
// floor at staleness_days, holding floor beyond that.
func stalenessFactor(ageDays float64, params ConfidenceParams) float64 {
	switch {
	case ageDays <= params.FreshDays:
		return 1.0
	case ageDays >= params.StalenessDays:
		return params.Floor
	default:
		span := params.StalenessDays - params.FreshDays
		if span <= 0 {
			return params.Floor
		}
		progress := (ageDays - params.FreshDays) / span
		return 1.0 - progress*(1.0-params.Floor)
	}
}
