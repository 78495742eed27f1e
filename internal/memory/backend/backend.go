// Package backend defines the storage contract the memory store drives:
// persisting memories with their embeddings and raw confidence/citation
// metadata, and answering vector-similarity search over them. Contradiction,
// reinforcement, confidence scoring, and staleness classification are the
// store's job, not the backend's — a backend only knows how to put records
// in and get them back out by similarity.
package backend

import (
	"context"

	"github.com/arawn/arawn/pkg/models"
)

// Backend is the storage contract for the memory store.
type Backend interface {
	// Index persists memories, generating an id/timestamps for any that
	// lack one. Memories are expected to already carry their embedding.
	Index(ctx context.Context, memories []*models.Memory) error

	// FindBySubjectPredicate returns existing, non-superseded memories
	// whose metadata matches subject and predicate exactly, for
	// contradiction/reinforcement detection at store time.
	FindBySubjectPredicate(ctx context.Context, subject, predicate string) ([]*models.Memory, error)

	// Search finds memories by embedding similarity, constrained by opts.
	Search(ctx context.Context, embedding []float32, opts *SearchOptions) ([]*models.Memory, error)

	// MarkSuperseded flags ids as superseded by newID and zeroes their
	// confidence score, without deleting them (superseded memories remain
	// addressable by citation).
	MarkSuperseded(ctx context.Context, ids []string, newID string) error

	// UpdateConfidence persists an updated Confidence for one memory, used
	// after a reinforcement recomputes its score.
	UpdateConfidence(ctx context.Context, id string, confidence models.Confidence) error

	// Delete removes memories by id outright.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of stored (non-superseded) memories.
	Count(ctx context.Context) (int64, error)

	// Compact optimizes underlying storage (vacuuming, reindexing).
	Compact(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// SearchMode selects the ranking algorithm Search uses.
type SearchMode string

const (
	SearchModeVector SearchMode = "vector"
	SearchModeBM25   SearchMode = "bm25"
	SearchModeHybrid SearchMode = "hybrid"
)

// SearchOptions constrains and tunes a Search call.
type SearchOptions struct {
	Limit       int
	Threshold   float32
	SearchMode  SearchMode
	HybridAlpha float32 // 0 = pure BM25, 1 = pure vector; no default is applied
	Query       string  // raw text, required for BM25/hybrid
	ContentType models.ContentType
	ExcludeSuperseded bool
}

// Config is common backend configuration.
type Config struct {
	Dimension int
}
