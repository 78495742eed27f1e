// Package memory implements Arawn's memory store: a relational+vector
// backend for memories plus a labeled graph of entities and relationships,
// coordinated behind confidence scoring, contradiction/reinforcement
// detection, and recall-time staleness classification.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arawn/arawn/internal/memory/backend"
	"github.com/arawn/arawn/internal/memory/backend/sqlitevec"
	"github.com/arawn/arawn/internal/memory/embeddings"
	"github.com/arawn/arawn/pkg/models"
)

// Graph is the narrow capability the store needs from the entity/relationship
// graph; internal/graph.Graph satisfies it.
type Graph interface {
	AddEntity(ctx context.Context, name, entityType, entityContext string) (models.Entity, error)
	AddRelationship(ctx context.Context, fromID, label, toID string) error
	EntityByName(ctx context.Context, name string) (models.Entity, bool, error)
	Degree(ctx context.Context, entityID string) (int, error)
	Close() error
}

// Store coordinates the vector/relational backend and the optional graph,
// implementing spec §4.C's store/store_fact/recall operations. Zero value is
// not usable; construct with NewStore.
type Store struct {
	backend  backend.Backend
	embedder embeddings.Provider
	graph    Graph
	config   *Config
	cache    *embeddingCache

	// memMu serializes writes to the relational/vector handles against
	// recall reads; graphMu is separate, and acquire order when both are
	// needed is always memory-then-graph (spec §4.C concurrency note).
	memMu   sync.RWMutex
	graphMu sync.Mutex
}

// Config configures a Store.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"` // sqlite file path, or ":memory:"
	GraphPath string `yaml:"graph_path"`
	Dimension int    `yaml:"dimension"`

	Confidence models.ConfidenceParams `yaml:"confidence"`

	Indexing IndexingConfig `yaml:"indexing"`
	Search   SearchConfig   `yaml:"search"`

	// StalenessWebThreshold is how old a web citation may be before recall
	// classifies it potentially_stale("age_exceeded"). Default 7 days.
	StalenessWebThreshold time.Duration `yaml:"staleness_web_threshold"`
}

// IndexingConfig tunes automatic embedding generation.
type IndexingConfig struct {
	MinContentLength int `yaml:"min_content_length"`
	BatchSize        int `yaml:"batch_size"`
}

// SearchConfig holds recall defaults.
type SearchConfig struct {
	DefaultLimit    int     `yaml:"default_limit"`
	DefaultMinScore float64 `yaml:"default_min_score"`

	// Weights blend similarity/graph-relevance/confidence into Recall's
	// final score. Zero value uses RecallWeights' own defaults.
	Weights RecallWeights `yaml:"weights"`
}

// RecallWeights are the blend coefficients Recall uses to combine a
// candidate's similarity, graph relevance, and confidence into one final
// score. Similarity/GraphRelevance/Confidence are used when the store has a
// graph configured; NoGraphSimilarity/NoGraphConfidence otherwise (graph relevance is undefined without one, so its
// weight is redistributed onto similarity and confidence).
type RecallWeights struct {
	Similarity       float64 `yaml:"similarity"`
	GraphRelevance   float64 `yaml:"graph_relevance"`
	Confidence       float64 `yaml:"confidence"`
	NoGraphSimilarity float64 `yaml:"no_graph_similarity"`
	NoGraphConfidence float64 `yaml:"no_graph_confidence"`
}

// DefaultRecallWeights returns the blend spec.md §4.C names: 0.4/0.3/0.3
// with a graph, 0.6/0.4 without.
func DefaultRecallWeights() RecallWeights {
	return RecallWeights{
		Similarity:        0.4,
		GraphRelevance:    0.3,
		Confidence:        0.3,
		NoGraphSimilarity: 0.6,
		NoGraphConfidence: 0.4,
	}
}

func (w RecallWeights) isZero() bool {
	return w == RecallWeights{}
}

func sanitizeConfig(cfg *Config) *Config {
	out := *cfg
	if out.Dimension == 0 {
		out.Dimension = 1536
	}
	if out.Indexing.BatchSize == 0 {
		out.Indexing.BatchSize = 100
	}
	if out.Indexing.MinContentLength == 0 {
		out.Indexing.MinContentLength = 10
	}
	if out.Search.DefaultLimit == 0 {
		out.Search.DefaultLimit = 10
	}
	if out.Search.DefaultMinScore == 0 {
		out.Search.DefaultMinScore = 0.5
	}
	if out.Search.Weights.isZero() {
		out.Search.Weights = DefaultRecallWeights()
	}
	if out.StalenessWebThreshold == 0 {
		out.StalenessWebThreshold = 7 * 24 * time.Hour
	}
	if out.Confidence == (models.ConfidenceParams{}) {
		out.Confidence = models.DefaultConfidenceParams()
	}
	return &out
}

// NewStore builds a memory store backed by sqlite (vector+relational) and,
// when graph is non-nil, the given entity graph. A nil Config or
// Config.Enabled == false is not valid here; callers that want memory
// disabled entirely should not construct a Store at all.
func NewStore(cfg *Config, embedder embeddings.Provider, graph Graph) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("memory: config is required")
	}
	cfg = sanitizeConfig(cfg)

	b, err := sqlitevec.New(sqlitevec.Config{Path: cfg.Path, Dimension: cfg.Dimension})
	if err != nil {
		return nil, fmt.Errorf("init backend: %w", err)
	}

	if embedder != nil && embedder.Dimension() != cfg.Dimension {
		b.Close()
		return nil, fmt.Errorf("dimension mismatch: config=%d, embedder=%d", cfg.Dimension, embedder.Dimension())
	}

	return &Store{
		backend:  b,
		embedder: embedder,
		graph:    graph,
		config:   cfg,
		cache:    newEmbeddingCache(1000),
	}, nil
}

// Store inserts a new memory, embedding its content first if the store has
// an embedder and the memory arrived without one. Returns the assigned id.
func (s *Store) Store(ctx context.Context, m *models.Memory) (string, error) {
	if err := s.ensureEmbedding(ctx, m); err != nil {
		return "", err
	}

	s.memMu.Lock()
	defer s.memMu.Unlock()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if err := s.backend.Index(ctx, []*models.Memory{m}); err != nil {
		return "", fmt.Errorf("index memory: %w", err)
	}
	return m.ID, nil
}

// StoreFact implements spec §4.C's store_fact contradiction/reinforcement/
// supersession semantics. memory.Metadata.Subject and .Predicate must be
// set. The read-check-write sequence runs under memMu so the operation is
// atomic with respect to other writers. Subject, predicate and content are
// matched by exact byte equality, with no normalization.
func (s *Store) StoreFact(ctx context.Context, m *models.Memory) (models.StoreFactResult, error) {
	if m.Metadata.Subject == "" || m.Metadata.Predicate == "" {
		return models.StoreFactResult{}, fmt.Errorf("store_fact: subject and predicate are required")
	}
	if err := s.ensureEmbedding(ctx, m); err != nil {
		return models.StoreFactResult{}, err
	}

	s.memMu.Lock()
	defer s.memMu.Unlock()

	existing, err := s.backend.FindBySubjectPredicate(ctx, m.Metadata.Subject, m.Metadata.Predicate)
	if err != nil {
		return models.StoreFactResult{}, fmt.Errorf("find existing facts: %w", err)
	}

	for _, e := range existing {
		if e.Content == m.Content {
			e.Confidence.ReinforcementCount++
			e.LastAccessedAt = time.Now()
			if err := s.backend.UpdateConfidence(ctx, e.ID, e.Confidence); err != nil {
				return models.StoreFactResult{}, fmt.Errorf("reinforce %s: %w", e.ID, err)
			}
			return models.StoreFactResult{Outcome: models.FactReinforced, NewID: e.ID}, nil
		}
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if err := s.backend.Index(ctx, []*models.Memory{m}); err != nil {
		return models.StoreFactResult{}, fmt.Errorf("insert memory: %w", err)
	}

	if len(existing) == 0 {
		return models.StoreFactResult{Outcome: models.FactInserted, NewID: m.ID}, nil
	}

	oldIDs := make([]string, len(existing))
	for i, e := range existing {
		oldIDs[i] = e.ID
	}
	if err := s.backend.MarkSuperseded(ctx, oldIDs, m.ID); err != nil {
		return models.StoreFactResult{}, fmt.Errorf("mark superseded: %w", err)
	}

	return models.StoreFactResult{Outcome: models.FactSuperseded, NewID: m.ID, OldIDs: oldIDs}, nil
}

func (s *Store) ensureEmbedding(ctx context.Context, m *models.Memory) error {
	if len(m.Embedding) > 0 || s.embedder == nil {
		return nil
	}
	if len(m.Content) < s.config.Indexing.MinContentLength {
		return nil
	}
	if cached, ok := s.cache.get(m.Content); ok {
		m.Embedding = cached
		return nil
	}
	embedding, err := s.embedder.Embed(ctx, m.Content)
	if err != nil {
		return fmt.Errorf("embed memory content: %w", err)
	}
	m.Embedding = embedding
	s.cache.set(m.Content, embedding)
	return nil
}

// Recall runs the hybrid search described in spec §4.C: vector similarity,
// confidence, and (when a graph is configured) graph relevance, combined
// into a final score, with staleness classified per match.
func (s *Store) Recall(ctx context.Context, query models.RecallQuery) ([]models.RecallMatch, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = s.config.Search.DefaultLimit
	}
	minScore := query.MinScore
	if minScore <= 0 {
		minScore = s.config.Search.DefaultMinScore
	}

	s.memMu.RLock()
	candidates, err := s.backend.Search(ctx, query.Embedding, &backend.SearchOptions{
		Limit:             limit * 3, // over-fetch; final ranking happens after scoring
		ContentType:       query.FilterByType,
		ExcludeSuperseded: true,
	})
	s.memMu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	now := time.Now()
	graphAvailable := s.graph != nil

	matches := make([]models.RecallMatch, 0, len(candidates))
	for _, c := range candidates {
		if c.Confidence.Superseded {
			continue
		}

		ageDays := now.Sub(c.CreatedAt).Hours() / 24
		confidenceScore := c.Confidence.ComputeScore(ageDays, s.config.Confidence)

		similarity := s.similarityOf(ctx, query.Embedding, c)

		w := s.config.Search.Weights
		var graphRelevance float64
		var final float64
		if graphAvailable {
			graphRelevance = s.graphRelevance(ctx, c)
			final = w.Similarity*similarity + w.GraphRelevance*graphRelevance + w.Confidence*confidenceScore
		} else {
			final = w.NoGraphSimilarity*similarity + w.NoGraphConfidence*confidenceScore
		}

		if final < minScore {
			continue
		}

		matches = append(matches, models.RecallMatch{
			Memory:          c,
			SimilarityScore: similarity,
			ConfidenceScore: confidenceScore,
			GraphRelevance:  graphRelevance,
			FinalScore:      final,
			Staleness:       s.classifyStaleness(c),
		})
	}

	sortMatchesDesc(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) similarityOf(_ context.Context, queryEmbedding []float32, m *models.Memory) float64 {
	if len(queryEmbedding) == 0 || len(m.Embedding) == 0 || len(queryEmbedding) != len(m.Embedding) {
		return 0
	}
	var dot, normA, normB float64
	for i := range queryEmbedding {
		a, b := float64(queryEmbedding[i]), float64(m.Embedding[i])
		dot += a * b
		normA += a * a
		normB += b * b
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// graphRelevance approximates spec §4.C's "edges connecting the candidate's
// entities to entities mentioned in the query" with the subject entity's
// relationship degree, normalized against a fixed scale — query-time entity
// extraction is out of scope, so the signal is the entity's general
// connectedness rather than query-specific adjacency.
func (s *Store) graphRelevance(ctx context.Context, m *models.Memory) float64 {
	if m.Metadata.Subject == "" {
		return 0
	}
	s.graphMu.Lock()
	defer s.graphMu.Unlock()

	entity, ok, err := s.graph.EntityByName(ctx, m.Metadata.Subject)
	if err != nil || !ok {
		return 0
	}
	degree, err := s.graph.Degree(ctx, entity.ID)
	if err != nil {
		return 0
	}
	const scaleDegree = 10.0
	relevance := float64(degree) / scaleDegree
	if relevance > 1 {
		relevance = 1
	}
	return relevance
}

// classifyFileStaleness compares a file citation against the file's current
// on-disk state. A file that has disappeared or can't be read is
// potentially_stale rather than invalidated: the citation may simply be
// unreachable from this process (moved workspace, network mount down), not
// proven wrong.
func classifyFileStaleness(c *models.Citation) models.Staleness {
	info, err := os.Stat(c.Path)
	if err != nil {
		return models.PotentiallyStale("file_unreadable")
	}

	if !c.MTime.IsZero() {
		diff := info.ModTime().Sub(c.MTime)
		if diff > time.Second || diff < -time.Second {
			if c.ContentHash != "" {
				if hash, err := hashFile(c.Path); err == nil && hash != c.ContentHash {
					return models.Invalidated("content_changed")
				}
			}
			return models.PotentiallyStale("file_modified")
		}
	}
	return models.Fresh()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Store) classifyStaleness(m *models.Memory) models.Staleness {
	if m.Citation == nil {
		return models.UnknownStaleness()
	}
	switch m.Citation.Type {
	case models.CitationFile:
		return classifyFileStaleness(m.Citation)
	case models.CitationWeb:
		if !m.Citation.FetchedAt.IsZero() && time.Since(m.Citation.FetchedAt) > s.config.StalenessWebThreshold {
			return models.PotentiallyStale("age_exceeded")
		}
		return models.Fresh()
	case models.CitationSession, models.CitationUser:
		return models.Fresh()
	case models.CitationSystem:
		return models.UnknownStaleness()
	default:
		return models.UnknownStaleness()
	}
}

func sortMatchesDesc(matches []models.RecallMatch) {
	for i := 0; i < len(matches)-1; i++ {
		for j := i + 1; j < len(matches); j++ {
			if matches[j].FinalScore > matches[i].FinalScore {
				matches[i], matches[j] = matches[j], matches[i]
			}
		}
	}
}

// AddEntity adds or looks up an entity node in the graph. Returns an error
// if the store has no graph configured.
func (s *Store) AddEntity(ctx context.Context, name, entityType, entityContext string) (models.Entity, error) {
	if s.graph == nil {
		return models.Entity{}, fmt.Errorf("memory: no graph configured")
	}
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	return s.graph.AddEntity(ctx, name, entityType, entityContext)
}

// AddRelationship adds an edge between two entities, idempotently.
func (s *Store) AddRelationship(ctx context.Context, fromID, label, toID string) error {
	if s.graph == nil {
		return fmt.Errorf("memory: no graph configured")
	}
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	return s.graph.AddRelationship(ctx, fromID, label, toID)
}

// EntityByName looks up a graph entity by exact name match.
func (s *Store) EntityByName(ctx context.Context, name string) (models.Entity, bool, error) {
	if s.graph == nil {
		return models.Entity{}, false, fmt.Errorf("memory: no graph configured")
	}
	s.graphMu.Lock()
	defer s.graphMu.Unlock()
	return s.graph.EntityByName(ctx, name)
}

// ListRecent returns up to limit memories ordered by created_at descending.
// Implemented as a vector-free search so it does not require an embedding.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*models.Memory, error) {
	s.memMu.RLock()
	defer s.memMu.RUnlock()
	all, err := s.backend.Search(ctx, nil, &backend.SearchOptions{Limit: 1 << 20, ExcludeSuperseded: false})
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	sortByCreatedDesc(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func sortByCreatedDesc(memories []*models.Memory) {
	for i := 0; i < len(memories)-1; i++ {
		for j := i + 1; j < len(memories); j++ {
			if memories[j].CreatedAt.After(memories[i].CreatedAt) {
				memories[i], memories[j] = memories[j], memories[i]
			}
		}
	}
}

// Snapshot is a consistent export of the store's memories.
type Snapshot struct {
	Memories []*models.Memory `json:"memories"`
	Notes    string           `json:"notes"`
}

// ExportAll returns a consistent snapshot of every stored memory, taken
// under the write lock so it cannot observe a torn store_fact operation.
func (s *Store) ExportAll(ctx context.Context) (*Snapshot, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()

	all, err := s.backend.Search(ctx, nil, &backend.SearchOptions{Limit: 1 << 20})
	if err != nil {
		return nil, fmt.Errorf("export all: %w", err)
	}
	return &Snapshot{Memories: all}, nil
}

// Count returns the number of non-superseded memories.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.memMu.RLock()
	defer s.memMu.RUnlock()
	return s.backend.Count(ctx)
}

// Compact optimizes the storage backend.
func (s *Store) Compact(ctx context.Context) error {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	return s.backend.Compact(ctx)
}

// Close releases backend and graph resources.
func (s *Store) Close() error {
	var firstErr error
	if err := s.backend.Close(); err != nil {
		firstErr = err
	}
	if s.graph != nil {
		if err := s.graph.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// embeddingCache is a small insertion-order-bounded cache from memory content
// to its embedding, avoiding redundant embed calls when store_fact reinforces
// an identical fact repeatedly within a session.
type embeddingCache struct {
	mu       sync.RWMutex
	items    map[string][]float32
	order    []string
	capacity int
}

func newEmbeddingCache(capacity int) *embeddingCache {
	return &embeddingCache{items: make(map[string][]float32), capacity: capacity}
}

func (c *embeddingCache) get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *embeddingCache) set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
		if len(c.order) > c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
	}
	c.items[key] = value
}
