// Package sqlitevec persists memories in a pure-Go SQLite database,
// computing cosine similarity in Go over a BLOB-encoded embedding column.
// It is the teacher's sqlite-vec backend adapted to the memory store's
// contradiction/reinforcement/supersession model: rows are never deleted on
// supersession, only flagged, and subject/predicate are indexed columns so
// FindBySubjectPredicate is an exact-match lookup rather than a scan.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver

	"github.com/arawn/arawn/internal/memory/backend"
	"github.com/arawn/arawn/pkg/models"
)

// Backend implements backend.Backend over a SQLite database.
type Backend struct {
	db        *sql.DB
	dimension int
}

// Config configures the sqlite backend.
type Config struct {
	Path      string
	Dimension int
}

// New opens (creating if needed) a sqlite-backed memory store.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	b := &Backend{db: db, dimension: cfg.Dimension}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// schemaVersion is the current target of the memories database, tracked via
// SQLite's built-in `PRAGMA user_version` scalar (spec §4.C/§6: "Both
// databases embed a schema_version scalar; opening runs idempotent forward
// migrations").
const schemaVersion = 2

// migrations are applied in order, each exactly once, from whatever
// version the database is opened at up to schemaVersion. Every apply func
// must be idempotent (CREATE ... IF NOT EXISTS) so re-running a migration
// that already partially applied (e.g. after a crash between statements)
// is harmless.
var migrations = []schemaMigration{
	{version: 1, desc: "baseline memories table and lookup indexes", apply: migrateMemoriesV1},
	{version: 2, desc: "index memories by content_type for filtered recall", apply: migrateMemoriesV2},
}

type schemaMigration struct {
	version int
	desc    string
	apply   func(tx *sql.Tx) error
}

func migrateMemoriesV1(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL,
			subject TEXT,
			predicate TEXT,
			metadata_extra TEXT,
			embedding BLOB,
			confidence_source TEXT,
			confidence_reinforcement_count INTEGER,
			confidence_superseded INTEGER,
			confidence_superseded_by TEXT,
			confidence_score REAL,
			citation TEXT,
			created_at DATETIME NOT NULL,
			last_accessed_at DATETIME NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_subject_predicate ON memories(subject, predicate)",
		"CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_memories_superseded ON memories(confidence_superseded)",
	}
	for _, idx := range indexes {
		if _, err := tx.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func migrateMemoriesV2(tx *sql.Tx) error {
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_memories_content_type ON memories(content_type)"); err != nil {
		return fmt.Errorf("create content_type index: %w", err)
	}
	return nil
}

func (b *Backend) init() error {
	return applyMigrations(b.db, migrations, schemaVersion)
}

// applyMigrations reads the database's PRAGMA user_version, applies every
// migration newer than it in order inside its own transaction, and bumps
// user_version after each one commits. A database opened at a version newer
// than this binary knows about is rejected rather than silently touched.
func applyMigrations(db *sql.DB, migrations []schemaMigration, target int) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > target {
		return fmt.Errorf("memories database is at schema version %d, newer than this build supports (%d)", current, target)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := func() error {
			tx, err := db.Begin()
			if err != nil {
				return fmt.Errorf("begin migration %d: %w", m.version, err)
			}
			defer tx.Rollback()

			if err := m.apply(tx); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.version, m.desc, err)
			}
			if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
				return fmt.Errorf("set schema version %d: %w", m.version, err)
			}
			return tx.Commit()
		}(); err != nil {
			return err
		}
		current = m.version
	}
	return nil
}

// Index upserts memories, assigning an id/timestamps where absent.
func (b *Backend) Index(ctx context.Context, memories []*models.Memory) error {
	if len(memories) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO memories (
			id, content, content_type, subject, predicate, metadata_extra, embedding,
			confidence_source, confidence_reinforcement_count, confidence_superseded,
			confidence_superseded_by, confidence_score, citation, created_at, last_accessed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range memories {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		if m.LastAccessedAt.IsZero() {
			m.LastAccessedAt = m.CreatedAt
		}

		extra, err := json.Marshal(m.Metadata.Extra)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		citation, err := json.Marshal(m.Citation)
		if err != nil {
			return fmt.Errorf("marshal citation: %w", err)
		}

		_, err = stmt.ExecContext(ctx,
			m.ID, m.Content, string(m.ContentType), m.Metadata.Subject, m.Metadata.Predicate,
			string(extra), encodeEmbedding(m.Embedding),
			string(m.Confidence.Source), m.Confidence.ReinforcementCount, boolToInt(m.Confidence.Superseded),
			m.Confidence.SupersededBy, m.Confidence.Score, string(citation),
			m.CreatedAt, m.LastAccessedAt,
		)
		if err != nil {
			return fmt.Errorf("insert memory %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// FindBySubjectPredicate looks up non-superseded memories with an exact
// subject/predicate match.
func (b *Backend) FindBySubjectPredicate(ctx context.Context, subject, predicate string) ([]*models.Memory, error) {
	rows, err := b.db.QueryContext(ctx, selectColumns+` WHERE subject = ? AND predicate = ? AND confidence_superseded = 0`, subject, predicate)
	if err != nil {
		return nil, fmt.Errorf("query subject/predicate: %w", err)
	}
	defer rows.Close()

	var out []*models.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT id, content, content_type, subject, predicate, metadata_extra, embedding,
	confidence_source, confidence_reinforcement_count, confidence_superseded,
	confidence_superseded_by, confidence_score, citation, created_at, last_accessed_at FROM memories`

// Search ranks memories by cosine similarity to embedding. It always ranks
// by vector similarity: opts.SearchMode, opts.HybridAlpha and opts.Query are
// not consulted, so BM25 and hybrid ranking are not available here.
func (b *Backend) Search(ctx context.Context, embedding []float32, opts *backend.SearchOptions) ([]*models.Memory, error) {
	if opts == nil {
		opts = &backend.SearchOptions{Limit: 10}
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	query := selectColumns + ` WHERE 1=1`
	var args []any
	if opts.ExcludeSuperseded {
		query += " AND confidence_superseded = 0"
	}
	if opts.ContentType != "" {
		query += " AND content_type = ?"
		args = append(args, string(opts.ContentType))
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	type scored struct {
		m     *models.Memory
		score float32
	}
	var candidates []scored
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		score := cosineSimilarity(embedding, m.Embedding)
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		candidates = append(candidates, scored{m, score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 0; i < len(candidates)-1; i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].score > candidates[i].score {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	out := make([]*models.Memory, len(candidates))
	for i, c := range candidates {
		out[i] = c.m
	}
	return out, nil
}

// MarkSuperseded flags ids as superseded by newID and zeroes their score.
func (b *Backend) MarkSuperseded(ctx context.Context, ids []string, newID string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE memories SET confidence_superseded = 1, confidence_superseded_by = ?, confidence_score = 0 WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare supersede: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, newID, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("supersede %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// UpdateConfidence persists a recomputed Confidence.
func (b *Backend) UpdateConfidence(ctx context.Context, id string, confidence models.Confidence) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE memories SET confidence_source = ?, confidence_reinforcement_count = ?,
			confidence_superseded = ?, confidence_superseded_by = ?, confidence_score = ?
		WHERE id = ?
	`, string(confidence.Source), confidence.ReinforcementCount, boolToInt(confidence.Superseded),
		confidence.SupersededBy, confidence.Score, id)
	return err
}

// Delete removes memories by id.
func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "DELETE FROM memories WHERE id = ?")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete memory %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of non-superseded memories.
func (b *Backend) Count(ctx context.Context) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE confidence_superseded = 0").Scan(&count)
	return count, err
}

// Compact vacuums the database file.
func (b *Backend) Compact(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

func scanMemory(rows *sql.Rows) (*models.Memory, error) {
	var m models.Memory
	var subject, predicate, supersededBy sql.NullString
	var extraJSON, citationJSON string
	var embeddingBlob []byte
	var superseded int

	err := rows.Scan(
		&m.ID, &m.Content, &m.ContentType, &subject, &predicate, &extraJSON, &embeddingBlob,
		&m.Confidence.Source, &m.Confidence.ReinforcementCount, &superseded,
		&supersededBy, &m.Confidence.Score, &citationJSON, &m.CreatedAt, &m.LastAccessedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan memory row: %w", err)
	}

	m.Metadata.Subject = subject.String
	m.Metadata.Predicate = predicate.String
	m.Confidence.Superseded = superseded != 0
	m.Confidence.SupersededBy = supersededBy.String
	m.Embedding = decodeEmbedding(embeddingBlob)

	if extraJSON != "" && extraJSON != "null" {
		if err := json.Unmarshal([]byte(extraJSON), &m.Metadata.Extra); err != nil {
			return nil, fmt.Errorf("unmarshal metadata extra: %w", err)
		}
	}
	if citationJSON != "" && citationJSON != "null" {
		var c models.Citation
		if err := json.Unmarshal([]byte(citationJSON), &c); err != nil {
			return nil, fmt.Errorf("unmarshal citation: %w", err)
		}
		m.Citation = &c
	}

	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrt32(normA) * sqrt32(normB))
}

func sqrt32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 10; i++ {
		z = (z + x/z) / 2
	}
	return z
}
