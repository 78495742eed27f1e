// Package graph implements the labeled directed graph of entities and
// relationships the memory store's recall operation consults for
// graph_relevance scoring (spec §4.C). It is intentionally small: a memory
// names at most one subject entity via its metadata, and relevance is the
// subject entity's relationship degree scaled against a fixed divisor and
// capped at 1 (see memory.Store.graphRelevance), not full graph traversal — sufficient for recall's ranking purposes
// without needing a query-time entity extractor, which is out of scope.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/arawn/arawn/pkg/models"
)

// Graph is a thread-safe, sqlite-persisted entity/relationship store.
type Graph struct {
	mu sync.Mutex
	db *sql.DB
}

// New opens (creating if needed) a graph store at path. ":memory:" is valid.
func New(path string) (*Graph, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open graph database: %w", err)
	}
	g := &Graph{db: db}
	if err := g.init(); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

// schemaVersion is the current target of the graph database, tracked via
// SQLite's built-in `PRAGMA user_version` scalar (spec §4.C/§6: "Both
// databases embed a schema_version scalar; opening runs idempotent forward
// migrations").
const schemaVersion = 2

// migrations are applied in order, each exactly once, from whatever version
// the database is opened at up to schemaVersion. Every apply func must be
// idempotent (CREATE ... IF NOT EXISTS) so re-running a migration that
// already partially applied is harmless.
var migrations = []schemaMigration{
	{version: 1, desc: "baseline entities and relationships tables", apply: migrateGraphV1},
	{version: 2, desc: "index relationships by to_id for reverse degree lookups", apply: migrateGraphV2},
}

type schemaMigration struct {
	version int
	desc    string
	apply   func(tx *sql.Tx) error
}

func migrateGraphV1(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			context TEXT,
			UNIQUE(name, entity_type)
		);
		CREATE TABLE IF NOT EXISTS relationships (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			relationship_type TEXT NOT NULL,
			PRIMARY KEY (from_id, to_id, relationship_type)
		);
	`)
	if err != nil {
		return fmt.Errorf("create graph tables: %w", err)
	}
	return nil
}

func migrateGraphV2(tx *sql.Tx) error {
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_relationships_to_id ON relationships(to_id)"); err != nil {
		return fmt.Errorf("create to_id index: %w", err)
	}
	return nil
}

func (g *Graph) init() error {
	return applyMigrations(g.db, migrations, schemaVersion)
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
		return fmt.Errorf("graph database is at schema version %d, newer than this build supports (%d)", current, target)
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

// AddEntity inserts an entity if one with the same (name, entity_type)
// doesn't already exist; re-adding an identical entity is a no-op and
// returns the existing row.
func (g *Graph) AddEntity(ctx context.Context, name, entityType, entityContext string) (models.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var existing models.Entity
	err := g.db.QueryRowContext(ctx, `SELECT id, name, entity_type, context FROM entities WHERE name = ? AND entity_type = ?`, name, entityType).
		Scan(&existing.ID, &existing.Name, &existing.EntityType, &existing.Context)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return models.Entity{}, fmt.Errorf("lookup entity: %w", err)
	}

	e := models.Entity{ID: uuid.New().String(), Name: name, EntityType: entityType, Context: entityContext}
	_, err = g.db.ExecContext(ctx, `INSERT INTO entities (id, name, entity_type, context) VALUES (?, ?, ?, ?)`,
		e.ID, e.Name, e.EntityType, e.Context)
	if err != nil {
		return models.Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	return e, nil
}

// AddRelationship inserts an edge if an identical one doesn't already exist.
func (g *Graph) AddRelationship(ctx context.Context, fromID, label, toID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `INSERT OR IGNORE INTO relationships (from_id, to_id, relationship_type) VALUES (?, ?, ?)`,
		fromID, toID, label)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

// EntityByName looks up an entity by exact name, across any type.
func (g *Graph) EntityByName(ctx context.Context, name string) (models.Entity, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var e models.Entity
	err := g.db.QueryRowContext(ctx, `SELECT id, name, entity_type, context FROM entities WHERE name = ? LIMIT 1`, name).
		Scan(&e.ID, &e.Name, &e.EntityType, &e.Context)
	if err == sql.ErrNoRows {
		return models.Entity{}, false, nil
	}
	if err != nil {
		return models.Entity{}, false, fmt.Errorf("lookup entity by name: %w", err)
	}
	return e, true, nil
}

// Degree returns the number of relationships (in either direction) touching
// entityID.
func (g *Graph) Degree(ctx context.Context, entityID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var count int
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relationships WHERE from_id = ? OR to_id = ?`, entityID, entityID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("degree query: %w", err)
	}
	return count, nil
}

// Count returns the total number of stored entities.
func (g *Graph) Count(ctx context.Context) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var count int64
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&count)
	return count, err
}

// Close releases the underlying database handle.
func (g *Graph) Close() error {
	return g.db.Close()
}
