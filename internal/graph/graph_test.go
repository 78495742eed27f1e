package graph

import (
	"context"
	"testing"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := New("")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestNew_defaultsToMemory(t *testing.T) {
	g := newTestGraph(t)
	count, err := g.Count(context.Background())
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 on a fresh graph", count)
	}
}

func TestAddEntity_idempotent(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	first, err := g.AddEntity(ctx, "Jane", "person", "a colleague")
	if err != nil {
		t.Fatalf("AddEntity error: %v", err)
	}
	if first.ID == "" {
		t.Error("expected an assigned ID")
	}

	second, err := g.AddEntity(ctx, "Jane", "person", "re-added with a different context string")
	if err != nil {
		t.Fatalf("AddEntity error: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("re-adding the same (name, type) should return the existing row; got a new ID")
	}

	count, err := g.Count(ctx)
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (no duplicate row)", count)
	}
}

func TestAddEntity_sameNameDifferentType(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	person, err := g.AddEntity(ctx, "Acme", "organization", "")
	if err != nil {
		t.Fatalf("AddEntity error: %v", err)
	}
	project, err := g.AddEntity(ctx, "Acme", "project", "")
	if err != nil {
		t.Fatalf("AddEntity error: %v", err)
	}
	if person.ID == project.ID {
		t.Error("distinct entity_type should produce distinct entities for the same name")
	}
}

func TestAddRelationship_idempotentAndDegree(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	jane, err := g.AddEntity(ctx, "Jane", "person", "")
	if err != nil {
		t.Fatalf("AddEntity error: %v", err)
	}
	acme, err := g.AddEntity(ctx, "Acme", "organization", "")
	if err != nil {
		t.Fatalf("AddEntity error: %v", err)
	}

	if err := g.AddRelationship(ctx, jane.ID, "works_at", acme.ID); err != nil {
		t.Fatalf("AddRelationship error: %v", err)
	}
	// Re-adding an identical edge must be a no-op, not an error.
	if err := g.AddRelationship(ctx, jane.ID, "works_at", acme.ID); err != nil {
		t.Fatalf("AddRelationship (repeat) error: %v", err)
	}

	degree, err := g.Degree(ctx, jane.ID)
	if err != nil {
		t.Fatalf("Degree error: %v", err)
	}
	if degree != 1 {
		t.Errorf("degree = %d, want 1 (duplicate edge must not double-count)", degree)
	}

	// Degree counts edges touching the entity in either direction.
	acmeDegree, err := g.Degree(ctx, acme.ID)
	if err != nil {
		t.Fatalf("Degree error: %v", err)
	}
	if acmeDegree != 1 {
		t.Errorf("acme degree = %d, want 1", acmeDegree)
	}
}

func TestEntityByName(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	if _, ok, err := g.EntityByName(ctx, "Ghost"); err != nil || ok {
		t.Fatalf("expected not-found for unknown entity, got ok=%v err=%v", ok, err)
	}

	created, err := g.AddEntity(ctx, "Jane", "person", "")
	if err != nil {
		t.Fatalf("AddEntity error: %v", err)
	}

	found, ok, err := g.EntityByName(ctx, "Jane")
	if err != nil {
		t.Fatalf("EntityByName error: %v", err)
	}
	if !ok {
		t.Fatal("expected entity to be found")
	}
	if found.ID != created.ID {
		t.Errorf("found ID = %q, want %q", found.ID, created.ID)
	}
}

func TestDegree_unknownEntity(t *testing.T) {
	g := newTestGraph(t)
	degree, err := g.Degree(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Degree error: %v", err)
	}
	if degree != 0 {
		t.Errorf("degree = %d, want 0 for an entity with no edges", degree)
	}
}
