package sessioncache

import (
	"context"
	"testing"
	"time"

	"github.com/arawn/arawn/pkg/models"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	c, err := NewCache(cfg, nil)
	if err != nil {
		t.Fatalf("NewCache error: %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func TestCache_GetOrCreate_newSession(t *testing.T) {
	c := newTestCache(t, Config{})
	session, err := c.GetOrCreate(context.Background(), "")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if session.ID == "" {
		t.Error("expected an assigned session ID")
	}
	if len(session.Turns) != 0 {
		t.Errorf("got %d turns, want 0 for a brand new session", len(session.Turns))
	}
}

func TestCache_GetOrCreate_returnsSameLiveSession(t *testing.T) {
	c := newTestCache(t, Config{})
	first, err := c.GetOrCreate(context.Background(), "")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}

	second, err := c.GetOrCreate(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if second != first {
		t.Error("expected the same in-memory session pointer for a live session")
	}
}

func TestCache_SaveTurn_persistsAndReplaysAfterEviction(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir})
	ctx := context.Background()

	session, err := c.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}

	turn := models.Turn{Messages: []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock("hello")}},
	}}
	if err := c.SaveTurn(ctx, session.ID, turn, 10); err != nil {
		t.Fatalf("SaveTurn error: %v", err)
	}

	if err := c.Evict(session.ID); err != nil {
		t.Fatalf("Evict error: %v", err)
	}

	reloaded, err := c.GetOrCreate(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if len(reloaded.Turns) != 1 {
		t.Fatalf("got %d turns after reload, want 1", len(reloaded.Turns))
	}
	if reloaded.Turns[0].Messages[0].Text() != "hello" {
		t.Errorf("replayed turn text = %q, want hello", reloaded.Turns[0].Messages[0].Text())
	}
}

func TestCache_SaveTurn_unknownSession(t *testing.T) {
	c := newTestCache(t, Config{})
	err := c.SaveTurn(context.Background(), "does-not-exist", models.Turn{}, 0)
	if err == nil {
		t.Error("expected an error saving a turn for a session that isn't live")
	}
}

func TestCache_MaxLive_evictsLeastRecentlyUsed(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, MaxLive: 2})
	ctx := context.Background()

	if _, err := c.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if _, err := c.GetOrCreate(ctx, "s2"); err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	// Touch s1 so it is more recently used than s2.
	if _, err := c.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	// Adding a third session should evict s2 (least recently used), not s1.
	if _, err := c.GetOrCreate(ctx, "s3"); err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}

	c.mu.Lock()
	_, s1Live := c.entries["s1"]
	_, s2Live := c.entries["s2"]
	_, s3Live := c.entries["s3"]
	c.mu.Unlock()

	if !s1Live {
		t.Error("s1 should still be live (recently touched)")
	}
	if s2Live {
		t.Error("s2 should have been evicted (least recently used)")
	}
	if !s3Live {
		t.Error("s3 should be live")
	}
}

func TestCache_Update(t *testing.T) {
	c := newTestCache(t, Config{})
	ctx := context.Background()

	session, err := c.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}

	updated := *session
	updated.ContextPreamble = "resuming prior investigation"
	updated.Closed = true
	if err := c.Update(ctx, &updated); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	live, err := c.GetOrCreate(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if live.ContextPreamble != "resuming prior investigation" {
		t.Errorf("ContextPreamble = %q, want the updated preamble", live.ContextPreamble)
	}
	if !live.Closed {
		t.Error("expected Closed = true after Update")
	}
}

func TestCache_Update_unknownSessionIsAWarningNotAnError(t *testing.T) {
	c := newTestCache(t, Config{})
	if err := c.Update(context.Background(), &models.Session{ID: "ghost"}); err != nil {
		t.Errorf("Update on an unknown session should warn, not error: %v", err)
	}
}

func TestCache_CloseSession_returnsClosedSessionAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir})
	ctx := context.Background()

	session, err := c.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}

	closed, err := c.CloseSession(session.ID)
	if err != nil {
		t.Fatalf("CloseSession error: %v", err)
	}
	if closed == nil || !closed.Closed {
		t.Fatalf("expected the returned session to be marked closed, got %+v", closed)
	}

	c.mu.Lock()
	_, stillLive := c.entries[session.ID]
	c.mu.Unlock()
	if stillLive {
		t.Error("CloseSession should remove the session from the live set")
	}

	t.Run("second close is a no-op", func(t *testing.T) {
		again, err := c.CloseSession(session.ID)
		if err != nil {
			t.Fatalf("second CloseSession error: %v", err)
		}
		if again != nil {
			t.Errorf("expected nil on an already-closed session, got %+v", again)
		}
	})
}

func TestCache_idleSweepEvictsStaleSessions(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, IdleTTL: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	ctx := context.Background()

	session, err := c.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	c.mu.Lock()
	_, stillLive := c.entries[session.ID]
	c.mu.Unlock()
	if stillLive {
		t.Error("expected the idle session to have been swept")
	}
}

func TestCache_Shutdown_flushesAllLiveSessions(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(Config{Dir: dir}, nil)
	if err != nil {
		t.Fatalf("NewCache error: %v", err)
	}
	ctx := context.Background()

	session, err := c.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	turn := models.Turn{Messages: []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock("before close")}},
	}}
	if err := c.SaveTurn(ctx, session.ID, turn, 5); err != nil {
		t.Fatalf("SaveTurn error: %v", err)
	}

	if err := c.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	turns, err := loadWorkstream(dir, session.ID)
	if err != nil {
		t.Fatalf("loadWorkstream error: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns on disk after shutdown, want 1", len(turns))
	}
}
