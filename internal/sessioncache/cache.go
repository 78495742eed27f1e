// Package sessioncache implements Arawn's session cache (spec §4.H): a
// bounded, idle-TTL-evicting in-memory map of live sessions backed by a
// per-session fsync'd workstream log, so a session survives process restart
// without keeping every session resident in memory indefinitely.
package sessioncache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arawn/arawn/pkg/models"
)

// Config configures a Cache.
type Config struct {
	// Dir is where per-session workstream logs are written.
	Dir string `yaml:"dir"`

	// MaxLive bounds how many sessions may be resident at once. The
	// least-recently-active session is evicted (flushed, then dropped)
	// once a GetOrCreate would exceed it.
	MaxLive int `yaml:"max_live"`

	// IdleTTL evicts a session that has had no activity for this long.
	// Zero disables idle eviction.
	IdleTTL time.Duration `yaml:"idle_ttl"`

	// SweepInterval controls how often the idle sweep runs. Defaults to
	// IdleTTL/4, floor one minute.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxLive <= 0 {
		cfg.MaxLive = 10000
	}
	if cfg.SweepInterval <= 0 {
		if cfg.IdleTTL > 0 {
			cfg.SweepInterval = cfg.IdleTTL / 4
		}
		if cfg.SweepInterval < time.Minute {
			cfg.SweepInterval = time.Minute
		}
	}
	return cfg
}

type entry struct {
	session *models.Session
	log     *workstreamLog
}

// Cache is a bounded, idle-evicting map of live sessions.
type Cache struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	// order tracks most-recently-used order, back is most recent.
	order []string

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewCache builds a Cache rooted at cfg.Dir and starts its idle sweep loop.
// A nil logger discards warnings.
func NewCache(cfg Config, logger *slog.Logger) (*Cache, error) {
	cfg = sanitizeConfig(cfg)
	if cfg.Dir == "" {
		return nil, fmt.Errorf("sessioncache: Dir is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Cache{
		config:    cfg,
		logger:    logger,
		entries:   make(map[string]*entry),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if cfg.IdleTTL > 0 {
		go c.sweepLoop()
	} else {
		close(c.sweepDone)
	}
	return c, nil
}

// GetOrCreate returns the live session for id, loading its workstream log
// from disk if it isn't already resident, or creating a new session if id
// is empty or has no prior history.
func (c *Cache) GetOrCreate(ctx context.Context, id string) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id != "" {
		if e, ok := c.entries[id]; ok {
			c.touchLocked(id)
			return e.session, nil
		}
	}

	workstreamID := id
	if workstreamID == "" {
		workstreamID = uuid.NewString()
	}

	turns, err := loadWorkstream(c.config.Dir, workstreamID)
	if err != nil {
		return nil, fmt.Errorf("load workstream %s: %w", workstreamID, err)
	}

	now := time.Now()
	session := &models.Session{
		ID:           workstreamID,
		WorkstreamID: workstreamID,
		Turns:        turns,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	log, err := openWorkstreamLog(c.config.Dir, workstreamID)
	if err != nil {
		return nil, fmt.Errorf("open workstream log %s: %w", workstreamID, err)
	}

	if err := c.insertLocked(workstreamID, &entry{session: session, log: log}); err != nil {
		log.close()
		return nil, err
	}
	return session, nil
}

// Update replaces the cached session's bookkeeping fields (context preamble,
// closed flag) without touching its turn history, and bumps its recency.
func (c *Cache) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("sessioncache: session is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[session.ID]
	if !ok {
		c.logger.Warn("update on a session not in the live cache", "session_id", session.ID)
		return nil
	}
	e.session.ContextPreamble = session.ContextPreamble
	e.session.Closed = session.Closed
	e.session.LastActiveAt = time.Now()
	c.touchLocked(session.ID)
	return nil
}

// SaveTurn appends turn to the session's in-memory history and durably
// persists it to the workstream log before returning, so a crash right
// after SaveTurn never loses the turn.
func (c *Cache) SaveTurn(ctx context.Context, sessionID string, turn models.Turn, tokensAdded int) error {
	c.mu.Lock()
	e, ok := c.entries[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("sessioncache: session %s is not live", sessionID)
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	if err := e.log.append(turn); err != nil {
		return fmt.Errorf("persist turn: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := e.session.AppendTurn(turn, tokensAdded); err != nil {
		return err
	}
	c.touchLocked(sessionID)
	return nil
}

// Evict flushes and drops a single session from the live set, without
// deleting its workstream log (a later GetOrCreate replays it). The idle
// sweep and LRU eviction take the same path through evictLocked; unlike
// CloseSession it does not mark the session closed.
func (c *Cache) Evict(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(sessionID)
}

// CloseSession marks id closed, flushes it to the workstream log, and
// removes it from the live set, returning the closed session for the
// caller to hand to the indexer. Idempotent: a second close on an id no
// longer live returns (nil, nil) rather than an error.
func (c *Cache) CloseSession(sessionID string) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sessionID]
	if !ok {
		return nil, nil
	}
	e.session.Closed = true
	closed := e.session
	if err := c.evictLocked(sessionID); err != nil {
		return nil, fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return closed, nil
}

// Shutdown flushes and releases every live session's workstream log and
// stops the idle sweep loop. Call once, when the process is exiting.
func (c *Cache) Shutdown() error {
	close(c.stopSweep)
	<-c.sweepDone

	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id := range c.entries {
		if err := c.evictLocked(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// insertLocked adds e under id, evicting the least-recently-used session
// first if doing so would exceed MaxLive. Caller holds c.mu.
func (c *Cache) insertLocked(id string, e *entry) error {
	if len(c.entries) >= c.config.MaxLive {
		if err := c.evictOldestLocked(); err != nil {
			return fmt.Errorf("evict to make room: %w", err)
		}
	}
	c.entries[id] = e
	c.order = append(c.order, id)
	return nil
}

func (c *Cache) touchLocked(id string) {
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, id)
}

func (c *Cache) evictOldestLocked() error {
	if len(c.order) == 0 {
		return nil
	}
	return c.evictLocked(c.order[0])
}

// evictLocked flushes id's workstream log and drops it from the live set.
// Caller holds c.mu.
func (c *Cache) evictLocked(id string) error {
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	err := e.log.close()
	delete(c.entries, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return err
}

func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepIdle()
		}
	}
}

func (c *Cache) sweepIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.config.IdleTTL)
	var idle []string
	for id, e := range c.entries {
		if e.session.LastActiveAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		_ = c.evictLocked(id)
	}
}
