package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits, guarding against resource exhaustion from a
// misbehaving or malicious model response.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20 // 10MB
)

// ToolRegistry holds named tools and dispatches invocations by name. It
// does not enforce permissions itself; callers build a filtered
// sub-registry (see Filtered) when restricting tool access.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	schemas  map[string]*jsonschema.Schema
	logger   *slog.Logger
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool to the registry. Returns ErrDuplicateName if a tool
// with the same name is already registered.
func (r *ToolRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	compiled, err := compileSchema(name, tool.Schema())
	if err != nil {
		r.logger.Warn("tool schema failed to compile, params will not be validated", "tool", name, "error", err)
	}

	r.tools[name] = tool
	r.order = append(r.order, name)
	if compiled != nil {
		r.schemas[name] = compiled
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns a snapshot of tool descriptors in registration order.
func (r *ToolRegistry) List() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, ToolDescriptorFrom(r.tools[name]))
	}
	return out
}

// Execute resolves name, validates params against its compiled schema, and
// dispatches. Unknown tools and schema validation failures return a
// recoverable error result rather than a Go error, matching the turn
// engine's expectation that tool dispatch never aborts a turn on its own.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return ErrorResult(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), true), nil
	}
	if len(params) > MaxToolParamsSize {
		return ErrorResult(fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), true), nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult("unknown tool: "+name, true), nil
	}

	if schema != nil && len(params) > 0 {
		var v any
		if err := json.Unmarshal(params, &v); err != nil {
			return ErrorResult("invalid params: "+err.Error(), true), nil
		}
		if err := schema.Validate(v); err != nil {
			return ErrorResult("invalid params: "+err.Error(), true), nil
		}
	}

	return tool.Execute(ctx, params)
}

// Filtered returns a new registry containing only the named tools, for
// subagent delegation. Unknown names are silently skipped.
func (r *ToolRegistry) Filtered(names []string) *ToolRegistry {
	filtered := NewToolRegistry(r.logger)
	r.mu.RLock()
	defer r.mu.RUnlock()
	allow := make(map[string]bool, len(names))
	for _, n := range names {
		allow[n] = true
	}
	for _, name := range r.order {
		if allow[name] {
			_ = filtered.Register(r.tools[name])
		}
	}
	return filtered
}

// sessionLock is a reference-counted mutex for one session id, so that
// a second turn invocation on the same session blocks until the first
// completes, while idle sessions don't leak map entries.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks serializes turns per session id (§5: "a second turn
// invocation on the same session id waits for the first to complete").
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the session id's lock is free, then acquires it.
// The returned func must be called to release it.
func (s *sessionLocks) Lock(sessionID string) func() {
	if sessionID == "" {
		return func() {}
	}

	s.mu.Lock()
	lock := s.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		s.locks[sessionID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}
