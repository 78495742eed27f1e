// Package subagent implements Arawn's subagent spawner (spec §4.F):
// bounded delegation to a specialized child agent, running with a
// filtered tool registry and an isolated session so the child's work
// never pollutes the parent's turn history.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arawn/arawn/internal/agent"
	"github.com/arawn/arawn/pkg/models"
)

// DelegationToolName is the tool name the turn engine recognizes as a
// delegation call (agent.Loop.dispatchTools defers to Delegate for it).
const DelegationToolName = "subagent_delegate"

// Mode selects how a delegation runs.
type Mode string

const (
	ModeBlocking   Mode = "blocking"
	ModeBackground Mode = "background"
)

// AgentConfig describes one registered subagent: the tools it may use, its
// model override, its system prompt, and its default iteration cap.
type AgentConfig struct {
	Name          string   `yaml:"name"`
	AllowedTools  []string `yaml:"allowed_tools"`
	Model         string   `yaml:"model"`
	SystemPrompt  string   `yaml:"system_prompt"`
	MaxIterations int      `yaml:"max_iterations"`
}

// Config tunes result handling across all delegations.
type Config struct {
	// MaxResultLength is the truncation threshold in characters. Default 8000.
	MaxResultLength int `yaml:"max_result_length"`

	// ContextTruncateLimit bounds the parent-supplied context string.
	// Default 4000.
	ContextTruncateLimit int `yaml:"context_truncate_limit"`

	// CompactionEnabled, when true, attempts an LLM summarization of an
	// overlong result before falling back to truncation.
	CompactionEnabled bool `yaml:"compaction_enabled"`
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxResultLength <= 0 {
		cfg.MaxResultLength = 8000
	}
	if cfg.ContextTruncateLimit <= 0 {
		cfg.ContextTruncateLimit = 4000
	}
	return cfg
}

// OutcomeKind discriminates the Outcome tagged union.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeUnknownAgent OutcomeKind = "unknown_agent"
)

// SubagentResult is a completed delegation's payload.
type SubagentResult struct {
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated,omitempty"`
	OriginalLen int    `json:"original_len,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// Outcome is the result of a Delegate call.
type Outcome struct {
	Kind            OutcomeKind
	Result          *SubagentResult
	AvailableAgents []string // set on OutcomeUnknownAgent
}

// SubagentStarted is fired immediately when a background delegation
// begins.
type SubagentStarted struct {
	ParentSessionID string
	AgentName       string
	TaskPreview     string
}

// SubagentCompleted is fired when a background delegation finishes, win
// or lose.
type SubagentCompleted struct {
	ParentSessionID string
	AgentName       string
	ResultPreview   string
	DurationMs      int64
	Success         bool
}

// EventSink receives background-delegation lifecycle events. A nil sink
// (via NoopEventSink) drops them.
type EventSink interface {
	OnSubagentStarted(e SubagentStarted)
	OnSubagentCompleted(e SubagentCompleted)
}

type noopEventSink struct{}

func (noopEventSink) OnSubagentStarted(SubagentStarted)     {}
func (noopEventSink) OnSubagentCompleted(SubagentCompleted) {}

// NoopEventSink discards every event.
var NoopEventSink EventSink = noopEventSink{}

// Spawner constructs and runs isolated child agents for bounded
// delegated tasks.
type Spawner struct {
	config   Config
	registry *agent.ToolRegistry
	provider agent.LLMProvider
	embedder agent.Embedder
	recaller agent.Recaller
	sink     EventSink

	mu      sync.RWMutex
	configs map[string]AgentConfig

	background sync.WaitGroup
}

// New builds a Spawner. registry is the parent's full tool registry,
// filtered per-agent at delegation time. embedder/recaller/sink may be
// nil.
func New(cfg Config, agents []AgentConfig, registry *agent.ToolRegistry, provider agent.LLMProvider, embedder agent.Embedder, recaller agent.Recaller, sink EventSink) *Spawner {
	if sink == nil {
		sink = NoopEventSink
	}
	configs := make(map[string]AgentConfig, len(agents))
	for _, a := range agents {
		configs[a.Name] = a
	}
	return &Spawner{
		config:   sanitizeConfig(cfg),
		registry: registry,
		provider: provider,
		embedder: embedder,
		recaller: recaller,
		sink:     sink,
		configs:  configs,
	}
}

// Register adds or replaces a subagent config at runtime.
func (s *Spawner) Register(cfg AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Name] = cfg
}

func (s *Spawner) lookup(name string) (AgentConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

func (s *Spawner) availableNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	return names
}

// IsDelegationTool satisfies agent.Delegator: it recognizes the single
// well-known delegation tool name.
func (s *Spawner) IsDelegationTool(name string) bool {
	return name == DelegationToolName
}

// delegateParams is the subagent_delegate tool call's parameter shape.
type delegateParams struct {
	AgentName string `json:"agent_name"`
	Task      string `json:"task"`
	Context   string `json:"context,omitempty"`
	MaxTurns  int    `json:"max_turns,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// Delegate satisfies agent.Delegator: it parses a subagent_delegate tool
// call and runs it, translating the Outcome into a ToolResult the turn
// loop feeds back to the model.
func (s *Spawner) Delegate(ctx context.Context, parentSessionID string, params []byte) (*agent.ToolResult, error) {
	var p delegateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return agent.ErrorResult("invalid subagent_delegate params: "+err.Error(), true), nil
	}

	mode := Mode(p.Mode)
	if mode == "" {
		mode = ModeBlocking
	}

	outcome, err := s.DelegateAgent(ctx, parentSessionID, p.AgentName, p.Task, p.Context, p.MaxTurns, mode)
	if err != nil {
		return agent.ErrorResult(err.Error(), true), nil
	}

	switch outcome.Kind {
	case OutcomeUnknownAgent:
		return agent.ErrorResult(fmt.Sprintf("unknown subagent %q; available: %v", p.AgentName, outcome.AvailableAgents), true), nil
	default:
		return agent.TextResult(outcome.Result.Text), nil
	}
}

// DelegateAgent is the programmatic entry point spec.md §4.F names
// `delegate`: it resolves agentName, builds an isolated child session and
// filtered tool registry, and runs task either to completion (blocking)
// or in the background, firing lifecycle events in the latter case.
func (s *Spawner) DelegateAgent(ctx context.Context, parentSessionID, agentName, task, taskContext string, maxTurns int, mode Mode) (*Outcome, error) {
	cfg, ok := s.lookup(agentName)
	if !ok {
		return &Outcome{Kind: OutcomeUnknownAgent, AvailableAgents: s.availableNames()}, nil
	}

	session := s.buildChildSession(cfg, taskContext)
	loop := s.buildChildLoop(cfg, maxTurns)

	if mode == ModeBackground {
		s.runBackground(parentSessionID, agentName, task, loop, session)
		return &Outcome{Kind: OutcomeSuccess, Result: &SubagentResult{
			Text: fmt.Sprintf("subagent %q started in the background", agentName),
		}}, nil
	}

	start := time.Now()
	text, err := s.runBlocking(ctx, loop, session, task)
	if err != nil {
		return nil, fmt.Errorf("subagent %q: %w", agentName, err)
	}

	result := s.finalizeResult(ctx, text)
	result.DurationMs = time.Since(start).Milliseconds()
	return &Outcome{Kind: OutcomeSuccess, Result: result}, nil
}

func (s *Spawner) buildChildSession(cfg AgentConfig, taskContext string) *models.Session {
	now := time.Now()
	preamble := ""
	if taskContext != "" {
		preamble = "[Context from parent agent]\n" + truncateContext(taskContext, s.config.ContextTruncateLimit)
	}
	return &models.Session{
		ID:              uuid.NewString(),
		ContextPreamble: preamble,
		CreatedAt:       now,
		LastActiveAt:    now,
	}
}

func (s *Spawner) buildChildLoop(cfg AgentConfig, maxTurns int) *agent.Loop {
	filtered := s.registry.Filtered(cfg.AllowedTools)
	executor := agent.NewExecutor(filtered, nil)

	loopCfg := agent.DefaultLoopConfig()
	loopCfg.DefaultModel = cfg.Model
	loopCfg.DefaultSystem = cfg.SystemPrompt
	if cfg.MaxIterations > 0 {
		loopCfg.MaxIterations = cfg.MaxIterations
	}
	if maxTurns > 0 {
		loopCfg.MaxIterations = maxTurns
	}

	// A subagent may itself delegate (recursively), subject to whether
	// subagent_delegate is among its allowed tools; passing s through
	// keeps that capability rather than hard-disabling it.
	return agent.NewLoop(s.provider, filtered, executor, s.embedder, s.recaller, s, loopCfg, nil)
}

func (s *Spawner) runBlocking(ctx context.Context, loop *agent.Loop, session *models.Session, task string) (string, error) {
	result, err := loop.Turn(ctx, session, task)
	if err != nil {
		return "", err
	}
	if result.Cancelled {
		return "", context.Canceled
	}
	return result.Text, nil
}

func (s *Spawner) runBackground(parentSessionID, agentName, task string, loop *agent.Loop, session *models.Session) {
	s.sink.OnSubagentStarted(SubagentStarted{
		ParentSessionID: parentSessionID,
		AgentName:       agentName,
		TaskPreview:     previewString(task, 200),
	})

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		start := time.Now()
		text, err := s.runBlocking(context.Background(), loop, session, task)
		success := err == nil
		preview := previewString(text, 200)
		if err != nil {
			preview = err.Error()
		}
		s.sink.OnSubagentCompleted(SubagentCompleted{
			ParentSessionID: parentSessionID,
			AgentName:       agentName,
			ResultPreview:   preview,
			DurationMs:      time.Since(start).Milliseconds(),
			Success:         success,
		})
	}()
}

// Wait blocks until every background delegation started through this
// Spawner has finished. Intended for tests and graceful shutdown.
func (s *Spawner) Wait() {
	s.background.Wait()
}

func previewString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
