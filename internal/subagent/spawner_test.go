package subagent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arawn/arawn/internal/agent"
)

// fakeProvider answers every Complete call with a fixed text response and
// no tool use, so Loop.Turn finishes in a single iteration.
type fakeProvider struct {
	mu       sync.Mutex
	response string
	prompts  []string
}

func (p *fakeProvider) Complete(_ context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	if len(req.Messages) > 0 {
		p.prompts = append(p.prompts, req.Messages[len(req.Messages)-1].Text())
	}
	resp := p.response
	p.mu.Unlock()

	out := make(chan *agent.CompletionChunk, 2)
	go func() {
		defer close(out)
		out <- &agent.CompletionChunk{Kind: agent.ChunkTextDelta, TextDelta: resp}
		out <- &agent.CompletionChunk{Kind: agent.ChunkDone}
	}()
	return out, nil
}

func (p *fakeProvider) Name() string          { return "fake" }
func (p *fakeProvider) Models() []agent.Model { return nil }
func (p *fakeProvider) SupportsTools() bool   { return false }

// recordingSink records every event fired, for assertions, and supports
// waiting for the completion event to arrive.
type recordingSink struct {
	mu        sync.Mutex
	started   []SubagentStarted
	completed []SubagentCompleted
	done      chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{}, 1)}
}

func (s *recordingSink) OnSubagentStarted(e SubagentStarted) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, e)
}

func (s *recordingSink) OnSubagentCompleted(e SubagentCompleted) {
	s.mu.Lock()
	s.completed = append(s.completed, e)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func newTestRegistry(t *testing.T) *agent.ToolRegistry {
	t.Helper()
	return agent.NewToolRegistry(nil)
}

func TestDelegateAgent_unknownAgentListsAvailable(t *testing.T) {
	provider := &fakeProvider{response: "unused"}
	sp := New(Config{}, []AgentConfig{{Name: "researcher"}, {Name: "coder"}}, newTestRegistry(t), provider, nil, nil, nil)

	outcome, err := sp.DelegateAgent(context.Background(), "parent-1", "ghost", "do it", "", 0, ModeBlocking)
	if err != nil {
		t.Fatalf("DelegateAgent error: %v", err)
	}
	if outcome.Kind != OutcomeUnknownAgent {
		t.Fatalf("Kind = %v, want OutcomeUnknownAgent", outcome.Kind)
	}
	if len(outcome.AvailableAgents) != 2 {
		t.Errorf("AvailableAgents = %v, want 2 entries", outcome.AvailableAgents)
	}
}

func TestDelegateAgent_blockingRunsToCompletionAndReturnsResult(t *testing.T) {
	provider := &fakeProvider{response: "the researcher's findings"}
	cfg := AgentConfig{Name: "researcher", AllowedTools: nil, MaxIterations: 5}
	sp := New(Config{}, []AgentConfig{cfg}, newTestRegistry(t), provider, nil, nil, nil)

	outcome, err := sp.DelegateAgent(context.Background(), "parent-1", "researcher", "investigate X", "", 0, ModeBlocking)
	if err != nil {
		t.Fatalf("DelegateAgent error: %v", err)
	}
	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %v, want OutcomeSuccess", outcome.Kind)
	}
	if outcome.Result.Text != "the researcher's findings" {
		t.Errorf("Result.Text = %q, want the provider's response verbatim", outcome.Result.Text)
	}
	if outcome.Result.Truncated {
		t.Error("short result should not be marked truncated")
	}
}

func TestDelegateAgent_backgroundModeFiresStartedThenCompleted(t *testing.T) {
	provider := &fakeProvider{response: "background result"}
	sink := newRecordingSink()
	sp := New(Config{}, []AgentConfig{{Name: "researcher"}}, newTestRegistry(t), provider, nil, nil, sink)

	outcome, err := sp.DelegateAgent(context.Background(), "parent-1", "researcher", "investigate Y", "", 0, ModeBackground)
	if err != nil {
		t.Fatalf("DelegateAgent error: %v", err)
	}
	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %v, want OutcomeSuccess", outcome.Kind)
	}
	if !strings.Contains(outcome.Result.Text, "started in the background") {
		t.Errorf("Result.Text = %q, want an immediate background-start marker", outcome.Result.Text)
	}

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the background completion event")
	}
	sp.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.started) != 1 {
		t.Fatalf("got %d SubagentStarted events, want 1", len(sink.started))
	}
	if len(sink.completed) != 1 {
		t.Fatalf("got %d SubagentCompleted events, want 1", len(sink.completed))
	}
	if !sink.completed[0].Success {
		t.Error("expected the background delegation to report success")
	}
	if sink.started[0].AgentName != "researcher" || sink.completed[0].AgentName != "researcher" {
		t.Error("events should carry the delegated agent's name")
	}
}

func TestDelegateAgent_filteredRegistryRestrictsChildTools(t *testing.T) {
	registry := newTestRegistry(t)
	if err := registry.Register(&countingTool{name: "allowed"}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := registry.Register(&countingTool{name: "forbidden"}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	cfg := AgentConfig{Name: "narrow", AllowedTools: []string{"allowed"}}
	sp := New(Config{}, []AgentConfig{cfg}, registry, &fakeProvider{response: "ok"}, nil, nil, nil)

	child := sp.buildChildLoop(cfg, 0)
	if child == nil {
		t.Fatal("buildChildLoop returned nil")
	}
	filtered := registry.Filtered(cfg.AllowedTools)
	if _, ok := filtered.Get("allowed"); !ok {
		t.Error("filtered registry should retain the allowed tool")
	}
	if _, ok := filtered.Get("forbidden"); ok {
		t.Error("filtered registry should drop the disallowed tool")
	}
}

func TestTruncateContext_wordBoundaryAndSuffix(t *testing.T) {
	long := strings.Repeat("word ", 2000)
	got := truncateContext(long, 100)
	if len(got) > 100+len("…(truncated)")+1 {
		t.Errorf("truncated context too long: %d chars", len(got))
	}
	if !strings.HasSuffix(got, "…(truncated)") {
		t.Error("expected a truncation suffix")
	}
	if strings.HasSuffix(strings.TrimSuffix(got, "…(truncated)"), " ") {
		t.Error("head should not end mid-word with a trailing space before the suffix")
	}
}

func TestTruncateHeadTail_preservesHeadAndTailWithNotice(t *testing.T) {
	head := strings.Repeat("a", 3000) + " headboundary"
	middle := strings.Repeat("m", 10000)
	tail := "tailboundary " + strings.Repeat("z", 3000)
	full := head + " " + middle + " " + tail

	got, originalLen := truncateHeadTail(full, 1000)
	if originalLen != len(full) {
		t.Errorf("originalLen = %d, want %d", originalLen, len(full))
	}
	if !strings.HasPrefix(got, "aaaa") {
		t.Error("expected the result to start with the head content")
	}
	if !strings.HasSuffix(got, "zzzz") {
		t.Error("expected the result to end with the tail content")
	}
	if !strings.Contains(got, "characters omitted") {
		t.Error("expected an omission notice in the middle")
	}
	if len(got) >= len(full) {
		t.Error("truncated result should be materially shorter than the original")
	}
}

func TestSpawnerDelegate_invalidParamsReturnsRecoverableError(t *testing.T) {
	sp := New(Config{}, nil, newTestRegistry(t), &fakeProvider{}, nil, nil, nil)
	result, err := sp.Delegate(context.Background(), "parent-1", []byte("not json"))
	if err != nil {
		t.Fatalf("Delegate error: %v", err)
	}
	if result.Kind != agent.ResultError || !result.Recoverable {
		t.Errorf("expected a recoverable error result for malformed params, got %+v", result)
	}
}

func TestSpawnerIsDelegationTool(t *testing.T) {
	sp := New(Config{}, nil, newTestRegistry(t), &fakeProvider{}, nil, nil, nil)
	if !sp.IsDelegationTool(DelegationToolName) {
		t.Error("expected IsDelegationTool to recognize the well-known delegation tool name")
	}
	if sp.IsDelegationTool("some_other_tool") {
		t.Error("expected IsDelegationTool to reject unrelated tool names")
	}
}

// countingTool is a minimal no-op tool used to verify registry filtering.
type countingTool struct {
	name  string
	calls int
}

func (c *countingTool) Name() string             { return c.name }
func (c *countingTool) Description() string      { return "test tool" }
func (c *countingTool) Schema() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }

func (c *countingTool) Execute(_ context.Context, _ json.RawMessage) (*agent.ToolResult, error) {
	c.calls++
	return agent.TextResult("ok"), nil
}
