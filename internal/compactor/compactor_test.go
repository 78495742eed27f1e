package compactor

import (
	"context"
	"testing"
	"time"

	"github.com/arawn/arawn/internal/agent"
	"github.com/arawn/arawn/pkg/models"
)

// fakeProvider returns summary as a single text_delta chunk, or blocks
// until ctx is cancelled if block is set.
type fakeProvider struct {
	summary string
	block   bool
	calls   int
	lastReq *agent.CompletionRequest
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.calls++
	p.lastReq = req
	out := make(chan *agent.CompletionChunk, 2)
	if p.block {
		go func() {
			defer close(out)
			<-ctx.Done()
			out <- &agent.CompletionChunk{Error: ctx.Err()}
		}()
		return out, nil
	}
	go func() {
		defer close(out)
		out <- &agent.CompletionChunk{Kind: agent.ChunkTextDelta, TextDelta: p.summary}
		out <- &agent.CompletionChunk{Kind: agent.ChunkDone}
	}()
	return out, nil
}

func (p *fakeProvider) Name() string          { return "fake" }
func (p *fakeProvider) Models() []agent.Model { return nil }
func (p *fakeProvider) SupportsTools() bool   { return false }

func turnWithText(role models.Role, text string) models.Turn {
	return models.Turn{
		Messages: []models.Message{
			{Role: role, Content: []models.ContentBlock{models.TextBlock(text)}},
		},
	}
}

func TestCompact_belowPreserveRecentIsNoOp(t *testing.T) {
	provider := &fakeProvider{summary: "should not be called"}
	c := New(Config{PreserveRecent: 3}, provider, nil)

	session := &models.Session{Turns: []models.Turn{
		turnWithText(models.RoleUser, "one"),
		turnWithText(models.RoleAssistant, "two"),
	}}

	result, err := c.Compact(context.Background(), session, nil)
	if err != nil {
		t.Fatalf("Compact error: %v", err)
	}
	if result.TurnsCompacted != 0 {
		t.Errorf("TurnsCompacted = %d, want 0", result.TurnsCompacted)
	}
	if provider.calls != 0 {
		t.Error("summarizer should not be invoked when turn count is within preserve_recent")
	}
	if len(session.Turns) != 2 {
		t.Errorf("session.Turns mutated on a no-op compact: %d turns", len(session.Turns))
	}
}

func TestCompact_replacesOldTurnsWithSummary(t *testing.T) {
	provider := &fakeProvider{summary: "Investigated X, found Y, cited z.go."}
	c := New(Config{PreserveRecent: 2}, provider, nil)

	session := &models.Session{Turns: []models.Turn{
		turnWithText(models.RoleUser, "first question"),
		turnWithText(models.RoleAssistant, "first answer"),
		turnWithText(models.RoleUser, "second question"),
		turnWithText(models.RoleAssistant, "second answer"),
		turnWithText(models.RoleUser, "third question"),
		turnWithText(models.RoleAssistant, "third answer"),
	}}

	var stages []string
	result, err := c.Compact(context.Background(), session, func(stage string) { stages = append(stages, stage) })
	if err != nil {
		t.Fatalf("Compact error: %v", err)
	}
	if result.TurnsCompacted != 4 {
		t.Errorf("TurnsCompacted = %d, want 4", result.TurnsCompacted)
	}
	if result.Summary != provider.summary {
		t.Errorf("Summary = %q, want %q", result.Summary, provider.summary)
	}
	if len(session.Turns) != 3 {
		t.Fatalf("got %d turns after compaction, want 3 (1 summary + 2 preserved)", len(session.Turns))
	}
	if session.Turns[0].Messages[0].Text() != provider.summary {
		t.Errorf("first turn after compaction = %q, want the summary", session.Turns[0].Messages[0].Text())
	}
	if session.Turns[1].Messages[0].Text() != "third question" || session.Turns[2].Messages[0].Text() != "third answer" {
		t.Error("the two most recent turns should be preserved verbatim")
	}
	if len(stages) == 0 {
		t.Error("expected progress callback to be invoked")
	}
}

func TestCompact_cancelledBeforeStartLeavesSessionUnmodified(t *testing.T) {
	provider := &fakeProvider{summary: "unused"}
	c := New(Config{PreserveRecent: 1}, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := &models.Session{Turns: []models.Turn{
		turnWithText(models.RoleUser, "a"),
		turnWithText(models.RoleAssistant, "b"),
		turnWithText(models.RoleUser, "c"),
	}}
	originalLen := len(session.Turns)

	result, err := c.Compact(ctx, session, nil)
	if err != nil {
		t.Fatalf("Compact error: %v", err)
	}
	if !result.Cancelled {
		t.Error("expected Cancelled = true")
	}
	if len(session.Turns) != originalLen {
		t.Error("session should be unmodified when cancelled before start")
	}
	if provider.calls != 0 {
		t.Error("provider should not be called when already cancelled")
	}
}

func TestCompact_cancelledDuringSummarizationLeavesSessionUnmodified(t *testing.T) {
	provider := &fakeProvider{block: true}
	c := New(Config{PreserveRecent: 1}, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	session := &models.Session{Turns: []models.Turn{
		turnWithText(models.RoleUser, "a"),
		turnWithText(models.RoleAssistant, "b"),
		turnWithText(models.RoleUser, "c"),
	}}
	originalLen := len(session.Turns)

	result, err := c.Compact(ctx, session, nil)
	if err != nil {
		t.Fatalf("Compact error: %v", err)
	}
	if !result.Cancelled {
		t.Error("expected Cancelled = true")
	}
	if len(session.Turns) != originalLen {
		t.Error("session should be left unmodified when cancelled mid-summarization")
	}
}

func TestShouldCompact(t *testing.T) {
	c := New(Config{CriticalThreshold: 0.9}, nil, nil)

	under := &models.Session{TokenEstimate: 80}
	if should, _ := c.ShouldCompact(under, 100); should {
		t.Error("80/100 should not cross a 0.9 threshold")
	}

	over := &models.Session{TokenEstimate: 95}
	if should, frac := c.ShouldCompact(over, 100); !should || frac != 0.95 {
		t.Errorf("should=%v frac=%f, want should=true frac=0.95", should, frac)
	}
}

func TestShouldCompact_zeroMaxContextNeverTriggers(t *testing.T) {
	c := New(Config{}, nil, nil)
	if should, _ := c.ShouldCompact(&models.Session{TokenEstimate: 1_000_000}, 0); should {
		t.Error("a zero max context size should never trigger compaction")
	}
}
