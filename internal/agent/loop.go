package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arawn/arawn/internal/backoff"
	"github.com/arawn/arawn/pkg/models"
)

// LoopConfig configures a Loop's defaults.
type LoopConfig struct {
	MaxIterations        int           `yaml:"max_iterations"`
	MaxResponseTextSize   int           `yaml:"max_response_text_size"`
	MaxToolCallsPerTurn   int           `yaml:"max_tool_calls_per_turn"`
	DefaultModel          string        `yaml:"default_model"`
	DefaultSystem         string        `yaml:"default_system"`
	DefaultMaxTokens      int           `yaml:"default_max_tokens"`
	LLMCallTimeout        time.Duration `yaml:"llm_call_timeout"`
	MaxLLMRetries         int           `yaml:"max_llm_retries"`
	LLMRetryBaseBackoff   time.Duration `yaml:"llm_retry_base_backoff"`
	LLMRetryMaxBackoff    time.Duration `yaml:"llm_retry_max_backoff"`
	RecallEveryTurn       bool          `yaml:"recall_every_turn"`
	RecallAfterTurnCount  int           `yaml:"recall_after_turn_count"`
	RecallLimit           int           `yaml:"recall_limit"`
	RecallMinScore        float64       `yaml:"recall_min_score"`
}

// DefaultLoopConfig returns sane defaults: 25 iterations (per spec.md
// §4.E.2.e), a 1MB response cap, 100 tool calls per iteration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:        25,
		MaxResponseTextSize:  1 << 20,
		MaxToolCallsPerTurn:  100,
		DefaultMaxTokens:     4096,
		LLMCallTimeout:       2 * time.Minute,
		MaxLLMRetries:        5,
		LLMRetryBaseBackoff:  250 * time.Millisecond,
		LLMRetryMaxBackoff:   30 * time.Second,
		RecallAfterTurnCount: 0,
		RecallLimit:          5,
		RecallMinScore:       0.5,
	}
}

func sanitizeLoopConfig(cfg *LoopConfig) *LoopConfig {
	if cfg == nil {
		return DefaultLoopConfig()
	}
	out := *cfg
	if out.MaxIterations <= 0 {
		out.MaxIterations = 25
	}
	if out.MaxResponseTextSize <= 0 {
		out.MaxResponseTextSize = 1 << 20
	}
	if out.MaxToolCallsPerTurn <= 0 {
		out.MaxToolCallsPerTurn = 100
	}
	if out.LLMCallTimeout <= 0 {
		out.LLMCallTimeout = 2 * time.Minute
	}
	if out.LLMRetryBaseBackoff <= 0 {
		out.LLMRetryBaseBackoff = 250 * time.Millisecond
	}
	if out.LLMRetryMaxBackoff <= 0 {
		out.LLMRetryMaxBackoff = 30 * time.Second
	}
	if out.RecallLimit <= 0 {
		out.RecallLimit = 5
	}
	return &out
}

// Recaller is the narrow memory-store capability the loop needs: embed the
// user message and recall relevant memories to render into the system
// prompt. A real implementation is memory.Store; tests supply a stub.
type Recaller interface {
	Recall(ctx context.Context, query models.RecallQuery) ([]models.RecallMatch, error)
}

// Delegator handles subagent_delegate tool calls by deferring to §4.F. A
// real implementation is subagent.Spawner; a nil Delegator means the loop
// never resolves delegation tool calls specially (they run as ordinary
// tools, if registered at all).
type Delegator interface {
	IsDelegationTool(name string) bool
	Delegate(ctx context.Context, sessionID string, params []byte) (*ToolResult, error)
}

// Loop is the agent turn engine: it drives the tool-calling loop described
// in spec §4.E, alternating LLM completions with tool executions until the
// model emits a pure-text response or the iteration cap is hit.
type Loop struct {
	provider  LLMProvider
	embedder  Embedder
	recaller  Recaller
	registry  *ToolRegistry
	executor  *Executor
	delegator Delegator
	config    *LoopConfig
	locks     *sessionLocks
	logger    *slog.Logger
}

// NewLoop builds a turn engine. provider is required; embedder/recaller may
// be nil (memory recall is then skipped entirely); delegator may be nil.
func NewLoop(provider LLMProvider, registry *ToolRegistry, executor *Executor, embedder Embedder, recaller Recaller, delegator Delegator, config *LoopConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider:  provider,
		embedder:  embedder,
		recaller:  recaller,
		registry:  registry,
		executor:  executor,
		delegator: delegator,
		config:    sanitizeLoopConfig(config),
		locks:     newSessionLocks(),
		logger:    logger,
	}
}

// TurnResult is the outcome of a completed (non-streaming) turn.
type TurnResult struct {
	Text      string
	Turn      models.Turn
	Usage     models.Usage
	Cancelled bool
}

// Turn runs the full tool loop to completion for one user message against
// session, returning the final assistant text. The session is mutated in
// place: on success a new Turn is appended; on cancellation or
// max-iterations it is left in the state described in §4.E.2.e/§8.
func (l *Loop) Turn(ctx context.Context, session *models.Session, userMessage string) (*TurnResult, error) {
	unlock := l.locks.Lock(session.ID)
	defer unlock()

	state, err := l.initState(ctx, session, userMessage)
	if err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: err}
	}

	for state.Iteration < l.config.MaxIterations {
		select {
		case <-ctx.Done():
			return &TurnResult{Cancelled: true}, nil
		default:
		}

		chunk, err := l.streamPhase(ctx, state)
		if err != nil {
			if ClassifyLLMError(err) == LLMErrorCancelled {
				return &TurnResult{Cancelled: true}, nil
			}
			return nil, &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: err}
		}

		if len(state.pendingToolUses) == 0 {
			return l.complete(session, state, chunk.text, chunk.usage), nil
		}

		if err := l.executeToolsPhase(ctx, state); err != nil {
			return nil, &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Cause: err}
		}

		state.Iteration++
	}

	return l.maxIterationsResult(session, state), nil
}

// TurnStream is the streaming variant of Turn: it performs the same loop
// but emits ResponseChunk events on the returned channel as it goes.
// Cancelling ctx cancels any in-flight tool calls and the current LLM
// stream; the session is left unmodified unless a final text response was
// reached before cancellation.
func (l *Loop) TurnStream(ctx context.Context, session *models.Session, userMessage string) <-chan *ResponseChunk {
	out := make(chan *ResponseChunk, 16)
	go func() {
		defer close(out)

		unlock := l.locks.Lock(session.ID)
		defer unlock()

		state, err := l.initState(ctx, session, userMessage)
		if err != nil {
			out <- &ResponseChunk{Error: &LoopError{Phase: PhaseInit, Cause: err}}
			return
		}

		for state.Iteration < l.config.MaxIterations {
			select {
			case <-ctx.Done():
				out <- &ResponseChunk{Error: ErrContextCancelled}
				return
			default:
			}

			chunk, err := l.streamPhaseEmitting(ctx, state, out)
			if err != nil {
				if ClassifyLLMError(err) == LLMErrorCancelled {
					out <- &ResponseChunk{Error: ErrContextCancelled}
					return
				}
				out <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: err}}
				return
			}

			if len(state.pendingToolUses) == 0 {
				l.complete(session, state, chunk.text, chunk.usage)
				out <- &ResponseChunk{Done: true, Usage: chunk.usage}
				return
			}

			if err := l.executeToolsPhaseEmitting(ctx, state, out); err != nil {
				out <- &ResponseChunk{Error: &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Cause: err}}
				return
			}

			state.Iteration++
		}

		l.maxIterationsResult(session, state)
		out <- &ResponseChunk{Done: true}
	}()
	return out
}

// loopState accumulates one turn's working messages across iterations. It
// is not shared across turns.
type loopState struct {
	Iteration       int
	System          string
	Working         []models.Message // history + new user message + in-progress exchange
	pendingToolUses []models.ContentBlock
	turnMessages    []models.Message // messages that will become the persisted Turn
}

type streamOutcome struct {
	text  string
	usage models.Usage
}

func (l *Loop) initState(ctx context.Context, session *models.Session, userMessage string) (*loopState, error) {
	system := l.assembleSystemPrompt(ctx, session, userMessage)

	working := session.FlatMessages()
	userMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   []models.ContentBlock{models.TextBlock(userMessage)},
		CreatedAt: time.Now(),
	}
	working = append(working, userMsg)

	return &loopState{
		System:       system,
		Working:      working,
		turnMessages: []models.Message{userMsg},
	}, nil
}

// assembleSystemPrompt builds the static bootstrap plus the session's
// context preamble plus, if memory is configured, a recalled-memories
// section.
func (l *Loop) assembleSystemPrompt(ctx context.Context, session *models.Session, userMessage string) string {
	system := l.config.DefaultSystem

	if session.ContextPreamble != "" {
		system = fmt.Sprintf("[Session Context]\n%s\n\n---\n\n%s", session.ContextPreamble, system)
	}

	if l.shouldRecall(session) {
		if section := l.recallSection(ctx, userMessage); section != "" {
			system = system + "\n\n" + section
		}
	}

	return system
}

func (l *Loop) shouldRecall(session *models.Session) bool {
	if l.embedder == nil || l.recaller == nil {
		return false
	}
	if l.config.RecallEveryTurn {
		return true
	}
	return len(session.Turns) >= l.config.RecallAfterTurnCount
}

func (l *Loop) recallSection(ctx context.Context, userMessage string) string {
	embedding, err := l.embedder.Embed(ctx, userMessage)
	if err != nil {
		l.logger.Warn("embed failed, skipping recall", "error", err)
		return ""
	}
	matches, err := l.recaller.Recall(ctx, models.RecallQuery{
		Embedding: embedding,
		Limit:     l.config.RecallLimit,
		MinScore:  l.config.RecallMinScore,
	})
	if err != nil {
		l.logger.Warn("recall failed, continuing without memory context", "error", err)
		return ""
	}
	if len(matches) == 0 {
		return ""
	}

	section := "[Recalled Memory]\n"
	for _, m := range matches {
		section += fmt.Sprintf("- %s\n", m.Memory.Content)
	}
	return section
}

// streamPhase submits the completion request and collects one assistant
// turn's text and tool_use blocks, without emitting events.
func (l *Loop) streamPhase(ctx context.Context, state *loopState) (streamOutcome, error) {
	return l.runStream(ctx, state, nil)
}

func (l *Loop) streamPhaseEmitting(ctx context.Context, state *loopState, out chan<- *ResponseChunk) (streamOutcome, error) {
	return l.runStream(ctx, state, out)
}

func (l *Loop) runStream(ctx context.Context, state *loopState, out chan<- *ResponseChunk) (streamOutcome, error) {
	req := &CompletionRequest{
		Model:     l.config.DefaultModel,
		System:    state.System,
		Messages:  state.Working,
		Tools:     l.registry.List(),
		MaxTokens: l.config.DefaultMaxTokens,
	}

	chunks, outcome, err := l.completeWithRetry(ctx, req)
	if err != nil {
		return streamOutcome{}, err
	}

	var text string
	var toolUses []models.ContentBlock
	pending := map[string]*models.ContentBlock{}

	for chunk := range chunks {
		if chunk.Error != nil {
			return streamOutcome{}, chunk.Error
		}
		switch chunk.Kind {
		case ChunkTextDelta:
			text += chunk.TextDelta
			if len(text) > l.config.MaxResponseTextSize {
				return streamOutcome{}, fmt.Errorf("response text exceeds maximum size of %d bytes", l.config.MaxResponseTextSize)
			}
			if out != nil {
				out <- &ResponseChunk{TextDelta: chunk.TextDelta}
			}
		case ChunkToolUseStart:
			b := models.ToolUseBlock(chunk.ToolUseID, chunk.ToolName, nil)
			pending[chunk.ToolUseID] = &b
		case ChunkToolUseDelta:
			if b, ok := pending[chunk.ToolUseID]; ok {
				b.ToolInput = append(b.ToolInput, chunk.ToolInputDelta...)
			}
		case ChunkToolUseEnd:
			if b, ok := pending[chunk.ToolUseID]; ok {
				if len(chunk.ToolInput) > 0 {
					b.ToolInput = chunk.ToolInput
				}
				toolUses = append(toolUses, *b)
				delete(pending, chunk.ToolUseID)
				if len(toolUses) > l.config.MaxToolCallsPerTurn {
					return streamOutcome{}, fmt.Errorf("exceeded maximum of %d tool calls in one iteration", l.config.MaxToolCallsPerTurn)
				}
			}
		case ChunkDone:
			outcome.usage = chunk.Usage
		}
	}

	outcome.text = text
	state.pendingToolUses = toolUses

	assistantMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		CreatedAt: time.Now(),
	}
	if text != "" {
		assistantMsg.Content = append(assistantMsg.Content, models.TextBlock(text))
	}
	assistantMsg.Content = append(assistantMsg.Content, toolUses...)

	state.Working = append(state.Working, assistantMsg)
	state.turnMessages = append(state.turnMessages, assistantMsg)

	return outcome, nil
}

// completeWithRetry retries transient provider errors with capped
// exponential backoff, honoring a rate_limit's retry_after hint (§4.A,
// §4.E.5, §7).
func (l *Loop) completeWithRetry(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, streamOutcome, error) {
	if l.provider == nil {
		return nil, streamOutcome{}, ErrNoProvider
	}

	var lastErr error
	for attempt := 0; attempt <= l.config.MaxLLMRetries; attempt++ {
		chunks, err := l.provider.Complete(ctx, req)
		if err == nil {
			return chunks, streamOutcome{}, nil
		}
		lastErr = err

		kind := ClassifyLLMError(err)
		if kind == LLMErrorCancelled {
			return nil, streamOutcome{}, err
		}
		if !kind.Retryable() || attempt >= l.config.MaxLLMRetries {
			break
		}

		wait := l.retryBackoff(err, attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, streamOutcome{}, ctx.Err()
		}
	}
	return nil, streamOutcome{}, lastErr
}

func (l *Loop) retryBackoff(err error, attempt int) time.Duration {
	var le *LLMError
	if ok := asLLMError(err, &le); ok && le.Kind == LLMErrorRateLimit && le.RetryAfter > 0 {
		return time.Duration(le.RetryAfter) * time.Millisecond
	}
	policy := backoff.BackoffPolicy{
		InitialMs: float64(l.config.LLMRetryBaseBackoff.Milliseconds()),
		MaxMs:     float64(l.config.LLMRetryMaxBackoff.Milliseconds()),
		Factor:    2,
		Jitter:    0.1,
	}
	// attempt is zero-based here; BackoffPolicy counts attempts from 1.
	return backoff.ComputeBackoff(policy, attempt+1)
}

func asLLMError(err error, target **LLMError) bool {
	if le, ok := err.(*LLMError); ok {
		*target = le
		return true
	}
	return false
}

// executeToolsPhase dispatches the pending tool_use blocks in order and
// appends the aggregated tool_result message, without emitting events.
func (l *Loop) executeToolsPhase(ctx context.Context, state *loopState) error {
	return l.dispatchTools(ctx, state, nil)
}

func (l *Loop) executeToolsPhaseEmitting(ctx context.Context, state *loopState, out chan<- *ResponseChunk) error {
	return l.dispatchTools(ctx, state, out)
}

func (l *Loop) dispatchTools(ctx context.Context, state *loopState, out chan<- *ResponseChunk) error {
	results := make([]*ExecutionResult, len(state.pendingToolUses))

	for i, call := range state.pendingToolUses {
		if out != nil {
			out <- &ResponseChunk{ToolStart: &ToolStartEvent{
				ToolUseID:    call.ToolUseID,
				Name:         call.ToolName,
				InputPreview: previewBytes(call.ToolInput, 200),
			}}
		}

		start := time.Now()
		var res *ExecutionResult
		if l.delegator != nil && l.delegator.IsDelegationTool(call.ToolName) {
			tr, err := l.delegator.Delegate(ctx, "", call.ToolInput)
			res = &ExecutionResult{ToolUseID: call.ToolUseID, ToolName: call.ToolName, Result: tr, Error: err, Duration: time.Since(start)}
		} else {
			res = l.executor.Execute(ctx, call)
		}
		results[i] = res

		if out != nil {
			status := "ok"
			preview := ""
			if res.Error != nil {
				status = "error"
				preview = res.Error.Error()
			} else if res.Result != nil {
				preview = previewString(res.Result.Content, 200)
				if res.Result.IsError {
					status = "error"
				}
			}
			out <- &ResponseChunk{ToolEnd: &ToolEndEvent{
				ToolUseID: call.ToolUseID, Name: call.ToolName, Status: status,
				DurationMS: time.Since(start).Milliseconds(), OutputPreview: preview,
			}}
		}
	}

	if AnyNonRecoverable(results) {
		return fmt.Errorf("tool execution aborted turn: non-recoverable tool error")
	}

	blocks := ResultsToToolResultBlocks(results)
	toolResultMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleToolResult,
		Content:   blocks,
		CreatedAt: time.Now(),
	}
	state.Working = append(state.Working, toolResultMsg)
	state.turnMessages = append(state.turnMessages, toolResultMsg)
	state.pendingToolUses = nil
	return nil
}

func (l *Loop) complete(session *models.Session, state *loopState, text string, usage models.Usage) *TurnResult {
	turn := models.Turn{ID: uuid.NewString(), Messages: state.turnMessages, CreatedAt: time.Now()}
	tokens := usage.InputTokens + usage.OutputTokens
	_ = session.AppendTurn(turn, tokens)
	return &TurnResult{Text: text, Turn: turn, Usage: usage}
}

func (l *Loop) maxIterationsResult(session *models.Session, state *loopState) *TurnResult {
	synthetic := models.Message{
		ID:   uuid.NewString(),
		Role: models.RoleAssistant,
		Content: []models.ContentBlock{
			models.TextBlock("max iterations reached"),
		},
		CreatedAt: time.Now(),
	}
	state.turnMessages = append(state.turnMessages, synthetic)
	turn := models.Turn{ID: uuid.NewString(), Messages: state.turnMessages, CreatedAt: time.Now()}
	_ = session.AppendTurn(turn, 0)
	return &TurnResult{Text: "max iterations reached", Turn: turn}
}

func previewBytes(b []byte, n int) string {
	return previewString(string(b), n)
}

func previewString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
