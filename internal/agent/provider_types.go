package agent

import (
	"context"
	"encoding/json"

	"github.com/arawn/arawn/pkg/models"
)

// LLMProvider is the capability set the turn engine drives completions
// through. Implementations wrap a concrete provider SDK (Anthropic, OpenAI,
// ...); the core never talks HTTP directly.
//
// Implementations must be safe for concurrent use: multiple turns may call
// Complete simultaneously for independent sessions.
type LLMProvider interface {
	// Complete streams a completion for req, emitting chunks until the
	// terminal Done chunk (or an Error chunk) closes the channel.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name for logging and metrics.
	Name() string

	// Models returns the models this provider exposes.
	Models() []Model

	// SupportsTools reports whether this provider can be given tool
	// descriptors and will emit tool_use blocks.
	SupportsTools() bool
}

// Embedder is the capability set the memory store and turn engine drive
// embedding calls through.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one round trip.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the embedder name.
	Name() string

	// Dimension returns the fixed embedding dimension for this instance.
	Dimension() int

	// MaxBatchSize returns the maximum number of texts per EmbedBatch call.
	MaxBatchSize() int
}

// CompletionRequest carries everything a provider needs to produce one
// completion: history, system prompt, available tools, and generation
// parameters.
type CompletionRequest struct {
	Model     string               `json:"model"`
	System    string               `json:"system,omitempty"`
	Messages  []models.Message     `json:"messages"`
	Tools     []ToolDescriptor     `json:"tools,omitempty"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
	Stop      []string             `json:"stop,omitempty"`
}

// ToolDescriptor is the provider-facing shape of a registered tool: name,
// description, and JSON Schema, without the execute closure.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChunkKind discriminates the streaming event union a provider emits.
type ChunkKind string

const (
	ChunkTextDelta     ChunkKind = "text_delta"
	ChunkToolUseStart  ChunkKind = "tool_use_start"
	ChunkToolUseDelta  ChunkKind = "tool_use_delta"
	ChunkToolUseEnd    ChunkKind = "tool_use_end"
	ChunkDone          ChunkKind = "done"
)

// CompletionChunk is one streamed event from Complete. Only the fields for
// Kind are meaningful.
type CompletionChunk struct {
	Kind ChunkKind `json:"kind"`

	// text_delta
	TextDelta string `json:"text_delta,omitempty"`

	// tool_use_start / tool_use_delta / tool_use_end
	ToolUseID      string          `json:"tool_use_id,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInputDelta json.RawMessage `json:"tool_input_delta,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`

	// done
	Usage models.Usage `json:"usage,omitempty"`

	// Error terminates the stream when non-nil; classify with
	// ClassifyLLMError to decide retry behavior.
	Error error `json:"-"`
}

// Model describes one model a provider exposes.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// ResponseChunk is the turn engine's own streaming event union, surfaced to
// callers of TurnStream. It generalizes CompletionChunk with tool-dispatch
// and completion events the provider itself doesn't know about.
type ResponseChunk struct {
	TextDelta string `json:"text_delta,omitempty"`

	// ToolStart/ToolEnd bracket a single tool dispatch.
	ToolStart *ToolStartEvent `json:"tool_start,omitempty"`
	ToolEnd   *ToolEndEvent   `json:"tool_end,omitempty"`

	// Done is set on the terminal chunk; Usage is only meaningful then.
	Done  bool         `json:"done,omitempty"`
	Usage models.Usage `json:"usage,omitempty"`

	Error error `json:"-"`
}

// ToolStartEvent is emitted immediately before a tool dispatch.
type ToolStartEvent struct {
	ToolUseID    string `json:"tool_use_id"`
	Name         string `json:"name"`
	InputPreview string `json:"input_preview"`
}

// ToolEndEvent is emitted immediately after a tool dispatch completes.
type ToolEndEvent struct {
	ToolUseID     string `json:"tool_use_id"`
	Name          string `json:"name"`
	Status        string `json:"status"` // "ok" or "error"
	DurationMS    int64  `json:"duration_ms"`
	OutputPreview string `json:"output_preview"`
}
