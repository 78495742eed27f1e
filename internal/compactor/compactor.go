// Package compactor implements Arawn's mid-session context compactor
// (spec §4.G): when a session's token estimate crosses a critical
// threshold, the oldest turns are replaced with a single LLM-synthesized
// narrative summary, preserving the most recent turns verbatim.
package compactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arawn/arawn/internal/agent"
	"github.com/arawn/arawn/pkg/models"
)

// Config tunes when and how compaction runs.
type Config struct {
	// PreserveRecent is how many trailing turns are kept verbatim.
	PreserveRecent int `yaml:"preserve_recent"`

	// WarningThreshold and CriticalThreshold are fractions (0..1) of a
	// model's max context size. WarningThreshold is advisory only;
	// ShouldCompact reports true once CriticalThreshold is crossed.
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	// Model is the model id used for the summarization call.
	Model string `yaml:"model"`

	// SummaryMaxTokens bounds the summarization completion's length.
	SummaryMaxTokens int `yaml:"summary_max_tokens"`

	// SummaryPrompt is the system prompt for the summarization call. The
	// conversation to summarize is appended as a user message.
	SummaryPrompt string `yaml:"summary_prompt"`
}

// DefaultConfig returns spec-default compaction tuning.
func DefaultConfig() Config {
	return Config{
		PreserveRecent:    3,
		WarningThreshold:  0.70,
		CriticalThreshold: 0.90,
		SummaryMaxTokens:  1024,
		SummaryPrompt: `Summarize the following portion of a research session concisely, preserving:
- Key findings and conclusions
- Code snippets that were produced or discussed
- Citations (file paths, URLs, memory facts referenced)
- Any pending or actionable items

Write the summary as a narrative paragraph, not a list of messages.`,
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.PreserveRecent <= 0 {
		cfg.PreserveRecent = 3
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 0.90
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 0.70
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 1024
	}
	if cfg.SummaryPrompt == "" {
		cfg.SummaryPrompt = DefaultConfig().SummaryPrompt
	}
	return cfg
}

// Result reports what a Compact call did.
type Result struct {
	TurnsCompacted int
	TokensBefore   int
	TokensAfter    int
	Summary        string
	Cancelled      bool
}

// Compactor summarizes the oldest part of a session's history via an LLM.
type Compactor struct {
	config   Config
	provider agent.LLMProvider
	logger   *slog.Logger
}

// New builds a Compactor. A nil logger discards log output.
func New(cfg Config, provider agent.LLMProvider, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compactor{config: sanitizeConfig(cfg), provider: provider, logger: logger}
}

// ShouldCompact reports whether session's token estimate has crossed the
// critical threshold of maxContextTokens, and the fraction observed.
func (c *Compactor) ShouldCompact(session *models.Session, maxContextTokens int) (bool, float64) {
	if maxContextTokens <= 0 {
		return false, 0
	}
	frac := float64(session.TokenEstimate) / float64(maxContextTokens)
	return frac >= c.config.CriticalThreshold, frac
}

// ProgressFunc receives a short label for each compaction stage as it
// starts ("summarizing", "replacing_turns", ...), for UI progress display.
type ProgressFunc func(stage string)

// Compact summarizes session's oldest turns and replaces them in place
// with a single synthesized summary turn, leaving the most recent
// PreserveRecent turns untouched. Cancellation is checked at the start and
// between stages; on cancellation the session is left unmodified.
func (c *Compactor) Compact(ctx context.Context, session *models.Session, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(string) {}
	}
	if err := ctx.Err(); err != nil {
		return &Result{Cancelled: true}, nil
	}

	n := len(session.Turns)
	tokensBefore := estimateTokens(session.Turns)
	if n <= c.config.PreserveRecent {
		return &Result{TokensBefore: tokensBefore, TokensAfter: tokensBefore}, nil
	}

	split := n - c.config.PreserveRecent
	old := session.Turns[:split]
	recent := session.Turns[split:]

	if err := ctx.Err(); err != nil {
		return &Result{Cancelled: true}, nil
	}

	progress("summarizing")
	summary, err := c.summarize(ctx, old)
	if err != nil {
		if agent.ClassifyLLMError(err) == agent.LLMErrorCancelled {
			return &Result{Cancelled: true}, nil
		}
		return nil, fmt.Errorf("summarize old turns: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return &Result{Cancelled: true}, nil
	}

	progress("replacing_turns")
	summaryTurn := models.Turn{
		ID: uuid.NewString(),
		Messages: []models.Message{{
			ID:   uuid.NewString(),
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				models.TextBlock(summary),
			},
			Metadata: map[string]any{
				"compaction_summary": true,
				"turns_compacted":    len(old),
			},
			CreatedAt: time.Now(),
		}},
		CreatedAt: time.Now(),
	}

	newTurns := make([]models.Turn, 0, 1+len(recent))
	newTurns = append(newTurns, summaryTurn)
	newTurns = append(newTurns, recent...)
	session.Turns = newTurns

	tokensAfter := estimateTokens(newTurns)
	session.TokenEstimate = tokensAfter

	return &Result{
		TurnsCompacted: len(old),
		TokensBefore:   tokensBefore,
		TokensAfter:    tokensAfter,
		Summary:        summary,
	}, nil
}

// summarize drains a single non-streaming-shaped completion over turns'
// flattened messages, asking the configured model for a narrative summary.
func (c *Compactor) summarize(ctx context.Context, turns []models.Turn) (string, error) {
	if c.provider == nil {
		return "", agent.ErrNoProvider
	}

	var transcript string
	for _, t := range turns {
		for _, m := range t.Messages {
			if text := m.Text(); text != "" {
				transcript += string(m.Role) + ": " + text + "\n\n"
			}
		}
	}

	req := &agent.CompletionRequest{
		Model:  c.config.Model,
		System: c.config.SummaryPrompt,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock(transcript)}},
		},
		MaxTokens: c.config.SummaryMaxTokens,
	}

	chunks, err := c.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var summary string
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Kind == agent.ChunkTextDelta {
			summary += chunk.TextDelta
		}
	}
	return summary, nil
}

// estimateTokens applies the same rough chars/4-plus-overhead heuristic
// used throughout the engine for token accounting: it does not require a
// real tokenizer and errs on the side of overestimating.
func estimateTokens(turns []models.Turn) int {
	total := 0
	for _, t := range turns {
		for _, m := range t.Messages {
			total += len(m.Text()) + 20
		}
	}
	return total / 4
}
