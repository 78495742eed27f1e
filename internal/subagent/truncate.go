package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/arawn/arawn/internal/agent"
	"github.com/arawn/arawn/pkg/models"
)

// finalizeResult bounds a subagent's raw result text to config.MaxResultLength.
// If compaction is enabled it first attempts an LLM summarization of the
// overlong text, falling back to head/tail truncation on any failure or when
// the summary itself exceeds MaxResultLength.
func (s *Spawner) finalizeResult(ctx context.Context, text string) *SubagentResult {
	if len(text) <= s.config.MaxResultLength {
		return &SubagentResult{Text: text}
	}

	if s.config.CompactionEnabled && s.provider != nil {
		if summary, err := s.compactResult(ctx, text); err == nil && len(summary) <= s.config.MaxResultLength {
			return &SubagentResult{Text: summary, Truncated: true, OriginalLen: len(text)}
		}
	}

	truncated, originalLen := truncateHeadTail(text, s.config.MaxResultLength)
	return &SubagentResult{Text: truncated, Truncated: true, OriginalLen: originalLen}
}

func (s *Spawner) compactResult(ctx context.Context, text string) (string, error) {
	req := &agent.CompletionRequest{
		Model: "",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock(
				"Summarize the following subagent result concisely, preserving concrete " +
					"findings, file paths, and conclusions:\n\n" + text,
			)}},
		},
	}

	ch, err := s.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Kind == agent.ChunkTextDelta {
			sb.WriteString(chunk.TextDelta)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("subagent: compaction produced empty summary")
	}
	return sb.String(), nil
}

// truncateContext bounds a parent-supplied context string to limit
// characters at a word boundary, appending a truncation marker.
func truncateContext(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	head := wordBoundaryCut(s[:limit], false)
	return head + "…(truncated)"
}

// truncateHeadTail splits s into a head (~65%) and tail (~35%) slice, each
// cut at a word boundary, joined by a notice naming how many characters
// were dropped from the middle. Returns the truncated string and the
// original length.
func truncateHeadTail(s string, maxLen int) (string, int) {
	originalLen := len(s)
	if originalLen <= maxLen {
		return s, originalLen
	}

	// Reserve room for the omission notice so the joined result stays
	// within maxLen; the omitted count never has more digits than originalLen.
	budget := maxLen - len(fmt.Sprintf("\n[...%d characters omitted...]\n", originalLen))
	if budget < 0 {
		budget = 0
	}
	headBudget := int(float64(budget) * 0.65)
	tailBudget := budget - headBudget

	head := wordBoundaryCut(s[:headBudget], false)
	tailStart := originalLen - tailBudget
	tail := wordBoundaryCut(s[tailStart:], true)

	omitted := originalLen - (len(head) + len(tail))
	notice := fmt.Sprintf("\n[...%d characters omitted...]\n", omitted)
	return head + notice + tail, originalLen
}

// wordBoundaryCut trims s back to the nearest preceding space (fromEnd=false)
// or forward to the nearest following space (fromEnd=true), so truncation
// never splits a word in half. If no boundary is found, s is returned as-is.
func wordBoundaryCut(s string, fromEnd bool) string {
	if fromEnd {
		if idx := strings.IndexByte(s, ' '); idx >= 0 {
			return s[idx+1:]
		}
		return s
	}
	if idx := strings.LastIndexByte(s, ' '); idx >= 0 {
		return s[:idx]
	}
	return s
}
