// Package indexer implements Arawn's session indexer (spec §4.D): the
// post-session pipeline that extracts entities, facts, and relationships
// from a closed session's transcript and writes them into the memory
// store and knowledge graph, then produces a session summary.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/arawn/arawn/internal/agent"
	"github.com/arawn/arawn/internal/memory"
	"github.com/arawn/arawn/pkg/models"
)

// canonicalEntityTypes is the vocabulary extracted entity_type strings are
// mapped onto. Anything else falls back to "concept".
var canonicalEntityTypes = map[string]bool{
	"person":       true,
	"tool":         true,
	"language":     true,
	"project":      true,
	"concept":      true,
	"organization": true,
	"file":         true,
	"config":       true,
}

// canonicalRelationshipTypes is the vocabulary extracted relationship
// labels are mapped onto. Anything else falls back to "related_to".
var canonicalRelationshipTypes = map[string]bool{
	"works_at":    true,
	"uses":        true,
	"authored_by": true,
	"depends_on":  true,
	"part_of":     true,
	"related_to":  true,
}

func canonicalEntityType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if canonicalEntityTypes[t] {
		return t
	}
	return "concept"
}

func canonicalRelationshipType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if canonicalRelationshipTypes[t] {
		return t
	}
	return "related_to"
}

// ExtractedEntity is one entity surfaced by an extraction pass, before it
// is mapped onto the canonical vocabulary.
type ExtractedEntity struct {
	Name       string `json:"name"`
	EntityType string `json:"entity_type"`
	Context    string `json:"context,omitempty"`
}

// ExtractedFact is one subject/predicate/object triple surfaced by an
// extraction pass.
type ExtractedFact struct {
	Subject          string `json:"subject"`
	Predicate        string `json:"predicate"`
	Object           string `json:"object"`
	ConfidenceSource string `json:"confidence_source"`
}

// ExtractedRelationship is one labeled edge between two named entities
// surfaced by an extraction pass.
type ExtractedRelationship struct {
	From  string `json:"from"`
	Label string `json:"label"`
	To    string `json:"to"`
}

// NEREngine is the optional named-entity-recognition engine used by the
// hybrid extraction mode. When configured, it runs before the LLM and its
// entities/relationships are trusted directly; the LLM is then only asked
// for facts.
type NEREngine interface {
	Extract(ctx context.Context, text string) ([]ExtractedEntity, []ExtractedRelationship, error)
}

type extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Facts         []ExtractedFact         `json:"facts"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Config tunes the indexer's prompts and limits.
type Config struct {
	Model            string `yaml:"model"`
	MaxSummaryTokens int    `yaml:"max_summary_tokens"`

	LLMOnlyPrompt   string `yaml:"llm_only_prompt"`
	FactsOnlyPrompt string `yaml:"facts_only_prompt"`
	SummaryPrompt   string `yaml:"summary_prompt"`
}

// DefaultConfig returns spec-aligned default prompts and limits.
func DefaultConfig() Config {
	return Config{
		MaxSummaryTokens: 400,
		LLMOnlyPrompt: `Read the conversation below and extract structured knowledge as JSON with exactly
this shape:

{"entities":[{"name":"...","entity_type":"person|tool|language|project|concept|organization|file|config","context":"..."}],
 "facts":[{"subject":"...","predicate":"...","object":"...","confidence_source":"stated|observed|inferred"}],
 "relationships":[{"from":"...","label":"...","to":"..."}]}

Only extract things actually stated or clearly implied. Respond with JSON only, no prose.

Conversation:
`,
		FactsOnlyPrompt: `Given the entities already identified below, read the conversation and extract
facts as JSON with exactly this shape:

{"facts":[{"subject":"...","predicate":"...","object":"...","confidence_source":"stated|observed|inferred"}]}

Respond with JSON only, no prose.

Entities:
`,
		SummaryPrompt: `Write a concise summary of the following research session: what was
investigated, what was found, and anything left unresolved. Plain prose, no
headers.

Conversation:
`,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = defaults.MaxSummaryTokens
	}
	if cfg.LLMOnlyPrompt == "" {
		cfg.LLMOnlyPrompt = defaults.LLMOnlyPrompt
	}
	if cfg.FactsOnlyPrompt == "" {
		cfg.FactsOnlyPrompt = defaults.FactsOnlyPrompt
	}
	if cfg.SummaryPrompt == "" {
		cfg.SummaryPrompt = defaults.SummaryPrompt
	}
	return cfg
}

// Indexer runs the post-session extraction pipeline against a memory
// store and an LLM provider, with an optional NER engine for hybrid-mode
// extraction.
type Indexer struct {
	config   Config
	provider agent.LLMProvider
	ner      NEREngine
	store    *memory.Store
	logger   *slog.Logger
}

// New builds an Indexer. ner may be nil, in which case extraction runs in
// LLM-only mode. A nil logger discards log output.
func New(cfg Config, provider agent.LLMProvider, ner NEREngine, store *memory.Store, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Indexer{config: sanitizeConfig(cfg), provider: provider, ner: ner, store: store, logger: logger}
}

// IndexSession runs the full pipeline against a closed session: extract,
// store entities, store facts, store relationships, summarize. Each
// stage's failure is recorded in the returned report rather than aborting
// later stages.
func (ix *Indexer) IndexSession(ctx context.Context, session *models.Session) (*models.IndexReport, error) {
	report := &models.IndexReport{}
	transcript := flattenSessionText(session)
	if strings.TrimSpace(transcript) == "" {
		return report, nil
	}

	ext, err := ix.extract(ctx, transcript)
	if err != nil {
		report.StageErrors = append(report.StageErrors, fmt.Sprintf("extract: %v", err))
	}

	entityIDs := ix.storeEntities(ctx, ext.Entities, report)
	ix.storeFacts(ctx, session.ID, ext.Facts, report)
	ix.storeRelationships(ctx, ext.Relationships, entityIDs, report)
	ix.summarize(ctx, session.ID, transcript, report)

	return report, nil
}

// extract runs hybrid extraction (NER + facts-only LLM prompt) if a NER
// engine is configured, or a single LLM-only call otherwise.
func (ix *Indexer) extract(ctx context.Context, transcript string) (extraction, error) {
	if ix.ner != nil {
		return ix.extractHybrid(ctx, transcript)
	}
	return ix.extractLLMOnly(ctx, transcript)
}

func (ix *Indexer) extractHybrid(ctx context.Context, transcript string) (extraction, error) {
	entities, relationships, err := ix.ner.Extract(ctx, transcript)
	if err != nil {
		return extraction{}, fmt.Errorf("ner extract: %w", err)
	}

	var entityList strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&entityList, "- %s (%s)\n", e.Name, e.EntityType)
	}

	raw, err := ix.complete(ctx, ix.config.FactsOnlyPrompt+entityList.String()+"\n\nConversation:\n"+transcript)
	if err != nil {
		// Entities/relationships from the NER pass are still usable even
		// if the facts-only LLM call failed outright.
		return extraction{Entities: entities, Relationships: relationships}, fmt.Errorf("facts-only completion: %w", err)
	}

	var facts struct {
		Facts []ExtractedFact `json:"facts"`
	}
	_ = parseTolerantJSON(raw, &facts)

	return extraction{Entities: entities, Facts: facts.Facts, Relationships: relationships}, nil
}

func (ix *Indexer) extractLLMOnly(ctx context.Context, transcript string) (extraction, error) {
	raw, err := ix.complete(ctx, ix.config.LLMOnlyPrompt+transcript)
	if err != nil {
		return extraction{}, fmt.Errorf("extraction completion: %w", err)
	}

	var ext extraction
	// Parsing tolerates surrounding prose and code fences, and a field of the
	// wrong type is skipped while the rest is kept. A response whose JSON
	// object is syntactically broken or unbalanced yields an empty
	// extraction; no partial subset is recovered from it.
	_ = parseTolerantJSON(raw, &ext)
	return ext, nil
}

func (ix *Indexer) storeEntities(ctx context.Context, entities []ExtractedEntity, report *models.IndexReport) map[string]string {
	ids := make(map[string]string, len(entities))
	for _, e := range entities {
		if e.Name == "" {
			continue
		}
		entity, err := ix.store.AddEntity(ctx, e.Name, canonicalEntityType(e.EntityType), e.Context)
		if err != nil {
			report.StageErrors = append(report.StageErrors, fmt.Sprintf("add_entity %q: %v", e.Name, err))
			continue
		}
		ids[e.Name] = entity.ID
		report.EntitiesStored++
	}
	return ids
}

func (ix *Indexer) storeFacts(ctx context.Context, sessionID string, facts []ExtractedFact, report *models.IndexReport) {
	for _, f := range facts {
		if f.Subject == "" || f.Predicate == "" {
			continue
		}
		content := fmt.Sprintf("%s %s %s", f.Subject, f.Predicate, f.Object)
		source := models.ConfidenceSource(f.ConfidenceSource)
		if _, ok := models.BaseConfidence[source]; !ok {
			source = models.SourceInferred
		}
		mem := &models.Memory{
			Content:     content,
			ContentType: models.ContentFact,
			Metadata:    models.MemoryMetadata{Subject: f.Subject, Predicate: f.Predicate},
			Confidence:  models.Confidence{Source: source},
			Citation: &models.Citation{
				Type:      models.CitationSession,
				SessionID: sessionID,
				// origin message not available: the extraction runs over
				// the whole transcript, not a single message.
				MessageIndex: 0,
				Timestamp:    time.Now(),
			},
		}
		if _, err := ix.store.StoreFact(ctx, mem); err != nil {
			report.StageErrors = append(report.StageErrors, fmt.Sprintf("store_fact %q: %v", content, err))
			continue
		}
		report.FactsStored++
	}
}

func (ix *Indexer) storeRelationships(ctx context.Context, relationships []ExtractedRelationship, entityIDs map[string]string, report *models.IndexReport) {
	for _, r := range relationships {
		fromID, fromOK := entityIDs[r.From]
		toID, toOK := entityIDs[r.To]
		if !fromOK || !toOK {
			report.StageErrors = append(report.StageErrors, fmt.Sprintf("add_relationship %s-%s-%s: unresolved entity", r.From, r.Label, r.To))
			continue
		}
		label := canonicalRelationshipType(r.Label)
		if err := ix.store.AddRelationship(ctx, fromID, label, toID); err != nil {
			report.StageErrors = append(report.StageErrors, fmt.Sprintf("add_relationship %s-%s-%s: %v", r.From, label, r.To, err))
			continue
		}
		report.RelationshipsStored++
	}
}

func (ix *Indexer) summarize(ctx context.Context, sessionID, transcript string, report *models.IndexReport) {
	summary, err := ix.complete(ctx, ix.config.SummaryPrompt+transcript)
	if err != nil {
		report.StageErrors = append(report.StageErrors, fmt.Sprintf("summarize: %v", err))
		return
	}
	summary = truncateWords(summary, ix.config.MaxSummaryTokens)

	mem := &models.Memory{
		Content:     summary,
		ContentType: models.ContentSummary,
		Confidence:  models.Confidence{Source: models.SourceSystem},
		Citation: &models.Citation{
			Type:      models.CitationSession,
			SessionID: sessionID,
			Timestamp: time.Now(),
		},
	}
	if _, err := ix.store.Store(ctx, mem); err != nil {
		report.StageErrors = append(report.StageErrors, fmt.Sprintf("store summary: %v", err))
		return
	}
	report.SummaryProduced = true
}

// complete drains a single non-tool completion to its full text.
func (ix *Indexer) complete(ctx context.Context, prompt string) (string, error) {
	if ix.provider == nil {
		return "", agent.ErrNoProvider
	}
	req := &agent.CompletionRequest{
		Model: ix.config.Model,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock(prompt)}},
		},
	}
	chunks, err := ix.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var text string
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Kind == agent.ChunkTextDelta {
			text += chunk.TextDelta
		}
	}
	return text, nil
}

func flattenSessionText(session *models.Session) string {
	var b strings.Builder
	for _, t := range session.Turns {
		for _, m := range t.Messages {
			if text := m.Text(); text != "" {
				b.WriteString(string(m.Role))
				b.WriteString(": ")
				b.WriteString(text)
				b.WriteString("\n\n")
			}
		}
	}
	return b.String()
}

// parseTolerantJSON extracts the first balanced {...} object from raw
// (stripping any ```json fences or surrounding prose) and unmarshals it
// into v. It returns the parse error; the indexer's callers discard it,
// since they treat extraction as best-effort.
func parseTolerantJSON(raw string, v any) error {
	obj := extractJSONObject(raw)
	if obj == "" {
		return fmt.Errorf("no JSON object found in response")
	}
	return json.Unmarshal([]byte(obj), v)
}

// extractJSONObject returns the first balanced top-level {...} substring
// in s, honoring string-quoted braces, or "" if none is found.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// truncateWords caps s to roughly maxTokens words, a rough proxy for
// token count without pulling in a real tokenizer.
func truncateWords(s string, maxTokens int) string {
	words := strings.Fields(s)
	if len(words) <= maxTokens {
		return s
	}
	return strings.Join(words[:maxTokens], " ")
}
