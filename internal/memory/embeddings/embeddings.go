// Package embeddings re-exports the agent package's Embedder contract under
// a domain-scoped name for callers that only need the embedding capability,
// without pulling in the full LLM provider surface. The concrete provider
// (OpenAI, Gemini, Ollama, ...) is an external collaborator reached over
// HTTP; only its shape is core.
package embeddings

import (
	"github.com/arawn/arawn/internal/agent"
)

// Provider is the embedding capability the memory store depends on.
type Provider = agent.Embedder

// Config contains common configuration for embedding providers.
type Config struct {
	Provider string `yaml:"provider"` // openai, gemini, ollama
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`

	// Ollama-specific
	OllamaURL string `yaml:"ollama_url"`

	// Gemini-specific
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
}
