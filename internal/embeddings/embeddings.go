// Package embeddings provides embedding drivers for semantic knowledge
// search. Ships OpenAI (text-embedding-3-small/large) and Ollama
// (nomic-embed-text and friends); the driver choice comes from environment
// configuration.
package embeddings

import (
	"context"
	"fmt"
	"os"

	"github.com/parley-ai/parley/internal/knowledge"
)

// Driver turns text into embedding vectors.
type Driver interface {
	Kind() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	HealthCheck(ctx context.Context) error
}

// FromEnv builds a driver from PARLEY_EMBEDDING_PROVIDER ("ollama" or
// "openai") and PARLEY_EMBEDDING_MODEL. Returns nil when no provider is
// configured; knowledge search then falls back to keyword scoring.
func FromEnv() (Driver, error) {
	provider := os.Getenv("PARLEY_EMBEDDING_PROVIDER")
	model := os.Getenv("PARLEY_EMBEDDING_MODEL")

	switch provider {
	case "":
		return nil, nil
	case "ollama":
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaDriver(os.Getenv("OLLAMA_HOST"), model), nil
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("embeddings: OPENAI_API_KEY required for openai provider")
		}
		if model == "" {
			model = "text-embedding-3-small"
		}
		return NewOpenAIDriver(apiKey, model), nil
	default:
		return nil, fmt.Errorf("embeddings: unknown provider %q", provider)
	}
}

// QueryFunc adapts a driver to the single-query shape the knowledge
// searcher expects.
func QueryFunc(d Driver) knowledge.EmbedFunc {
	return func(ctx context.Context, text string) ([]float64, error) {
		vectors, err := d.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("embeddings: expected 1 vector, got %d", len(vectors))
		}
		return vectors[0], nil
	}
}
