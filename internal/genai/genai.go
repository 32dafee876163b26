// Package genai provides text generation and embedding backends.
//
// OpenAI (github.com/openai/openai-go) and Gemini (google.golang.org/genai)
// clients implement TextGenerator and Embedder; HashEmbedder is a deterministic
// offline Embedder for tests and local runs.
package genai

import (
	"context"
	"errors"
)

// Default generation settings.
const (
	DefaultOpenAIModel          = "gpt-4o-mini"
	DefaultOpenAIEmbeddingModel = "text-embedding-3-small"
	DefaultGeminiModel          = "gemini-2.5-flash"
	DefaultGeminiEmbeddingModel = "gemini-embedding-001"
	DefaultTemperature          = 0.7
	DefaultMaxTokens            = 150
)

var (
	// ErrNoChoicesReturned is returned when a backend answers without any text.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrNoEmbedding is returned when a backend answers without an embedding vector.
	ErrNoEmbedding = errors.New("no embedding returned")
)

// TextGenerator produces a completion for a system and user prompt.
// maxTokens <= 0 uses the backend's configured default.
type TextGenerator interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
