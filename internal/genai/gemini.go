package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/m-mizutani/goerr/v2"
	googlegenai "google.golang.org/genai"
)

// geminiModels is the subset of the Gemini models service used here.
type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*googlegenai.Content, config *googlegenai.GenerateContentConfig) (*googlegenai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*googlegenai.Content, config *googlegenai.EmbedContentConfig) (*googlegenai.EmbedContentResponse, error)
}

// GeminiClient generates text and embeddings with the Gemini API.
type GeminiClient struct {
	models          geminiModels
	generativeModel string
	embeddingModel  string
	temperature     float32
	maxTokens       int
	debugMode       bool
	stateDir        string
}

var (
	_ TextGenerator = (*GeminiClient)(nil)
	_ Embedder      = (*GeminiClient)(nil)
)

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithGeminiEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

func WithGeminiTemperature(t float64) GeminiOption {
	return func(g *GeminiClient) {
		g.temperature = float32(t)
	}
}

func WithGeminiDebug(enabled bool, stateDir string) GeminiOption {
	return func(g *GeminiClient) {
		g.debugMode = enabled
		g.stateDir = stateDir
	}
}

// NewGemini creates a Gemini API client authenticated with apiKey.
func NewGemini(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: Gemini API key not set", models.ErrBackendUnconfigured)
	}
	client, err := googlegenai.NewClient(ctx, &googlegenai.ClientConfig{
		APIKey:  apiKey,
		Backend: googlegenai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		models:          client.Models,
		generativeModel: DefaultGeminiModel,
		embeddingModel:  DefaultGeminiEmbeddingModel,
		temperature:     DefaultTemperature,
		maxTokens:       DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(g)
	}
	slog.Debug("genai.NewGemini: Gemini client created", "model", g.generativeModel, "embeddingModel", g.embeddingModel)
	return g, nil
}

func (g *GeminiClient) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}
	config := &googlegenai.GenerateContentConfig{
		SystemInstruction: googlegenai.NewContentFromText(systemPrompt, ""),
		Temperature:       googlegenai.Ptr(g.temperature),
		MaxOutputTokens:   int32(maxTokens),
	}
	resp, err := g.models.GenerateContent(ctx, g.generativeModel, googlegenai.Text(userPrompt), config)
	if g.debugMode {
		writeDebugLog(g.stateDir, "GeminiComplete", g.generativeModel, map[string]interface{}{
			"system": systemPrompt,
			"user":   userPrompt,
			"config": config,
		}, resp, err)
	}
	if err != nil {
		slog.Error("GeminiClient.Complete: generate content failed", "error", err, "model", g.generativeModel)
		return "", models.BackendError("gemini generate content", goerr.Wrap(err, "failed to generate content"))
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrNoChoicesReturned
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", ErrNoChoicesReturned
	}
	return sb.String(), nil
}

func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.models.EmbedContent(ctx, g.embeddingModel, googlegenai.Text(text), &googlegenai.EmbedContentConfig{})
	if err != nil {
		slog.Error("GeminiClient.Embed: embed content failed", "error", err, "model", g.embeddingModel)
		return nil, models.BackendError("gemini embed content", goerr.Wrap(err, "failed to embed content"))
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, ErrNoEmbedding
	}
	return resp.Embeddings[0].Values, nil
}
