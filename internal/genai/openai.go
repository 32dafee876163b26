package genai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/Coo/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// embeddingService defines minimal interface for embeddings.
type embeddingService interface {
	Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error)
}

type openAIChat struct {
	svc *openai.ChatCompletionService
}

func (a openAIChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

type openAIEmbeddings struct {
	svc *openai.EmbeddingService
}

func (a openAIEmbeddings) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.CreateEmbeddingResponse{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion and embedding services.
type Client struct {
	chat           chatService
	embeddings     embeddingService
	model          string
	embeddingModel string
	temperature    float64
	maxTokens      int
	debugMode      bool
	stateDir       string
}

// Compile-time checks that Client implements TextGenerator and Embedder.
var (
	_ TextGenerator = (*Client)(nil)
	_ Embedder      = (*Client)(nil)
)

// Opts holds configuration options for the OpenAI client.
type Opts struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int
	DebugMode      bool
	StateDir       string
}

// Option defines a configuration option for the OpenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithEmbeddingModel sets the embedding model.
func WithEmbeddingModel(model string) Option {
	return func(o *Opts) { o.EmbeddingModel = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the default completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes every request and response under <stateDir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory used for debug logs.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// NewClient initializes an OpenAI client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:          DefaultOpenAIModel,
		EmbeddingModel: DefaultOpenAIEmbeddingModel,
		Temperature:    DefaultTemperature,
		MaxTokens:      DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OpenAI API key not set", models.ErrBackendUnconfigured)
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: OpenAI client created", "model", cfg.Model, "embeddingModel", cfg.EmbeddingModel, "debug", cfg.DebugMode)
	return &Client{
		chat:           openAIChat{svc: &cli.Chat.Completions},
		embeddings:     openAIEmbeddings{svc: &cli.Embeddings},
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		debugMode:      cfg.DebugMode,
		stateDir:       cfg.StateDir,
	}, nil
}

// Complete generates a response for the system and user prompts.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(c.temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.chat.Create(ctx, params)
	if c.debugMode {
		writeDebugLog(c.stateDir, "Complete", c.model, params, resp, err)
	}
	if err != nil {
		slog.Error("Client.Complete: chat completion failed", "error", err, "model", c.model)
		return "", models.BackendError("openai chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding of text as float32 values.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(c.embeddingModel),
	}
	resp, err := c.embeddings.Create(ctx, params)
	if c.debugMode {
		writeDebugLog(c.stateDir, "Embed", c.embeddingModel, params, resp, err)
	}
	if err != nil {
		slog.Error("Client.Embed: embedding request failed", "error", err, "model", c.embeddingModel)
		return nil, models.BackendError("openai embedding", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrNoEmbedding
	}
	values := resp.Data[0].Embedding
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v)
	}
	return out, nil
}
