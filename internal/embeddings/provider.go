// Package embeddings turns text into vectors.
//
// Providers: OpenAI and OpenAI-compatible servers through langchaingo, local
// ONNX models through fastembed (cgo builds only), and self-hosted Text
// Embeddings Inference servers over HTTP. Every provider is wrapped with
// OpenTelemetry metrics.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider ids.
const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderSentence         = "sentence-transformers"
	ProviderHuggingFace      = "huggingface"
	ProviderFastEmbed        = "fastembed"
	ProviderTEI              = "tei"
	ProviderAuto             = "auto"
)

// Default models per provider family.
const (
	DefaultOpenAIModel = "text-embedding-ada-002"
	DefaultLocalModel  = "sentence-transformers/all-MiniLM-L6-v2"
)

// Embedder generates embeddings.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a known output size and releasable resources.
type Provider interface {
	Embedder
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Model returns the model name.
	Model() string
	// Close releases resources held by the provider.
	Close() error
}

// Config holds configuration for creating an embedding provider.
type Config struct {
	Provider string
	Model    string
	// BaseURL is the server address for openai-compatible and tei.
	BaseURL string
	APIKey  string
	// CacheDir is the model cache directory for local models.
	CacheDir string
	// RequestsPerSecond throttles remote calls. Zero disables throttling.
	RequestsPerSecond float64

	// Meter records generation metrics. Nil uses the global provider.
	Meter  metric.Meter
	Logger *zap.Logger
}

// NewProvider creates the provider named by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is required for the openai provider", ErrInvalidConfig)
		}
		p, err = newOpenAIProvider(cfg)
	case ProviderOpenAICompatible:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("%w: base URL required for %s", ErrInvalidConfig, cfg.Provider)
		}
		p, err = newOpenAIProvider(cfg)
	case ProviderSentence, ProviderHuggingFace, ProviderFastEmbed, ProviderAuto, "":
		model := cfg.Model
		if model == "" {
			model = DefaultLocalModel
		}
		p, err = NewFastEmbedProvider(FastEmbedConfig{Model: model, CacheDir: cfg.CacheDir})
	case ProviderTEI:
		p, err = NewTEIProvider(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	cfg.Logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", p.Model()),
		zap.Int("dimension", p.Dimension()),
	)
	return Instrument(p, NewMetrics(cfg.Meter, cfg.Logger)), nil
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if the model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := openAIDimensions[model]; ok {
		return dim
	}
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

var openAIDimensions = map[string]int{
	"text-embedding-ada-002": 1536,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
}
