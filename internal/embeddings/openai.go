package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// placeholderToken satisfies the client for servers that take no key.
const placeholderToken = "placeholder"

const defaultHTTPTimeout = 60 * time.Second

// openAIProvider embeds through the OpenAI embeddings API or any server
// exposing the same /embeddings route.
type openAIProvider struct {
	embedder  *embeddings.EmbedderImpl
	model     string
	dimension int
}

func newOpenAIProvider(cfg Config) (*openAIProvider, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	token := cfg.APIKey
	if token == "" {
		token = placeholderToken
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
		openai.WithHTTPClient(newLimitedClient(cfg.RequestsPerSecond)),
	}
	if cfg.BaseURL != "" && cfg.Provider == ProviderOpenAICompatible {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &openAIProvider{
		embedder:  embedder,
		model:     model,
		dimension: detectDimensionFromModel(model),
	}, nil
}

func (p *openAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

func (p *openAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vector, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

func (p *openAIProvider) Dimension() int { return p.dimension }
func (p *openAIProvider) Model() string  { return p.model }
func (p *openAIProvider) Close() error   { return nil }

// limitedClient paces outgoing requests with a token bucket.
type limitedClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

// newLimitedClient returns an HTTP client allowing rps requests per second.
// A non-positive rps disables pacing.
func newLimitedClient(rps float64) *limitedClient {
	limit := rate.Inf
	burst := 0
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &limitedClient{
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (c *limitedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return c.client.Do(req)
}
