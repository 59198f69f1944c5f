// Package config provides configuration loading for repocontextd.
//
// Configuration is resolved once at startup from three layers: built-in
// defaults, an optional YAML file and environment variables. See Load.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors returned by Validate.
var (
	ErrMissingRepoURL   = errors.New("REPO_URL environment variable is required")
	ErrMissingOpenAIKey = errors.New("OPENAI_API_KEY is required when EMBEDDING_PROVIDER=openai")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// Config holds the complete repocontextd configuration.
type Config struct {
	DataDir     string            `koanf:"data_dir"`
	Repository  RepositoryConfig  `koanf:"repository"`
	Loader      LoaderConfig      `koanf:"loader"`
	Chunker     ChunkerConfig     `koanf:"chunker"`
	Embedding   EmbeddingConfig   `koanf:"embedding"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Index       IndexConfig       `koanf:"index"`
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// RepositoryConfig identifies the single repository served by this instance.
type RepositoryConfig struct {
	URL    string `koanf:"url"`
	Branch string `koanf:"branch"` // "auto" resolves the default branch via the GitHub API
	Token  Secret `koanf:"token"`
}

// LoaderConfig tunes the concurrent file loader.
type LoaderConfig struct {
	Workers int `koanf:"workers"` // 0 selects min(8, NumCPU+4)
}

// ChunkerConfig controls recursive text splitting.
type ChunkerConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider         string `koanf:"provider"`
	Model            string `koanf:"model"`
	BaseURL          string `koanf:"base_url"`
	OpenAIAPIKey     Secret `koanf:"openai_api_key"`
	TokenCountMethod string `koanf:"token_count_method"`
	CacheDir         string `koanf:"cache_dir"`
	// RequestsPerSecond throttles remote embedding calls. Zero disables it.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// VectorStoreConfig selects the index backend.
type VectorStoreConfig struct {
	Provider string       `koanf:"provider"`
	Compress bool         `koanf:"compress"`
	Qdrant   QdrantConfig `koanf:"qdrant"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// IndexConfig controls the indexing run.
type IndexConfig struct {
	ScrubSecrets bool `koanf:"scrub_secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	APIKey          Secret        `koanf:"api_key"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimit       float64       `koanf:"rate_limit"` // requests per second, 0 disables
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

var (
	embeddingProviders = []string{"auto", "openai", "openai-compatible", "sentence-transformers", "huggingface", "fastembed", "tei"}
	storeProviders     = []string{"chromem", "qdrant"}
	tokenMethods       = []string{"tiktoken", "estimate"}
)

// Validate checks the configuration for errors.
//
// A missing repository URL is reported as ErrMissingRepoURL so callers can
// distinguish it from other invalid settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Repository.URL) == "" {
		return ErrMissingRepoURL
	}
	if c.Repository.Branch == "" {
		return fmt.Errorf("%w: repository branch is empty", ErrInvalidConfig)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d (must be 1-65535)", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrInvalidConfig)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit must be >= 0", ErrInvalidConfig)
	}

	if c.Loader.Workers < 0 {
		return fmt.Errorf("%w: loader workers must be >= 0", ErrInvalidConfig)
	}
	if c.Chunker.Size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size {
		return fmt.Errorf("%w: chunk overlap %d must be in [0, %d)", ErrInvalidConfig, c.Chunker.Overlap, c.Chunker.Size)
	}

	if !oneOf(c.Embedding.Provider, embeddingProviders) {
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && !c.Embedding.OpenAIAPIKey.IsSet() {
		return ErrMissingOpenAIKey
	}
	if c.Embedding.Provider == "openai-compatible" && c.Embedding.BaseURL == "" {
		return fmt.Errorf("%w: openai-compatible provider requires EMBEDDING_BASE_URL", ErrInvalidConfig)
	}
	if !oneOf(c.Embedding.TokenCountMethod, tokenMethods) {
		return fmt.Errorf("%w: unknown token count method %q", ErrInvalidConfig, c.Embedding.TokenCountMethod)
	}

	if !oneOf(c.VectorStore.Provider, storeProviders) {
		return fmt.Errorf("%w: unknown vectorstore provider %q", ErrInvalidConfig, c.VectorStore.Provider)
	}
	if c.VectorStore.Provider == "qdrant" && (c.VectorStore.Qdrant.Port < 1 || c.VectorStore.Qdrant.Port > 65535) {
		return fmt.Errorf("%w: qdrant port %d", ErrInvalidConfig, c.VectorStore.Qdrant.Port)
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("%w: service name required when telemetry is enabled", ErrInvalidConfig)
	}

	return nil
}

// EmbeddingProvider returns the effective provider id. "auto" maps to
// sentence-transformers.
func (c *Config) EmbeddingProvider() string {
	if c.Embedding.Provider == "auto" {
		return "sentence-transformers"
	}
	return c.Embedding.Provider
}

// RepoPath is where the repository is cloned.
func (c *Config) RepoPath(repoName string) string {
	return filepath.Join(c.DataDir, "repos", repoName)
}

// IndexPath is where the persisted index for repoName lives. Its existence
// means the index is already built.
func (c *Config) IndexPath(repoName string) string {
	return filepath.Join(c.DataDir, "chroma_db", repoName)
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
