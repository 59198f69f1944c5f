package config

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

//go:embed defaults.yaml
var defaultsYAML []byte

// envKeys maps the supported environment variables to koanf paths.
// Variables not listed here are ignored.
var envKeys = map[string]string{
	"DATA_DIR":                      "data_dir",
	"REPO_URL":                      "repository.url",
	"REPO_BRANCH":                   "repository.branch",
	"GITHUB_TOKEN":                  "repository.token",
	"LOADER_WORKERS":                "loader.workers",
	"CHUNK_SIZE":                    "chunker.size",
	"CHUNK_OVERLAP":                 "chunker.overlap",
	"EMBEDDING_PROVIDER":            "embedding.provider",
	"EMBEDDING_MODEL":               "embedding.model",
	"EMBEDDING_BASE_URL":            "embedding.base_url",
	"EMBEDDING_CACHE_DIR":           "embedding.cache_dir",
	"OPENAI_API_KEY":                "embedding.openai_api_key",
	"TOKEN_COUNT_METHOD":            "embedding.token_count_method",
	"EMBEDDING_REQUESTS_PER_SECOND": "embedding.requests_per_second",
	"VECTORSTORE_PROVIDER":          "vectorstore.provider",
	"VECTORSTORE_COMPRESS":          "vectorstore.compress",
	"QDRANT_HOST":                   "vectorstore.qdrant.host",
	"QDRANT_PORT":                   "vectorstore.qdrant.port",
	"QDRANT_USE_TLS":                "vectorstore.qdrant.use_tls",
	"QDRANT_API_KEY":                "vectorstore.qdrant.api_key",
	"INDEX_SCRUB_SECRETS":           "index.scrub_secrets",
	"API_KEY":                       "server.api_key",
	"SERVER_HOST":                   "server.host",
	"SERVER_PORT":                   "server.port",
	"SERVER_SHUTDOWN_TIMEOUT":       "server.shutdown_timeout",
	"HTTP_RATE_LIMIT":               "server.rate_limit",
	"LOG_LEVEL":                     "logging.level",
	"LOG_FORMAT":                    "logging.format",
	"OTEL_ENABLE":                   "telemetry.enabled",
	"OTEL_EXPORTER_OTLP_ENDPOINT":   "telemetry.endpoint",
	"OTEL_EXPORTER_OTLP_PROTOCOL":   "telemetry.protocol",
	"OTEL_EXPORTER_OTLP_INSECURE":   "telemetry.insecure",
	"OTEL_SERVICE_NAME":             "telemetry.service_name",
	"OTEL_TRACES_SAMPLE_RATE":       "telemetry.sample_rate",
}

// Load resolves configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables (REPO_URL, EMBEDDING_PROVIDER, ...)
//  2. YAML config file at configPath, when non-empty
//  3. Built-in defaults
//
// The config file must have 0600 or 0400 permissions and be at most 1MB.
// The returned config has been validated.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// readConfigFile opens path once and validates it through the open
// descriptor so the checked file is the file that is read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
