package mcp

import (
	"context"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/vectorstore"
)

// Retriever is the part of the indexer the tools need.
type Retriever interface {
	Ready() bool
	Repository() string
	Search(ctx context.Context, query string, k int) ([]vectorstore.SearchResult, error)
}

// Server is the MCP server for one repository.
type Server struct {
	mcp     *mcp.Server
	index   Retriever
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "repocontextd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Meter overrides the global meter
	Meter metric.Meter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "repocontextd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server answering from index.
func NewServer(cfg *Config, index Retriever) (*Server, error) {
	if index == nil {
		return nil, errors.New("retriever is required")
	}
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		index:   index,
		metrics: NewMetrics(cfg.Meter, cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Handler serves the streamable HTTP transport. Every request shares this
// server.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}
