// Package http serves retrieval queries for the indexed repository.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/repocontextd/internal/config"
	"github.com/fyrsmithlabs/repocontextd/internal/embeddings"
	"github.com/fyrsmithlabs/repocontextd/internal/indexer"
	"github.com/fyrsmithlabs/repocontextd/internal/logging"
	"github.com/fyrsmithlabs/repocontextd/internal/report"
	"github.com/fyrsmithlabs/repocontextd/internal/vectorstore"
)

// APIKeyHeader carries the client API key.
const APIKeyHeader = "X-API-Key"

// Index is the view of the indexer the server answers from.
type Index interface {
	Ready() bool
	State() indexer.State
	Repository() string
	Search(ctx context.Context, query string, k int) ([]vectorstore.SearchResult, error)
	Report() report.Report
}

// EmbeddingInfo describes the embedding setup for GET /embedding-info.
type EmbeddingInfo struct {
	Provider         string
	TokenCountMethod string
	Available        map[string]embeddings.ProviderInfo
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// APIKey guards the query routes. Unset disables auth.
	APIKey config.Secret
	// RateLimit is requests per second per client on query routes. Zero
	// disables it.
	RateLimit float64
	Embedding EmbeddingInfo
	// MCP is mounted at /mcp when set.
	MCP http.Handler
	// Meter overrides the global meter, mainly for tests.
	Meter metric.Meter
}

// Server provides HTTP endpoints for repocontextd.
type Server struct {
	echo    *echo.Echo
	index   Index
	logger  *zap.Logger
	config  *Config
	metrics *metrics
}

// NewServer creates a new HTTP server.
func NewServer(index Index, logger *zap.Logger, cfg *Config) (*Server, error) {
	if index == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "0.0.0.0",
			Port: 8000,
		}
	}

	m := newMetrics(cfg.Meter, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(m.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				// Resolve the status before logging.
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		index:   index,
		logger:  logger,
		config:  cfg,
		metrics: m,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleRoot)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/embedding-info", s.handleEmbeddingInfo)
	s.echo.GET("/reports", s.handleReports)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	guarded := []echo.MiddlewareFunc{}
	if s.config.APIKey.IsSet() {
		guarded = append(guarded, s.apiKeyAuth())
	} else {
		s.logger.Warn("API_KEY not configured, authentication disabled")
	}
	if s.config.RateLimit > 0 {
		guarded = append(guarded, s.rateLimit())
	}

	s.echo.POST("/retrieve", s.handleRetrieve, guarded...)

	// API v1 routes
	v1 := s.echo.Group("/api/v1", guarded...)
	v1.POST("/retrieve", s.handleRetrieve)

	if s.config.MCP != nil {
		s.echo.Any("/mcp", echo.WrapHandler(s.config.MCP), guarded...)
	}
}

// apiKeyAuth rejects requests without the configured X-API-Key.
func (s *Server) apiKeyAuth() echo.MiddlewareFunc {
	want := []byte(s.config.APIKey.Value())
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + APIKeyHeader,
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), want) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			s.metrics.recordRejection(c.Request().Context(), rejectUnauthorized)
			var missing *middleware.ErrKeyAuthMissing
			if errors.As(err, &missing) {
				s.logger.Warn("access attempt without API key", zap.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusForbidden, "Missing API key. Provide X-API-Key in header.")
			}
			s.logger.Warn("access attempt with invalid API key", zap.String("path", c.Path()))
			return echo.NewHTTPError(http.StatusForbidden, "Invalid API key")
		},
	})
}

// rateLimit applies a per-client token bucket.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	burst := int(math.Ceil(s.config.RateLimit))
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.config.RateLimit),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			s.metrics.recordRejection(c.Request().Context(), rejectRateLimited)
			s.logger.Warn("rate limit exceeded", zap.String("client", identifier), zap.String("path", c.Path()))
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
