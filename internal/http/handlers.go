package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/embeddings"
	"github.com/fyrsmithlabs/repocontextd/internal/indexer"
	"github.com/fyrsmithlabs/repocontextd/internal/loader"
	"github.com/fyrsmithlabs/repocontextd/internal/query"
)

// Health statuses.
const (
	StatusHealthy      = "healthy"
	StatusInitializing = "initializing"
	StatusFailed       = "failed"
)

const notReadyMessage = "Server is still initializing. Please try again in a few seconds."

// StatusResponse is the response body for GET /.
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Ready      bool   `json:"ready"`
	State      string `json:"state"`
	Repository string `json:"repository"`
}

// EmbeddingInfoResponse is the response body for GET /embedding-info.
type EmbeddingInfoResponse struct {
	CurrentProvider      string                             `json:"current_provider"`
	TokenCountMethod     string                             `json:"token_count_method"`
	AvailableProviders   map[string]embeddings.ProviderInfo `json:"available_providers"`
	TotalTokensProcessed int                                `json:"total_tokens_processed"`
}

func (s *Server) handleRoot(c echo.Context) error {
	if !s.index.Ready() {
		return c.JSON(http.StatusOK, StatusResponse{Status: "Server initializing, please wait..."})
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status: "MCP server online for repository: " + s.index.Repository(),
	})
}

// handleHealth always answers 200; readiness is in the body.
func (s *Server) handleHealth(c echo.Context) error {
	state := s.index.State()
	status := StatusInitializing
	switch {
	case s.index.Ready():
		status = StatusHealthy
	case state == indexer.StateFailed:
		status = StatusFailed
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:     status,
		Ready:      s.index.Ready(),
		State:      state.String(),
		Repository: s.index.Repository(),
	})
}

func (s *Server) handleEmbeddingInfo(c echo.Context) error {
	info := s.config.Embedding
	available := info.Available
	if available == nil {
		available = map[string]embeddings.ProviderInfo{}
	}

	tokens := s.index.Report().Tokens
	method := info.TokenCountMethod
	if tokens.Method != "" {
		method = tokens.Method
	}
	return c.JSON(http.StatusOK, EmbeddingInfoResponse{
		CurrentProvider:      info.Provider,
		TokenCountMethod:     method,
		AvailableProviders:   available,
		TotalTokensProcessed: tokens.Total,
	})
}

func (s *Server) handleReports(c echo.Context) error {
	r := s.index.Report()
	if r.Extensions.Processed == nil {
		r.Extensions.Processed = []loader.Count{}
	}
	if r.Extensions.Discarded == nil {
		r.Extensions.Discarded = []loader.Count{}
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleRetrieve(c echo.Context) error {
	ctx := c.Request().Context()
	if !s.index.Ready() {
		s.metrics.recordRejection(ctx, rejectNotReady)
		return echo.NewHTTPError(http.StatusServiceUnavailable, notReadyMessage)
	}

	var req query.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid retrieve request", zap.Error(err))
		s.metrics.recordRejection(ctx, rejectInvalid)
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid request body")
	}
	p, err := req.Validate()
	if err != nil {
		s.metrics.recordRejection(ctx, rejectInvalid)
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	s.logger.Debug("retrieve request", zap.String("query", p.Query), zap.Int("top_k", p.TopK))

	results, err := s.index.Search(ctx, p.Query, p.TopK)
	if err != nil {
		if errors.Is(err, indexer.ErrNotReady) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, notReadyMessage)
		}
		s.logger.Error("retrieve failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "error retrieving context: "+err.Error())
	}
	resp := query.NewResponse(p.Query, results)
	s.metrics.recordFragments(ctx, len(resp.Fragments))
	return c.JSON(http.StatusOK, resp)
}
