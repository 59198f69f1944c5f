package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/repocontextd/internal/config"
	"github.com/fyrsmithlabs/repocontextd/internal/embeddings"
	"github.com/fyrsmithlabs/repocontextd/internal/indexer"
	"github.com/fyrsmithlabs/repocontextd/internal/loader"
	"github.com/fyrsmithlabs/repocontextd/internal/query"
	"github.com/fyrsmithlabs/repocontextd/internal/report"
	"github.com/fyrsmithlabs/repocontextd/internal/vectorstore"
)

type fakeIndex struct {
	ready   atomic.Bool
	state   atomic.Int32
	err     error
	results []vectorstore.SearchResult
	rep     report.Report
	lastK   int
}

func (f *fakeIndex) Ready() bool           { return f.ready.Load() }
func (f *fakeIndex) State() indexer.State  { return indexer.State(f.state.Load()) }
func (f *fakeIndex) Repository() string    { return "widgets" }
func (f *fakeIndex) Report() report.Report { return f.rep }

func (f *fakeIndex) Search(_ context.Context, _ string, k int) ([]vectorstore.SearchResult, error) {
	f.lastK = k
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}

func (f *fakeIndex) setReady() {
	f.state.Store(int32(indexer.StateReady))
	f.ready.Store(true)
}

func readyIndex() *fakeIndex {
	f := &fakeIndex{results: []vectorstore.SearchResult{
		{Source: "auth/login.go", Content: "func Login() {}"},
		{Source: "auth/token.go", Content: "func Token() {}"},
		{Content: "no source"},
	}}
	f.setReady()
	return f
}

func setupTestServer(t *testing.T, idx Index, cfg *Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8000}
	}
	server, err := NewServer(idx, zap.NewNop(), cfg)
	require.NoError(t, err)
	return server
}

func do(s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func message(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Message
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(readyIndex(), zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0", server.config.Host)
		assert.Equal(t, 8000, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(readyIndex(), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when index is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
	})
}

func TestHandleRoot(t *testing.T) {
	idx := &fakeIndex{}
	server := setupTestServer(t, idx, nil)

	rec := do(server, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"Server initializing, please wait..."}`, rec.Body.String())

	idx.setReady()
	rec = do(server, http.MethodGet, "/", "")
	assert.JSONEq(t, `{"status":"MCP server online for repository: widgets"}`, rec.Body.String())
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name   string
		state  indexer.State
		ready  bool
		status string
	}{
		{"initializing", indexer.StateBuilding, false, StatusInitializing},
		{"loading", indexer.StateLoading, false, StatusInitializing},
		{"failed", indexer.StateFailed, false, StatusFailed},
		{"healthy", indexer.StateReady, true, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &fakeIndex{}
			idx.state.Store(int32(tt.state))
			idx.ready.Store(tt.ready)
			server := setupTestServer(t, idx, nil)

			rec := do(server, http.MethodGet, "/health", "")
			assert.Equal(t, http.StatusOK, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.ready, resp.Ready)
			assert.Equal(t, tt.state.String(), resp.State)
			assert.Equal(t, "widgets", resp.Repository)
		})
	}
}

func TestHandleRetrieve(t *testing.T) {
	t.Run("returns fragments in rank order", func(t *testing.T) {
		idx := readyIndex()
		server := setupTestServer(t, idx, nil)

		rec := do(server, http.MethodPost, "/retrieve", `{"query":"  how   does login work ","top_k":3}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp query.Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "how does login work", resp.Query)
		assert.Equal(t, []query.Fragment{
			{Source: "auth/login.go", Content: "func Login() {}"},
			{Source: "auth/token.go", Content: "func Token() {}"},
			{Source: query.UnknownSource, Content: "no source"},
		}, resp.Fragments)
		assert.Equal(t, 3, idx.lastK)
	})

	t.Run("defaults top_k", func(t *testing.T) {
		idx := readyIndex()
		server := setupTestServer(t, idx, nil)

		rec := do(server, http.MethodPost, "/api/v1/retrieve", `{"query":"token refresh"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, query.DefaultTopK, idx.lastK)
	})

	t.Run("not ready", func(t *testing.T) {
		idx := &fakeIndex{}
		server := setupTestServer(t, idx, nil)

		rec := do(server, http.MethodPost, "/retrieve", `{"query":"token refresh"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "Server is still initializing. Please try again in a few seconds.", message(t, rec))
		assert.Zero(t, idx.lastK)
	})

	t.Run("validation failures", func(t *testing.T) {
		server := setupTestServer(t, readyIndex(), nil)
		cases := []struct{ body, want string }{
			{`{"query":"ab"}`, "at least 3"},
			{`{"query":"   "}`, "at least 3"},
			{`{"query":"<script>alert(1)</script>"}`, "unsafe"},
			{`{"query":"javascript:alert(1)"}`, "unsafe"},
			{`{"query":"token refresh","top_k":0}`, "greater than or equal to 1"},
			{`{"query":"token refresh","top_k":51}`, "less than or equal to 50"},
			{`{"query":"` + strings.Repeat("a", 1001) + `"}`, "1000"},
			{`{"query":`, "invalid request body"},
		}
		for _, tc := range cases {
			rec := do(server, http.MethodPost, "/retrieve", tc.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, tc.body)
			assert.Contains(t, message(t, rec), tc.want, tc.body)
		}
	})

	t.Run("backend failure", func(t *testing.T) {
		idx := readyIndex()
		idx.err = errors.New("vectorstore: collection missing")
		server := setupTestServer(t, idx, nil)

		rec := do(server, http.MethodPost, "/retrieve", `{"query":"token refresh"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "error retrieving context: vectorstore: collection missing", message(t, rec))

		// The service stays up.
		rec = do(server, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	mcpCalls := 0
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mcpCalls++
		w.WriteHeader(http.StatusNoContent)
	})
	server := setupTestServer(t, readyIndex(), &Config{
		Host:   "localhost",
		Port:   8000,
		APIKey: config.Secret("s3cret"),
		MCP:    mcpHandler,
	})

	body := `{"query":"token refresh"}`

	rec := do(server, http.MethodPost, "/retrieve", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, message(t, rec), "Missing API key")

	rec = do(server, http.MethodPost, "/retrieve", body, APIKeyHeader, "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid API key", message(t, rec))

	rec = do(server, http.MethodPost, "/retrieve", body, APIKeyHeader, "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(server, http.MethodPost, "/api/v1/retrieve", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(server, http.MethodPost, "/api/v1/retrieve", body, APIKeyHeader, "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(server, http.MethodPost, "/mcp", `{}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, mcpCalls)
	rec = do(server, http.MethodPost, "/mcp", `{}`, APIKeyHeader, "s3cret")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, mcpCalls)

	// Status routes stay open.
	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/", "").Code)
}

func TestAuthDisabledWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	_, err := NewServer(readyIndex(), zap.New(core), &Config{Host: "localhost", Port: 8000})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("API_KEY not configured, authentication disabled").Len())
}

func TestRateLimit(t *testing.T) {
	server := setupTestServer(t, readyIndex(), &Config{Host: "localhost", Port: 8000, RateLimit: 1})

	first := do(server, http.MethodPost, "/retrieve", `{"query":"token refresh"}`)
	assert.Equal(t, http.StatusOK, first.Code)
	second := do(server, http.MethodPost, "/retrieve", `{"query":"token refresh"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// Unguarded routes are not limited.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(server, http.MethodGet, "/health", "").Code)
	}
}

func TestHandleEmbeddingInfo(t *testing.T) {
	idx := readyIndex()
	idx.rep = report.Report{Tokens: report.Tokens{Total: 1234, Method: "tiktoken"}}
	server := setupTestServer(t, idx, &Config{
		Host: "localhost",
		Port: 8000,
		Embedding: EmbeddingInfo{
			Provider:         "sentence-transformers",
			TokenCountMethod: "estimate",
			Available: embeddings.Available(embeddings.Config{
				Provider: "sentence-transformers",
			}),
		},
	})

	rec := do(server, http.MethodGet, "/embedding-info", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EmbeddingInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sentence-transformers", resp.CurrentProvider)
	assert.Equal(t, "tiktoken", resp.TokenCountMethod)
	assert.Equal(t, 1234, resp.TotalTokensProcessed)
	require.Contains(t, resp.AvailableProviders, "openai")
	assert.False(t, resp.AvailableProviders["openai"].Available)
	assert.Contains(t, resp.AvailableProviders, "tei")
}

func TestHandleReports(t *testing.T) {
	idx := readyIndex()
	idx.rep = report.Report{
		Extensions: report.Extensions{
			Processed: []loader.Count{{Bucket: ".go", Files: 3}},
			Documents: 3,
			Chunks:    7,
		},
		Tokens: report.Tokens{Total: 99, Method: "estimate"},
	}
	server := setupTestServer(t, idx, nil)

	rec := do(server, http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp report.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []loader.Count{{Bucket: ".go", Files: 3}}, resp.Extensions.Processed)
	assert.NotNil(t, resp.Extensions.Discarded)
	assert.Equal(t, 7, resp.Extensions.Chunks)
	assert.Equal(t, 99, resp.Tokens.Total)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, readyIndex(), nil)
	rec := do(server, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServerLifecycle(t *testing.T) {
	t.Run("starts and shuts down gracefully", func(t *testing.T) {
		server := setupTestServer(t, readyIndex(), &Config{
			Host: "localhost",
			Port: 0, // Use random available port
		})

		errChan := make(chan error, 1)
		go func() {
			errChan <- server.Start()
		}()

		time.Sleep(100 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, server.Shutdown(ctx))

		select {
		case err := <-errChan:
			assert.True(t, err == nil || errors.Is(err, http.ErrServerClosed))
		case <-time.After(6 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server := setupTestServer(t, readyIndex(), nil)
		rec := do(server, http.MethodGet, "/health", "")
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("logs resolved status", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		server, err := NewServer(&fakeIndex{}, zap.New(core), nil)
		require.NoError(t, err)

		do(server, http.MethodPost, "/retrieve", `{"query":"token refresh"}`)
		entries := logs.FilterMessage("http request").All()
		require.Len(t, entries, 1)
		assert.Equal(t, int64(http.StatusServiceUnavailable), entries[0].ContextMap()["status"])
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server := setupTestServer(t, readyIndex(), nil)
		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
