package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/repocontextd/internal/query"
	"github.com/fyrsmithlabs/repocontextd/internal/vectorstore"
)

type fakeIndex struct {
	ready   atomic.Bool
	err     error
	results []vectorstore.SearchResult
	lastK   int
	lastQ   string
}

func (f *fakeIndex) Ready() bool        { return f.ready.Load() }
func (f *fakeIndex) Repository() string { return "widgets" }

func (f *fakeIndex) Search(_ context.Context, q string, k int) ([]vectorstore.SearchResult, error) {
	f.lastQ, f.lastK = q, k
	if f.err != nil {
		return nil, f.err
	}
	if k < len(f.results) {
		return f.results[:k], nil
	}
	return f.results, nil
}

func newReadyIndex() *fakeIndex {
	f := &fakeIndex{results: []vectorstore.SearchResult{
		{Source: "auth/login.go", Content: "func Login() {}", Score: 0.9},
		{Source: "auth/token.go", Content: "func Token() {}", Score: 0.7},
	}}
	f.ready.Store(true)
	return f
}

func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcp.NewInMemoryTransports()
	ss, err := s.mcp.Connect(ctx, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func decode(t *testing.T, res *mcp.CallToolResult) query.Response {
	t.Helper()
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out query.Response
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func errorText(res *mcp.CallToolResult) string {
	if len(res.Content) == 0 {
		return ""
	}
	if tc, ok := res.Content[0].(*mcp.TextContent); ok {
		return tc.Text
	}
	return ""
}

func TestNewServer_RequiresRetriever(t *testing.T) {
	_, err := NewServer(nil, nil)
	require.Error(t, err)
}

func TestServer_ListTools(t *testing.T) {
	s, err := NewServer(nil, newReadyIndex())
	require.NoError(t, err)
	cs := connect(t, s)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "retrieve", res.Tools[0].Name)
}

func TestRetrieveTool(t *testing.T) {
	idx := newReadyIndex()
	s, err := NewServer(nil, idx)
	require.NoError(t, err)
	cs := connect(t, s)
	ctx := context.Background()

	t.Run("returns fragments", func(t *testing.T) {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{
			Name:      "retrieve",
			Arguments: map[string]any{"query": "  how   does login work ", "top_k": 1},
		})
		require.NoError(t, err)
		require.False(t, res.IsError, errorText(res))

		out := decode(t, res)
		assert.Equal(t, "how does login work", out.Query)
		assert.Equal(t, []query.Fragment{{Source: "auth/login.go", Content: "func Login() {}"}}, out.Fragments)
		assert.Equal(t, 1, idx.lastK)
		assert.Contains(t, errorText(res), "--- auth/login.go ---")
	})

	t.Run("default top_k", func(t *testing.T) {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{
			Name:      "retrieve",
			Arguments: map[string]any{"query": "token handling"},
		})
		require.NoError(t, err)
		require.False(t, res.IsError)
		assert.Equal(t, query.DefaultTopK, idx.lastK)
		assert.Len(t, decode(t, res).Fragments, 2)
	})

	t.Run("invalid query", func(t *testing.T) {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{
			Name:      "retrieve",
			Arguments: map[string]any{"query": "javascript:alert(1)"},
		})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, errorText(res), "unsafe")
	})

	t.Run("top_k out of range", func(t *testing.T) {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{
			Name:      "retrieve",
			Arguments: map[string]any{"query": "token handling", "top_k": 51},
		})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestRetrieveTool_NotReady(t *testing.T) {
	idx := &fakeIndex{}
	s, err := NewServer(nil, idx)
	require.NoError(t, err)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "retrieve",
		Arguments: map[string]any{"query": "anything at all"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, errorText(res), "initializing")
	assert.Empty(t, idx.lastQ, "search must not run before readiness")
}

func TestRetrieveTool_SearchError(t *testing.T) {
	idx := newReadyIndex()
	idx.err = errors.New("vectorstore: connection refused")
	s, err := NewServer(nil, idx)
	require.NoError(t, err)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "retrieve",
		Arguments: map[string]any{"query": "login flow"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, errorText(res), "error retrieving context")
}

func TestServer_Handler(t *testing.T) {
	s, err := NewServer(&Config{Name: "repocontextd-test"}, newReadyIndex())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx := context.Background()
	client := mcp.NewClient(&mcp.Implementation{Name: "http-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: srv.URL, MaxRetries: -1}, nil)
	require.NoError(t, err)
	defer cs.Close()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "retrieve",
		Arguments: map[string]any{"query": "login flow", "top_k": 2},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, errorText(res))
	assert.Len(t, decode(t, res).Fragments, 2)
}
