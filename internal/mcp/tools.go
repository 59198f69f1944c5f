package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/query"
)

const toolRetrieve = "retrieve"

// ErrNotReady is returned while the repository is still being indexed.
var ErrNotReady = errors.New("server is still initializing, please try again in a few seconds")

type retrieveInput struct {
	Query string `json:"query" jsonschema:"Natural language question or code snippet to search the repository for (3 to 1000 characters)"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"Maximum number of fragments to return, 1 to 50 (default: 5)"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        toolRetrieve,
		Description: "Semantic search over the indexed repository. Returns the most relevant source fragments with their file paths.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args retrieveInput) (*mcp.CallToolResult, query.Response, error) {
		var (
			callErr error
			count   int
		)
		done := s.metrics.begin(ctx, toolRetrieve)
		defer func() { done(callErr, count) }()

		if !s.index.Ready() {
			callErr = ErrNotReady
			return nil, query.Response{}, callErr
		}

		r := query.Request{Query: args.Query}
		if args.TopK != 0 {
			r.TopK = &args.TopK
		}
		p, err := r.Validate()
		if err != nil {
			callErr = err
			return nil, query.Response{}, err
		}

		results, err := s.index.Search(ctx, p.Query, p.TopK)
		if err != nil {
			s.logger.Error("retrieve failed", zap.String("repository", s.index.Repository()), zap.Error(err))
			callErr = fmt.Errorf("error retrieving context: %w", err)
			return nil, query.Response{}, callErr
		}

		out := query.NewResponse(p.Query, results)
		count = len(out.Fragments)
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: summarize(s.index.Repository(), out)},
			},
		}, out, nil
	})
}

func summarize(repo string, r query.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d fragments in %s for query: %s", len(r.Fragments), repo, r.Query)
	for _, f := range r.Fragments {
		fmt.Fprintf(&b, "\n\n--- %s ---\n%s", f.Source, f.Content)
	}
	return b.String()
}
