// Package query validates retrieval requests shared by the HTTP and MCP
// surfaces and shapes their responses.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/repocontextd/internal/vectorstore"
)

// Limits on a retrieval request.
const (
	MinQueryLength = 3
	MaxQueryLength = 1000
	DefaultTopK    = 5
	MaxTopK        = 50
)

// UnknownSource is reported for fragments stored without a source.
const UnknownSource = "N/A"

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

var (
	whitespace = regexp.MustCompile(`\s+`)
	unsafe     = []string{"<script", "javascript:", "onerror="}
)

// Request is the body of a retrieval call. A nil TopK selects DefaultTopK.
type Request struct {
	Query string `json:"query"`
	TopK  *int   `json:"top_k,omitempty"`
}

// Params is a validated Request.
type Params struct {
	Query string
	TopK  int
}

// Fragment is one retrieved chunk.
type Fragment struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Response is the body returned for a retrieval call.
type Response struct {
	Query     string     `json:"query"`
	Fragments []Fragment `json:"fragments"`
}

// Validate normalizes whitespace in the query and checks the limits.
func (r Request) Validate() (Params, error) {
	q := whitespace.ReplaceAllString(strings.TrimSpace(r.Query), " ")
	n := len([]rune(q))
	switch {
	case n < MinQueryLength:
		return Params{}, fmt.Errorf("%w: query must be at least %d characters", ErrInvalidRequest, MinQueryLength)
	case n > MaxQueryLength:
		return Params{}, fmt.Errorf("%w: query must be at most %d characters", ErrInvalidRequest, MaxQueryLength)
	}
	lower := strings.ToLower(q)
	for _, p := range unsafe {
		if strings.Contains(lower, p) {
			return Params{}, fmt.Errorf("%w: query contains potentially unsafe content", ErrInvalidRequest)
		}
	}

	k := DefaultTopK
	if r.TopK != nil {
		k = *r.TopK
	}
	switch {
	case k < 1:
		return Params{}, fmt.Errorf("%w: top_k must be greater than or equal to 1", ErrInvalidRequest)
	case k > MaxTopK:
		return Params{}, fmt.Errorf("%w: top_k must be less than or equal to %d", ErrInvalidRequest, MaxTopK)
	}
	return Params{Query: q, TopK: k}, nil
}

// NewResponse maps search results onto fragments in rank order.
func NewResponse(q string, results []vectorstore.SearchResult) Response {
	frags := make([]Fragment, 0, len(results))
	for _, r := range results {
		src := r.Source
		if src == "" {
			src = UnknownSource
		}
		frags = append(frags, Fragment{Source: src, Content: r.Content})
	}
	return Response{Query: q, Fragments: frags}
}
