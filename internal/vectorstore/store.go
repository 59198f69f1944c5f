// Package vectorstore persists embedded chunks for a repository and answers
// similarity queries against them.
//
// Two backends are provided:
//   - ChromemStore: embedded chromem-go database persisted under the data
//     directory (default)
//   - QdrantStore: external Qdrant server over gRPC
//
// A Store holds exactly one collection, named after the indexed repository.
package vectorstore

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/repocontextd/internal/chunker"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when the store has not been opened
	// or its collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates an empty batch.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")
)

// Metadata keys written alongside every stored chunk.
const (
	MetaSource  = "source"
	MetaContent = "content"
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SearchResult is one hit from a similarity search.
type SearchResult struct {
	ID       string
	Source   string
	Content  string
	Score    float32
	Metadata map[string]string
}

// Store is a per-repository vector index.
//
// Exists reports whether a previous run left a persisted index behind. Open
// must be called before AddChunks or Search. AddChunks is safe for concurrent
// use and satisfies submitter.Sink. Drop discards everything persisted for
// the repository so the next Exists reports false.
type Store interface {
	Exists(ctx context.Context) (bool, error)
	Open(ctx context.Context) error
	AddChunks(ctx context.Context, chunks []chunker.Chunk) error
	Search(ctx context.Context, query string, k int) ([]SearchResult, error)
	Count(ctx context.Context) int
	Drop(ctx context.Context) error
	Close() error
}

var collectionInvalid = regexp.MustCompile(`[^a-z0-9_]+`)

// CollectionName maps a repository name onto a collection name accepted by
// every backend: lowercase letters, digits and underscores, at most 64 bytes.
func CollectionName(repo string) string {
	name := collectionInvalid.ReplaceAllString(strings.ToLower(repo), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "default_repo"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// chunkMetadata flattens a chunk into the metadata stored with it.
func chunkMetadata(c chunker.Chunk) map[string]string {
	md := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		md[k] = v
	}
	md[MetaSource] = c.Source
	return md
}

func contents(chunks []chunker.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	return texts
}
