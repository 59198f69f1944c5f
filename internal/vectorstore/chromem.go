package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/chunker"
)

const backendChromem = "chromem"

var chromemTracer = otel.Tracer("repocontextd.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the persistence directory, normally <data_dir>/chroma_db/<repo>.
	Path string

	// Compress enables gzip compression of persisted documents.
	Compress bool

	// Collection is the collection name. Defaults to CollectionName of the
	// last path element.
	Collection string
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: chromem path is required", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store with chromem-go persisted to gob files.
type ChromemStore struct {
	config   ChromemConfig
	embedder Embedder
	logger   *zap.Logger

	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemStore creates a ChromemStore. Nothing touches disk until Open.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Collection == "" {
		config.Collection = CollectionName(filepath.Base(config.Path))
	}
	return &ChromemStore{config: config, embedder: embedder, logger: logger}, nil
}

// Exists reports whether the persistence directory holds a previous index.
func (s *ChromemStore) Exists(_ context.Context) (bool, error) {
	entries, err := os.ReadDir(s.config.Path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", s.config.Path, err)
	}
	return len(entries) > 0, nil
}

// Open loads or creates the persistent database and its collection.
func (s *ChromemStore) Open(ctx context.Context) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.Open")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.config.Collection))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collection != nil {
		return nil
	}

	if err := os.MkdirAll(s.config.Path, 0o755); err != nil {
		span.RecordError(err)
		return fmt.Errorf("creating directory %s: %w", s.config.Path, err)
	}
	db, err := chromem.NewPersistentDB(s.config.Path, s.config.Compress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("opening chromem DB: %w", err)
	}
	// The embedding func must be passed explicitly; chromem falls back to
	// OpenAI for persisted collections when it is nil.
	collection, err := db.GetOrCreateCollection(s.config.Collection, nil, s.embedQuery)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("opening collection %s: %w", s.config.Collection, err)
	}
	s.db = db
	s.collection = collection
	DocumentsStored.WithLabelValues(backendChromem).Set(float64(collection.Count()))

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("chromem store opened",
		zap.String("path", s.config.Path),
		zap.String("collection", s.config.Collection),
		zap.Bool("compress", s.config.Compress),
		zap.Int("documents", collection.Count()),
	)
	return nil
}

func (s *ChromemStore) embedQuery(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.EmbedQuery(ctx, text)
}

func (s *ChromemStore) current() (*chromem.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.collection == nil {
		return nil, ErrCollectionNotFound
	}
	return s.collection, nil
}

// AddChunks embeds chunks in one request and stores them under fresh ids.
func (s *ChromemStore) AddChunks(ctx context.Context, chunks []chunker.Chunk) (err error) {
	defer observe(backendChromem, "add", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.AddChunks")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(chunks)))

	if len(chunks) == 0 {
		return ErrEmptyDocuments
	}
	collection, err := s.current()
	if err != nil {
		return err
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, contents(chunks))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("%w: got %d vectors for %d chunks", ErrEmbeddingFailed, len(vectors), len(chunks))
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:        uuid.NewString(),
			Content:   c.Content,
			Metadata:  chunkMetadata(c),
			Embedding: vectors[i],
		}
	}
	// Embeddings are precomputed, so one goroutine is enough.
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}
	DocumentsStored.WithLabelValues(backendChromem).Set(float64(collection.Count()))

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("added documents to chromem",
		zap.String("collection", s.config.Collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Search returns up to k chunks most similar to query, best first.
func (s *ChromemStore) Search(ctx context.Context, query string, k int) (_ []SearchResult, err error) {
	defer observe(backendChromem, "search", time.Now(), &err)
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	collection, err := s.current()
	if err != nil {
		span.SetStatus(codes.Error, "collection not found")
		return nil, err
	}

	// chromem requires nResults <= document count.
	count := collection.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if k > count {
		k = count
	}

	results, err := collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", s.config.Collection, err)
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			ID:       r.ID,
			Source:   r.Metadata[MetaSource],
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Count returns the number of stored chunks, 0 before Open.
func (s *ChromemStore) Count(_ context.Context) int {
	collection, err := s.current()
	if err != nil {
		return 0
	}
	return collection.Count()
}

// Drop closes the database and removes its persistence directory.
func (s *ChromemStore) Drop(ctx context.Context) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.Drop")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = nil
	s.collection = nil
	if err := os.RemoveAll(s.config.Path); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("removing %s: %w", s.config.Path, err)
	}
	DocumentsStored.WithLabelValues(backendChromem).Set(0)
	s.logger.Info("chromem store dropped", zap.String("path", s.config.Path))
	return nil
}

// Close releases the in-memory database. Documents are already on disk.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = nil
	s.collection = nil
	return nil
}
