package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/repocontextd/internal/chunker"
	"github.com/fyrsmithlabs/repocontextd/internal/retry"
)

const backendQdrant = "qdrant"

var qdrantTracer = otel.Tracer("repocontextd.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost"
	Host string

	// Port is the gRPC port, not the REST port. Default: 6334
	Port int

	APIKey string
	UseTLS bool

	// Collection is the collection name, normally CollectionName(repo).
	Collection string

	// VectorSize must match the embedder's output dimension.
	VectorSize uint64

	// Distance is the similarity metric. Default: Cosine
	Distance qdrant.Distance

	// MaxRetries bounds retries of transient gRPC failures. Default: 3
	MaxRetries int

	// RetryBackoff is the first retry delay, doubled each time. Default: 1s
	RetryBackoff time.Duration

	// MaxMessageSize caps gRPC messages in bytes. Default: 50MB
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Distance == qdrant.Distance_UnknownDistance {
		c.Distance = qdrant.Distance_Cosine
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Collection == "" {
		return fmt.Errorf("%w: collection name is required", ErrInvalidConfig)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC failure is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// qdrantClient is the subset of *qdrant.Client used by QdrantStore.
type qdrantClient interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, collectionName string) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Close() error
}

// QdrantStore implements Store on Qdrant's native gRPC client.
type QdrantStore struct {
	client   qdrantClient
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger
	policy   retry.Policy
}

// NewQdrantStore dials Qdrant and checks that it answers.
func NewQdrantStore(config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store, err := newQdrantStore(client, config, embedder, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}
	return store, nil
}

func newQdrantStore(client qdrantClient, config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	s := &QdrantStore{
		client:   client,
		embedder: embedder,
		config:   config,
		logger:   logger,
		policy: retry.Policy{
			MaxAttempts: config.MaxRetries + 1,
			MinDelay:    config.RetryBackoff,
			Multiplier:  2,
			Retryable:   IsTransientError,
		},
	}
	s.policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("qdrant operation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	return s, nil
}

func (s *QdrantStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.policy, fn)
}

// Exists reports whether the repository's collection is present.
func (s *QdrantStore) Exists(ctx context.Context) (bool, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Exists")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.config.Collection))

	var exists bool
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		exists, err = s.client.CollectionExists(ctx, s.config.Collection)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	return exists, nil
}

// Open creates the collection when it is missing.
func (s *QdrantStore) Open(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Open")
	defer span.End()

	exists, err := s.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		err = s.do(ctx, func(ctx context.Context) error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: s.config.Collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     s.config.VectorSize,
					Distance: s.config.Distance,
				}),
			})
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
		}
	}

	count := s.Count(ctx)
	DocumentsStored.WithLabelValues(backendQdrant).Set(float64(count))
	span.SetStatus(codes.Ok, "success")
	s.logger.Info("qdrant store opened",
		zap.String("host", s.config.Host),
		zap.String("collection", s.config.Collection),
		zap.Bool("created", !exists),
		zap.Int("documents", count),
	)
	return nil
}

// AddChunks embeds chunks and upserts them as points with UUID ids.
func (s *QdrantStore) AddChunks(ctx context.Context, chunks []chunker.Chunk) (err error) {
	defer observe(backendQdrant, "add", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.AddChunks")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(chunks)))

	if len(chunks) == 0 {
		return ErrEmptyDocuments
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

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = pointFromChunk(c, vectors[i])
	}

	err = s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", s.config.Collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Search returns up to k chunks most similar to query, best first.
func (s *QdrantStore) Search(ctx context.Context, query string, k int) (_ []SearchResult, err error) {
	defer observe(backendQdrant, "search", time.Now(), &err)
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var points []*qdrant.ScoredPoint
	err = s.do(ctx, func(ctx context.Context) error {
		var err error
		points, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", s.config.Collection, err)
	}

	out := make([]SearchResult, len(points))
	for i, p := range points {
		out[i] = resultFromPoint(p)
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Count returns the exact number of points, 0 when it cannot be read.
func (s *QdrantStore) Count(ctx context.Context) int {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.config.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		s.logger.Debug("qdrant count failed", zap.Error(err))
		return 0
	}
	return int(n)
}

// Drop deletes the repository's collection.
func (s *QdrantStore) Drop(ctx context.Context) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Drop")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.config.Collection))

	err := s.do(ctx, func(ctx context.Context) error {
		return s.client.DeleteCollection(ctx, s.config.Collection)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", s.config.Collection, err)
	}
	DocumentsStored.WithLabelValues(backendQdrant).Set(0)
	s.logger.Info("qdrant collection dropped", zap.String("collection", s.config.Collection))
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func pointFromChunk(c chunker.Chunk, vector []float32) *qdrant.PointStruct {
	payload := make(map[string]any, len(c.Metadata)+2)
	for k, v := range c.Metadata {
		payload[k] = v
	}
	payload[MetaSource] = c.Source
	payload[MetaContent] = c.Content
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(uuid.NewString()),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qdrant.NewValueMap(payload),
	}
}

func resultFromPoint(p *qdrant.ScoredPoint) SearchResult {
	r := SearchResult{
		Score:    p.GetScore(),
		ID:       p.GetId().GetUuid(),
		Metadata: make(map[string]string, len(p.GetPayload())),
	}
	for k, v := range p.GetPayload() {
		sv, ok := v.GetKind().(*qdrant.Value_StringValue)
		if !ok {
			continue
		}
		switch k {
		case MetaContent:
			r.Content = sv.StringValue
		case MetaSource:
			r.Source = sv.StringValue
			r.Metadata[k] = sv.StringValue
		default:
			r.Metadata[k] = sv.StringValue
		}
	}
	return r
}
