package vectorstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/repocontextd/internal/chunker"
	"github.com/fyrsmithlabs/repocontextd/internal/config"
)

// letterEmbedder embeds text as its a-z letter histogram.
type letterEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func embedLetters(text string) []float32 {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	v[25] += 0.01 // never all-zero
	return v
}

func (e *letterEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.fail != nil {
		return nil, e.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedLetters(t)
	}
	return out, nil
}

func (e *letterEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	return embedLetters(text), nil
}

func fixtureChunks() []chunker.Chunk {
	return []chunker.Chunk{
		{Content: "aaaa aaaa", Source: "a.go", Metadata: map[string]string{"extension": ".go"}},
		{Content: "bbbb bbbb", Source: "b.md", Metadata: map[string]string{"extension": ".md"}},
		{Content: "cccc cccc", Source: "c.py", Metadata: map[string]string{"extension": ".py"}},
	}
}

func TestCollectionName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"my-repo", "my_repo"},
		{"Hello.World", "hello_world"},
		{"__", "default_repo"},
		{strings.Repeat("x", 80), strings.Repeat("x", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CollectionName(tt.in))
		})
	}
}

func TestChromemStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chroma_db", "my-repo")
	emb := &letterEmbedder{}

	s, err := NewChromemStore(ChromemConfig{Path: path}, emb, nil)
	require.NoError(t, err)
	assert.Equal(t, "my_repo", s.config.Collection)

	exists, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Search(ctx, "aaaa", 1)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
	assert.ErrorIs(t, s.AddChunks(ctx, fixtureChunks()), ErrCollectionNotFound)

	require.NoError(t, s.Open(ctx))
	results, err := s.Search(ctx, "aaaa", 3)
	require.NoError(t, err)
	assert.Empty(t, results)

	before := testutil.ToFloat64(OperationsTotal.WithLabelValues(backendChromem, "add", "success"))
	require.NoError(t, s.AddChunks(ctx, fixtureChunks()))
	assert.Equal(t, before+1, testutil.ToFloat64(OperationsTotal.WithLabelValues(backendChromem, "add", "success")))
	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, 3, s.Count(ctx))

	results, err = s.Search(ctx, "bbb", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b.md", results[0].Source)
	assert.Equal(t, "bbbb bbbb", results[0].Content)
	assert.Equal(t, ".md", results[0].Metadata["extension"])

	// k larger than the collection is capped.
	results, err = s.Search(ctx, "ccc", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "c.py", results[0].Source)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Count(ctx))

	// A second store over the same path finds the persisted index.
	reopened, err := NewChromemStore(ChromemConfig{Path: path}, emb, nil)
	require.NoError(t, err)
	exists, err = reopened.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, reopened.Open(ctx))
	assert.Equal(t, 3, reopened.Count(ctx))

	results, err = reopened.Search(ctx, "aaa", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a.go", results[0].Source)
}

func TestChromemStore_Drop(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chroma_db", "my-repo")
	s, err := NewChromemStore(ChromemConfig{Path: path}, &letterEmbedder{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.AddChunks(ctx, fixtureChunks()))

	exists, err := s.Exists(ctx)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.Drop(ctx))
	exists, err = s.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoDirExists(t, path)
	assert.Equal(t, 0, s.Count(ctx))

	// The store can be rebuilt in place.
	require.NoError(t, s.Open(ctx))
	assert.Equal(t, 0, s.Count(ctx))
	require.NoError(t, s.AddChunks(ctx, fixtureChunks()[:1]))
	assert.Equal(t, 1, s.Count(ctx))

	// Dropping a store that was never opened is not an error.
	other, err := NewChromemStore(ChromemConfig{Path: filepath.Join(t.TempDir(), "missing")}, &letterEmbedder{}, nil)
	require.NoError(t, err)
	assert.NoError(t, other.Drop(ctx))
}

func TestChromemStore_ConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromemStore(ChromemConfig{Path: t.TempDir(), Compress: true}, &letterEmbedder{}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AddChunks(ctx, fixtureChunks()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 24, s.Count(ctx))
}

func TestChromemStore_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewChromemStore(ChromemConfig{}, &letterEmbedder{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewChromemStore(ChromemConfig{Path: t.TempDir()}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	emb := &letterEmbedder{fail: errors.New("provider down")}
	s, err := NewChromemStore(ChromemConfig{Path: t.TempDir()}, emb, nil)
	require.NoError(t, err)
	require.NoError(t, s.Open(ctx))

	assert.ErrorIs(t, s.AddChunks(ctx, nil), ErrEmptyDocuments)
	err = s.AddChunks(ctx, fixtureChunks())
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "provider down")

	_, err = s.Search(ctx, "q", 0)
	assert.Error(t, err)
	_, err = s.Search(ctx, "", 3)
	assert.Error(t, err)
}

// fakeQdrant is an in-memory qdrantClient.
type fakeQdrant struct {
	mu         sync.Mutex
	exists     bool
	created    *qdrant.CreateCollection
	points     []*qdrant.PointStruct
	queries    []*qdrant.QueryPoints
	upsertErrs []error
	closed     bool
}

func (f *fakeQdrant) HealthCheck(context.Context) (*qdrant.HealthCheckReply, error) {
	return &qdrant.HealthCheckReply{}, nil
}

func (f *fakeQdrant) CollectionExists(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeQdrant) CreateCollection(_ context.Context, req *qdrant.CreateCollection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = req
	f.exists = true
	return nil
}

func (f *fakeQdrant) DeleteCollection(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists = false
	f.points = nil
	return nil
}

func (f *fakeQdrant) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		return nil, err
	}
	f.points = append(f.points, req.GetPoints()...)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakeQdrant) Query(_ context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req)
	out := make([]*qdrant.ScoredPoint, 0, len(f.points))
	for i, p := range f.points {
		if uint64(i) >= req.GetLimit() {
			break
		}
		out = append(out, &qdrant.ScoredPoint{Id: p.GetId(), Payload: p.GetPayload(), Score: 0.9})
	}
	return out, nil
}

func (f *fakeQdrant) Count(context.Context, *qdrant.CountPoints) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.points)), nil
}

func (f *fakeQdrant) Close() error {
	f.closed = true
	return nil
}

func newTestQdrant(t *testing.T, client *fakeQdrant) *QdrantStore {
	t.Helper()
	s, err := newQdrantStore(client, QdrantConfig{Collection: "my_repo", VectorSize: 26}, &letterEmbedder{}, nil)
	require.NoError(t, err)
	s.policy.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return s
}

func TestQdrantStore_OpenCreatesCollection(t *testing.T) {
	ctx := context.Background()
	client := &fakeQdrant{}
	s := newTestQdrant(t, client)

	exists, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Open(ctx))
	require.NotNil(t, client.created)
	assert.Equal(t, "my_repo", client.created.GetCollectionName())
	params := client.created.GetVectorsConfig().GetParams()
	assert.Equal(t, uint64(26), params.GetSize())
	assert.Equal(t, qdrant.Distance_Cosine, params.GetDistance())

	client.created = nil
	require.NoError(t, s.Open(ctx))
	assert.Nil(t, client.created, "existing collection is not recreated")
}

func TestQdrantStore_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	client := &fakeQdrant{exists: true}
	s := newTestQdrant(t, client)

	require.NoError(t, s.AddChunks(ctx, fixtureChunks()))
	require.Len(t, client.points, 3)
	assert.NotEmpty(t, client.points[0].GetId().GetUuid())
	assert.Equal(t, 3, s.Count(ctx))

	results, err := s.Search(ctx, "aaa", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a.go", results[0].Source)
	assert.Equal(t, "aaaa aaaa", results[0].Content)
	assert.Equal(t, ".go", results[0].Metadata["extension"])
	assert.NotContains(t, results[0].Metadata, MetaContent)
	assert.Equal(t, client.points[0].GetId().GetUuid(), results[0].ID)
	assert.InDelta(t, 0.9, results[0].Score, 1e-6)
	assert.Equal(t, uint64(2), client.queries[0].GetLimit())

	require.NoError(t, s.Close())
	assert.True(t, client.closed)
}

func TestQdrantStore_Drop(t *testing.T) {
	ctx := context.Background()
	client := &fakeQdrant{exists: true}
	s := newTestQdrant(t, client)
	require.NoError(t, s.AddChunks(ctx, fixtureChunks()))

	require.NoError(t, s.Drop(ctx))
	exists, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 0, s.Count(ctx))
}

func TestQdrantStore_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	client := &fakeQdrant{exists: true, upsertErrs: []error{
		status.Error(grpccodes.Unavailable, "restarting"),
		status.Error(grpccodes.Unavailable, "restarting"),
	}}
	s := newTestQdrant(t, client)
	require.NoError(t, s.AddChunks(ctx, fixtureChunks()))
	assert.Len(t, client.points, 3)

	client.upsertErrs = []error{status.Error(grpccodes.InvalidArgument, "bad vector size")}
	err := s.AddChunks(ctx, fixtureChunks())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent failure after 1 attempts")
	assert.Len(t, client.points, 3)
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("plain")))
	assert.True(t, IsTransientError(status.Error(grpccodes.DeadlineExceeded, "slow")))
	assert.True(t, IsTransientError(status.Error(grpccodes.ResourceExhausted, "busy")))
	assert.False(t, IsTransientError(status.Error(grpccodes.NotFound, "missing")))
}

func TestQdrantConfig_Validate(t *testing.T) {
	c := QdrantConfig{Collection: "repo", VectorSize: 384}
	c.ApplyDefaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, "localhost", c.Host)
	assert.Equal(t, 6334, c.Port)

	c.VectorSize = 0
	assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
}

func TestNewStore(t *testing.T) {
	cfg := &config.Config{DataDir: t.TempDir()}
	cfg.VectorStore.Provider = "chromem"

	s, err := NewStore(cfg, "My-Repo", &letterEmbedder{}, 26, nil)
	require.NoError(t, err)
	chromemStore, ok := s.(*ChromemStore)
	require.True(t, ok)
	assert.Equal(t, cfg.IndexPath("My-Repo"), chromemStore.config.Path)
	assert.Equal(t, "my_repo", chromemStore.config.Collection)

	cfg.VectorStore.Provider = "pinecone"
	_, err = NewStore(cfg, "repo", &letterEmbedder{}, 26, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
