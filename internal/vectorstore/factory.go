package vectorstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/config"
)

// NewStore creates the backend selected by cfg.VectorStore.Provider for the
// repository repoName:
//   - "chromem" (default): embedded store under cfg.IndexPath(repoName)
//   - "qdrant": external Qdrant server, collection CollectionName(repoName)
//
// dimension is the embedder's output size and is only used by qdrant when
// it has to create the collection.
func NewStore(cfg *config.Config, repoName string, embedder Embedder, dimension int, logger *zap.Logger) (Store, error) {
	switch cfg.VectorStore.Provider {
	case "chromem", "":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.IndexPath(repoName),
			Compress:   cfg.VectorStore.Compress,
			Collection: CollectionName(repoName),
		}, embedder, logger)

	case "qdrant":
		q := cfg.VectorStore.Qdrant
		return NewQdrantStore(QdrantConfig{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     q.APIKey.Value(),
			UseTLS:     q.UseTLS,
			Collection: CollectionName(repoName),
			VectorSize: uint64(max(dimension, 0)),
		}, embedder, logger)

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.VectorStore.Provider)
	}
}
