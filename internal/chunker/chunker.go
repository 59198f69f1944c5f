// Package chunker splits loaded documents into overlapping chunks sized for
// embedding.
package chunker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/repocontextd/internal/loader"
	"github.com/tmc/langchaingo/textsplitter"
)

// Defaults match the indexing pipeline's chunk geometry.
const (
	DefaultSize    = 1500
	DefaultOverlap = 200
)

// MetaChunk is the metadata key holding a chunk's index within its document.
const MetaChunk = "chunk"

// ErrInvalidConfig is returned by New for a negative size or overlap, or an
// overlap not smaller than the size.
var ErrInvalidConfig = errors.New("invalid chunker config")

// Chunk is a contiguous slice of a document. Source and metadata are
// inherited from the document.
type Chunk struct {
	Content  string
	Source   string
	Metadata map[string]string
	Index    int
}

// Config sets chunk geometry in characters.
type Config struct {
	Size    int
	Overlap int
}

// Chunker wraps a recursive character splitter.
type Chunker struct {
	splitter textsplitter.RecursiveCharacter
}

// New validates cfg and builds a Chunker. Zero values take the defaults.
func New(cfg Config) (*Chunker, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Overlap == 0 && cfg.Size == DefaultSize {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.Size < 0 || cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidConfig, cfg.Size, cfg.Overlap)
	}
	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.Size),
			textsplitter.WithChunkOverlap(cfg.Overlap),
		),
	}, nil
}

// Split chunks every document. Whitespace-only pieces are dropped.
func (c *Chunker) Split(docs []loader.Document) ([]Chunk, error) {
	chunks := make([]Chunk, 0, len(docs))
	for _, doc := range docs {
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		parts, err := c.splitter.SplitText(doc.Content)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", doc.Source, err)
		}
		idx := 0
		for _, part := range parts {
			if strings.TrimSpace(part) == "" {
				continue
			}
			meta := make(map[string]string, len(doc.Metadata)+1)
			for k, v := range doc.Metadata {
				meta[k] = v
			}
			meta[MetaChunk] = strconv.Itoa(idx)
			chunks = append(chunks, Chunk{
				Content:  part,
				Source:   doc.Source,
				Metadata: meta,
				Index:    idx,
			})
			idx++
		}
	}
	return chunks, nil
}
