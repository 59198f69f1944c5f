// Package loader walks a repository tree and loads indexable files
// concurrently.
//
// Files are classified during the walk; accepted files are read and
// converted to documents by a bounded worker pool. Documents are delivered
// on a channel in completion order. A file that fails to load is logged and
// tallied, and never stops the walk.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fyrsmithlabs/repocontextd/internal/classify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Document is the text of one loaded file (or one part of it).
type Document struct {
	Content  string
	Source   string
	Metadata map[string]string
}

// skipDirs are never descended into. Their files are not visited.
var skipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	".idea":        true,
	".vscode":      true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

// Config tunes the loader.
type Config struct {
	// Workers bounds concurrent file loads. 0 selects DefaultWorkers().
	Workers int
	// Buffer is the output channel capacity. 0 selects 2*Workers.
	Buffer int
}

// DefaultWorkers is min(8, NumCPU+4).
func DefaultWorkers() int {
	return min(8, runtime.NumCPU()+4)
}

// Loader loads documents from a directory tree.
type Loader struct {
	workers int
	buffer  int
	logger  *zap.Logger
}

// New creates a Loader.
func New(cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 2 * workers
	}
	return &Loader{workers: workers, buffer: buffer, logger: logger}
}

// Workers returns the pool size.
func (l *Loader) Workers() int {
	return l.workers
}

// Load walks root and streams documents. The channel closes once the walk
// and every submitted load have finished. The tally is complete at that
// point. Cancelling ctx stops the walk and abandons pending sends.
func (l *Loader) Load(ctx context.Context, root string) (<-chan Document, *Tally) {
	out := make(chan Document, l.buffer)
	tally := NewTally()

	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(l.workers)

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if walkErr != nil {
				if path == root {
					return walkErr
				}
				if d != nil && d.IsDir() {
					l.logger.Warn("skipping unreadable directory", zap.String("path", path), zap.Error(walkErr))
					return filepath.SkipDir
				}
				tally.AddDiscarded(classify.Extension(path) + classify.SuffixStatError)
				return nil
			}

			if d.IsDir() {
				if path != root && skipDirs[d.Name()] {
					return filepath.SkipDir
				}
				return nil
			}

			decision := l.decide(path, d)
			if !decision.Accept {
				tally.AddDiscarded(decision.Reason)
				return nil
			}

			// Blocks while the pool is full.
			g.Go(func() error {
				l.loadFile(ctx, root, path, decision.Ext, out, tally)
				return nil
			})
			return nil
		})
		_ = g.Wait()

		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			l.logger.Error("directory walk failed", zap.String("root", root), zap.Error(err))
		}
	}()

	return out, tally
}

// decide stats entries that are not plain files (symlinks) through the
// filesystem so the target size is used.
func (l *Loader) decide(path string, d fs.DirEntry) classify.Decision {
	if !d.Type().IsRegular() {
		return classify.ClassifyPath(path)
	}
	info, err := d.Info()
	if err != nil {
		ext := classify.Extension(path)
		return classify.Decision{Ext: ext, Reason: ext + classify.SuffixStatError}
	}
	return classify.Classify(path, info.Size())
}

func (l *Loader) loadFile(ctx context.Context, root, path, ext string, out chan<- Document, tally *Tally) {
	docs, err := l.read(root, path, ext)
	if err != nil {
		l.logger.Warn("failed to load file", zap.String("path", path), zap.Error(err))
		tally.AddDiscarded(ext + classify.SuffixLoadError)
		return
	}
	if len(docs) == 0 {
		l.logger.Debug("file yielded no text", zap.String("path", path))
		tally.AddDiscarded(ext + classify.SuffixEmpty)
		return
	}
	tally.AddProcessed(ext)

	for _, doc := range docs {
		select {
		case out <- doc:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loader) read(root, path, ext string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	docs, err := extractorFor(ext)(data)
	if err != nil {
		return nil, err
	}

	source := path
	if rel, err := filepath.Rel(root, path); err == nil {
		source = filepath.ToSlash(rel)
	}
	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = make(map[string]string, 2)
		}
		docs[i].Source = source
		docs[i].Metadata[MetaSource] = source
		docs[i].Metadata[MetaExtension] = ext
	}
	return docs, nil
}

// Collect drains ch into a slice.
func Collect(ch <-chan Document) []Document {
	var docs []Document
	for doc := range ch {
		docs = append(docs, doc)
	}
	return docs
}
