package repository

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/config"
)

// ErrCloneFailed wraps any genuine clone failure.
var ErrCloneFailed = errors.New("clone failed")

// Cloner populates a local directory from a remote repository.
type Cloner interface {
	Clone(ctx context.Context, url, branch, dest string, token config.Secret) error
}

// GitCloner clones with go-git.
type GitCloner struct {
	logger *zap.Logger
	// Depth limits history. Zero means full history.
	Depth int
}

// NewGitCloner returns a shallow cloner.
func NewGitCloner(logger *zap.Logger) *GitCloner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitCloner{logger: logger, Depth: 1}
}

// Clone fetches branch of url into dest. If dest already exists the call
// is a no-op and returns nil. On failure any partial checkout is removed so
// the next start retries from scratch.
func (c *GitCloner) Clone(ctx context.Context, url, branch, dest string, token config.Secret) error {
	if _, err := os.Stat(dest); err == nil {
		c.logger.Info("repository directory already exists, skipping clone", zap.String("path", dest))
		return nil
	}

	c.logger.Info("cloning repository",
		zap.String("url", MaskURL(url)),
		zap.String("branch", branch),
		zap.Bool("authenticated", AuthFor(url, token) != nil),
	)

	progress := newProgressWriter(c.logger)
	defer progress.Flush()

	opts := &git.CloneOptions{
		URL:          url,
		Auth:         AuthFor(url, token),
		Depth:        c.Depth,
		SingleBranch: true,
		Progress:     progress,
		Tags:         git.NoTags,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}

	if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			c.logger.Warn("failed to remove partial clone", zap.String("path", dest), zap.Error(rmErr))
		}
		return fmt.Errorf("%w: %s (branch %s): %s", ErrCloneFailed, MaskURL(url), branch, MaskURL(err.Error()))
	}

	c.logger.Info("repository cloned", zap.String("path", dest))
	return nil
}

// progressWriter turns go-git sideband output into debug log lines.
type progressWriter struct {
	mu     sync.Mutex
	logger *zap.Logger
	buf    bytes.Buffer
}

func newProgressWriter(logger *zap.Logger) *progressWriter {
	return &progressWriter{logger: logger.Named("git")}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.log(line)
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *progressWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.log(w.buf.String())
		w.buf.Reset()
	}
}

func (w *progressWriter) log(line string) {
	// Progress counters rewrite the line with carriage returns.
	sc := bufio.NewScanner(strings.NewReader(line))
	sc.Split(scanCR)
	last := ""
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			last = s
		}
	}
	if last != "" {
		w.logger.Debug(MaskURL(last))
	}
}

func scanCR(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
