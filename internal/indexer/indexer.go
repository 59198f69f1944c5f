// Package indexer runs the one-shot indexing state machine for a repository
// and owns the readiness flag the query server waits on.
//
// On start the indexer asks the store whether a previous run left an index
// behind. If so it is opened and served as is. Otherwise the repository is
// cloned, loaded, chunked, planned and submitted to the store. Readiness is
// set exactly once, after the store can answer queries, and never reverts.
// A build that fails after the store was opened drops what it wrote, so a
// restart never mistakes a partial index for a finished one.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/chunker"
	"github.com/fyrsmithlabs/repocontextd/internal/config"
	"github.com/fyrsmithlabs/repocontextd/internal/loader"
	"github.com/fyrsmithlabs/repocontextd/internal/optimizer"
	"github.com/fyrsmithlabs/repocontextd/internal/report"
	"github.com/fyrsmithlabs/repocontextd/internal/repository"
	"github.com/fyrsmithlabs/repocontextd/internal/submitter"
	"github.com/fyrsmithlabs/repocontextd/internal/tokens"
	"github.com/fyrsmithlabs/repocontextd/internal/vectorstore"
)

var (
	// ErrNoDocuments means the repository yielded nothing to index.
	ErrNoDocuments = errors.New("no documents to index")

	// ErrNotReady is returned by Search before the index is ready.
	ErrNotReady = errors.New("index is not ready")

	// ErrAlreadyStarted is returned when Run is called twice.
	ErrAlreadyStarted = errors.New("indexing already started")
)

// dropTimeout bounds discarding a partial index after a failed build.
const dropTimeout = 30 * time.Second

// Readiness is the read-only view the query server holds.
type Readiness interface {
	Ready() bool
	State() State
}

// BranchResolver maps "auto" onto a concrete branch.
type BranchResolver interface {
	Resolve(ctx context.Context, url, branch string) string
}

// Source identifies the repository to index.
type Source struct {
	URL    string
	Branch string
	Token  config.Secret
	// Dest is the clone directory.
	Dest string
	// Name is the repository name used in logs and reports.
	Name string
}

// Deps are the collaborators of an Indexer. Store, Cloner, Loader, Chunker
// and Planner are required.
type Deps struct {
	Store    vectorstore.Store
	Cloner   repository.Cloner
	Resolver BranchResolver
	Loader   *loader.Loader
	Chunker  *chunker.Chunker
	Planner  optimizer.Provider
	// Counter produces the reported token total. Nil uses tokens.Estimate.
	Counter tokens.Counter
	// SubmitOptions configure the batch submitter (redaction, clock).
	SubmitOptions []submitter.Option
}

// Stats is a snapshot of what the last run did.
type Stats struct {
	Repository  string              `json:"repository"`
	State       string              `json:"state"`
	Ready       bool                `json:"ready"`
	Reused      bool                `json:"reused_existing_index"`
	Branch      string              `json:"branch,omitempty"`
	Extensions  report.Extensions   `json:"extensions"`
	TotalTokens int                 `json:"total_tokens"`
	TokenMethod string              `json:"token_count_method"`
	Estimate    *optimizer.Estimate `json:"estimate,omitempty"`
	Plan        *optimizer.Config   `json:"plan,omitempty"`
	Submit      *submitter.Result   `json:"submit,omitempty"`
	Stored      int                 `json:"stored_chunks"`
	Duration    time.Duration       `json:"duration_ns"`
	Error       string              `json:"error,omitempty"`
}

// Indexer runs the indexing state machine once.
type Indexer struct {
	src     Source
	deps    Deps
	logger  *zap.Logger
	started atomic.Bool
	ready   atomic.Bool
	state   atomic.Int32
	done    chan struct{}

	mu    sync.RWMutex
	stats Stats
}

// New validates deps and returns an Indexer in state EMPTY.
func New(src Source, deps Deps, logger *zap.Logger) (*Indexer, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store is required", config.ErrInvalidConfig)
	case deps.Cloner == nil:
		return nil, fmt.Errorf("%w: cloner is required", config.ErrInvalidConfig)
	case deps.Loader == nil:
		return nil, fmt.Errorf("%w: loader is required", config.ErrInvalidConfig)
	case deps.Chunker == nil:
		return nil, fmt.Errorf("%w: chunker is required", config.ErrInvalidConfig)
	case deps.Planner == nil:
		return nil, fmt.Errorf("%w: planner is required", config.ErrInvalidConfig)
	}
	if deps.Counter == nil {
		deps.Counter = tokens.Estimate{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if src.Name == "" {
		src.Name = repository.Name(src.URL)
	}
	ix := &Indexer{
		src:    src,
		deps:   deps,
		logger: logger.With(zap.String("repository", src.Name)),
		done:   make(chan struct{}),
		stats: Stats{
			Repository:  src.Name,
			TokenMethod: deps.Counter.Method(),
			Extensions:  report.FromTally(nil, 0, 0),
		},
	}
	ix.setState(StateEmpty)
	return ix, nil
}

// Ready reports whether queries can be served.
func (ix *Indexer) Ready() bool { return ix.ready.Load() }

// State returns the current state.
func (ix *Indexer) State() State { return State(ix.state.Load()) }

// Repository returns the repository name.
func (ix *Indexer) Repository() string { return ix.src.Name }

// Done is closed when Run returns.
func (ix *Indexer) Done() <-chan struct{} { return ix.done }

// Stats returns a snapshot of the run so far.
func (ix *Indexer) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s := ix.stats
	s.State = ix.State().String()
	s.Ready = ix.Ready()
	return s
}

// Report returns the extension and token reports.
func (ix *Indexer) Report() report.Report {
	s := ix.Stats()
	return report.Report{
		Extensions: s.Extensions,
		Tokens:     report.Tokens{Total: s.TotalTokens, Method: s.TokenMethod, Estimate: s.Estimate},
	}
}

// Search queries the store once the index is ready.
func (ix *Indexer) Search(ctx context.Context, query string, k int) ([]vectorstore.SearchResult, error) {
	if !ix.Ready() {
		return nil, ErrNotReady
	}
	return ix.deps.Store.Search(ctx, query, k)
}

// Start launches Run in a goroutine. Failures are logged and reflected in
// State; they never stop the caller.
func (ix *Indexer) Start(ctx context.Context) {
	go func() {
		if err := ix.Run(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			ix.logger.Error("indexing failed", zap.String("state", ix.State().String()), zap.Error(err))
		}
	}()
}

// Run executes the state machine to READY or FAILED. It may be called once.
func (ix *Indexer) Run(ctx context.Context) (err error) {
	if !ix.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(ix.done)

	start := time.Now()
	defer func() {
		d := time.Since(start)
		ix.mu.Lock()
		ix.stats.Duration = d
		ix.mu.Unlock()
		if err != nil {
			ix.fail(err)
			RunDuration.WithLabelValues("failed").Set(d.Seconds())
			return
		}
		RunDuration.WithLabelValues("ready").Set(d.Seconds())
	}()

	exists, err := ix.deps.Store.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking for existing index: %w", err)
	}
	if exists {
		return ix.loadExisting(ctx)
	}
	return ix.build(ctx)
}

func (ix *Indexer) loadExisting(ctx context.Context) error {
	ix.setState(StateExisting)
	ix.logger.Info("existing index found, skipping indexing")

	ix.setState(StateLoading)
	if err := ix.deps.Store.Open(ctx); err != nil {
		return fmt.Errorf("opening existing index: %w", err)
	}
	stored := ix.deps.Store.Count(ctx)
	ix.mu.Lock()
	ix.stats.Reused = true
	ix.stats.Stored = stored
	ix.mu.Unlock()

	ix.markReady(stored)
	return nil
}

func (ix *Indexer) build(ctx context.Context) error {
	ix.setState(StateBuilding)

	branch := ix.src.Branch
	if ix.deps.Resolver != nil {
		branch = ix.deps.Resolver.Resolve(ctx, ix.src.URL, branch)
	}
	ix.mu.Lock()
	ix.stats.Branch = branch
	ix.mu.Unlock()

	ix.logger.Info("cloning repository",
		zap.String("url", repository.MaskURL(ix.src.URL)),
		zap.String("branch", branch),
		zap.String("dest", ix.src.Dest),
	)
	if err := ix.deps.Cloner.Clone(ctx, ix.src.URL, branch, ix.src.Dest, ix.src.Token); err != nil {
		return err
	}

	ix.logger.Info("loading documents", zap.String("root", ix.src.Dest), zap.Int("workers", ix.deps.Loader.Workers()))
	docCh, tally := ix.deps.Loader.Load(ctx, ix.src.Dest)
	docs := loader.Collect(docCh)
	if err := ctx.Err(); err != nil {
		return err
	}
	processed, discarded := tally.Processed(), tally.Discarded()
	FilesTotal.WithLabelValues("processed").Add(float64(sumCounts(processed)))
	FilesTotal.WithLabelValues("discarded").Add(float64(sumCounts(discarded)))
	ix.logger.Info("documents loaded",
		zap.Int("documents", len(docs)),
		zap.Int("files_visited", tally.Visited()),
	)
	if len(docs) == 0 {
		ix.setExtensions(report.FromTally(tally, 0, 0))
		return ErrNoDocuments
	}

	chunks, err := ix.deps.Chunker.Split(docs)
	if err != nil {
		return fmt.Errorf("chunking documents: %w", err)
	}
	ix.setExtensions(report.FromTally(tally, len(docs), len(chunks)))
	if len(chunks) == 0 {
		return ErrNoDocuments
	}

	planned := Plan(ix.deps.Planner, ix.deps.Counter, chunks)
	total, estimate, plan := planned.TotalTokens, planned.Estimate, planned.Config
	TokensTotal.Add(float64(total))

	ix.mu.Lock()
	ix.stats.TotalTokens = total
	ix.stats.Estimate = &estimate
	ix.stats.Plan = &plan
	ix.mu.Unlock()

	ix.logger.Info("indexing plan",
		zap.Int("chunks", len(chunks)),
		zap.Int("total_tokens", total),
		zap.String("provider", plan.Provider),
		zap.String("class", plan.Class),
		zap.Int("batch_size", plan.Plan.BatchSize),
		zap.Int("workers", plan.Plan.Workers),
		zap.Bool("rate_limited", plan.Strategy.RateLimited),
		zap.String("estimated_time", estimate.Human),
		zap.Float64("estimated_cost_usd", estimate.CostUSD),
	)

	if err := ix.deps.Store.Open(ctx); err != nil {
		ix.discard(ctx)
		return fmt.Errorf("opening index: %w", err)
	}

	sub := submitter.New(ix.deps.Store, ix.logger, ix.deps.SubmitOptions...)
	res, err := sub.Submit(ctx, chunks, plan)
	ix.mu.Lock()
	ix.stats.Submit = &res
	ix.mu.Unlock()
	if err != nil {
		ix.discard(ctx)
		return fmt.Errorf("submitting chunks: %w", err)
	}

	report.Log(ix.logger, ix.Report())

	stored := ix.deps.Store.Count(ctx)
	ix.mu.Lock()
	ix.stats.Stored = stored
	ix.mu.Unlock()
	ix.markReady(stored)
	return nil
}

// discard drops a partially written index. It runs even when ctx is done.
func (ix *Indexer) discard(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dropTimeout)
	defer cancel()
	if err := ix.deps.Store.Drop(ctx); err != nil {
		ix.logger.Error("failed to discard partial index", zap.Error(err))
		return
	}
	ix.logger.Warn("partial index discarded")
}

func (ix *Indexer) setExtensions(e report.Extensions) {
	ix.mu.Lock()
	ix.stats.Extensions = e
	ix.mu.Unlock()
}

func (ix *Indexer) markReady(stored int) {
	ix.setState(StateReady)
	ix.ready.Store(true)
	ix.logger.Info("index ready", zap.Int("stored_chunks", stored))
}

func (ix *Indexer) fail(err error) {
	ix.mu.Lock()
	ix.stats.Error = err.Error()
	ix.mu.Unlock()
	ix.setState(StateFailed)
}

func (ix *Indexer) setState(s State) {
	prev := State(ix.state.Swap(int32(s)))
	recordState(s)
	if prev != s {
		ix.logger.Debug("indexing state changed", zap.String("from", prev.String()), zap.String("to", s.String()))
	}
}

func sumCounts(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
