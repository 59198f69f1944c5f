// Package submitter pushes chunks to the index in batches.
//
// Batches run on a bounded worker pool. Each batch is wrapped in a retry
// envelope and, for metered providers, must first reserve its token cost
// from a shared TokenWindow. A batch that exhausts its retries is counted
// and logged; it never aborts sibling batches.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/repocontextd/internal/chunker"
	"github.com/fyrsmithlabs/repocontextd/internal/optimizer"
	"github.com/fyrsmithlabs/repocontextd/internal/retry"
	"github.com/fyrsmithlabs/repocontextd/internal/secrets"
	"github.com/fyrsmithlabs/repocontextd/internal/tokens"
)

// MaxRetryDelay caps the backoff between attempts on one batch.
const MaxRetryDelay = time.Minute

// ErrNoSink is returned when a Submitter has nowhere to send batches.
var ErrNoSink = errors.New("submitter: no sink configured")

// Sink receives batches. Implementations must tolerate concurrent calls.
type Sink interface {
	AddChunks(ctx context.Context, chunks []chunker.Chunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chunks []chunker.Chunk) error

func (f SinkFunc) AddChunks(ctx context.Context, chunks []chunker.Chunk) error {
	return f(ctx, chunks)
}

// Result summarises a Submit call.
type Result struct {
	Submitted     int `json:"submitted"`
	Failed        int `json:"failed"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
	Waits         int `json:"rate_limit_waits"`
	Redacted      int `json:"redacted_chunks"`
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithRedactor scrubs each chunk before submission.
func WithRedactor(r secrets.Redactor) Option {
	return func(s *Submitter) { s.redactor = r }
}

// WithCounter sets the token counter used for rate limiting.
func WithCounter(c tokens.Counter) Option {
	return func(s *Submitter) { s.counter = c }
}

// WithClock replaces the wall clock and sleeper, for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(s *Submitter) {
		s.now = now
		s.sleep = sleep
	}
}

// Submitter sends chunk batches to a Sink.
type Submitter struct {
	sink     Sink
	logger   *zap.Logger
	redactor secrets.Redactor
	counter  tokens.Counter
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// New creates a Submitter.
func New(sink Sink, logger *zap.Logger, opts ...Option) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Submitter{
		sink:     sink,
		logger:   logger,
		redactor: secrets.Noop{},
		counter:  tokens.Estimate{},
		now:      time.Now,
		sleep:    retry.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Partition splits chunks into contiguous batches of at most size.
func Partition(chunks []chunker.Chunk, size int) [][]chunker.Chunk {
	if size < 1 {
		size = 1
	}
	batches := make([][]chunker.Chunk, 0, (len(chunks)+size-1)/size)
	for start := 0; start < len(chunks); start += size {
		end := min(start+size, len(chunks))
		batches = append(batches, chunks[start:end])
	}
	return batches
}

// Submit sends chunks according to cfg and waits for every batch.
// Batch failures are reported in Result, not as an error. An error is
// returned only when no sink is configured or ctx ends first.
func (s *Submitter) Submit(ctx context.Context, chunks []chunker.Chunk, cfg optimizer.Config) (Result, error) {
	if s.sink == nil {
		return Result{}, ErrNoSink
	}

	chunks, redacted := s.scrub(chunks)

	var window *TokenWindow
	if cfg.Strategy.RateLimited && cfg.Strategy.TokensPerMinute > 0 {
		window = NewTokenWindow(cfg.Strategy.TokensPerMinute, s.now, s.sleep)
	}

	var batches []batch
	if window != nil {
		batches = s.fitCeiling(Partition(chunks, cfg.Plan.BatchSize), cfg.Strategy.TokensPerMinute)
	} else {
		for _, b := range Partition(chunks, cfg.Plan.BatchSize) {
			batches = append(batches, batch{chunks: b})
		}
	}
	res := Result{Batches: len(batches), Redacted: redacted}
	if len(batches) == 0 {
		return res, nil
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Strategy.RetryAttempts,
		MinDelay:    cfg.Strategy.RetryDelay,
		MaxDelay:    MaxRetryDelay,
		Multiplier:  2,
		Sleep:       s.sleep,
	}
	every := max(1, cfg.Strategy.ProgressEvery)

	s.logger.Info("submitting batches",
		zap.String("provider", cfg.Provider),
		zap.Int("chunks", len(chunks)),
		zap.Int("batches", len(batches)),
		zap.Int("batch_size", cfg.Plan.BatchSize),
		zap.Int("workers", cfg.Plan.Workers),
		zap.Bool("rate_limited", window != nil),
	)

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, cfg.Plan.Workers))

	for i, b := range batches {
		g.Go(func() error {
			ok := s.submitBatch(gctx, i, b, window, policy)

			mu.Lock()
			defer mu.Unlock()
			done++
			if ok {
				res.Submitted += len(b.chunks)
			} else {
				res.Failed += len(b.chunks)
				res.FailedBatches++
			}
			if done%every == 0 || done == len(batches) {
				s.logger.Info("batch progress",
					zap.Int("completed", done),
					zap.Int("total", len(batches)),
					zap.Int("submitted_chunks", res.Submitted),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if window != nil {
		res.Waits = window.Waits()
	}
	if res.Failed > 0 {
		s.logger.Warn("indexing finished with failed batches",
			zap.Int("failed_chunks", res.Failed),
			zap.Int("failed_batches", res.FailedBatches),
			zap.Int("submitted_chunks", res.Submitted),
		)
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("submit canceled: %w", err)
	}
	return res, nil
}

// batch is one unit of submission. cost is its token estimate, set only
// when a token window applies.
type batch struct {
	chunks []chunker.Chunk
	cost   int
}

// fitCeiling splits planned batches so that none costs more than ceiling
// tokens. A single chunk above the ceiling stays alone and is refused by
// the window.
func (s *Submitter) fitCeiling(planned [][]chunker.Chunk, ceiling int) []batch {
	out := make([]batch, 0, len(planned))
	split := 0
	for _, chunks := range planned {
		start, cost := 0, 0
		for i, c := range chunks {
			n := s.counter.Count(c.Content)
			if i > start && cost+n > ceiling {
				out = append(out, batch{chunks: chunks[start:i], cost: cost})
				split++
				start, cost = i, 0
			}
			cost += n
		}
		if start < len(chunks) {
			out = append(out, batch{chunks: chunks[start:], cost: cost})
		}
	}
	if split > 0 {
		s.logger.Info("split batches to fit token ceiling",
			zap.Int("planned", len(planned)),
			zap.Int("batches", len(out)),
			zap.Int("tokens_per_minute", ceiling),
		)
	}
	return out
}

func (s *Submitter) submitBatch(ctx context.Context, idx int, b batch, window *TokenWindow, policy retry.Policy) bool {
	start := time.Now()
	defer func() { BatchDuration.Observe(time.Since(start).Seconds()) }()

	if window != nil {
		cost := b.cost
		waited, err := window.Acquire(ctx, cost)
		if errors.Is(err, ErrExceedsCeiling) {
			s.logger.Error("batch larger than token ceiling, skipped",
				zap.Int("batch", idx), zap.Int("tokens", cost), zap.Error(err))
			recordBatch(false, len(b.chunks))
			return false
		}
		if err != nil {
			s.logger.Error("batch abandoned while waiting for token window",
				zap.Int("batch", idx), zap.Error(err))
			recordBatch(false, len(b.chunks))
			return false
		}
		if waited {
			RateLimitWaits.Inc()
			s.logger.Info("token window exhausted, resumed after reset",
				zap.Int("batch", idx), zap.Int("tokens", cost))
		}
	}

	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("batch failed, retrying",
			zap.Int("batch", idx),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.sink.AddChunks(ctx, b.chunks)
	})
	if err != nil {
		s.logger.Error("batch failed after retries",
			zap.Int("batch", idx),
			zap.Int("chunks", len(b.chunks)),
			zap.Error(err),
		)
		recordBatch(false, len(b.chunks))
		return false
	}
	recordBatch(true, len(b.chunks))
	return true
}

// scrub returns a redacted copy of chunks and how many changed.
func (s *Submitter) scrub(chunks []chunker.Chunk) ([]chunker.Chunk, int) {
	if _, noop := s.redactor.(secrets.Noop); noop || s.redactor == nil {
		return chunks, 0
	}
	out := make([]chunker.Chunk, len(chunks))
	n := 0
	for i, c := range chunks {
		r := s.redactor.Redact(c.Content)
		if r.HasFindings() {
			n++
			s.logger.Warn("redacted secrets from chunk",
				zap.String("source", c.Source),
				zap.Int("findings", len(r.Findings)),
			)
			c.Content = r.Content
		}
		out[i] = c
	}
	return out, n
}
