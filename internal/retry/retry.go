// Package retry wraps an operation in bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64

	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait with the attempt that failed.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Retryable classifies failures. Nil retries every error.
	Retryable func(err error) bool
}

// DefaultPolicy returns three attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		MinDelay:    time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2,
	}
}

// ApplyDefaults fills unset fields.
func (p *Policy) ApplyDefaults() {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MinDelay <= 0 {
		p.MinDelay = d.MinDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Sleep == nil {
		p.Sleep = Sleep
	}
}

// Do calls fn until it succeeds, attempts run out, or ctx is done.
// The returned error wraps the last failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	p.ApplyDefaults()

	var lastErr error
	delay := p.MinDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("canceled after %d attempts: %w", attempt-1, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return fmt.Errorf("permanent failure after %d attempts: %w", attempt, lastErr)
		}
		if attempt == p.MaxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, delay)
		}
		if err := p.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("canceled after %d attempts: %w", attempt, lastErr)
		}
		delay = min(time.Duration(float64(delay)*p.Multiplier), p.MaxDelay)
	}
	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
