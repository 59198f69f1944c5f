package submitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/repocontextd/internal/retry"
)

// DefaultWindow is the length of a token accounting window.
const DefaultWindow = time.Minute

// ErrExceedsCeiling is returned by Acquire for a cost that could never fit
// in one window.
var ErrExceedsCeiling = errors.New("cost exceeds tokens-per-minute ceiling")

// TokenWindow enforces a tokens-per-minute ceiling shared by all workers.
//
// The window is fixed: it opens on the first Acquire and resets a full
// Window later, not continuously. A caller that would overflow the current
// window sleeps until it closes. Tokens admitted into one window never
// exceed the ceiling.
type TokenWindow struct {
	mu      sync.Mutex
	ceiling int
	window  time.Duration
	start   time.Time
	used    int
	waits   int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTokenWindow returns a window with the given ceiling. Nil now and sleep
// use the wall clock.
func NewTokenWindow(ceiling int, now func() time.Time, sleep func(context.Context, time.Duration) error) *TokenWindow {
	if now == nil {
		now = time.Now
	}
	if sleep == nil {
		sleep = retry.Sleep
	}
	return &TokenWindow{
		ceiling: ceiling,
		window:  DefaultWindow,
		now:     now,
		sleep:   sleep,
	}
}

// Acquire reserves cost tokens, blocking until the window has room.
// The check and the update form one critical section, so concurrent
// workers wait behind whichever of them is sleeping.
func (w *TokenWindow) Acquire(ctx context.Context, cost int) (waited bool, err error) {
	if cost > w.ceiling {
		return false, fmt.Errorf("%w: %d > %d", ErrExceedsCeiling, cost, w.ceiling)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if w.start.IsZero() || now.Sub(w.start) >= w.window {
		w.start, w.used = now, 0
	}

	if w.used+cost > w.ceiling {
		if err := w.sleep(ctx, w.start.Add(w.window).Sub(now)); err != nil {
			return false, err
		}
		w.start, w.used = w.now(), 0
		w.waits++
		waited = true
	}

	w.used += cost
	return waited, nil
}

// Used returns tokens consumed in the current window.
func (w *TokenWindow) Used() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used
}

// Waits returns how many times Acquire has blocked.
func (w *TokenWindow) Waits() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waits
}
