// Package tokens counts embedding tokens.
//
// Two counters exist: Estimate, a chars/4 heuristic cheap enough for rate
// limiting every batch, and Tiktoken, the exact cl100k_base tokenizer used
// by OpenAI embedding models, used for reporting.
package tokens

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Method names accepted by NewCounter.
const (
	MethodTiktoken = "tiktoken"
	MethodEstimate = "estimate"
)

// DefaultEncoding is the tokenizer used by text-embedding-ada-002.
const DefaultEncoding = "cl100k_base"

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
	Method() string
}

// EstimateTokens approximates tokens as ceil(runes/4).
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Estimate is the heuristic counter.
type Estimate struct{}

func (Estimate) Count(text string) int { return EstimateTokens(text) }
func (Estimate) Method() string        { return MethodEstimate }

// Tiktoken counts with a BPE encoding. Encode is not documented as
// goroutine-safe, so calls are serialized.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads encoding. The BPE ranks may be fetched over the network
// on first use.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Method() string { return MethodTiktoken }

// NewCounter returns the counter for method. When tiktoken cannot be
// loaded it falls back to Estimate and logs a warning.
func NewCounter(method string, logger *zap.Logger) Counter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if method != MethodTiktoken {
		return Estimate{}
	}
	tk, err := NewTiktoken(DefaultEncoding)
	if err != nil {
		logger.Warn("tiktoken unavailable, falling back to estimate", zap.Error(err))
		return Estimate{}
	}
	return tk
}

// Total sums counter over texts.
func Total(counter Counter, texts []string) int {
	n := 0
	for _, t := range texts {
		n += counter.Count(t)
	}
	return n
}
