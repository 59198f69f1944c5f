// Package optimizer plans embedding throughput for a provider.
//
// A provider belongs to one of three classes. Metered remote APIs get small
// batches, at most two workers and a token ceiling. Local models scale with
// the host's memory and CPU. Anything else gets a fixed moderate plan.
package optimizer

import (
	"fmt"
	"time"
)

// Class groups providers by cost and throughput behaviour.
type Class int

const (
	ClassUnknown Class = iota
	ClassMetered
	ClassLocal
)

func (c Class) String() string {
	switch c {
	case ClassMetered:
		return "metered"
	case ClassLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Plan is the batch geometry for a run.
type Plan struct {
	BatchSize int `json:"batch_size"`
	Workers   int `json:"workers"`
}

// Strategy is the submission policy for a provider.
type Strategy struct {
	RateLimited bool `json:"rate_limited"`
	// TokensPerMinute is the ceiling when RateLimited, otherwise 0.
	TokensPerMinute int           `json:"tokens_per_minute,omitempty"`
	RetryAttempts   int           `json:"retry_attempts"`
	RetryDelay      time.Duration `json:"retry_delay"`
	ParallelSafe    bool          `json:"parallel_safe"`
	// ProgressEvery is how many batches pass between progress logs.
	ProgressEvery int `json:"progress_every"`
}

// Estimate predicts the duration and cost of embedding a corpus.
type Estimate struct {
	Provider string  `json:"provider"`
	Chunks   int     `json:"chunks"`
	Seconds  float64 `json:"estimated_seconds"`
	Human    string  `json:"estimated_time"`
	CostUSD  float64 `json:"estimated_cost_usd"`
}

// Config is the indexing configuration derived once per run.
type Config struct {
	Provider string   `json:"provider"`
	Class    string   `json:"class"`
	Plan     Plan     `json:"plan"`
	Strategy Strategy `json:"strategy"`
}

// Provider is the planning behaviour of one provider class.
type Provider interface {
	ID() string
	Class() Class
	Plan(chunks int) Plan
	Strategy() Strategy
	// Estimate predicts processing time for chunks of avgChars characters.
	Estimate(chunks, avgChars int) Estimate
	// CostUSD prices tokens. Local and unknown providers are free.
	CostUSD(tokens int) float64
}

var localProviders = map[string]bool{
	"sentence-transformers": true,
	"huggingface":           true,
	"fastembed":             true,
	"tei":                   true,
}

// ForProvider returns the planner for provider id on hardware hw.
func ForProvider(id string, hw Hardware) Provider {
	hw = hw.normalized()
	switch {
	case id == "openai":
		return Metered{id: id, hw: hw}
	case localProviders[id]:
		return Local{id: id, hw: hw}
	default:
		return Unknown{id: id, hw: hw}
	}
}

// Configure derives the indexing configuration for chunks.
func Configure(p Provider, chunks int) Config {
	return Config{
		Provider: p.ID(),
		Class:    p.Class().String(),
		Plan:     p.Plan(chunks),
		Strategy: p.Strategy(),
	}
}

// FormatDuration renders seconds with breakpoints at one minute and one hour.
func FormatDuration(seconds float64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%.0f seconds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%.1f minutes", seconds/60)
	default:
		return fmt.Sprintf("%.1f hours", seconds/3600)
	}
}

func newEstimate(id string, chunks int, perChunk float64, avgChars int, p Provider) Estimate {
	secs := float64(chunks) * perChunk
	// Characters per token heuristic, matching tokens.EstimateTokens.
	tokens := chunks * ((avgChars + 3) / 4)
	return Estimate{
		Provider: id,
		Chunks:   chunks,
		Seconds:  secs,
		Human:    FormatDuration(secs),
		CostUSD:  p.CostUSD(tokens),
	}
}

func clamp(v, lo, hi int) int {
	return min(hi, max(lo, v))
}
