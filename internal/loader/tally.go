package loader

import (
	"sort"
	"sync"
)

// NoExtension is how the empty extension bucket is displayed in reports.
const NoExtension = "[no extension]"

// Tally counts visited files by extension (processed) and by reason tag
// (discarded). Every visited file lands in exactly one bucket, once.
// Safe for concurrent use.
type Tally struct {
	mu        sync.Mutex
	processed map[string]int
	discarded map[string]int
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{
		processed: make(map[string]int),
		discarded: make(map[string]int),
	}
}

// AddProcessed records a successfully loaded file.
func (t *Tally) AddProcessed(ext string) {
	t.mu.Lock()
	t.processed[ext]++
	t.mu.Unlock()
}

// AddDiscarded records a rejected or failed file under reason.
func (t *Tally) AddDiscarded(reason string) {
	t.mu.Lock()
	t.discarded[reason]++
	t.mu.Unlock()
}

// Processed returns a snapshot of the processed counts.
func (t *Tally) Processed() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyCounts(t.processed)
}

// Discarded returns a snapshot of the discarded counts.
func (t *Tally) Discarded() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyCounts(t.discarded)
}

// Visited is the total number of files counted.
func (t *Tally) Visited() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sum(t.processed) + sum(t.discarded)
}

// Count is one row of a sorted tally.
type Count struct {
	Bucket string `json:"bucket"`
	Files  int    `json:"files"`
}

// Sorted returns counts ordered by descending file count, then bucket name.
// The empty bucket is shown as NoExtension.
func Sorted(counts map[string]int) []Count {
	out := make([]Count, 0, len(counts))
	for k, v := range counts {
		if k == "" {
			k = NoExtension
		}
		out = append(out, Count{Bucket: k, Files: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Files != out[j].Files {
			return out[i].Files > out[j].Files
		}
		return out[i].Bucket < out[j].Bucket
	})
	return out
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
