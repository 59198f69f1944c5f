// Package report renders the end-of-indexing summaries: files per extension
// and tokens sent for embedding.
package report

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/loader"
	"github.com/fyrsmithlabs/repocontextd/internal/optimizer"
)

// Extensions is the extension tally, sorted for display.
type Extensions struct {
	Processed []loader.Count `json:"processed"`
	Discarded []loader.Count `json:"discarded"`
	Documents int            `json:"documents"`
	Chunks    int            `json:"chunks"`
}

// Tokens summarizes what was sent to the embedding provider.
type Tokens struct {
	Total    int                 `json:"total_tokens"`
	Method   string              `json:"token_count_method"`
	Estimate *optimizer.Estimate `json:"estimate,omitempty"`
}

// Report is everything /reports returns.
type Report struct {
	Extensions Extensions `json:"extensions"`
	Tokens     Tokens     `json:"tokens"`
}

// FromTally snapshots t.
func FromTally(t *loader.Tally, documents, chunks int) Extensions {
	if t == nil {
		return Extensions{Processed: []loader.Count{}, Discarded: []loader.Count{}}
	}
	return Extensions{
		Processed: loader.Sorted(t.Processed()),
		Discarded: loader.Sorted(t.Discarded()),
		Documents: documents,
		Chunks:    chunks,
	}
}

// WriteExtensions prints the extension report.
func WriteExtensions(w io.Writer, e Extensions) error {
	var b strings.Builder
	b.WriteString("===== FILE EXTENSION REPORT =====\n")
	b.WriteString("Processed:\n")
	writeCounts(&b, e.Processed, "No files processed.")
	b.WriteString("\nDiscarded:\n")
	writeCounts(&b, e.Discarded, "No files discarded.")
	fmt.Fprintf(&b, "\nDocuments: %d  Chunks: %d\n", e.Documents, e.Chunks)
	b.WriteString(strings.Repeat("=", 45) + "\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteTokens prints the token report.
func WriteTokens(w io.Writer, t Tokens) error {
	var b strings.Builder
	b.WriteString("===== TOKEN REPORT =====\n")
	fmt.Fprintf(&b, "Total tokens sent for embeddings (%s): %d\n", t.Method, t.Total)
	if t.Estimate != nil {
		fmt.Fprintf(&b, "Estimated time: %s\n", t.Estimate.Human)
		if t.Estimate.CostUSD > 0 {
			fmt.Fprintf(&b, "Estimated cost: $%.4f\n", t.Estimate.CostUSD)
		}
	}
	b.WriteString(strings.Repeat("=", 40) + "\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeCounts(b *strings.Builder, counts []loader.Count, empty string) {
	if len(counts) == 0 {
		fmt.Fprintf(b, "  %s\n", empty)
		return
	}
	for _, c := range counts {
		fmt.Fprintf(b, "  %s: %d\n", c.Bucket, c.Files)
	}
}

// Log writes both reports as structured fields.
func Log(logger *zap.Logger, r Report) {
	logger.Info("file extension report",
		zap.Any("processed", r.Extensions.Processed),
		zap.Any("discarded", r.Extensions.Discarded),
		zap.Int("documents", r.Extensions.Documents),
		zap.Int("chunks", r.Extensions.Chunks),
	)
	fields := []zap.Field{
		zap.Int("total_tokens", r.Tokens.Total),
		zap.String("method", r.Tokens.Method),
	}
	if r.Tokens.Estimate != nil {
		fields = append(fields,
			zap.String("estimated_time", r.Tokens.Estimate.Human),
			zap.Float64("estimated_cost_usd", r.Tokens.Estimate.CostUSD),
		)
	}
	logger.Info("token report", fields...)
}
