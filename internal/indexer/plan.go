package indexer

import (
	"github.com/fyrsmithlabs/repocontextd/internal/chunker"
	"github.com/fyrsmithlabs/repocontextd/internal/optimizer"
	"github.com/fyrsmithlabs/repocontextd/internal/tokens"
)

// Planned summarizes a chunk set before submission.
type Planned struct {
	TotalTokens int
	Estimate    optimizer.Estimate
	Config      optimizer.Config
}

// Plan counts tokens over chunks and derives the submission configuration.
// The cost estimate is priced from the counted tokens.
func Plan(p optimizer.Provider, counter tokens.Counter, chunks []chunker.Chunk) Planned {
	if counter == nil {
		counter = tokens.Estimate{}
	}
	texts := make([]string, len(chunks))
	chars := 0
	for i, c := range chunks {
		texts[i] = c.Content
		chars += len(c.Content)
	}
	avg := 0
	if len(chunks) > 0 {
		avg = chars / len(chunks)
	}
	total := tokens.Total(counter, texts)
	est := p.Estimate(len(chunks), avg)
	est.CostUSD = p.CostUSD(total)
	return Planned{
		TotalTokens: total,
		Estimate:    est,
		Config:      optimizer.Configure(p, len(chunks)),
	}
}
