package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/chunker"
	"github.com/fyrsmithlabs/repocontextd/internal/embeddings"
	"github.com/fyrsmithlabs/repocontextd/internal/indexer"
	"github.com/fyrsmithlabs/repocontextd/internal/loader"
	"github.com/fyrsmithlabs/repocontextd/internal/optimizer"
	"github.com/fyrsmithlabs/repocontextd/internal/report"
	"github.com/fyrsmithlabs/repocontextd/internal/tokens"
)

type planOptions struct {
	provider     string
	tokenMethod  string
	chunkSize    int
	chunkOverlap int
	workers      int
}

func newPlanCmd() *cobra.Command {
	var opts planOptions
	cmd := &cobra.Command{
		Use:   "plan <dir>",
		Short: "Preview chunking and embedding cost for a local directory",
		Long: `Load and chunk a local checkout exactly as serve would, then print the
extension report, the batch plan for the chosen provider and the token
estimate. Nothing is embedded or written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.provider, "provider", embeddings.ProviderSentence, "embedding provider to plan for")
	cmd.Flags().StringVar(&opts.tokenMethod, "token-method", tokens.MethodTiktoken, "token counting method (tiktoken or estimate)")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", chunker.DefaultSize, "chunk size in characters")
	cmd.Flags().IntVar(&opts.chunkOverlap, "chunk-overlap", chunker.DefaultOverlap, "chunk overlap in characters")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "concurrent file loads (0 = auto)")
	return cmd
}

func runPlan(cmd *cobra.Command, dir string, opts planOptions) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	ch, err := chunker.New(chunker.Config{Size: opts.chunkSize, Overlap: opts.chunkOverlap})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := zap.NewNop()
	docsCh, tally := loader.New(loader.Config{Workers: opts.workers}, logger).Load(ctx, dir)
	docs := loader.Collect(docsCh)
	if err := ctx.Err(); err != nil {
		return err
	}

	chunks, err := ch.Split(docs)
	if err != nil {
		return fmt.Errorf("chunking failed: %w", err)
	}

	counter := tokens.NewCounter(opts.tokenMethod, logger)
	planned := indexer.Plan(optimizer.ForProvider(opts.provider, optimizer.DetectHardware(ctx)), counter, chunks)

	out := cmd.OutOrStdout()
	if err := report.WriteExtensions(out, report.FromTally(tally, len(docs), len(chunks))); err != nil {
		return err
	}
	c := planned.Config
	fmt.Fprintf(out, "\n===== INDEXING PLAN =====\n")
	fmt.Fprintf(out, "Provider:     %s (%s)\n", c.Provider, c.Class)
	fmt.Fprintf(out, "Batch size:   %d\n", c.Plan.BatchSize)
	fmt.Fprintf(out, "Workers:      %d\n", c.Plan.Workers)
	fmt.Fprintf(out, "Rate limited: %t\n", c.Strategy.RateLimited)
	if c.Strategy.RateLimited {
		fmt.Fprintf(out, "Tokens/min:   %d\n", c.Strategy.TokensPerMinute)
	}
	fmt.Fprintln(out)
	est := planned.Estimate
	return report.WriteTokens(out, report.Tokens{
		Total:    planned.TotalTokens,
		Method:   counter.Method(),
		Estimate: &est,
	})
}
