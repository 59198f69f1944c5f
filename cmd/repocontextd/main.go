// Repocontextd indexes one Git repository into a vector index and serves
// nearest-neighbour retrieval over HTTP and MCP.
//
// Configuration is loaded from environment variables and an optional YAML
// file. See internal/config for details.
//
// Usage:
//
//	# Index REPO_URL and serve queries on :8000
//	REPO_URL=https://github.com/acme/widgets repocontextd
//
//	# Preview the indexing plan for a local checkout
//	repocontextd plan ./widgets --provider openai
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts serveOptions

	root := &cobra.Command{
		Use:   "repocontextd",
		Short: "Repository retrieval server",
		Long: `repocontextd clones a Git repository, chunks and embeds its files into a
persistent vector index, and answers retrieval queries over HTTP and MCP.

Running without a subcommand is the same as "repocontextd serve".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	opts.bind(root)

	root.AddCommand(newServeCmd(), newPlanCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "repocontextd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
