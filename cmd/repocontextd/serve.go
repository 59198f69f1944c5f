package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/repocontextd/internal/chunker"
	"github.com/fyrsmithlabs/repocontextd/internal/config"
	"github.com/fyrsmithlabs/repocontextd/internal/embeddings"
	httpserver "github.com/fyrsmithlabs/repocontextd/internal/http"
	"github.com/fyrsmithlabs/repocontextd/internal/indexer"
	"github.com/fyrsmithlabs/repocontextd/internal/loader"
	"github.com/fyrsmithlabs/repocontextd/internal/logging"
	"github.com/fyrsmithlabs/repocontextd/internal/mcp"
	"github.com/fyrsmithlabs/repocontextd/internal/optimizer"
	"github.com/fyrsmithlabs/repocontextd/internal/repository"
	"github.com/fyrsmithlabs/repocontextd/internal/secrets"
	"github.com/fyrsmithlabs/repocontextd/internal/submitter"
	"github.com/fyrsmithlabs/repocontextd/internal/telemetry"
	"github.com/fyrsmithlabs/repocontextd/internal/tokens"
	"github.com/fyrsmithlabs/repocontextd/internal/vectorstore"
)

type serveOptions struct {
	configPath string
}

func (o *serveOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configPath, "config", os.Getenv("REPOCONTEXTD_CONFIG"), "path to a YAML config file")
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Index the configured repository and serve queries",
		Long: `Index REPO_URL in the background and serve retrieval over HTTP.

An existing index under DATA_DIR/chroma_db/<repo> is reused without cloning.
Queries are rejected with 503 until the index is ready.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

// runServe starts indexing and the HTTP server and blocks until ctx is
// cancelled or the server fails.
//
// Startup order:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Creates the embedding provider and index backend
//  4. Starts the indexer in the background
//  5. Starts the HTTP server with the MCP endpoint mounted
//  6. Shuts everything down on cancellation
func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	log, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = log.Sync() // Best-effort sync on shutdown
	}()
	logger := log.Underlying()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if degraded, cause := tel.Degraded(); degraded {
		logger.Warn("telemetry degraded, continuing without export", zap.Error(cause))
	}

	repoName := repository.Name(cfg.Repository.URL)
	providerID := cfg.EmbeddingProvider()
	logger.Info("starting repocontextd",
		zap.String("version", version),
		zap.String("repository", repoName),
		zap.String("url", repository.MaskURL(cfg.Repository.URL)),
		zap.String("embedding_provider", providerID),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Int("port", cfg.Server.Port),
	)

	embCfg := embeddings.Config{
		Provider:          providerID,
		Model:             cfg.Embedding.Model,
		BaseURL:           cfg.Embedding.BaseURL,
		APIKey:            cfg.Embedding.OpenAIAPIKey.Value(),
		CacheDir:          cfg.Embedding.CacheDir,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Meter:             tel.Meter("github.com/fyrsmithlabs/repocontextd/internal/embeddings"),
		Logger:            logger,
	}
	provider, err := embeddings.NewProvider(embCfg)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create embedding provider: %w", err), tel.Shutdown(context.Background()))
	}

	store, err := vectorstore.NewStore(cfg, repoName, provider, provider.Dimension(), logger)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create index backend: %w", err), provider.Close(), tel.Shutdown(context.Background()))
	}

	ix, err := newIndexer(ctx, cfg, repoName, providerID, store, logger)
	if err != nil {
		return errors.Join(err, store.Close(), provider.Close(), tel.Shutdown(context.Background()))
	}

	mcpServer, err := mcp.NewServer(&mcp.Config{
		Name:    "repocontextd",
		Version: version,
		Logger:  logger,
		Meter:   tel.Meter("github.com/fyrsmithlabs/repocontextd/internal/mcp"),
	}, ix)
	if err != nil {
		return errors.Join(err, store.Close(), provider.Close(), tel.Shutdown(context.Background()))
	}

	srv, err := httpserver.NewServer(ix, logger, &httpserver.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		APIKey:    cfg.Server.APIKey,
		RateLimit: cfg.Server.RateLimit,
		Embedding: httpserver.EmbeddingInfo{
			Provider:         providerID,
			TokenCountMethod: cfg.Embedding.TokenCountMethod,
			Available:        embeddings.Available(embCfg),
		},
		MCP:   mcpServer.Handler(),
		Meter: tel.Meter("github.com/fyrsmithlabs/repocontextd/internal/http"),
	})
	if err != nil {
		return errors.Join(err, store.Close(), provider.Close(), tel.Shutdown(context.Background()))
	}

	runCtx, stopIndexing := context.WithCancel(ctx)
	defer stopIndexing()
	ix.Start(runCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	stopIndexing()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	err = errors.Join(
		serveErr,
		srv.Shutdown(shutdownCtx),
		waitIndexer(shutdownCtx, ix),
		store.Close(),
		provider.Close(),
		tel.Shutdown(shutdownCtx),
	)
	logger.Info("shutdown complete", zap.Error(err))
	return err
}

// newIndexer wires the indexing pipeline for the configured repository.
func newIndexer(ctx context.Context, cfg *config.Config, repoName, providerID string, store vectorstore.Store, logger *zap.Logger) (*indexer.Indexer, error) {
	ch, err := chunker.New(chunker.Config{Size: cfg.Chunker.Size, Overlap: cfg.Chunker.Overlap})
	if err != nil {
		return nil, fmt.Errorf("invalid chunker configuration: %w", err)
	}

	var redactor secrets.Redactor = secrets.Noop{}
	if cfg.Index.ScrubSecrets {
		gl, err := secrets.NewGitleaks()
		if err != nil {
			return nil, fmt.Errorf("failed to create secret scrubber: %w", err)
		}
		redactor = gl
	}

	counter := tokens.NewCounter(cfg.Embedding.TokenCountMethod, logger)
	return indexer.New(indexer.Source{
		URL:    cfg.Repository.URL,
		Branch: cfg.Repository.Branch,
		Token:  cfg.Repository.Token,
		Dest:   cfg.RepoPath(repoName),
		Name:   repoName,
	}, indexer.Deps{
		Store:    store,
		Cloner:   repository.NewGitCloner(logger),
		Resolver: repository.NewBranchResolver(ctx, cfg.Repository.Token, logger),
		Loader:   loader.New(loader.Config{Workers: cfg.Loader.Workers}, logger),
		Chunker:  ch,
		Planner:  optimizer.ForProvider(providerID, optimizer.DetectHardware(ctx)),
		Counter:  counter,
		SubmitOptions: []submitter.Option{
			submitter.WithRedactor(redactor),
			submitter.WithCounter(counter),
		},
	}, logger)
}

// waitIndexer gives a cancelled indexing run until ctx expires to unwind
// before the store is closed under it.
func waitIndexer(ctx context.Context, ix *indexer.Indexer) error {
	select {
	case <-ix.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("indexer did not stop: %w", ctx.Err())
	}
}
