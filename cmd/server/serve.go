package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"flowforge/internal/api"
	"flowforge/internal/blobstore"
	"flowforge/internal/bootstrap"
	"flowforge/internal/mcp"
	"flowforge/internal/repository"
)

var withWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run control API and MCP tools",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the poll loop that executes queued runs and jobs",
	RunE:  runWorker,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func init() {
	serveCmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the worker pool in this process")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var signed api.SignedBlobs
	if fs, ok := a.blobs.(*blobstore.FSStore); ok {
		signed = fs
	}
	e := api.NewRouter(
		api.NewHandler(a.store, version),
		api.NewServer(a.runs, a.vault, a.assets),
		signed,
		logger.With("component", "api"),
	)

	mcpServer := mcp.NewServer(a.runs, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			return server.Close()
		}
		logger.Info("Server stopped gracefully")
		return nil
	})
	if withWorker {
		pool := a.newWorkerPool()
		logger.Info("Worker pool starting", "pollers", pool.Size())
		g.Go(func() error { return pool.Run(ctx) })
	}
	return g.Wait()
}

func runWorker(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	pool := a.newWorkerPool()
	logger.Info("Worker pool starting", "pollers", pool.Size(),
		"poll_interval", cfg.PollInterval(), "stale_threshold", cfg.StaleThreshold())
	if err := pool.Run(cmd.Context()); err != nil {
		return err
	}
	logger.Info("Worker pool stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	pool, err := bootstrap.OpenDatabase(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := repository.NewPostgresStore(pool, logger).Migrate(cmd.Context()); err != nil {
		return err
	}
	logger.Info("Schema applied")
	return nil
}
