package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"flowforge/internal/assets"
	"flowforge/internal/blobstore"
	"flowforge/internal/bootstrap"
	"flowforge/internal/jobs"
	"flowforge/internal/metrics"
	"flowforge/internal/orchestrator"
	"flowforge/internal/provider"
	"flowforge/internal/repository"
	"flowforge/internal/services"
	"flowforge/internal/vault"
	"flowforge/internal/worker"
)

// app holds every long-lived dependency of a server or worker process.
type app struct {
	pool       *pgxpool.Pool
	store      *repository.PostgresStore
	vault      *vault.Vault
	blobs      blobstore.Store
	assets     *assets.Store
	registry   *provider.Registry
	metrics    *metrics.Recorder
	engine     *orchestrator.Engine
	dispatcher *jobs.Dispatcher
	runs       *services.RunService
}

func newApp(ctx context.Context) (*app, error) {
	cipher, err := bootstrap.NewCipher(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := bootstrap.OpenDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connected")

	a := &app{pool: pool}
	a.store = repository.NewPostgresStore(pool, logger)
	a.vault = vault.New(a.store, cipher)

	if a.blobs, err = bootstrap.NewBlobStore(ctx, cfg, a.vault); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}
	a.assets = assets.NewStore(a.store, a.blobs, logger)

	if a.registry, err = bootstrap.NewRegistry(cfg, logger); err != nil {
		pool.Close()
		return nil, err
	}
	if a.metrics, err = metrics.Global(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	opts, err := bootstrap.EngineOptions(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.engine = orchestrator.NewEngine(a.store, a.registry, a.vault, a.assets, opts, logger.With("component", "engine"), a.metrics)

	a.dispatcher = jobs.NewDispatcher(a.store, logger.With("component", "jobs"))
	a.dispatcher.Handle(jobs.TypeTestProviderCall, jobs.TestProviderCall(a.registry, a.vault, cfg.StageTimeout()))

	a.runs = services.NewRunService(a.store, a.store, a.store, a.store, logger.With("component", "runs"))

	logger.Info("Service layer initialized")
	return a, nil
}

func (a *app) newWorkerPool() *worker.Pool {
	wcfg := worker.Config{PollInterval: cfg.PollInterval(), StaleThreshold: cfg.StaleThreshold()}
	return worker.NewPool(cfg.Worker.Concurrency, func() *worker.Poller {
		return worker.NewPoller(a.store, a.engine, a.store, a.dispatcher, wcfg, logger.With("component", "worker"), a.metrics)
	})
}

func (a *app) Close() {
	a.pool.Close()
}
