// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gtm-copilot/gtm-copilot/internal/collection"
	"github.com/gtm-copilot/gtm-copilot/internal/config"
	"github.com/gtm-copilot/gtm-copilot/internal/consistency"
	"github.com/gtm-copilot/gtm-copilot/internal/embed"
	_ "github.com/gtm-copilot/gtm-copilot/internal/embed/google" // register google provider
	_ "github.com/gtm-copilot/gtm-copilot/internal/embed/openai" // register openai provider
	"github.com/gtm-copilot/gtm-copilot/internal/index"
	"github.com/gtm-copilot/gtm-copilot/internal/scheduler"
	"github.com/gtm-copilot/gtm-copilot/internal/server"
	"github.com/gtm-copilot/gtm-copilot/internal/store"
	_ "github.com/gtm-copilot/gtm-copilot/internal/store/memory"   // register memory backend
	_ "github.com/gtm-copilot/gtm-copilot/internal/store/postgres" // register postgres backend
	_ "github.com/gtm-copilot/gtm-copilot/internal/store/sqlite"   // register sqlite backend
	cperr "github.com/gtm-copilot/gtm-copilot/pkg/errors"
	"github.com/gtm-copilot/gtm-copilot/pkg/vector"
)

// shutdownTimeout bounds how long Run waits for a scheduled rebuild to stop.
const shutdownTimeout = 10 * time.Second

// App holds all wired subsystems and manages their lifecycle.
type App struct {
	Server      *server.Server
	Catalog     store.Catalog
	Collections *collection.Manager
	Scheduler   *scheduler.Scheduler
	logger      *slog.Logger
}

// WireApp opens storage, creates the configured collections, loads their
// indexes, and builds the API server.
func WireApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Storage.Backend == "sqlite" {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			return nil, cperr.Errorf(cperr.CodeCLISetupFailure, "creating data directory: %w", err)
		}
	}

	// 1. Storage.
	catalog, err := store.NewCatalog(&store.StorageConfig{
		Backend: cfg.Storage.Backend,
		DataDir: cfg.Storage.DataDir,
		DSN:     cfg.Storage.Postgres.DSN,
	})
	if err != nil {
		return nil, cperr.Wrapf(err, cperr.CodeCLISetupFailure, "opening %s storage", cfg.Storage.Backend)
	}
	if err := catalog.Ping(ctx); err != nil {
		_ = catalog.Close()
		return nil, cperr.Wrapf(err, cperr.CodeCLISetupFailure, "pinging %s storage", cfg.Storage.Backend)
	}

	// 2. Optional text embedding provider.
	embedder, err := embed.New(embed.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		_ = catalog.Close()
		return nil, cperr.Wrap(err, cperr.CodeCLISetupFailure, "creating embedding provider")
	}
	if embedder == nil {
		logger.Info("text embedding disabled: no embedding provider configured")
	}

	// 3. Collections.
	level, err := consistency.ParseLevel(cfg.Query.DefaultConsistency, consistency.Eventual)
	if err != nil {
		_ = catalog.Close()
		return nil, err
	}
	mgr := collection.NewManager(catalog, collection.Options{
		Index: index.Options{
			HNSW: index.HNSWConfig{
				M:              cfg.Index.HNSW.M,
				EfConstruction: cfg.Index.HNSW.EfConstruction,
				EfSearch:       cfg.Index.HNSW.EfSearch,
				MinRecords:     cfg.Index.HNSW.MinRecords,
			},
			MaxRecords:     cfg.Index.MaxRecords,
			RebuildRetries: cfg.Index.RebuildRetries,
		},
		Mode:                  collection.Mode(cfg.Index.Mode),
		OverFetch:             cfg.Query.OverFetch,
		DefaultConsistency:    level,
		DefaultMergeThreshold: cfg.Index.MergeThreshold,
		MergeInterval:         cfg.Index.MergeInterval,
		Embedder:              embedder,
		Logger:                logger,
	})

	app := &App{Catalog: catalog, Collections: mgr, logger: logger}

	specs, err := collectionSpecs(cfg)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	if err := mgr.EnsureConfigured(ctx, specs); err != nil {
		_ = app.Close()
		return nil, cperr.Wrap(err, cperr.CodeCLISetupFailure, "creating configured collections")
	}
	if err := mgr.OpenAll(ctx); err != nil {
		_ = app.Close()
		return nil, cperr.Wrap(err, cperr.CodeCLISetupFailure, "loading collection indexes")
	}
	logger.Info("collections loaded", "collections", mgr.Open())

	// 4. Periodic rebuilds.
	app.Scheduler, err = scheduler.New(cfg.Index.RebuildSchedule, mgr, 0, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	// 5. HTTP server.
	services, err := server.NewServices(mgr, server.Info{
		StorageBackend: cfg.Storage.Backend,
		IndexMode:      cfg.Index.Mode,
		Scheduler:      app.Scheduler,
	})
	if err != nil {
		_ = app.Close()
		return nil, cperr.Errorf(cperr.CodeCLISetupFailure, "creating services: %w", err)
	}

	app.Server, err = server.New(server.Config{
		ListenAddr:  cfg.Networking.Listen,
		CORSOrigins: cfg.Networking.CORSOrigins,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.Networking.RateLimit.RequestsPerSecond,
			Burst:             cfg.Networking.RateLimit.Burst,
		},
		Version: version,
		Logger:  logger,
	})
	if err != nil {
		_ = app.Close()
		return nil, cperr.Errorf(cperr.CodeCLISetupFailure, "creating server: %w", err)
	}
	app.Server.RegisterServices(services)

	return app, nil
}

// collectionSpecs converts the collections section, sorted by name.
func collectionSpecs(cfg *config.Config) ([]store.CollectionSpec, error) {
	specs := make([]store.CollectionSpec, 0, len(cfg.Collections))
	for name, cc := range cfg.Collections {
		spec := store.CollectionSpec{
			Name:           name,
			Dimension:      cc.Dimension,
			MergeThreshold: cc.MergeThreshold,
		}
		if cc.Metric != "" {
			m, err := vector.ParseMetric(cc.Metric)
			if err != nil {
				return nil, err
			}
			spec.Metric = m
		}
		specs = append(specs, spec)
	}
	slices.SortFunc(specs, func(a, b store.CollectionSpec) int { return strings.Compare(a.Name, b.Name) })
	return specs, nil
}

// Run starts the rebuild schedule and serves the API until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Scheduler.Stop(stopCtx); err != nil {
			a.logger.Warn("rebuild scheduler did not stop cleanly", "error", err)
		}
	}()
	return a.Server.Start(ctx)
}

// Close releases all resources held by the app.
func (a *App) Close() error {
	var errs []error
	if a.Collections != nil {
		errs = append(errs, a.Collections.Close())
	}
	if a.Catalog != nil {
		errs = append(errs, a.Catalog.Close())
	}
	return cperr.Join(errs...)
}
