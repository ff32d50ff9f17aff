package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckmesh/querygen/internal/api"
	buspostgres "github.com/duckmesh/querygen/internal/bus/postgres"
	"github.com/duckmesh/querygen/internal/cache"
	"github.com/duckmesh/querygen/internal/catalog"
	catalogfile "github.com/duckmesh/querygen/internal/catalog/file"
	catalogpostgres "github.com/duckmesh/querygen/internal/catalog/postgres"
	"github.com/duckmesh/querygen/internal/compiler"
	"github.com/duckmesh/querygen/internal/config"
	"github.com/duckmesh/querygen/internal/correction"
	"github.com/duckmesh/querygen/internal/indexstore"
	"github.com/duckmesh/querygen/internal/nl2sql"
	"github.com/duckmesh/querygen/internal/observability"
	"github.com/duckmesh/querygen/internal/pipeline"
	"github.com/duckmesh/querygen/internal/relevance"
	"github.com/duckmesh/querygen/internal/sandbox"
	sandboxduckdb "github.com/duckmesh/querygen/internal/sandbox/duckdb"
	s3store "github.com/duckmesh/querygen/internal/storage/s3"
	"github.com/duckmesh/querygen/internal/validation"
)

func main() {
	cfg, err := config.LoadFromEnv("querygen-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	repo, catalogDB, err := openRepository(cfg)
	if err != nil {
		logger.Error("failed to open catalog", slog.Any("error", err))
		os.Exit(1)
	}
	if catalogDB != nil {
		defer func() { _ = catalogDB.Close() }()
	}

	client, err := nl2sql.NewClient(nl2sql.OpenAIConfig{
		BaseURL:        cfg.AI.BaseURL,
		APIKey:         cfg.AI.APIKey,
		Model:          cfg.AI.Model,
		EmbeddingModel: cfg.AI.EmbeddingModel,
		Temperature:    cfg.AI.Temperature,
		Timeout:        cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize model client", slog.Any("error", err))
		os.Exit(1)
	}

	caches := pipeline.Caches{
		Catalogs:     cache.NewTTL[*catalog.Catalog]("catalog", cfg.Pipeline.CacheSize, cfg.Pipeline.CacheTTL),
		AgentConfigs: cache.NewTTL[catalog.AgentConfig]("agent_config", cfg.Pipeline.CacheSize, cfg.Pipeline.CacheTTL),
		Sensitivity:  cache.NewTTL[catalog.SensitivityRules]("sensitivity", cfg.Pipeline.CacheSize, cfg.Pipeline.CacheTTL),
	}
	embeddings := cache.NewTTL[[]catalog.TableEmbedding]("embeddings", cfg.Pipeline.CacheSize, cfg.Pipeline.EmbeddingCacheTTL)
	vectors := cache.NewTTL[[]float32]("query_vectors", cfg.Pipeline.CacheSize, cfg.Pipeline.EmbeddingCacheTTL)

	embeddingSource := &indexstore.Source{Repository: repo, Logger: logger}
	if cfg.ObjectStore.Enabled {
		store, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		snapshots := indexstore.New(store)
		snapshots.Logger = logger
		embeddingSource.Snapshots = snapshots
	}

	scorer := relevance.NewScorer(
		relevance.NewVectorIndex(client, embeddingSource, embeddings, vectors),
		relevance.Options{
			TopN:            cfg.Pipeline.TopTables,
			MaxTables:       cfg.Pipeline.MaxTables,
			MinSimilarity:   cfg.Pipeline.MinSimilarity,
			SimilarityLimit: cfg.Pipeline.SimilarityLimit,
		},
		logger,
	)

	sandboxes, closeSandbox, err := openSandbox(cfg)
	if err != nil {
		logger.Error("failed to open sandbox", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeSandbox()

	dialect, err := compiler.ParseDialect(cfg.Pipeline.DefaultDialect)
	if err != nil {
		logger.Error("invalid default dialect", slog.Any("error", err))
		os.Exit(1)
	}

	p, err := pipeline.New(pipeline.Dependencies{
		Source:    repo,
		Caches:    caches,
		Intent:    client,
		Builder:   client,
		Corrector: correction.New(client, logger),
		Scorer:    scorer,
		Validator: validation.New(sandboxes, cfg.Pipeline.MaxRows, cfg.Pipeline.RequireLimit, logger),
		Threads:   pipeline.NewThreadStore(cfg.Pipeline.CacheSize, cfg.Pipeline.ThreadTTL),
		Runs:      pipeline.NewRuns(),
	}, pipeline.Options{
		DefaultDialect: dialect,
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		HighConfidence: cfg.Pipeline.HighConfidence,
		RunTimeout:     cfg.Pipeline.RunTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:      logger,
		Generator:   p,
		Source:      repo,
		Invalidator: cache.Group{p, embeddings},
		Readiness: api.CombineReadinessChecks(
			repo.HealthCheck,
			api.CheckCatalogConfig(cfg),
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if catalogDB != nil {
		deps.Reindex = buspostgres.NewReindexQueue(catalogDB)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

// openRepository prefers a YAML catalog file over the catalog database.
// The returned database is nil for a file catalog.
func openRepository(cfg config.Config) (catalog.Repository, *sql.DB, error) {
	if cfg.Catalog.File != "" {
		repo, err := catalogfile.Open(cfg.Catalog.File)
		if err != nil {
			return nil, nil, err
		}
		return repo, nil, nil
	}

	db, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	return catalogpostgres.NewRepository(db), db, nil
}

// openSandbox returns a live database sandbox when a DSN is configured and
// an in-process DuckDB sandbox otherwise. A disabled sandbox yields nil.
func openSandbox(cfg config.Config) (sandbox.Factory, func(), error) {
	if !cfg.Sandbox.Enabled {
		return nil, func() {}, nil
	}
	if cfg.Sandbox.DSN == "" || cfg.Sandbox.Driver == "duckdb" {
		return sandboxduckdb.Factory(cfg.Sandbox.Timeout), func() {}, nil
	}
	db, err := sandbox.Open(cfg.Sandbox.Driver, cfg.Sandbox.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s sandbox: %w", cfg.Sandbox.Driver, err)
	}
	return sandbox.Static(sandbox.NewSQLExecutor(db, cfg.Sandbox.Timeout)), func() { _ = db.Close() }, nil
}
