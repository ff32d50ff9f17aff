package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	buspostgres "github.com/duckmesh/querygen/internal/bus/postgres"
	catalogpostgres "github.com/duckmesh/querygen/internal/catalog/postgres"
	"github.com/duckmesh/querygen/internal/config"
	"github.com/duckmesh/querygen/internal/indexer"
	"github.com/duckmesh/querygen/internal/indexstore"
	"github.com/duckmesh/querygen/internal/nl2sql"
	"github.com/duckmesh/querygen/internal/observability"
	s3store "github.com/duckmesh/querygen/internal/storage/s3"
)

func main() {
	once := flag.Bool("once", false, "rebuild every tenant once and exit")
	tenant := flag.String("tenant", "", "rebuild a single tenant and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv("querygen-indexer")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	db, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	client, err := nl2sql.NewClient(nl2sql.OpenAIConfig{
		BaseURL:        cfg.AI.BaseURL,
		APIKey:         cfg.AI.APIKey,
		Model:          cfg.AI.Model,
		EmbeddingModel: cfg.AI.EmbeddingModel,
		Timeout:        cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize embedding client", slog.Any("error", err))
		os.Exit(1)
	}

	svc := &indexer.Service{
		Catalog:  catalogpostgres.NewRepository(db),
		Embedder: client,
		Queue:    buspostgres.NewReindexQueue(db),
		Config: indexer.Config{
			Interval:     cfg.Indexer.Interval,
			BatchSize:    cfg.Indexer.BatchSize,
			Model:        client.EmbeddingModel(),
			ConsumerID:   cfg.Indexer.ConsumerID,
			ClaimLimit:   cfg.Indexer.ClaimLimit,
			LeaseSeconds: cfg.Indexer.LeaseSeconds,
			PollInterval: cfg.Indexer.PollInterval,
		},
		Logger: logger,
	}
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
		svc.Snapshots = snapshots
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *tenant != "":
		if _, err := svc.RebuildTenant(ctx, *tenant); err != nil {
			logger.Error("tenant rebuild failed", slog.String("tenant_id", *tenant), slog.Any("error", err))
			os.Exit(1)
		}
	case *once:
		if _, err := svc.ProcessOnce(ctx); err != nil {
			logger.Error("indexer run failed", slog.Any("error", err))
			os.Exit(1)
		}
		if _, err := svc.DrainQueue(ctx); err != nil {
			logger.Error("reindex queue drain failed", slog.Any("error", err))
			os.Exit(1)
		}
	default:
		logger.Info("indexer worker started", slog.Duration("interval", cfg.Indexer.Interval))
		if err := svc.Run(ctx); err != nil {
			logger.Error("indexer worker failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("indexer worker stopped")
	}
}
