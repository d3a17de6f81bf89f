package main

import (
	"context"
	"fmt"
	"time"

	"training-orchestrator/config"
	"training-orchestrator/core/lease"
	"training-orchestrator/core/monitoring"
	"training-orchestrator/core/orchestrator"
	"training-orchestrator/core/repository"
	"training-orchestrator/providers/runpod"
	"training-orchestrator/storage"

	"github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"
)

// app holds the process-wide collaborators built from configuration
type app struct {
	cfg     *config.Config
	db      *repository.DB
	redis   *redis.Client
	store   *repository.PostgresStore
	metrics *monitoring.MetricsExporter
	orch    *orchestrator.Orchestrator
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.ConfigureLogging(cfg.Log); err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	if cfg.Provider.URL == "" {
		return nil, fmt.Errorf("GPU_CLUSTER_API_URL is not set")
	}

	db, err := repository.NewDB(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("Database connected successfully")

	objects, err := storage.NewS3Store(ctx, storage.S3Config{
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		UsePathStyle:    cfg.Storage.UsePathStyle,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	a := &app{cfg: cfg, db: db, store: repository.NewPostgresStore(db)}

	var tickLease lease.Lease
	if cfg.Redis.Addr != "" {
		a.redis, err = lease.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		tickLease = lease.NewRedisLease(a.redis, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL)
		logger.WithField("key", cfg.Redis.LeaseKey).Info("Using shared tick lease")
	} else {
		tickLease = lease.NewLocalLease(cfg.Redis.LeaseTTL)
	}

	a.metrics = monitoring.NewMetricsExporter(a.store, time.Now)
	a.orch = orchestrator.New(orchestrator.Dependencies{
		Store:    a.store,
		Provider: runpod.NewClient(cfg.Provider.URL, cfg.Provider.APIKey, cfg.Provider.Timeout),
		Objects:  objects,
		Lease:    tickLease,
		Recorder: a.metrics,
	}, options(cfg))

	return a, nil
}

func options(cfg *config.Config) orchestrator.Options {
	return orchestrator.Options{
		SubmitBatchSize:      cfg.Orchestrator.SubmitBatchSize,
		ReconcileBatchSize:   cfg.Orchestrator.ReconcileBatchSize,
		MaterializeBatchSize: cfg.Orchestrator.MaterializeBatchSize,
		MaxParallelJobs:      cfg.Orchestrator.MaxParallelJobs,
		DatasetBucket:        cfg.Storage.DatasetBucket,
		ModelsBucket:         cfg.Storage.ModelsBucket,
		SignedURLTTL:         cfg.Storage.SignedURLTTL,
		BaseModel:            cfg.Orchestrator.BaseModel,
		CallbackURL:          cfg.Orchestrator.CallbackURL,
		StaleSubmissionAfter: cfg.Orchestrator.StaleSubmissionAfter,
		ProviderTimeout:      cfg.Provider.Timeout,
		StorageTimeout:       cfg.Storage.Timeout,
	}
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}
