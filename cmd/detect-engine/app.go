package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/miradorstack/mirador-detect/internal/cache"
	"github.com/miradorstack/mirador-detect/internal/config"
	"github.com/miradorstack/mirador-detect/internal/detect"
	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/queue"
	"github.com/miradorstack/mirador-detect/internal/repo"
	"github.com/miradorstack/mirador-detect/internal/scheduler"
	"github.com/miradorstack/mirador-detect/internal/store"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	client       *redis.Client
	jobs         *store.JobStore
	queue        *queue.Queue
	orchestrator *engine.Orchestrator
	scheduler    *scheduler.Service
}

func loadApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	client, err := cache.NewValkeyClient(ctx, cache.ValkeyConfig{
		Addr:         cfg.Store.Addr,
		Username:     cfg.Store.Username,
		Password:     cfg.Store.Password,
		DB:           cfg.Store.DB,
		DialTimeout:  cfg.Store.DialTimeout,
		ReadTimeout:  cfg.Store.ReadTimeout,
		WriteTimeout: cfg.Store.WriteTimeout,
		MaxRetries:   cfg.Store.MaxRetries,
		TLS:          cfg.Store.TLS,
	})
	if err != nil {
		return nil, err
	}

	defaults, err := detect.LoadDefaults(cfg.Detector.DefaultsPath)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	jobs := store.NewJobStore(client, "job")
	reports := store.NewReportStore(client, "report")
	jobQueue := queue.New(client, cfg.Store.QueueName, jobs,
		queue.WithPendingTimeout(cfg.Store.PendingTimeout),
		queue.WithLogger(logger))

	druid := repo.NewDruidClient(repo.DruidConfig{
		BrokerURL:       cfg.Druid.BrokerURL,
		QueryPath:       cfg.Druid.QueryPath,
		DatasourcesPath: cfg.Druid.DatasourcesPath,
		Timeout:         cfg.Druid.Timeout,
		Retry:           repo.RetryPolicy{Retries: cfg.Druid.Retries, Interval: cfg.Druid.RetryInterval},
		CacheTTL:        cfg.Druid.DatasourceCacheTTL,
	}, cache.NewRedisProvider(client, "cache"), logger)

	var forecaster detect.Forecaster
	if cfg.Prophet.URL != "" {
		forecaster = repo.NewProphetClient(repo.ProphetConfig{
			URL:     cfg.Prophet.URL,
			Path:    cfg.Prophet.Path,
			Timeout: cfg.Prophet.Timeout,
			Retry:   repo.RetryPolicy{Retries: cfg.Prophet.Retries, Interval: cfg.Prophet.RetryInterval},
		})
	}

	orchestrator := engine.NewOrchestrator(engine.Options{
		Logger:              logger,
		Source:              druid,
		Reports:             reports,
		Forecaster:          forecaster,
		Defaults:            defaults,
		BackfillConcurrency: cfg.Scheduler.BackfillConcurrency,
	})

	return &app{
		cfg:          cfg,
		logger:       logger,
		client:       client,
		jobs:         jobs,
		queue:        jobQueue,
		orchestrator: orchestrator,
		scheduler:    scheduler.NewService(jobQueue, jobs, nil, logger),
	}, nil
}

func (a *app) Close() error {
	return a.client.Close()
}
