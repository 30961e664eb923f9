// Package main runs the background submission worker. It must see the same
// RECORDING_OUTPUT_DIR as the server that queued the jobs.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/docustream/backend/config"
	"github.com/docustream/backend/internal/auth"
	"github.com/docustream/backend/internal/binder"
	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/docustream"
	"github.com/docustream/backend/internal/events"
	"github.com/docustream/backend/internal/worker"
	"github.com/docustream/backend/pkg/database"
	"github.com/docustream/backend/pkg/queue"
	"github.com/docustream/backend/pkg/redis"
	"github.com/docustream/backend/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var (
		creator  binder.ContainerCreator
		uploader binder.Uploader
		notifier binder.Notifier
	)
	if cfg.Docustream.Remote() {
		client := docustream.NewClient(cfg.Docustream.BaseURL, cfg.Docustream.Timeout, logger)
		creator, uploader = client, client
	} else {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolConfig{
			MaxConns:        cfg.Database.MaxConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		}, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()

		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			AudioBucket:          cfg.AWS.AudioBucket,
			Endpoint:             cfg.AWS.Endpoint,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		svc := docustream.NewService(docustream.NewRepository(pool), s3Client, logger)
		creator, uploader = svc, svc
		// completion events are relayed by the local server only
		notifier = events.NewPubSub(rdb.Client, logger)
	}

	bind := binder.New(creator, uploader, notifier, logger)
	processor := worker.NewSubmissionProcessor(
		bind,
		capture.NewFileStore(cfg.Recording.OutputDir),
		auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours),
		queue.NewQueue(rdb.Client, logger),
		logger,
	)

	logger.Info("worker started")
	processor.Run(ctx)
	logger.Info("worker stopped")
}
