// Package main runs the Docustream recording server: recorder REST API,
// capture streams, the container API and, optionally, the submission worker.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docustream/backend/config"
	"github.com/docustream/backend/internal/auth"
	"github.com/docustream/backend/internal/binder"
	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/device"
	"github.com/docustream/backend/internal/docustream"
	"github.com/docustream/backend/internal/events"
	"github.com/docustream/backend/internal/middleware"
	"github.com/docustream/backend/internal/sessions"
	"github.com/docustream/backend/internal/worker"
	"github.com/docustream/backend/pkg/database"
	"github.com/docustream/backend/pkg/queue"
	"github.com/docustream/backend/pkg/redis"
	"github.com/docustream/backend/pkg/response"
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

	filters := capture.DefaultFilterTable()
	if cfg.Recording.FilterTableFile != "" {
		filters, err = capture.LoadFilterTableFile(cfg.Recording.FilterTableFile)
		if err != nil {
			logger.Fatal("filter table", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	pubsub := events.NewPubSub(rdb.Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	assets := capture.NewFileStore(cfg.Recording.OutputDir)

	// Container backend: a remote Docustream API, or Postgres + S3 served here.
	var (
		creator          binder.ContainerCreator
		uploader         binder.Uploader
		lookup           sessions.ContainerLookup
		docustreamRoutes *docustream.Handler
	)
	if cfg.Docustream.Remote() {
		client := docustream.NewClient(cfg.Docustream.BaseURL, cfg.Docustream.Timeout, logger)
		creator, uploader, lookup = client, client, client
		logger.Info("using remote docustream api", zap.String("base_url", cfg.Docustream.BaseURL))
	} else {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolConfig{
			MaxConns:        cfg.Database.MaxConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		}, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}

		var audio docustream.AudioStore
		if cfg.AWS.AudioBucket != "" {
			s3Client, err := storage.NewS3(ctx, storage.S3Config{
				Region:               cfg.AWS.Region,
				AccessKeyID:          cfg.AWS.AccessKeyID,
				SecretAccessKey:      cfg.AWS.SecretAccessKey,
				AudioBucket:          cfg.AWS.AudioBucket,
				Endpoint:             cfg.AWS.Endpoint,
				PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
			}, logger)
			if err != nil {
				logger.Warn("s3 disabled", zap.Error(err))
			} else {
				audio = s3Client
			}
		}
		if audio == nil {
			logger.Warn("no audio bucket configured; uploads will be rejected")
		}
		svc := docustream.NewService(docustream.NewRepository(pool), audio, logger)
		creator, uploader, lookup = svc, svc, svc
		docustreamRoutes = docustream.NewHandler(svc, pubsub, cfg.Docustream.MaxUploadBytes, logger)
	}
	bind := binder.New(creator, uploader, submitNotifier(cfg.Docustream, pubsub), logger)

	manager := sessions.NewManager(sessions.ManagerConfig{
		Registry:          device.NewRegistry(),
		Store:             assets,
		Filters:           filters,
		PermissionTimeout: cfg.Recording.PermissionTimeout,
		IdleTTL:           cfg.Recording.IdleTTL,
		MaxPerOwner:       cfg.Recording.MaxPerUser,
		Logger:            logger,
	})
	recorderRoutes := sessions.NewHandler(sessions.HandlerConfig{
		Manager:         manager,
		Store:           assets,
		Submitter:       bind,
		Lookup:          lookup,
		Queue:           jobQueue,
		AsyncDefault:    cfg.Docustream.AsyncSubmission,
		ICEServers:      device.ParseICEServers(cfg.WebRTC.ICEUrls),
		MaxSegmentBytes: cfg.Recording.MaxSegmentBytes,
		Logger:          logger,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "recorders": manager.Len()})
	})

	// Protected API (JWT required; WebSocket upgrades may pass ?token=)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		// Recorders
		api.POST("/recordings", recorderRoutes.Create)
		api.GET("/recordings/:id", recorderRoutes.Get)
		api.DELETE("/recordings/:id", recorderRoutes.Delete)
		api.POST("/recordings/:id/start", recorderRoutes.Start)
		api.POST("/recordings/:id/pause", recorderRoutes.Pause)
		api.POST("/recordings/:id/resume", recorderRoutes.Resume)
		api.POST("/recordings/:id/stop", recorderRoutes.Stop)
		api.POST("/recordings/:id/discard", recorderRoutes.Discard)
		api.POST("/recordings/:id/abandon", recorderRoutes.Abandon)
		api.POST("/recordings/:id/submit", recorderRoutes.Submit)
		api.GET("/recordings/:id/asset", recorderRoutes.Asset)

		// Capture transports
		api.GET("/recordings/:id/stream", recorderRoutes.Stream)
		api.POST("/recordings/:id/webrtc/offer", recorderRoutes.Offer)

		// Docustreams (local backend only)
		if docustreamRoutes != nil {
			api.GET("/docustreams", docustreamRoutes.List)
			api.POST("/docustreams", docustreamRoutes.Create)
			api.GET("/docustreams/:id", docustreamRoutes.Get)
			api.POST("/docustreams/:id/audio", docustreamRoutes.UploadAudio)
			api.GET("/docustreams/:id/recordings", docustreamRoutes.Recordings)
			api.GET("/docustreams/:id/recordings/:recordingId/audio-url", docustreamRoutes.AudioURL)
			api.GET("/docustreams/:id/events", docustreamRoutes.Events)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error { return manager.Run(gctx) })

	// Background worker (async submissions)
	if cfg.Server.RunWorker {
		processor := worker.NewSubmissionProcessor(bind, assets, jwtService, jobQueue, logger)
		g.Go(func() error {
			processor.Run(gctx)
			return nil
		})
		logger.Info("submission worker started")
	}

	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
	}
	logger.Info("server stopped")
}

// submitNotifier returns the completion publisher. The remote backend owns
// its own event stream, so nothing here would relay local ones.
func submitNotifier(c config.DocustreamConfig, pubsub *events.PubSub) binder.Notifier {
	if c.Remote() || pubsub == nil {
		return nil
	}
	return pubsub
}
