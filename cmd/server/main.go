// Package main runs the watch-party HTTP and WebSocket server with graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-watchparty/backend/config"
	"github.com/aura-watchparty/backend/internal/coordinator"
	"github.com/aura-watchparty/backend/internal/middleware"
	"github.com/aura-watchparty/backend/internal/models"
	"github.com/aura-watchparty/backend/internal/realtime"
	"github.com/aura-watchparty/backend/internal/registry"
	"github.com/aura-watchparty/backend/internal/sessions"
	"github.com/aura-watchparty/backend/internal/worker"
	"github.com/aura-watchparty/backend/pkg/database"
	"github.com/aura-watchparty/backend/pkg/queue"
	"github.com/aura-watchparty/backend/pkg/redis"
	"github.com/aura-watchparty/backend/pkg/response"
	"github.com/aura-watchparty/backend/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log.Level)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("session store", zap.Error(err))
	}
	defer closeStore()

	var (
		pub      realtime.RedisPublisher
		sub      realtime.RedisSubscriber
		jobQueue *queue.Queue
	)
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		pub, sub = pubsub, pubsub
		jobQueue = queue.NewQueue(rdb.Client, logger)
	} else {
		logger.Info("redis disabled: single-instance fan-out, no archive jobs")
	}

	var s3Client *storage.S3
	if cfg.AWS.ArchiveEnabled() {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
			Endpoint:             cfg.AWS.S3Endpoint,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	reg := registry.New()
	defer reg.Clear()
	hub := realtime.NewHub(logger, pub, sub)

	opts := []coordinator.Option{coordinator.WithLogger(logger)}
	if jobQueue != nil {
		opts = append(opts, coordinator.WithArchiver(jobQueue))
	}
	coord := coordinator.New(reg, store, hub, coordinator.Config{
		EventQueueSize:   cfg.Sync.EventQueueSize,
		PersistQueueSize: cfg.Sync.PersistQueueSize,
		IdleTTL:          cfg.Sync.SessionIdleTTL,
		EvictInterval:    cfg.Sync.EvictInterval,
	}, opts...)

	// Registry entries are per process; apply peers' playback changes as best effort.
	hub.SetRemoteHandler(func(sessionID, event string, payload []byte) {
		if event != coordinator.EventSessionDetails {
			return
		}
		var state models.PlaybackState
		if err := json.Unmarshal(payload, &state); err != nil {
			logger.Debug("remote sessionDetails", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		coord.RemoteState(sessionID, state)
	})

	var archives sessions.ArchiveLinker
	if s3Client != nil {
		archives = s3Client
	}
	sessionHandler := sessions.NewHandler(store, reg, coord, archives, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{
			"status":          "ok",
			"liveSessions":    reg.Len(),
			"persistFailures": coord.PersistFailures(),
			"connections":     hub.Connections(),
		})
	})
	sessionHandler.Register(router)
	router.GET("/ws", realtime.ServeWs(hub, coord, realtime.ProgressLimit{
		PerSecond: cfg.Sync.ProgressRatePerSec,
		Burst:     cfg.Sync.ProgressBurst,
	}, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
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
	// Without a dedicated worker deployment the server drains the archive queue itself.
	if jobQueue != nil && s3Client != nil {
		processor := worker.NewArchiveProcessor(store, s3Client, jobQueue, logger)
		g.Go(func() error {
			logger.Info("archive worker started")
			processor.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server exited", zap.Error(err))
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (sessions.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		db, err := database.OpenSQLite(ctx, cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := database.MigrateSQLite(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return sessions.NewSQLiteRepository(db), func() { _ = db.Close() }, nil
	default:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return sessions.NewRepository(pool), pool.Close, nil
	}
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := config.Build()
	return logger
}
