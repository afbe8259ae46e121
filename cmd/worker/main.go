// Package main runs the background job worker (action log archives to S3).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aura-watchparty/backend/config"
	"github.com/aura-watchparty/backend/internal/sessions"
	"github.com/aura-watchparty/backend/internal/worker"
	"github.com/aura-watchparty/backend/pkg/database"
	"github.com/aura-watchparty/backend/pkg/queue"
	"github.com/aura-watchparty/backend/pkg/redis"
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

	if !cfg.Redis.Enabled() || !cfg.AWS.ArchiveEnabled() {
		logger.Fatal("worker needs REDIS_ADDR and AWS_S3_ARCHIVE_BUCKET")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	actions, closeStore, err := openActionLister(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("session store", zap.Error(err))
	}
	defer closeStore()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ArchiveBucket:        cfg.AWS.ArchiveBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		Endpoint:             cfg.AWS.S3Endpoint,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewArchiveProcessor(actions, s3Client, jobQueue, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker started", zap.String("queue", queue.QueueArchives))
		processor.Run(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("worker exited", zap.Error(err))
	}
	logger.Info("worker stopped")
}

// The worker only reads action logs, so it skips migrations.
func openActionLister(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.ActionLister, func(), error) {
	if cfg.Store.Driver == config.DriverSQLite {
		db, err := database.OpenSQLite(ctx, cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return sessions.NewSQLiteRepository(db), func() { _ = db.Close() }, nil
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		return nil, nil, err
	}
	return sessions.NewRepository(pool), pool.Close, nil
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
