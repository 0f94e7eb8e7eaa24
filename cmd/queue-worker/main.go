package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/medinexa/clinic-queue/internal/config"
	"github.com/medinexa/clinic-queue/internal/db"
	"github.com/medinexa/clinic-queue/internal/queue"
	redisclient "github.com/medinexa/clinic-queue/internal/redis"
)

// queue-worker periodically resets the token counters of clinics whose
// previous day's queue has fully drained, so each day starts at token 1.
func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}

	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("queue-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	repo := queue.NewPgRepository(pgPool)
	locker := redisclient.NewRedisClinicLocker(rdb, cfg.LockTTL)
	svc := queue.NewService(repo, locker, logger)

	// Run once at startup
	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping queue worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *queue.Service, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	reset, err := svc.ResetIdleQueues(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("queue reset run error")
		return
	}
	logger.Info().Int("clinics_reset", reset).Dur("took", time.Since(start)).Msg("queue reset run complete")
}
