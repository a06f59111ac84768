// Command worker runs the batch transcription pipeline's worker pool: it
// pulls queued jobs, runs them stage by stage, and exits cleanly on
// SIGINT/SIGTERM once in-flight jobs have had a chance to checkpoint.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/checkpoint"
	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/config"
	"github.com/mediascribe/coreplane/internal/jobstore"
	"github.com/mediascribe/coreplane/internal/pipeline"
	"github.com/mediascribe/coreplane/internal/ratelimit"
	"github.com/mediascribe/coreplane/internal/storage"
	"github.com/mediascribe/coreplane/internal/sttprovider"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	pipelineCfg, err := config.LoadPipeline()
	if err != nil {
		logger.Fatal("failed to load pipeline config", zap.Error(err))
	}

	db, err := connectPostgres(logger)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient := redis.NewClient(mustParseRedisURL(getEnvOrDefault("REDIS_URL", "redis://redis:6379"), logger))
	defer redisClient.Close()
	ctx := context.Background()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}

	circuitbreaker.StartMetricsCollection()

	blobs, err := buildStorage(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialize storage backend", zap.Error(err))
	}

	gateEnv := config.ResolveGateEnv()
	gate := ratelimit.NewGate(redisClient, logger, gateEnv.RateLimitingEnabled, gateEnv.QuotaEnabled)

	cps := checkpoint.New(db, logger)
	stt := buildSTTFacade(logger)

	queueProxy := &poolQueueProxy{}
	jobs := jobstore.New(db, logger, queueProxy)

	cfg := pipeline.Config{
		Workers:               pipelineCfg.Workers,
		QueueSize:             pipelineCfg.QueueSize,
		TranscribeConcurrency: pipelineCfg.TranscribeConcurrency,
		MaxSegmentBytes:       pipelineCfg.MaxSegmentBytes,
		SegmentOverlapMs:      pipelineCfg.SegmentOverlapMs,
		NominalSegmentMs:      pipelineCfg.NominalSegmentMs,
		CancelCheckInterval:   time.Duration(pipelineCfg.CancelCheckIntervalS) * time.Second,
		FinalizeStageTimeout:  time.Duration(pipelineCfg.FinalizeStageTimeoutS) * time.Second,
	}
	pool := pipeline.NewPool(cfg, jobs, cps, blobs, stt, gate, pipeline.StaticTier(getEnvOrDefault("DEFAULT_TIER", "free")), logger)
	queueProxy.pool = pool

	pool.Start(ctx)
	defer pool.Stop()

	logger.Info("worker started", zap.Int("workers", cfg.Workers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("worker shutting down")
	jobs.Close()
	logger.Info("worker stopped")
}

// poolQueueProxy breaks the jobstore/pipeline construction cycle: jobstore
// needs a Queue at construction, but the pipeline pool needs the jobstore
// itself. pool is set once both are built.
type poolQueueProxy struct {
	pool *pipeline.Pool
}

func (p *poolQueueProxy) Enqueue(jobID string) bool {
	if p.pool == nil {
		return false
	}
	return p.pool.Enqueue(jobID)
}

func connectPostgres(logger *zap.Logger) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		getEnvOrDefault("POSTGRES_HOST", "postgres"),
		getEnvOrDefaultInt("POSTGRES_PORT", 5432),
		getEnvOrDefault("POSTGRES_USER", "mediascribe"),
		getEnvOrDefault("POSTGRES_PASSWORD", "mediascribe"),
		getEnvOrDefault("POSTGRES_DB", "mediascribe"),
		getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(getEnvOrDefaultInt("POSTGRES_MAX_CONNS", 25))
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func mustParseRedisURL(url string, logger *zap.Logger) *redis.Options {
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Fatal("failed to parse redis url", zap.Error(err))
	}
	return opts
}

func buildStorage(ctx context.Context, logger *zap.Logger) (storage.Interface, error) {
	env := config.ResolveStorageEnv()
	switch env.Type {
	case "s3":
		return storage.NewS3Backend(ctx, env.S3Bucket, logger)
	default:
		return storage.NewLocalBackend(env.LocalDir)
	}
}

func buildSTTFacade(logger *zap.Logger) *sttprovider.Facade {
	sttEnv := config.ResolveSTTEnv()
	primaryURL := getEnvOrDefault("STT_PRIMARY_URL", "http://stt-primary:9000")
	fallbackURL := getEnvOrDefault("STT_FALLBACK_URL", "http://stt-fallback:9000")

	primary := sttprovider.NewHTTPBackend("primary", primaryURL, sttEnv.PrimaryKey, logger)
	secondary := sttprovider.NewHTTPBackend("fallback", fallbackURL, sttEnv.FallbackKey, logger)
	return sttprovider.NewFacade(primary, secondary, logger)
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
