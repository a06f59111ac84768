// Command apiserver exposes the core processing plane's HTTP surface:
// chunked upload sessions, live streaming sessions, and transcription
// job management (§6). It shares its storage/cache/queue wiring with
// cmd/worker and also starts its own batch pipeline worker pool, since the
// retry route and job enqueueing call into it directly.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/cache"
	"github.com/mediascribe/coreplane/internal/checkpoint"
	"github.com/mediascribe/coreplane/internal/chunkstore"
	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/config"
	"github.com/mediascribe/coreplane/internal/eventbus"
	"github.com/mediascribe/coreplane/internal/httpapi"
	"github.com/mediascribe/coreplane/internal/jobstore"
	"github.com/mediascribe/coreplane/internal/ownercontext"
	"github.com/mediascribe/coreplane/internal/pipeline"
	"github.com/mediascribe/coreplane/internal/ratelimit"
	"github.com/mediascribe/coreplane/internal/storage"
	"github.com/mediascribe/coreplane/internal/streamapi"
	"github.com/mediascribe/coreplane/internal/sttprovider"
	"github.com/mediascribe/coreplane/internal/upload"
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

	resultCache := buildCache(redisClient, logger)

	gateEnv := config.ResolveGateEnv()
	gate := ratelimit.NewGate(redisClient, logger, gateEnv.RateLimitingEnabled, gateEnv.QuotaEnabled)
	tiers := pipeline.StaticTier(getEnvOrDefault("DEFAULT_TIER", "free"))

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
	pool := pipeline.NewPool(cfg, jobs, cps, blobs, stt, gate, tiers, logger)
	queueProxy.pool = pool
	pool.Start(ctx)
	defer pool.Stop()

	sessions := upload.NewRedisSessionStore(redisClient, logger)
	uploads := upload.NewService(sessions, blobs, jobs, logger)

	chunks := chunkstore.New(redisClient, logger, chunkstore.DefaultKeyTTL)
	bus := eventbus.NewBus(redisClient, logger)
	owners := streamapi.ChunkRecordOwnerLookup{Chunks: chunks}
	dispatcher := streamapi.NewDispatcher(blobs, chunks, stt, bus, owners, logger)
	reaper := streamapi.NewReaper(chunks, dispatcher, chunkstore.DefaultIdleTTL, 30*time.Second, logger)
	go reaper.Run(ctx)

	callerResolver := buildOwnerResolver(logger)

	srv := httpapi.New(callerResolver, uploads, dispatcher, reaper, jobs, pool, blobs, resultCache, gate, tiers, logger)

	port := getEnvOrDefaultInt("PORT", 8081)
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      corsMiddleware(srv),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  300 * time.Second,
	}

	go func() {
		logger.Info("apiserver starting", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("apiserver failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("apiserver shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("apiserver forced to shutdown", zap.Error(err))
	}
	jobs.Close()
	logger.Info("apiserver stopped")
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

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func buildOwnerResolver(logger *zap.Logger) *ownercontext.Resolver {
	if dev := getEnvOrDefault("DEV_OWNER_ID", ""); dev != "" {
		logger.Warn("running with DEV_OWNER_ID bypass, do not use in production")
		return ownercontext.NewDev(dev)
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logger.Fatal("JWT_SECRET must be set unless DEV_OWNER_ID is used")
	}
	return ownercontext.New(secret)
}

func buildCache(client *redis.Client, logger *zap.Logger) cache.Cache {
	env := config.ResolveCacheEnv()
	if !env.Enabled {
		return cache.NoopCache{}
	}
	return cache.NewRedisCache(client, logger, env.MaxSize)
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
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
