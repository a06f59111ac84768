// Package config loads the core processing plane's pipeline tunables
// (config/pipeline.yaml) and resolves the environment-variable surface
// every component's defaults can be overridden by. Per-tier quota limits
// (config/limits.yaml) are loaded by internal/ratelimit, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// PipelineConfig mirrors config/pipeline.yaml: the batch worker pool and
// streaming dispatcher's time constants.
type PipelineConfig struct {
	Workers               int `mapstructure:"workers"`
	QueueSize             int `mapstructure:"queue_size"`
	TranscribeConcurrency int `mapstructure:"transcribe_concurrency"`
	MaxSegmentBytes       int64 `mapstructure:"max_segment_bytes"`
	SegmentOverlapMs      int64 `mapstructure:"segment_overlap_ms"`
	NominalSegmentMs      int64 `mapstructure:"nominal_segment_ms"`
	CancelCheckIntervalS  int   `mapstructure:"cancel_check_interval_s"`
	FinalizeStageTimeoutS int   `mapstructure:"finalize_stage_timeout_s"`

	Streaming struct {
		ChunkMs        int64 `mapstructure:"chunk_ms"`
		OverlapMs      int64 `mapstructure:"overlap_ms"`
		CommitWindowMs int64 `mapstructure:"commit_window_ms"`
		IdleTimeoutS   int   `mapstructure:"idle_timeout_s"`
	} `mapstructure:"streaming"`
}

func resolveConfigPath(envKey, defaultAppPath, relPath string) string {
	cfgPath := os.Getenv(envKey)
	if cfgPath == "" {
		if _, err := os.Stat(defaultAppPath); err == nil {
			cfgPath = defaultAppPath
		} else {
			cfgPath = relPath
		}
	}
	if info, err := os.Stat(cfgPath); err == nil && info.IsDir() {
		cfgPath = filepath.Join(cfgPath, filepath.Base(relPath))
	}
	return cfgPath
}

// LoadPipeline loads config/pipeline.yaml from PIPELINE_CONFIG_PATH or
// /app/config/pipeline.yaml, falling back to ./config/pipeline.yaml.
func LoadPipeline() (*PipelineConfig, error) {
	cfgPath := resolveConfigPath("PIPELINE_CONFIG_PATH", "/app/config/pipeline.yaml", "config/pipeline.yaml")

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	var c PipelineConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline config: %w", err)
	}
	return &c, nil
}

// StorageEnv resolves the object storage backend selection from the
// environment, per the §6 configuration envelope.
type StorageEnv struct {
	Type         string // local|s3
	S3Bucket     string
	LocalDir     string
}

// ResolveStorageEnv reads STORAGE_TYPE, S3_BUCKET_NAME, LOCAL_STORAGE_DIR.
func ResolveStorageEnv() StorageEnv {
	return StorageEnv{
		Type:     envOrDefault("STORAGE_TYPE", "local"),
		S3Bucket: os.Getenv("S3_BUCKET_NAME"),
		LocalDir: envOrDefault("LOCAL_STORAGE_DIR", "./data/blobs"),
	}
}

// CacheEnv resolves the result cache's environment-driven settings.
type CacheEnv struct {
	Enabled    bool
	Type       string // redis|memory
	DefaultTTL int    // seconds
	MaxSize    int
}

// ResolveCacheEnv reads CACHE_ENABLED, CACHE_TYPE, CACHE_DEFAULT_TTL,
// CACHE_MAX_SIZE.
func ResolveCacheEnv() CacheEnv {
	return CacheEnv{
		Enabled:    ParseBool(envOrDefault("CACHE_ENABLED", "true")),
		Type:       envOrDefault("CACHE_TYPE", "redis"),
		DefaultTTL: envIntOrDefault("CACHE_DEFAULT_TTL", 300),
		MaxSize:    envIntOrDefault("CACHE_MAX_SIZE", 10000),
	}
}

// GateEnv resolves the rate-limit/quota gate's enable switches.
type GateEnv struct {
	RateLimitingEnabled bool
	QuotaEnabled        bool
}

// ResolveGateEnv reads RATE_LIMITING_ENABLED, QUOTA_ENABLED.
func ResolveGateEnv() GateEnv {
	return GateEnv{
		RateLimitingEnabled: ParseBool(envOrDefault("RATE_LIMITING_ENABLED", "true")),
		QuotaEnabled:        ParseBool(envOrDefault("QUOTA_ENABLED", "true")),
	}
}

// AudioEnv resolves the streaming time constants, overriding
// config/pipeline.yaml's streaming section when set.
type AudioEnv struct {
	ChunkMs           int64
	OverlapMs         int64
	CommitWindowMs    int64
	IdleTimeoutSec    int
}

// ResolveAudioEnv reads AUDIO_CHUNK_MS, AUDIO_OVERLAP_MS, COMMIT_WINDOW_MS,
// MEETING_IDLE_TIMEOUT_SEC, falling back to pipeline's streaming defaults
// when unset.
func ResolveAudioEnv(pipeline *PipelineConfig) AudioEnv {
	chunkMs := pipeline.Streaming.ChunkMs
	overlapMs := pipeline.Streaming.OverlapMs
	commitWindowMs := pipeline.Streaming.CommitWindowMs
	idleTimeoutSec := pipeline.Streaming.IdleTimeoutS

	if v := envInt64("AUDIO_CHUNK_MS"); v > 0 {
		chunkMs = v
	}
	if v := envInt64("AUDIO_OVERLAP_MS"); v > 0 {
		overlapMs = v
	}
	if v := envInt64("COMMIT_WINDOW_MS"); v > 0 {
		commitWindowMs = v
	}
	if v := envIntOrDefault("MEETING_IDLE_TIMEOUT_SEC", idleTimeoutSec); v > 0 {
		idleTimeoutSec = v
	}

	return AudioEnv{ChunkMs: chunkMs, OverlapMs: overlapMs, CommitWindowMs: commitWindowMs, IdleTimeoutSec: idleTimeoutSec}
}

// STTEnv resolves the STT provider façade's credentials.
type STTEnv struct {
	PrimaryKey  string
	FallbackKey string
}

// ResolveSTTEnv reads STT_PRIMARY_KEY, STT_FALLBACK_KEY.
func ResolveSTTEnv() STTEnv {
	return STTEnv{
		PrimaryKey:  os.Getenv("STT_PRIMARY_KEY"),
		FallbackKey: os.Getenv("STT_FALLBACK_KEY"),
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseBool converts common string representations to bool.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n != 0
		}
	}
	return false
}
