package ratelimit

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Limits struct {
		Classes map[string]struct {
			Max      int `yaml:"max"`
			WindowS  int `yaml:"window_s"`
		} `yaml:"classes"`
		Tiers map[string]struct {
			DailyMinutes    float64 `yaml:"daily_minutes"`
			MonthlyMinutes  float64 `yaml:"monthly_minutes"`
			MaxFileSizeMB   float64 `yaml:"max_file_size_mb"`
			ConcurrentJobs  int     `yaml:"concurrent_jobs"`
			APICallsPerHour int     `yaml:"api_calls_per_hour"`
			StorageGB       float64 `yaml:"storage_gb"`
		} `yaml:"tiers"`
	} `yaml:"limits"`
}

var (
	mu          sync.RWMutex
	classLimits map[LimitClass]ClassLimit
	tierQuotas  map[string]TierQuota
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("CONFIG_PATH"),
	"/app/config/limits.yaml",
	"./config/limits.yaml",
	"../../config/limits.yaml",
}

func loadLocked() {
	classLimits = cloneClassLimits(DefaultClassLimits)
	tierQuotas = cloneTierQuotas(DefaultTierQuotas)

	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var cfg fileConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Printf("WARNING: failed to unmarshal rate limit config from %s: %v", p, err)
			continue
		}
		applyOverrides(&cfg)
		log.Printf("Loaded rate/quota configuration from %s", p)
		break
	}
	initialized = true
}

func applyOverrides(cfg *fileConfig) {
	for name, c := range cfg.Limits.Classes {
		classLimits[LimitClass(strings.ToLower(strings.TrimSpace(name)))] = ClassLimit{
			Max:    c.Max,
			Window: secondsToDuration(c.WindowS),
		}
	}
	for name, t := range cfg.Limits.Tiers {
		tierQuotas[strings.ToLower(strings.TrimSpace(name))] = TierQuota{
			DailyMinutes:    t.DailyMinutes,
			MonthlyMinutes:  t.MonthlyMinutes,
			MaxFileSizeMB:   t.MaxFileSizeMB,
			ConcurrentJobs:  t.ConcurrentJobs,
			APICallsPerHour: t.APICallsPerHour,
			StorageGB:       t.StorageGB,
		}
	}
}

func cloneClassLimits(src map[LimitClass]ClassLimit) map[LimitClass]ClassLimit {
	dst := make(map[LimitClass]ClassLimit, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneTierQuotas(src map[string]TierQuota) map[string]TierQuota {
	dst := make(map[string]TierQuota, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func get() (map[LimitClass]ClassLimit, map[string]TierQuota) {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return classLimits, tierQuotas
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return classLimits, tierQuotas
}

// LimitFor returns the effective (max, window) for a limit class.
func LimitFor(class LimitClass) ClassLimit {
	classes, _ := get()
	if c, ok := classes[class]; ok {
		return c
	}
	return DefaultClassLimits[class]
}

// QuotaFor returns the effective tier quota, defaulting to "free".
func QuotaFor(tier string) TierQuota {
	_, tiers := get()
	key := strings.ToLower(strings.TrimSpace(tier))
	if q, ok := tiers[key]; ok {
		return q
	}
	return DefaultTierQuotas["free"]
}

// Reload re-reads configuration from disk immediately, replacing the
// cached class limits and tier quotas.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
