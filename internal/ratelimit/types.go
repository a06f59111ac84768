// Package ratelimit implements the Rate-Limit and Quota Gate (§4.3):
// sliding-window limits per (user, class) and tier-driven absolute quotas.
package ratelimit

import "time"

// LimitClass is a declared category of user-facing operation.
type LimitClass string

const (
	ClassAPIGeneral      LimitClass = "api_general"
	ClassAPIUpload       LimitClass = "api_upload"
	ClassAPITranscription LimitClass = "api_transcription"
	ClassConcurrentJobs  LimitClass = "concurrent_jobs"
)

// ClassLimit is the default (max, window) pair for a limit class.
type ClassLimit struct {
	Max    int
	Window time.Duration
}

// DefaultClassLimits mirrors the spec's default table; overridable by config.
var DefaultClassLimits = map[LimitClass]ClassLimit{
	ClassAPIGeneral:       {Max: 100, Window: 60 * time.Second},
	ClassAPIUpload:        {Max: 10, Window: 60 * time.Second},
	ClassAPITranscription: {Max: 20, Window: 3600 * time.Second},
	ClassConcurrentJobs:   {Max: 5, Window: 0},
}

// TierQuota is the set of absolute resource limits a subscription tier grants.
type TierQuota struct {
	DailyMinutes    float64
	MonthlyMinutes  float64
	MaxFileSizeMB   float64
	ConcurrentJobs  int
	APICallsPerHour int
	StorageGB       float64
}

// DefaultTierQuotas covers free/premium/enterprise, overridable by config.
var DefaultTierQuotas = map[string]TierQuota{
	"free": {
		DailyMinutes: 60, MonthlyMinutes: 600, MaxFileSizeMB: 100,
		ConcurrentJobs: 1, APICallsPerHour: 100, StorageGB: 1,
	},
	"premium": {
		DailyMinutes: 600, MonthlyMinutes: 6000, MaxFileSizeMB: 2000,
		ConcurrentJobs: 5, APICallsPerHour: 1000, StorageGB: 50,
	},
	"enterprise": {
		DailyMinutes: 6000, MonthlyMinutes: 60000, MaxFileSizeMB: 10000,
		ConcurrentJobs: 25, APICallsPerHour: 10000, StorageGB: 1000,
	},
}

// RemainingInfo is returned alongside every allow/deny decision.
type RemainingInfo struct {
	Remaining  int
	RetryAfter time.Duration
}

// QuotaCheckResult enumerates every violated rule, never only the first.
type QuotaCheckResult struct {
	Allowed    bool
	Violations []string
	Remaining  TierQuota
}
