package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/mediascribe/coreplane/internal/models"
)

func quotaKey(userID string) string { return fmt.Sprintf("quota:%s", userID) }

// loadUsage reads the rolling usage counters, lazily rolling day/hour
// counters over when the clock has advanced past the last reset.
func (g *Gate) loadUsage(ctx context.Context, userID string) (models.QuotaUsage, error) {
	res := g.redis.GetClient().HGetAll(ctx, quotaKey(userID))
	if res.Err() != nil {
		return models.QuotaUsage{UserID: userID}, res.Err()
	}
	usage := models.QuotaUsage{UserID: userID}
	m := res.Val()
	if m != nil {
		fmt.Sscanf(m["minutes_used_today"], "%f", &usage.MinutesUsedToday)
		fmt.Sscanf(m["minutes_used_month"], "%f", &usage.MinutesUsedMonth)
		fmt.Sscanf(m["storage_used_gb"], "%f", &usage.StorageUsedGB)
		fmt.Sscanf(m["api_calls_this_hour"], "%d", &usage.APICallsThisHour)
		fmt.Sscanf(m["active_jobs"], "%d", &usage.ActiveJobs)
		fmt.Sscanf(m["last_reset_day"], "%d", &usage.LastResetDay)
		fmt.Sscanf(m["last_reset_hour"], "%d", &usage.LastResetHour)
	}

	now := time.Now().UTC()
	if usage.LastResetDay != now.YearDay() {
		usage.MinutesUsedToday = 0
		usage.LastResetDay = now.YearDay()
		if now.Day() == 1 {
			usage.MinutesUsedMonth = 0
		}
	}
	if usage.LastResetHour != now.Hour() {
		usage.APICallsThisHour = 0
		usage.LastResetHour = now.Hour()
	}
	return usage, nil
}

func (g *Gate) saveUsage(ctx context.Context, usage models.QuotaUsage) error {
	fields := map[string]interface{}{
		"minutes_used_today":  usage.MinutesUsedToday,
		"minutes_used_month":  usage.MinutesUsedMonth,
		"storage_used_gb":     usage.StorageUsedGB,
		"api_calls_this_hour": usage.APICallsThisHour,
		"active_jobs":         usage.ActiveJobs,
		"last_reset_day":      usage.LastResetDay,
		"last_reset_hour":     usage.LastResetHour,
	}
	return g.redis.GetClient().HSet(ctx, quotaKey(usage.UserID), fields).Err()
}

// CheckQuota validates a prospective transcription of audioMinutes against
// the user's tier quota, enumerating every violated rule.
func (g *Gate) CheckQuota(ctx context.Context, userID, tier string, audioMinutes, fileSizeMB float64) (QuotaCheckResult, error) {
	quota := QuotaFor(tier)
	if !g.quotaEnabled {
		return QuotaCheckResult{Allowed: true, Remaining: quota}, nil
	}

	usage, err := g.loadUsage(ctx, userID)
	if err != nil {
		g.logger.Warn("quota load failed, failing open")
		return QuotaCheckResult{Allowed: true, Remaining: quota}, nil
	}

	var violations []string
	if usage.MinutesUsedToday+audioMinutes > quota.DailyMinutes {
		violations = append(violations, "daily_minutes_exceeded")
	}
	if usage.MinutesUsedMonth+audioMinutes > quota.MonthlyMinutes {
		violations = append(violations, "monthly_minutes_exceeded")
	}
	if fileSizeMB > quota.MaxFileSizeMB {
		violations = append(violations, "file_size_exceeded")
	}
	if usage.StorageUsedGB > quota.StorageGB {
		violations = append(violations, "storage_exceeded")
	}
	if usage.APICallsThisHour >= quota.APICallsPerHour {
		violations = append(violations, "api_calls_exceeded")
	}
	if usage.ActiveJobs >= quota.ConcurrentJobs {
		violations = append(violations, "concurrent_jobs_exceeded")
	}

	remaining := TierQuota{
		DailyMinutes:    quota.DailyMinutes - usage.MinutesUsedToday,
		MonthlyMinutes:  quota.MonthlyMinutes - usage.MinutesUsedMonth,
		MaxFileSizeMB:   quota.MaxFileSizeMB,
		ConcurrentJobs:  quota.ConcurrentJobs - usage.ActiveJobs,
		APICallsPerHour: quota.APICallsPerHour - usage.APICallsThisHour,
		StorageGB:       quota.StorageGB - usage.StorageUsedGB,
	}

	result := QuotaCheckResult{
		Allowed:    len(violations) == 0,
		Violations: violations,
		Remaining:  remaining,
	}

	if result.Allowed {
		usage.APICallsThisHour++
		_ = g.saveUsage(ctx, usage)
	}

	return result, nil
}

// RecordUsage commits actual consumed minutes/storage after a job completes.
func (g *Gate) RecordUsage(ctx context.Context, userID string, audioMinutes, storageDeltaGB float64) error {
	usage, err := g.loadUsage(ctx, userID)
	if err != nil {
		return err
	}
	usage.MinutesUsedToday += audioMinutes
	usage.MinutesUsedMonth += audioMinutes
	usage.StorageUsedGB += storageDeltaGB
	return g.saveUsage(ctx, usage)
}
