package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, []string{"high", "default", "low"}, cfg.PriorityQueues)
	assert.Equal(t, "soft", cfg.QuotaPolicy)
	assert.Equal(t, 4, cfg.JobMaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.StuckJobTimeout)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL)
	assert.Empty(t, cfg.QuotaLimits)

	publish := cfg.RateLimitBuckets["tiktok:publish"]
	assert.Equal(t, 5, publish.Capacity)
	assert.InDelta(t, 0.1, publish.RefillRate, 1e-9)
	assert.Equal(t, Bucket{Capacity: 100, RefillRate: 10}, cfg.RateLimitBuckets["falai:run"])
	assert.Equal(t, "rl", cfg.RateLimitKeyPrefix)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PRIORITY_QUEUES", " urgent , ,bulk")
	t.Setenv("QUOTA_POLICY", "HARD")
	t.Setenv("QUOTA_LIMIT_VIDEO_GENERATION", "7")
	t.Setenv("QUOTA_LIMIT_ASR_MINUTES", "0")
	t.Setenv("RATE_LIMIT_OPENROUTER_CAPACITY", "3")
	t.Setenv("VISIBILITY_TIMEOUT", "90s")
	t.Setenv("STORAGE_BACKEND", "S3")
	t.Setenv("RATE_LIMIT_KEY_PREFIX", "staging:rl")

	cfg := Load()

	assert.Equal(t, []string{"urgent", "bulk"}, cfg.PriorityQueues)
	assert.Equal(t, "hard", cfg.QuotaPolicy)
	assert.Equal(t, map[string]int64{"video_generation": 7}, cfg.QuotaLimits)
	assert.Equal(t, 3, cfg.RateLimitBuckets["openrouter:complete"].Capacity)
	assert.Equal(t, 90*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, "s3", cfg.StorageBackend)
	assert.Equal(t, "staging:rl", cfg.RateLimitKeyPrefix)
}

func TestSplitListFallsBackToDefault(t *testing.T) {
	assert.Equal(t, []string{"a"}, splitList(" , ", []string{"a"}))
}
