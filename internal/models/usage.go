package models

import "time"

// Metric is a quota-tracked counter.
type Metric string

const (
	MetricVideoGeneration Metric = "video_generation"
	MetricPublishNow      Metric = "publish_now"
	MetricStorageMB       Metric = "storage_mb"
	MetricASRMinutes      Metric = "asr_minutes"
	// MetricConcurrentJobs is computed from active jobs, never logged.
	MetricConcurrentJobs Metric = "concurrent_jobs"
)

// Metrics lists the quota metrics in display order.
var Metrics = []Metric{
	MetricVideoGeneration,
	MetricPublishNow,
	MetricStorageMB,
	MetricASRMinutes,
	MetricConcurrentJobs,
}

// MetricFor returns the usage metric charged when a job of type t is admitted.
func MetricFor(t JobType) (Metric, bool) {
	switch t {
	case JobGenerateAssets:
		return MetricVideoGeneration, true
	case JobPublishNow:
		return MetricPublishNow, true
	}
	return "", false
}

// UsageEntry is an append-only usage record. Refunds are negative amounts.
type UsageEntry struct {
	ID             string    `json:"id,omitempty"`
	OrganizationID string    `json:"organization_id"`
	Metric         Metric    `json:"metric"`
	Amount         int64     `json:"amount"`
	CreatedAt      time.Time `json:"created_at"`
}

// MonthStart returns the first instant of t's month in UTC.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
