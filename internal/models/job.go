package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// JobType is the closed set of work the orchestrator knows how to run.
type JobType string

const (
	JobGenerateAssets    JobType = "generate_assets"
	JobPublishNow        JobType = "publish_now"
	JobPollPublishStatus JobType = "poll_publish_status"
	JobFetchMetrics      JobType = "fetch_metrics"
	JobTranscribe        JobType = "transcribe"
	JobTranslate         JobType = "translate"
	JobRefreshTokens     JobType = "refresh_tokens"
)

// JobTypes lists every known job type in a stable order.
var JobTypes = []JobType{
	JobGenerateAssets,
	JobPublishNow,
	JobPollPublishStatus,
	JobFetchMetrics,
	JobTranscribe,
	JobTranslate,
	JobRefreshTokens,
}

// ParseJobType rejects strings outside the closed set.
func ParseJobType(s string) (JobType, error) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", errors.Newf("unknown job type %q", s)
}

// JobStatus enumerates lifecycle states persisted in the ledger.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ParseJobStatus rejects strings outside the closed set.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return JobStatus(s), nil
	}
	return "", errors.Newf("unknown job status %q", s)
}

// Active reports whether the job still occupies its idempotency slot.
func (s JobStatus) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrInvalidTransition is returned for any move outside the transition table.
var ErrInvalidTransition = errors.New("invalid job status transition")

var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// CheckTransition validates a status move against the transition table.
func CheckTransition(from, to JobStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
}

// Job is one unit of tenant work and its lifecycle record.
type Job struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	ProjectID      *string         `json:"project_id,omitempty"`
	Type           JobType         `json:"type"`
	Status         JobStatus       `json:"status"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	RetryOf        *string         `json:"retry_of,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Key returns the idempotency key or "" when none was supplied.
func (j Job) Key() string {
	if j.IdempotencyKey == nil {
		return ""
	}
	return *j.IdempotencyKey
}

// AttemptSeparator joins a base idempotency key and the attempt number of a
// resubmitted job. Caller keys may not contain it.
const AttemptSeparator = "#"

// AttemptKey is the idempotency key of the given attempt of the work keyed base.
func AttemptKey(base string, attempt int) string {
	if attempt <= 1 {
		return base
	}
	return base + AttemptSeparator + strconv.Itoa(attempt)
}

// BaseKey returns the key the job's first attempt was admitted under. Only the
// suffix AttemptKey adds for this job's own attempt is removed.
func (j Job) BaseKey() string {
	key := j.Key()
	if j.Attempt > 1 {
		if base, ok := strings.CutSuffix(key, AttemptSeparator+strconv.Itoa(j.Attempt)); ok {
			return base
		}
	}
	return key
}

// ReuseExisting decides whether the newest job sharing an idempotency key
// satisfies a new admission. Active jobs are always reused so a key never has
// two active jobs; completed jobs are reused inside the TTL; failed jobs never.
func ReuseExisting(existing Job, now time.Time, ttl time.Duration) bool {
	switch existing.Status {
	case StatusPending, StatusInProgress:
		return true
	case StatusCompleted:
		return now.Sub(existing.CreatedAt) <= ttl
	default:
		return false
	}
}

// JobRun is an append-only history entry for a job.
type JobRun struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StrPtr is a small helper for optional string columns.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
