package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"autopilot-orchestrator/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// AdmitParams collects inputs required to admit a job.
type AdmitParams struct {
	OrganizationID string
	ProjectID      *string
	Type           models.JobType
	IdempotencyKey string
	Payload        json.RawMessage
	TTL            time.Duration
	Attempt        int
	RetryOf        *string
	Now            time.Time
}

// JobStore is the job ledger: admission, transitions and run history.
type JobStore interface {
	// Admit returns the reusable job for the key or inserts a new pending job.
	// The bool is true when a new row was written.
	Admit(ctx context.Context, p AdmitParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// Transition moves a job and appends a run in one transaction.
	Transition(ctx context.Context, id string, to models.JobStatus, message string) (models.Job, error)
	AppendRun(ctx context.Context, id string, status models.JobStatus, message string) error
	ListRuns(ctx context.Context, id string) ([]models.JobRun, error)
	CountActive(ctx context.Context, tenant string) (int64, error)
	// Touch records that a worker still holds an in_progress job. It writes
	// no run.
	Touch(ctx context.Context, id string) error
	// ListStuck returns in_progress jobs with neither a run nor a heartbeat
	// recorded since before.
	ListStuck(ctx context.Context, before time.Time, limit int) ([]models.Job, error)
	// ListPendingBefore returns pending jobs created before the cutoff.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Job, error)
}

// UsageStore is the append-only usage log.
type UsageStore interface {
	SumUsage(ctx context.Context, tenant string, metric models.Metric, since time.Time) (int64, error)
	LogUsage(ctx context.Context, e models.UsageEntry) error
	// ReserveUsage appends e only if used+e.Amount stays within limit, atomically.
	ReserveUsage(ctx context.Context, e models.UsageEntry, limit int64, since time.Time) (int64, bool, error)
}

// AssetStore persists rendered assets.
type AssetStore interface {
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	FindAssetByPlan(ctx context.Context, tenant, planID string) (models.Asset, error)
	SaveAsset(ctx context.Context, a models.Asset) (models.Asset, error)
	ListAssetsAwaitingPublish(ctx context.Context, tenant string) ([]models.Asset, error)
}

// CredentialStore holds platform tokens per tenant.
type CredentialStore interface {
	GetCredential(ctx context.Context, tenant string) (models.Credential, error)
	SaveCredential(ctx context.Context, c models.Credential) error
	ListCredentials(ctx context.Context) ([]models.Credential, error)
}

// MetricStore records video metrics.
type MetricStore interface {
	SaveVideoMetrics(ctx context.Context, ms []models.VideoMetric) error
}

// Store is everything the orchestrator persists.
type Store interface {
	JobStore
	UsageStore
	AssetStore
	CredentialStore
	MetricStore
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)

func lockKey(parts ...string) string {
	return strings.Join(parts, "|")
}
