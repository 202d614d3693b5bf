// Package quota enforces monthly per-tenant usage limits.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/store"
	"autopilot-orchestrator/internal/telemetry"
)

// ErrQuotaExceeded matches every *ExceededError.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ExceededError reports the metric and the numbers that tripped it.
type ExceededError struct {
	Metric models.Metric
	Used   int64
	Limit  int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d", e.Metric, e.Used, e.Limit)
}

func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// DefaultLimits are the monthly allowances when no override is configured.
var DefaultLimits = map[models.Metric]int64{
	models.MetricVideoGeneration: 120,
	models.MetricPublishNow:      120,
	models.MetricASRMinutes:      300,
	models.MetricStorageMB:       10240,
	models.MetricConcurrentJobs:  10,
}

// Policy selects when usage is charged relative to the check.
type Policy string

const (
	// PolicySoft checks, then logs after admission. Concurrent admissions may overshoot.
	PolicySoft Policy = "soft"
	// PolicyHard reserves atomically before admission and refunds duplicates.
	PolicyHard Policy = "hard"
)

// ParsePolicy maps config strings to a Policy, defaulting to soft.
func ParsePolicy(s string) Policy {
	if Policy(s) == PolicyHard {
		return PolicyHard
	}
	return PolicySoft
}

// ActiveCounter counts a tenant's pending and in-progress jobs.
type ActiveCounter interface {
	CountActive(ctx context.Context, tenant string) (int64, error)
}

// Enforcer reads and appends usage for the current UTC month.
type Enforcer struct {
	usage  store.UsageStore
	jobs   ActiveCounter
	limits map[models.Metric]int64
	policy Policy
	now    func() time.Time
	log    *zap.SugaredLogger
}

// Option customizes an Enforcer.
type Option func(*Enforcer)

// WithLimits overrides default limits per metric.
func WithLimits(limits map[string]int64) Option {
	return func(e *Enforcer) {
		for k, v := range limits {
			e.limits[models.Metric(k)] = v
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(e *Enforcer) { e.policy = p }
}

// WithClock injects the clock that decides the month window.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Enforcer) { e.log = log }
}

func NewEnforcer(usage store.UsageStore, jobs ActiveCounter, opts ...Option) *Enforcer {
	e := &Enforcer{
		usage:  usage,
		jobs:   jobs,
		limits: make(map[models.Metric]int64, len(DefaultLimits)),
		policy: PolicySoft,
		now:    time.Now,
	}
	for k, v := range DefaultLimits {
		e.limits[k] = v
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = telemetry.OrNop(e.log)
	return e
}

func (e *Enforcer) Policy() Policy { return e.policy }

// Limit returns the configured limit; unknown metrics get the video_generation allowance.
func (e *Enforcer) Limit(metric models.Metric) int64 {
	if l, ok := e.limits[metric]; ok {
		return l
	}
	return e.limits[models.MetricVideoGeneration]
}

func (e *Enforcer) resolve(metric models.Metric, limit *int64) int64 {
	if limit != nil {
		return *limit
	}
	return e.Limit(metric)
}

// Used returns current consumption: live active jobs for concurrent_jobs,
// otherwise the month-to-date sum.
func (e *Enforcer) Used(ctx context.Context, tenant string, metric models.Metric) (int64, error) {
	if metric == models.MetricConcurrentJobs {
		n, err := e.jobs.CountActive(ctx, tenant)
		return n, errors.Wrap(err, "count active jobs")
	}
	n, err := e.usage.SumUsage(ctx, tenant, metric, models.MonthStart(e.now()))
	return n, errors.Wrapf(err, "sum %s usage", metric)
}

// Enforce fails with *ExceededError when used >= limit. It writes nothing.
func (e *Enforcer) Enforce(ctx context.Context, tenant string, metric models.Metric, limit *int64) error {
	max := e.resolve(metric, limit)
	used, err := e.Used(ctx, tenant, metric)
	if err != nil {
		return err
	}
	if used >= max {
		return e.reject(tenant, metric, used, max)
	}
	return nil
}

// Log appends usage; a non-positive amount counts as one.
func (e *Enforcer) Log(ctx context.Context, tenant string, metric models.Metric, amount int64) error {
	if amount <= 0 {
		amount = 1
	}
	return e.append(ctx, tenant, metric, amount)
}

// Reserve checks and appends in one store transaction.
func (e *Enforcer) Reserve(ctx context.Context, tenant string, metric models.Metric, amount int64, limit *int64) error {
	if metric == models.MetricConcurrentJobs {
		return e.Enforce(ctx, tenant, metric, limit)
	}
	if amount <= 0 {
		amount = 1
	}
	max := e.resolve(metric, limit)
	used, ok, err := e.usage.ReserveUsage(ctx, models.UsageEntry{
		OrganizationID: tenant,
		Metric:         metric,
		Amount:         amount,
		CreatedAt:      e.now().UTC(),
	}, max, models.MonthStart(e.now()))
	if err != nil {
		return errors.Wrapf(err, "reserve %s", metric)
	}
	if !ok {
		return e.reject(tenant, metric, used, max)
	}
	return nil
}

// Refund appends a compensating negative entry for an earlier reservation.
func (e *Enforcer) Refund(ctx context.Context, tenant string, metric models.Metric, amount int64) error {
	if amount <= 0 {
		amount = 1
	}
	return e.append(ctx, tenant, metric, -amount)
}

func (e *Enforcer) append(ctx context.Context, tenant string, metric models.Metric, amount int64) error {
	err := e.usage.LogUsage(ctx, models.UsageEntry{
		OrganizationID: tenant,
		Metric:         metric,
		Amount:         amount,
		CreatedAt:      e.now().UTC(),
	})
	return errors.Wrapf(err, "log %s usage", metric)
}

func (e *Enforcer) reject(tenant string, metric models.Metric, used, limit int64) error {
	telemetry.QuotaRejects.WithLabelValues(string(metric)).Inc()
	e.log.Infow("quota exceeded", "tenant", tenant, "metric", metric, "used", used, "limit", limit)
	return &ExceededError{Metric: metric, Used: used, Limit: limit}
}

// Report is one metric's standing for the month.
type Report struct {
	Metric models.Metric `json:"metric"`
	Used   int64         `json:"used"`
	Limit  int64         `json:"limit"`
}

// Usage reports every metric for a tenant.
func (e *Enforcer) Usage(ctx context.Context, tenant string) ([]Report, error) {
	out := make([]Report, 0, len(models.Metrics))
	for _, m := range models.Metrics {
		used, err := e.Used(ctx, tenant, m)
		if err != nil {
			return nil, err
		}
		out = append(out, Report{Metric: m, Used: used, Limit: e.Limit(m)})
	}
	return out, nil
}
