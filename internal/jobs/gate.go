// Package jobs owns job admission and lifecycle transitions on top of the ledger store.
package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/store"
	"autopilot-orchestrator/internal/telemetry"
)

// DefaultIdempotencyTTL is how long a completed job satisfies repeat submissions.
const DefaultIdempotencyTTL = 60 * time.Minute

// AdmitRequest describes a job a caller wants to exist.
type AdmitRequest struct {
	OrganizationID string
	ProjectID      *string
	Type           models.JobType
	IdempotencyKey string
	Payload        json.RawMessage
	// TTL overrides the gate default when positive.
	TTL     time.Duration
	Attempt int
	RetryOf *string
}

// Gate guarantees at most one active job per (tenant, type, key).
type Gate struct {
	store store.JobStore
	ttl   time.Duration
	now   func() time.Time
	log   *zap.SugaredLogger
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithClock replaces the wall clock used for TTL decisions.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.SugaredLogger) GateOption {
	return func(g *Gate) { g.log = l }
}

// NewGate builds a gate; ttl <= 0 uses DefaultIdempotencyTTL.
func NewGate(s store.JobStore, ttl time.Duration, opts ...GateOption) *Gate {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	g := &Gate{store: s, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(g)
	}
	g.log = telemetry.OrNop(g.log)
	return g
}

// Admit returns the job satisfying req and whether it was newly created.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) (models.Job, bool, error) {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return models.Job{}, false, errors.New("organization id is required")
	}
	if _, err := models.ParseJobType(string(req.Type)); err != nil {
		return models.Job{}, false, err
	}
	ttl := g.ttl
	if req.TTL > 0 {
		ttl = req.TTL
	}
	job, isNew, err := g.store.Admit(ctx, store.AdmitParams{
		OrganizationID: req.OrganizationID,
		ProjectID:      req.ProjectID,
		Type:           req.Type,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		TTL:            ttl,
		Attempt:        req.Attempt,
		RetryOf:        req.RetryOf,
		Now:            g.now(),
	})
	if err != nil {
		return models.Job{}, false, errors.Wrapf(err, "admit %s for %s", req.Type, req.OrganizationID)
	}
	if isNew {
		telemetry.JobsAdmitted.WithLabelValues(string(job.Type)).Inc()
	} else {
		telemetry.JobsDeduplicated.WithLabelValues(string(job.Type)).Inc()
		g.log.Debugw("reused job for idempotency key", "job_id", job.ID, "tenant", job.OrganizationID, "status", job.Status)
	}
	return job, isNew, nil
}
