// Package admission is the caller-facing entry point for new work:
// validate, check quota, admit through the idempotency gate, then dispatch.
package admission

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/jobs"
	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/quota"
	"autopilot-orchestrator/internal/telemetry"
)

var (
	// ErrValidation marks malformed requests. Nothing is written for them.
	ErrValidation = errors.New("invalid job request")
	// ErrDispatch marks a job that was admitted but not handed to the queue.
	// The job stays pending and the redispatch sweep picks it up.
	ErrDispatch = errors.New("job admitted but not dispatched")
)

// Dispatcher hands admitted job ids to workers.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error
}

// Request is one submission.
type Request struct {
	OrganizationID string
	ProjectID      *string
	Type           models.JobType
	IdempotencyKey string
	Payload        json.RawMessage
	Priority       string
	// RunAt defers execution; zero means now.
	RunAt time.Time
	// Attempt and RetryOf are set by job-level resubmission.
	Attempt int
	RetryOf *string
	// Limit overrides the configured limit of the type's usage metric. It is
	// for in-process callers only and is never read from client input.
	Limit *int64
}

// Status tells a fresh admission from a reuse.
type Status string

const (
	Created   Status = "created"
	Duplicate Status = "duplicate"
)

type Outcome struct {
	Status Status     `json:"status"`
	Job    models.Job `json:"job"`
}

type Service struct {
	gate       *jobs.Gate
	quota      *quota.Enforcer
	dispatcher Dispatcher
	log        *zap.SugaredLogger
}

type Option func(*Service)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Service) { s.log = log }
}

func NewService(gate *jobs.Gate, enforcer *quota.Enforcer, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{gate: gate, quota: enforcer, dispatcher: dispatcher}
	for _, opt := range opts {
		opt(s)
	}
	s.log = telemetry.OrNop(s.log)
	return s
}

// Submit admits req. Quota and validation rejections write nothing. A
// duplicate returns the existing job and charges nothing.
func (s *Service) Submit(ctx context.Context, req Request) (Outcome, error) {
	payload, err := s.validate(&req)
	if err != nil {
		return Outcome{}, err
	}

	tenant := req.OrganizationID
	metric, metered := models.MetricFor(req.Type)
	// Resubmissions carry forward the original admission's charge.
	metered = metered && req.RetryOf == nil

	if err := s.quota.Enforce(ctx, tenant, models.MetricConcurrentJobs, nil); err != nil {
		return Outcome{}, err
	}
	hard := s.quota.Policy() == quota.PolicyHard
	if metered {
		if hard {
			err = s.quota.Reserve(ctx, tenant, metric, 1, req.Limit)
		} else {
			err = s.quota.Enforce(ctx, tenant, metric, req.Limit)
		}
		if err != nil {
			return Outcome{}, err
		}
	}

	job, isNew, err := s.gate.Admit(ctx, jobs.AdmitRequest{
		OrganizationID: tenant,
		ProjectID:      req.ProjectID,
		Type:           req.Type,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        payload,
		Attempt:        req.Attempt,
		RetryOf:        req.RetryOf,
	})
	if err != nil {
		if metered && hard {
			s.refund(ctx, tenant, metric)
		}
		return Outcome{}, err
	}

	if !isNew {
		if metered && hard {
			s.refund(ctx, tenant, metric)
		}
		return Outcome{Status: Duplicate, Job: job}, nil
	}

	if metered && !hard {
		if err := s.quota.Log(ctx, tenant, metric, 1); err != nil {
			s.log.Warnw("usage log failed after admission", "job_id", job.ID, "tenant", tenant, "metric", metric, "error", err)
		}
	}

	out := Outcome{Status: Created, Job: job}
	if err := s.dispatcher.Enqueue(ctx, job.ID, req.Priority, req.RunAt); err != nil {
		s.log.Errorw("dispatch failed; job left pending", "job_id", job.ID, "tenant", tenant, "type", job.Type, "error", err)
		return out, errors.Mark(errors.Wrapf(err, "dispatch job %s", job.ID), ErrDispatch)
	}
	telemetry.EnqueueCounter.Inc()
	s.log.Infow("job admitted", "job_id", job.ID, "tenant", tenant, "type", job.Type, "attempt", job.Attempt)
	return out, nil
}

func (s *Service) refund(ctx context.Context, tenant string, metric models.Metric) {
	if err := s.quota.Refund(ctx, tenant, metric, 1); err != nil {
		s.log.Warnw("quota refund failed", "tenant", tenant, "metric", metric, "error", err)
	}
}

// validate checks the envelope and decodes the payload once, returning its canonical encoding.
func (s *Service) validate(req *Request) (json.RawMessage, error) {
	req.OrganizationID = strings.TrimSpace(req.OrganizationID)
	if req.OrganizationID == "" {
		return nil, errors.Mark(errors.New("organization id is required"), ErrValidation)
	}
	if _, err := models.ParseJobType(string(req.Type)); err != nil {
		return nil, errors.Mark(err, ErrValidation)
	}
	if len(req.IdempotencyKey) > 255 {
		return nil, errors.Mark(errors.New("idempotency key longer than 255 characters"), ErrValidation)
	}
	if req.Attempt <= 1 && strings.Contains(req.IdempotencyKey, models.AttemptSeparator) {
		return nil, errors.Mark(errors.Newf("idempotency key may not contain %q", models.AttemptSeparator), ErrValidation)
	}
	p, err := models.DecodePayload(req.Type, req.Payload)
	if err != nil {
		return nil, errors.Mark(err, ErrValidation)
	}
	raw, err := models.EncodePayload(p)
	if err != nil {
		return nil, errors.Mark(err, ErrValidation)
	}
	return raw, nil
}

// Payload is a convenience for callers holding a typed payload.
func Payload(p models.Payload) (json.RawMessage, error) {
	raw, err := models.EncodePayload(p)
	return raw, errors.Mark(err, ErrValidation)
}

// Resubmission builds the admission request for the next attempt of a failed
// job. The key is the first attempt's key with the attempt number appended, so
// the failed job's slot is not reused and distinct keys stay distinct.
func Resubmission(job models.Job, runAt time.Time) Request {
	base := job.BaseKey()
	if base == "" {
		base = job.ID
	}
	next := job.Attempt + 1
	retryOf := job.ID
	return Request{
		OrganizationID: job.OrganizationID,
		ProjectID:      job.ProjectID,
		Type:           job.Type,
		IdempotencyKey: models.AttemptKey(base, next),
		Payload:        job.Payload,
		RunAt:          runAt,
		Attempt:        next,
		RetryOf:        &retryOf,
	}
}
