package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/admission"
	"autopilot-orchestrator/internal/jobs"
	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/quota"
	"autopilot-orchestrator/internal/ratelimit"
	"autopilot-orchestrator/internal/store"
	"autopilot-orchestrator/internal/telemetry"
)

// OpSubmit is the rate-limited operation for job submissions.
const OpSubmit = "api:submit"

// Submitter admits jobs.
type Submitter interface {
	Submit(ctx context.Context, req admission.Request) (admission.Outcome, error)
}

// DLQReader lists dead-lettered job ids.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	submitter Submitter
	ledger    *jobs.Ledger
	quota     *quota.Enforcer
	dlq       DLQReader
	limiter   *ratelimit.Limiter
	checks    map[string]Pinger
	validate  *validator.Validate
	log       *zap.SugaredLogger
	now       func() time.Time
}

type Option func(*Server)

// WithLimiter throttles submissions per tenant.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithHealthCheck adds a named dependency to /healthz.
func WithHealthCheck(name string, p Pinger) Option {
	return func(s *Server) { s.checks[name] = p }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New constructs the API server.
func New(submitter Submitter, ledger *jobs.Ledger, enforcer *quota.Enforcer, dlq DLQReader, opts ...Option) *Server {
	s := &Server{
		submitter: submitter,
		ledger:    ledger,
		quota:     enforcer,
		dlq:       dlq,
		checks:    map[string]Pinger{},
		validate:  validator.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = telemetry.OrNop(s.log)
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireTenant)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/runs", s.handleListRuns)
		r.Get("/usage", s.handleUsage)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	if s.limiter != nil && s.limiter.Degraded() {
		status["rate_limiter"] = "local fallback"
	}
	writeJSON(w, code, status)
}

type submitRequest struct {
	Type           string          `json:"type" validate:"required"`
	ProjectID      string          `json:"project_id,omitempty" validate:"omitempty,max=64"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=255"`
	Priority       string          `json:"priority,omitempty" validate:"omitempty,oneof=high default low"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
	DelaySeconds   int             `json:"delay_seconds,omitempty" validate:"gte=0"`
}

type submitResponse struct {
	Status     admission.Status `json:"status"`
	Job        models.Job       `json:"job"`
	Dispatched bool             `json:"dispatched"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if s.limiter != nil {
		allowed, wait := s.limiter.Consume(r.Context(), tenant, OpSubmit, 1, s.limiter.Preset(OpSubmit))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many submissions")
			return
		}
	}

	var runAt time.Time
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	if req.DelaySeconds > 0 {
		runAt = s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	out, err := s.submitter.Submit(r.Context(), admission.Request{
		OrganizationID: tenant,
		ProjectID:      models.StrPtr(req.ProjectID),
		Type:           models.JobType(req.Type),
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		Priority:       req.Priority,
		RunAt:          runAt,
	})
	var exceeded *quota.ExceededError
	switch {
	case err == nil:
	case errors.Is(err, admission.ErrDispatch):
		// Admitted; the redispatch sweep will deliver it.
		writeJSON(w, http.StatusAccepted, submitResponse{Status: out.Status, Job: out.Job})
		return
	case errors.Is(err, admission.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":  "quota_exceeded",
			"metric": exceeded.Metric,
			"used":   exceeded.Used,
			"limit":  exceeded.Limit,
		})
		return
	default:
		s.log.Errorw("submit failed", "tenant", tenant, "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "submit failed")
		return
	}

	code := http.StatusAccepted
	if out.Status == admission.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, submitResponse{Status: out.Status, Job: out.Job, Dispatched: out.Status == admission.Created})
}

// loadJob fetches a job owned by the calling tenant; other tenants' jobs are
// reported as missing.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	job, err := s.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && job.OrganizationID != tenantFromRequest(r) {
		err = store.ErrNotFound
	}
	switch {
	case err == nil:
		return job, true
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
	default:
		s.log.Errorw("load job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "load job failed")
	}
	return models.Job{}, false
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	runs, err := s.ledger.Runs(r.Context(), job.ID)
	if err != nil {
		s.log.Errorw("list runs failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "runs": runs})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	reports, err := s.quota.Usage(r.Context(), tenant)
	if err != nil {
		s.log.Errorw("usage failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "usage failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organization_id": tenant, "policy": s.quota.Policy(), "usage": reports})
}

// dlqScan bounds how many dead-lettered ids one request inspects.
const dlqScan = 1000

// handleDLQ returns the calling tenant's dead-lettered job ids.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	ids, err := s.dlq.DLQPeek(r.Context(), dlqScan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to read dlq")
		return
	}
	items := []string{}
	for _, id := range ids {
		job, err := s.ledger.Get(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case err != nil:
			s.log.Errorw("load dlq job failed", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "failed to read dlq")
			return
		}
		if job.OrganizationID != tenant {
			continue
		}
		items = append(items, id)
		if len(items) == 100 {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func tenantFromRequest(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantFromRequest(r) == "" {
			writeError(w, http.StatusBadRequest, "missing_tenant", "X-Tenant-ID header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, map[string]string{"error": kind, "detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
