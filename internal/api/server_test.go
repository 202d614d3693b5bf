package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot-orchestrator/internal/admission"
	"autopilot-orchestrator/internal/jobs"
	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/quota"
	"autopilot-orchestrator/internal/ratelimit"
	"autopilot-orchestrator/internal/store"
)

type stubQueue struct {
	fail error
	dlq  []string
	ids  []string
}

func (q *stubQueue) Enqueue(_ context.Context, jobID, _ string, _ time.Time) error {
	if q.fail != nil {
		return q.fail
	}
	q.ids = append(q.ids, jobID)
	return nil
}

func (q *stubQueue) DLQPeek(context.Context, int64) ([]string, error) { return q.dlq, nil }

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	srv   http.Handler
	store *store.Memory
	queue *stubQueue
}

func newFixture(t *testing.T, limits map[string]int64, opts ...Option) *fixture {
	t.Helper()
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mem := store.NewMemory()
	mem.Now = clock
	q := &stubQueue{}
	enf := quota.NewEnforcer(mem, mem, quota.WithLimits(limits), quota.WithClock(clock))
	svc := admission.NewService(jobs.NewGate(mem, time.Hour, jobs.WithClock(clock)), enf, q)
	opts = append(opts, WithClock(clock))
	s := New(svc, jobs.NewLedger(mem, nil), enf, q, opts...)
	return &fixture{srv: s.Router(), store: mem, queue: q}
}

func (f *fixture) do(t *testing.T, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const generateBody = `{"type":"generate_assets","idempotency_key":"gen:plan-1","payload":{"plan_id":"plan-1"}}`

func TestSubmitCreatedThenDuplicate(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/jobs", "org-a", generateBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[submitResponse](t, rec)
	assert.Equal(t, admission.Created, first.Status)
	assert.True(t, first.Dispatched)
	assert.Equal(t, "org-a", first.Job.OrganizationID)

	rec = f.do(t, http.MethodPost, "/jobs", "org-a", generateBody)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[submitResponse](t, rec)
	assert.Equal(t, admission.Duplicate, second.Status)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Len(t, f.queue.ids, 1)
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, nil)
	cases := map[string]struct {
		tenant string
		body   string
		code   int
		kind   string
	}{
		"missing tenant": {"", generateBody, http.StatusBadRequest, "missing_tenant"},
		"bad json":       {"org", `{"type":`, http.StatusBadRequest, "invalid_json"},
		"no type":        {"org", `{"payload":{}}`, http.StatusBadRequest, "validation_failed"},
		"unknown type":   {"org", `{"type":"dance"}`, http.StatusBadRequest, "validation_failed"},
		"bad priority":   {"org", `{"type":"fetch_metrics","priority":"urgent"}`, http.StatusBadRequest, "validation_failed"},
		"bad payload":    {"org", `{"type":"publish_now","payload":{}}`, http.StatusBadRequest, "validation_failed"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/jobs", tc.tenant, tc.body)
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.kind, decode[map[string]string](t, rec)["error"])
		})
	}
	assert.Empty(t, f.queue.ids)
}

func TestSubmitQuotaExceeded(t *testing.T) {
	f := newFixture(t, map[string]int64{"video_generation": 1})
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/jobs", "org", generateBody).Code)

	rec := f.do(t, http.MethodPost, "/jobs", "org", `{"type":"generate_assets","idempotency_key":"other","payload":{}}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "quota_exceeded", body["error"])
	assert.Equal(t, "video_generation", body["metric"])
}

func TestSubmitIgnoresClientLimit(t *testing.T) {
	f := newFixture(t, map[string]int64{"video_generation": 1})
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/jobs", "org", generateBody).Code)

	rec := f.do(t, http.MethodPost, "/jobs", "org", `{"type":"generate_assets","idempotency_key":"other","payload":{},"limit":1000000}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "quota_exceeded", body["error"])
	assert.EqualValues(t, 1, body["limit"])
	assert.Len(t, f.queue.ids, 1)
}

func TestSubmitDispatchFailureStillAccepted(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.fail = errors.New("redis down")

	rec := f.do(t, http.MethodPost, "/jobs", "org", generateBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	out := decode[submitResponse](t, rec)
	assert.False(t, out.Dispatched)
	assert.Equal(t, models.StatusPending, out.Job.Status)
}

func TestSubmitRateLimited(t *testing.T) {
	limiter := ratelimit.New(nil, ratelimit.WithPresets(map[string]ratelimit.Bucket{OpSubmit: {Capacity: 1, RefillRate: 0.01}}))
	f := newFixture(t, nil, WithLimiter(limiter))

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/jobs", "org", generateBody).Code)
	rec := f.do(t, http.MethodPost, "/jobs", "org", `{"type":"fetch_metrics"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[map[string]string](t, rec)["error"])

	assert.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/jobs", "other-org", `{"type":"fetch_metrics"}`).Code)
}

func TestGetJobIsTenantScoped(t *testing.T) {
	f := newFixture(t, nil)
	created := decode[submitResponse](t, f.do(t, http.MethodPost, "/jobs", "org-a", generateBody))

	rec := f.do(t, http.MethodGet, "/jobs/"+created.Job.ID, "org-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Job.ID, decode[models.Job](t, rec).ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/"+created.Job.ID, "org-b", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/missing", "org-a", "").Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t, nil)
	created := decode[submitResponse](t, f.do(t, http.MethodPost, "/jobs", "org", generateBody))
	_, err := f.store.Transition(context.Background(), created.Job.ID, models.StatusInProgress, "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/jobs/"+created.Job.ID+"/runs", "org", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Runs []models.JobRun `json:"runs"`
	}](t, rec)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, models.StatusInProgress, body.Runs[0].Status)
}

func TestUsage(t *testing.T) {
	f := newFixture(t, map[string]int64{"video_generation": 5})
	f.do(t, http.MethodPost, "/jobs", "org", generateBody)

	rec := f.do(t, http.MethodGet, "/usage", "org", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Usage []quota.Report `json:"usage"`
	}](t, rec)
	var found bool
	for _, r := range body.Usage {
		if r.Metric == models.MetricVideoGeneration {
			found = true
			assert.EqualValues(t, 1, r.Used)
			assert.EqualValues(t, 5, r.Limit)
		}
	}
	assert.True(t, found)
}

func TestDLQIsTenantScoped(t *testing.T) {
	f := newFixture(t, nil)
	mine := decode[submitResponse](t, f.do(t, http.MethodPost, "/jobs", "org-a", generateBody))
	theirs := decode[submitResponse](t, f.do(t, http.MethodPost, "/jobs", "org-b", generateBody))
	f.queue.dlq = []string{theirs.Job.ID, "gone", mine.Job.ID}

	rec := f.do(t, http.MethodGet, "/dlq", "org-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{mine.Job.ID}, decode[map[string]any](t, rec)["items"])

	rec = f.do(t, http.MethodGet, "/dlq", "org-c", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode[map[string]any](t, rec)["items"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/dlq", "", "").Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", "").Code)

	down := newFixture(t, nil, WithHealthCheck("postgres", downPinger{}))
	rec := down.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[map[string]string](t, rec)["status"])
}
