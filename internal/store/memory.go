package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"autopilot-orchestrator/internal/models"
)

// Memory is an in-process Store used by tests and single-binary dev runs.
// One mutex covers every table, so each call is a serializable transaction.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]models.Job
	order       []string
	runs        map[string][]models.JobRun
	beats       map[string]time.Time
	usage       []models.UsageEntry
	assets      map[string]models.Asset
	credentials map[string]models.Credential
	metrics     []models.VideoMetric

	// Now is the store clock; tests replace it.
	Now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        map[string]models.Job{},
		runs:        map[string][]models.JobRun{},
		beats:       map[string]time.Time{},
		assets:      map[string]models.Asset{},
		credentials: map[string]models.Credential{},
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

func cloneJob(j models.Job) models.Job {
	out := j
	if j.Payload != nil {
		out.Payload = append([]byte(nil), j.Payload...)
	}
	return out
}

func (m *Memory) Admit(_ context.Context, p AdmitParams) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Now.IsZero() {
		p.Now = m.Now()
	}
	if p.Attempt == 0 {
		p.Attempt = 1
	}
	if p.IdempotencyKey != "" {
		if existing, ok := m.newestLocked(p.OrganizationID, p.Type, p.IdempotencyKey); ok && models.ReuseExisting(existing, p.Now, p.TTL) {
			return cloneJob(existing), false, nil
		}
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	job := models.Job{
		ID:             uuid.New().String(),
		OrganizationID: p.OrganizationID,
		ProjectID:      p.ProjectID,
		Type:           p.Type,
		Status:         models.StatusPending,
		IdempotencyKey: models.StrPtr(p.IdempotencyKey),
		Payload:        payload,
		Attempt:        p.Attempt,
		RetryOf:        p.RetryOf,
		CreatedAt:      p.Now,
		UpdatedAt:      p.Now,
	}
	m.jobs[job.ID] = cloneJob(job)
	m.order = append(m.order, job.ID)
	return job, true, nil
}

func (m *Memory) newestLocked(org string, t models.JobType, key string) (models.Job, bool) {
	var newest models.Job
	found := false
	for _, id := range m.order {
		j := m.jobs[id]
		if j.OrganizationID != org || j.Type != t || j.Key() != key {
			continue
		}
		if !found || !j.CreatedAt.Before(newest.CreatedAt) {
			newest, found = j, true
		}
	}
	return newest, found
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	return cloneJob(j), nil
}

func (m *Memory) Transition(_ context.Context, id string, to models.JobStatus, message string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err := models.CheckTransition(j.Status, to); err != nil {
		return models.Job{}, err
	}
	now := m.Now()
	j.Status = to
	j.UpdatedAt = now
	m.jobs[id] = j
	m.appendRunLocked(id, to, message, now)
	return cloneJob(j), nil
}

func (m *Memory) AppendRun(_ context.Context, id string, status models.JobStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	m.appendRunLocked(id, status, message, m.Now())
	return nil
}

func (m *Memory) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if j.Status == models.StatusInProgress {
		m.beats[id] = m.Now()
	}
	return nil
}

func (m *Memory) appendRunLocked(id string, status models.JobStatus, message string, at time.Time) {
	m.runs[id] = append(m.runs[id], models.JobRun{
		ID:        uuid.New().String(),
		JobID:     id,
		Status:    status,
		Message:   message,
		CreatedAt: at,
	})
}

func (m *Memory) ListRuns(_ context.Context, id string) ([]models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.JobRun(nil), m.runs[id]...), nil
}

func (m *Memory) CountActive(_ context.Context, tenant string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.OrganizationID == tenant && j.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListStuck(_ context.Context, before time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status != models.StatusInProgress {
			continue
		}
		last := j.UpdatedAt
		if runs := m.runs[id]; len(runs) > 0 {
			last = runs[len(runs)-1].CreatedAt
		}
		if beat := m.beats[id]; beat.After(last) {
			last = beat
		}
		if last.Before(before) {
			out = append(out, cloneJob(j))
		}
	}
	return truncate(out, limit), nil
}

func (m *Memory) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, id := range m.order {
		j := m.jobs[id]
		if j.Status == models.StatusPending && j.CreatedAt.Before(before) {
			out = append(out, cloneJob(j))
		}
	}
	return truncate(out, limit), nil
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

func (m *Memory) SumUsage(_ context.Context, tenant string, metric models.Metric, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sumLocked(tenant, metric, since), nil
}

func (m *Memory) sumLocked(tenant string, metric models.Metric, since time.Time) int64 {
	var total int64
	for _, e := range m.usage {
		if e.OrganizationID == tenant && e.Metric == metric && !e.CreatedAt.Before(since) {
			total += e.Amount
		}
	}
	return total
}

func (m *Memory) LogUsage(_ context.Context, e models.UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, m.fillUsage(e))
	return nil
}

func (m *Memory) ReserveUsage(_ context.Context, e models.UsageEntry, limit int64, since time.Time) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.sumLocked(e.OrganizationID, e.Metric, since)
	if used+e.Amount > limit {
		return used, false, nil
	}
	m.usage = append(m.usage, m.fillUsage(e))
	return used + e.Amount, true, nil
}

func (m *Memory) fillUsage(e models.UsageEntry) models.UsageEntry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.Now()
	}
	return e
}

// Usage returns a copy of every logged entry.
func (m *Memory) Usage() []models.UsageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.UsageEntry(nil), m.usage...)
}

func (m *Memory) GetAsset(_ context.Context, id string) (models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return models.Asset{}, errors.Wrapf(ErrNotFound, "asset %s", id)
	}
	return a, nil
}

func (m *Memory) FindAssetByPlan(_ context.Context, tenant, planID string) (models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assets {
		if a.OrganizationID == tenant && a.PlanID != nil && *a.PlanID == planID {
			return a, nil
		}
	}
	return models.Asset{}, errors.Wrapf(ErrNotFound, "asset for plan %s", planID)
}

func (m *Memory) SaveAsset(_ context.Context, a models.Asset) (models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if prev, ok := m.assets[a.ID]; ok {
		a.CreatedAt = prev.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.assets[a.ID] = a
	return a, nil
}

func (m *Memory) ListAssetsAwaitingPublish(_ context.Context, tenant string) ([]models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Asset
	for _, a := range m.assets {
		if a.OrganizationID == tenant && a.AwaitingPublish() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *Memory) GetCredential(_ context.Context, tenant string) (models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[tenant]
	if !ok {
		return models.Credential{}, errors.Wrapf(ErrNotFound, "credential for %s", tenant)
	}
	return c, nil
}

func (m *Memory) SaveCredential(_ context.Context, c models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[c.OrganizationID] = c
	return nil
}

func (m *Memory) ListCredentials(_ context.Context) ([]models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Credential, 0, len(m.credentials))
	for _, c := range m.credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out, nil
}

func (m *Memory) SaveVideoMetrics(_ context.Context, ms []models.VideoMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, ms...)
	return nil
}

// VideoMetrics returns a copy of every recorded metric.
func (m *Memory) VideoMetrics() []models.VideoMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.VideoMetric(nil), m.metrics...)
}
