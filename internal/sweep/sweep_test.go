package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot-orchestrator/internal/admission"
	"autopilot-orchestrator/internal/jobs"
	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/quota"
	"autopilot-orchestrator/internal/store"
)

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Enqueue(_ context.Context, jobID, _ string, _ time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return nil
}

type fixture struct {
	sweeper *Sweeper
	store   *store.Memory
	ledger  *jobs.Ledger
	svc     *admission.Service
	disp    *recordingDispatcher
	now     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 6, 1, 9, 15, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mem := store.NewMemory()
	mem.Now = clock
	disp := &recordingDispatcher{}
	svc := admission.NewService(
		jobs.NewGate(mem, time.Hour, jobs.WithClock(clock)),
		quota.NewEnforcer(mem, mem, quota.WithClock(clock)),
		disp,
	)
	ledger := jobs.NewLedger(mem, nil)
	sw := New(mem, ledger, svc, disp, Options{
		StuckTimeout: 30 * time.Minute,
		PendingGrace: 10 * time.Minute,
		MaxAttempts:  3,
		Now:          clock,
	})
	return &fixture{sweeper: sw, store: mem, ledger: ledger, svc: svc, disp: disp, now: &now}
}

func (f *fixture) admit(t *testing.T, key string, attempt int) models.Job {
	t.Helper()
	raw, err := admission.Payload(models.FetchMetricsPayload{})
	require.NoError(t, err)
	out, err := f.svc.Submit(context.Background(), admission.Request{
		OrganizationID: "org", Type: models.JobFetchMetrics, IdempotencyKey: key, Payload: raw, Attempt: attempt,
	})
	require.NoError(t, err)
	return out.Job
}

func TestStuckJobsAreFailedAndReadmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.admit(t, "metrics:org", 0)
	_, err := f.ledger.Start(ctx, job.ID)
	require.NoError(t, err)

	rep, err := f.sweeper.Stuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned, "still inside the timeout")

	*f.now = f.now.Add(31 * time.Minute)
	rep, err = f.sweeper.Stuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Acted: 1}, rep)

	failed, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	runs, err := f.store.ListRuns(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, runs[len(runs)-1].Message, "abandoned")

	require.Len(t, f.disp.ids, 2)
	next, err := f.store.GetJob(ctx, f.disp.ids[1])
	require.NoError(t, err)
	assert.Equal(t, "metrics:org#2", next.Key())
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, job.ID, *next.RetryOf)
}

func TestStuckJobOutOfAttemptsIsOnlyFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.admit(t, "m#3", 3)
	_, err := f.ledger.Start(ctx, job.ID)
	require.NoError(t, err)

	*f.now = f.now.Add(time.Hour)
	rep, err := f.sweeper.Stuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Acted)
	assert.Len(t, f.disp.ids, 1)
}

func TestStuckIgnoresJobsWithRecentProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.admit(t, "m", 0)
	_, err := f.ledger.Start(ctx, job.ID)
	require.NoError(t, err)

	*f.now = f.now.Add(25 * time.Minute)
	require.NoError(t, f.ledger.Note(ctx, job.ID, "falai attempt 1 failed"))
	*f.now = f.now.Add(25 * time.Minute)

	rep, err := f.sweeper.Stuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)
}

func TestStuckIgnoresJobsWithLiveHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.admit(t, "m", 0)
	_, err := f.ledger.Start(ctx, job.ID)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		*f.now = f.now.Add(10 * time.Minute)
		require.NoError(t, f.ledger.Touch(ctx, job.ID))
	}
	rep, err := f.sweeper.Stuck(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Scanned)

	*f.now = f.now.Add(31 * time.Minute)
	rep, err = f.sweeper.Stuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Acted, "a silent worker is still abandoned")
}

func TestRedispatchPendingJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.admit(t, "old", 0)
	*f.now = f.now.Add(15 * time.Minute)
	_ = f.admit(t, "fresh", 0)
	f.disp.ids = nil

	rep, err := f.sweeper.Redispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Acted: 1}, rep)
	assert.Equal(t, []string{old.ID}, f.disp.ids)
}

func TestRecurringAdmitsHourlyWorkOncePerHour(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveCredential(ctx, models.Credential{OrganizationID: "org", AccessToken: "t"}))
	pub := "pub_1"
	asset, err := f.store.SaveAsset(ctx, models.Asset{OrganizationID: "org", Status: models.AssetPublished, PublishID: &pub})
	require.NoError(t, err)
	_, err = f.store.SaveAsset(ctx, models.Asset{OrganizationID: "org", Status: models.AssetGenerated})
	require.NoError(t, err)

	rep, err := f.sweeper.Recurring(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 3, Acted: 3}, rep)

	keys := map[models.JobType]string{}
	for _, id := range f.disp.ids {
		j, err := f.store.GetJob(ctx, id)
		require.NoError(t, err)
		keys[j.Type] = j.Key()
	}
	assert.Equal(t, map[models.JobType]string{
		models.JobFetchMetrics:      "metrics:org:2026060109",
		models.JobRefreshTokens:     "refresh:org:2026060109",
		models.JobPollPublishStatus: "poll:" + asset.ID + ":2026060109",
	}, keys)

	*f.now = f.now.Add(10 * time.Minute)
	rep, err = f.sweeper.Recurring(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 3}, rep, "same hour deduplicates")
	assert.Len(t, f.disp.ids, 3)
}
