package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot-orchestrator/internal/models"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestMemoryAdmitConcurrentSameKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	ids := make(chan string, callers)
	created := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, isNew, err := m.Admit(ctx, AdmitParams{
				OrganizationID: "org-a",
				Type:           models.JobGenerateAssets,
				IdempotencyKey: "gen:plan-1",
				TTL:            time.Hour,
			})
			assert.NoError(t, err)
			ids <- job.ID
			created <- isNew
		}()
	}
	wg.Wait()
	close(ids)
	close(created)

	distinct := map[string]struct{}{}
	for id := range ids {
		distinct[id] = struct{}{}
	}
	newCount := 0
	for c := range created {
		if c {
			newCount++
		}
	}
	assert.Len(t, distinct, 1)
	assert.Equal(t, 1, newCount)
}

func TestMemoryAdmitKeyScopedByTenantAndType(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a, _, err := m.Admit(ctx, AdmitParams{OrganizationID: "org-a", Type: models.JobPublishNow, IdempotencyKey: "k", TTL: time.Hour})
	require.NoError(t, err)
	b, isNew, err := m.Admit(ctx, AdmitParams{OrganizationID: "org-b", Type: models.JobPublishNow, IdempotencyKey: "k", TTL: time.Hour})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, a.ID, b.ID)
	c, isNew, err := m.Admit(ctx, AdmitParams{OrganizationID: "org-a", Type: models.JobTranscribe, IdempotencyKey: "k", TTL: time.Hour})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestMemoryTransitionWritesRun(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewMemory()
	m.Now = fixedClock(&now)
	ctx := context.Background()

	job, _, err := m.Admit(ctx, AdmitParams{OrganizationID: "org", Type: models.JobFetchMetrics})
	require.NoError(t, err)

	_, err = m.Transition(ctx, job.ID, models.StatusCompleted, "")
	require.True(t, errors.Is(err, models.ErrInvalidTransition))
	runs, _ := m.ListRuns(ctx, job.ID)
	assert.Empty(t, runs)

	_, err = m.Transition(ctx, job.ID, models.StatusInProgress, "")
	require.NoError(t, err)
	got, err := m.Transition(ctx, job.ID, models.StatusFailed, "boom")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)

	runs, _ = m.ListRuns(ctx, job.ID)
	require.Len(t, runs, 2)
	assert.Equal(t, "boom", runs[1].Message)

	_, err = m.Transition(ctx, "missing", models.StatusInProgress, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryReserveUsage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	since := time.Time{}
	e := models.UsageEntry{OrganizationID: "org", Metric: models.MetricPublishNow, Amount: 1}

	used, ok, err := m.ReserveUsage(ctx, e, 2, since)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, used)
	_, ok, _ = m.ReserveUsage(ctx, e, 2, since)
	assert.True(t, ok)
	used, ok, _ = m.ReserveUsage(ctx, e, 2, since)
	assert.False(t, ok)
	assert.EqualValues(t, 2, used)
}

func TestMemoryListStuckUsesLatestRun(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = fixedClock(&now)
	ctx := context.Background()

	job, _, _ := m.Admit(ctx, AdmitParams{OrganizationID: "org", Type: models.JobFetchMetrics})
	_, err := m.Transition(ctx, job.ID, models.StatusInProgress, "")
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	require.NoError(t, m.AppendRun(ctx, job.ID, models.StatusInProgress, "retrying"))

	stuck, _ := m.ListStuck(ctx, now.Add(-15*time.Minute), 10)
	assert.Empty(t, stuck)
	stuck, _ = m.ListStuck(ctx, now.Add(time.Minute), 10)
	assert.Len(t, stuck, 1)
}

func TestMemoryListStuckHonoursHeartbeat(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = fixedClock(&now)
	ctx := context.Background()

	job, _, _ := m.Admit(ctx, AdmitParams{OrganizationID: "org", Type: models.JobFetchMetrics})
	require.NoError(t, m.Touch(ctx, job.ID), "pending jobs are ignored")
	_, err := m.Transition(ctx, job.ID, models.StatusInProgress, "")
	require.NoError(t, err)

	now = now.Add(40 * time.Minute)
	require.NoError(t, m.Touch(ctx, job.ID))
	stuck, _ := m.ListStuck(ctx, now.Add(-30*time.Minute), 10)
	assert.Empty(t, stuck)

	runs, _ := m.ListRuns(ctx, job.ID)
	assert.Len(t, runs, 1, "heartbeats write no runs")
	assert.ErrorIs(t, m.Touch(ctx, "missing"), ErrNotFound)
}
