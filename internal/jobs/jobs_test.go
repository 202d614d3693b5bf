package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/store"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newGate(t *testing.T) (*Gate, *Ledger, *store.Memory, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()
	mem.Now = clk.Now
	return NewGate(mem, time.Hour, WithClock(clk.Now)), NewLedger(mem, nil), mem, clk
}

func TestGateReusesWithinTTL(t *testing.T) {
	gate, ledger, _, clk := newGate(t)
	ctx := context.Background()
	req := AdmitRequest{OrganizationID: "org-a", Type: models.JobGenerateAssets, IdempotencyKey: "gen:p1"}

	first, isNew, err := gate.Admit(ctx, req)
	require.NoError(t, err)
	require.True(t, isNew)
	assert.Equal(t, 1, first.Attempt)

	// Active jobs are reused no matter how old.
	clk.now = clk.now.Add(5 * time.Hour)
	again, isNew, err := gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, again.ID)

	_, err = ledger.Start(ctx, first.ID)
	require.NoError(t, err)
	_, err = ledger.Succeed(ctx, first.ID, "asset-1")
	require.NoError(t, err)

	// Completed job is older than the TTL (created 5h ago), so a new one is made.
	fresh, isNew, err := gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestGateCompletedInsideTTL(t *testing.T) {
	gate, ledger, _, clk := newGate(t)
	ctx := context.Background()
	req := AdmitRequest{OrganizationID: "org-a", Type: models.JobPublishNow, IdempotencyKey: "pub:a1"}

	first, _, err := gate.Admit(ctx, req)
	require.NoError(t, err)
	_, err = ledger.Start(ctx, first.ID)
	require.NoError(t, err)
	_, err = ledger.Succeed(ctx, first.ID, "publish-1")
	require.NoError(t, err)

	clk.now = clk.now.Add(30 * time.Minute)
	again, isNew, err := gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, again.ID)

	clk.now = clk.now.Add(31 * time.Minute)
	_, isNew, err = gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestGateFailedJobNeverReused(t *testing.T) {
	gate, ledger, _, _ := newGate(t)
	ctx := context.Background()
	req := AdmitRequest{OrganizationID: "org-a", Type: models.JobPublishNow, IdempotencyKey: "pub:a1"}

	first, _, err := gate.Admit(ctx, req)
	require.NoError(t, err)
	_, err = ledger.Start(ctx, first.ID)
	require.NoError(t, err)
	_, err = ledger.Fail(ctx, first.ID, errors.New("upload rejected"))
	require.NoError(t, err)

	second, isNew, err := gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestGateWithoutKeyAlwaysCreates(t *testing.T) {
	gate, _, _, _ := newGate(t)
	ctx := context.Background()
	req := AdmitRequest{OrganizationID: "org-a", Type: models.JobFetchMetrics}
	a, _, err := gate.Admit(ctx, req)
	require.NoError(t, err)
	b, isNew, err := gate.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestGateRejectsBadRequest(t *testing.T) {
	gate, _, _, _ := newGate(t)
	_, _, err := gate.Admit(context.Background(), AdmitRequest{Type: models.JobFetchMetrics})
	require.Error(t, err)
	_, _, err = gate.Admit(context.Background(), AdmitRequest{OrganizationID: "org", Type: "bogus"})
	require.Error(t, err)
}

func TestLedgerLifecycle(t *testing.T) {
	gate, ledger, _, _ := newGate(t)
	ctx := context.Background()
	job, _, err := gate.Admit(ctx, AdmitRequest{OrganizationID: "org", Type: models.JobTranscribe})
	require.NoError(t, err)

	_, err = ledger.Succeed(ctx, job.ID, "x")
	require.True(t, errors.Is(err, models.ErrInvalidTransition))

	_, err = ledger.Start(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, ledger.Note(ctx, job.ID, "attempt 1 failed: 503"))
	done, err := ledger.Succeed(ctx, job.ID, "asset-9")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	_, err = ledger.Fail(ctx, job.ID, errors.New("late"))
	require.True(t, errors.Is(err, models.ErrInvalidTransition))

	runs, err := ledger.Runs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, models.StatusInProgress, runs[0].Status)
	assert.Equal(t, "attempt 1 failed: 503", runs[1].Message)
	assert.Equal(t, models.StatusCompleted, runs[2].Status)
	assert.Equal(t, "asset-9", runs[2].Message)
}
