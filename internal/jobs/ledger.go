package jobs

import (
	"context"

	"go.uber.org/zap"

	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/store"
	"autopilot-orchestrator/internal/telemetry"
)

// Ledger applies lifecycle transitions; each one appends exactly one JobRun.
type Ledger struct {
	store store.JobStore
	log   *zap.SugaredLogger
}

func NewLedger(s store.JobStore, log *zap.SugaredLogger) *Ledger {
	return &Ledger{store: s, log: telemetry.OrNop(log)}
}

// Start moves a pending job to in_progress.
func (l *Ledger) Start(ctx context.Context, jobID string) (models.Job, error) {
	return l.store.Transition(ctx, jobID, models.StatusInProgress, "")
}

// Succeed completes a job, recording the result reference as the run message.
func (l *Ledger) Succeed(ctx context.Context, jobID, resultRef string) (models.Job, error) {
	job, err := l.store.Transition(ctx, jobID, models.StatusCompleted, resultRef)
	if err != nil {
		return job, err
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	return job, nil
}

// Fail marks a job failed with the cause's message.
func (l *Ledger) Fail(ctx context.Context, jobID string, cause error) (models.Job, error) {
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	job, err := l.store.Transition(ctx, jobID, models.StatusFailed, msg)
	if err != nil {
		return job, err
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	l.log.Warnw("job failed", "job_id", jobID, "tenant", job.OrganizationID, "type", job.Type, "error", msg)
	return job, nil
}

// Note records an intermediate event on an in-progress job without a transition.
func (l *Ledger) Note(ctx context.Context, jobID, message string) error {
	return l.store.AppendRun(ctx, jobID, models.StatusInProgress, message)
}

// Touch records that a worker is still running the job.
func (l *Ledger) Touch(ctx context.Context, jobID string) error {
	return l.store.Touch(ctx, jobID)
}

func (l *Ledger) Get(ctx context.Context, jobID string) (models.Job, error) {
	return l.store.GetJob(ctx, jobID)
}

func (l *Ledger) Runs(ctx context.Context, jobID string) ([]models.JobRun, error) {
	return l.store.ListRuns(ctx, jobID)
}
