// Package worker drains the dispatch queue: each delivery is checked against
// the ledger, run through the pipeline and settled as completed or failed.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/admission"
	"autopilot-orchestrator/internal/config"
	"autopilot-orchestrator/internal/jobs"
	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/pipeline"
	"autopilot-orchestrator/internal/retry"
	"autopilot-orchestrator/internal/store"
	"autopilot-orchestrator/internal/telemetry"
)

// Queue is the part of queue.RedisQueue a processor drives.
type Queue interface {
	PromoteScheduled(ctx context.Context, limit int64) (int, error)
	RequeueExpired(ctx context.Context, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
	VisibilityTimeout() time.Duration
}

// Runner executes one job's stages.
type Runner interface {
	Run(ctx context.Context, job models.Job) (pipeline.Result, error)
}

// Submitter admits follow-up and resubmitted jobs.
type Submitter interface {
	Submit(ctx context.Context, req admission.Request) (admission.Outcome, error)
}

// Options tune the loop and job-level resubmission.
type Options struct {
	ID             string
	PollInterval   time.Duration
	ScheduledBatch int64
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Now            func() time.Time
	Random         func() float64
	Log            *zap.SugaredLogger
}

// OptionsFromConfig maps runtime config onto processor options.
func OptionsFromConfig(cfg config.Config, id string) Options {
	return Options{
		ID:             id,
		PollInterval:   cfg.WorkerPollInterval,
		ScheduledBatch: int64(cfg.ScheduledBatchSize),
		MaxAttempts:    cfg.JobMaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}
}

// Processor drives the worker execution loop.
type Processor struct {
	queue     Queue
	ledger    *jobs.Ledger
	runner    Runner
	submitter Submitter
	opts      Options
	log       *zap.SugaredLogger
}

func NewProcessor(q Queue, ledger *jobs.Ledger, runner Runner, submitter Submitter, opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ScheduledBatch <= 0 {
		opts.ScheduledBatch = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Random == nil {
		opts.Random = rand.Float64
	}
	log := telemetry.OrNop(opts.Log)
	if opts.ID != "" {
		log = log.With("worker_id", opts.ID)
	}
	return &Processor{queue: q, ledger: ledger, runner: runner, submitter: submitter, opts: opts, log: log}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	const maxConsecutiveErrors = 5
	errorCount := 0
	pause := p.opts.PollInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.Tick(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			errorCount++
			p.log.Errorw("worker error processing job", "error", err, "consecutive_errors", errorCount)
			if errorCount >= maxConsecutiveErrors {
				pause = min(pause*2, 30*time.Second)
			}
		default:
			if errorCount > 0 {
				p.log.Infow("worker recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			pause = p.opts.PollInterval
		}
		if worked && err == nil {
			continue
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tick performs one promote, reclaim and dequeue round. It reports whether a
// delivery was handled.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	if _, err := p.queue.PromoteScheduled(ctx, p.opts.ScheduledBatch); err != nil {
		p.log.Warnw("promote scheduled failed", "error", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, p.opts.ScheduledBatch); err != nil {
		p.log.Warnw("requeue expired failed", "error", err)
	} else if len(reclaimed) > 0 {
		p.log.Infow("reclaimed expired leases", "count", len(reclaimed))
	}
	defer p.publishGauges(ctx)

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	return true, p.handle(ctx, jobID)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	job, err := p.ledger.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		p.log.Warnw("dequeued unknown job", "job_id", jobID)
		return p.queue.Ack(ctx, jobID)
	}
	if err != nil {
		// Leave the lease; it is reclaimed after the visibility timeout.
		return errors.Wrapf(err, "load job %s", jobID)
	}
	if job.Status != models.StatusPending {
		p.log.Debugw("skipping redelivered job", "job_id", jobID, "status", job.Status)
		return p.queue.Ack(ctx, jobID)
	}

	job, err = p.ledger.Start(ctx, jobID)
	if errors.Is(err, models.ErrInvalidTransition) {
		return p.queue.Ack(ctx, jobID)
	}
	if err != nil {
		return errors.Wrapf(err, "start job %s", jobID)
	}

	log := p.log.With("job_id", job.ID, "tenant", job.OrganizationID, "type", job.Type, "attempt", job.Attempt)
	log.Infow("job started")

	res, runErr := p.execute(ctx, job)
	if runErr == nil {
		if _, err := p.ledger.Succeed(ctx, job.ID, res.Ref); err != nil {
			return errors.Wrapf(err, "complete job %s", job.ID)
		}
		log.Infow("job completed", "result", res.Ref)
		p.submitFollowUps(ctx, job, res.FollowUps)
	} else {
		if _, err := p.ledger.Fail(ctx, job.ID, runErr); err != nil {
			return errors.Wrapf(err, "fail job %s", job.ID)
		}
		p.settleFailure(ctx, job, runErr)
	}
	return p.queue.Ack(ctx, job.ID)
}

// execute runs the pipeline while a heartbeat keeps the lease and the ledger
// heartbeat fresh, and every executor retry is noted on the job's history.
func (p *Processor) execute(ctx context.Context, job models.Job) (pipeline.Result, error) {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(hbCtx, job.ID)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	runCtx := retry.WithObserver(ctx, func(executor string, attempt int, err error, delay time.Duration) {
		msg := fmt.Sprintf("%s attempt %d failed, retrying in %s: %v", executor, attempt, delay, err)
		if nerr := p.ledger.Note(ctx, job.ID, msg); nerr != nil {
			p.log.Warnw("note retry failed", "job_id", job.ID, "error", nerr)
		}
	})
	return p.runner.Run(runCtx, job)
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) {
	ttl := p.queue.VisibilityTimeout()
	ticker := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, ttl); err != nil && ctx.Err() == nil {
				p.log.Warnw("extend lease failed", "job_id", jobID, "error", err)
			}
			// Keeps the stuck sweep off jobs that are only waiting.
			if err := p.ledger.Touch(ctx, jobID); err != nil && ctx.Err() == nil {
				p.log.Warnw("touch job failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (p *Processor) submitFollowUps(ctx context.Context, job models.Job, followUps []pipeline.FollowUp) {
	for _, fu := range followUps {
		raw, err := models.EncodePayload(fu.Payload)
		if err != nil {
			p.log.Errorw("encode follow-up", "job_id", job.ID, "follow_up", fu.Type, "error", err)
			continue
		}
		out, err := p.submitter.Submit(ctx, admission.Request{
			OrganizationID: job.OrganizationID,
			ProjectID:      job.ProjectID,
			Type:           fu.Type,
			IdempotencyKey: fu.IdempotencyKey,
			Payload:        raw,
		})
		if err != nil && !errors.Is(err, admission.ErrDispatch) {
			p.log.Warnw("follow-up not admitted", "job_id", job.ID, "follow_up", fu.Type, "error", err)
			continue
		}
		p.log.Infow("follow-up admitted", "job_id", job.ID, "follow_up", fu.Type, "follow_up_id", out.Job.ID, "status", out.Status)
	}
}

// settleFailure re-admits transient failures as a fresh attempt and
// dead-letters everything else.
func (p *Processor) settleFailure(ctx context.Context, job models.Job, cause error) {
	log := p.log.With("job_id", job.ID, "tenant", job.OrganizationID, "type", job.Type, "attempt", job.Attempt)
	if retry.IsTransient(cause) && job.Attempt < p.opts.MaxAttempts {
		delay := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, job.Attempt, p.opts.Random())
		if hint := retry.RetryAfterHint(cause); hint > delay {
			delay = hint
		}
		out, err := p.submitter.Submit(ctx, admission.Resubmission(job, p.opts.Now().Add(delay)))
		if err == nil || errors.Is(err, admission.ErrDispatch) {
			telemetry.JobResubmits.Inc()
			log.Infow("job resubmitted", "next_job_id", out.Job.ID, "delay", delay, "error", cause)
			return
		}
		log.Errorw("resubmission rejected", "error", err)
	}
	if err := p.queue.DLQPush(ctx, job.ID); err != nil {
		log.Errorw("dead-letter push failed", "error", err)
	}
	telemetry.WorkerDeadLetter.Inc()
	log.Warnw("job dead-lettered", "error", cause)
}

func (p *Processor) publishGauges(ctx context.Context) {
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if n, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(n))
	}
}

// backoffWithJitter spaces job-level attempts: half the exponential delay plus
// up to another half drawn from r.
func backoffWithJitter(base, max time.Duration, attempt int, r float64) time.Duration {
	return retry.Jitter(retry.Backoff(attempt-1, base, max), r)
}
