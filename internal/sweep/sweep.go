// Package sweep holds the periodic maintenance passes: failing abandoned
// jobs, re-dispatching pending jobs the queue lost, and admitting the
// recurring per-tenant work.
package sweep

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/admission"
	"autopilot-orchestrator/internal/config"
	"autopilot-orchestrator/internal/jobs"
	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/telemetry"
)

// Source is what the sweeps read.
type Source interface {
	ListStuck(ctx context.Context, before time.Time, limit int) ([]models.Job, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]models.Job, error)
	ListCredentials(ctx context.Context) ([]models.Credential, error)
	ListAssetsAwaitingPublish(ctx context.Context, tenant string) ([]models.Asset, error)
}

// Submitter admits new jobs.
type Submitter interface {
	Submit(ctx context.Context, req admission.Request) (admission.Outcome, error)
}

type Options struct {
	StuckTimeout  time.Duration
	PendingGrace  time.Duration
	RefreshWindow time.Duration
	MaxAttempts   int
	Batch         int
	Now           func() time.Time
	Log           *zap.SugaredLogger
}

// OptionsFromConfig maps runtime config onto sweep options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		StuckTimeout:  cfg.StuckJobTimeout,
		PendingGrace:  cfg.PendingGrace,
		RefreshWindow: cfg.TokenRefreshWindow,
		MaxAttempts:   cfg.JobMaxAttempts,
		Batch:         cfg.ScheduledBatchSize,
	}
}

// Report summarizes one pass.
type Report struct {
	Scanned int `json:"scanned"`
	Acted   int `json:"acted"`
	Errors  int `json:"errors"`
}

type Sweeper struct {
	source     Source
	ledger     *jobs.Ledger
	submitter  Submitter
	dispatcher admission.Dispatcher
	opts       Options
	log        *zap.SugaredLogger
}

func New(source Source, ledger *jobs.Ledger, submitter Submitter, dispatcher admission.Dispatcher, opts Options) *Sweeper {
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = 30 * time.Minute
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = 10 * time.Minute
	}
	if opts.RefreshWindow <= 0 {
		opts.RefreshWindow = 2 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		source:     source,
		ledger:     ledger,
		submitter:  submitter,
		dispatcher: dispatcher,
		opts:       opts,
		log:        telemetry.OrNop(opts.Log),
	}
}

// Stuck fails in-progress jobs with neither a run nor a worker heartbeat
// within the timeout and re-admits each as its next attempt while attempts
// remain.
func (s *Sweeper) Stuck(ctx context.Context) (Report, error) {
	now := s.opts.Now()
	stuck, err := s.source.ListStuck(ctx, now.Add(-s.opts.StuckTimeout), s.opts.Batch)
	if err != nil {
		return Report{}, errors.Wrap(err, "list stuck jobs")
	}
	rep := Report{Scanned: len(stuck)}
	for _, job := range stuck {
		log := s.log.With("job_id", job.ID, "tenant", job.OrganizationID, "type", job.Type, "attempt", job.Attempt)
		if _, err := s.ledger.Fail(ctx, job.ID, errors.Newf("abandoned: no progress for %s", s.opts.StuckTimeout)); err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				continue
			}
			rep.Errors++
			log.Warnw("fail stuck job", "error", err)
			continue
		}
		telemetry.StuckRecovered.Inc()
		rep.Acted++
		if job.Attempt >= s.opts.MaxAttempts {
			log.Warnw("stuck job out of attempts")
			continue
		}
		out, err := s.submitter.Submit(ctx, admission.Resubmission(job, now))
		if err != nil && !errors.Is(err, admission.ErrDispatch) {
			rep.Errors++
			log.Warnw("re-admit stuck job", "error", err)
			continue
		}
		telemetry.JobResubmits.Inc()
		log.Infow("stuck job re-admitted", "next_job_id", out.Job.ID)
	}
	return rep, nil
}

// Redispatch re-enqueues pending jobs older than the grace period. Duplicate
// deliveries are harmless: only one worker can start a pending job.
func (s *Sweeper) Redispatch(ctx context.Context) (Report, error) {
	now := s.opts.Now()
	pending, err := s.source.ListPendingBefore(ctx, now.Add(-s.opts.PendingGrace), s.opts.Batch)
	if err != nil {
		return Report{}, errors.Wrap(err, "list pending jobs")
	}
	rep := Report{Scanned: len(pending)}
	for _, job := range pending {
		if err := s.dispatcher.Enqueue(ctx, job.ID, "", now); err != nil {
			rep.Errors++
			s.log.Warnw("redispatch failed", "job_id", job.ID, "error", err)
			continue
		}
		rep.Acted++
	}
	if rep.Acted > 0 {
		s.log.Infow("redispatched pending jobs", "count", rep.Acted)
	}
	return rep, nil
}

// Recurring admits the hourly per-tenant work for every tenant holding
// platform credentials. Keys are bucketed by hour so repeated passes within
// the hour deduplicate.
func (s *Sweeper) Recurring(ctx context.Context) (Report, error) {
	creds, err := s.source.ListCredentials(ctx)
	if err != nil {
		return Report{}, errors.Wrap(err, "list credentials")
	}
	hour := s.opts.Now().Format("2006010215")
	var rep Report
	for _, c := range creds {
		tenant := c.OrganizationID
		reqs := []admission.Request{
			s.request(tenant, models.JobFetchMetrics, "metrics:"+tenant+":"+hour, models.FetchMetricsPayload{}),
			s.request(tenant, models.JobRefreshTokens, "refresh:"+tenant+":"+hour, models.RefreshTokensPayload{ExpiringWithin: s.opts.RefreshWindow}),
		}
		assets, err := s.source.ListAssetsAwaitingPublish(ctx, tenant)
		if err != nil {
			rep.Errors++
			s.log.Warnw("list assets awaiting publish", "tenant", tenant, "error", err)
		}
		for _, a := range assets {
			reqs = append(reqs, s.request(tenant, models.JobPollPublishStatus, "poll:"+a.ID+":"+hour, models.PollPublishStatusPayload{AssetID: a.ID}))
		}

		for _, req := range reqs {
			rep.Scanned++
			out, err := s.submitter.Submit(ctx, req)
			if err != nil && !errors.Is(err, admission.ErrDispatch) {
				rep.Errors++
				s.log.Warnw("recurring admission rejected", "tenant", tenant, "type", req.Type, "error", err)
				continue
			}
			if out.Status == admission.Created {
				rep.Acted++
			}
		}
	}
	return rep, nil
}

func (s *Sweeper) request(tenant string, t models.JobType, key string, p models.Payload) admission.Request {
	raw, err := admission.Payload(p)
	if err != nil {
		// Payloads built here are static and always encode.
		s.log.Errorw("encode recurring payload", "type", t, "error", err)
	}
	return admission.Request{OrganizationID: tenant, Type: t, IdempotencyKey: key, Payload: raw, Priority: "low"}
}

// Loop runs every pass each interval until ctx is cancelled.
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs each pass once, logging failures.
func (s *Sweeper) RunOnce(ctx context.Context) {
	passes := []struct {
		name string
		run  func(context.Context) (Report, error)
	}{
		{"stuck", s.Stuck},
		{"redispatch", s.Redispatch},
		{"recurring", s.Recurring},
	}
	for _, p := range passes {
		rep, err := p.run(ctx)
		if err != nil {
			s.log.Errorw("sweep failed", "sweep", p.name, "error", err)
			continue
		}
		s.log.Debugw("sweep finished", "sweep", p.name, "scanned", rep.Scanned, "acted", rep.Acted, "errors", rep.Errors)
	}
}
