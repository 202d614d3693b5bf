// Package pipeline runs the fixed stage sequence for each job type.
// Stages run strictly in order and the first failure aborts the job.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/models"
	"autopilot-orchestrator/internal/providers"
	"autopilot-orchestrator/internal/ratelimit"
	"autopilot-orchestrator/internal/retry"
	"autopilot-orchestrator/internal/store"
	"autopilot-orchestrator/internal/telemetry"
)

// Rate limiter operations used by the stages.
const (
	OpTikTokPublish = "tiktok:publish"
	OpTikTokRead    = "tiktok:read"
	OpTikTokAuth    = "tiktok:auth"
	OpOpenRouter    = "openrouter:complete"
	OpFalAI         = "falai:run"
)

// ErrNoCredentials means the tenant has not connected a platform account.
var ErrNoCredentials = errors.New("no platform credentials for tenant")

type Completer interface {
	Available() bool
	Complete(ctx context.Context, system, prompt string) (string, error)
}

type MediaProvider interface {
	Available() bool
	RenderVideo(ctx context.Context, in providers.RenderRequest) (providers.RenderResult, error)
	Transcribe(ctx context.Context, mediaURL, language string) (providers.Transcript, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

type Platform interface {
	Publish(ctx context.Context, in providers.PublishRequest) (string, error)
	VideoStatus(ctx context.Context, accessToken, openID, videoID string) (string, error)
	ListVideos(ctx context.Context, accessToken, openID string) ([]providers.VideoStats, error)
	Refresh(ctx context.Context, refreshToken string) (providers.Token, error)
}

// UsageLogger appends metered usage produced while running a job.
type UsageLogger interface {
	Log(ctx context.Context, tenant string, metric models.Metric, amount int64) error
}

// Executors holds one executor, and so one breaker, per external dependency.
type Executors struct {
	OpenRouter *retry.Executor
	FalAI      *retry.Executor
	TikTok     *retry.Executor
}

// NewExecutors builds independent executors sharing one policy shape.
func NewExecutors(policy retry.Policy, threshold int, timeout time.Duration, log *zap.SugaredLogger) Executors {
	build := func(name string) *retry.Executor {
		return retry.NewExecutor(name, policy, retry.NewBreaker(threshold, timeout), retry.WithLogger(log))
	}
	return Executors{
		OpenRouter: build("openrouter"),
		FalAI:      build("falai"),
		TikTok:     build("tiktok"),
	}
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store     store.Store
	Blobs     providers.Blobs
	Limiter   *ratelimit.Limiter
	Usage     UsageLogger
	LLM       Completer
	Media     MediaProvider
	Platform  Platform
	Executors Executors
}

// FollowUp is a job to admit after the current one completes.
type FollowUp struct {
	Type           models.JobType
	IdempotencyKey string
	Payload        models.Payload
}

// Result is what a completed job leaves behind.
type Result struct {
	Ref       string
	FollowUps []FollowUp
}

// StageError names the stage that aborted a job. errors.Is/As see the cause.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// errDone ends a stage sequence early with success.
var errDone = errors.New("pipeline done")

type stage struct {
	name string
	run  func(ctx context.Context) error
}

type Orchestrator struct {
	deps   Deps
	policy ContentPolicy
	thumbW int
	thumbH int
	now    func() time.Time
	log    *zap.SugaredLogger
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithContentPolicy(p ContentPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func WithThumbnailSize(w, h int) Option {
	return func(o *Orchestrator) { o.thumbW, o.thumbH = w, h }
}

func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:   deps,
		policy: DefaultContentPolicy,
		thumbW: providers.DefaultThumbWidth,
		thumbH: providers.DefaultThumbHeight,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = telemetry.OrNop(o.log)
	if o.deps.Limiter == nil {
		o.deps.Limiter = ratelimit.New(nil, ratelimit.WithLogger(o.log))
	}
	if o.deps.Executors.OpenRouter == nil || o.deps.Executors.FalAI == nil || o.deps.Executors.TikTok == nil {
		o.deps.Executors = NewExecutors(retry.DefaultPolicy(), 5, time.Minute, o.log)
	}
	return o
}

// Run decodes the payload once and executes the job's stages.
func (o *Orchestrator) Run(ctx context.Context, job models.Job) (Result, error) {
	payload, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return Result{}, retry.Permanent(&StageError{Stage: "decode-payload", Err: err})
	}
	switch p := payload.(type) {
	case *models.GenerateAssetsPayload:
		return o.generateAssets(ctx, job, p)
	case *models.PublishNowPayload:
		return o.publishNow(ctx, job, p)
	case *models.PollPublishStatusPayload:
		return o.pollPublishStatus(ctx, job, p)
	case *models.FetchMetricsPayload:
		return o.fetchMetrics(ctx, job, p)
	case *models.TranscribePayload:
		return o.transcribe(ctx, job, p)
	case *models.TranslatePayload:
		return o.translate(ctx, job, p)
	case *models.RefreshTokensPayload:
		return o.refreshTokens(ctx, job, p)
	}
	return Result{}, retry.Permanent(errors.Newf("no pipeline for job type %q", job.Type))
}

func (o *Orchestrator) runStages(ctx context.Context, job models.Job, stages []stage) error {
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: s.name, Err: err}
		}
		start := time.Now()
		err := s.run(ctx)
		if errors.Is(err, errDone) {
			o.log.Debugw("pipeline finished early", "job_id", job.ID, "stage", s.name)
			return nil
		}
		if err != nil {
			o.log.Infow("stage failed", "job_id", job.ID, "tenant", job.OrganizationID, "stage", s.name, "error", err)
			return &StageError{Stage: s.name, Err: err}
		}
		o.log.Debugw("stage done", "job_id", job.ID, "stage", s.name, "took", time.Since(start))
	}
	return nil
}

// throttle blocks until the tenant's bucket for op has a token.
func (o *Orchestrator) throttle(ctx context.Context, tenant, op string) error {
	l := o.deps.Limiter
	return l.BlockUntilAllowed(ctx, tenant, op, 1, l.Preset(op))
}

// loadAsset fetches an asset and hides other tenants' assets as not found.
func (o *Orchestrator) loadAsset(ctx context.Context, tenant, id string) (models.Asset, error) {
	a, err := o.deps.Store.GetAsset(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.OrganizationID != tenant) {
		return models.Asset{}, retry.Permanent(errors.Wrapf(store.ErrNotFound, "asset %s", id))
	}
	return a, errors.Wrap(err, "load asset")
}

func (o *Orchestrator) credentials(ctx context.Context, tenant string) (models.Credential, error) {
	c, err := o.deps.Store.GetCredential(ctx, tenant)
	if errors.Is(err, store.ErrNotFound) {
		return c, retry.Permanent(errors.Wrapf(ErrNoCredentials, "tenant %s", tenant))
	}
	return c, errors.Wrap(err, "load credentials")
}

// logUsage never fails the job; the work is already done.
func (o *Orchestrator) logUsage(ctx context.Context, tenant string, metric models.Metric, amount int64) {
	if o.deps.Usage == nil {
		return
	}
	if err := o.deps.Usage.Log(ctx, tenant, metric, amount); err != nil {
		o.log.Warnw("usage log failed", "tenant", tenant, "metric", metric, "amount", amount, "error", err)
	}
}

// TenantPrefix is the blob key prefix for one post of a tenant's project.
func TenantPrefix(org, project, post string) string {
	base := fmt.Sprintf("org_%s/project_%s", org, project)
	if post == "" {
		return base
	}
	return base + "/posts/" + post
}
