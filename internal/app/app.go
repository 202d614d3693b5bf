// Package app wires the orchestrator's collaborators from runtime config.
// The api, worker and ctl binaries share it.
package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"autopilot-orchestrator/internal/admission"
	"autopilot-orchestrator/internal/api"
	"autopilot-orchestrator/internal/config"
	"autopilot-orchestrator/internal/jobs"
	"autopilot-orchestrator/internal/pipeline"
	"autopilot-orchestrator/internal/providers"
	"autopilot-orchestrator/internal/queue"
	"autopilot-orchestrator/internal/quota"
	"autopilot-orchestrator/internal/ratelimit"
	"autopilot-orchestrator/internal/retry"
	"autopilot-orchestrator/internal/store"
	"autopilot-orchestrator/internal/sweep"
)

// App holds the shared core: persistence, dispatch, limits and admission.
type App struct {
	Config    config.Config
	Log       *zap.SugaredLogger
	Store     *store.Postgres
	Redis     *redis.Client
	Queue     *queue.RedisQueue
	Limiter   *ratelimit.Limiter
	Quota     *quota.Enforcer
	Ledger    *jobs.Ledger
	Admission *admission.Service
}

// New connects to Postgres and Redis and builds the core. Migrations run when
// migrate is set.
func New(ctx context.Context, cfg config.Config, log *zap.SugaredLogger, migrate bool) (*App, error) {
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if migrate {
		applied, err := pg.RunMigrations(ctx)
		if err != nil {
			pg.Close()
			return nil, errors.Wrap(err, "migrations")
		}
		log.Infow("migrations applied", "files", applied)
	}

	rdb := queue.NewRedisClient(cfg)
	q := queue.NewRedisQueue(rdb, queue.OptionsFromConfig(cfg))
	limiter := ratelimit.New(rdb,
		ratelimit.WithPresets(Presets(cfg)),
		ratelimit.WithKeyPrefix(cfg.RateLimitKeyPrefix),
		ratelimit.WithLogger(log),
	)
	enforcer := quota.NewEnforcer(pg, pg,
		quota.WithPolicy(quota.ParsePolicy(cfg.QuotaPolicy)),
		quota.WithLimits(cfg.QuotaLimits),
		quota.WithLogger(log),
	)
	gate := jobs.NewGate(pg, cfg.IdempotencyTTL, jobs.WithLogger(log))

	return &App{
		Config:    cfg,
		Log:       log,
		Store:     pg,
		Redis:     rdb,
		Queue:     q,
		Limiter:   limiter,
		Quota:     enforcer,
		Ledger:    jobs.NewLedger(pg, log),
		Admission: admission.NewService(gate, enforcer, q, admission.WithLogger(log)),
	}, nil
}

// Presets maps configured buckets onto limiter presets, including the API's
// submission bucket.
func Presets(cfg config.Config) map[string]ratelimit.Bucket {
	out := make(map[string]ratelimit.Bucket, len(cfg.RateLimitBuckets)+1)
	for op, b := range cfg.RateLimitBuckets {
		out[op] = ratelimit.Bucket{Capacity: b.Capacity, RefillRate: b.RefillRate}
	}
	out[api.OpSubmit] = ratelimit.Bucket{Capacity: cfg.RateLimitCapacity, RefillRate: cfg.RateLimitRefill}
	return out
}

// Pipeline builds the orchestrator with the configured providers.
func (a *App) Pipeline(ctx context.Context) (*pipeline.Orchestrator, error) {
	cfg := a.Config
	blobs, err := providers.NewBlobs(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "blob storage")
	}
	policy := retry.Policy{MaxRetries: cfg.RetryMaxRetries, BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay}
	return pipeline.New(pipeline.Deps{
		Store:   a.Store,
		Blobs:   blobs,
		Limiter: a.Limiter,
		Usage:   a.Quota,
		LLM: providers.NewOpenRouter(providers.OpenRouterConfig{
			APIKey:  cfg.OpenRouterAPIKey,
			BaseURL: cfg.OpenRouterBaseURL,
			Model:   cfg.OpenRouterModel,
			Timeout: cfg.HTTPTimeout,
		}),
		Media: providers.NewFalAI(providers.FalAIConfig{
			APIKey:     cfg.FalAIAPIKey,
			BaseURL:    cfg.FalAIBaseURL,
			VideoModel: cfg.FalAIVideoModel,
			ASRModel:   cfg.FalAIASRModel,
		}),
		Platform: providers.NewTikTok(providers.TikTokConfig{
			BaseURL:      cfg.TikTokAPIBase,
			ClientKey:    cfg.TikTokClientKey,
			ClientSecret: cfg.TikTokClientSecret,
			Timeout:      cfg.HTTPTimeout,
		}),
		Executors: pipeline.NewExecutors(policy, cfg.BreakerThreshold, cfg.BreakerTimeout, a.Log),
	},
		pipeline.WithLogger(a.Log),
		pipeline.WithThumbnailSize(cfg.ThumbnailWidth, cfg.ThumbnailHeight),
	), nil
}

// Sweeper builds the maintenance passes.
func (a *App) Sweeper() *sweep.Sweeper {
	opts := sweep.OptionsFromConfig(a.Config)
	opts.Log = a.Log
	return sweep.New(a.Store, a.Ledger, a.Admission, a.Queue, opts)
}

// API builds the HTTP server.
func (a *App) API() *api.Server {
	return api.New(a.Admission, a.Ledger, a.Quota, a.Queue,
		api.WithLimiter(a.Limiter),
		api.WithHealthCheck("postgres", a.Store),
		api.WithHealthCheck("redis", a.Queue),
		api.WithLogger(a.Log),
	)
}

func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		a.Log.Warnw("close redis", "error", err)
	}
	a.Store.Close()
}
