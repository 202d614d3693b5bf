package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"autopilot-orchestrator/internal/app"
	"autopilot-orchestrator/internal/config"
	"autopilot-orchestrator/internal/telemetry"
	"autopilot-orchestrator/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := telemetry.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, true)
	if err != nil {
		log.Fatalw("startup failed", "error", err)
	}
	defer a.Close()

	orch, err := a.Pipeline(ctx)
	if err != nil {
		log.Fatalw("pipeline setup failed", "error", err)
	}

	opts := worker.OptionsFromConfig(cfg, workerID())
	opts.Log = log
	pool := worker.NewPool(cfg.WorkerConcurrency, func(o worker.Options) *worker.Processor {
		return worker.NewProcessor(a.Queue, a.Ledger, orch, a.Admission, o)
	}, opts)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		err := a.Sweeper().Loop(gctx, cfg.SweepInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("metrics server stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	log.Infow("worker started",
		"workers", pool.Size(),
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
		"max_attempts", cfg.JobMaxAttempts,
	)
	if err := g.Wait(); err != nil {
		log.Errorw("worker stopped", "error", err)
	}
}

// workerID comes from WORKER_ID, then the hostname, then the pid.
func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
