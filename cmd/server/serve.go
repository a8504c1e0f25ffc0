package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelcode/sentinel/metrics"
	"github.com/sentinelcode/sentinel/review"
	"github.com/sentinelcode/sentinel/server"
	"github.com/sentinelcode/sentinel/vcs"
	"github.com/sentinelcode/sentinel/webhook"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and scan workers",
	Long: `Starts the HTTP server and the scan worker pool in one process.

Endpoints:
  POST /webhooks/{github|gitlab|bitbucket}          webhook intake
  GET  /reviews?repository_id=&status=&limit=       list reviews
  GET  /reviews/{id}                                 review with ordered issues
  POST /reviews/{id}/issues/{issue_id}/feedback      {"is_false_positive": bool}
  GET  /health                                       liveness and database check
  GET  /metrics                                      Prometheus metrics

On SIGINT or SIGTERM the server stops accepting requests and in-flight jobs
are handed back to the queue.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply the database schema before serving")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	if serveMigrate {
		if err := a.migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewPipelineMetrics(registry)
	if err != nil {
		return err
	}

	fetcher := vcs.NewGitClient(cfg.Worker.WorkDir, cfg.Worker.MaxCheckouts, logger)
	orch := review.NewOrchestrator(a.queue, a.store, fetcher, a.secrets, a.analyzers(), m, review.Options{
		Concurrency:      cfg.Worker.Concurrency,
		MaxAttempts:      cfg.Worker.MaxAttempts,
		JobTimeout:       cfg.Worker.JobTimeout,
		DefaultAnalyzers: cfg.Analysis.DefaultAnalyzers,
	}, logger)

	opts := server.Options{
		RetryAfter: cfg.Server.RetryAfter,
		Gatherer:   registry,
	}
	if a.db != nil {
		opts.Health = a.db
	}
	srv := server.New(
		webhook.NewIngestor(a.store, a.secrets, logger),
		review.NewIntake(a.store, a.queue, logger),
		a.store,
		m,
		opts,
		logger,
	)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
		return nil
	})

	return g.Wait()
}
