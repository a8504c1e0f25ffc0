package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sentinelcode/sentinel/analyzer"
	"github.com/sentinelcode/sentinel/anthropic"
	"github.com/sentinelcode/sentinel/config"
	"github.com/sentinelcode/sentinel/queue"
	pgqueue "github.com/sentinelcode/sentinel/queue/postgres"
	"github.com/sentinelcode/sentinel/secrets"
	"github.com/sentinelcode/sentinel/storage"
	"github.com/sentinelcode/sentinel/storage/memory"
	"github.com/sentinelcode/sentinel/storage/postgres"
)

// app holds the long-lived components shared by the commands.
type app struct {
	cfg     *config.Service
	logger  *slog.Logger
	db      *sql.DB
	store   storage.Storage
	queue   queue.Queue
	secrets *secrets.Manager

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Service, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var err error
	a.secrets, err = newSecretManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Database.URL != "" {
		pg, err := postgres.NewFromDSN(cfg.Database.URL, logger)
		if err != nil {
			return nil, err
		}
		a.db = pg.DB()
		a.store = pg
		a.closers = append(a.closers, pg.Close)
	} else {
		logger.Warn("no database configured, reviews are kept in memory")
		a.store = memory.New()
	}

	opts := queue.Options{
		MaxBacklog:   cfg.Queue.MaxBacklog,
		Visibility:   cfg.Queue.Visibility,
		RetryBase:    cfg.Queue.RetryBase,
		RetryMax:     cfg.Queue.RetryMax,
		PollInterval: cfg.Queue.PollInterval,
	}
	switch cfg.Queue.Backend {
	case "postgres":
		q, err := pgqueue.New(a.db, cfg.Database.URL, opts, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.queue = q
	default:
		a.queue = queue.NewMemory(opts)
	}
	// The queue closes before the database it runs on.
	a.closers = append([]func() error{a.queue.Close}, a.closers...)

	return a, nil
}

// newSecretManager builds the resolver. The GitHub App private key is itself
// a secret reference, resolved once at startup.
func newSecretManager(ctx context.Context, cfg *config.Service, logger *slog.Logger) (*secrets.Manager, error) {
	if cfg.GitHubApp.AppID == 0 {
		return secrets.NewManager(nil, cfg.Secrets.CacheTTL, logger), nil
	}

	bootstrap := secrets.NewManager(nil, cfg.Secrets.CacheTTL, logger)
	key, err := bootstrap.Resolve(ctx, cfg.GitHubApp.PrivateKeyRef)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve GitHub App private key: %w", err)
	}
	app := &secrets.GitHubApp{AppID: cfg.GitHubApp.AppID, PrivateKey: []byte(key), BaseURL: cfg.GitHubApp.APIURL}
	return secrets.NewManager(app, cfg.Secrets.CacheTTL, logger), nil
}

// completer returns nil when no AI key is configured, which leaves the ai
// and hybrid analyzers unavailable.
func (a *app) completer() *anthropic.Client {
	if a.cfg.Analysis.AIKeyRef == "" {
		return nil
	}
	return anthropic.NewClient(a.secrets, a.cfg.Analysis.AIKeyRef, a.cfg.Analysis.AIModel, a.logger)
}

func (a *app) analyzers() *analyzer.Set {
	secretsAnalyzer, err := analyzer.NewSecretsAnalyzer()
	if err != nil {
		a.logger.Warn("secrets analyzer unavailable", "error", err)
		secretsAnalyzer = nil
	}

	// Zero in the service config disables retries.
	retries := a.cfg.Analysis.AIMaxRetries
	if retries == 0 {
		retries = -1
	}
	opts := analyzer.AIOptions{
		MaxBatchBytes:  a.cfg.Analysis.AIMaxBatchBytes,
		RequestTimeout: a.cfg.Analysis.AIRequestTimeout,
		MaxRetries:     retries,
	}

	var completer analyzer.Completer
	if c := a.completer(); c != nil {
		completer = c
	}
	return analyzer.NewSet(nil, secretsAnalyzer, completer, opts, a.logger)
}

func (a *app) migrate(ctx context.Context) error {
	pg, ok := a.store.(*postgres.PostgreSQL)
	if !ok {
		return errors.New("migrate requires database.url")
	}
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	if err := pgqueue.Migrate(ctx, a.db); err != nil {
		return err
	}
	a.logger.Info("database schema up to date")
	return nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("failed to close component", "error", err)
		}
	}
}
