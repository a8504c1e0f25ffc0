// Package main runs the full analysis pipeline once over a local directory
// with in-memory storage and queue, and prints the resulting review.
//
// Usage:
//
//	ANTHROPIC_API_KEY=... go run ./cmd/local -path . -analyzers static,secrets,ai
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"

	"github.com/sentinelcode/sentinel/analyzer"
	"github.com/sentinelcode/sentinel/anthropic"
	"github.com/sentinelcode/sentinel/config"
	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/queue"
	"github.com/sentinelcode/sentinel/review"
	"github.com/sentinelcode/sentinel/secrets"
	"github.com/sentinelcode/sentinel/storage/memory"
	"github.com/sentinelcode/sentinel/vcs"
)

// dirFetcher serves one local directory as the checkout of every commit.
type dirFetcher struct {
	root string
}

func (f dirFetcher) FetchTree(_ context.Context, _ *models.Repository, req *models.ScanRequest, _ string) (*vcs.Tree, error) {
	return vcs.LocalTree(f.root, req.CommitSHA)
}

func main() {
	path := flag.String("path", ".", "directory to analyze")
	names := flag.String("analyzers", "static,secrets", "comma-separated analyzers: static, secrets, ai, hybrid")
	model := flag.String("model", anthropic.DefaultModel, "Claude model for ai and hybrid analysis")
	timeout := flag.Duration("timeout", 10*time.Minute, "analysis timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *path, strings.Split(*names, ","), *model, *timeout); err != nil {
		logger.Error("local run failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, path string, names []string, model string, timeout time.Duration) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	selected := config.Config{Analyzers: names}
	if err := selected.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	store := memory.New()
	repo := &models.Repository{
		Platform:   models.PlatformGitHub,
		ExternalID: "local",
		RepoName:   filepath.Base(root),
		RepoURL:    root,
		IsEnabled:  true,
	}
	if err := store.SaveRepository(ctx, repo); err != nil {
		return err
	}

	q := queue.NewMemory(queue.Options{})
	defer q.Close()

	var completer analyzer.Completer
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		completer = anthropic.NewClient(secrets.NewManager(nil, 0, logger), "env:ANTHROPIC_API_KEY", model, logger)
	}
	secretsAnalyzer, err := analyzer.NewSecretsAnalyzer()
	if err != nil {
		logger.Warn("secrets analyzer unavailable", "error", err)
		secretsAnalyzer = nil
	}
	set := analyzer.NewSet(nil, secretsAnalyzer, completer, analyzer.AIOptions{}, logger)

	orch := review.NewOrchestrator(q, store, dirFetcher{root: root}, secrets.Static{}, set, nil, review.Options{
		Concurrency:      1,
		MaxAttempts:      1,
		JobTimeout:       timeout,
		DefaultAnalyzers: selected.Analyzers,
	}, logger)

	accepted, err := review.NewIntake(store, q, logger).Submit(ctx, &models.ScanRequest{
		RepositoryID: repo.ID,
		CommitSHA:    headSHA(root),
		TriggerEvent: models.TriggerPush,
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	d, err := q.Dequeue(ctx)
	if err != nil {
		return err
	}
	orch.Process(ctx, d)

	rev, err := store.GetReview(ctx, accepted.ReviewID)
	if err != nil {
		return err
	}
	issues, err := store.ListIssues(ctx, accepted.ReviewID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		*models.Review
		Issues []models.Issue `json:"issues"`
	}{rev, issues}); err != nil {
		return err
	}

	if rev.Status == models.ReviewFailed {
		return fmt.Errorf("review failed: %s", rev.FailureReason)
	}
	return nil
}

// headSHA returns the HEAD commit of root when it is a git checkout.
func headSHA(root string) string {
	r, err := gogit.PlainOpenWithOptions(root, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if !errors.Is(err, gogit.ErrRepositoryNotExists) {
			slog.Debug("failed to open repository", "path", root, "error", err)
		}
		return "local"
	}
	head, err := r.Head()
	if err != nil {
		return "local"
	}
	return head.Hash().String()
}
