package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sentinelcode/sentinel/analyzer"
	"github.com/sentinelcode/sentinel/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
		defer a.Close()
		return a.migrate(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify configuration, secrets and the AI key",
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()
	fmt.Fprintln(out, "✓ config loaded")

	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		fmt.Fprintln(out, "✓ database reachable")
	}

	if _, err := analyzer.NewSecretsAnalyzer(); err != nil {
		fmt.Fprintf(out, "✗ secrets analyzer: %v\n", err)
	} else {
		fmt.Fprintln(out, "✓ secrets analyzer rules loaded")
	}

	completer := a.completer()
	if completer == nil {
		fmt.Fprintln(out, "- AI analysis disabled (analysis.ai_key_ref is empty)")
		return nil
	}
	if err := completer.Validate(ctx); err != nil {
		return fmt.Errorf("AI key check failed: %w", err)
	}
	fmt.Fprintf(out, "✓ AI key valid (model %s)\n", cfg.Analysis.AIModel)
	return nil
}

var repoFlags struct {
	platform   string
	externalID string
	name       string
	url        string
	branch     string
	secretRef  string
	owner      string
	tokenRef   string
	disabled   bool
}

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage monitored repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a repository for monitoring",
	Example: `  sentinel repo add --platform github --external-id 1296269 \
    --name octo/hello --url https://github.com/octo/hello.git \
    --webhook-secret-ref env:HELLO_WEBHOOK_SECRET --token-ref github-app:4242`,
	RunE: runRepoAdd,
}

func init() {
	f := repoAddCmd.Flags()
	f.StringVar(&repoFlags.platform, "platform", string(models.PlatformGitHub), "github, gitlab or bitbucket")
	f.StringVar(&repoFlags.externalID, "external-id", "", "provider repository id (GitHub/GitLab numeric id, Bitbucket uuid)")
	f.StringVar(&repoFlags.name, "name", "", "repository full name")
	f.StringVar(&repoFlags.url, "url", "", "clone URL")
	f.StringVar(&repoFlags.branch, "default-branch", "main", "default branch")
	f.StringVar(&repoFlags.secretRef, "webhook-secret-ref", "", "secret reference for the webhook secret")
	f.StringVar(&repoFlags.owner, "owner", "", "owning user name")
	f.StringVar(&repoFlags.tokenRef, "token-ref", "", "secret reference for the clone token")
	f.BoolVar(&repoFlags.disabled, "disabled", false, "register without accepting scans")
	for _, name := range []string{"external-id", "name", "url", "webhook-secret-ref"} {
		_ = repoAddCmd.MarkFlagRequired(name)
	}
	repoCmd.AddCommand(repoAddCmd)
}

func runRepoAdd(cmd *cobra.Command, _ []string) error {
	platform := models.Platform(repoFlags.platform)
	switch platform {
	case models.PlatformGitHub, models.PlatformGitLab, models.PlatformBitbucket:
	default:
		return fmt.Errorf("invalid platform: %s", repoFlags.platform)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	owner := &models.User{Username: repoFlags.owner, AccessTokenRef: repoFlags.tokenRef}
	if owner.Username == "" {
		owner.Username = repoFlags.name
	}
	if err := a.store.SaveUser(ctx, owner); err != nil {
		return fmt.Errorf("failed to save owner: %w", err)
	}

	repo := &models.Repository{
		UserID:           owner.ID,
		Platform:         platform,
		ExternalID:       repoFlags.externalID,
		RepoName:         repoFlags.name,
		RepoURL:          repoFlags.url,
		DefaultBranch:    repoFlags.branch,
		IsEnabled:        !repoFlags.disabled,
		WebhookSecretRef: repoFlags.secretRef,
	}
	if err := a.store.SaveRepository(ctx, repo); err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "registered %s %s as repository %d\n", platform, repo.RepoName, repo.ID)
	return nil
}
