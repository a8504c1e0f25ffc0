// Package main provides the sentinel service for self-hosted deployments.
//
// Configuration is read from an optional YAML file (--config) and SENTINEL_*
// environment variables, e.g.:
//
//	SENTINEL_DATABASE_URL          - PostgreSQL connection string
//	SENTINEL_QUEUE_BACKEND         - postgres (default) or memory
//	SENTINEL_ANALYSIS_AI_KEY_REF   - secret reference for the Anthropic key (default: env:ANTHROPIC_API_KEY)
//	SENTINEL_GITHUB_APP_APP_ID     - GitHub App ID for github-app: token references
//	SENTINEL_SERVER_ADDR           - listen address (default: :8080)
//
// Usage:
//
//	sentinel migrate
//	sentinel serve
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentinelcode/sentinel/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Webhook-driven static and AI code review pipeline",
	Long: `sentinel receives push and pull request webhooks from GitHub, GitLab and
Bitbucket, queues a scan of the exact commit, runs the configured analyzers
over the changed files and stores a scored review.

Commands:
  sentinel migrate    Create or update the database schema
  sentinel serve      Run the webhook server and scan workers
  sentinel check      Verify configuration, secrets and the AI key
  sentinel repo add   Register a repository for monitoring`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"service config file (YAML); SENTINEL_* environment variables take precedence")
	rootCmd.AddCommand(serveCmd, migrateCmd, checkCmd, repoCmd)
}

// loadConfig reads the service config and builds the process logger.
func loadConfig() (*config.Service, *slog.Logger, error) {
	cfg, err := config.LoadService(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, cfg.Log.NewLogger(os.Stdout), nil
}
