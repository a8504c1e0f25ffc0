package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SENTINEL_WORKER_CONCURRENCY.
const EnvPrefix = "SENTINEL"

// Service is the process-wide configuration, loaded once in main and passed
// to component constructors.
type Service struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	GitHubApp GitHubAppConfig `mapstructure:"github_app"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RetryAfter is advertised to webhook senders when the queue is full.
	RetryAfter time.Duration `mapstructure:"retry_after"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"` // memory or postgres
	MaxBacklog   int           `mapstructure:"max_backlog"`
	Visibility   time.Duration `mapstructure:"visibility"`
	RetryBase    time.Duration `mapstructure:"retry_base"`
	RetryMax     time.Duration `mapstructure:"retry_max"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// WorkerConfig tunes the scan orchestrator.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	MaxCheckouts int           `mapstructure:"max_checkouts"`
	WorkDir      string        `mapstructure:"work_dir"`
}

// AnalysisConfig configures the analyzer set.
type AnalysisConfig struct {
	DefaultAnalyzers []string      `mapstructure:"default_analyzers"`
	AIModel          string        `mapstructure:"ai_model"`
	AIKeyRef         string        `mapstructure:"ai_key_ref"`
	AIRequestTimeout time.Duration `mapstructure:"ai_request_timeout"`
	AIMaxBatchBytes  int           `mapstructure:"ai_max_batch_bytes"`
	AIMaxRetries     int           `mapstructure:"ai_max_retries"`
}

// GitHubAppConfig enables github-app: secret references.
type GitHubAppConfig struct {
	AppID         int64  `mapstructure:"app_id"`
	PrivateKeyRef string `mapstructure:"private_key_ref"`
	// APIURL is set for GitHub Enterprise Server.
	APIURL string `mapstructure:"api_url"`
}

type SecretsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// setServiceDefaults populates viper with out-of-the-box values. Every key
// needs a default so AutomaticEnv can override it.
func setServiceDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.retry_after", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.url", "")

	v.SetDefault("queue.backend", "postgres")
	v.SetDefault("queue.max_backlog", 1000)
	v.SetDefault("queue.visibility", 15*time.Minute)
	v.SetDefault("queue.retry_base", 5*time.Second)
	v.SetDefault("queue.retry_max", 5*time.Minute)
	v.SetDefault("queue.poll_interval", 5*time.Second)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.job_timeout", 10*time.Minute)
	v.SetDefault("worker.max_checkouts", 2)
	v.SetDefault("worker.work_dir", "")

	v.SetDefault("analysis.default_analyzers", []string{AnalyzerStatic, AnalyzerSecrets, AnalyzerAI})
	v.SetDefault("analysis.ai_model", "claude-sonnet-4-5")
	v.SetDefault("analysis.ai_key_ref", "env:ANTHROPIC_API_KEY")
	v.SetDefault("analysis.ai_request_timeout", 2*time.Minute)
	v.SetDefault("analysis.ai_max_batch_bytes", 100_000)
	v.SetDefault("analysis.ai_max_retries", 3)

	v.SetDefault("github_app.app_id", 0)
	v.SetDefault("github_app.private_key_ref", "")
	v.SetDefault("github_app.api_url", "")

	v.SetDefault("secrets.cache_ttl", 5*time.Minute)
}

// LoadService reads the optional YAML file at path and applies SENTINEL_*
// environment overrides.
func LoadService(path string) (*Service, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setServiceDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigParseError{Path: path, Err: err}
		}
	}

	var cfg Service
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (s *Service) Validate() error {
	var errs []error
	switch s.Queue.Backend {
	case "memory":
	case "postgres":
		if s.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid queue.backend: %s (must be memory or postgres)", s.Queue.Backend))
	}
	if s.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be at least 1"))
	}
	if s.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("worker.max_attempts must be at least 1"))
	}
	if s.Worker.JobTimeout <= 0 {
		errs = append(errs, errors.New("worker.job_timeout must be positive"))
	}
	// A lease must outlive one job attempt.
	if s.Queue.Visibility <= s.Worker.JobTimeout {
		errs = append(errs, fmt.Errorf("queue.visibility (%s) must exceed worker.job_timeout (%s)", s.Queue.Visibility, s.Worker.JobTimeout))
	}
	defaults := Config{Analyzers: append([]string(nil), s.Analysis.DefaultAnalyzers...)}
	if err := defaults.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("analysis.default_analyzers: %w", err))
	} else {
		s.Analysis.DefaultAnalyzers = defaults.Analyzers
	}
	if s.GitHubApp.AppID != 0 && s.GitHubApp.PrivateKeyRef == "" {
		errs = append(errs, errors.New("github_app.private_key_ref is required when github_app.app_id is set"))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log section.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
