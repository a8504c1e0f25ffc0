// Package config handles service configuration and per-repository review
// configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is the repository config file, read from the checked-out tree.
	DefaultConfigPath = ".sentinel.yml"

	// Analyzer names accepted in the analyzers list.
	AnalyzerStatic  = "static"
	AnalyzerSecrets = "secrets"
	AnalyzerAI      = "ai"
	AnalyzerHybrid  = "hybrid"
)

// projectContextPaths are checked in order for free-form project notes that
// are passed to the AI reviewer.
var projectContextPaths = []string{"SENTINEL.md", ".github/SENTINEL.md"}

// ConfigParseError indicates a configuration file exists but contains invalid content.
// This is distinct from "file not found" errors, which should use default config.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("invalid config at %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error {
	return e.Err
}

// Config represents the repository configuration for the analysis pipeline.
type Config struct {
	// Analyzers lists the analyzers to run. Empty means the service default.
	Analyzers []string `yaml:"analyzers"`
	// Exclude is a list of glob patterns for files to skip during analysis.
	// Example: ["vendor/**", "*.gen.go", "docs/**"]
	Exclude []string `yaml:"exclude"`
	// Instructions provides custom guidance for the AI reviewer.
	Instructions string `yaml:"instructions"`
	// MinConfidence drops AI findings scored below this value.
	MinConfidence float64 `yaml:"min_confidence"`
	// ProjectContext holds the contents of SENTINEL.md, if present.
	ProjectContext string `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{}
}

// Load reads the config from a checked-out tree.
// If the config file doesn't exist, returns the default config.
// If the config file exists but is invalid, returns a ConfigParseError.
func Load(tree fs.FS) (*Config, error) {
	content, err := fs.ReadFile(tree, DefaultConfigPath)
	var config *Config
	switch {
	case errors.Is(err, fs.ErrNotExist):
		config = DefaultConfig()
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		config, err = Parse(content)
		if err != nil {
			return nil, &ConfigParseError{Path: DefaultConfigPath, Err: err}
		}
	}

	for _, p := range projectContextPaths {
		if b, err := fs.ReadFile(tree, p); err == nil {
			config.ProjectContext = string(b)
			break
		}
	}

	return config, nil
}

// Parse parses a config from YAML content.
func Parse(content []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(content, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for i, name := range c.Analyzers {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case AnalyzerStatic, AnalyzerSecrets, AnalyzerAI, AnalyzerHybrid:
			c.Analyzers[i] = name
		default:
			return fmt.Errorf("invalid analyzer: %s (must be one of static, secrets, ai, hybrid)", name)
		}
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("invalid min_confidence: %v (must be between 0 and 1)", c.MinConfidence)
	}
	return nil
}

// AnalyzersOr returns the configured analyzers, or fallback when none are set.
func (c *Config) AnalyzersOr(fallback []string) []string {
	if len(c.Analyzers) == 0 {
		return fallback
	}
	return slices.Compact(slices.Sorted(slices.Values(c.Analyzers)))
}

// ShouldExcludeFile returns true if the file path matches any exclude pattern.
func (c *Config) ShouldExcludeFile(path string) bool {
	for _, pattern := range c.Exclude {
		if dir, rest, ok := strings.Cut(pattern, "**"); ok {
			// "vendor/**" matches everything under vendor/; "src/**/*.pb.go"
			// additionally requires the base name to match the tail.
			if dir != "" && strings.HasPrefix(path, dir) {
				tail := strings.TrimPrefix(rest, "/")
				if tail == "" {
					return true
				}
				if matched, _ := filepath.Match(tail, filepath.Base(path)); matched {
					return true
				}
			}
			continue
		}

		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}

		// Also try matching just the filename for patterns like "*.gen.go"
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
	}
	return false
}

// FilterFiles drops excluded paths, preserving order.
func (c *Config) FilterFiles(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !c.ShouldExcludeFile(p) {
			out = append(out, p)
		}
	}
	return out
}
