// Package secrets resolves secret references (webhook secrets, access tokens,
// API keys) at call time. Resolved values are cached briefly in memory and
// never persisted.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/patrickmn/go-cache"
)

var (
	// ErrUnresolvable is returned when a reference cannot be turned into a
	// value. Retrying will not help.
	ErrUnresolvable = errors.New("secret unresolvable")
	// ErrUnavailable is returned when the secret backend failed transiently.
	ErrUnavailable = errors.New("secret backend unavailable")
)

// Reference schemes.
const (
	SchemeEnv       = "env"
	SchemeFile      = "file"
	SchemeGitHubApp = "github-app"
)

// DefaultTTL is how long resolved values stay cached.
const DefaultTTL = 5 * time.Minute

// Resolver turns a reference into a secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// GitHubApp holds the credentials used to mint installation tokens.
type GitHubApp struct {
	AppID      int64
	PrivateKey []byte
	// BaseURL overrides the API endpoint, e.g. for GitHub Enterprise Server.
	BaseURL string
}

// Manager resolves env:, file: and github-app: references.
type Manager struct {
	app    *GitHubApp
	cache  *cache.Cache
	logger *slog.Logger

	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
	appToken  func(ctx context.Context, installationID int64) (string, error)
}

// NewManager creates a Manager. app may be nil when no GitHub App is configured.
func NewManager(app *GitHubApp, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		app: app,
		// No janitor goroutine; expired entries are skipped on read.
		cache:     cache.New(ttl, 0),
		logger:    logger,
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
	}
	m.appToken = m.installationToken
	return m
}

// Resolve returns the secret value for ref.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	if v, ok := m.cache.Get(ref); ok {
		return v.(string), nil
	}

	scheme, arg, ok := strings.Cut(ref, ":")
	if !ok || arg == "" {
		return "", fmt.Errorf("%w: malformed reference", ErrUnresolvable)
	}

	var value string
	var err error
	switch scheme {
	case SchemeEnv:
		v, found := m.lookupEnv(arg)
		if !found || v == "" {
			return "", fmt.Errorf("%w: environment variable %s not set", ErrUnresolvable, arg)
		}
		value = v
	case SchemeFile:
		b, readErr := m.readFile(arg)
		if readErr != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolvable, readErr)
		}
		value = strings.TrimSpace(string(b))
	case SchemeGitHubApp:
		installationID, parseErr := strconv.ParseInt(arg, 10, 64)
		if parseErr != nil {
			return "", fmt.Errorf("%w: invalid installation id %q", ErrUnresolvable, arg)
		}
		value, err = m.appToken(ctx, installationID)
		if err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: unknown scheme %q", ErrUnresolvable, scheme)
	}

	if value == "" {
		return "", fmt.Errorf("%w: empty value", ErrUnresolvable)
	}
	m.cache.SetDefault(ref, value)
	return value, nil
}

// installationToken mints a GitHub App installation access token.
func (m *Manager) installationToken(ctx context.Context, installationID int64) (string, error) {
	if m.app == nil {
		return "", fmt.Errorf("%w: no GitHub App configured", ErrUnresolvable)
	}
	transport, err := ghinstallation.New(http.DefaultTransport, m.app.AppID, installationID, m.app.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create installation transport: %v", ErrUnresolvable, err)
	}
	if m.app.BaseURL != "" {
		transport.BaseURL = m.app.BaseURL
	}

	token, err := transport.Token(ctx)
	if err != nil {
		m.logger.Warn("installation token request failed",
			slog.Int64("installation_id", installationID),
			slog.Any("error", err),
		)
		return "", classifyTokenError(installationID, err)
	}
	return token, nil
}

// classifyTokenError separates rejected credentials (4xx other than 429)
// from network failures and GitHub outages.
func classifyTokenError(installationID int64, err error) error {
	var httpErr *ghinstallation.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		resp := httpErr.Response
		_ = resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return fmt.Errorf("%w: installation %d: %w", ErrUnresolvable, installationID, err)
		}
	}
	return fmt.Errorf("%w: installation %d: %w", ErrUnavailable, installationID, err)
}

// Invalidate drops a cached value, e.g. after the upstream rejected it.
func (m *Manager) Invalidate(ref string) {
	m.cache.Delete(ref)
}

// Static resolves references from a fixed map. Useful for local runs and tests.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrUnresolvable, ref)
	}
	return v, nil
}

var (
	_ Resolver = (*Manager)(nil)
	_ Resolver = Static(nil)
)
