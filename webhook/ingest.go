// Package webhook turns verified VCS webhook deliveries into scan requests.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/secrets"
)

// ErrUnknownProvider indicates a webhook for a platform we do not serve.
var ErrUnknownProvider = errors.New("unknown webhook provider")

// RepositoryFinder looks up monitored repositories by platform identity.
type RepositoryFinder interface {
	FindRepository(ctx context.Context, platform models.Platform, externalID string) (*models.Repository, error)
}

// Ingestor validates and normalizes webhook deliveries.
type Ingestor struct {
	repos    RepositoryFinder
	resolver secrets.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngestor creates an Ingestor.
func NewIngestor(repos RepositoryFinder, resolver secrets.Resolver, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		repos:    repos,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest verifies a webhook delivery and maps it to a ScanRequest. Events
// that do not trigger a scan return (nil, nil). The signature is verified
// before the payload is interpreted beyond the repository identifier.
func (i *Ingestor) Ingest(ctx context.Context, platform models.Platform, eventType string, payload []byte, signature string) (*models.ScanRequest, error) {
	p, ok := providers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, platform)
	}
	if signature == "" {
		return nil, ErrMissingSignature
	}

	// Without a repository there is no secret to verify against, so the
	// delivery is rejected like one for an unknown repository.
	externalID := gjson.GetBytes(payload, p.repoIDPath).String()
	if externalID == "" {
		i.logger.Warn("webhook without repository id", "platform", platform, "path", p.repoIDPath)
		return nil, fmt.Errorf("%w: unknown repository", models.ErrAuthenticationFailed)
	}

	repo, err := i.repos.FindRepository(ctx, platform, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up repository: %w", err)
	}
	if repo == nil {
		i.logger.Warn("webhook for unknown repository", "platform", platform, "external_id", externalID)
		return nil, fmt.Errorf("%w: unknown repository", models.ErrAuthenticationFailed)
	}

	secret, err := i.resolver.Resolve(ctx, repo.WebhookSecretRef)
	if err != nil {
		i.logger.Error("failed to resolve webhook secret", "repository_id", repo.ID, "error", err)
		return nil, fmt.Errorf("%w: webhook secret unavailable", models.ErrAuthenticationFailed)
	}

	if err := p.verify(secret, payload, signature); err != nil {
		i.logger.Warn("webhook signature rejected", "repository_id", repo.ID, "platform", platform)
		return nil, err
	}

	ev, err := p.parse(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedPayload, err)
	}
	if ev == nil {
		i.logger.Debug("ignoring webhook event", "repository_id", repo.ID, "event", eventType)
		return nil, nil
	}

	req := &models.ScanRequest{
		RepositoryID: repo.ID,
		CommitSHA:    ev.sha,
		PRNumber:     ev.prNumber,
		TriggerEvent: ev.trigger,
		RequestedAt:  i.now().UTC(),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
