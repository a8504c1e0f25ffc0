// Package anthropic adapts the Anthropic Messages API to the analyzer
// Completer interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sentinelcode/sentinel/analyzer"
	"github.com/sentinelcode/sentinel/models"
	"github.com/sentinelcode/sentinel/secrets"
)

const (
	// DefaultModel is the model used when none is configured.
	DefaultModel = "claude-sonnet-4-5"

	// DefaultMaxTokens bounds the reply length.
	DefaultMaxTokens = 4096
)

// invalidator is implemented by resolvers that cache values.
type invalidator interface {
	Invalidate(ref string)
}

// Client sends prompts to Claude. The API key is resolved from keyRef on
// every request so rotated keys take effect without a restart.
type Client struct {
	resolver  secrets.Resolver
	keyRef    string
	model     string
	maxTokens int64
	opts      []option.RequestOption
	logger    *slog.Logger
}

// Verify Client implements analyzer.Completer at compile time.
var _ analyzer.Completer = (*Client)(nil)

// NewClient creates a Client. Extra request options (base URL, HTTP client)
// are appended to every request.
func NewClient(resolver secrets.Resolver, keyRef, model string, logger *slog.Logger, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		resolver:  resolver,
		keyRef:    keyRef,
		model:     model,
		maxTokens: DefaultMaxTokens,
		opts:      opts,
		logger:    logger,
	}
}

// Complete implements analyzer.Completer. Retries are left to the caller so
// throttling is visible as models.ErrThrottled.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	apiKey, err := c.resolver.Resolve(ctx, c.keyRef)
	if err != nil {
		return "", fmt.Errorf("resolve API key: %w", err)
	}

	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, c.opts...)
	client := anthropic.NewClient(reqOpts...)

	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(c.model)),
		MaxTokens: anthropic.F(c.maxTokens),
		System: anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(system),
		}),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		}),
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, errUnauthorized) {
			if inv, ok := c.resolver.(invalidator); ok {
				inv.Invalidate(c.keyRef)
			}
		}
		return "", fmt.Errorf("Claude API error: %w", err)
	}

	c.logger.Debug("Claude API usage",
		"model", c.model,
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
	)

	for _, block := range message.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			return block.Text, nil
		}
	}

	return "", fmt.Errorf("no text content in Claude response")
}

// Validate resolves the configured key and sends a one-token request to the
// configured model.
func (c *Client) Validate(ctx context.Context) error {
	apiKey, err := c.resolver.Resolve(ctx, c.keyRef)
	if err != nil {
		return fmt.Errorf("resolve API key: %w", err)
	}

	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, c.opts...)...)
	if _, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(c.model)),
		MaxTokens: anthropic.F(int64(1)),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		}),
	}); err != nil {
		return fmt.Errorf("API key %s rejected: %w", keyHint(apiKey), classify(err))
	}

	c.logger.Info("Anthropic API key validated", "model", c.model, "key_hint", keyHint(apiKey))
	return nil
}

// keyHint returns the last 4 characters of an API key for log output.
func keyHint(apiKey string) string {
	if len(apiKey) < 4 {
		return "****"
	}
	return "..." + apiKey[len(apiKey)-4:]
}

var errUnauthorized = errors.New("unauthorized")

// classify maps API errors onto the pipeline taxonomy: 429 and 529 are
// throttling, other 5xx and transport failures make the upstream
// unavailable. Context errors pass through.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}

	switch code := apiErr.StatusCode; {
	case code == http.StatusTooManyRequests || code == 529:
		return fmt.Errorf("%w: %v", models.ErrThrottled, err)
	case code >= 500:
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %v", errUnauthorized, err)
	default:
		return err
	}
}
