package models

import "time"

// Platform identifies the VCS provider hosting a repository.
type Platform string

const (
	PlatformGitHub    Platform = "github"
	PlatformGitLab    Platform = "gitlab"
	PlatformBitbucket Platform = "bitbucket"
)

// Repository is a monitored repository. IsEnabled gates whether new
// scan requests are accepted.
type Repository struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"user_id"`
	Platform         Platform   `json:"platform"`
	ExternalID       string     `json:"external_id"`
	RepoName         string     `json:"repo_name"`
	RepoURL          string     `json:"repo_url"`
	DefaultBranch    string     `json:"default_branch"`
	IsEnabled        bool       `json:"is_enabled"`
	WebhookSecretRef string     `json:"-"`
	LastScanAt       *time.Time `json:"last_scan_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// User owns repositories through an OAuth identity. The access token itself
// lives in the secret manager; only the reference is stored.
type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email,omitempty"`
	AccessTokenRef string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}
