package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/sentinelcode/sentinel/models"
)

// zeroSHA is the "after" commit of a deleted branch.
const zeroSHA = "0000000000000000000000000000000000000000"

// event is the provider-neutral part of a webhook that matters for scanning.
type event struct {
	trigger  models.TriggerEvent
	sha      string
	prNumber *int
}

// provider describes how one VCS platform delivers webhooks.
type provider struct {
	SignatureHeader string
	EventHeader     string
	// repoIDPath is the gjson path of the platform's repository identifier.
	repoIDPath string
	verify     func(secret string, payload []byte, signature string) error
	// parse returns (nil, nil) for events that do not trigger a scan.
	parse func(eventType string, payload []byte) (*event, error)
}

var providers = map[models.Platform]provider{
	models.PlatformGitHub: {
		SignatureHeader: "X-Hub-Signature-256",
		EventHeader:     "X-GitHub-Event",
		repoIDPath:      "repository.id",
		verify:          VerifyHMAC,
		parse:           parseGitHub,
	},
	models.PlatformGitLab: {
		SignatureHeader: "X-Gitlab-Token",
		EventHeader:     "X-Gitlab-Event",
		repoIDPath:      "project.id",
		verify:          VerifyToken,
		parse:           parseGitLab,
	},
	models.PlatformBitbucket: {
		SignatureHeader: "X-Hub-Signature",
		EventHeader:     "X-Event-Key",
		repoIDPath:      "repository.uuid",
		verify:          VerifyHMAC,
		parse:           parseBitbucket,
	},
}

// Headers returns the signature and event-type header names for platform.
func Headers(platform models.Platform) (signature, eventType string, ok bool) {
	p, ok := providers[platform]
	if !ok {
		return "", "", false
	}
	return p.SignatureHeader, p.EventHeader, true
}

func parseGitHub(eventType string, payload []byte) (*event, error) {
	switch eventType {
	case "push", "pull_request":
	default:
		return nil, nil
	}

	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	switch e := parsed.(type) {
	case *github.PushEvent:
		if e.GetDeleted() || e.GetAfter() == zeroSHA {
			return nil, nil
		}
		return &event{trigger: models.TriggerPush, sha: e.GetAfter()}, nil
	case *github.PullRequestEvent:
		switch e.GetAction() {
		case "opened", "synchronize":
		default:
			return nil, nil
		}
		return &event{
			trigger:  models.TriggerPullRequest,
			sha:      e.GetPullRequest().GetHead().GetSHA(),
			prNumber: models.Int(e.GetNumber()),
		}, nil
	default:
		return nil, nil
	}
}

func parseGitLab(eventType string, payload []byte) (*event, error) {
	switch gitlab.EventType(eventType) {
	case gitlab.EventTypePush, gitlab.EventTypeMergeRequest:
	default:
		return nil, nil
	}

	parsed, err := gitlab.ParseWebhook(gitlab.EventType(eventType), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	switch e := parsed.(type) {
	case *gitlab.PushEvent:
		if e.After == zeroSHA {
			return nil, nil
		}
		return &event{trigger: models.TriggerPush, sha: e.After}, nil
	case *gitlab.MergeEvent:
		attrs := e.ObjectAttributes
		switch attrs.Action {
		case "open":
		case "update":
			// Updates without oldrev are metadata edits, not new commits.
			if attrs.OldRev == "" {
				return nil, nil
			}
		default:
			return nil, nil
		}
		return &event{
			trigger:  models.TriggerPullRequest,
			sha:      attrs.LastCommit.ID,
			prNumber: models.Int(int(attrs.IID)),
		}, nil
	default:
		return nil, nil
	}
}

// Bitbucket Cloud has no maintained Go SDK for webhook payloads; these cover
// the fields a scan needs.
type bitbucketPushEvent struct {
	Push struct {
		Changes []struct {
			New *struct {
				Type   string `json:"type"`
				Name   string `json:"name"`
				Target struct {
					Hash string `json:"hash"`
				} `json:"target"`
			} `json:"new"`
		} `json:"changes"`
	} `json:"push"`
}

type bitbucketPullRequestEvent struct {
	PullRequest struct {
		ID     int `json:"id"`
		Source struct {
			Commit struct {
				Hash string `json:"hash"`
			} `json:"commit"`
		} `json:"source"`
	} `json:"pullrequest"`
}

func parseBitbucket(eventType string, payload []byte) (*event, error) {
	switch eventType {
	case "repo:push":
		var e bitbucketPushEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
		}
		// The last change with a new head wins; a nil head is a deletion.
		for i := len(e.Push.Changes) - 1; i >= 0; i-- {
			if c := e.Push.Changes[i]; c.New != nil && !strings.EqualFold(c.New.Type, "tag") {
				return &event{trigger: models.TriggerPush, sha: c.New.Target.Hash}, nil
			}
		}
		return nil, nil
	case "pullrequest:created", "pullrequest:updated":
		var e bitbucketPullRequestEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
		}
		return &event{
			trigger:  models.TriggerPullRequest,
			sha:      e.PullRequest.Source.Commit.Hash,
			prNumber: models.Int(e.PullRequest.ID),
		}, nil
	default:
		return nil, nil
	}
}
