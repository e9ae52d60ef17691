package services

import (
	"context"
	"time"

	"claim-engine/models"

	"github.com/jonboulle/clockwork"
)

// PullRequest is what the upstream tracker reports about a PR.
type PullRequest struct {
	Number   int
	Author   string
	State    string // open or closed
	Merged   bool
	MergedAt *time.Time
}

// Tracker looks things up on the upstream issue tracker. Lookup failures
// should come back as models.ExternalService errors; a missing PR or issue
// as models.NotFound.
type Tracker interface {
	GetPullRequest(ctx context.Context, ref models.PRReference) (*PullRequest, error)
	GetIssueState(ctx context.Context, repository string, number int) (string, error)
}

type NotificationKind string

const (
	NotifyClaimExpiring      NotificationKind = "claim_expiring"
	NotifyClaimReleased      NotificationKind = "claim_released"
	NotifyContributionMerged NotificationKind = "contribution_merged"
)

type Notification struct {
	Kind           NotificationKind `json:"kind"`
	UserID         string           `json:"user_id"`
	Email          string           `json:"email,omitempty"`
	GitHubUsername string           `json:"github_username,omitempty"`
	IssueID        string           `json:"issue_id"`
	IssueTitle     string           `json:"issue_title"`
	IssueURL       string           `json:"issue_url,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	Points         int              `json:"points,omitempty"`
}

// Notifier delivers user notifications. Retries are its own business.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// now reads the clock at the precision Postgres stores.
func now(c clockwork.Clock) time.Time {
	return c.Now().UTC().Truncate(time.Microsecond)
}
