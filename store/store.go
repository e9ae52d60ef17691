// Package store is the persistence port for issues, users, contributions and
// achievements. Every mutating method that guards a state transition is a
// conditional update: it reports whether a row matched the expected state
// instead of failing, so callers decide what a lost race means.
package store

import (
	"context"
	"fmt"
	"time"

	"claim-engine/config"
	"claim-engine/models"

	"go.uber.org/zap"
)

// Repository is the set of reads and conditioned writes the engine needs.
type Repository interface {
	CreateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	// LockIssue reads the issue and holds a row lock until the transaction ends.
	LockIssue(ctx context.Context, id string) (*models.Issue, error)
	ListIssues(ctx context.Context, f IssueFilter) ([]models.Issue, error)

	ClaimIssue(ctx context.Context, id, userID string, claimedAt, expiresAt time.Time) (bool, error)
	ReleaseIssue(ctx context.Context, id string, cond ReleaseCondition) (bool, error)
	ExtendClaim(ctx context.Context, id, userID string, now, expiresAt time.Time) (bool, error)
	// CompleteIssue finishes an issue still claimed by userID, or one that
	// went back to available after its lease lapsed. A claim held by someone
	// else is left alone.
	CompleteIssue(ctx context.Context, id, userID string) (bool, error)
	CloseIssue(ctx context.Context, id string) (bool, error)
	ReopenIssue(ctx context.Context, id string) (bool, error)
	MarkReminderSent(ctx context.Context, id, userID string, expiresAt, sentAt time.Time) (bool, error)

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	// UpsertUser inserts or refreshes a mirrored account's profile fields.
	// Counters are left untouched.
	UpsertUser(ctx context.Context, user *models.User) error
	AddMergeStats(ctx context.Context, userID string, points int) error

	CreateContribution(ctx context.Context, c *models.Contribution) error
	GetContribution(ctx context.Context, id string) (*models.Contribution, error)
	FindContributionByPR(ctx context.Context, prURL string) (*models.Contribution, error)
	ListContributions(ctx context.Context, f ContributionFilter) ([]models.Contribution, error)
	MarkContributionMerged(ctx context.Context, id string, mergedAt time.Time, points int) (bool, error)
	MarkContributionClosed(ctx context.Context, id string, closedAt time.Time) (bool, error)
	ContributionStats(ctx context.Context, userID string) (models.ContributionStats, error)
	MergedByLanguage(ctx context.Context, userID string) (map[string]int, error)

	UpsertAchievement(ctx context.Context, a *models.Achievement) error
	ListAchievements(ctx context.Context) ([]models.Achievement, error)
	EnsureUserAchievement(ctx context.Context, userID, achievementID string) error
	RaiseProgress(ctx context.Context, userID, achievementID string, progress int) (bool, error)
	UnlockAchievement(ctx context.Context, userID, achievementID string, threshold int, at time.Time) (bool, error)
	ListUserAchievements(ctx context.Context, userID string) ([]models.UserAchievement, error)

	AppendClaimEvent(ctx context.Context, e *models.ClaimEvent) error
	ListClaimEvents(ctx context.Context, issueID string) ([]models.ClaimEvent, error)
}

// Store is a Repository that can also scope work to a single transaction.
type Store interface {
	Repository

	// WithTx runs fn in one transaction. A non-nil error from fn rolls back
	// every write fn made through tx.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
}

// IssueFilter selects issues for sweeps and listings. Zero fields are ignored.
type IssueFilter struct {
	Statuses       []models.IssueStatus
	ExpiresBefore  *time.Time // claim_expires_at < t
	ExpiresAfter   *time.Time // claim_expires_at > t
	ExpiresBy      *time.Time // claim_expires_at <= t
	ReminderUnsent bool
	Limit          int
}

// ReleaseCondition narrows a release to a specific claim. ClaimedBy pins the
// owner; ExpiredBefore only matches claims whose lease ended before it.
type ReleaseCondition struct {
	ClaimedBy     string
	ExpiredBefore *time.Time
}

type ContributionFilter struct {
	UserID  string
	IssueID string
	Status  models.ContributionStatus
	Limit   int
}

// New picks a Store implementation by driver name.
func New(ctx context.Context, driver string, log *zap.SugaredLogger, cfg *config.Config) (Store, error) {
	switch driver {
	case "postgres":
		return NewGormStore(ctx, log, cfg.Postgres), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
