package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"claim-engine/cache"
	"claim-engine/models"
	"claim-engine/store"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ClaimService owns issue claim and release transitions and lease timing.
type ClaimService struct {
	store    store.Store
	policy   Policy
	clock    clockwork.Clock
	cache    cache.Cache
	cacheTTL time.Duration
	log      *zap.SugaredLogger

	// gens counts invalidations per issue id (*atomic.Uint64). A read only
	// fills the cache if no invalidation happened while it was in flight.
	gens sync.Map
}

func NewClaimService(st store.Store, policy Policy, clock clockwork.Clock, c cache.Cache, log *zap.SugaredLogger) *ClaimService {
	return &ClaimService{
		store:    st,
		policy:   policy,
		clock:    clock,
		cache:    cache.OrUnavailable(c),
		cacheTTL: 5 * time.Minute,
		log:      log.Named("claims"),
	}
}

// WithCacheTTL overrides how long issue views stay cached. Non-positive
// values keep the default.
func (s *ClaimService) WithCacheTTL(ttl time.Duration) *ClaimService {
	if ttl > 0 {
		s.cacheTTL = ttl
	}
	return s
}

type ClaimResult struct {
	Issue      models.Issue      `json:"issue"`
	Difficulty models.Difficulty `json:"difficulty"`
	ClaimedAt  time.Time         `json:"claimed_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// Claim leases an available issue to userID. difficulty may be empty, in
// which case the issue's own tier is used. Exactly one of any number of
// concurrent callers wins; the rest get a Conflict.
func (s *ClaimService) Claim(ctx context.Context, issueID, userID, difficulty string) (*ClaimResult, error) {
	const op = "claim"
	if issueID == "" || userID == "" {
		return nil, models.Invalid(op, "issue id and user id are required")
	}

	var result *ClaimResult
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		issue, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if !issue.Status.CanTransitionTo(models.IssueClaimed) {
			return models.Conflict(op, "issue %s is %s", issueID, issue.Status)
		}

		raw := difficulty
		if raw == "" {
			raw = string(issue.Difficulty)
		}
		tier := s.policy.Resolve(raw)
		claimedAt := now(s.clock)
		expiresAt := claimedAt.Add(s.policy.Timeout(tier))

		ok, err := tx.ClaimIssue(ctx, issueID, userID, claimedAt, expiresAt)
		if err != nil {
			return err
		}
		if !ok {
			return models.Conflict(op, "issue %s was claimed by someone else", issueID)
		}
		if err := appendEvent(ctx, tx, issueID, &userID, models.ActionClaimed, "", claimedAt); err != nil {
			return err
		}

		claimed, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		result = &ClaimResult{Issue: *claimed, Difficulty: tier, ClaimedAt: claimedAt, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, issueID)
	s.log.Infow("issue claimed", "issue_id", issueID, "user_id", userID, "difficulty", result.Difficulty, "expires_at", result.ExpiresAt)
	return result, nil
}

// Release returns an issue to available. Releasing an issue that is already
// available is a no-op. The reason is recorded for audit only.
func (s *ClaimService) Release(ctx context.Context, issueID string, reason models.ReleaseReason) (bool, error) {
	if !reason.Valid() {
		return false, models.Invalid("release", "unknown release reason %q", reason)
	}
	var released bool
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		var err error
		released, err = s.releaseTx(ctx, tx, issueID, reason, store.ReleaseCondition{})
		return err
	})
	if err != nil {
		return false, err
	}
	if released {
		s.invalidate(ctx, issueID)
		s.log.Infow("issue released", "issue_id", issueID, "reason", reason)
	}
	return released, nil
}

// ReleaseByUser lets the claim owner, or an admin, give an issue back.
func (s *ClaimService) ReleaseByUser(ctx context.Context, issueID, userID string) (bool, error) {
	var released bool
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		issue, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if issue.Status == models.IssueAvailable {
			return nil
		}
		if !issue.IsClaimedBy(userID) && !user.IsAdmin {
			return models.Unauthorized("release", "issue %s is not claimed by user %s", issueID, userID)
		}
		cond := store.ReleaseCondition{}
		if issue.ClaimedBy != nil {
			cond.ClaimedBy = *issue.ClaimedBy
		}
		released, err = s.releaseTx(ctx, tx, issueID, models.ReasonUserRequested, cond)
		return err
	})
	if err != nil {
		return false, err
	}
	if released {
		s.invalidate(ctx, issueID)
		s.log.Infow("issue released", "issue_id", issueID, "reason", models.ReasonUserRequested, "by", userID)
	}
	return released, nil
}

// ReleaseExpired releases issueID only if its lease ended before the current
// time. It reports false, not an error, when a racing call got there first.
func (s *ClaimService) ReleaseExpired(ctx context.Context, issueID string) (*models.Issue, bool, error) {
	var (
		released bool
		previous *models.Issue
	)
	at := now(s.clock)
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		issue, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		previous = issue
		if issue.Status != models.IssueClaimed {
			return nil
		}
		released, err = s.releaseTx(ctx, tx, issueID, models.ReasonExpired, store.ReleaseCondition{ExpiredBefore: &at})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if released {
		s.invalidate(ctx, issueID)
	}
	return previous, released, nil
}

// releaseTx performs the conditioned release inside tx.
func (s *ClaimService) releaseTx(ctx context.Context, tx store.Repository, issueID string, reason models.ReleaseReason, cond store.ReleaseCondition) (bool, error) {
	issue, err := tx.GetIssue(ctx, issueID)
	if err != nil {
		return false, err
	}
	switch issue.Status {
	case models.IssueAvailable:
		return false, nil
	case models.IssueClaimed:
	default:
		return false, models.Conflict("release", "issue %s is %s and cannot be released", issueID, issue.Status)
	}

	ok, err := tx.ReleaseIssue(ctx, issueID, cond)
	if err != nil || !ok {
		return false, err
	}
	if err := appendEvent(ctx, tx, issueID, issue.ClaimedBy, models.ActionReleased, reason, now(s.clock)); err != nil {
		return false, err
	}
	return true, nil
}

// Extend pushes the owner's live lease out by extra, up to the configured maximum.
func (s *ClaimService) Extend(ctx context.Context, issueID, userID string, extra time.Duration) (*ClaimResult, error) {
	const op = "extend"
	if extra <= 0 || (s.policy.ExtensionMax > 0 && extra > s.policy.ExtensionMax) {
		return nil, models.Invalid(op, "extension must be between 0 and %s", s.policy.ExtensionMax)
	}

	var result *ClaimResult
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		issue, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if !issue.IsClaimedBy(userID) {
			return models.Unauthorized(op, "issue %s is not claimed by user %s", issueID, userID)
		}
		at := now(s.clock)
		if !issue.ClaimLive(at) {
			return models.Conflict(op, "claim on issue %s has expired", issueID)
		}
		expiresAt := issue.ClaimExpiresAt.Add(extra)
		ok, err := tx.ExtendClaim(ctx, issueID, userID, at, expiresAt)
		if err != nil {
			return err
		}
		if !ok {
			return models.Conflict(op, "claim on issue %s changed concurrently", issueID)
		}
		if err := appendEvent(ctx, tx, issueID, &userID, models.ActionExtended, "", at); err != nil {
			return err
		}
		issue.ClaimExpiresAt = &expiresAt
		issue.ReminderSentAt = nil
		result = &ClaimResult{Issue: *issue, Difficulty: s.policy.Resolve(string(issue.Difficulty)), ClaimedAt: *issue.ClaimedAt, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, issueID)
	s.log.Infow("claim extended", "issue_id", issueID, "user_id", userID, "expires_at", result.ExpiresAt)
	return result, nil
}

// Reopen moves a closed issue back to available after the tracker reopened it.
func (s *ClaimService) Reopen(ctx context.Context, issueID string) (bool, error) {
	var reopened bool
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		if _, err := tx.GetIssue(ctx, issueID); err != nil {
			return err
		}
		ok, err := tx.ReopenIssue(ctx, issueID)
		if err != nil || !ok {
			return err
		}
		reopened = true
		return appendEvent(ctx, tx, issueID, nil, models.ActionReopened, "", now(s.clock))
	})
	if err != nil {
		return false, err
	}
	if reopened {
		s.invalidate(ctx, issueID)
		s.log.Infow("issue reopened", "issue_id", issueID)
	}
	return reopened, nil
}

// GetIssue serves issue views through the cache. Cache trouble is logged and
// the store is read instead.
func (s *ClaimService) GetIssue(ctx context.Context, issueID string) (*models.Issue, error) {
	var cached models.Issue
	found, err := s.cache.Get(ctx, cache.IssueKey(issueID), &cached)
	if err != nil {
		s.log.Warnw("cache read failed", "issue_id", issueID, "error", err)
	}
	if found {
		return &cached, nil
	}

	gen := s.generation(issueID)
	before := gen.Load()
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if gen.Load() != before {
		return issue, nil
	}
	if err := s.cache.Set(ctx, cache.IssueKey(issueID), issue, s.cacheTTL); err != nil {
		s.log.Warnw("cache write failed", "issue_id", issueID, "error", err)
	}
	// an invalidation that landed during Set may have been overwritten
	if gen.Load() != before {
		s.evict(ctx, issueID)
	}
	return issue, nil
}

func (s *ClaimService) generation(issueID string) *atomic.Uint64 {
	g, _ := s.gens.LoadOrStore(issueID, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

func (s *ClaimService) ListIssues(ctx context.Context, status models.IssueStatus, limit int) ([]models.Issue, error) {
	f := store.IssueFilter{Limit: limit}
	if status != "" {
		if !status.Valid() {
			return nil, models.Invalid("list issues", "unknown status %q", status)
		}
		f.Statuses = []models.IssueStatus{status}
	}
	return s.store.ListIssues(ctx, f)
}

func (s *ClaimService) History(ctx context.Context, issueID string) ([]models.ClaimEvent, error) {
	if _, err := s.store.GetIssue(ctx, issueID); err != nil {
		return nil, err
	}
	return s.store.ListClaimEvents(ctx, issueID)
}

func (s *ClaimService) invalidate(ctx context.Context, issueID string) {
	s.generation(issueID).Add(1)
	s.evict(ctx, issueID)
}

func (s *ClaimService) evict(ctx context.Context, issueID string) {
	if err := s.cache.Delete(ctx, cache.IssueKey(issueID)); err != nil {
		s.log.Warnw("cache invalidation failed", "issue_id", issueID, "error", err)
	}
}

func appendEvent(ctx context.Context, tx store.Repository, issueID string, userID *string, action models.ClaimAction, reason models.ReleaseReason, at time.Time) error {
	return tx.AppendClaimEvent(ctx, &models.ClaimEvent{
		IssueID: issueID,
		UserID:  userID,
		Action:  action,
		Reason:  reason,
		At:      at,
	})
}
