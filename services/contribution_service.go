package services

import (
	"context"
	"errors"
	"strings"

	"claim-engine/models"
	"claim-engine/store"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ContributionService validates submissions against claims and applies
// merge/close outcomes exactly once per contribution.
type ContributionService struct {
	store        store.Store
	claims       *ClaimService
	achievements *AchievementService
	policy       Policy
	tracker      Tracker
	notifier     Notifier
	clock        clockwork.Clock
	log          *zap.SugaredLogger
}

// NewContributionService wires the validator. tracker and notifier may be nil,
// in which case PR authorship is not checked and no merge notices are sent.
func NewContributionService(
	st store.Store,
	claims *ClaimService,
	achievements *AchievementService,
	policy Policy,
	tracker Tracker,
	notifier Notifier,
	clock clockwork.Clock,
	log *zap.SugaredLogger,
) *ContributionService {
	return &ContributionService{
		store:        st,
		claims:       claims,
		achievements: achievements,
		policy:       policy,
		tracker:      tracker,
		notifier:     notifier,
		clock:        clock,
		log:          log.Named("contributions"),
	}
}

type SubmissionResult struct {
	Contribution models.Contribution `json:"contribution"`
	PR           models.PRReference  `json:"pr"`
}

// UpdateResult is returned by UpdateStatus. Changed is false when the
// contribution was already terminal and nothing was applied.
type UpdateResult struct {
	Contribution models.Contribution `json:"contribution"`
	Changed      bool                `json:"changed"`
}

// Submit records a pull request against the user's live claim. The issue
// stays claimed; completion follows from the merge outcome.
func (s *ContributionService) Submit(ctx context.Context, issueID, userID, prURL string) (*SubmissionResult, error) {
	const op = "submit"
	ref, err := models.ParsePRReference(prURL)
	if err != nil {
		return nil, err
	}

	// cheap ownership check before any upstream call
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if !issue.IsClaimedBy(userID) {
		return nil, models.Unauthorized(op, "issue %s is not claimed by user %s", issueID, userID)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var upstream *PullRequest
	if s.tracker != nil {
		upstream, err = s.verifyAuthor(ctx, ref, user)
		if err != nil {
			return nil, err
		}
	}

	var created models.Contribution
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		issue, err := tx.LockIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if !issue.IsClaimedBy(userID) {
			return models.Unauthorized(op, "issue %s is not claimed by user %s", issueID, userID)
		}
		at := now(s.clock)
		if !issue.ClaimLive(at) {
			return models.Conflict(op, "claim on issue %s expired at %s", issueID, issue.ClaimExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
		}

		existing, err := tx.FindContributionByPR(ctx, ref.URL)
		switch {
		case err == nil:
			return models.Conflict(op, "pull request %s already submitted for issue %s", ref.URL, existing.IssueID)
		case !errors.Is(err, models.ErrNotFound):
			return err
		}

		created = models.Contribution{
			UserID:      userID,
			IssueID:     issueID,
			PRURL:       ref.URL,
			PRNumber:    ref.Number,
			Status:      models.ContributionSubmitted,
			SubmittedAt: at,
		}
		return tx.CreateContribution(ctx, &created)
	})
	if err != nil {
		return nil, err
	}

	s.log.Infow("contribution submitted", "issue_id", issueID, "user_id", userID, "pr", ref.URL)
	s.evaluate(ctx, userID, models.MetricSubmissions)

	if upstream != nil && upstream.Merged {
		// already merged upstream, apply it now rather than wait for a webhook
		if res, err := s.UpdateStatus(ctx, ref.URL, true); err != nil {
			s.log.Warnw("apply merged status failed", "pr", ref.URL, "error", err)
		} else {
			created = res.Contribution
		}
	}
	return &SubmissionResult{Contribution: created, PR: ref}, nil
}

func (s *ContributionService) verifyAuthor(ctx context.Context, ref models.PRReference, user *models.User) (*PullRequest, error) {
	pr, err := s.tracker.GetPullRequest(ctx, ref)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.Invalid("submit", "pull request %s does not exist", ref.URL)
	}
	if err != nil {
		if models.KindOf(err) == models.KindExternalService {
			return nil, err
		}
		return nil, models.ExternalService("submit", err)
	}
	if !strings.EqualFold(pr.Author, user.GitHubUsername) {
		return nil, models.Invalid("submit", "pull request %s was opened by %q, not %q", ref.URL, pr.Author, user.GitHubUsername)
	}
	return pr, nil
}

// UpdateStatus applies a merge or close outcome for the PR. Repeated delivery
// of the same outcome, or any outcome after a terminal one, is a no-op.
func (s *ContributionService) UpdateStatus(ctx context.Context, prURL string, merged bool) (*UpdateResult, error) {
	ref, err := models.ParsePRReference(prURL)
	if err != nil {
		return nil, err
	}

	var (
		result  UpdateResult
		issue   *models.Issue
		points  int
		release bool
	)
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		c, err := tx.FindContributionByPR(ctx, ref.URL)
		if err != nil {
			return err
		}
		result.Contribution = *c
		if c.Status.Terminal() {
			return nil
		}

		issue, err = tx.GetIssue(ctx, c.IssueID)
		if err != nil {
			return err
		}
		at := now(s.clock)

		if merged {
			points = s.policy.Score(issue.Difficulty)
			ok, err := tx.MarkContributionMerged(ctx, c.ID, at, points)
			if err != nil || !ok {
				return err
			}
			if err := s.achievements.OnMerge(ctx, tx, c.UserID, points); err != nil {
				return err
			}
			completed, err := tx.CompleteIssue(ctx, issue.ID, c.UserID)
			if err != nil {
				return err
			}
			if completed {
				if err := appendEvent(ctx, tx, issue.ID, &c.UserID, models.ActionCompleted, "", at); err != nil {
					return err
				}
			} else {
				s.log.Warnw("merged contribution left issue unchanged", "issue_id", issue.ID, "status", issue.Status, "pr", ref.URL)
			}
		} else {
			ok, err := tx.MarkContributionClosed(ctx, c.ID, at)
			if err != nil || !ok {
				return err
			}
			release, err = tx.ReleaseIssue(ctx, issue.ID, store.ReleaseCondition{ClaimedBy: c.UserID})
			if err != nil {
				return err
			}
			if release {
				if err := appendEvent(ctx, tx, issue.ID, &c.UserID, models.ActionReleased, models.ReasonSubmissionClosed, at); err != nil {
					return err
				}
			}
		}

		updated, err := tx.GetContribution(ctx, c.ID)
		if err != nil {
			return err
		}
		result.Contribution = *updated
		result.Changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !result.Changed {
		s.log.Debugw("status update ignored", "pr", ref.URL, "status", result.Contribution.Status)
		return &result, nil
	}

	s.claims.invalidate(ctx, result.Contribution.IssueID)
	userID := result.Contribution.UserID
	s.log.Infow("contribution status updated", "pr", ref.URL, "status", result.Contribution.Status, "user_id", userID, "points", result.Contribution.PointsEarned)

	if merged {
		s.evaluate(ctx, userID, models.MetricMergedPRs, models.MetricTotalPoints, models.MetricLanguageMerged, models.MetricDistinctLanguages)
		s.notifyMerged(ctx, userID, issue, points)
	}
	return &result, nil
}

// ReconcileOpenPRs asks the tracker about every submitted contribution and
// applies any merge or close it missed.
func (s *ContributionService) ReconcileOpenPRs(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{Kind: SweepOpenPRs, StartedAt: now(s.clock)}
	if s.tracker == nil {
		res.FinishedAt = now(s.clock)
		return res, nil
	}

	open, err := s.store.ListContributions(ctx, store.ContributionFilter{Status: models.ContributionSubmitted})
	if err != nil {
		return nil, err
	}
	for _, c := range open {
		if err := ctx.Err(); err != nil {
			res.FinishedAt = now(s.clock)
			return res, err
		}
		res.Processed++
		ref, err := models.ParsePRReference(c.PRURL)
		if err != nil {
			res.fail(c.ID, err)
			continue
		}
		pr, err := s.tracker.GetPullRequest(ctx, ref)
		if err != nil {
			s.log.Warnw("pull request lookup failed", "pr", ref.URL, "error", err)
			res.fail(c.ID, err)
			continue
		}
		if !pr.Merged && pr.State != "closed" {
			continue
		}
		upd, err := s.UpdateStatus(ctx, ref.URL, pr.Merged)
		if err != nil {
			res.fail(c.ID, err)
			continue
		}
		if upd.Changed {
			res.Updated++
			res.Affected = append(res.Affected, c.ID)
		}
	}
	res.FinishedAt = now(s.clock)
	s.log.Infow("open pr reconciliation done", "processed", res.Processed, "updated", res.Updated, "errors", len(res.Errors))
	return res, nil
}

// Stats summarises a user's contributions by outcome.
func (s *ContributionService) Stats(ctx context.Context, userID string) (models.ContributionStats, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return models.ContributionStats{}, err
	}
	return s.store.ContributionStats(ctx, userID)
}

func (s *ContributionService) ListByUser(ctx context.Context, userID string) ([]models.Contribution, error) {
	return s.store.ListContributions(ctx, store.ContributionFilter{UserID: userID})
}

// evaluate runs achievement evaluation after commit. Failure is logged only;
// the next stat change re-evaluates from current totals.
func (s *ContributionService) evaluate(ctx context.Context, userID string, metrics ...models.Metric) {
	if s.achievements == nil {
		return
	}
	if _, err := s.achievements.EvaluateAchievements(ctx, userID, metrics...); err != nil {
		s.log.Errorw("achievement evaluation failed", "user_id", userID, "error", err)
	}
}

func (s *ContributionService) notifyMerged(ctx context.Context, userID string, issue *models.Issue, points int) {
	if s.notifier == nil || issue == nil {
		return
	}
	n := Notification{
		Kind:       NotifyContributionMerged,
		UserID:     userID,
		IssueID:    issue.ID,
		IssueTitle: issue.Title,
		IssueURL:   issue.URL,
		Points:     points,
	}
	if user, err := s.store.GetUser(ctx, userID); err == nil {
		n.Email = user.Email
		n.GitHubUsername = user.GitHubUsername
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warnw("notification failed", "kind", n.Kind, "user_id", userID, "error", err)
	}
}
