package services

import (
	"context"
	"time"

	"claim-engine/models"
	"claim-engine/store"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type SweepKind string

const (
	SweepExpired   SweepKind = "expired"
	SweepReminders SweepKind = "reminders"
	SweepUpstream  SweepKind = "upstream"
	SweepOpenPRs   SweepKind = "open_prs"
)

// ItemError records one entity a sweep could not process.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// SweepResult summarises one sweep pass. Only the counter matching Kind is used.
type SweepResult struct {
	Kind       SweepKind   `json:"kind"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Processed  int         `json:"processed"`
	Released   int         `json:"released,omitempty"`
	Reminded   int         `json:"reminded,omitempty"`
	Closed     int         `json:"closed,omitempty"`
	Updated    int         `json:"updated,omitempty"`
	Affected   []string    `json:"affected,omitempty"`
	Errors     []ItemError `json:"errors,omitempty"`
}

func (r *SweepResult) fail(id string, err error) {
	r.Errors = append(r.Errors, ItemError{ID: id, Error: err.Error()})
}

// ScannerService runs the periodic reconciliation passes. Each entry point is
// safe to call at any time, concurrently with itself and with live requests.
type ScannerService struct {
	store    store.Store
	claims   *ClaimService
	notifier Notifier
	clock    clockwork.Clock
	log      *zap.SugaredLogger
}

func NewScannerService(st store.Store, claims *ClaimService, notifier Notifier, clock clockwork.Clock, log *zap.SugaredLogger) *ScannerService {
	return &ScannerService{
		store:    st,
		claims:   claims,
		notifier: notifier,
		clock:    clock,
		log:      log.Named("scanner"),
	}
}

// SweepExpired releases every claim whose lease has ended, one transaction per issue.
func (s *ScannerService) SweepExpired(ctx context.Context) (*SweepResult, error) {
	started := now(s.clock)
	res := &SweepResult{Kind: SweepExpired, StartedAt: started}

	candidates, err := s.store.ListIssues(ctx, store.IssueFilter{
		Statuses:      []models.IssueStatus{models.IssueClaimed},
		ExpiresBefore: &started,
	})
	if err != nil {
		return nil, err
	}

	for _, issue := range candidates {
		if err := ctx.Err(); err != nil {
			return s.finish(res), err
		}
		res.Processed++
		previous, released, err := s.claims.ReleaseExpired(ctx, issue.ID)
		if err != nil {
			s.log.Errorw("expire claim failed", "issue_id", issue.ID, "error", err)
			res.fail(issue.ID, err)
			continue
		}
		if !released {
			continue
		}
		res.Released++
		res.Affected = append(res.Affected, issue.ID)
		if previous != nil && previous.ClaimedBy != nil {
			s.notify(ctx, NotifyClaimReleased, *previous.ClaimedBy, previous, previous.ClaimExpiresAt)
		}
	}

	s.finish(res)
	s.log.Infow("expired sweep done", "processed", res.Processed, "released", res.Released, "errors", len(res.Errors))
	return res, nil
}

// SweepReminders notifies owners whose lease ends within window. The marker
// is taken before sending so overlapping sweeps do not notify twice.
func (s *ScannerService) SweepReminders(ctx context.Context, window time.Duration) (*SweepResult, error) {
	if window <= 0 {
		return nil, models.Invalid("sweep reminders", "window must be positive")
	}
	started := now(s.clock)
	res := &SweepResult{Kind: SweepReminders, StartedAt: started}
	horizon := started.Add(window)

	candidates, err := s.store.ListIssues(ctx, store.IssueFilter{
		Statuses:       []models.IssueStatus{models.IssueClaimed},
		ExpiresAfter:   &started,
		ExpiresBy:      &horizon,
		ReminderUnsent: true,
	})
	if err != nil {
		return nil, err
	}

	for _, issue := range candidates {
		if err := ctx.Err(); err != nil {
			return s.finish(res), err
		}
		if issue.ClaimedBy == nil || issue.ClaimExpiresAt == nil {
			continue
		}
		res.Processed++
		marked, err := s.store.MarkReminderSent(ctx, issue.ID, *issue.ClaimedBy, *issue.ClaimExpiresAt, started)
		if err != nil {
			s.log.Errorw("mark reminder failed", "issue_id", issue.ID, "error", err)
			res.fail(issue.ID, err)
			continue
		}
		if !marked {
			continue
		}
		if err := s.send(ctx, NotifyClaimExpiring, *issue.ClaimedBy, &issue, issue.ClaimExpiresAt); err != nil {
			res.fail(issue.ID, err)
			continue
		}
		res.Reminded++
		res.Affected = append(res.Affected, issue.ID)
	}

	s.finish(res)
	s.log.Infow("reminder sweep done", "processed", res.Processed, "reminded", res.Reminded, "errors", len(res.Errors))
	return res, nil
}

// SweepClosedUpstream force-closes the given issues, ending any claim on them.
// Issues already closed are counted as processed but not closed.
func (s *ScannerService) SweepClosedUpstream(ctx context.Context, issueIDs []string) (*SweepResult, error) {
	started := now(s.clock)
	res := &SweepResult{Kind: SweepUpstream, StartedAt: started}

	for _, id := range issueIDs {
		if err := ctx.Err(); err != nil {
			return s.finish(res), err
		}
		res.Processed++
		closed, err := s.closeUpstream(ctx, id)
		if err != nil {
			s.log.Errorw("upstream close failed", "issue_id", id, "error", err)
			res.fail(id, err)
			continue
		}
		if closed {
			res.Closed++
			res.Affected = append(res.Affected, id)
		}
	}

	s.finish(res)
	s.log.Infow("upstream sweep done", "processed", res.Processed, "closed", res.Closed, "errors", len(res.Errors))
	return res, nil
}

func (s *ScannerService) closeUpstream(ctx context.Context, issueID string) (bool, error) {
	var closed bool
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		issue, err := tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		if issue.Status == models.IssueClosed {
			return nil
		}
		ok, err := tx.CloseIssue(ctx, issueID)
		if err != nil || !ok {
			return err
		}
		closed = true
		at := now(s.clock)
		if issue.Status == models.IssueClaimed {
			if err := appendEvent(ctx, tx, issueID, issue.ClaimedBy, models.ActionReleased, models.ReasonUpstreamClosed, at); err != nil {
				return err
			}
		}
		return appendEvent(ctx, tx, issueID, nil, models.ActionClosed, models.ReasonUpstreamClosed, at)
	})
	if err != nil {
		return false, err
	}
	if closed {
		s.claims.invalidate(ctx, issueID)
	}
	return closed, nil
}

func (s *ScannerService) finish(res *SweepResult) *SweepResult {
	res.FinishedAt = now(s.clock)
	return res
}

// notify sends best-effort; failures are only logged.
func (s *ScannerService) notify(ctx context.Context, kind NotificationKind, userID string, issue *models.Issue, expiresAt *time.Time) {
	_ = s.send(ctx, kind, userID, issue, expiresAt)
}

func (s *ScannerService) send(ctx context.Context, kind NotificationKind, userID string, issue *models.Issue, expiresAt *time.Time) error {
	if s.notifier == nil {
		return nil
	}
	n := Notification{
		Kind:       kind,
		UserID:     userID,
		IssueID:    issue.ID,
		IssueTitle: issue.Title,
		IssueURL:   issue.URL,
		ExpiresAt:  expiresAt,
	}
	if user, err := s.store.GetUser(ctx, userID); err == nil {
		n.Email = user.Email
		n.GitHubUsername = user.GitHubUsername
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warnw("notification failed", "kind", kind, "issue_id", issue.ID, "user_id", userID, "error", err)
		return err
	}
	return nil
}
