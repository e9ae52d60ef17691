package services

import (
	"context"
	"strings"

	"claim-engine/models"
	"claim-engine/store"
)

// DetectClosedUpstream asks the tracker for the state of every issue that is
// still open in the engine and force-closes those closed upstream.
func (s *ScannerService) DetectClosedUpstream(ctx context.Context, tracker Tracker) (*SweepResult, error) {
	if tracker == nil {
		started := now(s.clock)
		return &SweepResult{Kind: SweepUpstream, StartedAt: started, FinishedAt: started}, nil
	}

	issues, err := s.store.ListIssues(ctx, store.IssueFilter{
		Statuses: []models.IssueStatus{models.IssueAvailable, models.IssueClaimed},
	})
	if err != nil {
		return nil, err
	}

	var (
		closed []string
		failed []ItemError
	)
	for _, issue := range issues {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, err := tracker.GetIssueState(ctx, issue.Repository, issue.Number)
		if err != nil {
			s.log.Warnw("issue state lookup failed", "issue_id", issue.ID, "repository", issue.Repository, "number", issue.Number, "error", err)
			failed = append(failed, ItemError{ID: issue.ID, Error: err.Error()})
			continue
		}
		if strings.EqualFold(state, "closed") {
			closed = append(closed, issue.ID)
		}
	}

	res, err := s.SweepClosedUpstream(ctx, closed)
	if res != nil {
		res.Errors = append(failed, res.Errors...)
	}
	return res, err
}
