package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type ContributionStatus string

const (
	ContributionSubmitted ContributionStatus = "submitted"
	ContributionMerged    ContributionStatus = "merged"
	ContributionClosed    ContributionStatus = "closed"
)

// Terminal reports whether no further transition is allowed.
func (s ContributionStatus) Terminal() bool {
	return s == ContributionMerged || s == ContributionClosed
}

func (s ContributionStatus) CanTransitionTo(next ContributionStatus) bool {
	return s == ContributionSubmitted && next.Terminal()
}

// Contribution records a pull request submitted against a claimed issue.
// PointsEarned is written once, on the merged transition.
type Contribution struct {
	ID           string             `gorm:"primaryKey;type:uuid" json:"id"`
	UserID       string             `gorm:"type:uuid;index;not null" json:"user_id"`
	IssueID      string             `gorm:"type:uuid;index;not null" json:"issue_id"`
	PRURL        string             `gorm:"column:pr_url;uniqueIndex;not null" json:"pr_url"`
	PRNumber     int                `gorm:"column:pr_number;not null" json:"pr_number"`
	Status       ContributionStatus `gorm:"type:varchar(16);index;not null;default:'submitted'" json:"status"`
	SubmittedAt  time.Time          `gorm:"not null" json:"submitted_at"`
	MergedAt     *time.Time         `json:"merged_at,omitempty"`
	ClosedAt     *time.Time         `json:"closed_at,omitempty"`
	PointsEarned int                `gorm:"default:0" json:"points_earned"`

	Timestamps
}

// PRReference identifies a pull request on the upstream tracker.
type PRReference struct {
	URL    string `json:"url"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

var prURLPattern = regexp.MustCompile(`^https://github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)/pull/([0-9]+)$`)

// ParsePRReference accepts https://github.com/<owner>/<repo>/pull/<n>.
// A trailing slash is tolerated and stripped from the canonical URL.
func ParsePRReference(raw string) (PRReference, error) {
	u := strings.TrimSuffix(strings.TrimSpace(raw), "/")
	m := prURLPattern.FindStringSubmatch(u)
	if m == nil {
		return PRReference{}, Invalid("parse pr reference", "malformed pull request url %q", raw)
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return PRReference{}, Invalid("parse pr reference", "invalid pull request number %q", m[3])
	}
	return PRReference{URL: u, Owner: m[1], Repo: m[2], Number: n}, nil
}

// RepoSlug returns owner/repo.
func (r PRReference) RepoSlug() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Repo)
}
