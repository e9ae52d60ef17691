package models

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
)

type IssueStatus string

const (
	IssueAvailable IssueStatus = "available"
	IssueClaimed   IssueStatus = "claimed"
	IssueCompleted IssueStatus = "completed"
	IssueClosed    IssueStatus = "closed"
)

// Valid reports whether s is one of the known issue states.
func (s IssueStatus) Valid() bool {
	switch s {
	case IssueAvailable, IssueClaimed, IssueCompleted, IssueClosed:
		return true
	}
	return false
}

// CanTransitionTo encodes the issue state machine. Any state may move to
// Closed; Closed only leaves through a reopen.
func (s IssueStatus) CanTransitionTo(next IssueStatus) bool {
	if next == IssueClosed {
		return s != IssueClosed
	}
	switch s {
	case IssueAvailable:
		// completed directly when a submission merges after its lease lapsed
		return next == IssueClaimed || next == IssueCompleted
	case IssueClaimed:
		return next == IssueAvailable || next == IssueCompleted
	case IssueClosed:
		return next == IssueAvailable
	}
	return false
}

// Difficulty tier drives claim timeouts and merge scoring.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty matches a tier label case-insensitively. ok is false for
// unknown or empty labels so callers can fall back to a default tier.
func ParseDifficulty(raw string) (Difficulty, bool) {
	switch Difficulty(cases.Fold().String(strings.TrimSpace(raw))) {
	case DifficultyEasy:
		return DifficultyEasy, true
	case DifficultyMedium:
		return DifficultyMedium, true
	case DifficultyHard:
		return DifficultyHard, true
	}
	return "", false
}

// NormalizeLanguage folds a language label so "Go", "go" and " GO " compare equal.
func NormalizeLanguage(raw string) string {
	return cases.Fold().String(strings.TrimSpace(raw))
}

// Issue is a unit of work imported from an upstream repository.
// ClaimedBy, ClaimedAt and ClaimExpiresAt are set only while Status is claimed.
type Issue struct {
	ID             string      `gorm:"primaryKey;type:uuid" json:"id"`
	Repository     string      `gorm:"index;not null" json:"repository"` // owner/name
	Number         int         `gorm:"not null" json:"number"`
	Title          string      `gorm:"not null" json:"title"`
	URL            string      `gorm:"type:text" json:"url"`
	Language       string      `gorm:"index" json:"language,omitempty"`
	Difficulty     Difficulty  `gorm:"type:varchar(16);index" json:"difficulty"`
	Status         IssueStatus `gorm:"type:varchar(16);index;not null;default:'available'" json:"status"`
	ClaimedBy      *string     `gorm:"type:uuid;index" json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time  `json:"claimed_at,omitempty"`
	ClaimExpiresAt *time.Time  `gorm:"index" json:"claim_expires_at,omitempty"`
	ReminderSentAt *time.Time  `json:"reminder_sent_at,omitempty"`

	Timestamps
}

// IsClaimedBy reports whether userID holds the current claim.
func (i *Issue) IsClaimedBy(userID string) bool {
	return i.Status == IssueClaimed && i.ClaimedBy != nil && *i.ClaimedBy == userID
}

// ClaimLive reports whether the claim is still inside its lease at now.
func (i *Issue) ClaimLive(now time.Time) bool {
	return i.Status == IssueClaimed && i.ClaimExpiresAt != nil && i.ClaimExpiresAt.After(now)
}
