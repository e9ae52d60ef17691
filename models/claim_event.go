package models

import "time"

type ClaimAction string

const (
	ActionClaimed   ClaimAction = "claimed"
	ActionReleased  ClaimAction = "released"
	ActionExtended  ClaimAction = "extended"
	ActionCompleted ClaimAction = "completed"
	ActionClosed    ClaimAction = "closed"
	ActionReopened  ClaimAction = "reopened"
)

// ReleaseReason is kept for audit only; it never changes the resulting state.
type ReleaseReason string

const (
	ReasonUserRequested    ReleaseReason = "user-requested"
	ReasonExpired          ReleaseReason = "expired"
	ReasonSubmissionClosed ReleaseReason = "submission-closed"
	ReasonUpstreamClosed   ReleaseReason = "upstream-closed"
)

func (r ReleaseReason) Valid() bool {
	switch r {
	case ReasonUserRequested, ReasonExpired, ReasonSubmissionClosed, ReasonUpstreamClosed:
		return true
	}
	return false
}

// ClaimEvent is an append-only audit row written in the same transaction as
// the issue transition it describes.
type ClaimEvent struct {
	ID      string        `gorm:"primaryKey;type:uuid" json:"id"`
	IssueID string        `gorm:"type:uuid;index;not null" json:"issue_id"`
	UserID  *string       `gorm:"type:uuid;index" json:"user_id,omitempty"`
	Action  ClaimAction   `gorm:"type:varchar(16);not null" json:"action"`
	Reason  ReleaseReason `gorm:"type:varchar(32)" json:"reason,omitempty"`
	At      time.Time     `gorm:"not null;index" json:"at"`
}
