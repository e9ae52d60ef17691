package models

// User mirrors a contributor account. Counters only ever grow.
type User struct {
	ID                 string `gorm:"primaryKey;type:uuid" json:"id"`
	GitHubUsername     string `gorm:"column:github_username;uniqueIndex;not null" json:"github_username"`
	Email              string `json:"email,omitempty"`
	IsAdmin            bool   `gorm:"default:false" json:"is_admin"`
	TotalContributions int64  `gorm:"default:0" json:"total_contributions"`
	MergedPRs          int64  `gorm:"column:merged_prs;default:0" json:"merged_prs"`
	TotalPoints        int64  `gorm:"default:0" json:"total_points"`

	Timestamps
}

// ContributionStats summarises a user's submissions by outcome.
type ContributionStats struct {
	Total     int64 `json:"total"`
	Submitted int64 `json:"submitted"`
	Merged    int64 `json:"merged"`
	Closed    int64 `json:"closed"`
	Points    int64 `json:"points"`
}
