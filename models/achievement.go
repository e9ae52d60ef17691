package models

import "time"

type AchievementCategory string

const (
	CategoryMilestone AchievementCategory = "milestone"
	CategoryLanguage  AchievementCategory = "language"
)

// Metric names the user statistic an achievement measures.
type Metric string

const (
	MetricSubmissions       Metric = "submissions"
	MetricMergedPRs         Metric = "merged_prs"
	MetricTotalPoints       Metric = "total_points"
	MetricLanguageMerged    Metric = "language_merged"
	MetricDistinctLanguages Metric = "distinct_languages"
)

func (m Metric) Valid() bool {
	switch m {
	case MetricSubmissions, MetricMergedPRs, MetricTotalPoints, MetricLanguageMerged, MetricDistinctLanguages:
		return true
	}
	return false
}

// Achievement: static definition, seeded from AchievementCatalog
type Achievement struct {
	ID          string              `gorm:"primaryKey;type:uuid" json:"id"`
	Code        string              `gorm:"uniqueIndex;not null" json:"code"` // slug of Name
	Name        string              `gorm:"not null" json:"name"`
	Description string              `json:"description"`
	BadgeIcon   string              `gorm:"type:varchar(16)" json:"badge_icon"`
	Category    AchievementCategory `gorm:"type:varchar(16);index;not null" json:"category"`
	Metric      Metric              `gorm:"type:varchar(32);not null" json:"metric"`
	Language    string              `json:"language,omitempty"` // only for language_merged
	Threshold   int                 `gorm:"not null" json:"threshold"`
	CreatedAt   time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

// UserAchievement: per user progress toward one Achievement.
// Progress never exceeds the threshold and never decreases; EarnedAt is
// written on the first unlock only.
type UserAchievement struct {
	ID            string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID        string     `gorm:"type:uuid;not null;uniqueIndex:idx_user_achievement" json:"user_id"`
	AchievementID string     `gorm:"type:uuid;not null;uniqueIndex:idx_user_achievement" json:"achievement_id"`
	Progress      int        `gorm:"not null;default:0" json:"progress"`
	IsUnlocked    bool       `gorm:"not null;default:false" json:"is_unlocked"`
	EarnedAt      *time.Time `json:"earned_at,omitempty"`

	Timestamps
}

// AchievementStats is the per-user completion summary.
type AchievementStats struct {
	Total      int64   `json:"total_achievements"`
	Unlocked   int64   `json:"unlocked_achievements"`
	Completion float64 `json:"completion_percentage"`
}

// AchievementCatalog is the built-in set of achievements
var AchievementCatalog = []Achievement{
	{Name: "First Steps", Description: "Submit your first pull request", BadgeIcon: "🎯", Category: CategoryMilestone, Metric: MetricSubmissions, Threshold: 1},
	{Name: "Getting Started", Description: "Get your first PR merged", BadgeIcon: "✅", Category: CategoryMilestone, Metric: MetricMergedPRs, Threshold: 1},
	{Name: "Contributor", Description: "Submit 5 pull requests", BadgeIcon: "🌟", Category: CategoryMilestone, Metric: MetricSubmissions, Threshold: 5},
	{Name: "Active Contributor", Description: "Get 5 PRs merged", BadgeIcon: "⭐", Category: CategoryMilestone, Metric: MetricMergedPRs, Threshold: 5},
	{Name: "Dedicated Developer", Description: "Submit 10 pull requests", BadgeIcon: "💪", Category: CategoryMilestone, Metric: MetricSubmissions, Threshold: 10},
	{Name: "Merge Master", Description: "Get 10 PRs merged", BadgeIcon: "🏆", Category: CategoryMilestone, Metric: MetricMergedPRs, Threshold: 10},
	{Name: "Open Source Hero", Description: "Submit 25 pull requests", BadgeIcon: "🦸", Category: CategoryMilestone, Metric: MetricSubmissions, Threshold: 25},
	{Name: "Century Club", Description: "Get 25 PRs merged", BadgeIcon: "💯", Category: CategoryMilestone, Metric: MetricMergedPRs, Threshold: 25},
	{Name: "Point Collector", Description: "Earn 1000 points from merged work", BadgeIcon: "💎", Category: CategoryMilestone, Metric: MetricTotalPoints, Threshold: 1000},
	{Name: "Python Pioneer", Description: "Contribute to 5 Python projects", BadgeIcon: "🐍", Category: CategoryLanguage, Metric: MetricLanguageMerged, Language: "python", Threshold: 5},
	{Name: "JavaScript Journeyman", Description: "Contribute to 5 JavaScript projects", BadgeIcon: "📜", Category: CategoryLanguage, Metric: MetricLanguageMerged, Language: "javascript", Threshold: 5},
	{Name: "TypeScript Titan", Description: "Contribute to 5 TypeScript projects", BadgeIcon: "📘", Category: CategoryLanguage, Metric: MetricLanguageMerged, Language: "typescript", Threshold: 5},
	{Name: "Go Guru", Description: "Contribute to 5 Go projects", BadgeIcon: "🔵", Category: CategoryLanguage, Metric: MetricLanguageMerged, Language: "go", Threshold: 5},
	{Name: "Rust Ranger", Description: "Contribute to 5 Rust projects", BadgeIcon: "🦀", Category: CategoryLanguage, Metric: MetricLanguageMerged, Language: "rust", Threshold: 5},
	{Name: "Polyglot", Description: "Contribute to projects in 3 different languages", BadgeIcon: "🌐", Category: CategoryLanguage, Metric: MetricDistinctLanguages, Threshold: 3},
}
