package services

import (
	"context"
	"fmt"
	"time"

	"claim-engine/cache"
	"claim-engine/models"
	"claim-engine/store"

	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// AchievementService keeps user statistics and achievement progress in step
// with merged work.
type AchievementService struct {
	store store.Store
	cache cache.Cache
	clock clockwork.Clock
	log   *zap.SugaredLogger
}

func NewAchievementService(st store.Store, c cache.Cache, clock clockwork.Clock, log *zap.SugaredLogger) *AchievementService {
	return &AchievementService{
		store: st,
		cache: cache.OrUnavailable(c),
		clock: clock,
		log:   log.Named("achievements"),
	}
}

// OnMerge applies the merge to the user's counters. It must run inside the
// same transaction as the contribution transition.
func (s *AchievementService) OnMerge(ctx context.Context, tx store.Repository, userID string, points int) error {
	if points < 0 {
		return models.Invalid("on merge", "points must not be negative")
	}
	return tx.AddMergeStats(ctx, userID, points)
}

// AchievementProgress is one achievement as seen by one user.
type AchievementProgress struct {
	models.Achievement
	Progress   int        `json:"progress"`
	IsUnlocked bool       `json:"is_unlocked"`
	EarnedAt   *time.Time `json:"earned_at,omitempty"`
}

// EvaluateAchievements recomputes progress for every achievement measured by
// one of the changed metrics, or all of them when none are given, and returns
// the achievements unlocked by this call.
func (s *AchievementService) EvaluateAchievements(ctx context.Context, userID string, changed ...models.Metric) ([]models.Achievement, error) {
	var unlocked []models.Achievement
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		all, err := tx.ListAchievements(ctx)
		if err != nil {
			return err
		}

		m := &metricReader{tx: tx, user: user}
		at := now(s.clock)
		for _, a := range all {
			if !metricChanged(a.Metric, changed) {
				continue
			}
			value, err := m.value(ctx, a)
			if err != nil {
				return err
			}
			progress := min(value, a.Threshold)

			if err := tx.EnsureUserAchievement(ctx, userID, a.ID); err != nil {
				return err
			}
			if _, err := tx.RaiseProgress(ctx, userID, a.ID, progress); err != nil {
				return err
			}
			if progress < a.Threshold {
				continue
			}
			ok, err := tx.UnlockAchievement(ctx, userID, a.ID, a.Threshold, at)
			if err != nil {
				return err
			}
			if ok {
				unlocked = append(unlocked, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, a := range unlocked {
		s.log.Infow("achievement unlocked", "user_id", userID, "achievement", a.Code)
	}
	return unlocked, nil
}

func metricChanged(m models.Metric, changed []models.Metric) bool {
	if len(changed) == 0 {
		return true
	}
	for _, c := range changed {
		if c == m {
			return true
		}
	}
	return false
}

// metricReader loads each statistic at most once per evaluation.
type metricReader struct {
	tx     store.Repository
	user   *models.User
	stats  *models.ContributionStats
	byLang map[string]int
}

func (m *metricReader) value(ctx context.Context, a models.Achievement) (int, error) {
	switch a.Metric {
	case models.MetricMergedPRs:
		return int(m.user.MergedPRs), nil
	case models.MetricTotalPoints:
		return int(m.user.TotalPoints), nil
	case models.MetricSubmissions:
		if m.stats == nil {
			st, err := m.tx.ContributionStats(ctx, m.user.ID)
			if err != nil {
				return 0, err
			}
			m.stats = &st
		}
		return int(m.stats.Total), nil
	case models.MetricLanguageMerged, models.MetricDistinctLanguages:
		if m.byLang == nil {
			byLang, err := m.tx.MergedByLanguage(ctx, m.user.ID)
			if err != nil {
				return 0, err
			}
			m.byLang = byLang
		}
		if a.Metric == models.MetricDistinctLanguages {
			return len(m.byLang), nil
		}
		return m.byLang[models.NormalizeLanguage(a.Language)], nil
	default:
		return 0, fmt.Errorf("achievement %s has unknown metric %q", a.Code, a.Metric)
	}
}

// SeedCatalog upserts the built-in achievements keyed by the slug of their name.
func (s *AchievementService) SeedCatalog(ctx context.Context) (int, error) {
	n := 0
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		for _, entry := range models.AchievementCatalog {
			a := entry
			a.Code = slug.Make(a.Name)
			a.Language = models.NormalizeLanguage(a.Language)
			if err := tx.UpsertAchievement(ctx, &a); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.cache.Delete(ctx, cache.AchievementCatalogKey); err != nil {
		s.log.Warnw("cache invalidation failed", "key", cache.AchievementCatalogKey, "error", err)
	}
	s.log.Infow("achievement catalog seeded", "count", n)
	return n, nil
}

// Catalog lists all achievement definitions, read through the cache.
func (s *AchievementService) Catalog(ctx context.Context) ([]models.Achievement, error) {
	var cached []models.Achievement
	found, err := s.cache.Get(ctx, cache.AchievementCatalogKey, &cached)
	if err != nil {
		s.log.Warnw("cache read failed", "key", cache.AchievementCatalogKey, "error", err)
	}
	if found {
		return cached, nil
	}

	all, err := s.store.ListAchievements(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, cache.AchievementCatalogKey, all, time.Hour); err != nil {
		s.log.Warnw("cache write failed", "key", cache.AchievementCatalogKey, "error", err)
	}
	return all, nil
}

// UserProgress pairs every achievement with the user's record for it.
// Achievements never evaluated for the user show zero progress.
func (s *AchievementService) UserProgress(ctx context.Context, userID string) ([]AchievementProgress, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	all, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListUserAchievements(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.UserAchievement, len(records))
	for _, r := range records {
		byID[r.AchievementID] = r
	}

	out := make([]AchievementProgress, 0, len(all))
	for _, a := range all {
		p := AchievementProgress{Achievement: a}
		if r, ok := byID[a.ID]; ok {
			p.Progress = r.Progress
			p.IsUnlocked = r.IsUnlocked
			p.EarnedAt = r.EarnedAt
		}
		out = append(out, p)
	}
	return out, nil
}

// Stats reports how many achievements the user has unlocked out of the catalog.
func (s *AchievementService) Stats(ctx context.Context, userID string) (models.AchievementStats, error) {
	progress, err := s.UserProgress(ctx, userID)
	if err != nil {
		return models.AchievementStats{}, err
	}
	stats := models.AchievementStats{Total: int64(len(progress))}
	for _, p := range progress {
		if p.IsUnlocked {
			stats.Unlocked++
		}
	}
	if stats.Total > 0 {
		stats.Completion = float64(stats.Unlocked) / float64(stats.Total) * 100
	}
	return stats, nil
}
