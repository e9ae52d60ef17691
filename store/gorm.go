package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"claim-engine/config"
	"claim-engine/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore persists through GORM on Postgres.
type GormStore struct {
	gormRepo

	baseCtx context.Context
	log     *zap.SugaredLogger
	cfg     config.PostgresConfig
}

// NewGormStore creates a store; the connection is opened by OnStart.
func NewGormStore(ctx context.Context, log *zap.SugaredLogger, cfg config.PostgresConfig) *GormStore {
	return &GormStore{
		baseCtx: ctx,
		log:     log.Named("store.postgres"),
		cfg:     cfg,
	}
}

// OnStart opens the connection pool and applies migrations.
func (s *GormStore) OnStart(_ context.Context) error {
	db, err := gorm.Open(postgres.Open(s.cfg.DSN()), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	if s.cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(s.cfg.MaxConns)
	}

	pingCtx, cancelPing := context.WithTimeout(s.baseCtx, s.cfg.QueryTimeout)
	defer cancelPing()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	migrateCtx, cancelMigrate := context.WithTimeout(s.baseCtx, s.cfg.MigrateTimeout)
	defer cancelMigrate()
	if err := Migrate(migrateCtx, sqlDB); err != nil {
		return err
	}

	s.db = db
	s.log.Infow("postgres ready", "host", s.cfg.Host, "port", s.cfg.Port, "db", s.cfg.DBName)
	return nil
}

// OnStop closes pool connections.
func (s *GormStore) OnStop(_ context.Context) error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormRepo{db: tx})
	})
}

type gormRepo struct {
	db *gorm.DB
}

func (r gormRepo) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

var clearClaim = map[string]any{
	"claimed_by":       nil,
	"claimed_at":       nil,
	"claim_expires_at": nil,
	"reminder_sent_at": nil,
}

func withStatus(status models.IssueStatus) map[string]any {
	upd := map[string]any{"status": status}
	for k, v := range clearClaim {
		upd[k] = v
	}
	return upd
}

func (r gormRepo) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if issue.Status == "" {
		issue.Status = models.IssueAvailable
	}
	return translate("create issue", r.conn(ctx).Create(issue).Error)
}

func (r gormRepo) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	var issue models.Issue
	if err := r.conn(ctx).First(&issue, "id = ?", id).Error; err != nil {
		return nil, notFoundOr("get issue", "issue", id, err)
	}
	return &issue, nil
}

func (r gormRepo) LockIssue(ctx context.Context, id string) (*models.Issue, error) {
	var issue models.Issue
	err := r.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&issue, "id = ?", id).Error
	if err != nil {
		return nil, notFoundOr("lock issue", "issue", id, err)
	}
	return &issue, nil
}

func (r gormRepo) ListIssues(ctx context.Context, f IssueFilter) ([]models.Issue, error) {
	q := r.conn(ctx).Model(&models.Issue{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.ExpiresBefore != nil {
		q = q.Where("claim_expires_at < ?", *f.ExpiresBefore)
	}
	if f.ExpiresAfter != nil {
		q = q.Where("claim_expires_at > ?", *f.ExpiresAfter)
	}
	if f.ExpiresBy != nil {
		q = q.Where("claim_expires_at <= ?", *f.ExpiresBy)
	}
	if f.ReminderUnsent {
		q = q.Where("reminder_sent_at IS NULL")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var issues []models.Issue
	if err := q.Order("created_at ASC").Find(&issues).Error; err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return issues, nil
}

func (r gormRepo) ClaimIssue(ctx context.Context, id, userID string, claimedAt, expiresAt time.Time) (bool, error) {
	res := r.conn(ctx).Model(&models.Issue{}).
		Where("id = ? AND status = ?", id, models.IssueAvailable).
		Updates(map[string]any{
			"status":           models.IssueClaimed,
			"claimed_by":       userID,
			"claimed_at":       claimedAt,
			"claim_expires_at": expiresAt,
			"reminder_sent_at": nil,
		})
	return applied("claim issue", res)
}

func (r gormRepo) ReleaseIssue(ctx context.Context, id string, cond ReleaseCondition) (bool, error) {
	q := r.conn(ctx).Model(&models.Issue{}).
		Where("id = ? AND status = ?", id, models.IssueClaimed)
	if cond.ClaimedBy != "" {
		q = q.Where("claimed_by = ?", cond.ClaimedBy)
	}
	if cond.ExpiredBefore != nil {
		q = q.Where("claim_expires_at < ?", *cond.ExpiredBefore)
	}
	return applied("release issue", q.Updates(withStatus(models.IssueAvailable)))
}

func (r gormRepo) ExtendClaim(ctx context.Context, id, userID string, now, expiresAt time.Time) (bool, error) {
	res := r.conn(ctx).Model(&models.Issue{}).
		Where("id = ? AND status = ? AND claimed_by = ? AND claim_expires_at > ?", id, models.IssueClaimed, userID, now).
		Updates(map[string]any{
			"claim_expires_at": expiresAt,
			"reminder_sent_at": nil,
		})
	return applied("extend claim", res)
}

func (r gormRepo) CompleteIssue(ctx context.Context, id, userID string) (bool, error) {
	res := r.conn(ctx).Model(&models.Issue{}).
		Where("id = ? AND ((status = ? AND claimed_by = ?) OR status = ?)", id, models.IssueClaimed, userID, models.IssueAvailable).
		Updates(withStatus(models.IssueCompleted))
	return applied("complete issue", res)
}

func (r gormRepo) CloseIssue(ctx context.Context, id string) (bool, error) {
	res := r.conn(ctx).Model(&models.Issue{}).
		Where("id = ? AND status <> ?", id, models.IssueClosed).
		Updates(withStatus(models.IssueClosed))
	return applied("close issue", res)
}

func (r gormRepo) ReopenIssue(ctx context.Context, id string) (bool, error) {
	res := r.conn(ctx).Model(&models.Issue{}).
		Where("id = ? AND status = ?", id, models.IssueClosed).
		Update("status", models.IssueAvailable)
	return applied("reopen issue", res)
}

func (r gormRepo) MarkReminderSent(ctx context.Context, id, userID string, expiresAt, sentAt time.Time) (bool, error) {
	res := r.conn(ctx).Model(&models.Issue{}).
		Where("id = ? AND status = ? AND claimed_by = ? AND claim_expires_at = ? AND reminder_sent_at IS NULL",
			id, models.IssueClaimed, userID, expiresAt).
		Update("reminder_sent_at", sentAt)
	return applied("mark reminder", res)
}

func (r gormRepo) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	return translate("create user", r.conn(ctx).Create(user).Error)
}

func (r gormRepo) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.conn(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, notFoundOr("get user", "user", id, err)
	}
	return &user, nil
}

func (r gormRepo) UpsertUser(ctx context.Context, user *models.User) error {
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"github_username", "email", "is_admin", "updated_at"}),
	}).Create(user).Error
	return translate("upsert user", err)
}

func (r gormRepo) AddMergeStats(ctx context.Context, userID string, points int) error {
	res := r.conn(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"total_contributions": gorm.Expr("total_contributions + ?", 1),
			"merged_prs":          gorm.Expr("merged_prs + ?", 1),
			"total_points":        gorm.Expr("total_points + ?", points),
		})
	ok, err := applied("add merge stats", res)
	if err != nil {
		return err
	}
	if !ok {
		return models.NotFound("add merge stats", "user %s not found", userID)
	}
	return nil
}

func (r gormRepo) CreateContribution(ctx context.Context, c *models.Contribution) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.ContributionSubmitted
	}
	return translate("create contribution", r.conn(ctx).Create(c).Error)
}

func (r gormRepo) GetContribution(ctx context.Context, id string) (*models.Contribution, error) {
	var c models.Contribution
	if err := r.conn(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFoundOr("get contribution", "contribution", id, err)
	}
	return &c, nil
}

func (r gormRepo) FindContributionByPR(ctx context.Context, prURL string) (*models.Contribution, error) {
	var c models.Contribution
	if err := r.conn(ctx).First(&c, "pr_url = ?", prURL).Error; err != nil {
		return nil, notFoundOr("find contribution", "contribution for", prURL, err)
	}
	return &c, nil
}

func (r gormRepo) ListContributions(ctx context.Context, f ContributionFilter) ([]models.Contribution, error) {
	q := r.conn(ctx).Model(&models.Contribution{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.IssueID != "" {
		q = q.Where("issue_id = ?", f.IssueID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []models.Contribution
	if err := q.Order("submitted_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	return out, nil
}

func (r gormRepo) MarkContributionMerged(ctx context.Context, id string, mergedAt time.Time, points int) (bool, error) {
	res := r.conn(ctx).Model(&models.Contribution{}).
		Where("id = ? AND status = ?", id, models.ContributionSubmitted).
		Updates(map[string]any{
			"status":        models.ContributionMerged,
			"merged_at":     mergedAt,
			"points_earned": points,
		})
	return applied("merge contribution", res)
}

func (r gormRepo) MarkContributionClosed(ctx context.Context, id string, closedAt time.Time) (bool, error) {
	res := r.conn(ctx).Model(&models.Contribution{}).
		Where("id = ? AND status = ?", id, models.ContributionSubmitted).
		Updates(map[string]any{
			"status":    models.ContributionClosed,
			"closed_at": closedAt,
		})
	return applied("close contribution", res)
}

func (r gormRepo) ContributionStats(ctx context.Context, userID string) (models.ContributionStats, error) {
	var rows []struct {
		Status models.ContributionStatus
		N      int64
		Points int64
	}
	err := r.conn(ctx).Model(&models.Contribution{}).
		Select("status, COUNT(*) AS n, COALESCE(SUM(points_earned), 0) AS points").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return models.ContributionStats{}, fmt.Errorf("contribution stats: %w", err)
	}

	var stats models.ContributionStats
	for _, row := range rows {
		stats.Total += row.N
		stats.Points += row.Points
		switch row.Status {
		case models.ContributionSubmitted:
			stats.Submitted = row.N
		case models.ContributionMerged:
			stats.Merged = row.N
		case models.ContributionClosed:
			stats.Closed = row.N
		}
	}
	return stats, nil
}

func (r gormRepo) MergedByLanguage(ctx context.Context, userID string) (map[string]int, error) {
	var rows []struct {
		Language string
		N        int
	}
	err := r.conn(ctx).Table("contributions AS c").
		Select("LOWER(TRIM(i.language)) AS language, COUNT(DISTINCT c.id) AS n").
		Joins("JOIN issues AS i ON i.id = c.issue_id").
		Where("c.user_id = ? AND c.status = ? AND TRIM(COALESCE(i.language, '')) <> ''", userID, models.ContributionMerged).
		Group("LOWER(TRIM(i.language))").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("merged by language: %w", err)
	}

	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Language] = row.N
	}
	return out, nil
}

func (r gormRepo) UpsertAchievement(ctx context.Context, a *models.Achievement) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "badge_icon", "category", "metric", "language", "threshold"}),
	}).Create(a).Error
	if err != nil {
		return fmt.Errorf("upsert achievement %s: %w", a.Code, err)
	}
	// the row may predate this call, so read back the stored id
	var stored models.Achievement
	if err := r.conn(ctx).First(&stored, "code = ?", a.Code).Error; err != nil {
		return fmt.Errorf("reload achievement %s: %w", a.Code, err)
	}
	*a = stored
	return nil
}

func (r gormRepo) ListAchievements(ctx context.Context) ([]models.Achievement, error) {
	var out []models.Achievement
	if err := r.conn(ctx).Order("category ASC, threshold ASC, name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}
	return out, nil
}

func (r gormRepo) EnsureUserAchievement(ctx context.Context, userID, achievementID string) error {
	ua := models.UserAchievement{
		ID:            uuid.NewString(),
		UserID:        userID,
		AchievementID: achievementID,
	}
	err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "achievement_id"}},
		DoNothing: true,
	}).Create(&ua).Error
	if err != nil {
		return fmt.Errorf("ensure user achievement: %w", err)
	}
	return nil
}

func (r gormRepo) RaiseProgress(ctx context.Context, userID, achievementID string, progress int) (bool, error) {
	res := r.conn(ctx).Model(&models.UserAchievement{}).
		Where("user_id = ? AND achievement_id = ? AND progress < ?", userID, achievementID, progress).
		Update("progress", progress)
	return applied("raise progress", res)
}

func (r gormRepo) UnlockAchievement(ctx context.Context, userID, achievementID string, threshold int, at time.Time) (bool, error) {
	res := r.conn(ctx).Model(&models.UserAchievement{}).
		Where("user_id = ? AND achievement_id = ? AND is_unlocked = ? AND progress >= ?", userID, achievementID, false, threshold).
		Updates(map[string]any{
			"is_unlocked": true,
			"earned_at":   at,
		})
	return applied("unlock achievement", res)
}

func (r gormRepo) ListUserAchievements(ctx context.Context, userID string) ([]models.UserAchievement, error) {
	var out []models.UserAchievement
	if err := r.conn(ctx).Where("user_id = ?", userID).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list user achievements: %w", err)
	}
	return out, nil
}

func (r gormRepo) AppendClaimEvent(ctx context.Context, e *models.ClaimEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return translate("append claim event", r.conn(ctx).Create(e).Error)
}

func (r gormRepo) ListClaimEvents(ctx context.Context, issueID string) ([]models.ClaimEvent, error) {
	var out []models.ClaimEvent
	if err := r.conn(ctx).Where("issue_id = ?", issueID).Order("at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list claim events: %w", err)
	}
	return out, nil
}

func applied(op string, res *gorm.DB) (bool, error) {
	if res.Error != nil {
		return false, fmt.Errorf("%s: %w", op, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func notFoundOr(op, what, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NotFound(op, "%s %s not found", what, id)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// translate maps unique violations to Conflict and wraps everything else.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return &models.Error{Kind: models.KindConflict, Op: op, Msg: "already exists", Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}
