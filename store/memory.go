package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"claim-engine/models"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. Transactions are serialised by a
// single mutex and roll back by restoring a snapshot, so conditional updates
// behave like they do against Postgres. Used by tests and the "memory" driver.
type MemoryStore struct {
	memRepo

	mu    sync.Mutex
	state *memState
}

type memState struct {
	issues           map[string]models.Issue
	users            map[string]models.User
	contributions    map[string]models.Contribution
	achievements     map[string]models.Achievement
	userAchievements map[string]models.UserAchievement
	events           []models.ClaimEvent
}

func newMemState() *memState {
	return &memState{
		issues:           make(map[string]models.Issue),
		users:            make(map[string]models.User),
		contributions:    make(map[string]models.Contribution),
		achievements:     make(map[string]models.Achievement),
		userAchievements: make(map[string]models.UserAchievement),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.issues {
		c.issues[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.contributions {
		c.contributions[k] = v
	}
	for k, v := range s.achievements {
		c.achievements[k] = v
	}
	for k, v := range s.userAchievements {
		c.userAchievements[k] = v
	}
	c.events = append(c.events, s.events...)
	return c
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{state: newMemState()}
	s.memRepo = memRepo{store: s}
	return s
}

func (s *MemoryStore) OnStart(_ context.Context) error { return nil }
func (s *MemoryStore) OnStop(_ context.Context) error  { return nil }

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(memRepo{store: s, inTx: true}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// memRepo locks per call unless it is the handle passed into WithTx, which
// already holds the store mutex.
type memRepo struct {
	store *MemoryStore
	inTx  bool
}

func (r memRepo) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.store.mu.Lock()
	return r.store.mu.Unlock
}

func (r memRepo) st() *memState { return r.store.state }

func ptr[T any](v T) *T { return &v }

func (r memRepo) CreateIssue(_ context.Context, issue *models.Issue) error {
	defer r.lock()()
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if _, ok := r.st().issues[issue.ID]; ok {
		return models.Conflict("create issue", "issue %s already exists", issue.ID)
	}
	if issue.Status == "" {
		issue.Status = models.IssueAvailable
	}
	now := time.Now().UTC()
	issue.CreatedAt, issue.UpdatedAt = now, now
	r.st().issues[issue.ID] = *issue
	return nil
}

func (r memRepo) GetIssue(_ context.Context, id string) (*models.Issue, error) {
	defer r.lock()()
	issue, ok := r.st().issues[id]
	if !ok {
		return nil, models.NotFound("get issue", "issue %s not found", id)
	}
	return &issue, nil
}

func (r memRepo) LockIssue(ctx context.Context, id string) (*models.Issue, error) {
	return r.GetIssue(ctx, id)
}

func (r memRepo) ListIssues(_ context.Context, f IssueFilter) ([]models.Issue, error) {
	defer r.lock()()
	var out []models.Issue
	for _, issue := range r.st().issues {
		if !matchIssue(issue, f) {
			continue
		}
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchIssue(issue models.Issue, f IssueFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if issue.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	exp := issue.ClaimExpiresAt
	if f.ExpiresBefore != nil && (exp == nil || !exp.Before(*f.ExpiresBefore)) {
		return false
	}
	if f.ExpiresAfter != nil && (exp == nil || !exp.After(*f.ExpiresAfter)) {
		return false
	}
	if f.ExpiresBy != nil && (exp == nil || exp.After(*f.ExpiresBy)) {
		return false
	}
	if f.ReminderUnsent && issue.ReminderSentAt != nil {
		return false
	}
	return true
}

// updateIssue applies fn to the issue when pred holds and reports whether it did.
func (r memRepo) updateIssue(id string, pred func(models.Issue) bool, fn func(*models.Issue)) bool {
	issue, ok := r.st().issues[id]
	if !ok || !pred(issue) {
		return false
	}
	fn(&issue)
	issue.UpdatedAt = time.Now().UTC()
	r.st().issues[id] = issue
	return true
}

func clearClaimFields(issue *models.Issue) {
	issue.ClaimedBy = nil
	issue.ClaimedAt = nil
	issue.ClaimExpiresAt = nil
	issue.ReminderSentAt = nil
}

func (r memRepo) ClaimIssue(_ context.Context, id, userID string, claimedAt, expiresAt time.Time) (bool, error) {
	defer r.lock()()
	return r.updateIssue(id,
		func(i models.Issue) bool { return i.Status == models.IssueAvailable },
		func(i *models.Issue) {
			i.Status = models.IssueClaimed
			i.ClaimedBy = ptr(userID)
			i.ClaimedAt = ptr(claimedAt)
			i.ClaimExpiresAt = ptr(expiresAt)
			i.ReminderSentAt = nil
		}), nil
}

func (r memRepo) ReleaseIssue(_ context.Context, id string, cond ReleaseCondition) (bool, error) {
	defer r.lock()()
	return r.updateIssue(id,
		func(i models.Issue) bool {
			if i.Status != models.IssueClaimed {
				return false
			}
			if cond.ClaimedBy != "" && (i.ClaimedBy == nil || *i.ClaimedBy != cond.ClaimedBy) {
				return false
			}
			if cond.ExpiredBefore != nil && (i.ClaimExpiresAt == nil || !i.ClaimExpiresAt.Before(*cond.ExpiredBefore)) {
				return false
			}
			return true
		},
		func(i *models.Issue) {
			i.Status = models.IssueAvailable
			clearClaimFields(i)
		}), nil
}

func (r memRepo) ExtendClaim(_ context.Context, id, userID string, now, expiresAt time.Time) (bool, error) {
	defer r.lock()()
	return r.updateIssue(id,
		func(i models.Issue) bool { return i.IsClaimedBy(userID) && i.ClaimLive(now) },
		func(i *models.Issue) {
			i.ClaimExpiresAt = ptr(expiresAt)
			i.ReminderSentAt = nil
		}), nil
}

func (r memRepo) CompleteIssue(_ context.Context, id, userID string) (bool, error) {
	defer r.lock()()
	return r.updateIssue(id,
		func(i models.Issue) bool { return i.IsClaimedBy(userID) || i.Status == models.IssueAvailable },
		func(i *models.Issue) {
			i.Status = models.IssueCompleted
			clearClaimFields(i)
		}), nil
}

func (r memRepo) CloseIssue(_ context.Context, id string) (bool, error) {
	defer r.lock()()
	return r.updateIssue(id,
		func(i models.Issue) bool { return i.Status != models.IssueClosed },
		func(i *models.Issue) {
			i.Status = models.IssueClosed
			clearClaimFields(i)
		}), nil
}

func (r memRepo) ReopenIssue(_ context.Context, id string) (bool, error) {
	defer r.lock()()
	return r.updateIssue(id,
		func(i models.Issue) bool { return i.Status == models.IssueClosed },
		func(i *models.Issue) { i.Status = models.IssueAvailable }), nil
}

func (r memRepo) MarkReminderSent(_ context.Context, id, userID string, expiresAt, sentAt time.Time) (bool, error) {
	defer r.lock()()
	return r.updateIssue(id,
		func(i models.Issue) bool {
			return i.IsClaimedBy(userID) &&
				i.ClaimExpiresAt != nil && i.ClaimExpiresAt.Equal(expiresAt) &&
				i.ReminderSentAt == nil
		},
		func(i *models.Issue) { i.ReminderSentAt = ptr(sentAt) }), nil
}

func (r memRepo) CreateUser(_ context.Context, user *models.User) error {
	defer r.lock()()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	for _, u := range r.st().users {
		if u.ID == user.ID || u.GitHubUsername == user.GitHubUsername {
			return models.Conflict("create user", "user %s already exists", user.GitHubUsername)
		}
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	r.st().users[user.ID] = *user
	return nil
}

func (r memRepo) GetUser(_ context.Context, id string) (*models.User, error) {
	defer r.lock()()
	user, ok := r.st().users[id]
	if !ok {
		return nil, models.NotFound("get user", "user %s not found", id)
	}
	return &user, nil
}

func (r memRepo) UpsertUser(_ context.Context, user *models.User) error {
	defer r.lock()()
	for _, u := range r.st().users {
		if u.ID != user.ID && u.GitHubUsername == user.GitHubUsername {
			return models.Conflict("upsert user", "github username %s is taken", user.GitHubUsername)
		}
	}
	now := time.Now().UTC()
	stored, ok := r.st().users[user.ID]
	if !ok {
		stored = models.User{ID: user.ID}
		stored.CreatedAt = now
	}
	stored.GitHubUsername = user.GitHubUsername
	stored.Email = user.Email
	stored.IsAdmin = user.IsAdmin
	stored.UpdatedAt = now
	r.st().users[user.ID] = stored
	*user = stored
	return nil
}

func (r memRepo) AddMergeStats(_ context.Context, userID string, points int) error {
	defer r.lock()()
	user, ok := r.st().users[userID]
	if !ok {
		return models.NotFound("add merge stats", "user %s not found", userID)
	}
	user.TotalContributions++
	user.MergedPRs++
	user.TotalPoints += int64(points)
	user.UpdatedAt = time.Now().UTC()
	r.st().users[userID] = user
	return nil
}

func (r memRepo) CreateContribution(_ context.Context, c *models.Contribution) error {
	defer r.lock()()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	for _, existing := range r.st().contributions {
		if existing.ID == c.ID || existing.PRURL == c.PRURL {
			return models.Conflict("create contribution", "pull request %s already submitted", c.PRURL)
		}
	}
	if c.Status == "" {
		c.Status = models.ContributionSubmitted
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.st().contributions[c.ID] = *c
	return nil
}

func (r memRepo) GetContribution(_ context.Context, id string) (*models.Contribution, error) {
	defer r.lock()()
	c, ok := r.st().contributions[id]
	if !ok {
		return nil, models.NotFound("get contribution", "contribution %s not found", id)
	}
	return &c, nil
}

func (r memRepo) FindContributionByPR(_ context.Context, prURL string) (*models.Contribution, error) {
	defer r.lock()()
	for _, c := range r.st().contributions {
		if c.PRURL == prURL {
			return &c, nil
		}
	}
	return nil, models.NotFound("find contribution", "contribution for %s not found", prURL)
}

func (r memRepo) ListContributions(_ context.Context, f ContributionFilter) ([]models.Contribution, error) {
	defer r.lock()()
	var out []models.Contribution
	for _, c := range r.st().contributions {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.IssueID != "" && c.IssueID != f.IssueID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r memRepo) updateContribution(id string, fn func(*models.Contribution)) bool {
	c, ok := r.st().contributions[id]
	if !ok || c.Status != models.ContributionSubmitted {
		return false
	}
	fn(&c)
	c.UpdatedAt = time.Now().UTC()
	r.st().contributions[id] = c
	return true
}

func (r memRepo) MarkContributionMerged(_ context.Context, id string, mergedAt time.Time, points int) (bool, error) {
	defer r.lock()()
	return r.updateContribution(id, func(c *models.Contribution) {
		c.Status = models.ContributionMerged
		c.MergedAt = ptr(mergedAt)
		c.PointsEarned = points
	}), nil
}

func (r memRepo) MarkContributionClosed(_ context.Context, id string, closedAt time.Time) (bool, error) {
	defer r.lock()()
	return r.updateContribution(id, func(c *models.Contribution) {
		c.Status = models.ContributionClosed
		c.ClosedAt = ptr(closedAt)
	}), nil
}

func (r memRepo) ContributionStats(_ context.Context, userID string) (models.ContributionStats, error) {
	defer r.lock()()
	var stats models.ContributionStats
	for _, c := range r.st().contributions {
		if c.UserID != userID {
			continue
		}
		stats.Total++
		stats.Points += int64(c.PointsEarned)
		switch c.Status {
		case models.ContributionSubmitted:
			stats.Submitted++
		case models.ContributionMerged:
			stats.Merged++
		case models.ContributionClosed:
			stats.Closed++
		}
	}
	return stats, nil
}

func (r memRepo) MergedByLanguage(_ context.Context, userID string) (map[string]int, error) {
	defer r.lock()()
	out := make(map[string]int)
	for _, c := range r.st().contributions {
		if c.UserID != userID || c.Status != models.ContributionMerged {
			continue
		}
		issue, ok := r.st().issues[c.IssueID]
		if !ok {
			continue
		}
		if lang := models.NormalizeLanguage(issue.Language); lang != "" {
			out[lang]++
		}
	}
	return out, nil
}

func (r memRepo) UpsertAchievement(_ context.Context, a *models.Achievement) error {
	defer r.lock()()
	for id, existing := range r.st().achievements {
		if existing.Code != a.Code {
			continue
		}
		a.ID = id
		a.CreatedAt = existing.CreatedAt
		r.st().achievements[id] = *a
		return nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	r.st().achievements[a.ID] = *a
	return nil
}

func (r memRepo) ListAchievements(_ context.Context) ([]models.Achievement, error) {
	defer r.lock()()
	out := make([]models.Achievement, 0, len(r.st().achievements))
	for _, a := range r.st().achievements {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		if out[i].Threshold != out[j].Threshold {
			return out[i].Threshold < out[j].Threshold
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func userAchievementKey(userID, achievementID string) string {
	return userID + "|" + achievementID
}

func (r memRepo) EnsureUserAchievement(_ context.Context, userID, achievementID string) error {
	defer r.lock()()
	key := userAchievementKey(userID, achievementID)
	if _, ok := r.st().userAchievements[key]; ok {
		return nil
	}
	now := time.Now().UTC()
	r.st().userAchievements[key] = models.UserAchievement{
		ID:            uuid.NewString(),
		UserID:        userID,
		AchievementID: achievementID,
		Timestamps:    models.Timestamps{CreatedAt: now, UpdatedAt: now},
	}
	return nil
}

func (r memRepo) RaiseProgress(_ context.Context, userID, achievementID string, progress int) (bool, error) {
	defer r.lock()()
	key := userAchievementKey(userID, achievementID)
	ua, ok := r.st().userAchievements[key]
	if !ok || ua.Progress >= progress {
		return false, nil
	}
	ua.Progress = progress
	ua.UpdatedAt = time.Now().UTC()
	r.st().userAchievements[key] = ua
	return true, nil
}

func (r memRepo) UnlockAchievement(_ context.Context, userID, achievementID string, threshold int, at time.Time) (bool, error) {
	defer r.lock()()
	key := userAchievementKey(userID, achievementID)
	ua, ok := r.st().userAchievements[key]
	if !ok || ua.IsUnlocked || ua.Progress < threshold {
		return false, nil
	}
	ua.IsUnlocked = true
	ua.EarnedAt = ptr(at)
	ua.UpdatedAt = time.Now().UTC()
	r.st().userAchievements[key] = ua
	return true, nil
}

func (r memRepo) ListUserAchievements(_ context.Context, userID string) ([]models.UserAchievement, error) {
	defer r.lock()()
	var out []models.UserAchievement
	for _, ua := range r.st().userAchievements {
		if ua.UserID == userID {
			out = append(out, ua)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievementID < out[j].AchievementID })
	return out, nil
}

func (r memRepo) AppendClaimEvent(_ context.Context, e *models.ClaimEvent) error {
	defer r.lock()()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.st().events = append(r.st().events, *e)
	return nil
}

func (r memRepo) ListClaimEvents(_ context.Context, issueID string) ([]models.ClaimEvent, error) {
	defer r.lock()()
	var out []models.ClaimEvent
	for _, e := range r.st().events {
		if e.IssueID == issueID {
			out = append(out, e)
		}
	}
	return out, nil
}
