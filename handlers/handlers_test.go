package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"claim-engine/cache"
	"claim-engine/config"
	"claim-engine/models"
	"claim-engine/services"
	"claim-engine/store"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, services.Notification) error { return nil }

type testEnv struct {
	app   *fiber.App
	store *store.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop().Sugar()
	st := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	policy := services.DefaultPolicy()

	claims := services.NewClaimService(st, policy, clock, cache.Unavailable{}, log)
	achievements := services.NewAchievementService(st, nil, clock, log)
	contributions := services.NewContributionService(st, claims, achievements, policy, nil, nopNotifier{}, clock, log)
	scanner := services.NewScannerService(st, claims, nopNotifier{}, clock, log)
	_, err := achievements.SeedCatalog(context.Background())
	require.NoError(t, err)

	app := fiber.New()
	Register(app, Services{
		Claims:        claims,
		Contributions: contributions,
		Scanner:       scanner,
		Achievements:  achievements,
		Scheduler:     services.NewScheduler(config.ScheduleConfig{}, policy.ReminderWindow, scanner, contributions, nil, nil, clock, log),
	})
	return &testEnv{app: app, store: st}
}

func (e *testEnv) do(t *testing.T, method, path, userID, roles string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if roles != "" {
		req.Header.Set("X-User-Roles", roles)
	}
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
		msg    string
	}{
		{"not found", models.NotFound("get issue", "issue x not found"), http.StatusNotFound, "not_found", ""},
		{"conflict", models.Conflict("claim", "already claimed"), http.StatusConflict, "conflict", ""},
		{"unauthorized", models.Unauthorized("release", "not your claim"), http.StatusForbidden, "authorization", ""},
		{"validation", models.Invalid("extend", "bad duration"), http.StatusBadRequest, "validation", ""},
		{"external", models.ExternalService("get pr", errors.New("timeout")), http.StatusServiceUnavailable, "external_service", ""},
		{"internal", errors.New("pq: connection reset"), http.StatusInternalServerError, "internal", "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", func(c *fiber.Ctx) error { return writeError(c, tt.err) })

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)

			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.Equal(t, tt.kind, body.Kind)
			if tt.msg != "" {
				require.Equal(t, tt.msg, body.Error)
			}
		})
	}
}

func TestClaimSubmitMergeFlow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	user := &models.User{GitHubUsername: "alice"}
	require.NoError(t, e.store.CreateUser(ctx, user))
	issue := &models.Issue{Repository: "acme/widgets", Number: 7, Title: "fix it", Difficulty: models.DifficultyEasy}
	require.NoError(t, e.store.CreateIssue(ctx, issue))

	require.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/issues/"+issue.ID+"/claim", "", "", nil, nil))

	var claim services.ClaimResult
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/issues/"+issue.ID+"/claim", user.ID, "", nil, &claim))
	require.Equal(t, models.IssueClaimed, claim.Issue.Status)
	require.Equal(t, 7*24*time.Hour, claim.ExpiresAt.Sub(claim.ClaimedAt))

	var errBody errorBody
	require.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/issues/"+issue.ID+"/claim", user.ID, "", nil, &errBody))
	require.Equal(t, "conflict", errBody.Kind)

	pr := "https://github.com/acme/widgets/pull/70"
	var sub services.SubmissionResult
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/issues/"+issue.ID+"/submit", user.ID, "", fiber.Map{"pr_url": pr}, &sub))
	require.Equal(t, models.ContributionSubmitted, sub.Contribution.Status)

	require.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/admin/contributions/status", user.ID, "user", fiber.Map{"pr_url": pr, "merged": true}, nil))

	var upd services.UpdateResult
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/admin/contributions/status", "ops", "admin", fiber.Map{"pr_url": pr, "merged": true}, &upd))
	require.True(t, upd.Changed)
	require.Equal(t, 100, upd.Contribution.PointsEarned)

	var stats models.ContributionStats
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/users/me/stats", user.ID, "", nil, &stats))
	require.Equal(t, int64(1), stats.Merged)
	require.Equal(t, int64(100), stats.Points)

	var got models.Issue
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/issues/"+issue.ID, user.ID, "", nil, &got))
	require.Equal(t, models.IssueCompleted, got.Status)
}

func TestClaimIgnoresTierFromNonAdmins(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	user := &models.User{GitHubUsername: "alice"}
	require.NoError(t, e.store.CreateUser(ctx, user))
	easy := &models.Issue{Repository: "acme/widgets", Number: 1, Title: "easy one", Difficulty: models.DifficultyEasy}
	require.NoError(t, e.store.CreateIssue(ctx, easy))
	other := &models.Issue{Repository: "acme/widgets", Number: 2, Title: "another easy one", Difficulty: models.DifficultyEasy}
	require.NoError(t, e.store.CreateIssue(ctx, other))

	var res services.ClaimResult
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/issues/"+easy.ID+"/claim", user.ID, "user", fiber.Map{"difficulty": "hard"}, &res))
	require.Equal(t, models.DifficultyEasy, res.Difficulty)
	require.Equal(t, 7*24*time.Hour, res.ExpiresAt.Sub(res.ClaimedAt))

	admin := &models.User{GitHubUsername: "ops", IsAdmin: true}
	require.NoError(t, e.store.CreateUser(ctx, admin))
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/issues/"+other.ID+"/claim", admin.ID, "admin", fiber.Map{"difficulty": "hard"}, &res))
	require.Equal(t, models.DifficultyHard, res.Difficulty)
	require.Equal(t, 21*24*time.Hour, res.ExpiresAt.Sub(res.ClaimedAt))
}

func TestExtendRejectsBadDuration(t *testing.T) {
	e := newTestEnv(t)
	var body errorBody
	status := e.do(t, http.MethodPost, "/issues/whatever/extend", "u1", "", fiber.Map{"extra": "two days"}, &body)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "validation", body.Kind)
}

func TestAdminSweeps(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/admin/sweeps/expired", "", "admin", nil, nil))
	require.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/admin/sweeps/expired", "u1", "", nil, nil))
	require.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/admin/sweeps/everything", "ops", "admin", nil, nil))

	var res services.SweepResult
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/admin/sweeps/expired", "ops", "admin", nil, &res))
	require.Equal(t, services.SweepExpired, res.Kind)
	require.Zero(t, res.Released)
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", "", nil, nil))
}
