package store

import (
	"context"
	"strconv"
	"testing"
	"time"

	"claim-engine/config"
	"claim-engine/models"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGormStoreIntegration(t *testing.T) {
	ctx := context.Background()
	st := setupPostgres(t)

	alice := &models.User{GitHubUsername: "alice"}
	require.NoError(t, st.CreateUser(ctx, alice))
	bob := &models.User{GitHubUsername: "bob"}
	require.NoError(t, st.CreateUser(ctx, bob))

	err := st.CreateUser(ctx, &models.User{GitHubUsername: "alice"})
	require.ErrorIs(t, err, models.ErrConflict)

	issue := &models.Issue{Repository: "acme/widgets", Number: 1, Title: "fix it", Language: "Go", Difficulty: models.DifficultyEasy}
	require.NoError(t, st.CreateIssue(ctx, issue))

	now := time.Now().UTC().Truncate(time.Microsecond)
	expires := now.Add(time.Hour)

	ok, err := st.ClaimIssue(ctx, issue.ID, alice.ID, now, expires)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.ClaimIssue(ctx, issue.ID, bob.ID, now, expires)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = st.MarkReminderSent(ctx, issue.ID, alice.ID, expires, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.MarkReminderSent(ctx, issue.ID, alice.ID, expires, now)
	require.NoError(t, err)
	require.False(t, ok)

	c := &models.Contribution{UserID: alice.ID, IssueID: issue.ID, PRURL: "https://github.com/acme/widgets/pull/10", PRNumber: 10, SubmittedAt: now}
	require.NoError(t, st.CreateContribution(ctx, c))
	dup := &models.Contribution{UserID: bob.ID, IssueID: issue.ID, PRURL: c.PRURL, PRNumber: 10, SubmittedAt: now}
	require.ErrorIs(t, st.CreateContribution(ctx, dup), models.ErrConflict)

	err = st.WithTx(ctx, func(tx Repository) error {
		locked, err := tx.LockIssue(ctx, issue.ID)
		require.NoError(t, err)
		require.True(t, locked.IsClaimedBy(alice.ID))

		ok, err := tx.MarkContributionMerged(ctx, c.ID, now, 100)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.AddMergeStats(ctx, alice.ID, 100))
		ok, err = tx.CompleteIssue(ctx, issue.ID, alice.ID)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	ok, err = st.MarkContributionMerged(ctx, c.ID, now, 100)
	require.NoError(t, err)
	require.False(t, ok, "merge applies once")

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, models.IssueCompleted, got.Status)
	require.Nil(t, got.ClaimedBy)

	stats, err := st.ContributionStats(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Merged)
	require.Equal(t, int64(100), stats.Points)

	byLang, err := st.MergedByLanguage(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"go": 1}, byLang)

	user, err := st.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), user.TotalPoints)
	require.Equal(t, int64(1), user.MergedPRs)
}

func TestGormStoreRollback(t *testing.T) {
	ctx := context.Background()
	st := setupPostgres(t)

	issue := &models.Issue{Repository: "acme/widgets", Number: 2, Title: "rollback", Difficulty: models.DifficultyHard}
	require.NoError(t, st.CreateIssue(ctx, issue))

	err := st.WithTx(ctx, func(tx Repository) error {
		if _, err := tx.CloseIssue(ctx, issue.ID); err != nil {
			return err
		}
		return models.Conflict("test", "abort")
	})
	require.ErrorIs(t, err, models.ErrConflict)

	got, err := st.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, models.IssueAvailable, got.Status)

	ok, err := st.CompleteIssue(ctx, issue.ID, "7d1c6e5e-4a8f-4c39-9a55-3a4c3f7c0001")
	require.NoError(t, err)
	require.True(t, ok, "an available issue can be completed by a late merge")
}

func setupPostgres(t *testing.T) *GormStore {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_PASSWORD=postgres",
			"POSTGRES_USER=postgres",
			"POSTGRES_DB=claims",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	port, err := strconv.Atoi(resource.GetPort("5432/tcp"))
	require.NoError(t, err)

	cfg := config.PostgresConfig{
		Host:           "localhost",
		Port:           port,
		User:           "postgres",
		Password:       "postgres",
		DBName:         "claims",
		SSLMode:        "disable",
		MaxConns:       4,
		QueryTimeout:   5 * time.Second,
		MigrateTimeout: 20 * time.Second,
	}

	ctx := context.Background()
	st := NewGormStore(ctx, zap.NewNop().Sugar(), cfg)
	pool.MaxWait = time.Minute
	require.NoError(t, pool.Retry(func() error { return st.OnStart(ctx) }))
	t.Cleanup(func() { _ = st.OnStop(ctx) })
	return st
}
