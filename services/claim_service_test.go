package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"claim-engine/cache"
	"claim-engine/models"
	"claim-engine/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimLeaseMatchesTierTimeout(t *testing.T) {
	f := newFixture(t, nil)
	u := f.user(t, "alice")

	for n, tier := range []models.Difficulty{models.DifficultyEasy, models.DifficultyMedium, models.DifficultyHard} {
		issue := f.issue(t, n+1, models.DifficultyEasy, "go")
		res, err := f.claims.Claim(context.Background(), issue.ID, u.ID, string(tier))
		require.NoError(t, err, tier)

		assert.Equal(t, tier, res.Difficulty)
		assert.Equal(t, epoch, res.ClaimedAt)
		assert.Equal(t, res.ClaimedAt.Add(f.policy.Timeout(tier)), res.ExpiresAt)

		stored := f.reload(t, issue.ID)
		require.Equal(t, models.IssueClaimed, stored.Status)
		require.Equal(t, u.ID, *stored.ClaimedBy)
		require.True(t, stored.ClaimExpiresAt.Equal(res.ExpiresAt))
	}
}

func TestClaimDifficultyFallbacks(t *testing.T) {
	f := newFixture(t, nil)
	u := f.user(t, "alice")

	hard := f.issue(t, 1, models.DifficultyHard, "go")
	res, err := f.claims.Claim(context.Background(), hard.ID, u.ID, "")
	require.NoError(t, err)
	require.Equal(t, models.DifficultyHard, res.Difficulty, "empty label uses the issue tier")

	other := f.issue(t, 2, models.DifficultyHard, "go")
	res, err = f.claims.Claim(context.Background(), other.ID, u.ID, "legendary")
	require.NoError(t, err)
	require.Equal(t, models.DifficultyEasy, res.Difficulty, "unknown label uses the default tier")
	require.Equal(t, epoch.Add(7*24*time.Hour), res.ExpiresAt)

	third := f.issue(t, 3, models.DifficultyEasy, "go")
	res, err = f.claims.Claim(context.Background(), third.ID, u.ID, "  MEDIUM ")
	require.NoError(t, err)
	require.Equal(t, models.DifficultyMedium, res.Difficulty)
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	f := newFixture(t, nil)
	issue := f.issue(t, 1, models.DifficultyEasy, "go")

	const n = 25
	users := make([]*models.User, n)
	for i := range users {
		users[i] = f.user(t, "user"+string(rune('a'+i)))
	}

	var (
		wins      atomic.Int32
		conflicts atomic.Int32
		wg        sync.WaitGroup
	)
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := f.claims.Claim(context.Background(), issue.ID, userID, "")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, models.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(u.ID)
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, n-1, conflicts.Load())

	events, err := f.claims.History(context.Background(), issue.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.ActionClaimed, events[0].Action)
}

func TestClaimErrors(t *testing.T) {
	f := newFixture(t, nil)
	u := f.user(t, "alice")
	issue := f.issue(t, 1, models.DifficultyEasy, "go")
	ctx := context.Background()

	_, err := f.claims.Claim(ctx, issue.ID, "ghost", "")
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.claims.Claim(ctx, "missing", u.ID, "")
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.claims.Claim(ctx, "", u.ID, "")
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = f.scanner.SweepClosedUpstream(ctx, []string{issue.ID})
	require.NoError(t, err)
	_, err = f.claims.Claim(ctx, issue.ID, u.ID, "")
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	u := f.user(t, "alice")
	issue := f.issue(t, 1, models.DifficultyEasy, "go")
	ctx := context.Background()

	_, err := f.claims.Claim(ctx, issue.ID, u.ID, "")
	require.NoError(t, err)

	released, err := f.claims.Release(ctx, issue.ID, models.ReasonUserRequested)
	require.NoError(t, err)
	require.True(t, released)

	released, err = f.claims.Release(ctx, issue.ID, models.ReasonUserRequested)
	require.NoError(t, err)
	require.False(t, released)

	stored := f.reload(t, issue.ID)
	require.Equal(t, models.IssueAvailable, stored.Status)
	require.Nil(t, stored.ClaimedBy)
	require.Nil(t, stored.ClaimedAt)
	require.Nil(t, stored.ClaimExpiresAt)

	events, err := f.claims.History(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, models.ActionReleased, events[1].Action)
	require.Equal(t, models.ReasonUserRequested, events[1].Reason)
	require.Equal(t, u.ID, *events[1].UserID)

	_, err = f.claims.Release(ctx, issue.ID, "bored")
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestReleaseByUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	owner := f.user(t, "alice")
	other := f.user(t, "bob")
	admin := &models.User{GitHubUsername: "root", IsAdmin: true}
	require.NoError(t, f.store.CreateUser(ctx, admin))

	issue := f.issue(t, 1, models.DifficultyEasy, "go")
	_, err := f.claims.Claim(ctx, issue.ID, owner.ID, "")
	require.NoError(t, err)

	_, err = f.claims.ReleaseByUser(ctx, issue.ID, other.ID)
	require.ErrorIs(t, err, models.ErrUnauthorized)

	released, err := f.claims.ReleaseByUser(ctx, issue.ID, admin.ID)
	require.NoError(t, err)
	require.True(t, released)

	released, err = f.claims.ReleaseByUser(ctx, issue.ID, other.ID)
	require.NoError(t, err)
	require.False(t, released, "already available is a no-op for anyone")

	_, err = f.claims.Claim(ctx, issue.ID, owner.ID, "")
	require.NoError(t, err)
	released, err = f.claims.ReleaseByUser(ctx, issue.ID, owner.ID)
	require.NoError(t, err)
	require.True(t, released)
}

func TestExtendClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	owner := f.user(t, "alice")
	other := f.user(t, "bob")
	issue := f.issue(t, 1, models.DifficultyEasy, "go")

	claimed, err := f.claims.Claim(ctx, issue.ID, owner.ID, "")
	require.NoError(t, err)

	_, err = f.claims.Extend(ctx, issue.ID, owner.ID, 0)
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = f.claims.Extend(ctx, issue.ID, owner.ID, 8*24*time.Hour)
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = f.claims.Extend(ctx, issue.ID, other.ID, time.Hour)
	require.ErrorIs(t, err, models.ErrUnauthorized)

	res, err := f.claims.Extend(ctx, issue.ID, owner.ID, 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, claimed.ExpiresAt.Add(48*time.Hour), res.ExpiresAt)
	require.Equal(t, claimed.ClaimedAt, res.ClaimedAt)

	f.clock.Advance(10 * 24 * time.Hour)
	_, err = f.claims.Extend(ctx, issue.ID, owner.ID, time.Hour)
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestReleaseCompletedIssueConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	u := f.user(t, "alice")
	issue := f.issue(t, 1, models.DifficultyEasy, "go")

	_, err := f.claims.Claim(ctx, issue.ID, u.ID, "")
	require.NoError(t, err)
	_, err = f.contributions.Submit(ctx, issue.ID, u.ID, prURL(1))
	require.NoError(t, err)
	_, err = f.contributions.UpdateStatus(ctx, prURL(1), true)
	require.NoError(t, err)

	_, err = f.claims.Release(ctx, issue.ID, models.ReasonUserRequested)
	require.ErrorIs(t, err, models.ErrConflict)
}

func TestReopenClosedIssue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	issue := f.issue(t, 1, models.DifficultyEasy, "go")

	reopened, err := f.claims.Reopen(ctx, issue.ID)
	require.NoError(t, err)
	require.False(t, reopened, "only closed issues reopen")

	_, err = f.scanner.SweepClosedUpstream(ctx, []string{issue.ID})
	require.NoError(t, err)

	reopened, err = f.claims.Reopen(ctx, issue.ID)
	require.NoError(t, err)
	require.True(t, reopened)
	require.Equal(t, models.IssueAvailable, f.reload(t, issue.ID).Status)

	events, err := f.claims.History(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, models.ActionReopened, events[len(events)-1].Action)
}

// mapCache is a Cache backed by a map, for checking invalidation.
type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *mapCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func TestGetIssueIsInvalidatedByTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := &mapCache{entries: map[string][]byte{}}
	claims := NewClaimService(f.store, f.policy, f.clock, c, nopLog())
	u := f.user(t, "alice")
	issue := f.issue(t, 1, models.DifficultyEasy, "go")

	got, err := claims.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, models.IssueAvailable, got.Status)

	_, err = claims.Claim(ctx, issue.ID, u.ID, "")
	require.NoError(t, err)

	got, err = claims.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, models.IssueClaimed, got.Status, "claim must evict the cached view")
}

// slowReadStore runs hook after reading an issue and before returning it,
// standing in for a transition that commits while a read is in flight.
type slowReadStore struct {
	*store.MemoryStore
	hook func()
}

func (s *slowReadStore) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	issue, err := s.MemoryStore.GetIssue(ctx, id)
	if s.hook != nil {
		hook := s.hook
		s.hook = nil
		hook()
	}
	return issue, err
}

func TestGetIssueDoesNotCacheReadRacingATransition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := &mapCache{entries: map[string][]byte{}}
	st := &slowReadStore{MemoryStore: f.store}
	claims := NewClaimService(st, f.policy, f.clock, c, nopLog())
	u := f.user(t, "alice")
	issue := f.issue(t, 1, models.DifficultyEasy, "go")

	st.hook = func() {
		_, err := claims.Claim(ctx, issue.ID, u.ID, "")
		require.NoError(t, err)
	}
	got, err := claims.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, models.IssueAvailable, got.Status, "the in-flight read saw the old row")

	found, err := c.Get(ctx, cache.IssueKey(issue.ID), &models.Issue{})
	require.NoError(t, err)
	require.False(t, found, "a read that overlapped a transition must not fill the cache")

	got, err = claims.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	require.Equal(t, models.IssueClaimed, got.Status)
}
