package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"claim-engine/cache"
	"claim-engine/models"
	"claim-engine/store"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) GetPullRequest(ctx context.Context, ref models.PRReference) (*PullRequest, error) {
	args := m.Called(ctx, ref)
	pr, _ := args.Get(0).(*PullRequest)
	return pr, args.Error(1)
}

func (m *mockTracker) GetIssueState(ctx context.Context, repository string, number int) (string, error) {
	args := m.Called(ctx, repository, number)
	return args.String(0), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
	mu   sync.Mutex
	sent []Notification
}

func (m *mockNotifier) Notify(ctx context.Context, n Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	return m.Called(ctx, n).Error(0)
}

func (m *mockNotifier) kinds() []NotificationKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NotificationKind, 0, len(m.sent))
	for _, n := range m.sent {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	store         *store.MemoryStore
	clock         *clockwork.FakeClock
	policy        Policy
	notifier      *mockNotifier
	claims        *ClaimService
	achievements  *AchievementService
	contributions *ContributionService
	scanner       *ScannerService
}

// newFixture wires every service against the in-memory store. tracker may be nil.
func newFixture(t *testing.T, tracker Tracker) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	st := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(epoch)
	policy := DefaultPolicy()

	notifier := &mockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()

	claims := NewClaimService(st, policy, clock, cache.Unavailable{}, log)
	achievements := NewAchievementService(st, nil, clock, log)
	f := &fixture{
		store:         st,
		clock:         clock,
		policy:        policy,
		notifier:      notifier,
		claims:        claims,
		achievements:  achievements,
		contributions: NewContributionService(st, claims, achievements, policy, tracker, notifier, clock, log),
		scanner:       NewScannerService(st, claims, notifier, clock, log),
	}
	_, err := achievements.SeedCatalog(context.Background())
	require.NoError(t, err)
	return f
}

func (f *fixture) user(t *testing.T, login string) *models.User {
	t.Helper()
	u := &models.User{GitHubUsername: login, Email: login + "@example.com"}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) issue(t *testing.T, number int, difficulty models.Difficulty, language string) *models.Issue {
	t.Helper()
	i := &models.Issue{
		Repository: "acme/widgets",
		Number:     number,
		Title:      fmt.Sprintf("issue %d", number),
		URL:        fmt.Sprintf("https://github.com/acme/widgets/issues/%d", number),
		Language:   language,
		Difficulty: difficulty,
	}
	require.NoError(t, f.store.CreateIssue(context.Background(), i))
	return i
}

func (f *fixture) reload(t *testing.T, issueID string) *models.Issue {
	t.Helper()
	i, err := f.store.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	return i
}

func prURL(n int) string {
	return fmt.Sprintf("https://github.com/acme/widgets/pull/%d", n)
}

func nopLog() *zap.SugaredLogger { return zap.NewNop().Sugar() }
