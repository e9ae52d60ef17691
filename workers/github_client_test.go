package workers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"claim-engine/config"
	"claim-engine/models"

	"github.com/stretchr/testify/require"
)

func newGitHub(t *testing.T, h http.HandlerFunc) *GitHubClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewGitHubClient(config.TrackerConfig{BaseURL: srv.URL + "/", Token: "gh-token", Timeout: time.Second})
}

func TestGitHubGetPullRequest(t *testing.T) {
	c := newGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/pulls/42", r.URL.Path)
		require.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"number":42,"state":"closed","merged":true,"merged_at":"2025-03-02T10:00:00Z","user":{"login":"Alice"}}`))
	})

	ref, err := models.ParsePRReference("https://github.com/acme/widgets/pull/42")
	require.NoError(t, err)
	pr, err := c.GetPullRequest(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, 42, pr.Number)
	require.Equal(t, "Alice", pr.Author)
	require.Equal(t, "closed", pr.State)
	require.True(t, pr.Merged)
	require.NotNil(t, pr.MergedAt)
}

func TestGitHubErrorsAreClassified(t *testing.T) {
	c := newGitHub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widgets/issues/1":
			w.WriteHeader(http.StatusNotFound)
		case "/repos/acme/widgets/issues/2":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"state":"open"}`))
		}
	})
	ctx := context.Background()

	_, err := c.GetIssueState(ctx, "acme/widgets", 1)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = c.GetIssueState(ctx, "acme/widgets", 2)
	require.ErrorIs(t, err, models.ErrExternalService)
	require.True(t, models.IsRetryable(err))

	state, err := c.GetIssueState(ctx, "acme/widgets", 3)
	require.NoError(t, err)
	require.Equal(t, "open", state)
}

func TestGitHubUnreachable(t *testing.T) {
	c := NewGitHubClient(config.TrackerConfig{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	_, err := c.GetIssueState(context.Background(), "acme/widgets", 1)
	require.ErrorIs(t, err, models.ErrExternalService)
}
