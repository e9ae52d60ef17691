package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"claim-engine/config"
	"claim-engine/models"
	"claim-engine/services"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNotificationClientPosts(t *testing.T) {
	var got services.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/notifications", r.URL.Path)
		require.Equal(t, "Bearer n-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewNotificationClient(config.NotifyConfig{BaseURL: srv.URL, Token: "n-token", Timeout: time.Second})
	err := c.Notify(context.Background(), services.Notification{
		Kind:    services.NotifyClaimExpiring,
		UserID:  "u1",
		IssueID: "i1",
	})
	require.NoError(t, err)
	require.Equal(t, services.NotifyClaimExpiring, got.Kind)
	require.Equal(t, "i1", got.IssueID)
}

func TestNotificationClientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewNotificationClient(config.NotifyConfig{BaseURL: srv.URL})
	err := c.Notify(context.Background(), services.Notification{Kind: services.NotifyClaimReleased})
	require.ErrorIs(t, err, models.ErrExternalService)
}

func TestNewNotifierFallsBackToLog(t *testing.T) {
	n := NewNotifier(config.NotifyConfig{}, zap.NewNop().Sugar())
	require.IsType(t, &LogNotifier{}, n)
	require.NoError(t, n.Notify(context.Background(), services.Notification{Kind: services.NotifyContributionMerged}))

	n = NewNotifier(config.NotifyConfig{BaseURL: "http://notify.local"}, zap.NewNop().Sugar())
	require.IsType(t, &NotificationClient{}, n)
}
