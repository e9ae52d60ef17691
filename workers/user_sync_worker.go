package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"claim-engine/config"
	"claim-engine/models"
	"claim-engine/store"
	"claim-engine/utils"

	"go.uber.org/zap"
)

// MirroredUser is one account as reported by the identity service.
type MirroredUser struct {
	ID             string    `json:"id"`
	GitHubUsername string    `json:"github_username"`
	Email          string    `json:"email"`
	Roles          []string  `json:"roles"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UserChangesResponse is the top-level structure of the identity service response.
type UserChangesResponse struct {
	Users []MirroredUser `json:"users"`
}

// UserSyncWorker keeps the users table in step with the identity service so
// claims and submissions can resolve the caller's GitHub login.
type UserSyncWorker struct {
	repo         store.Repository
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
	log          *zap.SugaredLogger

	since time.Time
}

func NewUserSyncWorker(repo store.Repository, cfg config.IdentityConfig, log *zap.SugaredLogger) *UserSyncWorker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &UserSyncWorker{
		repo:         repo,
		interval:     interval,
		baseURL:      cfg.BaseURL,
		endpointPath: cfg.EndpointPath,
		serviceToken: cfg.Token,
		httpClient:   utils.NewHTTPClient(30 * time.Second),
		log:          log.Named("user-sync"),
	}
}

// Start runs a full backfill, then incremental syncs until ctx is done.
func (w *UserSyncWorker) Start(ctx context.Context) {
	w.log.Infow("starting user sync worker", "interval", w.interval)
	go w.run(ctx)
}

func (w *UserSyncWorker) run(ctx context.Context) {
	if _, err := w.SyncOnce(ctx); err != nil {
		w.log.Warnw("initial user sync failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncOnce(ctx); err != nil {
				w.log.Errorw("user sync failed", "error", err)
			}
		case <-ctx.Done():
			w.log.Info("user sync worker stopped")
			return
		}
	}
}

// SyncOnce fetches changes since the last seen update and upserts them. It
// returns how many users were written. The cursor only advances past users
// that were stored.
func (w *UserSyncWorker) SyncOnce(ctx context.Context) (int, error) {
	users, err := w.fetch(ctx)
	if err != nil {
		return 0, err
	}

	var upserted int
	latest := w.since
	for _, remote := range users {
		u := models.User{
			ID:             remote.ID,
			GitHubUsername: remote.GitHubUsername,
			Email:          remote.Email,
			IsAdmin:        slices.ContainsFunc(remote.Roles, func(r string) bool { return strings.EqualFold(r, "admin") }),
		}
		if u.ID == "" || u.GitHubUsername == "" {
			w.log.Warnw("skipping incomplete user", "id", remote.ID, "github_username", remote.GitHubUsername)
			continue
		}
		if err := w.repo.UpsertUser(ctx, &u); err != nil {
			w.log.Warnw("upsert user failed", "id", remote.ID, "github_username", remote.GitHubUsername, "error", err)
			continue
		}
		upserted++
		if remote.UpdatedAt.After(latest) {
			latest = remote.UpdatedAt
		}
	}
	w.since = latest

	if len(users) > 0 {
		w.log.Infow("users synced", "received", len(users), "upserted", upserted, "since", w.since.Format(time.RFC3339))
	}
	return upserted, nil
}

func (w *UserSyncWorker) fetch(ctx context.Context) ([]MirroredUser, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid identity service URL %q: %w", w.baseURL, err)
	}
	endpoint := base.JoinPath(w.endpointPath)
	q := endpoint.Query()
	q.Set("since", w.since.UTC().Format(time.RFC3339))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, models.ExternalService("sync users", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, models.ExternalService("sync users", fmt.Errorf("identity service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out UserChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, models.ExternalService("sync users", fmt.Errorf("decode identity response: %w", err))
	}
	return out.Users, nil
}
