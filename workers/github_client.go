package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"claim-engine/config"
	"claim-engine/models"
	"claim-engine/services"
	"claim-engine/utils"
)

// GitHubClient implements services.Tracker against the GitHub REST API.
type GitHubClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewGitHubClient(cfg config.TrackerConfig) *GitHubClient {
	return &GitHubClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: utils.NewHTTPClient(cfg.Timeout),
	}
}

type githubPull struct {
	Number   int        `json:"number"`
	State    string     `json:"state"`
	Merged   bool       `json:"merged"`
	MergedAt *time.Time `json:"merged_at"`
	User     struct {
		Login string `json:"login"`
	} `json:"user"`
}

type githubIssue struct {
	State string `json:"state"`
}

func (c *GitHubClient) GetPullRequest(ctx context.Context, ref models.PRReference) (*services.PullRequest, error) {
	var pr githubPull
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", ref.Owner, ref.Repo, ref.Number)
	if err := c.get(ctx, "get pull request", path, &pr); err != nil {
		return nil, err
	}
	return &services.PullRequest{
		Number:   pr.Number,
		Author:   pr.User.Login,
		State:    pr.State,
		Merged:   pr.Merged || pr.MergedAt != nil,
		MergedAt: pr.MergedAt,
	}, nil
}

// GetIssueState returns "open" or "closed". repository is owner/name.
func (c *GitHubClient) GetIssueState(ctx context.Context, repository string, number int) (string, error) {
	var issue githubIssue
	path := fmt.Sprintf("/repos/%s/issues/%d", repository, number)
	if err := c.get(ctx, "get issue state", path, &issue); err != nil {
		return "", err
	}
	return issue.State, nil
}

func (c *GitHubClient) get(ctx context.Context, op, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return models.ExternalService(op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.ExternalService(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.NotFound(op, "%s not found upstream", path)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.ExternalService(op, fmt.Errorf("github returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return models.ExternalService(op, fmt.Errorf("decode github response: %w", err))
	}
	return nil
}
