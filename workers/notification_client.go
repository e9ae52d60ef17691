package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"claim-engine/config"
	"claim-engine/models"
	"claim-engine/services"
	"claim-engine/utils"

	"go.uber.org/zap"
)

// NotificationClient posts notifications to the notification service.
type NotificationClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewNotificationClient(cfg config.NotifyConfig) *NotificationClient {
	return &NotificationClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: utils.NewHTTPClient(cfg.Timeout),
	}
}

func (c *NotificationClient) Notify(ctx context.Context, n services.Notification) error {
	const op = "notify"
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/notifications", bytes.NewReader(body))
	if err != nil {
		return models.ExternalService(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.ExternalService(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return models.ExternalService(op, fmt.Errorf("notification service returned %d", resp.StatusCode))
	}
	return nil
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	log *zap.SugaredLogger
}

func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n services.Notification) error {
	l.log.Infow("notification", "kind", n.Kind, "user_id", n.UserID, "issue_id", n.IssueID, "points", n.Points)
	return nil
}

// NewNotifier picks the HTTP client when a base URL is configured.
func NewNotifier(cfg config.NotifyConfig, log *zap.SugaredLogger) services.Notifier {
	if cfg.BaseURL == "" {
		return NewLogNotifier(log)
	}
	return NewNotificationClient(cfg)
}
