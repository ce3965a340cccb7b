// Package notify delivers user-facing notifications for subscription
// transitions. Each transition is delivered at most once; retries belong to
// the receiving service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/entitlement-sync/internal/subscriptions/submetrics"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

// Kind names a notification.
type Kind string

const (
	KindExpired      Kind = "subscription_expired"
	KindBillingIssue Kind = "billing_issue"
)

// Notification is sent when a user loses paid access or enters grace.
type Notification struct {
	UserID   string              `json:"user_id"`
	Kind     Kind                `json:"kind"`
	Tier     entitlements.Tier   `json:"tier"`
	Status   entitlements.Status `json:"status"`
	FromTier entitlements.Tier   `json:"from_tier"`
	EventID  string              `json:"event_id"`
	At       time.Time           `json:"at"`
}

// LogNotifier only logs. It is used when no delivery endpoint is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Info().
		Str("user_id", n.UserID).
		Str("kind", string(n.Kind)).
		Str("tier", string(n.Tier)).
		Str("event_id", n.EventID).
		Msg("User notification")
	submetrics.NotificationsTotal.WithLabelValues(string(n.Kind), "logged").Inc()
	return nil
}

// WebhookNotifier POSTs notifications as JSON to a collaborator service.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier returns a notifier posting to url.
func NewWebhookNotifier(url string, timeout time.Duration) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("notification webhook url must be http(s): %q", url)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}, nil
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	err := w.send(ctx, n)
	result := "sent"
	if err != nil {
		result = "failed"
	}
	submetrics.NotificationsTotal.WithLabelValues(string(n.Kind), result).Inc()
	return err
}

func (w *WebhookNotifier) send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "entitlement-sync/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
