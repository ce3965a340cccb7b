package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	at := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	err = n.Notify(context.Background(), Notification{
		UserID:   "u1",
		Kind:     KindExpired,
		Tier:     entitlements.TierFree,
		Status:   entitlements.StatusExpired,
		FromTier: entitlements.TierAnnual,
		EventID:  "evt-1",
		At:       at,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.UserID != "u1" || got.Kind != KindExpired || got.FromTier != entitlements.TierAnnual || !got.At.Equal(at) {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookNotifierDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(srv.URL, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	if err := n.Notify(context.Background(), Notification{UserID: "u1", Kind: KindBillingIssue}); err == nil {
		t.Fatal("expected error for 502 response")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNewWebhookNotifierRejectsBadURL(t *testing.T) {
	for _, url := range []string{"", "ftp://example.com", "example.com/hook"} {
		if _, err := NewWebhookNotifier(url, 0); err == nil {
			t.Errorf("expected error for %q", url)
		}
	}
}

func TestLogNotifier(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), Notification{UserID: "u1", Kind: KindExpired}); err != nil {
		t.Fatalf("LogNotifier: %v", err)
	}
}
