// Package revenuecat talks to the RevenueCat billing authority: subscriber
// lookups over its REST API and inbound webhook events.
package revenuecat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/submetrics"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "https://api.revenuecat.com/v1"

	responseBodyLimit = 4 * 1024 * 1024
	defaultMaxTries   = 3
)

var (
	// ErrSubscriberNotFound means the authority has no record of the subscriber.
	ErrSubscriberNotFound = fmt.Errorf("revenuecat subscriber: %w", internalerrors.ErrNotFound)
	// ErrAuthorityUnavailable wraps every failure that left the outcome unknown:
	// timeouts, transport errors, 5xx and 429 responses.
	ErrAuthorityUnavailable = fmt.Errorf("revenuecat: %w", internalerrors.ErrAuthorityTransient)
	// ErrAuthorityRejected is returned for 4xx responses other than 404/429,
	// usually a bad API key. It is not retried but still leaves the outcome
	// unknown to callers.
	ErrAuthorityRejected = fmt.Errorf("revenuecat rejected request: %w", internalerrors.ErrAuthorityTransient)
)

// ClientConfig configures the RevenueCat REST client.
type ClientConfig struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration // per attempt and overall budget
	MaxTries uint
}

// Client fetches subscriber snapshots from RevenueCat.
type Client struct {
	baseURL        string
	apiKey         string
	timeout        time.Duration
	maxTries       uint
	httpClient     *http.Client
	initialBackoff time.Duration
	now            func() time.Time
}

// NewClient builds a client. Zero fields fall back to RevenueCat defaults.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = defaultMaxTries
	}
	return &Client{
		baseURL:        baseURL,
		apiKey:         cfg.APIKey,
		timeout:        timeout,
		maxTries:       maxTries,
		httpClient:     &http.Client{Timeout: timeout},
		initialBackoff: 200 * time.Millisecond,
		now:            time.Now,
	}
}

// FetchSubscriber returns the authority's current view of subscriberID.
//
// Transient failures are retried with exponential backoff inside the overall
// timeout; the caller sees ErrAuthorityUnavailable when they persist. The
// call never has side effects on local state.
func (c *Client) FetchSubscriber(ctx context.Context, subscriberID string) (*entitlements.Snapshot, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, fmt.Errorf("fetch subscriber: %w", ErrSubscriberNotFound)
	}
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("fetch subscriber: api key not configured: %w", ErrAuthorityUnavailable)
	}

	start := time.Now()
	defer func() {
		submetrics.AuthorityDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialBackoff
	eb.MaxInterval = 2 * time.Second

	body, err := backoff.Retry(ctx, func() (*subscriberResponse, error) {
		return c.fetchOnce(ctx, subscriberID)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(c.maxTries), backoff.WithMaxElapsedTime(c.timeout))
	if err != nil {
		switch {
		case errors.Is(err, ErrSubscriberNotFound):
			submetrics.AuthorityRequestsTotal.WithLabelValues("not_found").Inc()
		case errors.Is(err, ErrAuthorityRejected):
			submetrics.AuthorityRequestsTotal.WithLabelValues("rejected").Inc()
		default:
			submetrics.AuthorityRequestsTotal.WithLabelValues("unavailable").Inc()
			if !errors.Is(err, ErrAuthorityUnavailable) {
				err = fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
			}
		}
		log.Warn().Err(err).Str("subscriber_id", subscriberID).Msg("RevenueCat subscriber lookup failed")
		return nil, fmt.Errorf("fetch subscriber %s: %w", subscriberID, err)
	}

	submetrics.AuthorityRequestsTotal.WithLabelValues("ok").Inc()
	return body.Subscriber.Snapshot(subscriberID, c.now().UTC()), nil
}

func (c *Client) fetchOnce(ctx context.Context, subscriberID string) (*subscriberResponse, error) {
	endpoint := c.baseURL + "/subscribers/" + url.PathEscape(subscriberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorityUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrAuthorityUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrSubscriberNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrAuthorityUnavailable, resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrAuthorityRejected, resp.StatusCode, truncate(raw, 200)))
	}

	var body subscriberResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: decode subscriber: %v", ErrAuthorityUnavailable, err))
	}
	return &body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
