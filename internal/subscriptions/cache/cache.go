// Package cache holds short-lived copies of entitlement state for fast
// feature checks. The store stays authoritative; the TTL bounds staleness
// when an invalidation is lost.
package cache

import (
	"context"
	"time"

	"github.com/rcourtman/entitlement-sync/internal/subscriptions/submetrics"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

// DefaultTTL is the safety-net expiry for cached entries.
const DefaultTTL = 5 * time.Minute

// Cache is a read-through entitlement cache.
//
// Refresh never replaces an entry with a lower version, and Invalidate leaves
// a fence at the committed version so a reader that loaded the store before
// the commit cannot repopulate the cache with the superseded state.
type Cache interface {
	Get(ctx context.Context, userID string) (entitlements.State, bool, error)
	Refresh(ctx context.Context, st entitlements.State) error
	Invalidate(ctx context.Context, userID string, version int64) error
}

func observe(op string, err error, hit bool) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case op == "get" && hit:
		result = "hit"
	case op == "get":
		result = "miss"
	}
	submetrics.CacheOpsTotal.WithLabelValues(op, result).Inc()
}
