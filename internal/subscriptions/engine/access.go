package engine

import (
	"context"
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/store"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

// FeatureLockedCode is returned to clients when a feature needs a higher tier.
const FeatureLockedCode = "FEATURE_LOCKED"

// Snapshot is the client-facing view of a user's entitlements.
type Snapshot struct {
	UserID   string              `json:"user_id"`
	Tier     entitlements.Tier   `json:"tier"`
	Status   entitlements.Status `json:"status"`
	IsActive bool                `json:"is_active"`
	State    entitlements.State  `json:"state"`
	Features []string            `json:"features"`
	Limits   map[string]int64    `json:"limits"`
}

// Access is a feature-gate decision. Denials carry the current and required
// tier so clients can render an upgrade path.
type Access struct {
	Feature      string            `json:"feature"`
	Allowed      bool              `json:"allowed"`
	CurrentTier  entitlements.Tier `json:"current_tier"`
	RequiredTier entitlements.Tier `json:"required_tier"`
	Limit        *int64            `json:"limit,omitempty"`
	Code         string            `json:"code,omitempty"`
}

// State returns the user's entitlement state, read through the cache.
// Concurrent misses for the same user share one store read.
func (e *Engine) State(ctx context.Context, userID string) (entitlements.State, error) {
	if e.cache != nil {
		st, ok, err := e.cache.Get(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Cache read failed, using store")
		} else if ok {
			return st, nil
		}
	}

	v, err, _ := e.loads.Do(userID, func() (any, error) {
		st, err := e.store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if e.cache != nil {
			if err := e.cache.Refresh(ctx, st); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("Cache refresh failed")
			}
		}
		return st, nil
	})
	if err != nil {
		return entitlements.State{}, internalerrors.Storage("load_state", err)
	}
	return v.(entitlements.State).Clone(), nil
}

// GetEntitlementSnapshot returns the user's tier, status and granted features.
func (e *Engine) GetEntitlementSnapshot(ctx context.Context, userID string) (Snapshot, error) {
	st, err := e.State(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	tier := effectiveTier(st)
	return Snapshot{
		UserID:   userID,
		Tier:     st.Tier,
		Status:   st.Status,
		IsActive: st.HasPaidAccess(),
		State:    st,
		Features: entitlements.FeaturesFor(tier),
		Limits:   entitlements.LimitsFor(tier),
	}, nil
}

// CheckFeatureAccess decides whether userID may use feature.
func (e *Engine) CheckFeatureAccess(ctx context.Context, userID, feature string) (Access, error) {
	if !entitlements.KnownFeature(feature) {
		return Access{Feature: feature}, fmt.Errorf("%q: %w", feature, ErrUnknownFeature)
	}
	st, err := e.State(ctx, userID)
	if err != nil {
		return Access{Feature: feature}, err
	}

	tier := effectiveTier(st)
	access := Access{
		Feature:      feature,
		Allowed:      entitlements.TierHasFeature(tier, feature),
		CurrentTier:  tier,
		RequiredTier: entitlements.RequiredTier(feature),
	}
	if limit, ok := entitlements.LimitsFor(tier)[feature]; ok {
		access.Limit = &limit
	}
	if !access.Allowed {
		access.Code = FeatureLockedCode
	}
	return access, nil
}

// Catalogue is the paywall view: what can be bought, what each tier grants
// and what the caller holds today.
type Catalogue struct {
	Packages            []entitlements.Package                            `json:"packages"`
	CurrentSubscription CurrentSubscription                               `json:"current_subscription"`
	FeatureComparison   map[entitlements.Tier]entitlements.TierComparison `json:"feature_comparison"`
}

// CurrentSubscription summarizes the caller's plan on the paywall.
type CurrentSubscription struct {
	Tier      entitlements.Tier   `json:"tier"`
	Status    entitlements.Status `json:"status"`
	ExpiresAt *time.Time          `json:"expires_at"`
}

// Packages returns the purchasable packages together with userID's current plan.
func (e *Engine) Packages(ctx context.Context, userID string) (Catalogue, error) {
	st, err := e.State(ctx, userID)
	if err != nil {
		return Catalogue{}, err
	}
	return Catalogue{
		Packages: entitlements.Packages(),
		CurrentSubscription: CurrentSubscription{
			Tier:      st.Tier,
			Status:    st.Status,
			ExpiresAt: st.ExpiresAt,
		},
		FeatureComparison: entitlements.FeatureComparison(),
	}, nil
}

// AllFeatureAccess decides every known feature for userID from a single
// state read.
func (e *Engine) AllFeatureAccess(ctx context.Context, userID string) ([]Access, error) {
	st, err := e.State(ctx, userID)
	if err != nil {
		return nil, err
	}
	tier := effectiveTier(st)
	limits := entitlements.LimitsFor(tier)

	features := entitlements.AllFeatures()
	out := make([]Access, 0, len(features))
	for _, feature := range features {
		access := Access{
			Feature:      feature,
			Allowed:      entitlements.TierHasFeature(tier, feature),
			CurrentTier:  tier,
			RequiredTier: entitlements.RequiredTier(feature),
		}
		if limit, ok := limits[feature]; ok {
			access.Limit = &limit
		}
		if !access.Allowed {
			access.Code = FeatureLockedCode
		}
		out = append(out, access)
	}
	return out, nil
}

// Events returns the user's ledger entries, newest first.
func (e *Engine) Events(ctx context.Context, userID string, limit int) ([]store.LedgerEntry, error) {
	entries, err := e.store.ListEvents(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, internalerrors.Storage("list_events", err)
	}
	return entries, nil
}

// History returns the user's tier and status changes, newest first.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]store.HistoryEntry, error) {
	entries, err := e.store.ListHistory(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, internalerrors.Storage("list_history", err)
	}
	return entries, nil
}

// LastConfirmed returns when the billing authority last vouched for the
// user's state. Syncs that changed nothing count; they leave no trace on the
// state itself.
func (e *Engine) LastConfirmed(ctx context.Context, userID string) (*time.Time, error) {
	at, err := e.store.LastConfirmed(ctx, userID)
	if err != nil {
		return nil, internalerrors.Storage("last_confirmed", err)
	}
	return at, nil
}

// effectiveTier is the tier whose features the user may use right now.
func effectiveTier(st entitlements.State) entitlements.Tier {
	if st.HasPaidAccess() {
		return st.Tier
	}
	return entitlements.TierFree
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
