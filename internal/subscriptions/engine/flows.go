package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

// Client flow errors. Each maps to a stable client-facing code.
var (
	ErrUnknownProduct      = errors.New("unknown product")
	ErrAlreadySubscribed   = errors.New("active subscription already exists")
	ErrPurchaseNotVerified = errors.New("purchase could not be verified with the billing authority")
	ErrNothingToRestore    = errors.New("no purchases to restore")
	ErrNoSubscription      = errors.New("no active paid subscription")
	ErrAlreadyCancelled    = errors.New("subscription already cancelled")
	ErrCancelNotApplied    = errors.New("cancellation did not change the subscription")
	ErrUnknownFeature      = errors.New("unknown feature")
)

const anonymousPrefix = "$RCAnonymousID:"

// PurchaseRequest is a client's claim that a purchase completed in the store.
type PurchaseRequest struct {
	SubscriberID string `json:"subscriber_id"`
	ProductID    string `json:"product_id"`
	Platform     string `json:"platform"`
}

// CancelResult reports the state after a cancellation and the days of paid
// access left.
type CancelResult struct {
	State         entitlements.State `json:"state"`
	DaysRemaining int                `json:"days_remaining"`
}

// ResolveUser maps the identifiers the authority sends to a local user id:
// stored subscriber ids win, then the first non-anonymous identifier.
func (e *Engine) ResolveUser(ctx context.Context, candidates ...string) (string, error) {
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		userID, err := e.store.FindBySubscriberID(ctx, id)
		if err != nil {
			return "", internalerrors.Storage("resolve_user", err)
		}
		if userID != "" {
			return userID, nil
		}
	}
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if id != "" && !strings.HasPrefix(id, anonymousPrefix) {
			return id, nil
		}
	}
	return "", nil
}

// Purchase verifies a client-reported purchase with the authority and applies
// it as an initial_purchase event. The authority's product wins over the one
// the client claims.
func (e *Engine) Purchase(ctx context.Context, userID string, req PurchaseRequest) (Result, error) {
	if !entitlements.TierFromProduct(req.ProductID).IsPaid() {
		return Result{}, fmt.Errorf("purchase %q: %w", req.ProductID, ErrUnknownProduct)
	}
	current, err := e.store.Get(ctx, userID)
	if err != nil {
		return Result{}, internalerrors.Storage("load_state", err)
	}
	if current.HasPaidAccess() && current.Status != entitlements.StatusCancelled {
		return Result{State: current}, ErrAlreadySubscribed
	}

	subscriberID := firstNonEmpty(req.SubscriberID, current.SubscriberID, userID)
	snap, err := e.authority.FetchSubscriber(ctx, subscriberID)
	switch {
	case errors.Is(err, internalerrors.ErrNotFound):
		return Result{State: current}, ErrPurchaseNotVerified
	case err != nil:
		return Result{State: current}, internalerrors.Transient("verify_purchase", userID, err)
	case !snap.HasActiveEntitlement():
		return Result{State: current}, ErrPurchaseNotVerified
	}

	purchasedAt := snap.FetchedAt
	if snap.PurchasedAt != nil {
		purchasedAt = *snap.PurchasedAt
	}
	ev := entitlements.Event{
		ID:           fmt.Sprintf("client:purchase:%s:%d", userID, purchasedAt.UnixMilli()),
		UserID:       userID,
		Type:         entitlements.EventInitialPurchase,
		Source:       entitlements.SourceClient,
		OccurredAt:   snap.FetchedAt,
		ProductID:    firstNonEmpty(snap.ProductID, req.ProductID),
		Entitlements: snap.Entitlements,
		PurchasedAt:  &purchasedAt,
		ExpiresAt:    snap.ExpiresAt,
		SubscriberID: subscriberID,
		RawType:      "client_purchase:" + req.Platform,
	}
	if !entitlements.TierFromProduct(ev.ProductID).IsPaid() {
		// Promotional grants carry no subscription product.
		ev.ProductID = req.ProductID
	}
	return e.Process(ctx, ev)
}

// Restore asks the authority for the user's purchases and applies them as a
// manual_restore. An unreachable authority leaves local state untouched.
func (e *Engine) Restore(ctx context.Context, userID, platform string) (Result, error) {
	current, err := e.store.Get(ctx, userID)
	if err != nil {
		return Result{}, internalerrors.Storage("load_state", err)
	}

	subscriberID := firstNonEmpty(current.SubscriberID, userID)
	snap, err := e.authority.FetchSubscriber(ctx, subscriberID)
	switch {
	case errors.Is(err, internalerrors.ErrNotFound):
		return Result{State: current}, ErrNothingToRestore
	case err != nil:
		return Result{State: current}, internalerrors.Transient("restore_purchases", userID, err)
	case !snap.HasActiveEntitlement():
		return Result{State: current}, ErrNothingToRestore
	}

	return e.Process(ctx, entitlements.Event{
		ID:           "client:restore:" + uuid.NewString(),
		UserID:       userID,
		Type:         entitlements.EventManualRestore,
		Source:       entitlements.SourceClient,
		OccurredAt:   snap.FetchedAt,
		SubscriberID: subscriberID,
		Snapshot:     snap,
		RawType:      "client_restore:" + platform,
	})
}

// Cancel turns off auto-renew. Paid access is retained until expiry.
func (e *Engine) Cancel(ctx context.Context, userID string) (CancelResult, error) {
	current, err := e.store.Get(ctx, userID)
	if err != nil {
		return CancelResult{}, internalerrors.Storage("load_state", err)
	}
	switch {
	case current.Status == entitlements.StatusCancelled && current.Tier.IsPaid():
		return CancelResult{State: current, DaysRemaining: e.daysRemaining(current)}, ErrAlreadyCancelled
	case !current.HasPaidAccess():
		return CancelResult{State: current}, ErrNoSubscription
	}

	// Confirm the subscriber still exists before recording anything.
	if _, err := e.authority.FetchSubscriber(ctx, firstNonEmpty(current.SubscriberID, userID)); err != nil {
		if errors.Is(err, internalerrors.ErrNotFound) {
			return CancelResult{State: current}, ErrNoSubscription
		}
		return CancelResult{State: current}, internalerrors.Transient("cancel_subscription", userID, err)
	}

	res, err := e.Process(ctx, entitlements.Event{
		ID:         fmt.Sprintf("client:cancel:%s:%d", userID, current.Version),
		UserID:     userID,
		Type:       entitlements.EventCancellation,
		Source:     entitlements.SourceClient,
		OccurredAt: e.now().UTC(),
		RawType:    "client_cancel",
	})
	if err != nil {
		return CancelResult{State: res.State}, err
	}
	if res.State.Status != entitlements.StatusCancelled {
		// billing_issue has no cancellation row, and a newer fact makes the
		// client's cancel stale. Either way auto-renew is still on.
		log.Info().
			Str("user_id", userID).
			Str("outcome", string(res.Disposition)).
			Str("status", string(res.State.Status)).
			Msg("Cancellation left state unchanged")
		return CancelResult{State: res.State, DaysRemaining: e.daysRemaining(res.State)}, ErrCancelNotApplied
	}
	return CancelResult{State: res.State, DaysRemaining: e.daysRemaining(res.State)}, nil
}

// SyncUser re-reads the authority and routes the snapshot as a sync event.
// eventID may be empty, in which case one is derived from the fetch time.
func (e *Engine) SyncUser(ctx context.Context, userID string, source entitlements.Source, eventID string) (Result, error) {
	current, err := e.store.Get(ctx, userID)
	if err != nil {
		return Result{}, internalerrors.Storage("load_state", err)
	}
	subscriberID := firstNonEmpty(current.SubscriberID, userID)
	snap, err := e.authority.FetchSubscriber(ctx, subscriberID)
	if err != nil {
		if errors.Is(err, internalerrors.ErrNotFound) {
			return Result{State: current}, internalerrors.New(internalerrors.ErrorTypeNotFound, "sync_user", err).WithUser(userID)
		}
		return Result{State: current}, internalerrors.Transient("sync_user", userID, err)
	}
	if eventID == "" {
		eventID = fmt.Sprintf("%s:sync:%s:%d", source, userID, snap.FetchedAt.UnixMilli())
	}
	return e.Process(ctx, entitlements.Event{
		ID:           eventID,
		UserID:       userID,
		Type:         entitlements.EventSync,
		Source:       source,
		OccurredAt:   snap.FetchedAt,
		SubscriberID: subscriberID,
		Snapshot:     snap,
	})
}

func (e *Engine) daysRemaining(st entitlements.State) int {
	if st.ExpiresAt == nil {
		return 0
	}
	left := st.ExpiresAt.Sub(e.now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
