// Package entitlements defines the subscription entitlement model shared by the
// sync engine and the modules that gate features on it.
//
// The lifecycle state machine in this package is pure: it performs no I/O and
// reads no clock, so every entry point (webhook, client action, scheduler)
// produces identical transitions for identical inputs.
package entitlements

import (
	"slices"
	"strings"
	"time"
)

// Tier is the subscription tier a user is entitled to.
type Tier string

const (
	TierFree    Tier = "free"
	TierMonthly Tier = "monthly"
	TierAnnual  Tier = "annual"
)

// IsPaid reports whether the tier carries paid entitlements.
func (t Tier) IsPaid() bool {
	return t == TierMonthly || t == TierAnnual
}

// tierRank orders tiers for upgrade/downgrade and required-tier checks.
var tierRank = map[Tier]int{
	TierFree:    0,
	TierMonthly: 1,
	TierAnnual:  2,
}

// Rank returns the tier's position in the upgrade order. Unknown tiers rank as free.
func (t Tier) Rank() int {
	return tierRank[t]
}

// Status is the lifecycle status of a subscription.
type Status string

const (
	StatusActive       Status = "active"
	StatusTrial        Status = "trial"
	StatusCancelled    Status = "cancelled"
	StatusExpired      Status = "expired"
	StatusBillingIssue Status = "billing_issue"
)

// EventType identifies the kind of lifecycle fact carried by an Event.
type EventType string

const (
	EventInitialPurchase EventType = "initial_purchase"
	EventRenewal         EventType = "renewal"
	EventCancellation    EventType = "cancellation"
	EventUncancellation  EventType = "uncancellation"
	EventExpiration      EventType = "expiration"
	EventBillingIssue    EventType = "billing_issue"
	EventProductChange   EventType = "product_change"
	EventSync            EventType = "sync"
	EventManualRestore   EventType = "manual_restore"
)

var knownEventTypes = map[EventType]bool{
	EventInitialPurchase: true,
	EventRenewal:         true,
	EventCancellation:    true,
	EventUncancellation:  true,
	EventExpiration:      true,
	EventBillingIssue:    true,
	EventProductChange:   true,
	EventSync:            true,
	EventManualRestore:   true,
}

// Known reports whether the engine acts on this event type. Unknown types are
// still ledgered but never change state.
func (t EventType) Known() bool {
	return knownEventTypes[t]
}

// Source records which entry point produced an event.
type Source string

const (
	SourceWebhook   Source = "webhook"
	SourceClient    Source = "client"
	SourceScheduler Source = "scheduler"
)

// State is a user's entitlement state. The Store owns the authoritative copy;
// everything else works on values.
type State struct {
	UserID       string     `json:"user_id"`
	Tier         Tier       `json:"tier"`
	Status       Status     `json:"status"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	AutoRenew    bool       `json:"auto_renew"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	Entitlements []string   `json:"entitlements"`
	SubscriberID string     `json:"subscriber_id,omitempty"`
	ProductID    string     `json:"product_id,omitempty"`

	// LatestPurchaseAt is the authority-reported time of the newest purchase applied.
	LatestPurchaseAt *time.Time `json:"latest_purchase_at,omitempty"`
	// BillingIssueAt marks the start of the grace window.
	BillingIssueAt *time.Time `json:"billing_issue_at,omitempty"`
	// LastSyncedAt is the authority-reported time of the newest fact reflected here.
	LastSyncedAt time.Time `json:"last_synced_at"`

	Version int64 `json:"version"`
}

// NewFreeState returns the implicit state of a user the store has never seen.
func NewFreeState(userID string) State {
	return State{
		UserID:       userID,
		Tier:         TierFree,
		Status:       StatusActive,
		Entitlements: []string{},
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s State) Clone() State {
	out := s
	out.ExpiresAt = cloneTime(s.ExpiresAt)
	out.CancelledAt = cloneTime(s.CancelledAt)
	out.LatestPurchaseAt = cloneTime(s.LatestPurchaseAt)
	out.BillingIssueAt = cloneTime(s.BillingIssueAt)
	out.Entitlements = slices.Clone(s.Entitlements)
	if out.Entitlements == nil {
		out.Entitlements = []string{}
	}
	return out
}

// HasPaidAccess reports whether the state currently grants paid entitlements.
// Cancelled and billing-issue states keep access until expiry or the end of grace.
func (s State) HasPaidAccess() bool {
	if !s.Tier.IsPaid() {
		return false
	}
	switch s.Status {
	case StatusActive, StatusTrial, StatusCancelled, StatusBillingIssue:
		return true
	default:
		return false
	}
}

// Equivalent reports whether two states agree on every observable field.
// Version and LastSyncedAt are bookkeeping and are ignored.
func (s State) Equivalent(o State) bool {
	return s.UserID == o.UserID &&
		s.Tier == o.Tier &&
		s.Status == o.Status &&
		timeEqual(s.ExpiresAt, o.ExpiresAt) &&
		s.AutoRenew == o.AutoRenew &&
		timeEqual(s.CancelledAt, o.CancelledAt) &&
		slices.Equal(NormalizeEntitlements(s.Entitlements), NormalizeEntitlements(o.Entitlements)) &&
		s.SubscriberID == o.SubscriberID &&
		s.ProductID == o.ProductID &&
		timeEqual(s.LatestPurchaseAt, o.LatestPurchaseAt) &&
		timeEqual(s.BillingIssueAt, o.BillingIssueAt)
}

// CheckInvariants returns a description of the first violated invariant, or "".
func (s State) CheckInvariants() string {
	switch {
	case s.Status == StatusActive && s.Tier == TierFree && s.ExpiresAt != nil:
		return "active free state carries an expiry"
	case s.Status == StatusCancelled && s.AutoRenew:
		return "cancelled state has auto-renew enabled"
	case s.Tier == TierFree && len(s.Entitlements) > 0:
		return "free tier carries entitlements"
	case s.Tier != TierFree && len(s.Entitlements) == 0:
		return "paid tier has no entitlements"
	}
	return ""
}

// Snapshot is the billing authority's view of a subscriber, already reduced to
// the fields the state machine needs.
type Snapshot struct {
	SubscriberID     string     `json:"subscriber_id"`
	OriginalAppUser  string     `json:"original_app_user_id,omitempty"`
	Tier             Tier       `json:"tier"`
	Status           Status     `json:"status"`
	ProductID        string     `json:"product_id,omitempty"`
	Entitlements     []string   `json:"entitlements"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	AutoRenew        bool       `json:"auto_renew"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	PurchasedAt      *time.Time `json:"purchased_at,omitempty"`
	BillingIssueAt   *time.Time `json:"billing_issue_at,omitempty"`
	FetchedAt        time.Time  `json:"fetched_at"`
	HasAnySubscriber bool       `json:"has_any_subscription"`
}

// HasActiveEntitlement reports whether the snapshot grants a paid tier.
func (s *Snapshot) HasActiveEntitlement() bool {
	return s != nil && s.Tier.IsPaid() && len(s.Entitlements) > 0
}

// Event is a lifecycle fact. Events are immutable once ledgered.
type Event struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Type       EventType `json:"type"`
	Source     Source    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`

	// OccurredAt is the authority-reported time of the fact; ObservedAt when unknown.
	OccurredAt   time.Time  `json:"occurred_at"`
	ProductID    string     `json:"product_id,omitempty"`
	Entitlements []string   `json:"entitlements,omitempty"`
	PurchasedAt  *time.Time `json:"purchased_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	SubscriberID string     `json:"subscriber_id,omitempty"`
	Snapshot     *Snapshot  `json:"snapshot,omitempty"`

	// RawType is the authority's own type name, kept for audit.
	RawType string `json:"raw_type,omitempty"`
	// Payload is the raw inbound body, kept for audit only.
	Payload []byte `json:"-"`
}

// FactTime returns the time used for out-of-order tie-breaks.
func (e Event) FactTime() time.Time {
	if !e.OccurredAt.IsZero() {
		return e.OccurredAt
	}
	return e.ObservedAt
}

// Normalized returns a copy with every time in UTC at millisecond precision,
// the resolution the store keeps, and entitlement ids normalized.
func (e Event) Normalized() Event {
	out := e
	out.ObservedAt = truncate(e.ObservedAt)
	out.OccurredAt = truncate(e.OccurredAt)
	out.PurchasedAt = truncatePtr(e.PurchasedAt)
	out.ExpiresAt = truncatePtr(e.ExpiresAt)
	out.Entitlements = NormalizeEntitlements(e.Entitlements)
	if e.Snapshot != nil {
		snap := *e.Snapshot
		snap.Entitlements = NormalizeEntitlements(snap.Entitlements)
		snap.ExpiresAt = truncatePtr(snap.ExpiresAt)
		snap.CancelledAt = truncatePtr(snap.CancelledAt)
		snap.PurchasedAt = truncatePtr(snap.PurchasedAt)
		snap.BillingIssueAt = truncatePtr(snap.BillingIssueAt)
		snap.FetchedAt = truncate(snap.FetchedAt)
		out.Snapshot = &snap
	}
	return out
}

func truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

func truncatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := truncate(*t)
	return &v
}

// EffectKind names a side effect requested by a transition.
type EffectKind string

const (
	EffectAppendHistory   EffectKind = "append_history"
	EffectInvalidateCache EffectKind = "invalidate_cache"
	EffectNotifyUser      EffectKind = "notify_user"
)

// SideEffect is an action the engine performs after a transition commits.
type SideEffect struct {
	Kind       EffectKind
	UserID     string
	FromTier   Tier
	ToTier     Tier
	FromStatus Status
	ToStatus   Status
}

// NormalizeEntitlements trims, de-duplicates and sorts entitlement ids so the
// set compares and stores deterministically.
func NormalizeEntitlements(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, id)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
