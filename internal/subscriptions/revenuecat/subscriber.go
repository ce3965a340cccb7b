package revenuecat

import (
	"sort"
	"time"

	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

type subscriberResponse struct {
	Subscriber subscriber `json:"subscriber"`
}

type subscriber struct {
	OriginalAppUserID string                      `json:"original_app_user_id"`
	Entitlements      map[string]entitlementInfo  `json:"entitlements"`
	Subscriptions     map[string]subscriptionInfo `json:"subscriptions"`
}

type entitlementInfo struct {
	ExpiresDate        *time.Time `json:"expires_date"`
	ProductIdentifier  string     `json:"product_identifier"`
	PurchaseDate       *time.Time `json:"purchase_date"`
	GracePeriodExpires *time.Time `json:"grace_period_expires_date"`
}

type subscriptionInfo struct {
	ExpiresDate             *time.Time `json:"expires_date"`
	PurchaseDate            *time.Time `json:"purchase_date"`
	OriginalPurchaseDate    *time.Time `json:"original_purchase_date"`
	UnsubscribeDetectedAt   *time.Time `json:"unsubscribe_detected_at"`
	BillingIssuesDetectedAt *time.Time `json:"billing_issues_detected_at"`
	PeriodType              string     `json:"period_type"`
	Store                   string     `json:"store"`
	IsSandbox               bool       `json:"is_sandbox"`
}

// Snapshot reduces the RevenueCat subscriber document to the fields the
// state machine understands, evaluated at now.
func (s subscriber) Snapshot(subscriberID string, now time.Time) *entitlements.Snapshot {
	snap := &entitlements.Snapshot{
		SubscriberID:     subscriberID,
		OriginalAppUser:  s.OriginalAppUserID,
		Tier:             entitlements.TierFree,
		Status:           entitlements.StatusActive,
		Entitlements:     []string{},
		FetchedAt:        now,
		HasAnySubscriber: len(s.Entitlements) > 0 || len(s.Subscriptions) > 0,
	}

	active := make([]string, 0, len(s.Entitlements))
	activeProduct := ""
	var activeExpiry *time.Time
	for id, ent := range s.Entitlements {
		if !isLive(ent.ExpiresDate, ent.GracePeriodExpires, now) {
			continue
		}
		active = append(active, id)
		if activeProduct == "" || laterThan(ent.ExpiresDate, activeExpiry) {
			activeProduct = ent.ProductIdentifier
			activeExpiry = ent.ExpiresDate
		}
	}
	sort.Strings(active)

	productID, sub, ok := s.currentSubscription(activeProduct)
	if ok {
		snap.ProductID = productID
		snap.ExpiresAt = sub.ExpiresDate
		snap.PurchasedAt = sub.PurchaseDate
		snap.CancelledAt = sub.UnsubscribeDetectedAt
	} else if activeProduct != "" {
		snap.ProductID = activeProduct
		snap.ExpiresAt = activeExpiry
	}

	if len(active) == 0 {
		if snap.HasAnySubscriber {
			snap.Status = entitlements.StatusExpired
		} else {
			snap.ExpiresAt = nil
			snap.CancelledAt = nil
		}
		return snap
	}

	snap.Entitlements = active
	snap.Tier = entitlements.TierFromProduct(snap.ProductID)
	if !snap.Tier.IsPaid() {
		// Non-subscription entitlements (promotional, non-renewing) grant the
		// base paid tier.
		snap.Tier = entitlements.TierMonthly
	}

	switch {
	case ok && sub.BillingIssuesDetectedAt != nil:
		snap.Status = entitlements.StatusBillingIssue
		snap.BillingIssueAt = sub.BillingIssuesDetectedAt
		snap.AutoRenew = sub.UnsubscribeDetectedAt == nil
	case ok && sub.UnsubscribeDetectedAt != nil:
		snap.Status = entitlements.StatusCancelled
	case ok && sub.PeriodType == "trial":
		snap.Status = entitlements.StatusTrial
		snap.AutoRenew = true
	default:
		snap.Status = entitlements.StatusActive
		snap.AutoRenew = ok && sub.ExpiresDate != nil
	}
	return snap
}

// currentSubscription prefers the product behind the active entitlement and
// otherwise the subscription that expires last.
func (s subscriber) currentSubscription(preferred string) (string, subscriptionInfo, bool) {
	if preferred != "" {
		if sub, ok := s.Subscriptions[preferred]; ok {
			return preferred, sub, true
		}
	}
	var (
		bestID string
		best   subscriptionInfo
		found  bool
	)
	for id, sub := range s.Subscriptions {
		if !found || laterThan(sub.ExpiresDate, best.ExpiresDate) || (timesEqual(sub.ExpiresDate, best.ExpiresDate) && id < bestID) {
			bestID, best, found = id, sub, true
		}
	}
	return bestID, best, found
}

func isLive(expires, grace *time.Time, now time.Time) bool {
	if expires == nil {
		return true
	}
	if expires.After(now) {
		return true
	}
	return grace != nil && grace.After(now)
}

// laterThan reports whether a is after b, treating nil as "never expires".
func laterThan(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	default:
		return a.After(*b)
	}
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
