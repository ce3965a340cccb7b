package entitlements

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedEvent marks events that can be ledgered but never applied.
	ErrMalformedEvent = errors.New("malformed lifecycle event")
	// ErrInvariantViolation means a transition rule produced an impossible
	// state. It is a programming error in this package, never an input error.
	ErrInvariantViolation = errors.New("entitlement invariant violated")
)

// Outcome describes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeStale   Outcome = "stale"
)

// Result is the output of Apply.
type Result struct {
	Next    State
	Effects []SideEffect
	Outcome Outcome
}

// Changed reports whether the result must be written to the store.
func (r Result) Changed() bool {
	return r.Outcome == OutcomeApplied
}

// Validate rejects events that cannot be applied regardless of state.
func Validate(ev Event) error {
	switch {
	case ev.ID == "":
		return fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	case ev.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrMalformedEvent)
	case ev.Type == "":
		return fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}

	switch ev.Type {
	case EventInitialPurchase, EventProductChange:
		if !TierFromProduct(ev.ProductID).IsPaid() {
			return fmt.Errorf("%w: product %q does not map to a paid tier", ErrMalformedEvent, ev.ProductID)
		}
	case EventSync:
		if ev.Snapshot == nil {
			return fmt.Errorf("%w: sync event without authority snapshot", ErrMalformedEvent)
		}
	case EventManualRestore:
		if ev.Snapshot == nil {
			return fmt.Errorf("%w: restore event without authority snapshot", ErrMalformedEvent)
		}
		if !ev.Snapshot.HasActiveEntitlement() {
			return fmt.Errorf("%w: restore snapshot has no active entitlement", ErrMalformedEvent)
		}
	}
	return nil
}

// Apply maps (current state, event) to the next state and the side effects
// the engine must perform once the next state is committed.
//
// Apply never fails for a valid event against a valid state: unknown event
// types and events with no transition row are no-ops. A non-nil error is
// either ErrMalformedEvent (caller skipped Validate) or ErrInvariantViolation.
func Apply(current State, ev Event) (Result, error) {
	if err := Validate(ev); err != nil {
		return Result{}, err
	}
	if current.UserID != "" && current.UserID != ev.UserID {
		return Result{}, fmt.Errorf("%w: event for %q applied to state of %q", ErrInvariantViolation, ev.UserID, current.UserID)
	}
	if !ev.Type.Known() {
		return noop(current, OutcomeNoop), nil
	}
	if isStale(current, ev) {
		return noop(current, OutcomeStale), nil
	}

	next := current.Clone()
	next.UserID = ev.UserID

	var moved bool
	switch ev.Type {
	case EventInitialPurchase:
		moved = applyPurchase(&next, ev)
	case EventRenewal:
		moved = applyRenewal(&next, ev)
	case EventCancellation:
		moved = applyCancellation(&next, ev)
	case EventUncancellation:
		moved = applyUncancellation(&next)
	case EventExpiration:
		moved = applyExpiration(&next)
	case EventBillingIssue:
		moved = applyBillingIssue(&next, ev)
	case EventProductChange:
		moved = applyProductChange(&next, ev)
	case EventSync:
		moved = applySnapshot(&next, ev.Snapshot, ev.FactTime())
	case EventManualRestore:
		moved = applyRestore(&next, ev.Snapshot)
	}

	if !moved || next.Equivalent(current) {
		return noop(current, OutcomeNoop), nil
	}

	next.Version = current.Version + 1
	if fact := ev.FactTime(); fact.After(next.LastSyncedAt) {
		next.LastSyncedAt = fact
	}
	if violation := next.CheckInvariants(); violation != "" {
		return Result{}, fmt.Errorf("%w: %s after %s (user %s)", ErrInvariantViolation, violation, ev.Type, ev.UserID)
	}

	return Result{
		Next:    next,
		Effects: effectsFor(current, next),
		Outcome: OutcomeApplied,
	}, nil
}

func noop(current State, outcome Outcome) Result {
	return Result{Next: current, Outcome: outcome}
}

// isStale implements the out-of-order tie-break: a fact conceptually older
// than what the state already reflects never overwrites it. Sync events are
// authoritative and never stale.
func isStale(current State, ev Event) bool {
	switch ev.Type {
	case EventSync:
		return false
	case EventInitialPurchase:
		if ev.PurchasedAt != nil && current.LatestPurchaseAt != nil {
			return !ev.PurchasedAt.After(*current.LatestPurchaseAt)
		}
	case EventRenewal, EventProductChange, EventExpiration:
		if ev.ExpiresAt != nil && current.ExpiresAt != nil {
			return ev.ExpiresAt.Before(*current.ExpiresAt)
		}
	}
	return !current.LastSyncedAt.IsZero() && ev.FactTime().Before(current.LastSyncedAt)
}

func applyPurchase(next *State, ev Event) bool {
	tier := TierFromProduct(ev.ProductID)
	next.Tier = tier
	next.Status = StatusActive
	next.ExpiresAt = cloneTime(ev.ExpiresAt)
	next.AutoRenew = true
	next.CancelledAt = nil
	next.BillingIssueAt = nil
	next.ProductID = ev.ProductID
	next.Entitlements = grantedEntitlements(tier, ev.Entitlements)
	if ev.SubscriberID != "" {
		next.SubscriberID = ev.SubscriberID
	}
	purchased := ev.FactTime()
	if ev.PurchasedAt != nil {
		purchased = *ev.PurchasedAt
	}
	next.LatestPurchaseAt = &purchased
	return true
}

func applyRenewal(next *State, ev Event) bool {
	switch next.Status {
	case StatusActive, StatusTrial, StatusBillingIssue:
	default:
		return false
	}
	if !next.Tier.IsPaid() {
		tier := TierFromProduct(ev.ProductID)
		if !tier.IsPaid() {
			return false
		}
		next.Tier = tier
		next.ProductID = ev.ProductID
	}
	next.Status = StatusActive
	next.AutoRenew = true
	next.CancelledAt = nil
	next.BillingIssueAt = nil
	if ev.ExpiresAt != nil && (next.ExpiresAt == nil || ev.ExpiresAt.After(*next.ExpiresAt)) {
		next.ExpiresAt = cloneTime(ev.ExpiresAt)
	}
	if len(ev.Entitlements) > 0 || len(next.Entitlements) == 0 {
		next.Entitlements = grantedEntitlements(next.Tier, ev.Entitlements)
	}
	if next.ProductID == "" {
		next.ProductID = ev.ProductID
	}
	return true
}

func applyCancellation(next *State, ev Event) bool {
	if !next.Tier.IsPaid() {
		return false
	}
	switch next.Status {
	case StatusActive, StatusTrial:
	default:
		return false
	}
	at := ev.FactTime()
	next.Status = StatusCancelled
	next.AutoRenew = false
	next.CancelledAt = &at
	return true
}

func applyUncancellation(next *State) bool {
	if next.Status != StatusCancelled {
		return false
	}
	next.Status = StatusActive
	next.AutoRenew = true
	next.CancelledAt = nil
	return true
}

func applyExpiration(next *State) bool {
	if !next.Tier.IsPaid() {
		return false
	}
	switch next.Status {
	case StatusActive, StatusTrial, StatusCancelled, StatusBillingIssue:
	default:
		return false
	}
	next.Status = StatusExpired
	next.Tier = TierFree
	next.Entitlements = []string{}
	next.AutoRenew = false
	next.BillingIssueAt = nil
	return true
}

func applyBillingIssue(next *State, ev Event) bool {
	if !next.Tier.IsPaid() {
		return false
	}
	switch next.Status {
	case StatusActive, StatusTrial, StatusCancelled:
	default:
		return false
	}
	at := ev.FactTime()
	next.Status = StatusBillingIssue
	next.BillingIssueAt = &at
	return true
}

// applyProductChange keeps expiresAt; proration is settled by the next sync.
func applyProductChange(next *State, ev Event) bool {
	tier := TierFromProduct(ev.ProductID)
	next.Tier = tier
	next.Status = StatusActive
	next.AutoRenew = true
	next.CancelledAt = nil
	next.BillingIssueAt = nil
	next.ProductID = ev.ProductID
	next.Entitlements = grantedEntitlements(tier, ev.Entitlements)
	return true
}

// applySnapshot overwrites every observable field with the authority's view.
func applySnapshot(next *State, snap *Snapshot, fact time.Time) bool {
	next.Tier = snap.Tier
	if next.Tier == "" {
		next.Tier = TierFree
	}
	next.Status = snap.Status
	if next.Status == "" {
		next.Status = StatusActive
	}
	next.ExpiresAt = cloneTime(snap.ExpiresAt)
	next.AutoRenew = snap.AutoRenew
	next.CancelledAt = cloneTime(snap.CancelledAt)
	next.ProductID = snap.ProductID
	next.Entitlements = grantedEntitlements(next.Tier, snap.Entitlements)
	if snap.SubscriberID != "" {
		next.SubscriberID = snap.SubscriberID
	}
	if snap.PurchasedAt != nil {
		next.LatestPurchaseAt = cloneTime(snap.PurchasedAt)
	}

	next.BillingIssueAt = nil
	if next.Status == StatusBillingIssue {
		switch {
		case snap.BillingIssueAt != nil:
			next.BillingIssueAt = cloneTime(snap.BillingIssueAt)
		default:
			at := fact
			next.BillingIssueAt = &at
		}
	}
	if next.Status == StatusCancelled {
		next.AutoRenew = false
	}
	if next.Tier == TierFree && next.Status == StatusActive {
		next.ExpiresAt = nil
	}
	return true
}

func applyRestore(next *State, snap *Snapshot) bool {
	next.Tier = snap.Tier
	next.Status = StatusActive
	next.ExpiresAt = cloneTime(snap.ExpiresAt)
	next.AutoRenew = snap.AutoRenew
	next.CancelledAt = nil
	next.BillingIssueAt = nil
	next.ProductID = snap.ProductID
	next.Entitlements = grantedEntitlements(snap.Tier, snap.Entitlements)
	if snap.SubscriberID != "" {
		next.SubscriberID = snap.SubscriberID
	}
	if snap.PurchasedAt != nil {
		next.LatestPurchaseAt = cloneTime(snap.PurchasedAt)
	}
	return true
}

// grantedEntitlements is empty for free and never empty for paid tiers.
func grantedEntitlements(tier Tier, reported []string) []string {
	if !tier.IsPaid() {
		return []string{}
	}
	ids := NormalizeEntitlements(reported)
	if len(ids) == 0 {
		return DefaultEntitlements(tier)
	}
	return ids
}

func effectsFor(prev, next State) []SideEffect {
	base := SideEffect{
		UserID:     next.UserID,
		FromTier:   prev.Tier,
		ToTier:     next.Tier,
		FromStatus: prev.Status,
		ToStatus:   next.Status,
	}

	effects := make([]SideEffect, 0, 3)
	if prev.Tier != next.Tier || prev.Status != next.Status {
		e := base
		e.Kind = EffectAppendHistory
		effects = append(effects, e)
	}

	e := base
	e.Kind = EffectInvalidateCache
	effects = append(effects, e)

	if prev.Status != next.Status && (next.Status == StatusExpired || next.Status == StatusBillingIssue) {
		e := base
		e.Kind = EffectNotifyUser
		effects = append(effects, e)
	}
	return effects
}

// HasEffect reports whether the result requests the given side effect.
func (r Result) HasEffect(kind EffectKind) bool {
	for _, e := range r.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
