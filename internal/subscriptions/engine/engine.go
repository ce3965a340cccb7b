// Package engine routes every lifecycle event, whatever its origin, through
// the same pipeline: ledger, state machine, compare-and-swap commit, cache
// invalidation and notification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/cache"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/notify"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/store"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/submetrics"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// MaxApplyAttempts bounds optimistic retries before a conflict is surfaced.
	MaxApplyAttempts = 5

	defaultWebhookBudget = 10 * time.Second
	sideEffectTimeout    = 5 * time.Second
)

// Store is the persistence the engine needs. *store.Store implements it.
type Store interface {
	Get(ctx context.Context, userID string) (entitlements.State, error)
	Record(ctx context.Context, ev entitlements.Event) (bool, error)
	GetEvent(ctx context.Context, eventID string) (*store.LedgerEntry, error)
	Settle(ctx context.Context, eventID string, outcome store.Outcome, version *int64, reason string) (bool, error)
	RecordFailure(ctx context.Context, eventID, reason string) error
	CommitTransition(ctx context.Context, eventID string, expectedVersion int64, next entitlements.State, history *store.HistoryEntry) error
	FindBySubscriberID(ctx context.Context, subscriberID string) (string, error)
	ListEvents(ctx context.Context, userID string, limit int) ([]store.LedgerEntry, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]store.HistoryEntry, error)
	LastConfirmed(ctx context.Context, userID string) (*time.Time, error)
}

// Authority answers subscriber queries. *revenuecat.Client implements it.
type Authority interface {
	FetchSubscriber(ctx context.Context, subscriberID string) (*entitlements.Snapshot, error)
}

// Notifier delivers user notifications. Delivery is attempted once.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Dispatcher applies a ledgered event later, outside the request.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventID string) error
}

// Disposition is what happened to one event.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionNoop      Disposition = "noop"
	DispositionStale     Disposition = "stale"
	DispositionDuplicate Disposition = "duplicate"
	DispositionRejected  Disposition = "rejected"
	DispositionDeferred  Disposition = "deferred"
)

// Result describes the outcome of processing one event.
type Result struct {
	EventID     string             `json:"event_id"`
	Disposition Disposition        `json:"outcome"`
	State       entitlements.State `json:"state"`
}

// Config wires the engine's collaborators. Cache, Notifier and Dispatcher
// are optional.
type Config struct {
	Store         Store
	Authority     Authority
	Cache         cache.Cache
	Notifier      Notifier
	Dispatcher    Dispatcher
	WebhookBudget time.Duration
}

// Engine is the entitlement synchronization pipeline.
type Engine struct {
	store      Store
	authority  Authority
	cache      cache.Cache
	notifier   Notifier
	dispatcher Dispatcher
	budget     time.Duration
	loads      singleflight.Group
	now        func() time.Time
}

// New validates the configuration and builds an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if cfg.Authority == nil {
		return nil, fmt.Errorf("engine: billing authority is required")
	}
	budget := cfg.WebhookBudget
	if budget <= 0 {
		budget = defaultWebhookBudget
	}
	return &Engine{
		store:      cfg.Store,
		authority:  cfg.Authority,
		cache:      cfg.Cache,
		notifier:   cfg.Notifier,
		dispatcher: cfg.Dispatcher,
		budget:     budget,
		now:        time.Now,
	}, nil
}

// SetDispatcher attaches the hand-off dispatcher once it exists; dispatchers
// usually need the engine to apply events, so they are built after it.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// Process ledgers ev and applies it. A redelivered event whose first attempt
// never settled is driven again; a settled one reports DispositionDuplicate.
func (e *Engine) Process(ctx context.Context, ev entitlements.Event) (Result, error) {
	ev = ev.Normalized()
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = e.now().UTC().Truncate(time.Millisecond)
	}
	if ev.ID == "" {
		return Result{Disposition: DispositionRejected}, internalerrors.Malformed("process_event", "", fmt.Errorf("%w: missing event id", entitlements.ErrMalformedEvent))
	}

	accepted, err := e.store.Record(ctx, ev)
	if err != nil {
		return Result{EventID: ev.ID}, internalerrors.New(internalerrors.ErrorTypeStorage, "record_event", err).WithEvent(ev.ID)
	}
	if !accepted {
		return e.redeliver(ctx, ev.ID)
	}
	return e.drive(ctx, ev)
}

// ProcessRecorded applies an event that is already in the ledger. It is the
// entry point for dispatch workers and the re-drive sweep.
func (e *Engine) ProcessRecorded(ctx context.Context, eventID string) (Result, error) {
	return e.redeliver(ctx, eventID)
}

func (e *Engine) redeliver(ctx context.Context, eventID string) (Result, error) {
	entry, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return Result{EventID: eventID}, internalerrors.New(internalerrors.ErrorTypeStorage, "load_event", err).WithEvent(eventID)
	}
	if entry == nil {
		return Result{EventID: eventID}, internalerrors.New(internalerrors.ErrorTypeNotFound, "load_event", internalerrors.ErrNotFound).WithEvent(eventID)
	}
	if entry.Pending() {
		return e.drive(ctx, entry.Event)
	}

	submetrics.EventsTotal.WithLabelValues(string(entry.Event.Source), string(entry.Event.Type), string(DispositionDuplicate)).Inc()
	st, err := e.store.Get(ctx, entry.Event.UserID)
	if err != nil {
		return Result{EventID: eventID, Disposition: DispositionDuplicate}, internalerrors.Storage("load_state", err)
	}
	return Result{EventID: eventID, Disposition: DispositionDuplicate, State: st}, nil
}

// ProcessWebhook processes ev within the webhook budget. When the budget runs
// out after the event was ledgered, the event is handed to the dispatcher and
// reported as deferred so the sender is acknowledged in time.
func (e *Engine) ProcessWebhook(ctx context.Context, ev entitlements.Event) (Result, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	res, err := e.Process(budgetCtx, ev)
	if err == nil || budgetCtx.Err() == nil || e.dispatcher == nil || ctx.Err() != nil {
		return res, err
	}

	// The budget expired. Only hand off if the ledger has the event.
	lookupCtx, cancelLookup := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancelLookup()
	entry, lookupErr := e.store.GetEvent(lookupCtx, ev.ID)
	if lookupErr != nil || !entry.Pending() {
		return res, err
	}
	if dispatchErr := e.dispatcher.Dispatch(lookupCtx, ev.ID); dispatchErr != nil {
		log.Error().Err(dispatchErr).Str("event_id", ev.ID).Msg("Failed to hand off webhook event")
		return res, err
	}
	log.Info().Str("event_id", ev.ID).Str("user_id", ev.UserID).Msg("Webhook event deferred to dispatcher")
	return Result{EventID: ev.ID, Disposition: DispositionDeferred}, nil
}

// drive applies a ledgered, pending event with bounded optimistic retries.
func (e *Engine) drive(ctx context.Context, ev entitlements.Event) (Result, error) {
	logger := log.With().
		Str("event_id", ev.ID).
		Str("user_id", ev.UserID).
		Str("event_type", string(ev.Type)).
		Str("source", string(ev.Source)).
		Logger()

	if err := entitlements.Validate(ev); err != nil {
		e.settle(ctx, ev, store.OutcomeRejected, nil, err.Error())
		logger.Warn().Err(err).Msg("Rejected malformed event")
		return Result{EventID: ev.ID, Disposition: DispositionRejected}, internalerrors.Malformed("apply_event", ev.ID, err)
	}

	for attempt := 1; attempt <= MaxApplyAttempts; attempt++ {
		current, err := e.store.Get(ctx, ev.UserID)
		if err != nil {
			return Result{EventID: ev.ID}, internalerrors.Storage("load_state", err)
		}

		res, err := entitlements.Apply(current, ev)
		if err != nil {
			submetrics.ApplyErrorsTotal.Inc()
			logger.Error().Err(err).Int64("version", current.Version).Msg("State machine failed to apply event")
			e.settle(ctx, ev, store.OutcomeRejected, nil, err.Error())
			if errors.Is(err, entitlements.ErrMalformedEvent) {
				return Result{EventID: ev.ID, Disposition: DispositionRejected, State: current}, internalerrors.Malformed("apply_event", ev.ID, err)
			}
			return Result{EventID: ev.ID, Disposition: DispositionRejected, State: current}, internalerrors.New(internalerrors.ErrorTypeProgrammer, "apply_event", err).WithEvent(ev.ID)
		}

		if !res.Changed() {
			disposition := DispositionNoop
			outcome := store.OutcomeNoop
			if res.Outcome == entitlements.OutcomeStale {
				disposition, outcome = DispositionStale, store.OutcomeStale
			}
			version := current.Version
			if !e.settle(ctx, ev, outcome, &version, "") {
				return e.redeliver(ctx, ev.ID)
			}
			logger.Debug().Str("outcome", string(outcome)).Int64("version", version).Msg("Event left state unchanged")
			return Result{EventID: ev.ID, Disposition: disposition, State: current}, nil
		}

		var history *store.HistoryEntry
		if res.HasEffect(entitlements.EffectAppendHistory) {
			history = &store.HistoryEntry{
				UserID:     ev.UserID,
				EventID:    ev.ID,
				EventType:  ev.Type,
				Source:     ev.Source,
				FromTier:   current.Tier,
				ToTier:     res.Next.Tier,
				FromStatus: current.Status,
				ToStatus:   res.Next.Status,
				Version:    res.Next.Version,
			}
		}

		err = e.store.CommitTransition(ctx, ev.ID, current.Version, res.Next, history)
		switch {
		case err == nil:
			submetrics.EventsTotal.WithLabelValues(string(ev.Source), string(ev.Type), string(DispositionApplied)).Inc()
			logger.Info().
				Int64("version", res.Next.Version).
				Str("tier", string(res.Next.Tier)).
				Str("status", string(res.Next.Status)).
				Msg("Applied entitlement transition")
			e.runEffects(ctx, ev, res)
			return Result{EventID: ev.ID, Disposition: DispositionApplied, State: res.Next}, nil
		case errors.Is(err, store.ErrVersionConflict):
			submetrics.CASRetriesTotal.Inc()
			logger.Debug().Int("attempt", attempt).Int64("version", current.Version).Msg("Entitlement version moved, retrying")
			continue
		case errors.Is(err, store.ErrEventSettled):
			return e.redeliver(ctx, ev.ID)
		default:
			return Result{EventID: ev.ID}, internalerrors.Storage("commit_transition", err)
		}
	}

	reason := fmt.Sprintf("gave up after %d conflicting attempts", MaxApplyAttempts)
	if err := e.store.RecordFailure(ctx, ev.ID, reason); err != nil {
		logger.Warn().Err(err).Msg("Failed to record conflict on ledger entry")
	}
	logger.Warn().Msg("Entitlement update lost every optimistic retry")
	return Result{EventID: ev.ID}, internalerrors.New(internalerrors.ErrorTypeConflict, "apply_event", internalerrors.ErrConflict).WithEvent(ev.ID).WithUser(ev.UserID)
}

// settle records a terminal outcome that did not change state. It reports
// false when another worker settled the entry first.
func (e *Engine) settle(ctx context.Context, ev entitlements.Event, outcome store.Outcome, version *int64, reason string) bool {
	ok, err := e.store.Settle(ctx, ev.ID, outcome, version, reason)
	if err != nil {
		log.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to settle ledger entry")
		return true
	}
	if ok {
		submetrics.EventsTotal.WithLabelValues(string(ev.Source), string(ev.Type), string(outcome)).Inc()
	}
	return ok
}

// runEffects performs the post-commit side effects. They run detached from the
// caller's cancellation so a client hang-up cannot skip the invalidation.
func (e *Engine) runEffects(ctx context.Context, ev entitlements.Event, res entitlements.Result) {
	effectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	for _, effect := range res.Effects {
		switch effect.Kind {
		case entitlements.EffectInvalidateCache:
			if e.cache == nil {
				continue
			}
			if err := e.cache.Invalidate(effectCtx, effect.UserID, res.Next.Version); err != nil {
				log.Warn().Err(err).Str("user_id", effect.UserID).Msg("Cache invalidation failed; entry expires with TTL")
			}
		case entitlements.EffectNotifyUser:
			e.notify(effectCtx, ev, effect)
		}
	}
}

func (e *Engine) notify(ctx context.Context, ev entitlements.Event, effect entitlements.SideEffect) {
	if e.notifier == nil {
		return
	}
	kind := notify.KindExpired
	if effect.ToStatus == entitlements.StatusBillingIssue {
		kind = notify.KindBillingIssue
	}
	err := e.notifier.Notify(ctx, notify.Notification{
		UserID:   effect.UserID,
		Kind:     kind,
		Tier:     effect.ToTier,
		Status:   effect.ToStatus,
		FromTier: effect.FromTier,
		EventID:  ev.ID,
		At:       ev.FactTime(),
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", effect.UserID).Str("kind", string(kind)).Msg("User notification failed")
	}
}
