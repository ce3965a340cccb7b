package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/rcourtman/entitlement-sync/internal/errors"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/cache"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/notify"
	"github.com/rcourtman/entitlement-sync/internal/subscriptions/store"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func tp(t time.Time) *time.Time { return &t }

type fakeAuthority struct {
	mu    sync.Mutex
	snaps map[string]*entitlements.Snapshot
	err   error
	block bool
	calls int
}

func (f *fakeAuthority) set(subscriberID string, snap *entitlements.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[subscriberID] = snap
}

func (f *fakeAuthority) FetchSubscriber(ctx context.Context, subscriberID string) (*entitlements.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	block, err, snap := f.block, f.err, f.snaps[subscriberID]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("fetch %s: %w: %v", subscriberID, internalerrors.ErrAuthorityTransient, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("subscriber %s: %w", subscriberID, internalerrors.ErrNotFound)
	}
	cp := *snap
	return &cp, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.notes...)
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, eventID)
	return nil
}

type harness struct {
	eng   *Engine
	store *store.Store
	auth  *fakeAuthority
	cache *cache.Memory
	notes *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{
		store: s,
		auth:  &fakeAuthority{snaps: map[string]*entitlements.Snapshot{}},
		cache: cache.NewMemory(time.Minute),
		notes: &recordingNotifier{},
	}
	h.eng, err = New(Config{Store: s, Authority: h.auth, Cache: h.cache, Notifier: h.notes})
	require.NoError(t, err)
	h.eng.now = func() time.Time { return t0.Add(time.Hour) }
	return h
}

func (h *harness) state(t *testing.T, userID string) entitlements.State {
	t.Helper()
	st, err := h.store.Get(context.Background(), userID)
	require.NoError(t, err)
	return st
}

func purchase(id, userID, product string, at time.Time) entitlements.Event {
	return entitlements.Event{
		ID:          id,
		UserID:      userID,
		Type:        entitlements.EventInitialPurchase,
		Source:      entitlements.SourceWebhook,
		OccurredAt:  at,
		ProductID:   product,
		PurchasedAt: tp(at),
		ExpiresAt:   tp(at.Add(30 * day)),
	}
}

func lifecycle(id, userID string, typ entitlements.EventType, at time.Time) entitlements.Event {
	return entitlements.Event{
		ID:         id,
		UserID:     userID,
		Type:       typ,
		Source:     entitlements.SourceWebhook,
		OccurredAt: at,
	}
}

func syncEvent(id, userID string, snap *entitlements.Snapshot) entitlements.Event {
	return entitlements.Event{
		ID:         id,
		UserID:     userID,
		Type:       entitlements.EventSync,
		Source:     entitlements.SourceScheduler,
		OccurredAt: snap.FetchedAt,
		Snapshot:   snap,
	}
}

func paidSnapshot(subscriberID string, tier entitlements.Tier, expires, fetched time.Time) *entitlements.Snapshot {
	product := "pro_monthly"
	if tier == entitlements.TierAnnual {
		product = "pro_annual"
	}
	return &entitlements.Snapshot{
		SubscriberID:     subscriberID,
		Tier:             tier,
		Status:           entitlements.StatusActive,
		ProductID:        product,
		Entitlements:     []string{"premium"},
		ExpiresAt:        tp(expires),
		AutoRenew:        true,
		PurchasedAt:      tp(t0),
		FetchedAt:        fetched,
		HasAnySubscriber: true,
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Store: &store.Store{}})
	assert.Error(t, err)
}

func TestProcessAppliesAndInvalidatesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Prime the cache with the free state.
	before, err := h.eng.State(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.TierFree, before.Tier)
	_, cached, _ := h.cache.Get(ctx, "u1")
	require.True(t, cached)

	res, err := h.eng.Process(ctx, purchase("evt-1", "u1", "pro_monthly", t0))
	require.NoError(t, err)
	assert.Equal(t, DispositionApplied, res.Disposition)
	assert.Equal(t, int64(1), res.State.Version)

	_, cached, _ = h.cache.Get(ctx, "u1")
	assert.False(t, cached, "commit must invalidate the cached entry")

	after, err := h.eng.State(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.TierMonthly, after.Tier)
	assert.Equal(t, []string{"premium"}, after.Entitlements)

	history, err := h.eng.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, entitlements.TierFree, history[0].FromTier)
	assert.Equal(t, entitlements.TierMonthly, history[0].ToTier)
	assert.Equal(t, "evt-1", history[0].EventID)
}

func TestDuplicateEventReportsPriorOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := purchase("evt-1", "u1", "pro_monthly", t0)
	_, err := h.eng.Process(ctx, ev)
	require.NoError(t, err)

	res, err := h.eng.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, DispositionDuplicate, res.Disposition)
	assert.Equal(t, int64(1), res.State.Version)
	assert.Equal(t, int64(1), h.state(t, "u1").Version)
}

func TestDuplicatesDoNotChangeOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seq := func(user string) []entitlements.Event {
		return []entitlements.Event{
			purchase(user+"-p", user, "pro_annual", t0),
			lifecycle(user+"-c", user, entitlements.EventCancellation, t0.Add(day)),
			lifecycle(user+"-u", user, entitlements.EventUncancellation, t0.Add(2*day)),
			lifecycle(user+"-b", user, entitlements.EventBillingIssue, t0.Add(3*day)),
		}
	}

	clean := seq("clean")
	for _, ev := range clean {
		_, err := h.eng.Process(ctx, ev)
		require.NoError(t, err)
	}

	dup := seq("dup")
	interleaved := []entitlements.Event{dup[0], dup[0], dup[1], dup[0], dup[2], dup[1], dup[3], dup[2], dup[3]}
	for _, ev := range interleaved {
		_, err := h.eng.Process(ctx, ev)
		require.NoError(t, err)
	}

	want := h.state(t, "clean")
	got := h.state(t, "dup")
	want.UserID = got.UserID
	want.SubscriberID = got.SubscriberID
	assert.True(t, got.Equivalent(want), "got %+v want %+v", got, want)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, entitlements.StatusBillingIssue, got.Status)
}

func TestConcurrentEventsAdvanceVersionOncePerEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = MaxApplyAttempts
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := paidSnapshot("sub-u1", entitlements.TierMonthly, t0.Add(time.Duration(30+i)*day), t0.Add(time.Duration(i)*time.Minute))
			_, err := h.eng.Process(ctx, syncEvent(fmt.Sprintf("sync-%d", i), "u1", snap))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(n), h.state(t, "u1").Version)

	history, err := h.store.ListHistory(ctx, "u1", 10)
	require.NoError(t, err)
	// Only the first sync changes tier/status; every commit still has its own version.
	require.Len(t, history, 1)

	events, err := h.store.ListEvents(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, n)
	seen := map[int64]bool{}
	for _, e := range events {
		require.Equal(t, store.OutcomeApplied, e.Outcome)
		require.NotNil(t, e.AppliedVersion)
		assert.False(t, seen[*e.AppliedVersion], "version %d applied twice", *e.AppliedVersion)
		seen[*e.AppliedVersion] = true
	}
	for v := int64(1); v <= n; v++ {
		assert.True(t, seen[v], "version %d skipped", v)
	}
}

func TestSyncOverwritesWithAuthorityView(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Process(ctx, purchase("evt-1", "u1", "pro_monthly", t0))
	require.NoError(t, err)
	_, err = h.eng.Process(ctx, lifecycle("evt-2", "u1", entitlements.EventCancellation, t0.Add(day)))
	require.NoError(t, err)

	// The authority is behind our watermark but still wins.
	snap := paidSnapshot("sub-u1", entitlements.TierAnnual, t0.Add(365*day), t0.Add(time.Hour))
	res, err := h.eng.Process(ctx, syncEvent("sync-1", "u1", snap))
	require.NoError(t, err)
	require.Equal(t, DispositionApplied, res.Disposition)

	st := h.state(t, "u1")
	assert.Equal(t, entitlements.TierAnnual, st.Tier)
	assert.Equal(t, entitlements.StatusActive, st.Status)
	assert.True(t, st.ExpiresAt.Equal(t0.Add(365*day)))
	assert.True(t, st.AutoRenew)
	assert.Nil(t, st.CancelledAt)
	assert.Equal(t, "pro_annual", st.ProductID)
	assert.Equal(t, "sub-u1", st.SubscriberID)

	// Same snapshot again under a new id changes nothing.
	res, err = h.eng.Process(ctx, syncEvent("sync-2", "u1", snap))
	require.NoError(t, err)
	assert.Equal(t, DispositionNoop, res.Disposition)
	assert.Equal(t, st.Version, h.state(t, "u1").Version)
}

func TestExpirationDropsToFree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Process(ctx, purchase("evt-1", "u1", "pro_annual", t0))
	require.NoError(t, err)
	expires := *h.state(t, "u1").ExpiresAt

	res, err := h.eng.Process(ctx, lifecycle("evt-2", "u1", entitlements.EventExpiration, expires.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, DispositionApplied, res.Disposition)

	st := h.state(t, "u1")
	assert.Equal(t, entitlements.StatusExpired, st.Status)
	assert.Equal(t, entitlements.TierFree, st.Tier)
	assert.Empty(t, st.Entitlements)

	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.KindExpired, notes[0].Kind)
	assert.Equal(t, entitlements.TierAnnual, notes[0].FromTier)
}

func TestCancellationRetainsAccessUntilExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Process(ctx, purchase("evt-1", "u1", "pro_monthly", t0))
	require.NoError(t, err)
	_, err = h.eng.Process(ctx, lifecycle("evt-2", "u1", entitlements.EventCancellation, t0.Add(day)))
	require.NoError(t, err)

	st := h.state(t, "u1")
	assert.Equal(t, entitlements.StatusCancelled, st.Status)
	assert.False(t, st.AutoRenew)
	assert.Equal(t, []string{"premium"}, st.Entitlements)

	access, err := h.eng.CheckFeatureAccess(ctx, "u1", entitlements.FeatureAIInsights)
	require.NoError(t, err)
	assert.True(t, access.Allowed)

	_, err = h.eng.Process(ctx, lifecycle("evt-3", "u1", entitlements.EventExpiration, t0.Add(31*day)))
	require.NoError(t, err)

	access, err = h.eng.CheckFeatureAccess(ctx, "u1", entitlements.FeatureAIInsights)
	require.NoError(t, err)
	assert.False(t, access.Allowed)
	assert.Equal(t, entitlements.TierFree, access.CurrentTier)
	assert.Equal(t, entitlements.TierMonthly, access.RequiredTier)
	assert.Equal(t, FeatureLockedCode, access.Code)
}

func TestRepeatedPurchaseWithNewIDIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Process(ctx, purchase("evt-1", "u1", "pro_monthly", t0))
	require.NoError(t, err)

	res, err := h.eng.Process(ctx, purchase("evt-1-resent", "u1", "pro_monthly", t0))
	require.NoError(t, err)
	assert.Equal(t, DispositionStale, res.Disposition)
	assert.Equal(t, int64(1), h.state(t, "u1").Version)

	entry, err := h.store.GetEvent(ctx, "evt-1-resent")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.OutcomeStale, entry.Outcome)
	require.NotNil(t, entry.AppliedVersion)
	assert.Equal(t, int64(1), *entry.AppliedVersion)
}

func TestUnknownEventTypeIsLedgeredAsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.eng.Process(ctx, lifecycle("evt-x", "u1", entitlements.EventType("non_renewing_purchase"), t0))
	require.NoError(t, err)
	assert.Equal(t, DispositionNoop, res.Disposition)

	entry, err := h.store.GetEvent(ctx, "evt-x")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.OutcomeNoop, entry.Outcome)
	assert.Equal(t, int64(0), h.state(t, "u1").Version)
}

func TestMalformedEventIsLedgeredButRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ev := lifecycle("evt-bad", "u1", entitlements.EventSync, t0)
	res, err := h.eng.Process(ctx, ev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, internalerrors.ErrMalformedEvent))
	assert.Equal(t, internalerrors.ErrorTypeMalformed, internalerrors.Classify(err))
	assert.Equal(t, DispositionRejected, res.Disposition)

	entry, err := h.store.GetEvent(ctx, "evt-bad")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.OutcomeRejected, entry.Outcome)
	assert.NotEmpty(t, entry.Error)

	// Redelivery reports the settled outcome without reapplying.
	res, err = h.eng.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, DispositionDuplicate, res.Disposition)
}

func TestPendingEntryIsRedrivenOnRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A crash after ledgering leaves the entry pending.
	ev := purchase("evt-1", "u1", "pro_monthly", t0).Normalized()
	ev.ObservedAt = t0
	accepted, err := h.store.Record(ctx, ev)
	require.NoError(t, err)
	require.True(t, accepted)

	res, err := h.eng.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, DispositionApplied, res.Disposition)
	assert.Equal(t, entitlements.TierMonthly, h.state(t, "u1").Tier)

	res, err = h.eng.ProcessRecorded(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, DispositionDuplicate, res.Disposition)

	_, err = h.eng.ProcessRecorded(ctx, "missing")
	assert.True(t, errors.Is(err, internalerrors.ErrNotFound))
}

func TestBillingIssueNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Process(ctx, purchase("evt-1", "u1", "pro_monthly", t0))
	require.NoError(t, err)
	ev := lifecycle("evt-2", "u1", entitlements.EventBillingIssue, t0.Add(10*day))
	_, err = h.eng.Process(ctx, ev)
	require.NoError(t, err)
	_, err = h.eng.Process(ctx, ev)
	require.NoError(t, err)

	notes := h.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.KindBillingIssue, notes[0].Kind)
	assert.Equal(t, "evt-2", notes[0].EventID)

	st := h.state(t, "u1")
	assert.Equal(t, entitlements.StatusBillingIssue, st.Status)
	require.NotNil(t, st.BillingIssueAt)
	assert.True(t, st.BillingIssueAt.Equal(t0.Add(10*day)))
}

// slowStore stalls state reads so the webhook budget runs out after the
// event was ledgered.
type slowStore struct {
	*store.Store
	slow atomic.Bool
}

func (s *slowStore) Get(ctx context.Context, userID string) (entitlements.State, error) {
	if s.slow.Load() {
		<-ctx.Done()
		return entitlements.State{}, ctx.Err()
	}
	return s.Store.Get(ctx, userID)
}

func TestProcessWebhookDefersWhenBudgetExpires(t *testing.T) {
	s, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	slow := &slowStore{Store: s}
	slow.slow.Store(true)
	dispatcher := &recordingDispatcher{}
	eng, err := New(Config{
		Store:         slow,
		Authority:     &fakeAuthority{snaps: map[string]*entitlements.Snapshot{}},
		Dispatcher:    dispatcher,
		WebhookBudget: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	res, err := eng.ProcessWebhook(ctx, purchase("evt-1", "u1", "pro_monthly", t0))
	require.NoError(t, err)
	assert.Equal(t, DispositionDeferred, res.Disposition)
	assert.Equal(t, []string{"evt-1"}, dispatcher.ids)

	entry, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, entry.Pending())

	slow.slow.Store(false)
	res, err = eng.ProcessRecorded(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, DispositionApplied, res.Disposition)
}

func TestProcessWebhookWithoutDispatcherSurfacesError(t *testing.T) {
	s, err := store.OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	slow := &slowStore{Store: s}
	slow.slow.Store(true)
	eng, err := New(Config{
		Store:         slow,
		Authority:     &fakeAuthority{snaps: map[string]*entitlements.Snapshot{}},
		WebhookBudget: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = eng.ProcessWebhook(context.Background(), purchase("evt-1", "u1", "pro_monthly", t0))
	require.Error(t, err)
	assert.True(t, internalerrors.IsRetryableError(err))
}
