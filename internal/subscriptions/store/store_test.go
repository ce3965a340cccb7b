package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

func monthlyState(userID string, version int64) entitlements.State {
	st := entitlements.NewFreeState(userID)
	st.Tier = entitlements.TierMonthly
	st.Status = entitlements.StatusActive
	st.ExpiresAt = tp(base.Add(30 * 24 * time.Hour))
	st.AutoRenew = true
	st.Entitlements = []string{"premium"}
	st.SubscriberID = "rc_" + userID
	st.ProductID = "app_monthly"
	st.LatestPurchaseAt = tp(base)
	st.LastSyncedAt = base
	st.Version = version
	return st
}

func testEvent(id, userID string, typ entitlements.EventType) entitlements.Event {
	return entitlements.Event{
		ID:         id,
		UserID:     userID,
		Type:       typ,
		Source:     entitlements.SourceWebhook,
		ObservedAt: base,
		OccurredAt: base,
		ProductID:  "app_monthly",
		Payload:    []byte(`{"event":{}}`),
	}
}

func TestGetUnknownUserReturnsFreeState(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, entitlements.NewFreeState("nobody"), st)
	assert.Equal(t, int64(0), st.Version)
}

func TestCompareAndSwapRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := monthlyState("u1", 1)
	ok, err := s.CompareAndSwap(ctx, "u1", 0, first)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.Equivalent(first))
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.LastSyncedAt.Equal(base))

	// A second insert at version 0 loses.
	ok, err = s.CompareAndSwap(ctx, "u1", 0, monthlyState("u1", 1))
	require.NoError(t, err)
	assert.False(t, ok)

	second := got.Clone()
	second.Status = entitlements.StatusCancelled
	second.AutoRenew = false
	second.CancelledAt = tp(base.Add(time.Hour))
	second.Version = 2

	ok, err = s.CompareAndSwap(ctx, "u1", 1, second)
	require.NoError(t, err)
	require.True(t, ok)

	// Stale expected version loses.
	stale := second.Clone()
	stale.Version = 2
	ok, err = s.CompareAndSwap(ctx, "u1", 1, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlements.StatusCancelled, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestCompareAndSwapRejectsVersionGap(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CompareAndSwap(context.Background(), "u1", 0, monthlyState("u1", 5))
	assert.Error(t, err)
}

func TestCompareAndSwapConcurrentWritersOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwap(ctx, "u1", 0, monthlyState("u1", 1))
			if err != nil {
				t.Errorf("CompareAndSwap: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRecordIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ev := testEvent("evt-1", "u1", entitlements.EventInitialPurchase)

	accepted, err := s.Record(ctx, ev)
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = s.Record(ctx, ev)
	require.NoError(t, err)
	assert.False(t, accepted)

	entry, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Pending())
	assert.Equal(t, entitlements.EventInitialPurchase, entry.Event.Type)
	assert.Equal(t, "app_monthly", entry.Event.ProductID)
	assert.Equal(t, []byte(`{"event":{}}`), entry.Payload)
	assert.Nil(t, entry.AppliedVersion)

	missing, err := s.GetEvent(ctx, "evt-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCommitTransitionSettlesLedgerAndState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := testEvent("evt-1", "u1", entitlements.EventInitialPurchase)
	_, err := s.Record(ctx, ev)
	require.NoError(t, err)

	next := monthlyState("u1", 1)
	history := &HistoryEntry{
		UserID: "u1", EventID: ev.ID, EventType: ev.Type, Source: ev.Source,
		FromTier: entitlements.TierFree, ToTier: entitlements.TierMonthly,
		FromStatus: entitlements.StatusActive, ToStatus: entitlements.StatusActive,
		Version: 1,
	}
	require.NoError(t, s.CommitTransition(ctx, ev.ID, 0, next, history))

	entry, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, entry.Outcome)
	require.NotNil(t, entry.AppliedVersion)
	assert.Equal(t, int64(1), *entry.AppliedVersion)
	assert.NotNil(t, entry.SettledAt)

	hist, err := s.ListHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, entitlements.TierMonthly, hist[0].ToTier)
	assert.NotEmpty(t, hist[0].ID)

	// Re-committing the same event is refused and leaves state untouched.
	again := next.Clone()
	again.Version = 2
	err = s.CommitTransition(ctx, ev.ID, 1, again, nil)
	assert.True(t, errors.Is(err, ErrEventSettled))

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestCommitTransitionConflictRollsBackLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.CompareAndSwap(ctx, "u1", 0, monthlyState("u1", 1))
	require.NoError(t, err)
	require.True(t, ok)

	ev := testEvent("evt-2", "u1", entitlements.EventRenewal)
	_, err = s.Record(ctx, ev)
	require.NoError(t, err)

	err = s.CommitTransition(ctx, ev.ID, 0, monthlyState("u1", 1), nil)
	require.True(t, errors.Is(err, ErrVersionConflict))

	entry, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, entry.Pending(), "ledger settle must roll back with the failed swap")
}

func TestSettleOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Record(ctx, testEvent("evt-3", "u1", entitlements.EventCancellation))
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(ctx, "evt-3", "authority unavailable"))

	v := int64(0)
	ok, err := s.Settle(ctx, "evt-3", OutcomeNoop, &v, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Settle(ctx, "evt-3", OutcomeStale, &v, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Settle(ctx, "evt-3", OutcomeApplied, &v, "")
	assert.Error(t, err)

	entry, err := s.GetEvent(ctx, "evt-3")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, entry.Outcome)
	assert.Empty(t, entry.Error)
}

func TestLastConfirmedCountsSettledSyncsOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := int64(0)

	at, err := s.LastConfirmed(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, at)

	record := func(id string, typ entitlements.EventType, occurred time.Time, outcome Outcome) {
		t.Helper()
		ev := testEvent(id, "u1", typ)
		ev.OccurredAt = occurred
		_, err := s.Record(ctx, ev)
		require.NoError(t, err)
		if outcome != "" {
			_, err = s.Settle(ctx, id, outcome, &v, "")
			require.NoError(t, err)
		}
	}
	record("sync-1", entitlements.EventSync, base, OutcomeNoop)
	record("sync-2", entitlements.EventSync, base.Add(time.Hour), "")
	record("sync-3", entitlements.EventSync, base.Add(2*time.Hour), OutcomeRejected)
	record("evt-4", entitlements.EventRenewal, base.Add(3*time.Hour), OutcomeNoop)

	at, err = s.LastConfirmed(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.True(t, base.Equal(*at), "got %v", at)

	other, err := s.LastConfirmed(ctx, "u2")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestListPendingAndEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	clock := base
	s.now = func() time.Time { return clock }

	for i, id := range []string{"a", "b", "c"} {
		clock = base.Add(time.Duration(i) * time.Minute)
		_, err := s.Record(ctx, testEvent(id, "u1", entitlements.EventRenewal))
		require.NoError(t, err)
	}
	_, err := s.Settle(ctx, "b", OutcomeRejected, nil, "malformed")
	require.NoError(t, err)

	pending, err := s.ListPending(ctx, base.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Event.ID)
	assert.Equal(t, "c", pending[1].Event.ID)

	pending, err = s.ListPending(ctx, base.Add(30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	events, err := s.ListEvents(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "c", events[0].Event.ID)
	assert.Equal(t, OutcomeRejected, events[1].Outcome)
	assert.Equal(t, "malformed", events[1].Error)
}

func TestSweepQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := monthlyState("expired", 1)
	expired.ExpiresAt = tp(base.Add(-time.Hour))

	cancelled := monthlyState("cancelled", 1)
	cancelled.Status = entitlements.StatusCancelled
	cancelled.AutoRenew = false
	cancelled.CancelledAt = tp(base.Add(-48 * time.Hour))
	cancelled.ExpiresAt = tp(base.Add(-time.Minute))

	current := monthlyState("current", 1)

	grace := monthlyState("grace", 1)
	grace.Status = entitlements.StatusBillingIssue
	grace.BillingIssueAt = tp(base.Add(-96 * time.Hour))

	fresh := monthlyState("fresh-grace", 1)
	fresh.Status = entitlements.StatusBillingIssue
	fresh.BillingIssueAt = tp(base.Add(-time.Hour))

	for _, st := range []entitlements.State{expired, cancelled, current, grace, fresh} {
		ok, err := s.CompareAndSwap(ctx, st.UserID, 0, st)
		require.NoError(t, err)
		require.True(t, ok)
	}

	rows, err := s.ListExpired(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "expired", rows[0].UserID)
	assert.Equal(t, "cancelled", rows[1].UserID)

	rows, err = s.ListGraceElapsed(ctx, base.Add(-72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "grace", rows[0].UserID)

	page, err := s.ListSyncCandidates(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "cancelled", page[0].UserID)
	assert.Equal(t, "current", page[1].UserID)

	page, err = s.ListSyncCandidates(ctx, page[1].UserID, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)

	userID, err := s.FindBySubscriberID(ctx, "rc_grace")
	require.NoError(t, err)
	assert.Equal(t, "grace", userID)

	userID, err = s.FindBySubscriberID(ctx, "rc_unknown")
	require.NoError(t, err)
	assert.Empty(t, userID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[entitlements.TierMonthly][entitlements.StatusActive])
	assert.Equal(t, 2, counts[entitlements.TierMonthly][entitlements.StatusBillingIssue])
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"})
	assert.Error(t, err)

	_, err = Open(Config{Driver: "mysql"})
	assert.Error(t, err)
}
