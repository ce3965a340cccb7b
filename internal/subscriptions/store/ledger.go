package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

// Outcome is the settlement state of a ledger entry.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApplied  Outcome = "applied"
	OutcomeNoop     Outcome = "noop"
	OutcomeStale    Outcome = "stale"
	OutcomeRejected Outcome = "rejected"
)

// LedgerEntry is one recorded event and what became of it.
type LedgerEntry struct {
	Event          entitlements.Event `json:"event"`
	Payload        []byte             `json:"-"`
	Outcome        Outcome            `json:"outcome"`
	AppliedVersion *int64             `json:"applied_version,omitempty"`
	Error          string             `json:"error,omitempty"`
	RecordedAt     time.Time          `json:"recorded_at"`
	SettledAt      *time.Time         `json:"settled_at,omitempty"`
}

// Pending reports whether the entry still has to be applied.
func (e *LedgerEntry) Pending() bool {
	return e != nil && e.Outcome == OutcomePending
}

// HistoryEntry is an audit record of a tier or status change.
type HistoryEntry struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	EventID    string                 `json:"event_id"`
	EventType  entitlements.EventType `json:"event_type"`
	Source     entitlements.Source    `json:"source"`
	FromTier   entitlements.Tier      `json:"from_tier"`
	ToTier     entitlements.Tier      `json:"to_tier"`
	FromStatus entitlements.Status    `json:"from_status"`
	ToStatus   entitlements.Status    `json:"to_status"`
	Version    int64                  `json:"version"`
	CreatedAt  time.Time              `json:"created_at"`
}

const ledgerColumns = `event, payload, outcome, applied_version, error, recorded_at, settled_at`

// Record appends ev to the ledger unless its id was seen before. It reports
// true when the entry was newly accepted.
func (s *Store) Record(ctx context.Context, ev entitlements.Event) (bool, error) {
	if ev.ID == "" {
		return false, fmt.Errorf("record event: missing event id")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	res, err := s.db.ExecContext(ctx, s.dialect.insertIgnore+` INTO event_ledger (
			event_id, user_id, event_type, source, observed_at, occurred_at,
			event, payload, outcome, error, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		ev.ID, ev.UserID, string(ev.Type), string(ev.Source),
		toMillis(ev.ObservedAt), toMillis(ev.FactTime()),
		string(body), ev.Payload, string(OutcomePending), s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	return affected == 1, nil
}

// GetEvent returns the ledger entry for eventID, or nil when absent.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM event_ledger WHERE event_id = ?`, eventID)
	return scanLedgerEntry(row)
}

// Settle marks a pending entry as noop, stale or rejected without touching
// entitlement state. It reports false when the entry was no longer pending.
func (s *Store) Settle(ctx context.Context, eventID string, outcome Outcome, version *int64, reason string) (bool, error) {
	if outcome == OutcomePending || outcome == OutcomeApplied {
		return false, fmt.Errorf("settle event %s: outcome %q requires a state commit", eventID, outcome)
	}
	var applied any
	if version != nil {
		applied = *version
	}
	res, err := s.db.ExecContext(ctx, `UPDATE event_ledger
		SET outcome = ?, applied_version = ?, error = ?, settled_at = ?
		WHERE event_id = ? AND outcome = ?`,
		string(outcome), applied, reason, s.now().UTC().UnixMilli(), eventID, string(OutcomePending))
	if err != nil {
		return false, fmt.Errorf("settle event %s: %w", eventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settle event %s: %w", eventID, err)
	}
	return affected == 1, nil
}

// RecordFailure stores the last processing error on a pending entry so the
// audit view shows why it is still pending.
func (s *Store) RecordFailure(ctx context.Context, eventID, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE event_ledger SET error = ? WHERE event_id = ? AND outcome = ?`,
		reason, eventID, string(OutcomePending))
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", eventID, err)
	}
	return nil
}

// CommitTransition atomically settles the ledger entry as applied, swaps the
// state and appends the history record (when non-nil).
//
// ErrEventSettled means another worker already settled the entry;
// ErrVersionConflict means the state moved since it was read.
func (s *Store) CommitTransition(ctx context.Context, eventID string, expectedVersion int64, next entitlements.State, history *HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE event_ledger
		SET outcome = ?, applied_version = ?, error = '', settled_at = ?
		WHERE event_id = ? AND outcome = ?`,
		string(OutcomeApplied), next.Version, now.UnixMilli(), eventID, string(OutcomePending))
	if err != nil {
		return fmt.Errorf("settle event %s: %w", eventID, err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("settle event %s: %w", eventID, err)
	} else if affected == 0 {
		return ErrEventSettled
	}

	swapped, err := s.compareAndSwap(ctx, tx, next.UserID, expectedVersion, next)
	if err != nil {
		return err
	}
	if !swapped {
		return ErrVersionConflict
	}

	if history != nil {
		if history.ID == "" {
			history.ID = ulid.Make().String()
		}
		if history.CreatedAt.IsZero() {
			history.CreatedAt = now
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO entitlement_history (
				id, user_id, event_id, event_type, source,
				from_tier, to_tier, from_status, to_status, version, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			history.ID, history.UserID, history.EventID, string(history.EventType), string(history.Source),
			string(history.FromTier), string(history.ToTier), string(history.FromStatus), string(history.ToStatus),
			history.Version, history.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("append history for %s: %w", history.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition %s: %w", eventID, err)
	}
	return nil
}

// ListPending returns pending entries recorded before olderThan, oldest first.
func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM event_ledger
		WHERE outcome = ? AND recorded_at < ?
		ORDER BY recorded_at ASC LIMIT ?`,
		string(OutcomePending), olderThan.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

// ListEvents returns a user's ledger entries, newest first.
func (s *Store) ListEvents(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM event_ledger
		WHERE user_id = ? ORDER BY recorded_at DESC, event_id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

// LastConfirmed returns the newest authority fact time among the user's
// settled sync events, including those that changed nothing. It returns nil
// when the authority has never been consulted for the user.
func (s *Store) LastConfirmed(ctx context.Context, userID string) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(occurred_at) FROM event_ledger
		WHERE user_id = ? AND event_type = ? AND outcome IN (?, ?)`,
		userID, string(entitlements.EventSync), string(OutcomeApplied), string(OutcomeNoop)).Scan(&ms)
	if err != nil {
		return nil, fmt.Errorf("last confirmed sync: %w", err)
	}
	if !ms.Valid || ms.Int64 == 0 {
		return nil, nil
	}
	t := fromMillis(ms.Int64)
	return &t, nil
}

// ListHistory returns a user's tier and status changes, newest first.
func (s *Store) ListHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, user_id, event_id, event_type, source,
		from_tier, to_tier, from_status, to_status, version, created_at
		FROM entitlement_history WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var eventType, source, fromTier, toTier, fromStatus, toStatus string
		var createdAt int64
		if err := rows.Scan(&h.ID, &h.UserID, &h.EventID, &eventType, &source,
			&fromTier, &toTier, &fromStatus, &toStatus, &h.Version, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.EventType = entitlements.EventType(eventType)
		h.Source = entitlements.Source(source)
		h.FromTier = entitlements.Tier(fromTier)
		h.ToTier = entitlements.Tier(toTier)
		h.FromStatus = entitlements.Status(fromStatus)
		h.ToStatus = entitlements.Status(toStatus)
		h.CreatedAt = fromMillis(createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanLedgerEntry(s scanner) (*LedgerEntry, error) {
	var e LedgerEntry
	var body, outcome string
	var payload []byte
	var appliedVersion, settledAt sql.NullInt64
	var recordedAt int64

	err := s.Scan(&body, &payload, &outcome, &appliedVersion, &e.Error, &recordedAt, &settledAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &e.Event); err != nil {
		return nil, fmt.Errorf("decode ledger event: %w", err)
	}
	e.Payload = payload
	e.Event.Payload = payload
	e.Outcome = Outcome(outcome)
	if appliedVersion.Valid {
		v := appliedVersion.Int64
		e.AppliedVersion = &v
	}
	e.RecordedAt = fromMillis(recordedAt)
	e.SettledAt = millisPtr(settledAt)
	return &e, nil
}

func scanLedgerEntries(rows *sql.Rows) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
