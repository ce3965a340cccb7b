package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

const stateColumns = `user_id, tier, status, expires_at, auto_renew, cancelled_at,
	entitlements, subscriber_id, product_id, latest_purchase_at, billing_issue_at,
	last_synced_at, version`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Get returns the stored state for userID, or the implicit free state at
// version 0 when the user has never been written.
func (s *Store) Get(ctx context.Context, userID string) (entitlements.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM entitlements WHERE user_id = ?`, userID)
	st, err := scanState(row)
	if err != nil {
		return entitlements.State{}, err
	}
	if st == nil {
		return entitlements.NewFreeState(userID), nil
	}
	return *st, nil
}

// CompareAndSwap writes next only if the stored version equals
// expectedVersion. It reports false, without error, when another writer won.
func (s *Store) CompareAndSwap(ctx context.Context, userID string, expectedVersion int64, next entitlements.State) (bool, error) {
	return s.compareAndSwap(ctx, s.db, userID, expectedVersion, next)
}

func (s *Store) compareAndSwap(ctx context.Context, db execer, userID string, expectedVersion int64, next entitlements.State) (bool, error) {
	if next.UserID != userID {
		return false, fmt.Errorf("compare and swap: state for %q written under %q", next.UserID, userID)
	}
	if next.Version != expectedVersion+1 {
		return false, fmt.Errorf("compare and swap: next version %d does not follow %d", next.Version, expectedVersion)
	}

	ents, err := json.Marshal(entitlements.NormalizeEntitlements(next.Entitlements))
	if err != nil {
		return false, fmt.Errorf("encode entitlements: %w", err)
	}
	now := s.now().UTC().UnixMilli()

	var res sql.Result
	if expectedVersion == 0 {
		res, err = db.ExecContext(ctx, s.dialect.insertIgnore+` INTO entitlements (`+stateColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			next.UserID, string(next.Tier), string(next.Status), nullableMillis(next.ExpiresAt),
			boolToInt(next.AutoRenew), nullableMillis(next.CancelledAt), string(ents),
			next.SubscriberID, next.ProductID, nullableMillis(next.LatestPurchaseAt),
			nullableMillis(next.BillingIssueAt), toMillis(next.LastSyncedAt), next.Version, now,
		)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE entitlements SET
				tier = ?, status = ?, expires_at = ?, auto_renew = ?, cancelled_at = ?,
				entitlements = ?, subscriber_id = ?, product_id = ?, latest_purchase_at = ?,
				billing_issue_at = ?, last_synced_at = ?, version = ?, updated_at = ?
			WHERE user_id = ? AND version = ?`,
			string(next.Tier), string(next.Status), nullableMillis(next.ExpiresAt),
			boolToInt(next.AutoRenew), nullableMillis(next.CancelledAt), string(ents),
			next.SubscriberID, next.ProductID, nullableMillis(next.LatestPurchaseAt),
			nullableMillis(next.BillingIssueAt), toMillis(next.LastSyncedAt), next.Version, now,
			userID, expectedVersion,
		)
	}
	if err != nil {
		return false, fmt.Errorf("compare and swap entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("compare and swap entitlement: %w", err)
	}
	return affected == 1, nil
}

// FindBySubscriberID resolves a billing authority subscriber id to a user id.
// It returns "" when no user carries the id.
func (s *Store) FindBySubscriberID(ctx context.Context, subscriberID string) (string, error) {
	if subscriberID == "" {
		return "", nil
	}
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM entitlements WHERE subscriber_id = ? LIMIT 1`, subscriberID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find by subscriber id: %w", err)
	}
	return userID, nil
}

// ListExpired returns paid states whose expiry is before now and that have
// not yet been moved to expired.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]entitlements.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM entitlements
		WHERE status IN (?, ?, ?) AND tier <> ? AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at ASC LIMIT ?`,
		string(entitlements.StatusActive), string(entitlements.StatusTrial), string(entitlements.StatusCancelled),
		string(entitlements.TierFree), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired entitlements: %w", err)
	}
	defer rows.Close()
	return scanStates(rows)
}

// ListGraceElapsed returns billing-issue states whose grace window started
// before cutoff.
func (s *Store) ListGraceElapsed(ctx context.Context, cutoff time.Time, limit int) ([]entitlements.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM entitlements
		WHERE status = ? AND billing_issue_at IS NOT NULL AND billing_issue_at < ?
		ORDER BY billing_issue_at ASC LIMIT ?`,
		string(entitlements.StatusBillingIssue), cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list grace elapsed entitlements: %w", err)
	}
	defer rows.Close()
	return scanStates(rows)
}

// ListSyncCandidates pages, in user id order, through every user the billing
// authority may know about.
func (s *Store) ListSyncCandidates(ctx context.Context, afterUserID string, limit int) ([]entitlements.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM entitlements
		WHERE user_id > ? AND (subscriber_id <> '' OR tier <> ?)
		ORDER BY user_id ASC LIMIT ?`,
		afterUserID, string(entitlements.TierFree), limit)
	if err != nil {
		return nil, fmt.Errorf("list sync candidates: %w", err)
	}
	defer rows.Close()
	return scanStates(rows)
}

// CountByStatus returns the number of stored users per tier and status.
func (s *Store) CountByStatus(ctx context.Context) (map[entitlements.Tier]map[entitlements.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tier, status, COUNT(*) FROM entitlements GROUP BY tier, status`)
	if err != nil {
		return nil, fmt.Errorf("count entitlements by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[entitlements.Tier]map[entitlements.Status]int)
	for rows.Next() {
		var tier, status string
		var n int
		if err := rows.Scan(&tier, &status, &n); err != nil {
			return nil, fmt.Errorf("scan entitlement count: %w", err)
		}
		byStatus, ok := counts[entitlements.Tier(tier)]
		if !ok {
			byStatus = make(map[entitlements.Status]int)
			counts[entitlements.Tier(tier)] = byStatus
		}
		byStatus[entitlements.Status(status)] = n
	}
	return counts, rows.Err()
}

func scanState(s scanner) (*entitlements.State, error) {
	var st entitlements.State
	var tier, status, ents string
	var expiresAt, cancelledAt, latestPurchaseAt, billingIssueAt sql.NullInt64
	var autoRenew int
	var lastSyncedAt int64

	err := s.Scan(
		&st.UserID, &tier, &status, &expiresAt, &autoRenew, &cancelledAt,
		&ents, &st.SubscriberID, &st.ProductID, &latestPurchaseAt, &billingIssueAt,
		&lastSyncedAt, &st.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	st.Tier = entitlements.Tier(tier)
	st.Status = entitlements.Status(status)
	st.ExpiresAt = millisPtr(expiresAt)
	st.AutoRenew = autoRenew != 0
	st.CancelledAt = millisPtr(cancelledAt)
	st.LatestPurchaseAt = millisPtr(latestPurchaseAt)
	st.BillingIssueAt = millisPtr(billingIssueAt)
	st.LastSyncedAt = fromMillis(lastSyncedAt)
	if err := json.Unmarshal([]byte(ents), &st.Entitlements); err != nil {
		return nil, fmt.Errorf("decode entitlements for %s: %w", st.UserID, err)
	}
	if st.Entitlements == nil {
		st.Entitlements = []string{}
	}
	return &st, nil
}

func scanStates(rows *sql.Rows) ([]entitlements.State, error) {
	var states []entitlements.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}
