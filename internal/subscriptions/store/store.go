// Package store persists entitlement state, the event ledger and the
// transition history in one SQL database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

var (
	// ErrVersionConflict is returned when the stored version no longer
	// matches the version the caller read.
	ErrVersionConflict = errors.New("entitlement version conflict")
	// ErrEventSettled is returned when a ledger entry was already settled by
	// another worker.
	ErrEventSettled = errors.New("ledger entry already settled")
)

// Config selects the database backend.
type Config struct {
	Driver  string // "sqlite" (default) or "mysql"
	DSN     string // required for mysql
	DataDir string // sqlite directory
}

type dialect struct {
	name         string
	insertIgnore string
	schema       []string
}

var sqliteDialect = dialect{
	name:         "sqlite",
	insertIgnore: "INSERT OR IGNORE",
	schema: []string{`
	CREATE TABLE IF NOT EXISTS entitlements (
		user_id            TEXT PRIMARY KEY,
		tier               TEXT NOT NULL DEFAULT 'free',
		status             TEXT NOT NULL DEFAULT 'active',
		expires_at         INTEGER,
		auto_renew         INTEGER NOT NULL DEFAULT 0,
		cancelled_at       INTEGER,
		entitlements       TEXT NOT NULL DEFAULT '[]',
		subscriber_id      TEXT NOT NULL DEFAULT '',
		product_id         TEXT NOT NULL DEFAULT '',
		latest_purchase_at INTEGER,
		billing_issue_at   INTEGER,
		last_synced_at     INTEGER NOT NULL DEFAULT 0,
		version            INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlements_status_expires ON entitlements(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlements_billing_issue ON entitlements(status, billing_issue_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlements_subscriber ON entitlements(subscriber_id)`,
		`
	CREATE TABLE IF NOT EXISTS event_ledger (
		event_id        TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		source          TEXT NOT NULL,
		observed_at     INTEGER NOT NULL,
		occurred_at     INTEGER NOT NULL,
		event           TEXT NOT NULL,
		payload         BLOB,
		outcome         TEXT NOT NULL DEFAULT 'pending',
		applied_version INTEGER,
		error           TEXT NOT NULL DEFAULT '',
		recorded_at     INTEGER NOT NULL,
		settled_at      INTEGER
	)`,
		`CREATE INDEX IF NOT EXISTS idx_event_ledger_user ON event_ledger(user_id, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_event_ledger_outcome ON event_ledger(outcome, recorded_at)`,
		`
	CREATE TABLE IF NOT EXISTS entitlement_history (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		event_id    TEXT NOT NULL,
		event_type  TEXT NOT NULL,
		source      TEXT NOT NULL,
		from_tier   TEXT NOT NULL,
		to_tier     TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		version     INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlement_history_user ON entitlement_history(user_id, created_at)`,
	},
}

var mysqlDialect = dialect{
	name:         "mysql",
	insertIgnore: "INSERT IGNORE",
	schema: []string{`
	CREATE TABLE IF NOT EXISTS entitlements (
		user_id            VARCHAR(191) NOT NULL PRIMARY KEY,
		tier               VARCHAR(32) NOT NULL DEFAULT 'free',
		status             VARCHAR(32) NOT NULL DEFAULT 'active',
		expires_at         BIGINT NULL,
		auto_renew         TINYINT NOT NULL DEFAULT 0,
		cancelled_at       BIGINT NULL,
		entitlements       TEXT NOT NULL,
		subscriber_id      VARCHAR(191) NOT NULL DEFAULT '',
		product_id         VARCHAR(191) NOT NULL DEFAULT '',
		latest_purchase_at BIGINT NULL,
		billing_issue_at   BIGINT NULL,
		last_synced_at     BIGINT NOT NULL DEFAULT 0,
		version            BIGINT NOT NULL,
		updated_at         BIGINT NOT NULL,
		INDEX idx_entitlements_status_expires (status, expires_at),
		INDEX idx_entitlements_billing_issue (status, billing_issue_at),
		INDEX idx_entitlements_subscriber (subscriber_id)
	)`, `
	CREATE TABLE IF NOT EXISTS event_ledger (
		event_id        VARCHAR(191) NOT NULL PRIMARY KEY,
		user_id         VARCHAR(191) NOT NULL,
		event_type      VARCHAR(64) NOT NULL,
		source          VARCHAR(32) NOT NULL,
		observed_at     BIGINT NOT NULL,
		occurred_at     BIGINT NOT NULL,
		event           MEDIUMTEXT NOT NULL,
		payload         MEDIUMBLOB NULL,
		outcome         VARCHAR(32) NOT NULL DEFAULT 'pending',
		applied_version BIGINT NULL,
		error           TEXT NOT NULL,
		recorded_at     BIGINT NOT NULL,
		settled_at      BIGINT NULL,
		INDEX idx_event_ledger_user (user_id, recorded_at),
		INDEX idx_event_ledger_outcome (outcome, recorded_at)
	)`, `
	CREATE TABLE IF NOT EXISTS entitlement_history (
		id          VARCHAR(32) NOT NULL PRIMARY KEY,
		user_id     VARCHAR(191) NOT NULL,
		event_id    VARCHAR(191) NOT NULL,
		event_type  VARCHAR(64) NOT NULL,
		source      VARCHAR(32) NOT NULL,
		from_tier   VARCHAR(32) NOT NULL,
		to_tier     VARCHAR(32) NOT NULL,
		from_status VARCHAR(32) NOT NULL,
		to_status   VARCHAR(32) NOT NULL,
		version     BIGINT NOT NULL,
		created_at  BIGINT NOT NULL,
		INDEX idx_entitlement_history_user (user_id, created_at)
	)`,
	},
}

// Store is the SQL-backed entitlement store, event ledger and history.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Open connects to the configured backend and ensures the schema exists.
func Open(cfg Config) (*Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		return OpenSQLite(cfg.DataDir)
	case "mysql":
		return OpenMySQL(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// OpenSQLite opens (or creates) the entitlement database in dir.
func OpenSQLite(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newStore(db, sqliteDialect)
}

// OpenMySQL connects to a MySQL database using a go-sql-driver DSN.
func OpenMySQL(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("mysql store requires a DSN")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newStore(db, mysqlDialect)
}

func newStore(db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, dialect: d, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init %s entitlement schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

// Times are stored as unix milliseconds; RevenueCat reports the same precision.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.UnixMilli(v.Int64).UTC()
	return &ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
