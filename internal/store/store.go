// Package store persists plan revisions and the execution audit trail in a
// SQL database. PostgreSQL, SQLite and libSQL are supported; the driver is
// chosen from the connection string.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrPlanNotFound is returned when no saved revision matches.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrVersionExists is returned when saving a revision whose version is not
	// greater than the latest saved one.
	ErrVersionExists = errors.New("plan version already exists")
)

// Store is a plan registry and audit log backed by database/sql.
type Store struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

// DetectDriver returns the database/sql driver name and the connection string
// to hand to it.
func DetectDriver(dsn string) (driver, conn string, err error) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres", dsn, nil
	case strings.HasPrefix(lower, "libsql://"):
		return "libsql", dsn, nil
	case strings.HasPrefix(lower, "sqlite://"):
		return "sqlite", dsn[len("sqlite://"):], nil
	case lower == ":memory:",
		strings.HasPrefix(lower, "file:"),
		strings.HasSuffix(lower, ".db"),
		strings.HasSuffix(lower, ".sqlite"),
		strings.HasSuffix(lower, ".sqlite3"):
		return "sqlite", dsn, nil
	}
	return "", "", fmt.Errorf("unrecognized store connection string %q (expected postgres://, libsql://, sqlite:// or a .db file)", redact(dsn))
}

// redact hides anything that looks like credentials in a connection string.
func redact(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

// Open connects to dsn and creates the store tables if needed.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	driver, conn, err := DetectDriver(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer at a time; also keeps :memory: on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s store: %w", driver, err)
	}

	s := New(db, driver, log)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. driver selects the placeholder style.
func New(db *sql.DB, driver string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, driver: driver, log: log.Named("store")}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS plans (
	plan_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	pattern TEXT NOT NULL,
	owner TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	document TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (plan_id, version)
)`,
	`CREATE TABLE IF NOT EXISTS execution_audit (
	execution_id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL,
	plan_version INTEGER NOT NULL,
	status TEXT NOT NULL,
	initiated_by TEXT NOT NULL,
	record TEXT NOT NULL,
	recorded_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS execution_audit_plan ON execution_audit (plan_id, recorded_at)`,
}

// Migrate creates the store tables.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply store migration %d: %w", i+1, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for drivers that number them.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
