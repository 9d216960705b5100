package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite; timestamps are stored as unix
// milliseconds so both dialects share one schema.
type SQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

// OpenSQLite opens a SQLite database at path (":memory:" for an ephemeral
// one). Writers are serialized on a single connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	return db, nil
}

// OpenPostgres opens a PostgreSQL database and checks connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS proposals (
	id TEXT PRIMARY KEY,
	ledger_ref TEXT NOT NULL UNIQUE,
	group_id TEXT NOT NULL,
	proposer TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	approved BOOLEAN,
	yes_count INTEGER NOT NULL DEFAULT 0,
	no_count INTEGER NOT NULL DEFAULT 0,
	veto_count INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	deadline BIGINT NOT NULL,
	expired_at BIGINT
)`,
	`CREATE INDEX IF NOT EXISTS idx_proposals_group_status ON proposals (group_id, status)`,
	`CREATE TABLE IF NOT EXISTS proposal_voters (
	proposal_ref TEXT NOT NULL,
	voter TEXT NOT NULL,
	vote TEXT NOT NULL,
	cast_at BIGINT NOT NULL,
	PRIMARY KEY (proposal_ref, voter)
)`,
	`CREATE TABLE IF NOT EXISTS loans (
	loan_id TEXT NOT NULL DEFAULT '',
	item_id TEXT NOT NULL,
	borrower TEXT NOT NULL,
	started_at BIGINT NOT NULL,
	deadline BIGINT NOT NULL,
	is_expired BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (item_id, borrower)
)`,
	`CREATE TABLE IF NOT EXISTS sanctions (
	identity TEXT PRIMARY KEY,
	imposed_at BIGINT NOT NULL,
	lifts_at BIGINT NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS ledger_outbox (
	op_key TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	args TEXT NOT NULL,
	critical BOOLEAN NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_outbox_status ON ledger_outbox (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS member_groups (
	id TEXT PRIMARY KEY,
	required_credits INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS standings (
	group_id TEXT NOT NULL,
	student TEXT NOT NULL,
	credits INTEGER NOT NULL DEFAULT 0,
	can_graduate BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (group_id, student)
)`,
	`CREATE TABLE IF NOT EXISTS enrolments (
	group_id TEXT NOT NULL,
	exam TEXT NOT NULL,
	student TEXT NOT NULL,
	PRIMARY KEY (group_id, exam, student)
)`,
	`CREATE TABLE IF NOT EXISTS verbalizations (
	group_id TEXT NOT NULL,
	exam TEXT NOT NULL,
	student TEXT NOT NULL,
	mark INTEGER NOT NULL,
	settled BOOLEAN NOT NULL DEFAULT FALSE,
	recorded_at BIGINT NOT NULL,
	PRIMARY KEY (group_id, exam, student)
)`,
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// tallyColumn maps an option onto its counter column. The result is only
// ever one of three literals, so it is safe to splice into SQL.
func tallyColumn(option contracts.VoteOption) (string, error) {
	switch option {
	case contracts.VoteYes:
		return "yes_count", nil
	case contracts.VoteNo:
		return "no_count", nil
	case contracts.VoteNoWithVeto:
		return "veto_count", nil
	default:
		return "", fmt.Errorf("option %q: %w", option, contracts.ErrInvalidOption)
	}
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}
