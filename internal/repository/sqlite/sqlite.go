// Package sqlite implements the repository interfaces on SQLite.
//
// WHY modernc.org/sqlite?
// It is a pure Go translation of SQLite: no CGo, no C compiler, and the same
// binary cross-compiles everywhere Go does.
//
// LOCKING MODEL:
// Every mutation runs inside one transaction opened with BEGIN IMMEDIATE
// (the `_txlock=immediate` DSN parameter). The write lock is taken at BEGIN,
// before the transaction reads anything, so a read-modify-write of a
// contribution or an account can never interleave with another writer. A
// writer that cannot get the lock within the busy timeout fails with
// SQLITE_BUSY; inTx retries that with jittered exponential backoff and gives
// up with apperror.ErrTransient.
//
// One SELECT is one read transaction, so a single-statement read sees one
// consistent snapshot of the table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/clock"
)

// RetryPolicy bounds the retries of a transaction that failed transiently.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	JitterFrac  float64
}

// DefaultRetryPolicy is used when Config.Retry is zero.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		MinBackoff:  10 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
		JitterFrac:  0.2,
	}
}

// Config configures New.
type Config struct {
	// Path is a database file, or ":memory:" for a private in-memory database.
	Path string
	// Clock stamps createdAt, uploadedAt and every ledger row. Defaults to
	// the system clock.
	Clock clock.Clock
	// MaxAgeYears bounds Contribution.AgeYears on create. Defaults to 30.
	MaxAgeYears int
	// BusyTimeout is how long a writer waits for the lock before SQLITE_BUSY.
	BusyTimeout time.Duration
	Retry       RetryPolicy
	// OnRetry, if set, is called before each retry of a transient failure.
	OnRetry func(op string, attempt int, err error)
}

// DB is the SQLite store. It implements repository.ContributionRepository
// and repository.AccountRepository.
type DB struct {
	conn    *sql.DB
	clock   clock.Clock
	maxAge  int
	retry   RetryPolicy
	onRetry func(op string, attempt int, err error)
	sleep   func(ctx context.Context, d time.Duration) error
}

// New opens the database at cfg.Path and runs migrations.
func New(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.MaxAgeYears <= 0 {
		cfg.MaxAgeYears = 30
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	memory := cfg.Path == ":memory:"
	conn, err := sql.Open("sqlite", dsn(cfg.Path, cfg.BusyTimeout, memory))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Each pooled connection to ":memory:" would get its own empty database,
	// so an in-memory store is pinned to a single connection.
	if memory {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{
		conn:    conn,
		clock:   cfg.Clock,
		maxAge:  cfg.MaxAgeYears,
		retry:   cfg.Retry,
		onRetry: cfg.OnRetry,
		sleep:   sleepCtx,
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// dsn builds the connection string. Pragmas go in the DSN rather than a
// one-off Exec so that every connection the pool opens gets them.
func dsn(path string, busy time.Duration, memory bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if !memory {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// now is the store clock truncated to the millisecond precision of the
// created_at columns, so values written and values read back compare equal.
func (db *DB) now() time.Time {
	return db.clock.Now().Truncate(time.Millisecond)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS contributions (
			id             TEXT PRIMARY KEY,
			owner_id       TEXT NOT NULL,
			species        TEXT NOT NULL,
			image_ref      TEXT NOT NULL DEFAULT '',
			age_years      INTEGER NOT NULL CHECK (age_years >= 0),
			age_method     TEXT NOT NULL,
			confidence     TEXT NOT NULL,
			trust_level    TEXT NOT NULL,
			co2_per_year   REAL NOT NULL CHECK (co2_per_year > 0),
			base_co2       REAL NOT NULL,
			total_co2      REAL NOT NULL CHECK (total_co2 >= 0),
			latitude       REAL,
			longitude      REAL,
			accuracy       REAL,
			growth_updates TEXT NOT NULL DEFAULT '[]',
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_contributions_owner_created ON contributions(owner_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating contributions table: %w", err)
	}

	// The CHECK on credit_balance backs up the InsufficientBalance check in
	// Debit and Redeem.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id                TEXT PRIMARY KEY,
			email             TEXT NOT NULL DEFAULT '',
			display_name      TEXT NOT NULL DEFAULT '',
			credit_balance    INTEGER NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
			converted_credits INTEGER NOT NULL DEFAULT 0 CHECK (converted_credits >= 0),
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating accounts table: %w", err)
	}

	// (user_id, reward_id) is the primary key: a second redemption of the same
	// reward is a constraint violation even if the application check is skipped.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS redemptions (
			user_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			reward_id     TEXT NOT NULL,
			token         TEXT NOT NULL UNIQUE,
			credits_spent INTEGER NOT NULL,
			redeemed_at   INTEGER NOT NULL,
			PRIMARY KEY (user_id, reward_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating redemptions table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS credit_transactions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			kind          TEXT NOT NULL CHECK (kind IN ('earn', 'convert', 'spend')),
			amount        INTEGER NOT NULL CHECK (amount > 0),
			balance_after INTEGER NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions(user_id, created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating credit_transactions table: %w", err)
	}

	return nil
}

// inTx runs fn in a write transaction, committing if it returns nil.
//
// Transient failures (lock contention, or any error wrapping
// apperror.ErrTransient) roll back and rerun fn from the top, so fn must
// derive everything it writes from what it reads inside the transaction.
// Any other error, including domain errors returned by fn, is returned
// unchanged after rollback.
func (db *DB) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	attempts := max(db.retry.MaxAttempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		err = db.runTx(ctx, fn)
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt >= attempts {
			break
		}
		if db.onRetry != nil {
			db.onRetry(op, attempt, err)
		}
		if serr := db.sleep(ctx, computeBackoff(db.retry, attempt)); serr != nil {
			return serr
		}
	}
	return apperror.Transient(op, err)
}

func (db *DB) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	// Rollback after a successful Commit is a no-op returning ErrTxDone.
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	return nil
}

// computeBackoff returns the delay before retry number attempt (1-based):
// MinBackoff doubled per attempt, capped at MaxBackoff, ±JitterFrac.
func computeBackoff(r RetryPolicy, attempt int) time.Duration {
	minB, maxB, j := r.MinBackoff, r.MaxBackoff, r.JitterFrac
	if minB <= 0 {
		minB = 10 * time.Millisecond
	}
	if maxB < minB {
		maxB = minB
	}
	if j < 0 {
		j = 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := time.Duration(float64(minB) * math.Pow(2, float64(attempt-1)))
	if d > maxB || d <= 0 {
		d = maxB
	}
	delta := float64(d) * j
	low := math.Max(float64(d)-delta, 0)
	high := float64(d) + delta
	return time.Duration(low + rand.Float64()*(high-low))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isTransient reports whether err is worth retrying: SQLITE_BUSY and
// SQLITE_LOCKED (including their extended codes), or anything already
// classified as transient.
func isTransient(err error) bool {
	if errors.Is(err, apperror.ErrTransient) {
		return true
	}
	switch sqliteCode(err) {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// isConstraint reports whether err is a constraint violation.
func isConstraint(err error) bool {
	return sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT
}

// sqliteCode returns the primary result code of a driver error, or -1.
func sqliteCode(err error) int {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff
	}
	return -1
}

// millis converts a store timestamp to its column value.
func millis(t time.Time) int64 { return t.UnixMilli() }

// fromMillis converts a column value back to a time.
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }
