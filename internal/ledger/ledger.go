// Package ledger records one append-only row per classified worker outcome
// to an optional SQLite database, so a batch's history can be queried after
// the fact. It is write-only bookkeeping: nothing in this package is ever
// consulted to resume scheduling state, which stays a non-goal.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed sql/0*.sql
var migrations embed.FS

// Ledger appends outcome rows for one batch run. A nil *Ledger is valid and
// every method on it is a no-op, so callers don't need to branch on whether
// --audit-db was set.
type Ledger struct {
	db *sql.DB
}

// Open applies embedded migrations to path (created if absent) and returns
// a Ledger ready to record outcomes. Passing an empty path is a programmer
// error; callers should use nil instead when auditing is disabled.
func Open(ctx context.Context, path string) (*Ledger, error) {
	dsn := fmt.Sprintf(
		"file:%s?mode=rwc"+
			"&_pragma=journal_mode(WAL)"+
			"&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; outcomes are appended from one goroutine

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Ledger{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	subFS, err := fs.Sub(migrations, "sql")
	if err != nil {
		return fmt.Errorf("sub filesystem: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("new provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Record appends one outcome row. A nil Ledger silently does nothing, so
// every call site can record unconditionally.
func (l *Ledger) Record(ctx context.Context, runID, mode string, nonce uint64, outcome, detail string, duration time.Duration) error {
	if l == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO outcomes (run_id, nonce, mode, outcome, detail, duration_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, nonce, mode, outcome, detail, duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("ledger: record nonce %d: %w", nonce, err)
	}
	return nil
}

// Close releases the underlying database handle. A nil Ledger silently
// does nothing.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
