// Package database opens the SQLite database shared by the stroke log, the ink ledger, accounts
// and checkouts, and makes sure the schema exists.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS strokes (
		seq        INTEGER NOT NULL PRIMARY KEY,
		prev_x     REAL    NOT NULL,
		prev_y     REAL    NOT NULL,
		curr_x     REAL    NOT NULL,
		curr_y     REAL    NOT NULL,
		color      TEXT    NOT NULL,
		author_id  TEXT    NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT    NOT NULL PRIMARY KEY,
		username      TEXT    NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT    NOT NULL,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ink_ledger (
		user_id       TEXT    NOT NULL PRIMARY KEY,
		balance       INTEGER NOT NULL CHECK (balance >= 0),
		next_claim_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS checkouts (
		id         TEXT    NOT NULL PRIMARY KEY,
		user_id    TEXT    NOT NULL,
		option     TEXT    NOT NULL,
		ink        INTEGER NOT NULL,
		amount     INTEGER NOT NULL,
		currency   TEXT    NOT NULL,
		status     TEXT    NOT NULL,
		created_at INTEGER NOT NULL,
		paid_at    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS checkouts_user ON checkouts (user_id)`,
}

// Open opens (creating if needed) the database at path in WAL mode so page reads never wait on
// stroke appends, and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_txlock", "immediate")
	params.Set("_synchronous", "NORMAL")

	logger.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Ensured tables exist")
	return db, nil
}

// OpenReadOnly opens an existing database without applying the schema or changing its journal
// mode. Writes through the returned handle fail.
func OpenReadOnly(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	params := url.Values{}
	params.Set("mode", "ro")
	params.Set("_busy_timeout", "5000")
	params.Set("_query_only", "true")

	logger.Info("Opening database read-only", "path", path)
	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Migrate creates any missing tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

// Micros converts t to the integer timestamps stored in the database. The zero time maps to 0.
func Micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// FromMicros is the inverse of Micros.
func FromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}
