// Package ink is the server-side ink ledger. Every balance change is a single conditional UPDATE,
// so operations on one user are linearizable no matter how many connections that user has open;
// SQLite serializes the writers.
package ink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/livedraw/pkg/clock"
	"github.com/astromechza/livedraw/pkg/database"
)

var (
	ErrUnknownAccount = errors.New("no ink account for user")
	ErrInvalidAmount  = errors.New("ink amount must be positive")
)

// Entry is a user's ledger row. A zero NextClaimAt means the user has never claimed and may
// claim now.
type Entry struct {
	UserID      string
	Balance     int64
	NextClaimAt time.Time
}

// Claim is the outcome of TryClaim. When Granted is false, NextClaimAt is the unchanged,
// authoritative time at which the next claim becomes possible.
type Claim struct {
	Granted     bool
	Balance     int64
	NextClaimAt time.Time
}

type Ledger struct {
	database       *sql.DB
	clock          clock.Clock
	initialBalance int64
	logger         *slog.Logger
}

func New(db *sql.DB, clk clock.Clock, initialBalance int64, logger *slog.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{database: db, clock: clk, initialBalance: initialBalance, logger: logger}
}

// Open returns the user's entry, creating it with the initial balance on first use.
func (l *Ledger) Open(ctx context.Context, userID string) (Entry, error) {
	res, err := l.database.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO ink_ledger (user_id, balance, next_claim_at) VALUES (?, ?, 0)`,
		userID, l.initialBalance,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open ink account: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.logger.Info("ink account created", "user", userID, "balance", l.initialBalance)
	}
	return l.Balance(ctx, userID)
}

// Balance reads the user's entry.
func (l *Ledger) Balance(ctx context.Context, userID string) (Entry, error) {
	entry := Entry{UserID: userID}
	var next int64
	if err := l.database.QueryRowContext(
		ctx,
		`SELECT balance, next_claim_at FROM ink_ledger WHERE user_id = ?`,
		userID,
	).Scan(&entry.Balance, &next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrUnknownAccount
		}
		return Entry{}, fmt.Errorf("failed to read ink balance: %w", err)
	}
	entry.NextClaimAt = database.FromMicros(next)
	return entry, nil
}

// TryConsume removes amount from the balance if, and only if, the balance covers it. It returns
// the balance after the call and whether the amount was taken.
func (l *Ledger) TryConsume(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, ErrInvalidAmount
	}
	var balance int64
	err := l.database.QueryRowContext(
		ctx,
		`UPDATE ink_ledger SET balance = balance - ? WHERE user_id = ? AND balance >= ? RETURNING balance`,
		amount, userID, amount,
	).Scan(&balance)
	switch {
	case err == nil:
		return balance, true, nil
	case errors.Is(err, sql.ErrNoRows):
		entry, err := l.Balance(ctx, userID)
		if err != nil {
			return 0, false, err
		}
		return entry.Balance, false, nil
	default:
		return 0, false, fmt.Errorf("failed to consume ink: %w", err)
	}
}

// TryClaim grants grant ink and pushes the next claim cooldown into the future, but only when the
// user is eligible now. The eligibility check and the update are one compare-and-set statement,
// so concurrent claims in one window yield exactly one grant.
func (l *Ledger) TryClaim(ctx context.Context, userID string, grant int64, cooldown time.Duration) (Claim, error) {
	if grant <= 0 || cooldown <= 0 {
		return Claim{}, ErrInvalidAmount
	}
	now := l.clock.Now().UTC()
	claim := Claim{Granted: true}
	var next int64
	err := l.database.QueryRowContext(
		ctx,
		`UPDATE ink_ledger SET balance = balance + ?, next_claim_at = ? WHERE user_id = ? AND next_claim_at <= ? RETURNING balance, next_claim_at`,
		grant, database.Micros(now.Add(cooldown)), userID, database.Micros(now),
	).Scan(&claim.Balance, &next)
	switch {
	case err == nil:
		claim.NextClaimAt = database.FromMicros(next)
		l.logger.Info("ink claimed", "user", userID, "balance", claim.Balance, "next_claim", claim.NextClaimAt)
		return claim, nil
	case errors.Is(err, sql.ErrNoRows):
		entry, err := l.Balance(ctx, userID)
		if err != nil {
			return Claim{}, err
		}
		return Claim{Granted: false, Balance: entry.Balance, NextClaimAt: entry.NextClaimAt}, nil
	default:
		return Claim{}, fmt.Errorf("failed to claim ink: %w", err)
	}
}

// Credit adds purchased ink. It never touches the claim cooldown. Deduplicating payment callbacks
// is the caller's job.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	if err := l.database.QueryRowContext(
		ctx,
		`UPDATE ink_ledger SET balance = balance + ? WHERE user_id = ? RETURNING balance`,
		amount, userID,
	).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUnknownAccount
		}
		return 0, fmt.Errorf("failed to credit ink: %w", err)
	}
	l.logger.Info("ink credited", "user", userID, "amount", amount, "balance", balance)
	return balance, nil
}
